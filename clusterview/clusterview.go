/*
Copyright 2016 The Kubernetes Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package clusterview is the autoscaler's single point of contact with the
// Kubernetes API: listing nodes and pods, patching node schedulability, and
// evicting/deleting. Every other package reasons about nodemodel.Node and
// podmodel.Pod, never about raw client-go types.
package clusterview

import (
	"context"
	"encoding/json"
	"fmt"

	corev1 "k8s.io/api/core/v1"
	policyv1 "k8s.io/api/policy/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/types"
	"k8s.io/client-go/kubernetes"
	"k8s.io/klog/v2"

	"github.com/Azure/acs-engine-autoscaler/nodemodel"
	"github.com/Azure/acs-engine-autoscaler/podmodel"
)

// ClusterView is the narrow surface the rest of the autoscaler needs from a
// live Kubernetes cluster.
type ClusterView interface {
	ListNodes(ctx context.Context) ([]corev1.Node, error)
	ListPods(ctx context.Context) ([]corev1.Pod, error)
	nodemodel.ClusterClient
}

// Client is a ClusterView backed by a real client-go clientset.
type Client struct {
	clientset kubernetes.Interface
}

// New wraps an already-configured client-go clientset.
func New(clientset kubernetes.Interface) *Client {
	return &Client{clientset: clientset}
}

// ListNodes returns every node in the cluster, master and agent alike;
// callers filter by nodeidentity before building AgentPools.
func (c *Client) ListNodes(ctx context.Context) ([]corev1.Node, error) {
	list, err := c.clientset.CoreV1().Nodes().List(ctx, metav1.ListOptions{})
	if err != nil {
		return nil, fmt.Errorf("listing nodes: %w", err)
	}
	return list.Items, nil
}

// ListPods returns every pod across all namespaces.
func (c *Client) ListPods(ctx context.Context) ([]corev1.Pod, error) {
	list, err := c.clientset.CoreV1().Pods(metav1.NamespaceAll).List(ctx, metav1.ListOptions{})
	if err != nil {
		return nil, fmt.Errorf("listing pods: %w", err)
	}
	return list.Items, nil
}

type nodePatch struct {
	Spec nodeSpecPatch `json:"spec,omitempty"`
	Meta nodeMetaPatch `json:"metadata,omitempty"`
}

type nodeSpecPatch struct {
	Unschedulable bool `json:"unschedulable"`
}

type nodeMetaPatch struct {
	Labels map[string]string `json:"labels,omitempty"`
}

// PatchNode sets spec.unschedulable and merges labels (when non-nil) via a
// strategic merge patch.
func (c *Client) PatchNode(ctx context.Context, name string, unschedulable bool, labels map[string]string) error {
	patch := nodePatch{
		Spec: nodeSpecPatch{Unschedulable: unschedulable},
		Meta: nodeMetaPatch{Labels: labels},
	}
	raw, err := marshalPatch(patch)
	if err != nil {
		return fmt.Errorf("encoding patch for node %s: %w", name, err)
	}
	_, err = c.clientset.CoreV1().Nodes().Patch(ctx, name, types.StrategicMergePatchType, raw, metav1.PatchOptions{})
	if err != nil {
		return fmt.Errorf("patching node %s: %w", name, err)
	}
	return nil
}

// EvictPod submits an eviction through the policy/v1 Eviction subresource,
// which respects any PodDisruptionBudget bound to the pod.
func (c *Client) EvictPod(ctx context.Context, namespace, name string) error {
	eviction := &policyv1.Eviction{
		ObjectMeta: metav1.ObjectMeta{Name: name, Namespace: namespace},
	}
	err := c.clientset.PolicyV1().Evictions(namespace).Evict(ctx, eviction)
	if apierrors.IsNotFound(err) {
		klog.V(2).Infof("pod %s/%s already gone, treating eviction as successful", namespace, name)
		return nil
	}
	if err != nil {
		return fmt.Errorf("evicting pod %s/%s: %w", namespace, name, err)
	}
	return nil
}

// DeleteNode removes the node object. VM teardown is a separate
// cloud-provider call driven by the scaler, which removes the node object
// only after that teardown has succeeded.
func (c *Client) DeleteNode(ctx context.Context, name string) error {
	err := c.clientset.CoreV1().Nodes().Delete(ctx, name, metav1.DeleteOptions{})
	if apierrors.IsNotFound(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("deleting node %s: %w", name, err)
	}
	return nil
}

func marshalPatch(patch nodePatch) ([]byte, error) {
	return json.Marshal(patch)
}

// ToPod adapts a raw corev1.Pod into the autoscaler's podmodel.Pod.
func ToPod(pod corev1.Pod) podmodel.Pod {
	return podmodel.FromAPI(&pod)
}
