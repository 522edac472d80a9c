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

// Package nodemodel wraps a Kubernetes node with the capacity accounting
// and cordon/drain/delete operations the scaler's state machine drives.
package nodemodel

import (
	"context"
	"fmt"

	"k8s.io/klog/v2"

	"github.com/Azure/acs-engine-autoscaler/nodeidentity"
	"github.com/Azure/acs-engine-autoscaler/podmodel"
	"github.com/Azure/acs-engine-autoscaler/resourcealgebra"
)

// CordonedByAutoscalerLabel marks a node as cordoned by this autoscaler, so
// a later tick knows it is safe to uncordon. Nodes cordoned by an operator
// or another controller never carry this label and are left alone.
const CordonedByAutoscalerLabel = "acs-engine-autoscaler/cordoned-by-autoscaler"

// Notifier receives node lifecycle events. A nil Notifier is skipped.
type Notifier interface {
	Drained(nodeName string, pods []podmodel.Pod)
}

// ClusterClient is the subset of cluster operations a Node needs to act on
// itself. A single client-go backed implementation lives in clusterview.
type ClusterClient interface {
	PatchNode(ctx context.Context, name string, unschedulable bool, labels map[string]string) error
	EvictPod(ctx context.Context, namespace, name string) error
	DeleteNode(ctx context.Context, name string) error
}

// Node is the autoscaler's view of a Kubernetes node.
type Node struct {
	Identity nodeidentity.Identity
	Name     string

	Capacity      resourcealgebra.Resource
	UsedCapacity  resourcealgebra.Resource
	Unschedulable bool
	Labels        map[string]string
	Selectors     map[string]string

	Pods []podmodel.Pod

	client ClusterClient
}

// New builds a Node wrapper around an already-identified cluster node.
func New(identity nodeidentity.Identity, name string, capacity resourcealgebra.Resource, unschedulable bool, labels map[string]string, client ClusterClient) *Node {
	return &Node{
		Identity:      identity,
		Name:          name,
		Capacity:      capacity,
		UsedCapacity:  resourcealgebra.Resource{},
		Unschedulable: unschedulable,
		Labels:        labels,
		client:        client,
	}
}

// CountPod adds a pod's resource request into the node's used capacity and
// records the pod as scheduled onto this node.
func (n *Node) CountPod(p podmodel.Pod) {
	n.UsedCapacity = n.UsedCapacity.Add(p.Resources)
	n.Pods = append(n.Pods, p)
}

// CanFit evaluates the literal check used capacity plus resources, less
// total capacity, and reports whether that has no negative component. It
// therefore returns true only when used capacity plus the request meets or
// exceeds capacity in every component; a request that fits under capacity
// yields false.
func (n *Node) CanFit(resources resourcealgebra.Resource) bool {
	left := n.UsedCapacity.Add(resources).Sub(n.Capacity)
	return left.Possible()
}

// IsMatch reports whether every selector key on the pod equals the node's
// corresponding label.
func (n *Node) IsMatch(p podmodel.Pod) bool {
	for label, value := range p.Selectors {
		if n.Labels[label] != value {
			return false
		}
	}
	return true
}

// Cordon marks the node unschedulable and tags it as cordoned by this
// autoscaler. Any API failure is logged and reported as false; the caller
// retries on the next tick.
func (n *Node) Cordon(ctx context.Context) bool {
	labels := map[string]string{CordonedByAutoscalerLabel: "true"}
	if err := n.client.PatchNode(ctx, n.Name, true, labels); err != nil {
		klog.Infof("cordon failed for %s: %v", n.Name, err)
		return false
	}
	n.Unschedulable = true
	if n.Labels == nil {
		n.Labels = map[string]string{}
	}
	n.Labels[CordonedByAutoscalerLabel] = "true"
	return true
}

// Uncordon clears unschedulable, but only for nodes this autoscaler
// cordoned. Operator-cordoned nodes are left untouched and Uncordon
// returns false without issuing an API call.
func (n *Node) Uncordon(ctx context.Context) bool {
	if n.Labels[CordonedByAutoscalerLabel] != "true" {
		return false
	}
	if err := n.client.PatchNode(ctx, n.Name, false, nil); err != nil {
		klog.Infof("uncordon failed for %s: %v", n.Name, err)
		return false
	}
	n.Unschedulable = false
	return true
}

// Drain evicts every drainable pod on the node, skipping mirror pods, and
// notifies notifier on completion if one is supplied. Evictions are issued
// one at a time; the first failed eviction stops the drain and returns
// false without notifying, leaving the caller to retry on the next tick.
func (n *Node) Drain(ctx context.Context, notifier Notifier) bool {
	var evicted []podmodel.Pod
	for _, p := range n.Pods {
		if p.IsMirrored() {
			continue
		}
		if !p.IsDrainable() {
			continue
		}
		if err := n.client.EvictPod(ctx, p.Namespace, p.Name); err != nil {
			klog.Infof("evict failed for %s/%s on %s: %v", p.Namespace, p.Name, n.Name, err)
			return false
		}
		evicted = append(evicted, p)
	}
	if notifier != nil {
		notifier.Drained(n.Name, evicted)
	}
	return true
}

// Delete removes the node object from the cluster. VM deletion is a
// separate cloud-provider operation driven by the scaler.
func (n *Node) Delete(ctx context.Context) bool {
	if err := n.client.DeleteNode(ctx, n.Name); err != nil {
		klog.Infof("delete failed for %s: %v", n.Name, err)
		return false
	}
	return true
}

// HasOnlyDrainablePods reports whether every non-mirror pod on the node is
// drainable, i.e. nothing would block a drain.
func (n *Node) HasOnlyDrainablePods() bool {
	for _, p := range n.Pods {
		if p.IsMirrored() {
			continue
		}
		if !p.IsDrainable() {
			return false
		}
	}
	return true
}

func (n *Node) String() string {
	return fmt.Sprintf("%s (pool=%s index=%d)", n.Name, n.Identity.Pool, n.Identity.Index)
}
