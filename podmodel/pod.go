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

// Package podmodel wraps a Kubernetes pod with the aggregate resource
// request, mirror/daemonset classification, and drainability the scaling
// decision engine needs.
package podmodel

import (
	corev1 "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/types"

	"github.com/Azure/acs-engine-autoscaler/resourcealgebra"
)

// MirrorAnnotation marks a pod whose lifecycle is owned by the kubelet
// itself (a static manifest), mirrored into the API server read-only.
const MirrorAnnotation = "kubernetes.io/config.mirror"

// SafeToEvictAnnotation, when set to "false", marks a pod that must never
// be evicted by the autoscaler irrespective of its owner.
const SafeToEvictAnnotation = "cluster-autoscaler.kubernetes.io/safe-to-evict"

// DrainableSystemPodPrefixes lists kube-system pod name prefixes that count
// as drainable even though they would otherwise block a node drain — the
// documented kube-proxy exception from the node state machine.
var DrainableSystemPodPrefixes = []string{"kube-proxy"}

// Status mirrors the pod phases the scaler distinguishes.
type Status string

// Pod phases relevant to scaling decisions.
const (
	Running           Status = "Running"
	Pending           Status = "Pending"
	ContainerCreating Status = "ContainerCreating"
	Succeeded         Status = "Succeeded"
	Failed            Status = "Failed"
)

// Pod is the autoscaler's view of a Kubernetes pod.
type Pod struct {
	Namespace string
	Name      string
	UID       types.UID
	NodeName  string
	Status    Status
	Selectors map[string]string
	Resources resourcealgebra.Resource

	mirrored  bool
	drainable bool
}

// FromAPI builds a Pod from a corev1.Pod, summing container resource
// requests into a single Resource (plus pods=1) and classifying the pod as
// mirrored/drainable per the node state machine's rules.
func FromAPI(pod *corev1.Pod) Pod {
	values := map[string]string{"pods": "1"}
	for _, c := range pod.Spec.Containers {
		for name, qty := range c.Resources.Requests {
			accumulateQuantity(values, string(name), qty.String())
		}
	}

	res, _ := resourcealgebra.New(values)

	mirrored := isMirrored(pod)

	p := Pod{
		Namespace: pod.Namespace,
		Name:      pod.Name,
		UID:       pod.UID,
		NodeName:  pod.Spec.NodeName,
		Status:    Status(pod.Status.Phase),
		Selectors: pod.Spec.NodeSelector,
		Resources: res,
		mirrored:  mirrored,
	}
	p.drainable = computeDrainable(pod, mirrored)
	return p
}

// accumulateQuantity adds qty to any quantity already recorded for name.
func accumulateQuantity(values map[string]string, name, qty string) {
	if existing, ok := values[name]; ok {
		sum, err := resourcealgebra.New(map[string]string{name: existing})
		if err != nil {
			values[name] = qty
			return
		}
		add, err := resourcealgebra.New(map[string]string{name: qty})
		if err != nil {
			return
		}
		values[name] = sum.Add(add).Get(name).String()
		return
	}
	values[name] = qty
}

func isMirrored(pod *corev1.Pod) bool {
	if _, ok := pod.Annotations[MirrorAnnotation]; ok {
		return true
	}
	for _, ref := range pod.OwnerReferences {
		if ref.Kind == "DaemonSet" {
			return true
		}
	}
	return false
}

func computeDrainable(pod *corev1.Pod, mirrored bool) bool {
	if mirrored {
		return false
	}
	if pod.Annotations[SafeToEvictAnnotation] == "false" {
		return false
	}
	return true
}

// IsMirrored reports whether this pod is owned by a DaemonSet or is a
// kubelet-managed static/mirror pod; such pods never count toward node
// busyness.
func (p Pod) IsMirrored() bool {
	return p.mirrored
}

// IsDrainable reports whether this pod may be evicted during a node drain.
// kube-system infrastructure pods matching DrainableSystemPodPrefixes are
// treated as drainable even if they would otherwise be marked
// non-evictable, a documented exception for components like kube-proxy
// that must tolerate eviction on every node regardless of annotations.
func (p Pod) IsDrainable() bool {
	if p.drainable {
		return true
	}
	if p.Namespace != "kube-system" {
		return false
	}
	for _, prefix := range DrainableSystemPodPrefixes {
		if hasPrefix(p.Name, prefix) {
			return true
		}
	}
	return false
}

func hasPrefix(name, prefix string) bool {
	return len(name) >= len(prefix) && name[:len(prefix)] == prefix
}
