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

// Package resourcealgebra implements multiset arithmetic over named
// resource quantities (cpu, memory, pods, gpu, and arbitrary extended
// resource names), the unit the autoscaler uses to compare pod requests
// against node and instance-type capacity.
package resourcealgebra

import (
	"fmt"

	"k8s.io/apimachinery/pkg/api/resource"
)

// Well-known resource names used throughout the autoscaler.
const (
	CPU    = "cpu"
	Memory = "memory"
	Pods   = "pods"
	GPU    = "nvidia.com/gpu"
)

// Resource is a multiset of named quantities. Missing keys are treated as
// zero. Resource is immutable: every arithmetic operation returns a new
// value.
type Resource struct {
	values map[string]resource.Quantity
}

// New builds a Resource from raw quantity strings (e.g. "500m", "4Gi"),
// using the same SI/binary suffix table as Kubernetes quantities.
func New(raw map[string]string) (Resource, error) {
	values := make(map[string]resource.Quantity, len(raw))
	for name, v := range raw {
		q, err := resource.ParseQuantity(v)
		if err != nil {
			return Resource{}, fmt.Errorf("parsing resource %q=%q: %w", name, v, err)
		}
		values[name] = q
	}
	return Resource{values: values}, nil
}

// FromQuantities builds a Resource directly from already-parsed quantities.
func FromQuantities(values map[string]resource.Quantity) Resource {
	out := make(map[string]resource.Quantity, len(values))
	for k, v := range values {
		out[k] = v
	}
	return Resource{values: out}
}

// Get returns the quantity stored under name, or zero if absent.
func (r Resource) Get(name string) resource.Quantity {
	if v, ok := r.values[name]; ok {
		return v
	}
	return resource.Quantity{}
}

func unionKeys(a, b Resource) map[string]struct{} {
	keys := make(map[string]struct{}, len(a.values)+len(b.values))
	for k := range a.values {
		keys[k] = struct{}{}
	}
	for k := range b.values {
		keys[k] = struct{}{}
	}
	return keys
}

// Add returns r + other, component-wise.
func (r Resource) Add(other Resource) Resource {
	out := make(map[string]resource.Quantity)
	for k := range unionKeys(r, other) {
		v := r.Get(k).DeepCopy()
		v.Add(other.Get(k))
		out[k] = v
	}
	return Resource{values: out}
}

// Sub returns r - other, component-wise.
func (r Resource) Sub(other Resource) Resource {
	out := make(map[string]resource.Quantity)
	for k := range unionKeys(r, other) {
		v := r.Get(k).DeepCopy()
		v.Sub(other.Get(k))
		out[k] = v
	}
	return Resource{values: out}
}

// Scale returns r multiplied by a scalar factor.
func (r Resource) Scale(factor float64) Resource {
	out := make(map[string]resource.Quantity, len(r.values))
	for k, v := range r.values {
		scaled := v.AsApproximateFloat64() * factor
		out[k] = *resource.NewMilliQuantity(int64(scaled*1000), v.Format)
	}
	return Resource{values: out}
}

// Possible reports whether every component of r is non-negative.
func (r Resource) Possible() bool {
	for _, v := range r.values {
		if v.Sign() < 0 {
			return false
		}
	}
	return true
}

// Compare performs a dominance comparison: across every resource name
// present in either operand, it counts how many components r strictly
// exceeds versus how many it falls strictly short of, and returns the sign
// of (more - less). A positive result means r dominates other, negative
// means other dominates r, zero means neither dominates.
func (r Resource) Compare(other Resource) int {
	diff := r.Sub(other)
	more, less := 0, 0
	for k := range unionKeys(r, other) {
		switch diff.Get(k).Sign() {
		case 1:
			more++
		case -1:
			less++
		}
	}
	switch {
	case more > less:
		return 1
	case more < less:
		return -1
	}
	return 0
}

// String renders the resource for logging.
func (r Resource) String() string {
	return fmt.Sprintf("%v", r.asStrings())
}

func (r Resource) asStrings() map[string]string {
	out := make(map[string]string, len(r.values))
	for k, v := range r.values {
		out[k] = v.String()
	}
	return out
}
