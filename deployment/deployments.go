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

// Package deployment serializes ARM deployments: at most one may be
// non-terminal at a time, and a request matching the last-submitted target
// is skipped rather than resubmitted.
package deployment

import (
	"reflect"
	"sync"

	"k8s.io/klog/v2"
)

// Deployments is a single-flight coordinator around one outstanding ARM
// deployment. Safe for concurrent use.
type Deployments struct {
	mu                 sync.Mutex
	requestedPoolSizes map[string]int
	inFlight           bool
}

// New returns an idle coordinator.
func New() *Deployments {
	return &Deployments{}
}

// RequestedPoolSizes returns the pool-size vector most recently submitted
// or published by a scale-in worker, for a concurrent scale-up to read.
func (d *Deployments) RequestedPoolSizes() map[string]int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.requestedPoolSizes
}

// PublishPoolSizes records a pool-size vector without starting a
// deployment — used by scale-in workers decrementing the shared vector as
// they delete nodes, so a concurrent scale-up observes the correct target.
func (d *Deployments) PublishPoolSizes(sizes map[string]int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.requestedPoolSizes = sizes
}

// Submit starts deploy() if no deployment is in flight and newSize differs
// from the last requested vector. It blocks until deploy() returns. If a
// deployment is already in flight, or newSize is unchanged from the last
// request, Submit logs and returns immediately without calling deploy.
func (d *Deployments) Submit(deploy func() error, newSize map[string]int) {
	d.mu.Lock()
	if d.inFlight {
		d.mu.Unlock()
		klog.Info("another deployment in progress, skipping")
		return
	}
	if reflect.DeepEqual(d.requestedPoolSizes, newSize) {
		d.mu.Unlock()
		klog.Info("requested pool sizes unchanged, skipping deployment")
		return
	}
	d.requestedPoolSizes = newSize
	d.inFlight = true
	d.mu.Unlock()

	defer func() {
		d.mu.Lock()
		d.inFlight = false
		d.mu.Unlock()
	}()

	klog.Info("deployment started")
	if err := deploy(); err != nil {
		klog.Errorf("deployment failed: %v", err)
		return
	}
	klog.Info("deployment completed")
}
