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

// Package agentpool groups the nodes of a single acs-engine agent pool —
// all sharing one instance type — and exposes the capacity accounting and
// reclaim-on-scale-up operation the scaler drives each tick.
package agentpool

import (
	"context"
	"time"

	"k8s.io/klog/v2"

	"github.com/Azure/acs-engine-autoscaler/catalog"
	"github.com/Azure/acs-engine-autoscaler/nodemodel"
	"github.com/Azure/acs-engine-autoscaler/resourcealgebra"
)

// MaxSize is the hard ceiling acs-engine templates impose on a single
// agent pool's node count.
const MaxSize = 100

// ReclaimSettleDelay is how long reclaimUnschedulable waits after each
// successful uncordon, giving the scheduler a chance to place pending pods
// onto the freshly uncordoned node before the next one is considered.
var ReclaimSettleDelay = 10 * time.Second

// AgentPool is every currently observed node sharing one instance type,
// built fresh from the node listing on every tick.
type AgentPool struct {
	Name  string
	Nodes []*nodemodel.Node

	instanceType string
	catalog      *catalog.Catalog
}

// New groups nodes into a pool. Nodes must already be filtered to this
// pool's name and instance type by the caller.
func New(name, instanceType string, nodes []*nodemodel.Node, cat *catalog.Catalog) *AgentPool {
	return &AgentPool{
		Name:         name,
		instanceType: instanceType,
		Nodes:        nodes,
		catalog:      cat,
	}
}

// InstanceType satisfies catalog.Pool so pools can be cost-ordered.
func (p *AgentPool) InstanceType() string { return p.instanceType }

// GetName satisfies armtemplate.IndexedPool.
func (p *AgentPool) GetName() string { return p.Name }

// ActualCapacity is the number of nodes currently observed in the pool,
// schedulable or not.
func (p *AgentPool) ActualCapacity() int {
	return len(p.Nodes)
}

// UnitCapacity is the schedulable resource of one node of this pool's
// instance type, looked up from the catalog.
func (p *AgentPool) UnitCapacity() (resourcealgebra.Resource, error) {
	return p.catalog.UnitCapacity(p.instanceType)
}

// UnschedulableNodes returns the pool's currently-cordoned nodes, in pool
// order.
func (p *AgentPool) UnschedulableNodes() []*nodemodel.Node {
	var out []*nodemodel.Node
	for _, n := range p.Nodes {
		if n.Unschedulable {
			out = append(out, n)
		}
	}
	return out
}

// HasNodeWithIndex is a membership test on the pool's node indices, used by
// the ARM template transformer to compute fresh indices for scale-out.
func (p *AgentPool) HasNodeWithIndex(index int) bool {
	for _, n := range p.Nodes {
		if n.Identity.Index == index {
			return true
		}
	}
	return false
}

// ReclaimUnschedulable uncordons the pool's unschedulable nodes, in pool
// order, stopping as soon as actualCapacity+reclaimed reaches target or the
// pool's MaxSize. After each successful uncordon it waits
// ReclaimSettleDelay so the scheduler can re-place pending pods onto the
// node before the next one is considered. It returns the number of nodes
// reclaimed.
func (p *AgentPool) ReclaimUnschedulable(ctx context.Context, target int) int {
	desired := target
	if desired > MaxSize {
		desired = MaxSize
	}

	reclaimed := 0
	if p.ActualCapacity()+reclaimed >= desired {
		return 0
	}

	for _, n := range p.UnschedulableNodes() {
		if !n.Uncordon(ctx) {
			continue
		}
		klog.V(2).Infof("reclaimed node %s in pool %s", n.Name, p.Name)
		select {
		case <-ctx.Done():
			return reclaimed
		case <-time.After(ReclaimSettleDelay):
		}
		reclaimed++
		if p.ActualCapacity()+reclaimed == desired {
			break
		}
	}
	return reclaimed
}
