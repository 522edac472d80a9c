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

// Package scaler implements the bin-packing sizing decision and the
// per-node state machine that together decide how each agent pool should
// grow or shrink on a given tick.
package scaler

import (
	"k8s.io/klog/v2"

	"github.com/Azure/acs-engine-autoscaler/agentpool"
	"github.com/Azure/acs-engine-autoscaler/catalog"
	"github.com/Azure/acs-engine-autoscaler/nodemodel"
	"github.com/Azure/acs-engine-autoscaler/podmodel"
	"github.com/Azure/acs-engine-autoscaler/resourcealgebra"
)

// UtilThreshold is the fraction of a node's capacity below which the node
// is considered under-utilized and a drain candidate.
const UtilThreshold = 0.3

// NodeState is the maintain-time classification of a single node.
type NodeState string

// Node states. GRACE_PERIOD is retained in the taxonomy for forward
// compatibility with an earlier AWS-ASG variant of this state machine but
// is never produced.
const (
	PodPending               NodeState = "pod-pending"
	GracePeriod              NodeState = "grace-period"
	SpareAgent               NodeState = "spare-agent"
	IdleSchedulable          NodeState = "idle-schedulable"
	IdleUnschedulable        NodeState = "idle-unschedulable"
	BusyUnschedulable        NodeState = "busy-unschedulable"
	Busy                     NodeState = "busy"
	UnderUtilizedDrainable   NodeState = "under-utilized-drainable"
	UnderUtilizedUndrainable NodeState = "under-utilized-undrainable"
)

// Scaler holds the pieces of sizing logic shared by every cloud-specific
// scaler: bin-packing pending pods and classifying nodes for maintain.
// EngineScaler embeds it and adds the ARM deployment/deletion mechanics.
type Scaler struct {
	Catalog       *catalog.Catalog
	OverProvision int
	SpareAgents   int
	IgnorePools   map[string]bool
}

// New builds the shared scaler state.
func New(cat *catalog.Catalog, overProvision, spareAgents int, ignorePools map[string]bool) *Scaler {
	if ignorePools == nil {
		ignorePools = map[string]bool{}
	}
	return &Scaler{Catalog: cat, OverProvision: overProvision, SpareAgents: spareAgents, IgnorePools: ignorePools}
}

// FulfillPending bin-packs pending pods against every non-ignored pool, in
// cost-ascending order, and returns the target size for every pool —
// unchanged pools included.
func (s *Scaler) FulfillPending(pools []*agentpool.AgentPool, pods []podmodel.Pod) map[string]int {
	klog.Infof("fulfilling pending pods: %d", len(pods))

	placed := make([]bool, len(pods))
	numUnaccounted := len(pods)

	newSize := make(map[string]int, len(pools))
	for _, p := range pools {
		newSize[p.Name] = p.ActualCapacity()
	}

	ordered := catalog.OrderPoolsByCostAscending(s.Catalog, pools)
	for _, pool := range ordered {
		if s.IgnorePools[pool.Name] || numUnaccounted == 0 {
			continue
		}

		unit, err := pool.UnitCapacity()
		if err != nil {
			klog.Warningf("skipping pool %s: %v", pool.Name, err)
			continue
		}

		var hypothetical []resourcealgebra.Resource
		var assignment [][]int

		for i, pod := range pods {
			if placed[i] {
				continue
			}
			if !unit.Sub(pod.Resources).Possible() {
				continue
			}

			foundFit := false
			for h := range hypothetical {
				if hypothetical[h].Sub(pod.Resources).Possible() {
					hypothetical[h] = hypothetical[h].Sub(pod.Resources)
					assignment[h] = append(assignment[h], i)
					foundFit = true
					break
				}
			}
			if !foundFit {
				hypothetical = append(hypothetical, unit.Sub(pod.Resources))
				assignment = append(assignment, []int{i})
			}
		}

		unitsNeeded := len(hypothetical) + s.OverProvision
		headroom := agentpool.MaxSize - pool.ActualCapacity()
		unavailable := 0
		if unitsNeeded-headroom > 0 {
			unavailable = unitsNeeded - headroom
		}
		unitsRequested := unitsNeeded - unavailable

		newCapacity := pool.ActualCapacity() + unitsRequested
		newSize[pool.Name] = newCapacity
		klog.V(2).Infof("pool %s: requesting capacity %d (actual %d)", pool.Name, newCapacity, pool.ActualCapacity())

		limit := len(assignment)
		if unitsRequested < limit {
			limit = unitsRequested
		}
		for h := 0; h < limit; h++ {
			for _, i := range assignment[h] {
				if !placed[i] {
					placed[i] = true
					numUnaccounted--
				}
			}
		}
	}

	if numUnaccounted > 0 {
		klog.Warningf("failed to scale sufficiently: %d pods still pending", numUnaccounted)
	}

	return newSize
}

// nodeClassification is the raw predicates getNodeState evaluates before
// applying the state table.
type nodeClassification struct {
	busy          bool
	underUtilized bool
	drainable     bool
}

func classify(n *nodemodel.Node) nodeClassification {
	var busy []podmodel.Pod
	drainable := true
	utilization := resourcealgebra.Resource{}

	for _, p := range n.Pods {
		if !p.IsMirrored() {
			busy = append(busy, p)
			utilization = utilization.Add(p.Resources)
		}
		if !p.IsMirrored() && !p.IsDrainable() {
			drainable = false
		}
	}

	threshold := n.Capacity.Scale(UtilThreshold)
	underUtilized := threshold.Sub(utilization).Possible()

	return nodeClassification{
		busy:          len(busy) > 0,
		underUtilized: underUtilized,
		drainable:     drainable,
	}
}

// GetNodeState classifies a single node for the maintain pass. pending
// reports whether any pod cluster-wide is still unscheduled.
func (s *Scaler) GetNodeState(n *nodemodel.Node, pending bool) NodeState {
	c := classify(n)

	switch {
	case c.busy && !c.underUtilized:
		if n.Unschedulable {
			return BusyUnschedulable
		}
		return Busy
	case pending && !n.Unschedulable:
		return PodPending
	case c.underUtilized && (c.busy || !n.Unschedulable):
		if c.drainable {
			return UnderUtilizedDrainable
		}
		return UnderUtilizedUndrainable
	default:
		if n.Unschedulable {
			return IdleUnschedulable
		}
		return IdleSchedulable
	}
}
