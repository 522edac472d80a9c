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

// Package core drives the ControlLoop: one tick lists the cluster, builds
// the agent pool view, bin-packs pending pods, and runs maintenance —
// backing off exponentially whenever a tick fails.
package core

import (
	"context"
	"time"

	corev1 "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/api/resource"
	"k8s.io/klog/v2"

	"github.com/Azure/acs-engine-autoscaler/agentpool"
	"github.com/Azure/acs-engine-autoscaler/catalog"
	"github.com/Azure/acs-engine-autoscaler/clusterview"
	"github.com/Azure/acs-engine-autoscaler/metrics"
	"github.com/Azure/acs-engine-autoscaler/nodeidentity"
	"github.com/Azure/acs-engine-autoscaler/nodemodel"
	"github.com/Azure/acs-engine-autoscaler/podmodel"
	"github.com/Azure/acs-engine-autoscaler/resourcealgebra"
	"github.com/Azure/acs-engine-autoscaler/scaler"
)

// deadNodeGracePeriod is how long a node may report NodeReady=Unknown
// before ControlLoop excludes it from pool construction entirely, so a
// wedged kubelet cannot block new VM index allocation or bin-packing.
const deadNodeGracePeriod = 10 * time.Minute

// ControlLoop is the top-level tick/backoff driver.
type ControlLoop struct {
	Cluster clusterview.ClusterView
	Engine  *scaler.EngineScaler
	Catalog *catalog.Catalog

	// Sleep is the delay between successful ticks; it doubles after every
	// failed tick and resets to Sleep on the next success.
	Sleep time.Duration

	NoScale       bool
	NoMaintenance bool

	// Debug lets a tick panic propagate instead of being recovered.
	Debug bool
}

// Run executes tick() forever, backing off exponentially on failure, until
// ctx is cancelled.
func (c *ControlLoop) Run(ctx context.Context) {
	sleep := c.Sleep
	for {
		start := time.Now()
		ok := c.tick(ctx)
		metrics.ObserveTick(start, ok)

		if ok {
			sleep = c.Sleep
		} else {
			sleep *= 2
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(sleep):
		}
	}
}

// tick wraps tickOnce with panic recovery, unless Debug is set.
func (c *ControlLoop) tick(ctx context.Context) (ok bool) {
	if c.Debug {
		return c.tickOnce(ctx)
	}
	defer func() {
		if r := recover(); r != nil {
			klog.Errorf("tick failed: %v", r)
			ok = false
		}
	}()
	return c.tickOnce(ctx)
}

func (c *ControlLoop) tickOnce(ctx context.Context) bool {
	nodes, err := c.Cluster.ListNodes(ctx)
	if err != nil {
		klog.Errorf("listing nodes: %v", err)
		return false
	}
	if len(nodes) == 0 {
		klog.Warning("no nodes observed, skipping tick")
		return false
	}

	pools, nodesByName, err := c.buildPools(nodes)
	if err != nil {
		klog.Errorf("building agent pools: %v", err)
		return false
	}
	c.Engine.Pools = pools

	pods, err := c.Cluster.ListPods(ctx)
	if err != nil {
		klog.Errorf("listing pods: %v", err)
		return false
	}

	var runningOrPendingAssigned []podmodel.Pod
	var pendingUnassigned []podmodel.Pod
	for _, p := range pods {
		pod := clusterview.ToPod(p)
		if pod.NodeName == "" {
			if pod.Status == podmodel.Pending {
				pendingUnassigned = append(pendingUnassigned, pod)
			}
			continue
		}
		if pod.Status == podmodel.Running || pod.Status == podmodel.Pending || pod.Status == podmodel.ContainerCreating {
			runningOrPendingAssigned = append(runningOrPendingAssigned, pod)
		}
		if n, ok := nodesByName[pod.NodeName]; ok {
			n.CountPod(pod)
		}
	}

	pendingSchedulable := c.filterFeasible(pendingUnassigned, pools)

	for _, pool := range pools {
		metrics.PoolActualCapacity.WithLabelValues(pool.Name).Set(float64(pool.ActualCapacity()))
	}

	if !c.NoScale {
		newSize := c.Engine.FulfillPending(pools, pendingSchedulable)
		for name, size := range newSize {
			metrics.PoolTargetCapacity.WithLabelValues(name).Set(float64(size))
		}
		c.Engine.ScalePools(ctx, newSize)
	}
	if !c.NoMaintenance {
		c.Engine.Maintain(ctx, len(pendingSchedulable) > 0, runningOrPendingAssigned)
	}

	return true
}

// filterFeasible keeps only the pending pods that fit at least one pool's
// unit capacity, logging and dropping the rest as a warning rather than
// failing the tick — the operator is expected to fix an infeasible
// manifest, not have it wedge the autoscaler.
func (c *ControlLoop) filterFeasible(pending []podmodel.Pod, pools []*agentpool.AgentPool) []podmodel.Pod {
	var feasible []podmodel.Pod
	for _, pod := range pending {
		fits := false
		for _, pool := range pools {
			unit, err := pool.UnitCapacity()
			if err != nil {
				continue
			}
			if unit.Sub(pod.Resources).Possible() {
				fits = true
				break
			}
		}
		if fits {
			feasible = append(feasible, pod)
		} else {
			klog.Warningf("pod %s/%s requests resources no pool can satisfy, skipping", pod.Namespace, pod.Name)
			metrics.PendingCapacityInfeasible.Inc()
		}
	}
	return feasible
}

// buildPools groups the cluster's agent nodes by pool, constructing the
// nodemodel.Node and agentpool.AgentPool values the rest of this tick
// operates on. Master nodes and nodes that have reported NodeReady=Unknown
// for over deadNodeGracePeriod are excluded.
func (c *ControlLoop) buildPools(nodes []corev1.Node) ([]*agentpool.AgentPool, map[string]*nodemodel.Node, error) {
	byPool := make(map[string][]*nodemodel.Node)
	nodesByName := make(map[string]*nodemodel.Node, len(nodes))

	for i := range nodes {
		node := &nodes[i]
		id, err := nodeidentity.Parse(node.Name)
		if err != nil {
			klog.Warningf("skipping node with unparseable name %s: %v", node.Name, err)
			continue
		}
		if id.IsMaster() {
			continue
		}
		if !isLivingNode(node) {
			klog.Warningf("excluding %s: NodeReady has been Unknown for over %s", node.Name, deadNodeGracePeriod)
			continue
		}

		capacity := resourceFromAllocatable(node.Status.Allocatable)
		n := nodemodel.New(id, node.Name, capacity, node.Spec.Unschedulable, node.Labels, c.Cluster)
		byPool[id.Pool] = append(byPool[id.Pool], n)
		nodesByName[node.Name] = n
	}

	var pools []*agentpool.AgentPool
	for poolName, poolNodes := range byPool {
		instanceType := poolNodes[0].Labels[corev1.LabelInstanceTypeStable]
		pools = append(pools, agentpool.New(poolName, instanceType, poolNodes, c.Catalog))
	}
	return pools, nodesByName, nil
}

// isLivingNode excludes a node whose NodeReady condition has been Unknown
// for more than deadNodeGracePeriod, so a wedged kubelet cannot block new
// VM index allocation or bin-packing targets.
func isLivingNode(node *corev1.Node) bool {
	for _, cond := range node.Status.Conditions {
		if cond.Type != corev1.NodeReady || cond.Status != corev1.ConditionUnknown {
			continue
		}
		if time.Since(cond.LastTransitionTime.Time) > deadNodeGracePeriod {
			return false
		}
	}
	return true
}

func resourceFromAllocatable(allocatable corev1.ResourceList) resourcealgebra.Resource {
	values := make(map[string]resource.Quantity, len(allocatable))
	for name, qty := range allocatable {
		values[string(name)] = qty
	}
	return resourcealgebra.FromQuantities(values)
}
