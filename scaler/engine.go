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

package scaler

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"sync"

	"k8s.io/klog/v2"

	"github.com/Azure/acs-engine-autoscaler/agentpool"
	"github.com/Azure/acs-engine-autoscaler/armtemplate"
	"github.com/Azure/acs-engine-autoscaler/cloudprovider"
	"github.com/Azure/acs-engine-autoscaler/deployment"
	"github.com/Azure/acs-engine-autoscaler/metrics"
	"github.com/Azure/acs-engine-autoscaler/nodemodel"
	"github.com/Azure/acs-engine-autoscaler/notify"
	"github.com/Azure/acs-engine-autoscaler/podmodel"
)

// EngineScaler wires the shared bin-packing/state-machine logic in Scaler
// to an actual cloud: submitting ARM deployments for scale-out, and
// deleting VM/NIC/OS-disk resources for scale-in.
type EngineScaler struct {
	*Scaler

	ResourceGroup string
	ARMTemplate   armtemplate.Template
	ARMParameters cloudprovider.DeploymentParameters

	// Pools is every agent pool observed on the cluster, including ignored
	// ones — PrepareScaleOut needs the full set to decide what counts as
	// "unchanged".
	Pools []*agentpool.AgentPool

	Cloud       cloudprovider.CloudProvider
	Deployments *deployment.Deployments
	Notifier    notify.Notifier
	DryRun      bool
}

// scalablePools is Pools minus anything named in IgnorePools.
func (e *EngineScaler) scalablePools() []*agentpool.AgentPool {
	var out []*agentpool.AgentPool
	for _, p := range e.Pools {
		if !e.IgnorePools[p.Name] {
			out = append(out, p)
		}
	}
	return out
}

// ScalePools reconciles every scalable pool toward newSize: growing pools
// first uncordon autoscaler-cordoned nodes through ReclaimUnschedulable,
// then, if any pool's target differs from its ActualCapacity, one
// deployment is submitted for all of them through Deployments. Cordoned
// nodes already count toward ActualCapacity, so reclaiming them does not by
// itself avoid the deployment.
func (e *EngineScaler) ScalePools(ctx context.Context, newSize map[string]int) {
	hasChanges := false
	for _, pool := range e.scalablePools() {
		target := newSize[pool.Name]
		if target > agentpool.MaxSize {
			target = agentpool.MaxSize
		}
		newSize[pool.Name] = target

		if target == pool.ActualCapacity() {
			klog.Infof("pool %s already at desired capacity (%d)", pool.Name, pool.ActualCapacity())
			continue
		}
		hasChanges = true

		if e.DryRun {
			klog.Infof("[dry run] would have scaled pool %s to %d agent(s) (currently at %d)", pool.Name, target, pool.ActualCapacity())
			continue
		}
		if e.Notifier != nil {
			e.Notifier.ScaledPool(pool.Name, pool.ActualCapacity(), target)
		}
		if target > pool.ActualCapacity() {
			pool.ReclaimUnschedulable(ctx, target)
		}
	}

	if hasChanges && !e.DryRun {
		e.Deployments.Submit(func() error { return e.deployPools(ctx, newSize) }, newSize)
	}
}

// deployPools builds the ARM parameters and transformed template for
// newSize and submits the deployment, blocking until it completes.
func (e *EngineScaler) deployPools(ctx context.Context, newSize map[string]int) error {
	parameters := make(cloudprovider.DeploymentParameters, len(e.ARMParameters))
	for k, v := range e.ARMParameters {
		parameters[k] = v
	}

	indexed := make([]armtemplate.IndexedPool, 0, len(e.Pools))
	for _, p := range e.Pools {
		indexed = append(indexed, p)
	}

	for _, pool := range e.scalablePools() {
		if newSize[pool.Name] == 0 {
			// ARM rejects Count=0 on a copy loop; Offset=1 combined with
			// the template transform excising the pool's resources keeps
			// this a no-op deployment for it.
			parameters[pool.Name+"Count"] = map[string]interface{}{"value": 1}
			parameters[pool.Name+"Offset"] = map[string]interface{}{"value": 1}
			continue
		}
		parameters[pool.Name+"Count"] = map[string]interface{}{"value": newSize[pool.Name]}
	}

	template, err := armtemplate.PrepareScaleOut(e.ARMTemplate, indexed, newSize)
	if err != nil {
		return fmt.Errorf("preparing scale-out template: %w", err)
	}

	name, err := deploymentName()
	if err != nil {
		return err
	}
	klog.Infof("deployment %s started", name)
	metrics.DeploymentsSubmitted.Inc()
	if err := e.Cloud.DeployTemplate(ctx, name, template, parameters); err != nil {
		return err
	}
	klog.Infof("deployment %s completed", name)
	return nil
}

func deploymentName() (string, error) {
	var suffix [4]byte
	if _, err := rand.Read(suffix[:]); err != nil {
		return "", fmt.Errorf("generating deployment name: %w", err)
	}
	return "autoscaler-deployment-" + hex.EncodeToString(suffix[:]), nil
}

// Maintain classifies every node in every scalable pool and acts on it:
// cordoning idle nodes, draining under-utilized drainable ones down to the
// spare floor, uncordoning busy nodes that were left unschedulable, and
// queuing idle-unschedulable nodes for deletion. Deletions run one worker
// per node, in parallel, after every pool has been classified.
func (e *EngineScaler) Maintain(ctx context.Context, pendingSchedulable bool, runningOrPendingAssigned []podmodel.Pod) {
	klog.Info("maintaining nodes")

	podsByNode := make(map[string][]podmodel.Pod)
	for _, p := range runningOrPendingAssigned {
		podsByNode[p.NodeName] = append(podsByNode[p.NodeName], p)
	}

	type deleteTask struct {
		pool *agentpool.AgentPool
		node *nodemodel.Node
	}
	var deleteQueue []deleteTask

	for _, pool := range e.scalablePools() {
		maxNodesToDrain := pool.ActualCapacity() - len(pool.UnschedulableNodes()) - e.SpareAgents

		for _, node := range pool.Nodes {
			state := e.GetNodeState(node, pendingSchedulable)
			if state == UnderUtilizedDrainable && maxNodesToDrain <= 0 {
				state = SpareAgent
			}
			klog.Infof("node: %-75s state: %s", node.Name, state)

			switch state {
			case PodPending, Busy, SpareAgent, GracePeriod:
				// no action

			case UnderUtilizedDrainable:
				if e.DryRun {
					klog.Infof("[dry run] would have drained and cordoned %s", node.Name)
					continue
				}
				node.Cordon(ctx)
				node.Drain(ctx, e.Notifier)
				maxNodesToDrain--

			case IdleSchedulable:
				if e.DryRun {
					klog.Infof("[dry run] would have cordoned %s", node.Name)
					continue
				}
				node.Cordon(ctx)

			case BusyUnschedulable:
				if e.DryRun {
					klog.Infof("[dry run] would have uncordoned %s", node.Name)
					continue
				}
				node.Uncordon(ctx)

			case IdleUnschedulable:
				if e.DryRun {
					klog.Infof("[dry run] would have scaled in %s", node.Name)
					continue
				}
				deleteQueue = append(deleteQueue, deleteTask{pool: pool, node: node})

			case UnderUtilizedUndrainable:
				// no action; waiting for its pods to become drainable

			default:
				klog.Errorf("unhandled node state %s for node %s", state, node.Name)
			}
		}
	}

	var mu sync.Mutex
	var wg sync.WaitGroup
	for _, task := range deleteQueue {
		wg.Add(1)
		go func(task deleteTask) {
			defer wg.Done()
			e.deleteNode(ctx, task.pool, task.node, &mu)
		}(task)
	}
	wg.Wait()
}

// deleteNode decrements and publishes the shared pool-size vector under
// lock, then tears down the node's cloud resources. The publish happens
// before the (slow) cloud delete so a concurrent scale-up never races to
// re-request capacity this worker is already reclaiming.
func (e *EngineScaler) deleteNode(ctx context.Context, pool *agentpool.AgentPool, node *nodemodel.Node, mu *sync.Mutex) {
	mu.Lock()
	sizes := make(map[string]int, len(e.Pools))
	for _, p := range e.Pools {
		sizes[p.Name] = p.ActualCapacity()
	}
	sizes[pool.Name] = pool.ActualCapacity() - 1
	e.Deployments.PublishPoolSizes(sizes)
	mu.Unlock()

	if err := e.Cloud.DeleteNodeResources(ctx, node.Name); err != nil {
		klog.Errorf("deleting resources for node %s: %v", node.Name, err)
		return
	}
	metrics.NodesDeleted.WithLabelValues(pool.Name).Inc()
	if ok := node.Delete(ctx); !ok {
		klog.Warningf("deleting node object %s from the cluster failed", node.Name)
	}
}
