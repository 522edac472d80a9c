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
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Azure/acs-engine-autoscaler/agentpool"
	"github.com/Azure/acs-engine-autoscaler/armtemplate"
	"github.com/Azure/acs-engine-autoscaler/cloudprovider"
	"github.com/Azure/acs-engine-autoscaler/deployment"
	"github.com/Azure/acs-engine-autoscaler/nodeidentity"
	"github.com/Azure/acs-engine-autoscaler/nodemodel"
	"github.com/Azure/acs-engine-autoscaler/notify"
)

type fakeCloud struct {
	mu           sync.Mutex
	deployCalls  int
	deletedNodes []string
	deployErr    error
}

func (c *fakeCloud) DeployTemplate(context.Context, string, armtemplate.Template, cloudprovider.DeploymentParameters) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.deployCalls++
	return c.deployErr
}

func (c *fakeCloud) DeleteNodeResources(_ context.Context, nodeName string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.deletedNodes = append(c.deletedNodes, nodeName)
	return nil
}

func newEngineScaler(t *testing.T, pool *agentpool.AgentPool, spareAgents int) (*EngineScaler, *fakeCloud) {
	t.Helper()
	cloud := &fakeCloud{}
	return &EngineScaler{
		Scaler:        New(newCatalog(t), 0, spareAgents, nil),
		ResourceGroup: "rg",
		ARMTemplate:   cpupoolTemplate(),
		ARMParameters: cloudprovider.DeploymentParameters{},
		Pools:         []*agentpool.AgentPool{pool},
		Cloud:         cloud,
		Deployments:   deployment.New(),
		Notifier:      notify.NewNoop(),
	}, cloud
}

// cpupoolTemplate carries the copy-indexed NIC, VM, and VM-extension anchors
// PrepareScaleOut needs to unroll for cpupool.
func cpupoolTemplate() armtemplate.Template {
	return armtemplate.Template{"resources": []interface{}{
		map[string]interface{}{"name": "[concat(variables('cpupoolVMNamePrefix'), 'nic-', copyIndex(variables('cpupoolOffset')))]"},
		map[string]interface{}{"name": "[concat(variables('cpupoolVMNamePrefix'), copyIndex(variables('cpupoolOffset')))]"},
		map[string]interface{}{"name": "[concat(variables('cpupoolVMNamePrefix'), copyIndex(variables('cpupoolOffset')),'/cse', copyIndex(variables('cpupoolOffset')))]"},
	}}
}

func testNodeAt(t *testing.T, index int, unschedulable bool) *nodemodel.Node {
	t.Helper()
	capacity := mustResource(t, "2", "8Gi")
	id := nodeidentity.Identity{Pool: "cpupool", ClusterID: "13a89fca", Index: index}
	name := id.Pool + "-13a89fca-" + string(rune('0'+index))
	return nodemodel.New(id, "k8s-"+name, capacity, unschedulable, map[string]string{}, fakeClient{})
}

func TestScalePoolsSkipsDeploymentWhenAlreadyAtTarget(t *testing.T) {
	n0 := testNodeAt(t, 0, false)
	pool := agentpool.New("cpupool", "Standard_D2_v2", []*nodemodel.Node{n0}, newCatalog(t))
	engine, cloud := newEngineScaler(t, pool, 0)

	engine.ScalePools(context.Background(), map[string]int{"cpupool": 1})

	assert.Equal(t, 0, cloud.deployCalls)
}

func TestScalePoolsSubmitsDeploymentWhenTargetDiffers(t *testing.T) {
	n0 := testNodeAt(t, 0, false)
	pool := agentpool.New("cpupool", "Standard_D2_v2", []*nodemodel.Node{n0}, newCatalog(t))
	engine, cloud := newEngineScaler(t, pool, 0)

	engine.ScalePools(context.Background(), map[string]int{"cpupool": 2})

	assert.Equal(t, 1, cloud.deployCalls)
}

func TestMaintainSpareFloorBlocksSecondDrain(t *testing.T) {
	n0 := testNodeAt(t, 0, false)
	n1 := testNodeAt(t, 1, false)
	pool := agentpool.New("cpupool", "Standard_D2_v2", []*nodemodel.Node{n0, n1}, newCatalog(t))
	engine, cloud := newEngineScaler(t, pool, 1)

	engine.Maintain(context.Background(), false, nil)

	assert.Equal(t, 0, cloud.deployCalls)
	assert.True(t, n0.Unschedulable, "first idle node should be cordoned")
}

func TestDeleteNodeTearsDownCloudResourcesAndPublishesDecrementedSize(t *testing.T) {
	n := testNodeAt(t, 0, true)
	pool := agentpool.New("cpupool", "Standard_D2_v2", []*nodemodel.Node{n}, newCatalog(t))
	engine, cloud := newEngineScaler(t, pool, 1)

	var mu sync.Mutex
	engine.deleteNode(context.Background(), pool, n, &mu)

	require.Len(t, cloud.deletedNodes, 1)
	assert.Equal(t, n.Name, cloud.deletedNodes[0])
	assert.Equal(t, map[string]int{"cpupool": 0}, engine.Deployments.RequestedPoolSizes())
}
