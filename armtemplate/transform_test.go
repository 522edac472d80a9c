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

package armtemplate

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakePool struct {
	name     string
	actual   int
	indexSet map[int]bool
}

func (p fakePool) GetName() string        { return p.name }
func (p fakePool) ActualCapacity() int     { return p.actual }
func (p fakePool) HasNodeWithIndex(i int) bool { return p.indexSet[i] }

func TestNewIndicesSkipsLiveOnes(t *testing.T) {
	pool := fakePool{name: "cpupool", actual: 2, indexSet: map[int]bool{2: true, 4: true}}
	indices := NewIndices(pool, 5)
	assert.Equal(t, []int{0, 1, 3}, indices)
}

const sampleTemplate = `{
	"resources": [
		{
			"type": "Microsoft.Network/networkSecurityGroups",
			"name": "[variables('nsgName')]"
		},
		{
			"type": "Microsoft.Network/virtualNetworks",
			"name": "vnet",
			"dependsOn": ["[concat('Microsoft.Network/networkSecurityGroups/', variables('nsgName'))]"]
		},
		{
			"type": "Microsoft.Network/networkInterfaces",
			"name": "[concat(variables('cpupoolVMNamePrefix'), 'nic-', copyIndex(variables('cpupoolOffset')))]",
			"copy": {"name": "niccopy", "count": "[parameters('cpupoolCount')]"}
		},
		{
			"type": "Microsoft.Compute/virtualMachines",
			"name": "[concat(variables('cpupoolVMNamePrefix'), copyIndex(variables('cpupoolOffset')))]",
			"copy": {"name": "vmcopy", "count": "[parameters('cpupoolCount')]"},
			"properties": {"hardwareProfile": {"vmSize": "[variables('cpupoolVMSize')]"}}
		},
		{
			"type": "Microsoft.Compute/virtualMachines/extensions",
			"name": "[concat(variables('cpupoolVMNamePrefix'), copyIndex(variables('cpupoolOffset')),'/cse', copyIndex(variables('cpupoolOffset')))]",
			"copy": {"name": "extcopy", "count": "[parameters('cpupoolCount')]"}
		},
		{
			"type": "Microsoft.Compute/virtualMachines/extensions",
			"name": "[concat(variables('masterVMNamePrefix'), '0/cse0')]"
		},
		{
			"type": "Microsoft.Storage/storageAccounts",
			"name": "[variables('cpupoolStorageAccountName0')]"
		},
		{
			"type": "Microsoft.Compute/availabilitySets",
			"name": "[variables('cpupoolAvailabilitySet')]"
		}
	],
	"outputs": {
		"something": {"type": "string", "value": "x"}
	}
}`

func loadSample(t *testing.T) Template {
	t.Helper()
	var tmpl Template
	require.NoError(t, json.Unmarshal([]byte(sampleTemplate), &tmpl))
	return tmpl
}

func TestDeleteNSGRemovesResourceAndDependency(t *testing.T) {
	tmpl := loadSample(t)
	out, err := DeleteNSG(tmpl)
	require.NoError(t, err)

	list, err := resources(out)
	require.NoError(t, err)
	for _, r := range list {
		assert.NotEqual(t, "Microsoft.Network/networkSecurityGroups", resourceType(r))
		if resourceType(r) == "Microsoft.Network/virtualNetworks" {
			m := r.(map[string]interface{})
			deps, _ := m["dependsOn"].([]interface{})
			assert.Empty(t, deps)
		}
	}
}

func TestUnrollVMProducesOneResourcePerIndex(t *testing.T) {
	tmpl := loadSample(t)
	out, err := UnrollVM(tmpl, "cpupool", []int{0, 1, 3})
	require.NoError(t, err)

	list, err := resources(out)
	require.NoError(t, err)

	var vmNames []string
	for _, r := range list {
		if resourceType(r) == "Microsoft.Compute/virtualMachines" {
			vmNames = append(vmNames, resourceName(r))
		}
	}
	assert.ElementsMatch(t, []string{
		"[concat(variables('cpupoolVMNamePrefix'), 0)]",
		"[concat(variables('cpupoolVMNamePrefix'), 1)]",
		"[concat(variables('cpupoolVMNamePrefix'), 3)]",
	}, vmNames)
}

func TestUnrollVMMissingAnchorFails(t *testing.T) {
	tmpl := loadSample(t)
	_, err := UnrollVM(tmpl, "otherpool", []int{0})
	require.Error(t, err)
	var shapeErr *ErrTemplateShape
	assert.ErrorAs(t, err, &shapeErr)
}

func TestUnrollNICUsesPrefixMatch(t *testing.T) {
	tmpl := loadSample(t)
	out, err := UnrollNIC(tmpl, "cpupool", []int{0, 1})
	require.NoError(t, err)

	list, err := resources(out)
	require.NoError(t, err)
	count := 0
	for _, r := range list {
		if resourceType(r) == "Microsoft.Network/networkInterfaces" {
			count++
		}
	}
	assert.Equal(t, 2, count)
}

func TestDeleteOutputsRemovesSection(t *testing.T) {
	tmpl := loadSample(t)
	out := DeleteOutputs(tmpl)
	_, ok := out["outputs"]
	assert.False(t, ok)
}

func TestNormalizeStripsMasterExtensionAndLeavesPoolResources(t *testing.T) {
	tmpl := loadSample(t)
	out, err := Normalize(tmpl)
	require.NoError(t, err)

	list, err := resources(out)
	require.NoError(t, err)
	for _, r := range list {
		name := resourceName(r)
		assert.False(t, strings.Contains(name, "masterVMNamePrefix") && strings.Contains(name, "/cse"))
	}
	assert.Equal(t, 7, len(list))

	// original is untouched
	origList, err := resources(tmpl)
	require.NoError(t, err)
	assert.Equal(t, 8, len(origList))
}

func TestDeleteUnchangedPoolsRemovesAllPoolResources(t *testing.T) {
	tmpl := loadSample(t)
	out, err := DeleteUnchangedPools(tmpl, []string{"cpupool"})
	require.NoError(t, err)

	list, err := resources(out)
	require.NoError(t, err)
	for _, r := range list {
		assert.NotContains(t, resourceName(r), "cpupool")
	}
	// nsg, vnet, and the master extension survive untouched
	assert.Equal(t, 3, len(list))
}

// TestPrepareScaleOutZeroTargetStripsPoolStorage mirrors spec.md's S3
// scenario: a scalable pool with live nodes scaling down to zero must have
// every resource that textually identifies it removed, not just the
// VM/NIC/extension anchors the unroll step naturally empties.
func TestPrepareScaleOutZeroTargetStripsPoolStorage(t *testing.T) {
	tmpl := loadSample(t)
	pools := []IndexedPool{fakePool{name: "cpupool", actual: 3, indexSet: map[int]bool{0: true, 1: true, 2: true}}}
	newSize := map[string]int{"cpupool": 0}

	out, err := PrepareScaleOut(tmpl, pools, newSize)
	require.NoError(t, err)

	list, err := resources(out)
	require.NoError(t, err)
	for _, r := range list {
		assert.NotContains(t, resourceName(r), "cpupool",
			"pool scaling to zero must lose its VM, NIC, extension, storage account, and availability set")
	}
}

func TestPrepareScaleOutEndToEnd(t *testing.T) {
	tmpl := loadSample(t)
	pools := []IndexedPool{fakePool{name: "cpupool", actual: 2, indexSet: map[int]bool{0: true, 1: true}}}
	newSize := map[string]int{"cpupool": 4}

	out, err := PrepareScaleOut(tmpl, pools, newSize)
	require.NoError(t, err)

	_, hasOutputs := out["outputs"]
	assert.False(t, hasOutputs)

	list, err := resources(out)
	require.NoError(t, err)
	vmCount := 0
	for _, r := range list {
		if resourceType(r) == "Microsoft.Compute/virtualMachines" {
			vmCount++
		}
		assert.NotEqual(t, "Microsoft.Network/networkSecurityGroups", resourceType(r))
	}
	assert.Equal(t, 2, vmCount)
}
