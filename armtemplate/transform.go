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

// Package armtemplate rewrites a stock acs-engine ARM template ahead of an
// incremental scale-out deployment. The stock template indexes per-pool
// resources with an ARM copy loop (copyIndex(<pool>Offset)); incremental
// deployments can only grow that loop's Count, so after any scale-in the
// live index set becomes sparse and a further bump would collide with or
// resurrect deleted VMs. These transforms convert the count-indexed
// resources for a growing pool into one explicit resource per newly chosen
// index, computed against the pool's observed live indices.
package armtemplate

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Template is an in-memory ARM template document.
type Template map[string]interface{}

// ErrTemplateShape is returned when an expected anchor resource is absent
// from the template — the template is not shaped the way acs-engine
// generates it.
type ErrTemplateShape struct {
	Pool     string
	Resource string
}

func (e *ErrTemplateShape) Error() string {
	return fmt.Sprintf("template shape error: no %s resource found for pool %q", e.Resource, e.Pool)
}

// IndexedPool is the subset of agentpool.AgentPool the transformer needs.
type IndexedPool interface {
	GetName() string
	ActualCapacity() int
	HasNodeWithIndex(index int) bool
}

// DeepCopy clones a template via a JSON round-trip, mirroring the Python
// original's copy.deepcopy(json-tree) idiom.
func DeepCopy(t Template) (Template, error) {
	raw, err := json.Marshal(t)
	if err != nil {
		return nil, fmt.Errorf("copying template: %w", err)
	}
	var out Template
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("copying template: %w", err)
	}
	return out, nil
}

func resources(t Template) ([]interface{}, error) {
	raw, ok := t["resources"]
	if !ok {
		return nil, fmt.Errorf("template has no resources array")
	}
	list, ok := raw.([]interface{})
	if !ok {
		return nil, fmt.Errorf("template resources is not an array")
	}
	return list, nil
}

func resourceName(r interface{}) string {
	m, ok := r.(map[string]interface{})
	if !ok {
		return ""
	}
	name, _ := m["name"].(string)
	return name
}

func resourceType(r interface{}) string {
	m, ok := r.(map[string]interface{})
	if !ok {
		return ""
	}
	typ, _ := m["type"].(string)
	return typ
}

// NewIndices walks i = 0, 1, 2, ... skipping any index the pool already has
// a live node at, collecting the first (targetSize - actualCapacity) free
// values. Example: live {2, 4}, target 5 -> free {0, 1, 3}.
func NewIndices(pool IndexedPool, targetSize int) []int {
	need := targetSize - pool.ActualCapacity()
	var indices []int
	for i := 0; len(indices) < need; i++ {
		if pool.HasNodeWithIndex(i) {
			continue
		}
		indices = append(indices, i)
	}
	return indices
}

// vmResourceName is the ARM name expression of the copy-indexed VM resource
// for a pool.
func vmResourceName(pool string) string {
	return fmt.Sprintf("[concat(variables('%sVMNamePrefix'), copyIndex(variables('%sOffset')))]", pool, pool)
}

func vmExtensionResourceName(pool string) string {
	return fmt.Sprintf("[concat(variables('%sVMNamePrefix'), copyIndex(variables('%sOffset')),'/cse', copyIndex(variables('%sOffset')))]", pool, pool, pool)
}

func nicResourceNamePrefix(pool string) string {
	return fmt.Sprintf("[concat(variables('%sVMNamePrefix'), 'nic-'", pool)
}

func offsetExpression(pool string) string {
	return fmt.Sprintf("copyIndex(variables('%sOffset'))", pool)
}

// unrollByExactName finds the single resource whose name equals anchorName,
// removes it, and returns it along with the remaining resource list.
func unrollByExactName(list []interface{}, anchorName string) (map[string]interface{}, []interface{}, bool) {
	for i, r := range list {
		if resourceName(r) == anchorName {
			m, _ := r.(map[string]interface{})
			remaining := make([]interface{}, 0, len(list)-1)
			remaining = append(remaining, list[:i]...)
			remaining = append(remaining, list[i+1:]...)
			return m, remaining, true
		}
	}
	return nil, list, false
}

// unrollByPrefix finds the single resource whose name starts with prefix.
func unrollByPrefix(list []interface{}, prefix string) (map[string]interface{}, []interface{}, bool) {
	for i, r := range list {
		if strings.HasPrefix(resourceName(r), prefix) {
			m, _ := r.(map[string]interface{})
			remaining := make([]interface{}, 0, len(list)-1)
			remaining = append(remaining, list[:i]...)
			remaining = append(remaining, list[i+1:]...)
			return m, remaining, true
		}
	}
	return nil, list, false
}

// cloneForIndex deep-copies anchor, drops its copy element, substitutes the
// literal index for every occurrence of the copyIndex(...) expression
// anywhere in the resource (including its name), via a JSON-text replace —
// the same trick the original template rewriter uses to reach expressions
// nested arbitrarily deep in the resource body.
func cloneForIndex(anchor map[string]interface{}, pool string, index int) (map[string]interface{}, error) {
	clone := make(map[string]interface{}, len(anchor))
	for k, v := range anchor {
		clone[k] = v
	}
	delete(clone, "copy")

	raw, err := json.Marshal(clone)
	if err != nil {
		return nil, fmt.Errorf("cloning resource for pool %s index %d: %w", pool, index, err)
	}
	replaced := strings.ReplaceAll(string(raw), offsetExpression(pool), fmt.Sprintf("%d", index))

	var out map[string]interface{}
	if err := json.Unmarshal([]byte(replaced), &out); err != nil {
		return nil, fmt.Errorf("cloning resource for pool %s index %d: %w", pool, index, err)
	}
	return out, nil
}

func unroll(t Template, pool string, indices []int, anchorFind func([]interface{}) (map[string]interface{}, []interface{}, bool), resourceKind string) (Template, error) {
	list, err := resources(t)
	if err != nil {
		return nil, err
	}

	anchor, remaining, found := anchorFind(list)
	if !found {
		return nil, &ErrTemplateShape{Pool: pool, Resource: resourceKind}
	}

	for _, index := range indices {
		clone, err := cloneForIndex(anchor, pool, index)
		if err != nil {
			return nil, err
		}
		remaining = append([]interface{}{clone}, remaining...)
	}

	t["resources"] = remaining
	return t, nil
}

// UnrollVM replaces the copy-indexed virtualMachines resource for pool with
// one explicit resource per index in indices.
func UnrollVM(t Template, pool string, indices []int) (Template, error) {
	anchor := vmResourceName(pool)
	return unroll(t, pool, indices, func(list []interface{}) (map[string]interface{}, []interface{}, bool) {
		return unrollByExactName(list, anchor)
	}, "virtualMachines")
}

// UnrollVMExtension replaces the copy-indexed virtualMachines/extensions
// resource for pool with one explicit resource per index in indices.
func UnrollVMExtension(t Template, pool string, indices []int) (Template, error) {
	anchor := vmExtensionResourceName(pool)
	return unroll(t, pool, indices, func(list []interface{}) (map[string]interface{}, []interface{}, bool) {
		return unrollByExactName(list, anchor)
	}, "virtualMachines/extensions")
}

// UnrollNIC replaces the copy-indexed networkInterfaces resource for pool
// with one explicit resource per index in indices.
func UnrollNIC(t Template, pool string, indices []int) (Template, error) {
	prefix := nicResourceNamePrefix(pool)
	return unroll(t, pool, indices, func(list []interface{}) (map[string]interface{}, []interface{}, bool) {
		return unrollByPrefix(list, prefix)
	}, "networkInterfaces")
}

// DeleteUnchangedPools removes the NIC, availability-set, storage-account,
// VM, and VM-extension resources whose names textually identify any pool
// in unchangedPools, so the incremental deployment carries no operations
// for pools that are not resizing. PrepareScaleOut also calls this a second
// time for pools resizing to zero, after unroll has already emptied their
// VM/NIC/extension anchors, to strip the storage account and availability
// set those anchors leave behind.
func DeleteUnchangedPools(t Template, unchangedPools []string) (Template, error) {
	list, err := resources(t)
	if err != nil {
		return nil, err
	}

	var kept []interface{}
	for _, r := range list {
		name := resourceName(r)
		belongs := false
		for _, pool := range unchangedPools {
			if strings.Contains(name, fmt.Sprintf("variables('%sVMNamePrefix')", pool)) ||
				strings.Contains(name, fmt.Sprintf("variables('%sOffset')", pool)) ||
				strings.Contains(name, fmt.Sprintf("variables('%sAvailabilitySet')", pool)) ||
				strings.Contains(name, fmt.Sprintf("variables('%sStorageAccount", pool)) {
				belongs = true
				break
			}
		}
		if !belongs {
			kept = append(kept, r)
		}
	}
	t["resources"] = kept
	return t, nil
}

const nsgDependsOnExpr = "[concat('Microsoft.Network/networkSecurityGroups/', variables('nsgName'))]"

// DeleteNSG removes the networkSecurityGroups resource and scrubs any
// dependsOn reference to it from every other resource — a workaround for
// acs-engine race conditions on incremental updates.
func DeleteNSG(t Template) (Template, error) {
	list, err := resources(t)
	if err != nil {
		return nil, err
	}

	var kept []interface{}
	for _, r := range list {
		if resourceType(r) == "Microsoft.Network/networkSecurityGroups" {
			continue
		}
		m, ok := r.(map[string]interface{})
		if ok {
			scrubDependsOn(m, nsgDependsOnExpr)
		}
		kept = append(kept, r)
	}
	t["resources"] = kept
	return t, nil
}

func scrubDependsOn(resource map[string]interface{}, expr string) {
	raw, ok := resource["dependsOn"]
	if !ok {
		return
	}
	deps, ok := raw.([]interface{})
	if !ok {
		return
	}
	var kept []interface{}
	for _, d := range deps {
		if s, ok := d.(string); ok && s == expr {
			continue
		}
		kept = append(kept, d)
	}
	resource["dependsOn"] = kept
}

// DeleteOutputs removes the template's outputs section, which is unused on
// a scale re-deployment.
func DeleteOutputs(t Template) Template {
	delete(t, "outputs")
	return t
}

// DeleteMasterVMExtension removes the master nodes' custom-script-extension
// resource, which would otherwise re-run cluster boot provisioning on every
// incremental deployment touching the template.
func DeleteMasterVMExtension(t Template) (Template, error) {
	list, err := resources(t)
	if err != nil {
		return nil, err
	}

	var kept []interface{}
	for _, r := range list {
		name := resourceName(r)
		if strings.Contains(name, "variables('masterVMNamePrefix')") && strings.Contains(name, "/cse") {
			continue
		}
		kept = append(kept, r)
	}
	t["resources"] = kept
	return t, nil
}

// Normalize is applied once, when a template is first downloaded: it strips
// the master VM extension so it can never re-run on a later incremental
// deployment, regardless of which agent pool that deployment is scaling.
// Every subsequent PrepareScaleOut call operates on the normalized template.
func Normalize(t Template) (Template, error) {
	out, err := DeepCopy(t)
	if err != nil {
		return nil, err
	}
	return DeleteMasterVMExtension(out)
}

// PrepareScaleOut is the top-level entry point: split pools into target
// (resizing) and unchanged, deep-copy the template, delete the NSG, delete
// unchanged-pool resources, unroll NIC+VM+extension for every target pool
// against its NewIndices, strip the storage-account and availability-set
// resources of any target pool emptying to zero, and delete the outputs
// section.
func PrepareScaleOut(t Template, pools []IndexedPool, newSize map[string]int) (Template, error) {
	var target []IndexedPool
	var unchangedNames []string
	var zeroedNames []string
	for _, p := range pools {
		if newSize[p.GetName()] == p.ActualCapacity() {
			unchangedNames = append(unchangedNames, p.GetName())
			continue
		}
		target = append(target, p)
		if newSize[p.GetName()] == 0 {
			zeroedNames = append(zeroedNames, p.GetName())
		}
	}

	out, err := DeepCopy(t)
	if err != nil {
		return nil, err
	}

	out, err = DeleteNSG(out)
	if err != nil {
		return nil, err
	}

	out, err = DeleteUnchangedPools(out, unchangedNames)
	if err != nil {
		return nil, err
	}

	for _, pool := range target {
		indices := NewIndices(pool, newSize[pool.GetName()])

		out, err = UnrollNIC(out, pool.GetName(), indices)
		if err != nil {
			return nil, err
		}
		out, err = UnrollVM(out, pool.GetName(), indices)
		if err != nil {
			return nil, err
		}
		out, err = UnrollVMExtension(out, pool.GetName(), indices)
		if err != nil {
			return nil, err
		}
	}

	// Unroll above already empties a zero-target pool's VM/NIC/extension
	// anchors (zero replacement clones), but its storage account and
	// availability set are never touched by unroll — strip them the same
	// way an unchanged pool's resources are stripped.
	out, err = DeleteUnchangedPools(out, zeroedNames)
	if err != nil {
		return nil, err
	}

	out = DeleteOutputs(out)
	return out, nil
}
