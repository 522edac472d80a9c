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

// Package catalog loads the static instance-type -> schedulable-resources
// table the autoscaler uses to size new nodes and to order agent pools from
// cheapest to most expensive.
package catalog

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"

	"k8s.io/apimachinery/pkg/api/resource"

	"github.com/Azure/acs-engine-autoscaler/resourcealgebra"
)

// ErrMissingInstanceType is returned when a pool references an instance
// type the catalog has no entry for.
type ErrMissingInstanceType struct {
	InstanceType string
}

func (e *ErrMissingInstanceType) Error() string {
	return fmt.Sprintf("no capacity entry for instance type %q", e.InstanceType)
}

// Catalog is a process-lifetime, read-only table of instance type ->
// schedulable Resource, in catalog-file order. The file order defines the
// cost-ascending ordering used by OrderPoolsByCostAscending.
type Catalog struct {
	order      []string
	byInstance map[string]resourcealgebra.Resource
}

// Load reads and parses a capacity catalog file, subtracting
// capacityCPUReserve from the cpu component of every entry to account for
// kubelet/system-daemon overhead.
func Load(path string, capacityCPUReserve resource.Quantity) (*Catalog, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening capacity catalog %s: %w", path, err)
	}
	defer f.Close()
	return Parse(f, capacityCPUReserve)
}

// Parse reads a capacity catalog document, preserving object key order so
// that cost-ascending ordering matches the order instance types appear in
// the file.
func Parse(r io.Reader, capacityCPUReserve resource.Quantity) (*Catalog, error) {
	dec := json.NewDecoder(r)

	if _, err := expectDelim(dec, '{'); err != nil {
		return nil, err
	}

	c := &Catalog{byInstance: make(map[string]resourcealgebra.Resource)}

	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return nil, fmt.Errorf("reading capacity catalog: %w", err)
		}
		instanceType, ok := tok.(string)
		if !ok {
			return nil, fmt.Errorf("capacity catalog: expected instance type key, got %v", tok)
		}

		var raw map[string]string
		if err := dec.Decode(&raw); err != nil {
			return nil, fmt.Errorf("capacity catalog: decoding entry for %q: %w", instanceType, err)
		}

		res, err := resourcealgebra.New(raw)
		if err != nil {
			return nil, fmt.Errorf("capacity catalog: entry for %q: %w", instanceType, err)
		}

		reserved := resourcealgebra.FromQuantities(map[string]resource.Quantity{
			resourcealgebra.CPU: capacityCPUReserve,
		})
		res = res.Sub(reserved)

		c.order = append(c.order, instanceType)
		c.byInstance[instanceType] = res
	}

	if _, err := expectDelim(dec, '}'); err != nil {
		return nil, err
	}

	return c, nil
}

func expectDelim(dec *json.Decoder, want json.Delim) (json.Delim, error) {
	tok, err := dec.Token()
	if err != nil {
		return 0, fmt.Errorf("capacity catalog: %w", err)
	}
	delim, ok := tok.(json.Delim)
	if !ok || delim != want {
		return 0, fmt.Errorf("capacity catalog: expected %q, got %v", want, tok)
	}
	return delim, nil
}

// UnitCapacity returns the schedulable Resource of one fresh node of the
// given instance type.
func (c *Catalog) UnitCapacity(instanceType string) (resourcealgebra.Resource, error) {
	res, ok := c.byInstance[instanceType]
	if !ok {
		return resourcealgebra.Resource{}, &ErrMissingInstanceType{InstanceType: instanceType}
	}
	return res, nil
}

// CostIndex returns the position of instanceType in the catalog's declared
// order, or -1 if absent.
func (c *Catalog) CostIndex(instanceType string) int {
	for i, t := range c.order {
		if t == instanceType {
			return i
		}
	}
	return -1
}

// Pool is the minimal view OrderPoolsByCostAscending needs: the instance
// type it is built from.
type Pool interface {
	InstanceType() string
}

// OrderPoolsByCostAscending sorts pools by their instance type's position in
// the catalog file, cheapest first. Pools referencing an instance type
// absent from the catalog sort last, in their original relative order.
func OrderPoolsByCostAscending[P Pool](c *Catalog, pools []P) []P {
	ordered := make([]P, len(pools))
	copy(ordered, pools)
	sort.SliceStable(ordered, func(i, j int) bool {
		return c.costOrElse(ordered[i].InstanceType()) < c.costOrElse(ordered[j].InstanceType())
	})
	return ordered
}

func (c *Catalog) costOrElse(instanceType string) int {
	idx := c.CostIndex(instanceType)
	if idx < 0 {
		return len(c.order)
	}
	return idx
}
