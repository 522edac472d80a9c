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

package catalog

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"k8s.io/apimachinery/pkg/api/resource"
)

const testDoc = `{
	"Standard_D2_v2": {"cpu": "2", "memory": "7Gi", "pods": "110"},
	"Standard_D4_v2": {"cpu": "4", "memory": "14Gi", "pods": "110"},
	"Standard_NC6": {"cpu": "6", "memory": "56Gi", "pods": "110", "nvidia.com/gpu": "1"}
}`

func TestParseAppliesCPUReserve(t *testing.T) {
	c, err := Parse(strings.NewReader(testDoc), resource.MustParse("200m"))
	require.NoError(t, err)

	unit, err := c.UnitCapacity("Standard_D2_v2")
	require.NoError(t, err)
	assert.Equal(t, "1800m", unit.Get("cpu").String())
}

func TestCostOrderPreservesFileOrder(t *testing.T) {
	c, err := Parse(strings.NewReader(testDoc), resource.MustParse("0"))
	require.NoError(t, err)

	assert.Equal(t, 0, c.CostIndex("Standard_D2_v2"))
	assert.Equal(t, 1, c.CostIndex("Standard_D4_v2"))
	assert.Equal(t, 2, c.CostIndex("Standard_NC6"))
	assert.Equal(t, -1, c.CostIndex("Standard_Unknown"))
}

type fakePool struct {
	instanceType string
}

func (p fakePool) InstanceType() string { return p.instanceType }

func TestOrderPoolsByCostAscending(t *testing.T) {
	c, err := Parse(strings.NewReader(testDoc), resource.MustParse("0"))
	require.NoError(t, err)

	pools := []fakePool{{"Standard_NC6"}, {"Standard_D2_v2"}, {"Standard_D4_v2"}}
	ordered := OrderPoolsByCostAscending(c, pools)

	var types []string
	for _, p := range ordered {
		types = append(types, p.instanceType)
	}
	assert.Equal(t, []string{"Standard_D2_v2", "Standard_D4_v2", "Standard_NC6"}, types)
}

func TestMissingInstanceType(t *testing.T) {
	c, err := Parse(strings.NewReader(testDoc), resource.MustParse("0"))
	require.NoError(t, err)

	_, err = c.UnitCapacity("Standard_Unknown")
	require.Error(t, err)
	var missing *ErrMissingInstanceType
	assert.ErrorAs(t, err, &missing)
}
