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

package nodeidentity

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseAgent(t *testing.T) {
	id, err := Parse("k8s-cpupool-13a89fca-3")
	require.NoError(t, err)
	assert.Equal(t, "cpupool", id.Pool)
	assert.Equal(t, "13a89fca", id.ClusterID)
	assert.Equal(t, 3, id.Index)
	assert.True(t, id.IsAgent())
	assert.False(t, id.IsMaster())
}

func TestParseMaster(t *testing.T) {
	id, err := Parse("k8s-master-13a89fca-0")
	require.NoError(t, err)
	assert.True(t, id.IsMaster())
}

func TestParseMalformed(t *testing.T) {
	tests := []string{
		"",
		"k8s-cpupool-3",
		"k8s-cpupool-13a89fca-3-extra",
		"k8s-cpupool-13a89fca--1",
		"k8s-cpupool-13a89fca-notanumber",
	}
	for _, name := range tests {
		_, err := Parse(name)
		assert.Errorf(t, err, "expected malformed error for %q", name)
		var malformed *ErrMalformedName
		assert.ErrorAs(t, err, &malformed)
	}
}
