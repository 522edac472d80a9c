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

// Package nodeidentity parses acs-engine generated node names of the form
// k8s-<pool>-<clusterId>-<index> into their structured components.
package nodeidentity

import (
	"fmt"
	"strconv"
	"strings"
)

// MasterPoolName is the reserved pool name used by master nodes.
const MasterPoolName = "master"

// ErrMalformedName is returned when a node name does not match the
// k8s-<pool>-<clusterId>-<index> shape.
type ErrMalformedName struct {
	Name string
}

func (e *ErrMalformedName) Error() string {
	return fmt.Sprintf("kubernetes node name %q is malformed and cannot be processed", e.Name)
}

// Identity is the structured decomposition of a node name.
type Identity struct {
	Pool      string
	ClusterID string
	Index     int
}

// IsMaster reports whether this identity belongs to the master pool.
func (id Identity) IsMaster() bool {
	return id.Pool == MasterPoolName
}

// IsAgent is the negation of IsMaster.
func (id Identity) IsAgent() bool {
	return !id.IsMaster()
}

// Parse decomposes a node name into its pool, cluster ID, and index.
// Node names must have exactly four hyphen-separated segments, the last of
// which is a non-negative integer.
func Parse(name string) (Identity, error) {
	parts := strings.Split(name, "-")
	if len(parts) != 4 {
		return Identity{}, &ErrMalformedName{Name: name}
	}

	index, err := strconv.Atoi(parts[3])
	if err != nil || index < 0 {
		return Identity{}, &ErrMalformedName{Name: name}
	}

	return Identity{
		Pool:      parts[1],
		ClusterID: parts[2],
		Index:     index,
	}, nil
}
