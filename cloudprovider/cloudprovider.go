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

// Package cloudprovider declares the narrow interface the scaler needs
// from the cloud that actually owns the virtual machines: submitting one
// ARM deployment, and tearing down the resources of one deleted node.
// armscaler is the only implementation; swapping clouds means writing
// another one.
package cloudprovider

import (
	"context"

	"github.com/Azure/acs-engine-autoscaler/armtemplate"
)

// DeploymentParameters is the ARM parameters document, keyed by parameter
// name, each value a {"value": ...} object per the ARM parameters schema.
type DeploymentParameters map[string]interface{}

// CloudProvider is the cloud-facing half of the scaler: deploying template
// changes for scale-out, and deleting the VM/NIC/OS-disk resources of a
// single node for scale-in.
type CloudProvider interface {
	// DeployTemplate submits an incremental deployment of template with
	// parameters under deploymentName, and blocks until it completes.
	DeployTemplate(ctx context.Context, deploymentName string, template armtemplate.Template, parameters DeploymentParameters) error

	// DeleteNodeResources deletes the VM, NIC, and OS disk backing
	// nodeName, in that order, blocking on each.
	DeleteNodeResources(ctx context.Context, nodeName string) error
}
