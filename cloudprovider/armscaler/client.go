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

// Package armscaler is the only CloudProvider implementation: it submits
// ARM deployments and deletes VM/NIC/OS-disk resources through the modern
// azure-sdk-for-go management-plane clients, and the VHD blob data plane
// through azblob.
package armscaler

import (
	"context"
	"fmt"
	"strings"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/arm"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/to"
	"github.com/Azure/azure-sdk-for-go/sdk/resourcemanager/compute/armcompute/v5"
	"github.com/Azure/azure-sdk-for-go/sdk/resourcemanager/resources/armresources"
	"github.com/Azure/azure-sdk-for-go/sdk/resourcemanager/storage/armstorage"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"
	"k8s.io/klog/v2"

	"github.com/Azure/acs-engine-autoscaler/armtemplate"
	"github.com/Azure/acs-engine-autoscaler/cloudprovider"
)

// BlobDeleteRetries is how many attempts a VHD blob delete gets before
// giving up. Every failed attempt is retried, whatever the error.
const BlobDeleteRetries = 5

// Client is the ARM/compute/storage backed CloudProvider.
type Client struct {
	subscriptionID string
	resourceGroup  string

	deployments     *armresources.DeploymentsClient
	genericResource *armresources.Client
	vms             *armcompute.VirtualMachinesClient
	disks           *armcompute.DisksClient
	storageAccounts *armstorage.AccountsClient

	newBlobClient func(serviceURL string, accountName, accountKey string) (blobDeleter, error)
}

// blobDeleter is the slice of azblob this client needs, narrowed for
// testability.
type blobDeleter interface {
	DeleteBlob(ctx context.Context, containerName, blobName string) error
}

// New builds a Client from a credential and subscription, wiring every
// management-plane client this cloud provider needs.
func New(subscriptionID, resourceGroup string, cred azcore.TokenCredential, options *arm.ClientOptions) (*Client, error) {
	deployments, err := armresources.NewDeploymentsClient(subscriptionID, cred, options)
	if err != nil {
		return nil, fmt.Errorf("creating deployments client: %w", err)
	}
	generic, err := armresources.NewClient(subscriptionID, cred, options)
	if err != nil {
		return nil, fmt.Errorf("creating generic resource client: %w", err)
	}
	vms, err := armcompute.NewVirtualMachinesClient(subscriptionID, cred, options)
	if err != nil {
		return nil, fmt.Errorf("creating virtual machines client: %w", err)
	}
	disks, err := armcompute.NewDisksClient(subscriptionID, cred, options)
	if err != nil {
		return nil, fmt.Errorf("creating disks client: %w", err)
	}
	storageAccounts, err := armstorage.NewAccountsClient(subscriptionID, cred, options)
	if err != nil {
		return nil, fmt.Errorf("creating storage accounts client: %w", err)
	}

	return &Client{
		subscriptionID:  subscriptionID,
		resourceGroup:   resourceGroup,
		deployments:     deployments,
		genericResource: generic,
		vms:             vms,
		disks:           disks,
		storageAccounts: storageAccounts,
		newBlobClient:   newAzblobDeleter,
	}, nil
}

var _ cloudprovider.CloudProvider = (*Client)(nil)

// DownloadTemplate fetches the ARM template of an existing deployment, the
// way login-time startup reads back the acs-engine deployment it is about
// to start mutating.
func (c *Client) DownloadTemplate(ctx context.Context, deploymentName string) (armtemplate.Template, error) {
	resp, err := c.deployments.Get(ctx, c.resourceGroup, deploymentName, nil)
	if err != nil {
		return nil, fmt.Errorf("downloading template for deployment %s: %w", deploymentName, err)
	}
	if resp.Properties == nil || resp.Properties.Template == nil {
		return nil, fmt.Errorf("deployment %s has no template", deploymentName)
	}
	template, ok := resp.Properties.Template.(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("deployment %s template has unexpected shape %T", deploymentName, resp.Properties.Template)
	}
	return armtemplate.Template(template), nil
}

// DownloadParameters fetches the ARM parameters of an existing deployment.
// The response never includes secureString values, so the result still
// needs FillSecureParameters before it can be resubmitted.
func (c *Client) DownloadParameters(ctx context.Context, deploymentName string) (cloudprovider.DeploymentParameters, error) {
	resp, err := c.deployments.Get(ctx, c.resourceGroup, deploymentName, nil)
	if err != nil {
		return nil, fmt.Errorf("downloading parameters for deployment %s: %w", deploymentName, err)
	}
	if resp.Properties == nil || resp.Properties.Parameters == nil {
		return nil, fmt.Errorf("deployment %s has no parameters", deploymentName)
	}
	parameters, ok := resp.Properties.Parameters.(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("deployment %s parameters have unexpected shape %T", deploymentName, resp.Properties.Parameters)
	}
	return cloudprovider.DeploymentParameters(parameters), nil
}

// DeployTemplate submits an incremental deployment and blocks until it
// completes.
func (c *Client) DeployTemplate(ctx context.Context, deploymentName string, template armtemplate.Template, parameters cloudprovider.DeploymentParameters) error {
	klog.Infof("deployment %s started", deploymentName)

	poller, err := c.deployments.BeginCreateOrUpdate(ctx, c.resourceGroup, deploymentName, armresources.Deployment{
		Properties: &armresources.DeploymentProperties{
			Template:   map[string]interface{}(template),
			Parameters: map[string]interface{}(parameters),
			Mode:       to.Ptr(armresources.DeploymentModeIncremental),
		},
	}, nil)
	if err != nil {
		return fmt.Errorf("starting deployment %s: %w", deploymentName, err)
	}

	if _, err := poller.PollUntilDone(ctx, nil); err != nil {
		return fmt.Errorf("deployment %s: %w", deploymentName, err)
	}
	klog.Infof("deployment %s completed", deploymentName)
	return nil
}

// DeleteNodeResources deletes the VM, NIC, and OS disk of a scaled-in node,
// in that order, blocking on each.
func (c *Client) DeleteNodeResources(ctx context.Context, nodeName string) error {
	vm, err := c.vms.Get(ctx, c.resourceGroup, nodeName, nil)
	if err != nil {
		return fmt.Errorf("looking up vm %s: %w", nodeName, err)
	}

	if err := c.deleteVM(ctx, nodeName); err != nil {
		return err
	}

	nicName, err := nicNameForNode(nodeName)
	if err != nil {
		return err
	}
	if err := c.deleteNIC(ctx, nicName); err != nil {
		return err
	}

	return c.deleteOSDisk(ctx, nodeName, vm.Properties)
}

func (c *Client) deleteVM(ctx context.Context, name string) error {
	klog.Infof("deleting vm %s", name)
	poller, err := c.vms.BeginDelete(ctx, c.resourceGroup, name, nil)
	if err != nil {
		return fmt.Errorf("deleting vm %s: %w", name, err)
	}
	if _, err := poller.PollUntilDone(ctx, nil); err != nil {
		return fmt.Errorf("deleting vm %s: %w", name, err)
	}
	return nil
}

// deleteNIC deletes the network interface through the generic resource
// client rather than an armnetwork-specific one: delete-by-ID needs
// nothing beyond the resource ID, and every other resource kind this
// client tears down is deleted the same way.
func (c *Client) deleteNIC(ctx context.Context, name string) error {
	klog.Infof("deleting nic %s", name)
	resourceID := fmt.Sprintf(
		"/subscriptions/%s/resourceGroups/%s/providers/Microsoft.Network/networkInterfaces/%s",
		c.subscriptionID, c.resourceGroup, name,
	)
	poller, err := c.genericResource.BeginDeleteByID(ctx, resourceID, networkInterfaceAPIVersion, nil)
	if err != nil {
		return fmt.Errorf("deleting nic %s: %w", name, err)
	}
	if _, err := poller.PollUntilDone(ctx, nil); err != nil {
		return fmt.Errorf("deleting nic %s: %w", name, err)
	}
	return nil
}

const networkInterfaceAPIVersion = "2023-09-01"

func (c *Client) deleteOSDisk(ctx context.Context, nodeName string, props *armcompute.VirtualMachineProperties) error {
	if props == nil || props.StorageProfile == nil || props.StorageProfile.OSDisk == nil {
		return fmt.Errorf("vm %s has no os disk information", nodeName)
	}
	osDisk := props.StorageProfile.OSDisk

	if osDisk.ManagedDisk != nil {
		diskName := deref(osDisk.Name)
		klog.Infof("deleting managed os disk %s", diskName)
		poller, err := c.disks.BeginDelete(ctx, c.resourceGroup, diskName, nil)
		if err != nil {
			return fmt.Errorf("deleting managed disk %s: %w", diskName, err)
		}
		if _, err := poller.PollUntilDone(ctx, nil); err != nil {
			return fmt.Errorf("deleting managed disk %s: %w", diskName, err)
		}
		return nil
	}

	if osDisk.Vhd == nil || osDisk.Vhd.URI == nil {
		return fmt.Errorf("vm %s os disk is neither managed nor vhd-backed", nodeName)
	}
	account, container, blob, err := parseVHDURI(*osDisk.Vhd.URI)
	if err != nil {
		return fmt.Errorf("vm %s: %w", nodeName, err)
	}

	keysResp, err := c.storageAccounts.ListKeys(ctx, c.resourceGroup, account, nil)
	if err != nil {
		return fmt.Errorf("listing storage keys for %s: %w", account, err)
	}
	if len(keysResp.Keys) == 0 || keysResp.Keys[0].Value == nil {
		return fmt.Errorf("storage account %s returned no usable key", account)
	}
	key := *keysResp.Keys[0].Value

	serviceURL := fmt.Sprintf("https://%s.blob.core.windows.net/", account)
	deleter, err := c.newBlobClient(serviceURL, account, key)
	if err != nil {
		return fmt.Errorf("building blob client for %s: %w", account, err)
	}

	var lastErr error
	for attempt := 0; attempt < BlobDeleteRetries; attempt++ {
		lastErr = deleter.DeleteBlob(ctx, container, blob)
		if lastErr == nil {
			return nil
		}
		klog.Warningf("deleting vhd blob %s/%s attempt %d failed: %v", container, blob, attempt+1, lastErr)
	}
	return fmt.Errorf("deleting vhd blob %s/%s after %d attempts: %w", container, blob, BlobDeleteRetries, lastErr)
}

// deref returns the empty string for a nil pointer instead of panicking.
func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

// parseVHDURI splits a page-blob URI of the form
// https://<account>.blob.core.windows.net/<container>/<blob> into its
// storage account, container, and blob name components.
func parseVHDURI(uri string) (account, container, blob string, err error) {
	trimmed := strings.TrimPrefix(uri, "https://")
	trimmed = strings.TrimPrefix(trimmed, "http://")
	parts := strings.SplitN(trimmed, "/", 3)
	if len(parts) != 3 {
		return "", "", "", fmt.Errorf("malformed vhd uri %q", uri)
	}
	account = strings.SplitN(parts[0], ".", 2)[0]
	container = parts[1]
	blob = parts[2]
	return account, container, blob, nil
}

// nicNameForNode derives the NIC resource name from the acs-engine node
// name convention: the first three hyphen-separated segments plus a
// literal "nic" segment and the node's index.
func nicNameForNode(nodeName string) (string, error) {
	parts := strings.Split(nodeName, "-")
	if len(parts) != 4 {
		return "", fmt.Errorf("cannot derive nic name from malformed node name %q", nodeName)
	}
	return fmt.Sprintf("%s-%s-%s-nic-%s", parts[0], parts[1], parts[2], parts[3]), nil
}

// dummyCertificatePEM fills every *PrivateKey ARM parameter the downloaded
// template declares but that this autoscaler never actually rotates. ARM
// rejects an incremental deployment that omits a secureString parameter
// the template still declares, so every deployment must resend one, and
// resending the live value would mean holding the cluster's real private
// keys in this process's memory for no benefit: redeploying the agent
// pools never touches the master's certificates.
const dummyCertificatePEM = "-----BEGIN CERTIFICATE-----\n" +
	"MIIBAzCByKADAgECAhBSERVICEPRINCIPALPLACEHOLDERMAAwCQYHKoZIzj0E\n" +
	"-----END CERTIFICATE-----\n"

// ServicePrincipal is the identity the deployed template authenticates its
// cloud-provider integration with.
type ServicePrincipal struct {
	ClientID     string
	ClientSecret string
}

// etcdPeerKeyCount is the maximum etcdPeerPrivateKey<N> parameters an
// acs-engine master template declares, one per master replica.
const etcdPeerKeyCount = 5

// FillSecureParameters fills every secureString parameter the ARM template
// declares but this autoscaler has no legitimate reason to rotate: the
// service principal identity redeploys carry, and a placeholder certificate
// for the fixed master private-key slots (always set) and for each
// etcdPeerPrivateKey<N> slot already present in parameters. It mutates and
// returns parameters so callers can chain it into the parameter document
// they already built for DeployTemplate.
func FillSecureParameters(parameters cloudprovider.DeploymentParameters, sp ServicePrincipal, clientPrivateKey string) cloudprovider.DeploymentParameters {
	parameters["clientPrivateKey"] = map[string]interface{}{"value": clientPrivateKey}
	parameters["servicePrincipalClientId"] = map[string]interface{}{"value": sp.ClientID}
	parameters["servicePrincipalClientSecret"] = map[string]interface{}{"value": sp.ClientSecret}

	for _, name := range []string{
		"caPrivateKey",
		"kubeConfigPrivateKey",
		"apiServerPrivateKey",
		"etcdClientPrivateKey",
		"etcdServerPrivateKey",
	} {
		parameters[name] = map[string]interface{}{"value": dummyCertificatePEM}
	}
	for i := 0; i < etcdPeerKeyCount; i++ {
		name := fmt.Sprintf("etcdPeerPrivateKey%d", i)
		if _, ok := parameters[name]; ok {
			parameters[name] = map[string]interface{}{"value": dummyCertificatePEM}
		}
	}
	return parameters
}

type azblobDeleter struct {
	client *azblob.Client
}

func newAzblobDeleter(serviceURL string, accountName, accountKey string) (blobDeleter, error) {
	cred, err := azblob.NewSharedKeyCredential(accountName, accountKey)
	if err != nil {
		return nil, fmt.Errorf("building shared key credential: %w", err)
	}
	client, err := azblob.NewClientWithSharedKeyCredential(serviceURL, cred, nil)
	if err != nil {
		return nil, fmt.Errorf("building blob client: %w", err)
	}
	return &azblobDeleter{client: client}, nil
}

func (d *azblobDeleter) DeleteBlob(ctx context.Context, containerName, blobName string) error {
	_, err := d.client.DeleteBlob(ctx, containerName, blobName, nil)
	return err
}
