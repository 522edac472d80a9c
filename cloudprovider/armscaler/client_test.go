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

package armscaler

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Azure/acs-engine-autoscaler/cloudprovider"
)

func TestParseVHDURI(t *testing.T) {
	account, container, blob, err := parseVHDURI("https://k8svhd123.blob.core.windows.net/vhds/cpupool-node-0-os.vhd")
	require.NoError(t, err)
	assert.Equal(t, "k8svhd123", account)
	assert.Equal(t, "vhds", container)
	assert.Equal(t, "cpupool-node-0-os.vhd", blob)
}

func TestParseVHDURIRejectsMalformed(t *testing.T) {
	_, _, _, err := parseVHDURI("not-a-uri")
	assert.Error(t, err)
}

func TestNicNameForNode(t *testing.T) {
	name, err := nicNameForNode("k8s-cpupool-12345678-3")
	require.NoError(t, err)
	assert.Equal(t, "k8s-cpupool-12345678-nic-3", name)
}

func TestNicNameForNodeRejectsMalformed(t *testing.T) {
	_, err := nicNameForNode("too-few-parts")
	assert.Error(t, err)
}

func TestDeref(t *testing.T) {
	s := "value"
	assert.Equal(t, "value", deref(&s))
	assert.Equal(t, "", deref(nil))
}

func TestFillSecureParametersSetsServicePrincipalAndPlaceholders(t *testing.T) {
	params := cloudprovider.DeploymentParameters{
		"etcdPeerPrivateKey0": map[string]interface{}{"value": ""},
		"etcdPeerPrivateKey1": map[string]interface{}{"value": ""},
	}
	sp := ServicePrincipal{ClientID: "app-id", ClientSecret: "app-secret"}

	out := FillSecureParameters(params, sp, "client-key")

	assert.Equal(t, map[string]interface{}{"value": "app-id"}, out["servicePrincipalClientId"])
	assert.Equal(t, map[string]interface{}{"value": "app-secret"}, out["servicePrincipalClientSecret"])
	assert.Equal(t, map[string]interface{}{"value": "client-key"}, out["clientPrivateKey"])
	assert.Equal(t, map[string]interface{}{"value": dummyCertificatePEM}, out["caPrivateKey"])
	assert.Equal(t, map[string]interface{}{"value": dummyCertificatePEM}, out["etcdPeerPrivateKey0"])
	assert.Equal(t, map[string]interface{}{"value": dummyCertificatePEM}, out["etcdPeerPrivateKey1"])
	_, hasUndeclaredPeerKey := out["etcdPeerPrivateKey2"]
	assert.False(t, hasUndeclaredPeerKey)
}

func TestFillSecureParametersLeavesUndeclaredPeerKeysAbsent(t *testing.T) {
	params := cloudprovider.DeploymentParameters{}
	out := FillSecureParameters(params, ServicePrincipal{}, "")
	for i := 0; i < etcdPeerKeyCount; i++ {
		_, ok := out["etcdPeerPrivateKey"+string(rune('0'+i))]
		assert.False(t, ok)
	}
}
