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

package nodemodel

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"

	"github.com/Azure/acs-engine-autoscaler/nodeidentity"
	"github.com/Azure/acs-engine-autoscaler/podmodel"
	"github.com/Azure/acs-engine-autoscaler/resourcealgebra"
)

type fakeClient struct {
	patchErr  error
	evictErr  error
	deleteErr error

	patchedUnschedulable *bool
	patchedLabels        map[string]string
	evicted              []string
	deletedNode          string
}

func (f *fakeClient) PatchNode(_ context.Context, _ string, unschedulable bool, labels map[string]string) error {
	if f.patchErr != nil {
		return f.patchErr
	}
	f.patchedUnschedulable = &unschedulable
	f.patchedLabels = labels
	return nil
}

func (f *fakeClient) EvictPod(_ context.Context, namespace, name string) error {
	if f.evictErr != nil {
		return f.evictErr
	}
	f.evicted = append(f.evicted, namespace+"/"+name)
	return nil
}

func (f *fakeClient) DeleteNode(_ context.Context, name string) error {
	if f.deleteErr != nil {
		return f.deleteErr
	}
	f.deletedNode = name
	return nil
}

func mustResource(t *testing.T, raw map[string]string) resourcealgebra.Resource {
	t.Helper()
	r, err := resourcealgebra.New(raw)
	require.NoError(t, err)
	return r
}

func newTestNode(t *testing.T, client ClusterClient) *Node {
	t.Helper()
	capacity := mustResource(t, map[string]string{"cpu": "4", "memory": "16Gi", "pods": "110"})
	id := nodeidentity.Identity{Pool: "cpupool", ClusterID: "13a89fca", Index: 0}
	return New(id, "k8s-cpupool-13a89fca-0", capacity, false, map[string]string{}, client)
}

func TestCanFitWithinCapacity(t *testing.T) {
	n := newTestNode(t, &fakeClient{})
	n.UsedCapacity = mustResource(t, map[string]string{"cpu": "1", "memory": "2Gi", "pods": "5"})

	req := mustResource(t, map[string]string{"cpu": "1", "memory": "1Gi", "pods": "1"})
	assert.False(t, n.CanFit(req))
}

func TestCanFitOverCapacity(t *testing.T) {
	n := newTestNode(t, &fakeClient{})
	n.UsedCapacity = mustResource(t, map[string]string{"cpu": "4", "memory": "16Gi", "pods": "110"})

	req := mustResource(t, map[string]string{"cpu": "1", "memory": "1Gi", "pods": "1"})
	assert.True(t, n.CanFit(req))
}

func TestCordonSetsLabelAndUnschedulable(t *testing.T) {
	client := &fakeClient{}
	n := newTestNode(t, client)

	ok := n.Cordon(context.Background())
	require.True(t, ok)
	assert.True(t, n.Unschedulable)
	assert.Equal(t, "true", n.Labels[CordonedByAutoscalerLabel])
	assert.True(t, *client.patchedUnschedulable)
}

func TestCordonFailurePropagates(t *testing.T) {
	client := &fakeClient{patchErr: errors.New("boom")}
	n := newTestNode(t, client)

	assert.False(t, n.Cordon(context.Background()))
	assert.False(t, n.Unschedulable)
}

func TestUncordonGatedByLabel(t *testing.T) {
	client := &fakeClient{}
	n := newTestNode(t, client)
	n.Unschedulable = true

	ok := n.Uncordon(context.Background())
	assert.False(t, ok)
	assert.True(t, n.Unschedulable)
	assert.Nil(t, client.patchedUnschedulable)
}

func TestUncordonSucceedsWhenLabelled(t *testing.T) {
	client := &fakeClient{}
	n := newTestNode(t, client)
	n.Unschedulable = true
	n.Labels[CordonedByAutoscalerLabel] = "true"

	ok := n.Uncordon(context.Background())
	assert.True(t, ok)
	assert.False(t, n.Unschedulable)
}

func TestIsMatch(t *testing.T) {
	n := newTestNode(t, &fakeClient{})
	n.Labels["disk"] = "ssd"

	match := podmodel.Pod{Selectors: map[string]string{"disk": "ssd"}}
	mismatch := podmodel.Pod{Selectors: map[string]string{"disk": "hdd"}}

	assert.True(t, n.IsMatch(match))
	assert.False(t, n.IsMatch(mismatch))
}

func TestDrainSkipsMirrorPodsAndEvictsDrainable(t *testing.T) {
	client := &fakeClient{}
	n := newTestNode(t, client)

	mirrorPod := podmodel.FromAPI(&corev1.Pod{
		ObjectMeta: metav1.ObjectMeta{
			Namespace:       "kube-system",
			Name:            "node-exporter-1",
			OwnerReferences: []metav1.OwnerReference{{Kind: "DaemonSet", Name: "node-exporter"}},
		},
	})
	regular := podmodel.FromAPI(&corev1.Pod{
		ObjectMeta: metav1.ObjectMeta{Namespace: "default", Name: "app-1"},
	})
	n.Pods = []podmodel.Pod{mirrorPod, regular}

	ok := n.Drain(context.Background(), nil)
	require.True(t, ok)
	assert.Equal(t, []string{"default/app-1"}, client.evicted)
}

func TestDeleteDelegatesToClient(t *testing.T) {
	client := &fakeClient{}
	n := newTestNode(t, client)

	assert.True(t, n.Delete(context.Background()))
	assert.Equal(t, n.Name, client.deletedNode)
}
