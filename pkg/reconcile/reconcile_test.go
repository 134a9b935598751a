/*
Copyright 2016 Mirantis

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

package reconcile

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/opsi-org/opsipxeconfd/pkg/backend"
	fakebackend "github.com/opsi-org/opsipxeconfd/pkg/backend/fake"
	"github.com/opsi-org/opsipxeconfd/pkg/hostid"
)

type recordingUpdater struct {
	calls []string
	err   error
}

func (r *recordingUpdater) Update(ctx context.Context, hostId string, cachePath string) (string, error) {
	r.calls = append(r.calls, hostId)
	return "Boot configuration updated", r.err
}

func TestRunCallsUpdateForEachPendingClient(t *testing.T) {
	b := fakebackend.New()
	h1 := hostid.HostID("h1.example.org")
	h2 := hostid.HostID("h2.example.org")
	h3 := hostid.HostID("h3.example.org")

	b.AddClient(h1, "depot1", backend.HostRecord{})
	b.AddClient(h2, "depot1", backend.HostRecord{})
	b.AddClient(h3, "depot1", backend.HostRecord{})

	b.SetProductsOnClient(h1, []backend.ProductOnClient{{HostId: h1, ProductId: "p", ActionRequest: backend.BootActionSetup}})
	b.SetProductsOnClient(h2, []backend.ProductOnClient{{HostId: h2, ProductId: "p", ActionRequest: backend.BootActionNone}})
	b.SetProductsOnClient(h3, []backend.ProductOnClient{{HostId: h3, ProductId: "p", ActionRequest: backend.BootActionAlways}})

	upd := &recordingUpdater{}
	err := Run(context.Background(), b, upd, "depot1")
	require.NoError(t, err)
	require.ElementsMatch(t, []string{string(h1), string(h3)}, upd.calls)
}

func TestRunStopsEarlyOnCanceledContext(t *testing.T) {
	b := fakebackend.New()
	h1 := hostid.HostID("h1.example.org")
	b.AddClient(h1, "depot1", backend.HostRecord{})
	b.SetProductsOnClient(h1, []backend.ProductOnClient{{HostId: h1, ProductId: "p", ActionRequest: backend.BootActionSetup}})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	upd := &recordingUpdater{}
	err := Run(ctx, b, upd, "depot1")
	require.NoError(t, err)
	require.Empty(t, upd.calls)
}
