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

package updater

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/opsi-org/opsipxeconfd/pkg/backend"
	fakebackend "github.com/opsi-org/opsipxeconfd/pkg/backend/fake"
	"github.com/opsi-org/opsipxeconfd/pkg/hostid"
	"github.com/opsi-org/opsipxeconfd/pkg/registry"
)

func writeTemplate(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func newTestUpdater(t *testing.T, b *fakebackend.Backend) (*Updater, *registry.Registry, string) {
	return newTestUpdaterWithMax(t, b, 0)
}

func newTestUpdaterWithMax(t *testing.T, b *fakebackend.Backend, maxWriters int) (*Updater, *registry.Registry, string) {
	dir := t.TempDir()
	pxeDir := filepath.Join(dir, "pxe")
	require.NoError(t, os.MkdirAll(pxeDir, 0755))
	tmpl := writeTemplate(t, dir, "default", "append initrd=opsi root=/dev/ram0\n")

	reg := registry.New()
	u := New(Config{
		PxeConfigDir:    pxeDir,
		DefaultTemplate: tmpl,
		DepotId:         "depot1",
		MaxWriters:      maxWriters,
	}, b, reg, clockwork.NewRealClock())
	return u, reg, pxeDir
}

func seedHappyPathClient(b *fakebackend.Backend, id hostid.HostID) {
	b.AddClient(id, "depot1", backend.HostRecord{MAC: "00:11:22:33:44:55", HostKey: "deadbeef"})
	b.SetProductsOnClient(id, []backend.ProductOnClient{
		{HostId: id, ProductId: "win10", ActionRequest: backend.BootActionSetup},
	})
	b.SetProductOnDepot("depot1", backend.ProductOnDepot{ProductId: "win10", ProductVersion: "1.0", PackageVersion: "1"})
	b.SetConfigState(id, backend.ConfigServiceURLConfigId, []string{"https://s.example.org:4447"})
}

func TestUpdateHappyPath(t *testing.T) {
	b := fakebackend.New()
	id := hostid.HostID("h1.example.org")
	seedHappyPathClient(b, id)

	u, reg, pxeDir := newTestUpdater(t, b)

	msg, err := u.Update(context.Background(), "h1.example.org", "")
	require.NoError(t, err)
	require.Equal(t, "Boot configuration updated", msg)

	entry, ok := reg.LookupByHostId(id)
	require.True(t, ok)
	require.Equal(t, filepath.Join(pxeDir, "01-00-11-22-33-44-55"), entry.PxeFile)

	f, err := os.Open(entry.PxeFile)
	require.NoError(t, err)
	defer f.Close()
	buf := make([]byte, 512)
	n, _ := f.Read(buf)
	content := string(buf[:n])
	require.Contains(t, content, "append initrd=opsi root=/dev/ram0 pckey=deadbeef hn=h1 dn=example.org product=win10 service=https://s.example.org:4447/rpc")
}

func TestUpdateNoOpWhenNoPendingActions(t *testing.T) {
	b := fakebackend.New()
	id := hostid.HostID("h1.example.org")
	b.AddClient(id, "depot1", backend.HostRecord{MAC: "00:11:22:33:44:55"})

	u, reg, _ := newTestUpdater(t, b)
	msg, err := u.Update(context.Background(), "h1.example.org", "")
	require.NoError(t, err)
	require.Equal(t, "Boot configuration updated", msg)
	require.Equal(t, 0, reg.Len())
}

func TestUpdateAddressCollision(t *testing.T) {
	b := fakebackend.New()
	h1 := hostid.HostID("h1.example.org")
	h2 := hostid.HostID("h2.example.org")
	seedHappyPathClient(b, h1)
	b.AddClient(h2, "depot1", backend.HostRecord{MAC: "00:11:22:33:44:55"})
	b.SetProductsOnClient(h2, []backend.ProductOnClient{
		{HostId: h2, ProductId: "win10", ActionRequest: backend.BootActionSetup},
	})

	u, reg, _ := newTestUpdater(t, b)
	_, err := u.Update(context.Background(), "h1.example.org", "")
	require.NoError(t, err)

	_, err = u.Update(context.Background(), "h2.example.org", "")
	require.Error(t, err)
	require.Contains(t, err.Error(), "address collision")
	require.Equal(t, 1, reg.Len())
}

func TestUpdateNoAddressFails(t *testing.T) {
	b := fakebackend.New()
	id := hostid.HostID("h1.example.org")
	b.AddClient(id, "depot1", backend.HostRecord{})
	b.SetProductsOnClient(id, []backend.ProductOnClient{
		{HostId: id, ProductId: "win10", ActionRequest: backend.BootActionSetup},
	})
	b.SetProductOnDepot("depot1", backend.ProductOnDepot{ProductId: "win10", ProductVersion: "1.0", PackageVersion: "1"})

	u, _, _ := newTestUpdater(t, b)
	_, err := u.Update(context.Background(), "h1.example.org", "")
	require.Error(t, err)
	require.Contains(t, err.Error(), "no address")
}

func TestUpdateProductsWithoutDepotRecordAreDropped(t *testing.T) {
	b := fakebackend.New()
	id := hostid.HostID("h1.example.org")
	b.AddClient(id, "depot1", backend.HostRecord{MAC: "00:11:22:33:44:55"})
	b.SetProductsOnClient(id, []backend.ProductOnClient{
		{HostId: id, ProductId: "ghost", ActionRequest: backend.BootActionSetup},
	})

	u, reg, _ := newTestUpdater(t, b)
	msg, err := u.Update(context.Background(), "h1.example.org", "")
	require.NoError(t, err)
	require.Equal(t, "Boot configuration updated", msg)
	require.Equal(t, 0, reg.Len())
}

func TestUpdateRejectsOnceMaxWritersReached(t *testing.T) {
	b := fakebackend.New()
	h1 := hostid.HostID("h1.example.org")
	h2 := hostid.HostID("h2.example.org")
	seedHappyPathClient(b, h1)
	b.AddClient(h2, "depot1", backend.HostRecord{MAC: "00:11:22:33:44:66"})
	b.SetProductsOnClient(h2, []backend.ProductOnClient{
		{HostId: h2, ProductId: "win10", ActionRequest: backend.BootActionSetup},
	})

	u, reg, _ := newTestUpdaterWithMax(t, b, 1)

	_, err := u.Update(context.Background(), "h1.example.org", "")
	require.NoError(t, err)
	require.Equal(t, 1, reg.Len())

	_, err = u.Update(context.Background(), "h2.example.org", "")
	require.Error(t, err)
	require.Contains(t, err.Error(), "too many active PXE writers")
	require.Equal(t, 1, reg.Len())
}

func TestCompletionMarksProgressAndAlwaysReschedules(t *testing.T) {
	b := fakebackend.New()
	id := hostid.HostID("h1.example.org")
	b.AddClient(id, "depot1", backend.HostRecord{MAC: "00:11:22:33:44:55", HostKey: "deadbeef"})
	b.SetProductsOnClient(id, []backend.ProductOnClient{
		{HostId: id, ProductId: "win10", ActionRequest: backend.BootActionAlways},
	})
	b.SetProductOnDepot("depot1", backend.ProductOnDepot{ProductId: "win10", ProductVersion: "1.0", PackageVersion: "1"})

	u, reg, _ := newTestUpdater(t, b)
	_, err := u.Update(context.Background(), "h1.example.org", "")
	require.NoError(t, err)

	entry, ok := reg.LookupByHostId(id)
	require.True(t, ok)
	firstWriter := entry.Writer

	f, err := os.Open(entry.PxeFile)
	require.NoError(t, err)
	buf := make([]byte, 512)
	f.Read(buf)
	f.Close()

	require.Eventually(t, func() bool {
		for _, r := range b.UpdatedRecords() {
			if r.ActionProgress == backend.ActionProgressPxeConfigRead {
				return true
			}
		}
		return false
	}, 2*time.Second, 10*time.Millisecond)

	require.Eventually(t, func() bool {
		e, ok := reg.LookupByHostId(id)
		return ok && e.Writer != firstWriter
	}, 2*time.Second, 10*time.Millisecond, "expected a second writer to be scheduled for the always action")
}
