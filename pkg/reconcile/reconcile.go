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

// Package reconcile runs the startup sweep that materialises boot-config
// FIFOs for every client with a pending netboot action, so a restart does
// not leave a waiting PXE client stranded.
package reconcile

import (
	"context"

	"github.com/golang/glog"

	"github.com/opsi-org/opsipxeconfd/pkg/backend"
)

// Updater is the subset of pkg/updater.Updater reconcile needs.
type Updater interface {
	Update(ctx context.Context, hostId string, cachePath string) (string, error)
}

// Run enumerates depotId's clients and calls upd.Update for each one with
// at least one pending netboot action. Errors are logged and skipped per
// host; the task never aborts the whole batch on one host's failure. Run
// checks ctx between hosts so a shutdown mid-sweep finishes the current
// host then returns promptly.
func Run(ctx context.Context, b backend.Backend, upd Updater, depotId string) error {
	clients, err := b.ListDepotClients(ctx, depotId)
	if err != nil {
		return err
	}

	pending, err := b.ListNetbootActions(ctx, clients, backend.PendingNetbootActions)
	if err != nil {
		return err
	}

	seen := make(map[string]bool, len(pending))
	for _, p := range pending {
		id := string(p.HostId)
		if seen[id] {
			continue
		}
		seen[id] = true

		select {
		case <-ctx.Done():
			glog.Infof("reconcile: stopping before processing %s: %v", id, ctx.Err())
			return nil
		default:
		}

		if _, err := upd.Update(ctx, id, ""); err != nil {
			glog.Errorf("reconcile: updating %s: %v", id, err)
		}
	}
	return nil
}
