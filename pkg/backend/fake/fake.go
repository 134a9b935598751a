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

// Package fake provides an in-memory Backend for tests, standing in for the
// opsi backend RPC client that is out of scope for this repository.
package fake

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/opsi-org/opsipxeconfd/pkg/backend"
	"github.com/opsi-org/opsipxeconfd/pkg/hostid"
)

// Backend is a fake implementation of backend.Backend, holding client and
// product state in memory. Safe for concurrent use.
type Backend struct {
	mu sync.Mutex

	depotOf          map[hostid.HostID]string
	hosts            map[hostid.HostID]backend.HostRecord
	productsOnClient map[hostid.HostID][]backend.ProductOnClient
	productsOnDepot  map[string][]backend.ProductOnDepot
	netbootProducts  map[string]backend.NetbootProduct
	configStates     map[hostid.HostID]map[string][]string
	propertyStates   map[hostid.HostID]map[string][]string
	options          backend.BackendOptions
	updatedRecords   []backend.ProductOnClient
}

// New returns an empty fake backend.
func New() *Backend {
	return &Backend{
		depotOf:          make(map[hostid.HostID]string),
		hosts:            make(map[hostid.HostID]backend.HostRecord),
		productsOnClient: make(map[hostid.HostID][]backend.ProductOnClient),
		productsOnDepot:  make(map[string][]backend.ProductOnDepot),
		netbootProducts:  make(map[string]backend.NetbootProduct),
		configStates:     make(map[hostid.HostID]map[string][]string),
		propertyStates:   make(map[hostid.HostID]map[string][]string),
	}
}

func netbootProductKey(productId, productVersion, packageVersion string) string {
	return productId + "|" + productVersion + "|" + packageVersion
}

// AddClient registers id as assigned to depotId with the given host record.
func (b *Backend) AddClient(id hostid.HostID, depotId string, host backend.HostRecord) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.depotOf[id] = depotId
	b.hosts[id] = host
}

// SetProductsOnClient replaces id's ProductOnClient records.
func (b *Backend) SetProductsOnClient(id hostid.HostID, records []backend.ProductOnClient) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.productsOnClient[id] = records
}

// SetProductOnDepot registers version information for a product at a depot.
func (b *Backend) SetProductOnDepot(depotId string, p backend.ProductOnDepot) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.productsOnDepot[depotId] = append(b.productsOnDepot[depotId], p)
}

// SetNetbootProduct registers netboot metadata for a product/version/package
// triple.
func (b *Backend) SetNetbootProduct(productId, productVersion, packageVersion string, p backend.NetbootProduct) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.netbootProducts[netbootProductKey(productId, productVersion, packageVersion)] = p
}

// SetConfigState registers configId's values for id.
func (b *Backend) SetConfigState(id hostid.HostID, configId string, values []string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.configStates[id] == nil {
		b.configStates[id] = make(map[string][]string)
	}
	b.configStates[id][configId] = values
}

// SetPropertyState registers propertyId's effective values for id.
func (b *Backend) SetPropertyState(id hostid.HostID, propertyId string, values []string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.propertyStates[id] == nil {
		b.propertyStates[id] = make(map[string][]string)
	}
	b.propertyStates[id][propertyId] = values
}

// UpdatedRecords returns every ProductOnClient passed to
// UpdateProductOnClients so far, in call order.
func (b *Backend) UpdatedRecords() []backend.ProductOnClient {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]backend.ProductOnClient, len(b.updatedRecords))
	copy(out, b.updatedRecords)
	return out
}

// Options returns the BackendOptions last set via SetBackendOptions.
func (b *Backend) Options() backend.BackendOptions {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.options
}

// ListDepotClients implements backend.Backend.
func (b *Backend) ListDepotClients(ctx context.Context, depotId string) ([]hostid.HostID, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	var ids []hostid.HostID
	for id, d := range b.depotOf {
		if d == depotId {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

// ListNetbootActions implements backend.Backend.
func (b *Backend) ListNetbootActions(ctx context.Context, hostIds []hostid.HostID, actions []backend.BootAction) ([]backend.ProductOnClient, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	wanted := make(map[backend.BootAction]bool, len(actions))
	for _, a := range actions {
		wanted[a] = true
	}
	var out []backend.ProductOnClient
	for _, id := range hostIds {
		for _, rec := range b.productsOnClient[id] {
			if wanted[rec.ActionRequest] {
				out = append(out, rec)
			}
		}
	}
	return out, nil
}

// GetHost implements backend.Backend.
func (b *Backend) GetHost(ctx context.Context, id hostid.HostID) (backend.HostRecord, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	h, ok := b.hosts[id]
	if !ok {
		return backend.HostRecord{}, fmt.Errorf("fake backend: %s: %w", id, backend.ErrNotFound)
	}
	return h, nil
}

// ListProductsOnDepot implements backend.Backend.
func (b *Backend) ListProductsOnDepot(ctx context.Context, depotId string, productIds []string) ([]backend.ProductOnDepot, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	wanted := make(map[string]bool, len(productIds))
	for _, p := range productIds {
		wanted[p] = true
	}
	var out []backend.ProductOnDepot
	for _, p := range b.productsOnDepot[depotId] {
		if wanted[p.ProductId] {
			out = append(out, p)
		}
	}
	return out, nil
}

// GetNetbootProduct implements backend.Backend.
func (b *Backend) GetNetbootProduct(ctx context.Context, productId, productVersion, packageVersion string) (backend.NetbootProduct, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	p, ok := b.netbootProducts[netbootProductKey(productId, productVersion, packageVersion)]
	if !ok {
		return backend.NetbootProduct{}, nil
	}
	return p, nil
}

// GetConfigState implements backend.Backend.
func (b *Backend) GetConfigState(ctx context.Context, id hostid.HostID, configId string) ([]string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.configStates[id][configId], nil
}

// GetProductPropertyStates implements backend.Backend.
func (b *Backend) GetProductPropertyStates(ctx context.Context, id hostid.HostID, productIds []string) ([]backend.PropertyState, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	wanted := make(map[string]bool, len(productIds))
	for _, p := range productIds {
		wanted[p] = true
	}
	var out []backend.PropertyState
	for propertyId, values := range b.propertyStates[id] {
		if wanted[propertyId] {
			out = append(out, backend.PropertyState{PropertyId: propertyId, Values: values})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PropertyId < out[j].PropertyId })
	return out, nil
}

// UpdateProductOnClients implements backend.Backend.
func (b *Backend) UpdateProductOnClients(ctx context.Context, records []backend.ProductOnClient) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.updatedRecords = append(b.updatedRecords, records...)
	for _, rec := range records {
		existing := b.productsOnClient[rec.HostId]
		found := false
		for i, e := range existing {
			if e.ProductId == rec.ProductId {
				existing[i] = rec
				found = true
				break
			}
		}
		if !found {
			existing = append(existing, rec)
		}
		b.productsOnClient[rec.HostId] = existing
	}
	return nil
}

// SetBackendOptions implements backend.Backend.
func (b *Backend) SetBackendOptions(ctx context.Context, opts backend.BackendOptions) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.options = opts
	return nil
}
