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

// Package backend declares the port through which opsipxeconfd reads and
// updates client and product configuration. The daemon never talks to the
// opsi backend directly; every component that needs client data is handed
// a Backend. The production implementation wraps the opsi RPC client; it
// is out of scope here (see pkg/backend/fake for the in-memory test
// double this repository ships instead).
package backend

import (
	"context"
	"fmt"

	"github.com/opsi-org/opsipxeconfd/pkg/appendbag"
	"github.com/opsi-org/opsipxeconfd/pkg/hostid"
)

// BootAction is the pending netboot action on a ProductOnClient record.
type BootAction string

const (
	BootActionSetup     BootAction = "setup"
	BootActionUninstall BootAction = "uninstall"
	BootActionUpdate    BootAction = "update"
	BootActionAlways    BootAction = "always"
	BootActionOnce      BootAction = "once"
	BootActionCustom    BootAction = "custom"
	BootActionNone      BootAction = "none"
)

// PendingNetbootActions is the set of BootActions that warrant materialising
// a boot-configuration FIFO; BootActionNone does not.
var PendingNetbootActions = []BootAction{
	BootActionSetup, BootActionUninstall, BootActionUpdate,
	BootActionAlways, BootActionOnce, BootActionCustom,
}

// ActionProgressPxeConfigRead is the actionProgress value the updater
// stamps onto a ProductOnClient once its FIFO has been read exactly once.
const ActionProgressPxeConfigRead = "pxe boot configuration read"

// ProductOnClient is the tuple opsi uses to track an outstanding product
// action for one client.
type ProductOnClient struct {
	HostId         hostid.HostID
	ProductId      string
	ProductVersion string
	PackageVersion string
	ActionRequest  BootAction
	ActionProgress string
}

// HostRecord is the subset of opsi host data the updater needs to resolve
// a FIFO path and a confidential pckey token.
type HostRecord struct {
	MAC     string // colon-separated hex, empty if unknown
	IPv4    string // dotted quad, empty if unknown
	HostKey appendbag.Confidential
}

// ProductOnDepot carries the authoritative version pair for a product
// available at a depot, used to fill in ProductOnClient.
type ProductOnDepot struct {
	ProductId      string
	ProductVersion string
	PackageVersion string
}

// NetbootProduct is the netboot-specific product metadata.
type NetbootProduct struct {
	// PxeConfigTemplate is a relative or absolute path to a template file
	// overriding the configured default, or empty to use the default.
	PxeConfigTemplate string
}

// PropertyState is one product property's effective values for a host.
type PropertyState struct {
	PropertyId string
	Values     []string
}

// BackendOptions configures default-expansion behaviour on the backend,
// set once at supervisor (re)load.
type BackendOptions struct {
	AddProductPropertyStateDefaults bool
	AddConfigStateDefaults          bool
}

// ConfigServiceURLConfigId and BootimageAppendConfigId name the two
// config-state keys the updater reads while composing an AppendBag.
const (
	ConfigServiceURLConfigId = "clientconfig.configserver.url"
	BootimageAppendConfigId  = "opsi-linux-bootimage.append"
	NetbootProductType       = "NetbootProduct"
)

// Backend is the injected read/write port onto opsi client and product
// state. All methods must be safe for concurrent use.
type Backend interface {
	// ListDepotClients returns the HostIds of every client assigned to
	// depotId.
	ListDepotClients(ctx context.Context, depotId string) ([]hostid.HostID, error)

	// ListNetbootActions returns the ProductOnClient records for hostIds
	// whose ActionRequest is one of actions.
	ListNetbootActions(ctx context.Context, hostIds []hostid.HostID, actions []BootAction) ([]ProductOnClient, error)

	// GetHost returns network and confidential identity data for id.
	GetHost(ctx context.Context, id hostid.HostID) (HostRecord, error)

	// ListProductsOnDepot returns version information for productIds as
	// installed at depotId.
	ListProductsOnDepot(ctx context.Context, depotId string, productIds []string) ([]ProductOnDepot, error)

	// GetNetbootProduct returns netboot-specific metadata for one
	// product/version/package triple.
	GetNetbootProduct(ctx context.Context, productId, productVersion, packageVersion string) (NetbootProduct, error)

	// GetConfigState returns the (possibly multi-valued) config state for
	// id/configId.
	GetConfigState(ctx context.Context, id hostid.HostID, configId string) ([]string, error)

	// GetProductPropertyStates returns the effective property values for
	// id across productIds.
	GetProductPropertyStates(ctx context.Context, id hostid.HostID, productIds []string) ([]PropertyState, error)

	// UpdateProductOnClients flushes a batch of ProductOnClient changes
	// (actionProgress/actionRequest updates) back to the backend.
	UpdateProductOnClients(ctx context.Context, records []ProductOnClient) error

	// SetBackendOptions applies opts; called once at supervisor (re)load.
	SetBackendOptions(ctx context.Context, opts BackendOptions) error
}

// ErrNotFound is wrapped by Backend methods when the requested id is
// unknown to the backend.
var ErrNotFound = notFoundError{}

type notFoundError struct{}

func (notFoundError) Error() string { return "backend: not found" }

// ErrNoDepotRecord names the case of a ProductOnClient with no matching
// ProductOnDepot entry for the local depot. The updater does not return it:
// such records are dropped with a warning rather than treated as an error.
var ErrNoDepotRecord = fmt.Errorf("backend: no matching product-on-depot record")
