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

// Package updater resolves one host's pending netboot actions into a
// running PXE writer: it consults the backend, renders the boot
// configuration, evicts any stale writer for the host, and registers the
// replacement.
package updater

import (
	"context"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/golang/glog"
	"github.com/jonboulle/clockwork"
	"golang.org/x/sync/singleflight"

	"github.com/opsi-org/opsipxeconfd/pkg/appendbag"
	"github.com/opsi-org/opsipxeconfd/pkg/backend"
	"github.com/opsi-org/opsipxeconfd/pkg/hostid"
	"github.com/opsi-org/opsipxeconfd/pkg/pxename"
	"github.com/opsi-org/opsipxeconfd/pkg/registry"
	"github.com/opsi-org/opsipxeconfd/pkg/render"
	"github.com/opsi-org/opsipxeconfd/pkg/writer"
)

// Config holds the paths the updater needs beyond what it reads from the
// backend.
type Config struct {
	// PxeConfigDir is where FIFOs are created (spec §3: pxeDir / PxeConfigName).
	PxeConfigDir string
	// DefaultTemplate is the template used when no product specifies its
	// own pxeConfigTemplate. Relative product-specified templates are
	// resolved against filepath.Dir(DefaultTemplate).
	DefaultTemplate string
	// DepotId identifies the depot this instance serves.
	DepotId string
	// MaxWriters bounds the number of simultaneously active writers (spec
	// §3's "bounded population" invariant, configured as
	// maxPxeConfigWriters). Zero means unbounded.
	MaxWriters int
}

// Updater runs the boot-config update algorithm for one host at a time per
// host, serialised via a singleflight group so that concurrent update
// requests for the same host collapse into one in-flight run.
type Updater struct {
	cfg      Config
	backend  backend.Backend
	registry *registry.Registry
	clock    clockwork.Clock
	group    singleflight.Group
}

// New returns an Updater wired to backend b and registry reg.
func New(cfg Config, b backend.Backend, reg *registry.Registry, clock clockwork.Clock) *Updater {
	return &Updater{cfg: cfg, backend: b, registry: reg, clock: clock}
}

// Update runs the full resolve-and-register algorithm for id, serialised
// per canonical host id. cachePath, if non-empty, overrides the resolved
// template path entirely (the CLI's "update from cache file" mode).
func (u *Updater) Update(ctx context.Context, rawId string, cachePath string) (string, error) {
	id, err := hostid.Canonicalize(rawId)
	if err != nil {
		return "", fmt.Errorf("updater: %w", err)
	}

	v, err, _ := u.group.Do(string(id), func() (interface{}, error) {
		return u.update(ctx, id, cachePath)
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

func (u *Updater) update(ctx context.Context, id hostid.HostID, cachePath string) (string, error) {
	// Step 2: evict and await any existing writer for this host.
	u.evict(id)

	// Bounded population: reject new writers once the active count (not
	// counting the slot just freed above, if any) reaches the configured
	// ceiling, rather than letting an unbounded number of FIFOs pile up.
	if u.cfg.MaxWriters > 0 {
		if n := u.registry.Len(); n >= u.cfg.MaxWriters {
			return "", fmt.Errorf("updater: %s: too many active PXE writers (%d/%d)", id, n, u.cfg.MaxWriters)
		}
	}

	// Step 3: pending netboot actions.
	records, err := u.backend.ListNetbootActions(ctx, []hostid.HostID{id}, backend.PendingNetbootActions)
	if err != nil {
		return "", fmt.Errorf("updater: listing netboot actions for %s: %w", id, err)
	}
	if len(records) == 0 {
		return "Boot configuration updated", nil
	}

	// Step 4: resolve versions, drop records without a depot match.
	productIds := make([]string, 0, len(records))
	for _, r := range records {
		productIds = append(productIds, r.ProductId)
	}
	onDepot, err := u.backend.ListProductsOnDepot(ctx, u.cfg.DepotId, productIds)
	if err != nil {
		return "", fmt.Errorf("updater: listing products on depot %s: %w", u.cfg.DepotId, err)
	}
	versions := make(map[string]backend.ProductOnDepot, len(onDepot))
	for _, p := range onDepot {
		versions[p.ProductId] = p
	}

	var resolved []backend.ProductOnClient
	for _, r := range records {
		v, ok := versions[r.ProductId]
		if !ok {
			glog.Warningf("updater: %s: product %s has no matching depot record, dropping", id, r.ProductId)
			continue
		}
		r.ProductVersion = v.ProductVersion
		r.PackageVersion = v.PackageVersion
		resolved = append(resolved, r)
	}
	if len(resolved) == 0 {
		return "Boot configuration updated", nil
	}

	// Step 5: pick the pxeConfigTemplate, last-seen-wins on conflict.
	templatePath, err := u.resolveTemplate(ctx, cachePath, resolved)
	if err != nil {
		return "", err
	}

	// Step 6: derive the FIFO path from MAC or IPv4.
	host, err := u.backend.GetHost(ctx, id)
	if err != nil {
		return "", fmt.Errorf("updater: looking up host %s: %w", id, err)
	}
	pxeConfigName, err := derivePxeConfigName(host)
	if err != nil {
		return "", fmt.Errorf("updater: %s: %w", id, err)
	}
	pxefile := filepath.Join(u.cfg.PxeConfigDir, pxeConfigName)

	// Step 7: path collision / stale file handling.
	if existing, ok := u.registry.LookupByPath(pxefile); ok {
		if existing.HostId == id {
			glog.Infof("updater: %s: %s already exists, not replacing", id, pxefile)
			return "Boot configuration updated", nil
		}
		return "", fmt.Errorf("updater: (ERROR): address collision on %s (owned by %s)", pxefile, existing.HostId)
	}
	if err := removeStaleFile(pxefile); err != nil {
		return "", fmt.Errorf("updater: removing stale file %s: %w", pxefile, err)
	}

	// Step 8: compose the AppendBag.
	bag, err := u.composeAppendBag(ctx, id, host, resolved[0].ProductId)
	if err != nil {
		return "", err
	}

	// Step 9: build the PropertyMap.
	props, err := u.buildPropertyMap(ctx, id, productIds)
	if err != nil {
		return "", err
	}

	payload, err := render.Render(templatePath, props, bag, id.ShortName())
	if err != nil {
		return "", fmt.Errorf("updater: rendering %s: %w", templatePath, err)
	}

	// Step 10: create and register the writer.
	entry := &registry.Entry{
		HostId:    id,
		PxeFile:   pxefile,
		Template:  templatePath,
		Append:    bag,
		StartedAt: u.clock.Now(),
	}
	w, err := writer.New(id, pxefile, payload, resolved, u.clock, u.onWriterComplete)
	if err != nil {
		return "", fmt.Errorf("updater: %w", err)
	}
	entry.Writer = w
	u.registry.Register(entry)
	go w.Run()

	return "Boot configuration updated", nil
}

// evict cancels any writer currently registered for id and waits for its
// completion callback to remove it from the registry (or for a different
// writer to have taken the slot, which implies the same). The callback
// always runs exactly once per writer, so this always terminates.
func (u *Updater) evict(id hostid.HostID) {
	entry, ok := u.registry.LookupByHostId(id)
	if !ok {
		return
	}
	stale := entry.Writer
	stale.Cancel()
	for {
		e, stillThere := u.registry.LookupByHostId(id)
		if !stillThere || e.Writer != stale {
			return
		}
		time.Sleep(time.Millisecond)
	}
}

func (u *Updater) resolveTemplate(ctx context.Context, cachePath string, records []backend.ProductOnClient) (string, error) {
	if cachePath != "" {
		return cachePath, nil
	}

	var chosen string
	conflict := false
	for _, r := range records {
		np, err := u.backend.GetNetbootProduct(ctx, r.ProductId, r.ProductVersion, r.PackageVersion)
		if err != nil {
			return "", fmt.Errorf("updater: getting netboot product %s: %w", r.ProductId, err)
		}
		if np.PxeConfigTemplate == "" {
			continue
		}
		if chosen != "" && chosen != np.PxeConfigTemplate {
			conflict = true
		}
		chosen = np.PxeConfigTemplate
	}
	if conflict {
		glog.Errorf("updater: multiple distinct pxeConfigTemplate values requested, keeping last seen: %s", chosen)
	}
	if chosen == "" {
		return u.cfg.DefaultTemplate, nil
	}
	if filepath.IsAbs(chosen) {
		return chosen, nil
	}
	return filepath.Join(filepath.Dir(u.cfg.DefaultTemplate), chosen), nil
}

func derivePxeConfigName(host backend.HostRecord) (string, error) {
	if host.MAC != "" {
		mac, err := net.ParseMAC(host.MAC)
		if err != nil {
			return "", fmt.Errorf("parsing MAC %q: %w", host.MAC, err)
		}
		return pxename.FromMAC(mac)
	}
	if host.IPv4 != "" {
		ip := net.ParseIP(host.IPv4)
		if ip == nil {
			return "", fmt.Errorf("parsing IPv4 %q", host.IPv4)
		}
		return pxename.FromIPv4(ip)
	}
	return "", fmt.Errorf("no address for host")
}

func (u *Updater) composeAppendBag(ctx context.Context, id hostid.HostID, host backend.HostRecord, productId string) (*appendbag.Bag, error) {
	bag := appendbag.New()
	bag.Set("pckey", host.HostKey.Reveal())
	bag.Set("hn", id.ShortName())
	bag.Set("dn", id.Domain())
	bag.Set("product", productId)

	serviceURL, err := u.backend.GetConfigState(ctx, id, backend.ConfigServiceURLConfigId)
	if err != nil {
		return nil, fmt.Errorf("updater: getting config state %s: %w", backend.ConfigServiceURLConfigId, err)
	}
	bag.Set("service", forceRPCSuffix(firstOrEmpty(serviceURL)))

	bootimageAppend, err := u.backend.GetConfigState(ctx, id, backend.BootimageAppendConfigId)
	if err != nil {
		return nil, fmt.Errorf("updater: getting config state %s: %w", backend.BootimageAppendConfigId, err)
	}
	for _, tok := range strings.Fields(strings.Join(bootimageAppend, " ")) {
		if eq := strings.IndexByte(tok, '='); eq >= 0 {
			bag.Set(tok[:eq], tok[eq+1:])
		} else {
			bag.Set(tok, "")
		}
	}

	return bag, nil
}

func (u *Updater) buildPropertyMap(ctx context.Context, id hostid.HostID, productIds []string) (render.PropertyMap, error) {
	states, err := u.backend.GetProductPropertyStates(ctx, id, productIds)
	if err != nil {
		return nil, fmt.Errorf("updater: getting product property states: %w", err)
	}
	props := make(render.PropertyMap, len(states))
	for _, s := range states {
		props[s.PropertyId] = strings.Join(s.Values, ",")
	}
	return props, nil
}

func forceRPCSuffix(url string) string {
	if url == "" {
		return ""
	}
	return strings.TrimRight(url, "/") + "/rpc"
}

func firstOrEmpty(values []string) string {
	if len(values) == 0 {
		return ""
	}
	return values[0]
}

func removeStaleFile(path string) error {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// onWriterComplete is a writer's completion callback. It always removes the
// writer from the registry; only a StatusSuccess run goes on to flush
// product-on-client progress and potentially re-enter the updater for an
// "always" action, matching the error-handling rule that a canceled or
// failed writer never touches product state (spec §7, kind 6).
func (u *Updater) onWriterComplete(res writer.Result) {
	templateUsed := ""
	if entry, ok := u.registry.LookupByHostId(res.HostId); ok && entry.Writer == res.Writer {
		templateUsed = entry.Template
	}
	u.registry.Remove(res.HostId, res.Writer)

	if res.Status != writer.StatusSuccess {
		return
	}

	ctx := context.Background()
	nonDefaultTemplate := templateUsed != "" && templateUsed != u.cfg.DefaultTemplate

	updates := make([]backend.ProductOnClient, 0, len(res.Products))
	alwaysReschedule := false
	for _, p := range res.Products {
		if p.ActionRequest == backend.BootActionAlways {
			alwaysReschedule = true
		}
		p.ActionProgress = backend.ActionProgressPxeConfigRead
		if nonDefaultTemplate {
			p.ActionRequest = backend.BootActionNone
		}
		updates = append(updates, p)
	}

	if err := u.backend.UpdateProductOnClients(ctx, updates); err != nil {
		glog.Errorf("updater: %s: flushing product-on-client updates: %v", res.HostId, err)
	}

	if alwaysReschedule {
		go func() {
			if _, err := u.Update(ctx, string(res.HostId), ""); err != nil {
				glog.Errorf("updater: %s: rescheduling after always-action read: %v", res.HostId, err)
			}
		}()
	}
}
