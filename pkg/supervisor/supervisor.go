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

// Package supervisor owns the lifecycle of every other component: the
// backend, the startup reconciliation task, and the control server.
package supervisor

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/golang/glog"
	"github.com/jonboulle/clockwork"
	"github.com/renstrom/dedent"
	"golang.org/x/sync/errgroup"

	"github.com/opsi-org/opsipxeconfd/pkg/appendbag"
	"github.com/opsi-org/opsipxeconfd/pkg/backend"
	"github.com/opsi-org/opsipxeconfd/pkg/config"
	"github.com/opsi-org/opsipxeconfd/pkg/control"
	"github.com/opsi-org/opsipxeconfd/pkg/fs"
	"github.com/opsi-org/opsipxeconfd/pkg/reconcile"
	"github.com/opsi-org/opsipxeconfd/pkg/registry"
	"github.com/opsi-org/opsipxeconfd/pkg/updater"
)

// State is one of the supervisor's lifecycle states.
type State int

const (
	StateInit State = iota
	StateRunning
	StateStopping
	StateStopped
)

// BackendFactory builds a fresh Backend from configuration, called at
// start and at every reload.
type BackendFactory func(cfg config.Config) (backend.Backend, error)

// Supervisor wires components A-G (backend, updater, registry, control
// server, startup reconciliation) and exposes start/stop/reload.
type Supervisor struct {
	newBackend        BackendFactory
	clock             clockwork.Clock
	depotId           string
	controlSocketPath string

	mu    sync.Mutex
	state State

	cfg      config.Config
	backend  backend.Backend
	registry *registry.Registry
	updater  *updater.Updater
	server   *control.Server

	reconcileCancel context.CancelFunc
	reconcileDone   chan struct{}
}

// DefaultControlSocketPath is the filesystem path the control server binds
// to unless overridden via SetControlSocketPath (spec §6).
const DefaultControlSocketPath = "/var/run/opsipxeconfd/opsipxeconfd.socket"

// New returns a Supervisor in StateInit.
func New(cfg config.Config, depotId string, newBackend BackendFactory, clock clockwork.Clock) *Supervisor {
	return &Supervisor{
		cfg:               cfg,
		depotId:           depotId,
		newBackend:        newBackend,
		clock:             clock,
		state:             StateInit,
		controlSocketPath: DefaultControlSocketPath,
	}
}

// SetControlSocketPath overrides the default control socket path. Must be
// called before Start.
func (s *Supervisor) SetControlSocketPath(path string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.controlSocketPath = path
}

// State returns the current lifecycle state.
func (s *Supervisor) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Start wires signal-independent startup: builds the backend, launches
// startup reconciliation, binds the control socket, and enters the accept
// loop on the calling goroutine (Start blocks until Stop). Any fatal
// failure here aborts with a non-zero exit in the caller (spec §4.H).
func (s *Supervisor) Start() error {
	s.mu.Lock()
	s.state = StateRunning
	s.mu.Unlock()

	if err := s.buildComponents(); err != nil {
		return err
	}

	s.launchReconciliation()

	if err := s.server.Listen(); err != nil {
		return fmt.Errorf("supervisor: %w", err)
	}

	daemon.SdNotify(false, daemon.SdNotifyReady)
	s.server.Serve()
	// Serve also returns when Reload replaces the server, and Stop closes
	// the server before it awaits the writers; keep blocking until Stop has
	// finished.
	for s.State() != StateStopped {
		time.Sleep(10 * time.Millisecond)
	}
	return nil
}

func (s *Supervisor) buildComponents() error {
	if err := fs.CheckWritable(s.cfg.PxeConfigDir); err != nil {
		glog.Warningf("supervisor: %v", err)
	}

	b, err := s.newBackend(s.cfg)
	if err != nil {
		return fmt.Errorf("supervisor: building backend: %w", err)
	}
	if err := b.SetBackendOptions(context.Background(), backend.BackendOptions{
		AddProductPropertyStateDefaults: true,
		AddConfigStateDefaults:          true,
	}); err != nil {
		return fmt.Errorf("supervisor: setting backend options: %w", err)
	}

	// Reuse the registry across a reload so active writers stay tracked.
	s.mu.Lock()
	reg := s.registry
	s.mu.Unlock()
	if reg == nil {
		reg = registry.New()
	}
	upd := updater.New(updater.Config{
		PxeConfigDir:    s.cfg.PxeConfigDir,
		DefaultTemplate: s.cfg.PxeConfigTemplate,
		DepotId:         s.depotId,
		MaxWriters:      s.cfg.MaxPxeConfigWriters,
	}, b, reg, s.clock)

	s.mu.Lock()
	s.backend = b
	s.registry = reg
	s.updater = upd
	s.server = control.New(s.controlSocketPath, s.cfg.MaxControlConns, s.dispatch)
	s.mu.Unlock()
	return nil
}

func (s *Supervisor) launchReconciliation() {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	s.mu.Lock()
	s.reconcileCancel = cancel
	s.reconcileDone = done
	b, upd, depotId := s.backend, s.updater, s.depotId
	s.mu.Unlock()

	go func() {
		defer close(done)
		if err := reconcile.Run(ctx, b, upd, depotId); err != nil {
			glog.Errorf("supervisor: startup reconciliation: %v", err)
		}
	}()
}

// Stop cancels the startup task, closes the control socket, and cancels
// and awaits all writers, then marks the supervisor stopped.
func (s *Supervisor) Stop() {
	s.mu.Lock()
	s.state = StateStopping
	cancel := s.reconcileCancel
	done := s.reconcileDone
	server := s.server
	reg := s.registry
	s.mu.Unlock()

	daemon.SdNotify(false, daemon.SdNotifyStopping)

	if cancel != nil {
		cancel()
	}
	if server != nil {
		server.Stop()
	}
	if done != nil {
		<-done
	}
	if reg != nil {
		awaitAllWriters(reg)
	}

	s.mu.Lock()
	s.state = StateStopped
	s.mu.Unlock()
}

// awaitAllWriters cancels every active writer's context and waits for each
// one's completion callback to run, fanned in with errgroup (spec §4.N).
func awaitAllWriters(reg *registry.Registry) {
	var g errgroup.Group
	for _, e := range reg.List() {
		e.Writer.Cancel()
		w := e.Writer
		g.Go(func() error {
			<-w.Done()
			return nil
		})
	}
	g.Wait()
}

// Reload applies newCfg (re-read from disk by the caller), rebuilds the
// backend instance and updater, and rebinds the control socket. Active
// writers survive a reload and stay in the same registry; in-flight
// control connections are allowed to finish on their own.
func (s *Supervisor) Reload(newCfg config.Config) error {
	daemon.SdNotify(false, daemon.SdNotifyReloading)
	defer daemon.SdNotify(false, daemon.SdNotifyReady)

	s.mu.Lock()
	oldServer := s.server
	s.cfg = newCfg
	s.mu.Unlock()

	if oldServer != nil {
		oldServer.Stop()
	}
	if err := s.buildComponents(); err != nil {
		return err
	}

	s.mu.Lock()
	server := s.server
	s.mu.Unlock()
	if err := server.Listen(); err != nil {
		return fmt.Errorf("supervisor: reload: %w", err)
	}
	go server.Serve()
	return nil
}

// dispatch implements control.Handler for stop/status/update.
func (s *Supervisor) dispatch(cmd string, args []string) string {
	switch cmd {
	case "stop":
		go s.Stop()
		return "opsipxeconfd is going down"
	case "status":
		return s.statusReport()
	case "update":
		return s.handleUpdate(args)
	default:
		return control.Errorf("unknown command %q", cmd)
	}
}

func (s *Supervisor) handleUpdate(args []string) string {
	if len(args) == 0 {
		return control.Errorf("update requires a hostId argument")
	}
	cachePath := ""
	if len(args) > 1 {
		cachePath = args[1]
	}
	msg, err := s.updater.Update(context.Background(), args[0], cachePath)
	if err != nil {
		return control.Errorf("%v", err)
	}
	return msg
}

const statusTemplate = `
	opsipxeconfd status:

	  open control connections: %d
	%s
	  active PXE writers: %d
	%s`

func (s *Supervisor) statusReport() string {
	s.mu.Lock()
	server := s.server
	reg := s.registry
	s.mu.Unlock()

	conns := server.ActiveConnections()
	entries := reg.List()

	var connRows string
	for _, c := range conns {
		connRows += fmt.Sprintf("\t  control connection opened %s\n", c.StartedAt.Format(time.RFC3339))
	}

	var writerRows string
	for _, e := range entries {
		// pckey is confidential: show it redacted, never in plaintext.
		shown := e.Append.Clone()
		if v, ok := shown.Get("pckey"); ok {
			shown.Set("pckey", appendbag.Confidential(v).String())
		}
		writerRows += fmt.Sprintf("\t  Boot config for client %s: append=%q pxefile=%s started=%s\n",
			e.HostId, strings.Join(shown.Tokens(), " "), e.PxeFile, e.StartedAt.Format(time.RFC3339))
	}

	return dedent.Dedent(fmt.Sprintf(statusTemplate, len(conns), connRows, len(entries), writerRows))
}
