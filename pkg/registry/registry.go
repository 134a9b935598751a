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

// Package registry tracks the set of active PXE writers, enforcing the
// per-host and per-path uniqueness invariants. All mutation is serialised
// by a single mutex; no I/O is ever performed while it is held.
package registry

import (
	"sort"
	"sync"
	"time"

	"github.com/opsi-org/opsipxeconfd/pkg/appendbag"
	"github.com/opsi-org/opsipxeconfd/pkg/hostid"
	"github.com/opsi-org/opsipxeconfd/pkg/writer"
)

// Entry is the registry's view of one active writer, a snapshot taken at
// registration time plus a handle to the live Writer for cancellation.
type Entry struct {
	HostId    hostid.HostID
	PxeFile   string
	Template  string
	Append    *appendbag.Bag
	StartedAt time.Time
	Writer    *writer.Writer
}

// Registry is the concurrent set of active WriterEntries.
type Registry struct {
	mu     sync.Mutex
	byHost map[hostid.HostID]*Entry
	byPath map[string]*Entry
}

// New returns an empty Registry.
func New() *Registry {
	return &Registry{
		byHost: make(map[hostid.HostID]*Entry),
		byPath: make(map[string]*Entry),
	}
}

// LookupByHostId returns the active entry for id, if any.
func (r *Registry) LookupByHostId(id hostid.HostID) (*Entry, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.byHost[id]
	return e, ok
}

// LookupByPath returns the active entry owning pxefile, if any.
func (r *Registry) LookupByPath(pxefile string) (*Entry, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.byPath[pxefile]
	return e, ok
}

// Register inserts e, replacing any prior entry for the same hostId. The
// caller (pkg/updater) is responsible for having already evicted and
// awaited the prior writer; Register itself never cancels anything.
func (r *Registry) Register(e *Entry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if old, ok := r.byHost[e.HostId]; ok {
		delete(r.byPath, old.PxeFile)
	}
	r.byHost[e.HostId] = e
	r.byPath[e.PxeFile] = e
}

// Remove deletes the entry for id if it is still e (identity check so a
// stale completion callback from an already-evicted writer cannot remove a
// newer entry that has since taken the slot).
func (r *Registry) Remove(id hostid.HostID, w *writer.Writer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.byHost[id]
	if !ok || e.Writer != w {
		return
	}
	delete(r.byHost, id)
	delete(r.byPath, e.PxeFile)
}

// List returns a snapshot of all active entries sorted by HostId, for the
// status command. The snapshot may be stale by the time it reaches a
// client; that is an accepted property of a live system.
func (r *Registry) List() []*Entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Entry, 0, len(r.byHost))
	for _, e := range r.byHost {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].HostId < out[j].HostId })
	return out
}

// Len returns the number of active entries.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.byHost)
}
