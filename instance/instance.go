// Package instance implements the per-process handle onto a domain (spec
// §4.5): it validates the domain, merges domain and
// instance-level options, vends FlowReader/FlowWriter handles by UUID,
// enumerates flows, and drives garbage collection.
package instance

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/media-exchange/mxl"
	"github.com/media-exchange/mxl/storage"
)

// Instance is a per-process handle onto a domain directory (spec §4.5).
type Instance struct {
	store   *storage.FlowStore
	options mxl.DomainOptions
	lock    *storage.SharedSegment
	reg     *registry
}

// domainLockFileName names the advisory lock file used to validate and
// lock the domain itself, distinct from any individual flow's "data"
// file (spec §4.5 "validate and lock the domain (advisory)").
const domainLockFileName = ".mxl-domain-lock"

// Open validates domainPath by creating (if absent) and mapping the
// domain's marker file, and merges instOpts with the domain's own ".options" file (domain wins for
// HistoryDuration, spec §4.5 "Options precedence").
func Open(domainPath string, instOpts mxl.InstanceOptions) (*Instance, error) {
	lockPath := filepath.Join(domainPath, domainLockFileName)
	if created, err := storage.Open(lockPath, storage.CreateReadWrite, 1); err == nil {
		// The file now exists; release the create handle and its
		// momentary exclusive create-lock.
		created.Close()
	} else if mxl.CodeOf(err) != mxl.Exists {
		return nil, err
	}
	// Every Instance attached to a domain maps the domain's own marker
	// file ReadWrite, which takes no OS lock; this only validates the
	// domain exists and is writable, it never excludes other instances (spec §4.5 "validate
	// and lock the domain (advisory)" — exclusivity is per-flow, not
	// per-domain).
	lock, err := storage.Open(lockPath, storage.ReadWrite, 0)
	if err != nil {
		return nil, err
	}

	domainOpts := mxl.LoadDomainOptions(domainPath)
	merged := domainOpts.Merge(instOpts)

	return &Instance{
		store:   storage.NewFlowStore(domainPath, nil),
		options: merged,
		lock:    lock,
		reg:     newRegistry(),
	}, nil
}

// DomainPath returns the domain directory this Instance is bound to.
func (in *Instance) DomainPath() string { return in.store.DomainPath() }

// CreateFlow allocates a new flow from desc (spec §3 Lifecycle "Flow
// creation"; the core never parses JSON itself — desc is already a parsed
// FlowDescriptor, per §9 "external collaborator").
func (in *Instance) CreateFlow(ctx context.Context, desc mxl.FlowDescriptor) (mxl.FlowID, error) {
	return in.store.Create(ctx, desc)
}

// OpenWriter vends the single FlowWriter for id, failing with Conflict if
// another writer is already attached (spec §4.3 "Exclusivity").
func (in *Instance) OpenWriter(id mxl.FlowID) (*storage.FlowWriter, error) {
	w, err := in.store.OpenForWrite(id)
	if err != nil {
		return nil, err
	}
	in.reg.addWriter(id, w)
	return w, nil
}

// OpenReader vends a new FlowReader for id. Any number of readers may be
// attached concurrently (spec invariant 2).
func (in *Instance) OpenReader(id mxl.FlowID) (*storage.FlowReader, error) {
	r, err := in.store.OpenForRead(id)
	if err != nil {
		return nil, err
	}
	in.reg.addReader(id, r)
	return r, nil
}

// CloseWriter releases w and removes it from the Instance's open-handle
// registry.
func (in *Instance) CloseWriter(id mxl.FlowID, w *storage.FlowWriter) error {
	in.reg.removeWriter(id, w)
	return w.Close()
}

// CloseReader releases r and removes it from the Instance's open-handle
// registry.
func (in *Instance) CloseReader(id mxl.FlowID, r *storage.FlowReader) error {
	in.reg.removeReader(id, r)
	return r.Close()
}

// Flows enumerates the flows present in this domain (supplemented beyond
// the distilled spec's prose; every CLI or GStreamer front-end needs a
// "list flows" call even though those front-ends are themselves out of
// scope, spec §1).
func (in *Instance) Flows(ctx context.Context) ([]mxl.FlowID, error) {
	return in.store.Enumerate(ctx)
}

// RunGC spawns a goroutine that sweeps the domain for expired flows on
// interval until ctx is canceled, using the merged HistoryDuration (spec
// §3 Lifecycle "Garbage collection"). It returns immediately; the
// returned channel is closed once the goroutine has observed
// cancellation and exited.
func (in *Instance) RunGC(ctx context.Context, interval time.Duration) <-chan struct{} {
	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if _, err := in.store.GC(ctx, in.options.HistoryDuration); err != nil {
					continue
				}
			}
		}
	}()
	return done
}

// Close unmaps the domain's marker file. Any flow handles vended by
// this Instance must be closed by the caller first; Close does not force
// them shut.
func (in *Instance) Close() error {
	if in.reg.openCount() > 0 {
		return mxl.NewError(mxl.InvalidState, fmt.Errorf("instance has %d open flow handles", in.reg.openCount()))
	}
	return in.lock.Close()
}
