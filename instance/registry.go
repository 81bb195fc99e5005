package instance

import (
	"sync"

	"github.com/media-exchange/mxl"
	"github.com/media-exchange/mxl/storage"
)

// registry tracks the FlowReader/FlowWriter handles an Instance has vended
// but not yet closed, grounded on the teacher's in_memory.go store shape
// (a mutex-guarded map) generalized from a single-key string cache to a
// per-flow set of open handles. Unlike an MRU cache, entries here are
// never evicted automatically — a handle leaves the registry only when
// its owner explicitly closes it, since evicting an attached writer out
// from under its caller would silently break the exclusivity contract.
type registry struct {
	mu      sync.Mutex
	readers map[mxl.FlowID]map[*storage.FlowReader]struct{}
	writers map[mxl.FlowID]*storage.FlowWriter
}

func newRegistry() *registry {
	return &registry{
		readers: make(map[mxl.FlowID]map[*storage.FlowReader]struct{}),
		writers: make(map[mxl.FlowID]*storage.FlowWriter),
	}
}

func (r *registry) addReader(id mxl.FlowID, reader *storage.FlowReader) {
	r.mu.Lock()
	defer r.mu.Unlock()
	set, ok := r.readers[id]
	if !ok {
		set = make(map[*storage.FlowReader]struct{})
		r.readers[id] = set
	}
	set[reader] = struct{}{}
}

func (r *registry) removeReader(id mxl.FlowID, reader *storage.FlowReader) {
	r.mu.Lock()
	defer r.mu.Unlock()
	set, ok := r.readers[id]
	if !ok {
		return
	}
	delete(set, reader)
	if len(set) == 0 {
		delete(r.readers, id)
	}
}

func (r *registry) addWriter(id mxl.FlowID, writer *storage.FlowWriter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.writers[id] = writer
}

func (r *registry) removeWriter(id mxl.FlowID, writer *storage.FlowWriter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.writers[id] == writer {
		delete(r.writers, id)
	}
}

// openCount returns the total number of open reader and writer handles.
func (r *registry) openCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := len(r.writers)
	for _, set := range r.readers {
		n += len(set)
	}
	return n
}
