package instance

import (
	"testing"

	"github.com/media-exchange/mxl"
	"github.com/media-exchange/mxl/storage"
)

func TestRegistryOpenCountTracksReadersAndWriters(t *testing.T) {
	reg := newRegistry()
	id := mxl.NewFlowID()

	if got := reg.openCount(); got != 0 {
		t.Fatalf("openCount() = %d, want 0 on a fresh registry", got)
	}

	r1 := &storage.FlowReader{}
	r2 := &storage.FlowReader{}
	reg.addReader(id, r1)
	reg.addReader(id, r2)
	if got := reg.openCount(); got != 2 {
		t.Errorf("openCount() = %d, want 2 after adding two readers", got)
	}

	w := &storage.FlowWriter{}
	reg.addWriter(id, w)
	if got := reg.openCount(); got != 3 {
		t.Errorf("openCount() = %d, want 3 after adding a writer", got)
	}

	reg.removeReader(id, r1)
	if got := reg.openCount(); got != 2 {
		t.Errorf("openCount() = %d, want 2 after removing one reader", got)
	}

	reg.removeWriter(id, w)
	if got := reg.openCount(); got != 1 {
		t.Errorf("openCount() = %d, want 1 after removing the writer", got)
	}

	reg.removeReader(id, r2)
	if got := reg.openCount(); got != 0 {
		t.Errorf("openCount() = %d, want 0 after removing the last reader", got)
	}
}

func TestRegistryRemoveWriterIgnoresMismatchedHandle(t *testing.T) {
	reg := newRegistry()
	id := mxl.NewFlowID()
	w := &storage.FlowWriter{}
	other := &storage.FlowWriter{}

	reg.addWriter(id, w)
	reg.removeWriter(id, other)

	if got := reg.openCount(); got != 1 {
		t.Errorf("openCount() = %d, want 1; removeWriter with a different handle must not evict the real one", got)
	}
}

func TestRegistryRemoveReaderOnUnknownFlowIsNoop(t *testing.T) {
	reg := newRegistry()
	reg.removeReader(mxl.NewFlowID(), &storage.FlowReader{})
	if got := reg.openCount(); got != 0 {
		t.Errorf("openCount() = %d, want 0", got)
	}
}
