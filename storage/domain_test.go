package storage

import (
	"context"
	"testing"
	"time"

	"github.com/media-exchange/mxl"
)

type testDescriptor struct {
	id       mxl.FlowID
	format   mxl.DataFormat
	num, den uint32
	geometry map[string]any
}

func (d testDescriptor) ID() mxl.FlowID                        { return d.id }
func (d testDescriptor) Format() mxl.DataFormat                { return d.format }
func (d testDescriptor) Rate() (uint32, uint32)                { return d.num, d.den }
func (d testDescriptor) Geometry() map[string]any              { return d.geometry }

func discreteDescriptor() testDescriptor {
	return testDescriptor{
		format: mxl.FormatVideo,
		num:    25, den: 1,
		geometry: map[string]any{
			"grain_count":  uint32(4),
			"payload_size": uint32(128),
		},
	}
}

func continuousDescriptor() testDescriptor {
	return testDescriptor{
		format: mxl.FormatAudio,
		num:    48000, den: 1,
		geometry: map[string]any{
			"channel_count": uint32(2),
			"buffer_length": uint32(1024),
			"sample_size":   uint32(4),
		},
	}
}

func TestFlowStoreCreateDiscrete(t *testing.T) {
	store := NewFlowStore(t.TempDir(), nil)
	id, err := store.Create(context.Background(), discreteDescriptor())
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if !store.Exists(context.Background(), id) {
		t.Fatalf("Exists(%v) = false after Create", id)
	}

	w, err := store.OpenForWrite(id)
	if err != nil {
		t.Fatalf("OpenForWrite: %v", err)
	}
	defer w.Close()
}

func TestFlowStoreCreateContinuous(t *testing.T) {
	store := NewFlowStore(t.TempDir(), nil)
	id, err := store.Create(context.Background(), continuousDescriptor())
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	w, err := store.OpenForWrite(id)
	if err != nil {
		t.Fatalf("OpenForWrite: %v", err)
	}
	defer w.Close()
}

func TestFlowStoreCreateDuplicateFails(t *testing.T) {
	store := NewFlowStore(t.TempDir(), nil)
	desc := discreteDescriptor()
	desc.id = mxl.NewFlowID()

	if _, err := store.Create(context.Background(), desc); err != nil {
		t.Fatalf("first Create: %v", err)
	}
	if _, err := store.Create(context.Background(), desc); mxl.CodeOf(err) != mxl.Exists {
		t.Errorf("second Create returned %v, want Exists", err)
	}
}

func TestFlowStoreOpenForWriteIsExclusive(t *testing.T) {
	store := NewFlowStore(t.TempDir(), nil)
	id, err := store.Create(context.Background(), discreteDescriptor())
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	w1, err := store.OpenForWrite(id)
	if err != nil {
		t.Fatalf("first OpenForWrite: %v", err)
	}
	defer w1.Close()

	if _, err := store.OpenForWrite(id); mxl.CodeOf(err) != mxl.Conflict {
		t.Errorf("second OpenForWrite returned %v, want Conflict", err)
	}
}

func TestFlowStoreOpenForReadAllowsConcurrentReaders(t *testing.T) {
	store := NewFlowStore(t.TempDir(), nil)
	id, err := store.Create(context.Background(), discreteDescriptor())
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	r1, err := store.OpenForRead(id)
	if err != nil {
		t.Fatalf("first OpenForRead: %v", err)
	}
	defer r1.Close()

	r2, err := store.OpenForRead(id)
	if err != nil {
		t.Fatalf("second OpenForRead: %v, want success", err)
	}
	defer r2.Close()
}

func TestFlowStoreOpenForWriteNotFound(t *testing.T) {
	store := NewFlowStore(t.TempDir(), nil)
	if _, err := store.OpenForWrite(mxl.NewFlowID()); mxl.CodeOf(err) != mxl.FlowNotFound {
		t.Errorf("OpenForWrite(unknown id) returned %v, want FlowNotFound", err)
	}
}

func TestFlowStoreEnumerate(t *testing.T) {
	store := NewFlowStore(t.TempDir(), nil)
	var ids []mxl.FlowID
	for i := 0; i < 3; i++ {
		id, err := store.Create(context.Background(), discreteDescriptor())
		if err != nil {
			t.Fatalf("Create: %v", err)
		}
		ids = append(ids, id)
	}

	got, err := store.Enumerate(context.Background())
	if err != nil {
		t.Fatalf("Enumerate: %v", err)
	}
	if len(got) != len(ids) {
		t.Fatalf("Enumerate returned %d flows, want %d", len(got), len(ids))
	}
}

func TestFlowStoreEnumerateEmptyDomain(t *testing.T) {
	store := NewFlowStore(t.TempDir(), nil)
	got, err := store.Enumerate(context.Background())
	if err != nil {
		t.Fatalf("Enumerate: %v", err)
	}
	if len(got) != 0 {
		t.Errorf("Enumerate on an empty domain returned %d flows, want 0", len(got))
	}
}

func TestFlowStoreDestroyRequiresExclusiveLock(t *testing.T) {
	store := NewFlowStore(t.TempDir(), nil)
	id, err := store.Create(context.Background(), discreteDescriptor())
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	r, err := store.OpenForRead(id)
	if err != nil {
		t.Fatalf("OpenForRead: %v", err)
	}
	defer r.Close()

	if err := store.Destroy(context.Background(), id, r.data.Segment()); mxl.CodeOf(err) != mxl.InvalidState {
		t.Errorf("Destroy with a shared-locked segment returned %v, want InvalidState", err)
	}
}

func TestFlowStoreDestroyRemovesDirectory(t *testing.T) {
	store := NewFlowStore(t.TempDir(), nil)
	id, err := store.Create(context.Background(), discreteDescriptor())
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	w, err := store.OpenForWrite(id)
	if err != nil {
		t.Fatalf("OpenForWrite: %v", err)
	}

	if err := store.Destroy(context.Background(), id, w.data.Segment()); err != nil {
		t.Fatalf("Destroy: %v", err)
	}
	if store.Exists(context.Background(), id) {
		t.Errorf("Exists(%v) = true after Destroy", id)
	}
}

func TestFlowStoreGCDestroysIdleFlows(t *testing.T) {
	store := NewFlowStore(t.TempDir(), nil)
	id, err := store.Create(context.Background(), discreteDescriptor())
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	// Create() only stamps the inode; the last-read/write timestamps are
	// both zero-value, which is already far older than any historyDuration.
	destroyed, err := store.GC(context.Background(), time.Millisecond)
	if err != nil {
		t.Fatalf("GC: %v", err)
	}
	if len(destroyed) != 1 || destroyed[0] != id {
		t.Fatalf("GC destroyed %v, want [%v]", destroyed, id)
	}
	if store.Exists(context.Background(), id) {
		t.Errorf("Exists(%v) = true after GC", id)
	}
}

func TestFlowStoreGCSkipsAttachedWriter(t *testing.T) {
	store := NewFlowStore(t.TempDir(), nil)
	id, err := store.Create(context.Background(), discreteDescriptor())
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	w, err := store.OpenForWrite(id)
	if err != nil {
		t.Fatalf("OpenForWrite: %v", err)
	}
	defer w.Close()

	destroyed, err := store.GC(context.Background(), time.Millisecond)
	if err != nil {
		t.Fatalf("GC: %v", err)
	}
	if len(destroyed) != 0 {
		t.Errorf("GC destroyed %v while a writer was attached, want none", destroyed)
	}
}
