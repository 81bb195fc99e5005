package storage

import (
	"context"
	"testing"

	"github.com/media-exchange/mxl"
	"github.com/media-exchange/mxl/flow"
)

func openDiscreteWriter(t *testing.T) (*FlowStore, mxl.FlowID, *FlowWriter) {
	t.Helper()
	store := NewFlowStore(t.TempDir(), nil)
	id, err := store.Create(context.Background(), discreteDescriptor())
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	w, err := store.OpenForWrite(id)
	if err != nil {
		t.Fatalf("OpenForWrite: %v", err)
	}
	return store, id, w
}

func openContinuousWriter(t *testing.T) (*FlowStore, mxl.FlowID, *FlowWriter) {
	t.Helper()
	store := NewFlowStore(t.TempDir(), nil)
	id, err := store.Create(context.Background(), continuousDescriptor())
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	w, err := store.OpenForWrite(id)
	if err != nil {
		t.Fatalf("OpenForWrite: %v", err)
	}
	return store, id, w
}

func TestFlowWriterOpenGrainCommitAdvancesHead(t *testing.T) {
	_, _, w := openDiscreteWriter(t)
	defer w.Close()

	g, payload, err := w.OpenGrain(0)
	if err != nil {
		t.Fatalf("OpenGrain(0): %v", err)
	}
	copy(payload, []byte("hello"))
	g.SetValidSlices(1)
	g.SetTotalSlices(1)
	if err := w.Commit(g); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	if got := w.data.Info().HeadIndex(); got != 0 {
		t.Errorf("HeadIndex() = %d, want 0 after first commit", got)
	}
	if got := w.data.Info().SyncCounter(); got == 0 {
		t.Errorf("SyncCounter() = 0, want non-zero after a commit")
	}
}

func TestFlowWriterOpenGrainRejectsIndexBeforeHead(t *testing.T) {
	_, _, w := openDiscreteWriter(t)
	defer w.Close()

	g, _, err := w.OpenGrain(5)
	if err != nil {
		t.Fatalf("OpenGrain(5): %v", err)
	}
	g.SetValidSlices(1)
	g.SetTotalSlices(1)
	if err := w.Commit(g); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	if _, _, err := w.OpenGrain(2); mxl.CodeOf(err) != mxl.InvalidArg {
		t.Errorf("OpenGrain(2) after head 5 returned %v, want InvalidArg", err)
	}
}

func TestFlowWriterCancelLeavesInvalidFlagAndHeadUnmoved(t *testing.T) {
	_, _, w := openDiscreteWriter(t)
	defer w.Close()

	g, _, err := w.OpenGrain(0)
	if err != nil {
		t.Fatalf("OpenGrain(0): %v", err)
	}
	if err := w.Cancel(); err != nil {
		t.Fatalf("Cancel: %v", err)
	}

	if got := w.data.Info().HeadIndex(); got != -1 {
		t.Errorf("HeadIndex() = %d, want -1 (unmoved) after cancel", got)
	}
	slot := w.data.Slot(0)
	seg := w.data.GrainSegment(slot)
	if !flow.NewGrainInfo(seg.Bytes()).Invalid() {
		t.Errorf("canceled grain slot is not flagged invalid")
	}
}

func TestFlowWriterCommitWithoutOpenGrainFails(t *testing.T) {
	_, _, w := openDiscreteWriter(t)
	defer w.Close()

	if err := w.Commit(flow.GrainInfo{}); mxl.CodeOf(err) != mxl.InvalidState {
		t.Errorf("Commit without OpenGrain returned %v, want InvalidState", err)
	}
}

func TestFlowWriterOpenSamplesOnDiscreteFails(t *testing.T) {
	_, _, w := openDiscreteWriter(t)
	defer w.Close()

	if _, err := w.OpenSamples(0, 4); mxl.CodeOf(err) != mxl.InvalidFlowWriter {
		t.Errorf("OpenSamples on a discrete writer returned %v, want InvalidFlowWriter", err)
	}
}

func TestFlowWriterCommitSamplesAdvancesHeadByCount(t *testing.T) {
	_, _, w := openContinuousWriter(t)
	defer w.Close()

	slice, err := w.OpenSamples(0, 100)
	if err != nil {
		t.Fatalf("OpenSamples: %v", err)
	}
	if got := len(slice.Channels); got != 2 {
		t.Fatalf("len(Channels) = %d, want 2", got)
	}
	if err := w.CommitSamples(); err != nil {
		t.Fatalf("CommitSamples: %v", err)
	}
	if got := w.cont.Info().HeadIndex(); got != 99 {
		t.Errorf("HeadIndex() = %d, want 99 after committing 100 samples starting at 0", got)
	}

	slice2, err := w.OpenSamples(100, 50)
	if err != nil {
		t.Fatalf("second OpenSamples: %v", err)
	}
	if err := w.CommitSamples(); err != nil {
		t.Fatalf("second CommitSamples: %v", err)
	}
	if got := w.cont.Info().HeadIndex(); got != 149 {
		t.Errorf("HeadIndex() = %d, want 149 after a second batch of 50", got)
	}
	_ = slice2
}

func TestFlowWriterOpenSamplesWrapsAroundRing(t *testing.T) {
	_, _, w := openContinuousWriter(t)
	defer w.Close()

	// buffer_length is 1024 (continuousDescriptor); request a span that
	// crosses the wrap point to exercise the two-fragment split.
	slice, err := w.OpenSamples(1000, 48)
	if err != nil {
		t.Fatalf("OpenSamples: %v", err)
	}
	for _, ch := range slice.Channels {
		if len(ch.Fragments) != 2 {
			t.Fatalf("len(Fragments) = %d, want 2 for a span crossing the ring wrap", len(ch.Fragments))
		}
		firstLen := len(ch.Fragments[0].Data)
		secondLen := len(ch.Fragments[1].Data)
		sampleSize := 4
		if firstLen != 24*sampleSize || secondLen != 24*sampleSize {
			t.Errorf("fragment split = (%d, %d) bytes, want (96, 96)", firstLen, secondLen)
		}
	}
}

func TestFlowWriterOpenGrainOnContinuousFails(t *testing.T) {
	_, _, w := openContinuousWriter(t)
	defer w.Close()

	if _, _, err := w.OpenGrain(0); mxl.CodeOf(err) != mxl.InvalidFlowWriter {
		t.Errorf("OpenGrain on a continuous writer returned %v, want InvalidFlowWriter", err)
	}
}
