package storage

import (
	"fmt"
	"time"

	"github.com/media-exchange/mxl"
	"github.com/media-exchange/mxl/flow"
)

// FlowWriter is the single-producer state machine over a flow's data
// (spec §4.3). It is only ever constructed over a FlowData whose segment
// holds the exclusive lock; a second writer attaching to the same flow
// fails at the storage.Open(WriteExclusive) call with Conflict.
type FlowWriter struct {
	data *DiscreteFlowData
	cont *ContinuousFlowData

	openIndex    int64
	open         bool
	pendingCount uint32 // continuous variant only: count passed to the most recent OpenSamples
}

// NewDiscreteFlowWriter wraps an exclusively-locked DiscreteFlowData.
func NewDiscreteFlowWriter(d *DiscreteFlowData) (*FlowWriter, error) {
	if d.Segment().LockKind() != ExclusiveLock {
		return nil, mxl.NewError(mxl.InvalidFlowWriter, fmt.Errorf("flow writer requires the exclusive lock"))
	}
	return &FlowWriter{data: d}, nil
}

// NewContinuousFlowWriter wraps an exclusively-locked ContinuousFlowData.
func NewContinuousFlowWriter(c *ContinuousFlowData) (*FlowWriter, error) {
	if c.Segment().LockKind() != ExclusiveLock {
		return nil, mxl.NewError(mxl.InvalidFlowWriter, fmt.Errorf("flow writer requires the exclusive lock"))
	}
	return &FlowWriter{cont: c}, nil
}

// OpenGrain returns the GrainInfo header and payload slice for the slot
// backing index, so the caller can fill them in place before Commit (spec
// §4.3 "openGrain"). index must be ≥ the current headIndex; indices far
// beyond head + one ring are accepted — the writer is time-skipping.
func (w *FlowWriter) OpenGrain(index uint64) (flow.GrainInfo, []byte, error) {
	if w.data == nil {
		return flow.GrainInfo{}, nil, mxl.NewError(mxl.InvalidFlowWriter, fmt.Errorf("not a discrete flow writer"))
	}
	head := w.data.Info().HeadIndex()
	if int64(index) < head {
		return flow.GrainInfo{}, nil, mxl.NewError(mxl.InvalidArg,
			fmt.Errorf("openGrain(%d) precedes headIndex %d", index, head))
	}
	slot := w.data.Slot(index)
	seg := w.data.GrainSegment(slot)
	g := flow.NewGrainInfo(seg.Bytes())
	w.openIndex = int64(index)
	w.open = true
	return g, g.Payload(), nil
}

// Commit publishes the grain opened by the most recent OpenGrain: it
// writes g back into the slot, advances headIndex, updates lastWriteTime,
// and bumps syncCounter with release semantics to wake waiting readers
// (spec §4.3 "commit", invariant 6). The writer is responsible for the
// happens-before ordering: payload bytes must already be visible in g's
// backing slice before Commit is called.
func (w *FlowWriter) Commit(g flow.GrainInfo) error {
	if w.data == nil {
		return mxl.NewError(mxl.InvalidFlowWriter, fmt.Errorf("not a discrete flow writer"))
	}
	if !w.open {
		return mxl.NewError(mxl.InvalidState, fmt.Errorf("commit without a matching openGrain"))
	}
	info := w.data.Info()
	head := info.HeadIndex()
	if w.openIndex > head {
		info.SetHeadIndex(w.openIndex)
	}
	g.SetTimestamp(time.Now())
	g.SetFlags(g.Flags() &^ flow.GrainFlagInvalid)
	info.TouchWrite()
	info.BumpSyncCounter()
	w.open = false
	return nil
}

// Cancel discards the grain opened by the most recent OpenGrain without
// advancing headIndex, leaving MXL_GRAIN_FLAG_INVALID set on the slot so a
// racing reader that sampled it mid-write observes an explicit error
// instead of partial content (spec §4.3 "cancel").
func (w *FlowWriter) Cancel() error {
	if w.data == nil {
		return mxl.NewError(mxl.InvalidFlowWriter, fmt.Errorf("not a discrete flow writer"))
	}
	if !w.open {
		return mxl.NewError(mxl.InvalidState, fmt.Errorf("cancel without a matching openGrain"))
	}
	slot := w.data.Slot(uint64(w.openIndex))
	seg := w.data.GrainSegment(slot)
	g := flow.NewGrainInfo(seg.Bytes())
	g.SetFlags(g.Flags() | flow.GrainFlagInvalid)
	w.open = false
	return nil
}

// OpenSamples returns a multi-buffer slice spanning [index, index+count)
// across every channel, split into at most two fragments per channel
// where the range crosses the ring's wrap point (spec §4.3 "openSamples",
// invariant 7). The caller writes sample bytes directly into the returned
// fragments before Commit.
func (w *FlowWriter) OpenSamples(index uint64, count uint32) (flow.MultiBufferSlice, error) {
	if w.cont == nil {
		return flow.MultiBufferSlice{}, mxl.NewError(mxl.InvalidFlowWriter, fmt.Errorf("not a continuous flow writer"))
	}
	slice, err := sliceChannels(w.cont, index, count)
	if err != nil {
		return flow.MultiBufferSlice{}, err
	}
	w.openIndex = int64(index)
	w.open = true
	w.pendingCount = count
	return slice, nil
}

// CommitSamples advances headIndex by the count passed to the most recent
// OpenSamples call and bumps syncCounter once for the whole batch (spec
// §4.3 "commit() advances headIndex by count"; Open Question 3 in
// SPEC_FULL.md records the decision that commit takes no count argument
// of its own).
func (w *FlowWriter) CommitSamples() error {
	if w.cont == nil {
		return mxl.NewError(mxl.InvalidFlowWriter, fmt.Errorf("not a continuous flow writer"))
	}
	if !w.open {
		return mxl.NewError(mxl.InvalidState, fmt.Errorf("commit without a matching openSamples"))
	}
	info := w.cont.Info()
	newHead := info.HeadIndex() + int64(w.pendingCount)
	if newHead > info.HeadIndex() {
		info.SetHeadIndex(newHead)
	}
	info.TouchWrite()
	info.BumpSyncCounter()
	w.open = false
	return nil
}

// sliceChannels computes the per-channel fragment split for [index,
// index+count) against the continuous flow's ring geometry.
func sliceChannels(c *ContinuousFlowData, index uint64, count uint32) (flow.MultiBufferSlice, error) {
	geo := c.Info().Continuous()
	bufLen := geo.BufferLength()
	sampleSize := int64(geo.SampleSize())
	if bufLen == 0 {
		return flow.MultiBufferSlice{}, mxl.NewError(mxl.FlowInvalid, fmt.Errorf("continuous flow has zero buffer length"))
	}

	start := index % bufLen
	channels := make([]flow.ChannelSlice, geo.ChannelCount())
	for ch := uint32(0); ch < geo.ChannelCount(); ch++ {
		region := c.ChannelRegion(ch)
		channels[ch] = fragmentsFor(region, start, uint64(count), bufLen, sampleSize)
	}
	return flow.MultiBufferSlice{Channels: channels, Stride: geo.ChannelBufferBytes()}, nil
}

// fragmentsFor splits a [start, start+count) sample range (modulo bufLen)
// within region into one or two contiguous byte fragments.
func fragmentsFor(region []byte, start, count, bufLen uint64, sampleSize int64) flow.ChannelSlice {
	firstRun := count
	if start+count > bufLen {
		firstRun = bufLen - start
	}
	first := flow.Fragment{Data: region[int64(start)*sampleSize : int64(start+firstRun)*sampleSize]}
	if firstRun == count {
		return flow.ChannelSlice{Fragments: []flow.Fragment{first}}
	}
	secondRun := count - firstRun
	second := flow.Fragment{Data: region[0 : int64(secondRun)*sampleSize]}
	return flow.ChannelSlice{Fragments: []flow.Fragment{first, second}}
}

// Discrete returns the writer's underlying DiscreteFlowData, or nil if w
// wraps a continuous flow. Exposed so a fabric provider can build a
// RegionGroup over the same grain segments the writer commits into
// (spec §4.9).
func (w *FlowWriter) Discrete() *DiscreteFlowData { return w.data }

// Continuous returns the writer's underlying ContinuousFlowData, or nil if
// w wraps a discrete flow (spec §4.9).
func (w *FlowWriter) Continuous() *ContinuousFlowData { return w.cont }

// Close releases the writer's underlying segments.
func (w *FlowWriter) Close() error {
	if w.data != nil {
		return w.data.Close()
	}
	return w.cont.Close()
}
