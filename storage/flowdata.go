package storage

import (
	"fmt"

	"github.com/media-exchange/mxl"
	"github.com/media-exchange/mxl/flow"
)

// CurrentVersion is the FlowInfo header format version this build writes
// and accepts (spec §4.2 "verify version and size").
const CurrentVersion uint32 = 1

// Handle is the small capability interface that FlowData satisfies, both
// before and after promotion to its concrete variant (spec §9
// "Polymorphism without inheritance"): readers and writers only see
// variant-specific operations through the typed handle built on top of
// this.
type Handle interface {
	Info() flow.Info
	Close() error
}

// FlowData is the common state shared by the discrete and continuous
// variants: the "data" file's segment and its typed header view
// (spec §4.2).
type FlowData struct {
	seg  *SharedSegment
	info flow.Info
}

// openFlowData wraps seg's bytes as a FlowInfo header and validates the
// version (spec §4.2 "Flow open ... verify version and size").
func openFlowData(seg *SharedSegment) (FlowData, error) {
	info, err := flow.NewInfo(seg.Bytes())
	if err != nil {
		return FlowData{}, err
	}
	if info.Version() != CurrentVersion {
		return FlowData{}, mxl.NewError(mxl.FlowInvalid,
			fmt.Errorf("flow header version %d, want %d", info.Version(), CurrentVersion))
	}
	return FlowData{seg: seg, info: info}, nil
}

// Info returns the typed FlowInfo header view.
func (d FlowData) Info() flow.Info { return d.info }

// Segment returns the backing SharedSegment for the "data" file.
func (d FlowData) Segment() *SharedSegment { return d.seg }

// Close releases the "data" file segment.
func (d FlowData) Close() error { return d.seg.Close() }

// DiscreteFlowData is a FlowData promoted to the discrete variant: a ring
// of grainCount per-slot SharedSegments, each holding one grain file
// (spec §4.2).
type DiscreteFlowData struct {
	FlowData
	grains []*SharedSegment // len == GrainCount(), ordered by slot
}

// Slot returns the ring position for a logical grain index (spec §3:
// "Slot for index i is i mod grainCount").
func (d *DiscreteFlowData) Slot(index uint64) uint64 {
	return index % uint64(d.Info().Discrete().GrainCount())
}

// GrainSegment returns the SharedSegment for the given ring slot.
func (d *DiscreteFlowData) GrainSegment(slot uint64) *SharedSegment {
	return d.grains[slot]
}

// Close releases the header segment and every grain segment.
func (d *DiscreteFlowData) Close() error {
	var firstErr error
	for _, g := range d.grains {
		if err := g.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if err := d.FlowData.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

// ContinuousFlowData is a FlowData promoted to the continuous variant: the
// per-channel sample buffers live in the same segment immediately after
// the FlowInfo header (spec §4.2).
type ContinuousFlowData struct {
	FlowData
}

// ChannelRegion returns the full backing bytes for channel ch's ring
// buffer (spec §3 ContinuousFlow: "channelCount per-channel ring buffers
// of bufferLength samples").
func (c *ContinuousFlowData) ChannelRegion(ch uint32) []byte {
	geo := c.Info().Continuous()
	bufBytes := geo.ChannelBufferBytes()
	start := int64(flow.FlowInfoSize) + int64(ch)*bufBytes
	data := c.Segment().Bytes()
	return data[start : start+bufBytes]
}

// openDiscreteFlowData promotes fd to the discrete variant given the
// already-opened per-slot grain segments, in slot order.
func openDiscreteFlowData(fd FlowData, grains []*SharedSegment) (*DiscreteFlowData, error) {
	want := fd.Info().Discrete().GrainCount()
	if uint32(len(grains)) != want {
		return nil, mxl.NewError(mxl.FlowInvalid,
			fmt.Errorf("opened %d grain segments, header declares %d", len(grains), want))
	}
	return &DiscreteFlowData{FlowData: fd, grains: grains}, nil
}

// openContinuousFlowData promotes fd to the continuous variant, validating
// that the segment is large enough to hold every channel's buffer
// (spec §4.2).
func openContinuousFlowData(fd FlowData) (*ContinuousFlowData, error) {
	geo := fd.Info().Continuous()
	want := int64(flow.FlowInfoSize) + int64(geo.ChannelCount())*geo.ChannelBufferBytes()
	if int64(fd.Segment().Len()) < want {
		return nil, mxl.NewError(mxl.FlowInvalid,
			fmt.Errorf("segment is %d bytes, continuous geometry requires %d", fd.Segment().Len(), want))
	}
	return &ContinuousFlowData{FlowData: fd}, nil
}
