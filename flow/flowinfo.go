package flow

import (
	"fmt"
	"sync/atomic"
	"time"
	"unsafe"

	"github.com/google/uuid"

	"github.com/media-exchange/mxl"
)

// Info is a typed view over the first FlowInfoSize bytes of a flow's data
// segment (spec §3 FlowInfo, §6). It never copies; every accessor reads or
// writes directly through the backing slice.
type Info struct {
	b []byte // len(b) == FlowInfoSize
}

// NewInfo wraps seg, which must be at least FlowInfoSize bytes.
func NewInfo(seg []byte) (Info, error) {
	if len(seg) < FlowInfoSize {
		return Info{}, mxl.NewError(mxl.FlowInvalid,
			fmt.Errorf("segment too small: got %d bytes, want at least %d", len(seg), FlowInfoSize))
	}
	return Info{b: seg[:FlowInfoSize]}, nil
}

// Version returns the header format version.
func (f Info) Version() uint32 { return byteOrder.Uint32(f.b[offVersion:]) }

// SetVersion sets the header format version.
func (f Info) SetVersion(v uint32) { byteOrder.PutUint32(f.b[offVersion:], v) }

// Size returns the size field recorded at header-init time.
func (f Info) Size() uint32 { return byteOrder.Uint32(f.b[offSize:]) }

// SetSize sets the size field.
func (f Info) SetSize(v uint32) { byteOrder.PutUint32(f.b[offSize:], v) }

// UUID returns the flow's immutable identifier.
func (f Info) UUID() mxl.FlowID {
	var u uuid.UUID
	copy(u[:], f.b[cOffUUID:cOffUUID+16])
	return mxl.FlowID(u)
}

// SetUUID sets the flow's immutable identifier.
func (f Info) SetUUID(id mxl.FlowID) {
	copy(f.b[cOffUUID:cOffUUID+16], id[:])
}

// Format returns the flow's variant/media-kind tag.
func (f Info) Format() Format { return Format(byteOrder.Uint32(f.b[cOffFormat:])) }

// SetFormat sets the flow's variant/media-kind tag.
func (f Info) SetFormat(v Format) { byteOrder.PutUint32(f.b[cOffFormat:], uint32(v)) }

// Rate returns the grain/sample rate as a numerator/denominator pair.
func (f Info) Rate() (numerator, denominator uint32) {
	return byteOrder.Uint32(f.b[cOffRateNum:]), byteOrder.Uint32(f.b[cOffRateDen:])
}

// SetRate sets the grain/sample rate.
func (f Info) SetRate(numerator, denominator uint32) {
	byteOrder.PutUint32(f.b[cOffRateNum:], numerator)
	byteOrder.PutUint32(f.b[cOffRateDen:], denominator)
}

// DeviceIndex returns the payload-location device hint (spec §3).
func (f Info) DeviceIndex() uint32 { return byteOrder.Uint32(f.b[cOffDeviceIdx:]) }

// SetDeviceIndex sets the payload-location device hint.
func (f Info) SetDeviceIndex(v uint32) { byteOrder.PutUint32(f.b[cOffDeviceIdx:], v) }

// Inode returns the captured identity of the data file at creation time
// (spec §3 FlowState.inode), used to detect a recreated flow.
func (f Info) Inode() uint64 { return byteOrder.Uint64(f.b[cOffInode:]) }

// SetInode sets the captured inode identity.
func (f Info) SetInode(v uint64) { byteOrder.PutUint64(f.b[cOffInode:], v) }

// headPtr returns an atomic view over the 8-byte headIndex field.
func (f Info) headPtr() *atomic.Uint64 {
	return (*atomic.Uint64)(unsafe.Pointer(&f.b[cOffHeadIndex]))
}

// HeadIndex returns the logical index of the most recently committed
// grain/sample batch, loaded with acquire semantics (spec §3 invariant 3).
func (f Info) HeadIndex() int64 { return int64(f.headPtr().Load()) }

// SetHeadIndex publishes a new headIndex with release semantics. It is the
// writer's exclusive responsibility to call this, and only after the
// corresponding payload bytes are visible (spec §4.3).
func (f Info) SetHeadIndex(v int64) { f.headPtr().Store(uint64(v)) }

// syncPtr returns an atomic view over the 4-byte syncCounter field.
func (f Info) syncPtr() *atomic.Uint32 {
	return (*atomic.Uint32)(unsafe.Pointer(&f.b[cOffSyncCounter]))
}

// SyncCounter returns the 32-bit futex-style counter, loaded with acquire
// semantics (spec §3 FlowState.syncCounter).
func (f Info) SyncCounter() uint32 { return f.syncPtr().Load() }

// BumpSyncCounter increments the sync counter with release semantics and
// returns the new value. Only a FlowWriter calls this, after SetHeadIndex
// (spec §4.3 "Ordering"), which is what wakes readers blocked in the
// wait-on-value loop (spec §5 "happens-before ... wake").
func (f Info) BumpSyncCounter() uint32 { return f.syncPtr().Add(1) }

// LastWriteTime returns the last-write timestamp.
func (f Info) LastWriteTime() time.Time {
	return time.Unix(0, int64(byteOrder.Uint64(f.b[cOffLastWriteNs:])))
}

// TouchWrite stamps the last-write timestamp with the current time. Only a
// FlowWriter calls this, as part of Commit (spec §4.3).
func (f Info) TouchWrite() {
	byteOrder.PutUint64(f.b[cOffLastWriteNs:], uint64(time.Now().UnixNano()))
}

// LastReadTime returns the last-read timestamp.
func (f Info) LastReadTime() time.Time {
	return time.Unix(0, int64(byteOrder.Uint64(f.b[cOffLastReadNs:])))
}

// TouchRead stamps the last-read timestamp with the current time. Called
// by a FlowReader after a successful get (spec §4.4 step 5).
func (f Info) TouchRead() {
	byteOrder.PutUint64(f.b[cOffLastReadNs:], uint64(time.Now().UnixNano()))
}

// Discrete returns the discrete-variant geometry view. Callers must check
// Format().IsDiscrete() first.
func (f Info) Discrete() DiscreteGeometry {
	return DiscreteGeometry{b: f.b[offVariant : offVariant+variantLen]}
}

// Continuous returns the continuous-variant geometry view. Callers must
// check !Format().IsDiscrete() first.
func (f Info) Continuous() ContinuousGeometry {
	return ContinuousGeometry{b: f.b[offVariant : offVariant+variantLen]}
}

// DiscreteGeometry is the 64-byte discrete-variant union of FlowInfo.
type DiscreteGeometry struct{ b []byte }

// GrainCount returns the ring's slot count.
func (g DiscreteGeometry) GrainCount() uint32 { return byteOrder.Uint32(g.b[dOffGrainCount-offVariant:]) }

// SetGrainCount sets the ring's slot count.
func (g DiscreteGeometry) SetGrainCount(v uint32) {
	byteOrder.PutUint32(g.b[dOffGrainCount-offVariant:], v)
}

// PayloadSize returns the per-grain payload size in bytes.
func (g DiscreteGeometry) PayloadSize() uint32 {
	return byteOrder.Uint32(g.b[dOffPayloadSize-offVariant:])
}

// SetPayloadSize sets the per-grain payload size in bytes.
func (g DiscreteGeometry) SetPayloadSize(v uint32) {
	byteOrder.PutUint32(g.b[dOffPayloadSize-offVariant:], v)
}

// GrainFileSize returns the fixed size of one grain file (spec §6:
// "4096 + payloadSize").
func (g DiscreteGeometry) GrainFileSize() int64 {
	return int64(GrainInfoSize) + int64(g.PayloadSize())
}

// ContinuousGeometry is the 64-byte continuous-variant union of FlowInfo.
type ContinuousGeometry struct{ b []byte }

// ChannelCount returns the number of per-channel ring buffers.
func (g ContinuousGeometry) ChannelCount() uint32 {
	return byteOrder.Uint32(g.b[cnOffChannelCount-offVariant:])
}

// SetChannelCount sets the number of per-channel ring buffers.
func (g ContinuousGeometry) SetChannelCount(v uint32) {
	byteOrder.PutUint32(g.b[cnOffChannelCount-offVariant:], v)
}

// BufferLength returns the number of samples held per channel.
func (g ContinuousGeometry) BufferLength() uint64 {
	return byteOrder.Uint64(g.b[cnOffBufferLength-offVariant:])
}

// SetBufferLength sets the number of samples held per channel.
func (g ContinuousGeometry) SetBufferLength(v uint64) {
	byteOrder.PutUint64(g.b[cnOffBufferLength-offVariant:], v)
}

// SampleSize returns the size in bytes of one sample.
func (g ContinuousGeometry) SampleSize() uint32 {
	return byteOrder.Uint32(g.b[cnOffSampleSize-offVariant:])
}

// SetSampleSize sets the size in bytes of one sample.
func (g ContinuousGeometry) SetSampleSize(v uint32) {
	byteOrder.PutUint32(g.b[cnOffSampleSize-offVariant:], v)
}

// ChannelBufferBytes returns the byte length of one channel's ring buffer.
func (g ContinuousGeometry) ChannelBufferBytes() int64 {
	return int64(g.BufferLength()) * int64(g.SampleSize())
}
