package flow

import "time"

// GrainInfo is a typed view over a grain file: a GrainInfoSize-byte header
// followed by its payload (spec §3, §6).
type GrainInfo struct {
	full []byte // header + payload
	b    []byte // header only, b == full[:GrainInfoSize]
}

// NewGrainInfo wraps seg, the full grain slot (header+payload), which must
// be at least GrainInfoSize bytes.
func NewGrainInfo(seg []byte) GrainInfo {
	return GrainInfo{full: seg, b: seg[:GrainInfoSize]}
}

// Flags returns the grain's flag bitfield.
func (g GrainInfo) Flags() uint32 { return byteOrder.Uint32(g.b[gOffFlags:]) }

// SetFlags sets the grain's flag bitfield.
func (g GrainInfo) SetFlags(v uint32) { byteOrder.PutUint32(g.b[gOffFlags:], v) }

// Invalid reports whether the MXL_GRAIN_FLAG_INVALID bit is set (spec
// §4.3 "cancel").
func (g GrainInfo) Invalid() bool { return g.Flags()&GrainFlagInvalid != 0 }

// ValidSlices returns the number of scatter-gather slices actually
// populated in this commit.
func (g GrainInfo) ValidSlices() uint32 { return byteOrder.Uint32(g.b[gOffValidSlices:]) }

// SetValidSlices sets the number of valid slices.
func (g GrainInfo) SetValidSlices(v uint32) { byteOrder.PutUint32(g.b[gOffValidSlices:], v) }

// TotalSlices returns the total slice count this grain format defines.
func (g GrainInfo) TotalSlices() uint32 { return byteOrder.Uint32(g.b[gOffTotalSlices:]) }

// SetTotalSlices sets the total slice count.
func (g GrainInfo) SetTotalSlices(v uint32) { byteOrder.PutUint32(g.b[gOffTotalSlices:], v) }

// Index returns the logical grain index this slot currently represents.
func (g GrainInfo) Index() uint64 { return byteOrder.Uint64(g.b[gOffIndex:]) }

// SetIndex sets the logical grain index.
func (g GrainInfo) SetIndex(v uint64) { byteOrder.PutUint64(g.b[gOffIndex:], v) }

// Timestamp returns the grain's capture/commit timestamp.
func (g GrainInfo) Timestamp() time.Time {
	return time.Unix(0, int64(byteOrder.Uint64(g.b[gOffTimestampNs:])))
}

// SetTimestamp sets the grain's capture/commit timestamp.
func (g GrainInfo) SetTimestamp(t time.Time) {
	byteOrder.PutUint64(g.b[gOffTimestampNs:], uint64(t.UnixNano()))
}

// Payload returns the grain's payload bytes, immediately following the
// GrainInfo header within the same grain file.
func (g GrainInfo) Payload() []byte {
	return g.full[GrainInfoSize:]
}
