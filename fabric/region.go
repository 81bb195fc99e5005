package fabric

import (
	"fmt"
	"unsafe"

	"github.com/media-exchange/mxl"
	"github.com/media-exchange/mxl/storage"
)

// Location identifies where a Region's bytes physically live (spec §4.9).
type Location struct {
	Kind     LocationKind
	DeviceID int
}

// LocationKind enumerates the memory kinds a Region can describe.
type LocationKind int

const (
	LocationHost LocationKind = iota
	LocationCUDA
)

// HostLocation is the Location value for ordinary host memory.
var HostLocation = Location{Kind: LocationHost}

// CUDALocation returns the Location value for device memory on the given
// CUDA device. No pack repo binds CUDA; this repo never actually
// allocates device memory, but the type exists so RegionGroup's shape
// matches spec §4.9 exactly and a future host/device provider can fill it
// in without an API break.
func CUDALocation(deviceID int) Location {
	return Location{Kind: LocationCUDA, DeviceID: deviceID}
}

// Region is (base address, size, location) describing one contiguous span
// of a flow's shared memory footprint (spec §4.9).
type Region struct {
	base     uintptr
	bytes    []byte
	Location Location
}

func regionOf(b []byte, loc Location) Region {
	var base uintptr
	if len(b) > 0 {
		base = uintptr(unsafe.Pointer(&b[0]))
	}
	return Region{base: base, bytes: b, Location: loc}
}

// Base returns the region's local base address. Meaningful only for
// comparing against other regions from the same process.
func (r Region) Base() uintptr { return r.base }

// Len returns the region's size in bytes.
func (r Region) Len() int { return len(r.bytes) }

// Bytes returns the region's backing slice, for the tcp provider's direct
// read/write path (spec §4.7 notes the tcp provider cannot claim hardware
// RDMA's copy-avoidance even though the public API's zero-copy contract is
// preserved at the caller boundary).
func (r Region) Bytes() []byte { return r.bytes }

// RegionGroup is an ordered list of Regions describing a flow's full
// shared-memory footprint (spec §4.9).
type RegionGroup []Region

// DiscreteRegionGroup builds one Region per grain slot, in slot order,
// each covering the grain's header+payload (spec §4.9 "Discrete: one
// Region per grain... in slot order").
func DiscreteRegionGroup(fd *storage.DiscreteFlowData) RegionGroup {
	count := fd.Info().Discrete().GrainCount()
	group := make(RegionGroup, count)
	for slot := uint32(0); slot < count; slot++ {
		group[slot] = regionOf(fd.GrainSegment(uint64(slot)).Bytes(), HostLocation)
	}
	return group
}

// ContinuousRegionGroup builds the single Region covering the whole
// channel-data block (spec §4.9 "Continuous: a single Region covering the
// whole channel-data block").
func ContinuousRegionGroup(cd *storage.ContinuousFlowData) RegionGroup {
	geo := cd.Info().Continuous()
	total := int64(geo.ChannelCount()) * geo.ChannelBufferBytes()
	full := cd.Segment().Bytes()
	start := int64(len(full)) - total
	return RegionGroup{regionOf(full[start:], HostLocation)}
}

// LocalRegion is the local descriptor used when posting write operations
// (spec §4.9).
type LocalRegion struct {
	Addr uintptr
	Len  int
	desc string
}

// RemoteRegion is advertised to peers for one-sided writes (spec §4.9). If
// the provider reports virtual-address mode, Addr carries the registered
// virtual address; otherwise it is zero and the peer uses offset-0
// semantics.
type RemoteRegion struct {
	Addr uint64
	Len  uint64
	RKey string
}

// MemoryRegion is the registration handle yielded by registering a
// RegionGroup with a provider (spec §4.9).
type MemoryRegion struct {
	provider Provider
	group    RegionGroup
	locals   []LocalRegion
	remotes  []RemoteRegion
}

// Register registers group with provider, yielding local descriptors and
// remote keys for every region in order (spec §4.9 "Registration yields a
// MemoryRegion handle").
func Register(provider Provider, group RegionGroup) (*MemoryRegion, error) {
	if len(group) == 0 {
		return nil, mxl.NewError(mxl.InvalidArg, fmt.Errorf("cannot register an empty region group"))
	}
	mr := &MemoryRegion{provider: provider, group: group}
	for i, r := range group {
		mr.locals = append(mr.locals, LocalRegion{Addr: r.base, Len: r.Len(), desc: fmt.Sprintf("local:%d", i)})
		addr := uint64(0)
		if provider.VirtualAddressMode() {
			addr = uint64(r.base)
		}
		mr.remotes = append(mr.remotes, RemoteRegion{Addr: addr, Len: uint64(r.Len()), RKey: fmt.Sprintf("rkey:%d", i)})
	}
	return mr, nil
}

// Group returns the underlying RegionGroup.
func (m *MemoryRegion) Group() RegionGroup { return m.group }

// Locals returns the local descriptors, index-aligned with the group.
func (m *MemoryRegion) Locals() []LocalRegion { return m.locals }

// Remotes returns the advertised remote descriptors, index-aligned with
// the group, for out-of-band exchange via TargetInfo.
func (m *MemoryRegion) Remotes() []RemoteRegion { return m.remotes }
