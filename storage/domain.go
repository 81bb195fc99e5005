package storage

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/media-exchange/mxl"
	"github.com/media-exchange/mxl/flow"
)

// flowDirSuffix names a flow's directory within a domain (spec §6).
const flowDirSuffix = ".mxl-flow"

// FlowStore owns a domain's filesystem layout: creating, finding, and
// destroying flow directories, and capturing each flow's inode at creation
// time (spec §2 "FlowStore", §3 Lifecycle).
type FlowStore struct {
	domainPath string
	fio        FileIO
}

// NewFlowStore returns a FlowStore rooted at domainPath. fio may be nil to
// use the default retrying FileIO.
func NewFlowStore(domainPath string, fio FileIO) *FlowStore {
	if fio == nil {
		fio = NewFileIO()
	}
	return &FlowStore{domainPath: domainPath, fio: fio}
}

// DomainPath returns the domain's root directory.
func (s *FlowStore) DomainPath() string { return s.domainPath }

// Create allocates a flow's directory tree and initializes its FlowInfo
// header from desc (spec §3 Lifecycle "Flow creation"). It returns the
// flow's ID (desc.ID() if non-nil, otherwise a freshly generated one).
func (s *FlowStore) Create(ctx context.Context, desc mxl.FlowDescriptor) (mxl.FlowID, error) {
	id := desc.ID()
	if id.IsNil() {
		id = mxl.NewFlowID()
	}

	dir := flowDir(s.domainPath, id)
	if s.fio.Exists(ctx, dir) {
		return mxl.NilFlowID, mxl.NewError(mxl.Exists, fmt.Errorf("flow %s already exists", id))
	}

	format, err := formatFor(desc)
	if err != nil {
		return mxl.NilFlowID, err
	}
	geometry := desc.Geometry()

	var headerSize int64
	var channelCount, bufferLength, sampleSize uint32
	if format.IsDiscrete() {
		headerSize = flow.FlowInfoSize
	} else {
		channelCount, bufferLength, sampleSize, err = continuousGeometryFrom(geometry)
		if err != nil {
			return mxl.NilFlowID, err
		}
		headerSize = continuousSegmentSize(channelCount, bufferLength, sampleSize)
	}

	if err := s.fio.MkdirAll(ctx, dir, 0o755); err != nil {
		return mxl.NilFlowID, mxl.NewError(mxl.Internal, err)
	}

	dataPath := flowDataPath(dir)
	seg, err := Open(dataPath, CreateReadWrite, headerSize)
	if err != nil {
		_ = s.fio.RemoveAll(ctx, dir)
		return mxl.NilFlowID, err
	}

	info, err := flow.NewInfo(seg.Bytes())
	if err != nil {
		seg.Close()
		_ = s.fio.RemoveAll(ctx, dir)
		return mxl.NilFlowID, err
	}
	info.SetVersion(CurrentVersion)
	info.SetSize(uint32(headerSize))
	info.SetUUID(id)
	info.SetFormat(format)
	num, den := desc.Rate()
	info.SetRate(num, den)

	inode, err := seg.Inode()
	if err != nil {
		seg.Close()
		_ = s.fio.RemoveAll(ctx, dir)
		return mxl.NilFlowID, err
	}
	info.SetInode(inode)
	// No grain or sample has been committed yet; headIndex starts at -1 so
	// that index 0 is correctly reported "too early" until the first
	// commit (spec §3 invariant 4, §4.4 step 2).
	info.SetHeadIndex(-1)

	if format.IsDiscrete() {
		if err := initDiscreteGeometry(info, geometry); err != nil {
			seg.Close()
			_ = s.fio.RemoveAll(ctx, dir)
			return mxl.NilFlowID, err
		}
		if err := s.createGrainFiles(ctx, dir, info); err != nil {
			seg.Close()
			_ = s.fio.RemoveAll(ctx, dir)
			return mxl.NilFlowID, err
		}
	} else {
		geo := info.Continuous()
		geo.SetChannelCount(channelCount)
		geo.SetBufferLength(uint64(bufferLength))
		geo.SetSampleSize(sampleSize)
	}

	if err := seg.Close(); err != nil {
		return mxl.NilFlowID, err
	}

	if err := touchSentinel(dir); err != nil {
		return mxl.NilFlowID, err
	}
	return id, nil
}

func (s *FlowStore) createGrainFiles(ctx context.Context, dir string, info flow.Info) error {
	geo := info.Discrete()
	grainsDir := flowGrainsDir(dir)
	if err := s.fio.MkdirAll(ctx, grainsDir, 0o755); err != nil {
		return mxl.NewError(mxl.Internal, err)
	}
	for slot := uint64(0); slot < uint64(geo.GrainCount()); slot++ {
		path := grainPath(grainsDir, slot)
		seg, err := Open(path, CreateReadWrite, geo.GrainFileSize())
		if err != nil {
			return err
		}
		g := flow.NewGrainInfo(seg.Bytes())
		g.SetFlags(flow.GrainFlagInvalid)
		g.SetIndex(slot)
		if err := seg.Close(); err != nil {
			return err
		}
	}
	return nil
}

func formatFor(desc mxl.FlowDescriptor) (flow.Format, error) {
	switch desc.Format() {
	case mxl.FormatVideo:
		return flow.FormatVideoDiscrete, nil
	case mxl.FormatData:
		return flow.FormatAncillaryDiscrete, nil
	case mxl.FormatAudio:
		return flow.FormatAudioContinuous, nil
	default:
		return flow.FormatUnknown, mxl.NewError(mxl.InvalidArg, fmt.Errorf("unsupported descriptor format %v", desc.Format()))
	}
}

// continuousGeometryFrom validates and extracts a continuous descriptor's
// geometry ahead of segment creation, since the segment's total size
// depends on it (unlike the discrete variant, whose header is fixed-size
// and whose grains live in separate files).
func continuousGeometryFrom(g map[string]any) (channelCount, bufferLength, sampleSize uint32, err error) {
	if channelCount, err = geomUint32(g, "channel_count"); err != nil {
		return 0, 0, 0, err
	}
	if bufferLength, err = geomUint32(g, "buffer_length"); err != nil {
		return 0, 0, 0, err
	}
	if sampleSize, err = geomUint32(g, "sample_size"); err != nil {
		return 0, 0, 0, err
	}
	if channelCount == 0 || bufferLength == 0 || sampleSize == 0 {
		return 0, 0, 0, mxl.NewError(mxl.InvalidArg, fmt.Errorf("channel_count, buffer_length and sample_size must all be > 0"))
	}
	return channelCount, bufferLength, sampleSize, nil
}

func geomUint32(g map[string]any, key string) (uint32, error) {
	v, ok := g[key]
	if !ok {
		return 0, mxl.NewError(mxl.InvalidArg, fmt.Errorf("descriptor geometry missing %q", key))
	}
	switch n := v.(type) {
	case uint32:
		return n, nil
	case int:
		return uint32(n), nil
	case int64:
		return uint32(n), nil
	case float64:
		return uint32(n), nil
	default:
		return 0, mxl.NewError(mxl.InvalidArg, fmt.Errorf("descriptor geometry %q has unsupported type %T", key, v))
	}
}

func initDiscreteGeometry(info flow.Info, g map[string]any) error {
	grainCount, err := geomUint32(g, "grain_count")
	if err != nil {
		return err
	}
	payloadSize, err := geomUint32(g, "payload_size")
	if err != nil {
		return err
	}
	if grainCount == 0 {
		return mxl.NewError(mxl.InvalidArg, fmt.Errorf("grain_count must be > 0"))
	}
	geo := info.Discrete()
	geo.SetGrainCount(grainCount)
	geo.SetPayloadSize(payloadSize)
	return nil
}

// continuousSegmentSize returns the full "data" file size for a continuous
// flow once its geometry is known (header + all channel buffers).
func continuousSegmentSize(channelCount, bufferLength, sampleSize uint32) int64 {
	return int64(flow.FlowInfoSize) + int64(channelCount)*int64(bufferLength)*int64(sampleSize)
}

// OpenForWrite locates id by UUID and opens its "data" segment exclusively,
// promoting it to the concrete discrete/continuous writer handle (spec §3
// Lifecycle "Flow open", §4.3 "Exclusivity"). It fails with Conflict if
// another writer already holds the flow.
func (s *FlowStore) OpenForWrite(id mxl.FlowID) (*FlowWriter, error) {
	fd, err := s.openFlowData(id, WriteExclusive)
	if err != nil {
		return nil, err
	}
	if fd.Info().Format().IsDiscrete() {
		dd, err := s.promoteDiscrete(id, fd)
		if err != nil {
			return nil, err
		}
		return NewDiscreteFlowWriter(dd)
	}
	cd, err := openContinuousFlowData(fd)
	if err != nil {
		fd.Close()
		return nil, err
	}
	return NewContinuousFlowWriter(cd)
}

// OpenForRead locates id by UUID and opens its "data" segment ReadWrite
// without taking an OS lock (the reader stamps lastReadTime into the
// header), promoting it to the concrete discrete/continuous reader handle
// (spec §3 Lifecycle "Flow open").
func (s *FlowStore) OpenForRead(id mxl.FlowID) (*FlowReader, error) {
	fd, err := s.openFlowData(id, ReadWrite)
	if err != nil {
		return nil, err
	}
	path := flowDataPath(flowDir(s.domainPath, id))
	if fd.Info().Format().IsDiscrete() {
		dd, err := s.promoteDiscrete(id, fd)
		if err != nil {
			return nil, err
		}
		return NewDiscreteFlowReader(dd, path)
	}
	cd, err := openContinuousFlowData(fd)
	if err != nil {
		fd.Close()
		return nil, err
	}
	return NewContinuousFlowReader(cd, path)
}

func (s *FlowStore) openFlowData(id mxl.FlowID, mode OpenMode) (FlowData, error) {
	if !s.Exists(context.Background(), id) {
		return FlowData{}, mxl.NewError(mxl.FlowNotFound, fmt.Errorf("flow %s not found", id))
	}
	seg, err := Open(flowDataPath(flowDir(s.domainPath, id)), mode, 0)
	if err != nil {
		return FlowData{}, err
	}
	fd, err := openFlowData(seg)
	if err != nil {
		seg.Close()
		return FlowData{}, err
	}
	return fd, nil
}

// promoteDiscrete opens every grain file in slot order and promotes fd to
// DiscreteFlowData (spec §3 Lifecycle "Flow open ... map grains").
func (s *FlowStore) promoteDiscrete(id mxl.FlowID, fd FlowData) (*DiscreteFlowData, error) {
	grainCount := fd.Info().Discrete().GrainCount()
	grainsDir := flowGrainsDir(flowDir(s.domainPath, id))
	grainMode := ReadOnly
	if fd.Segment().LockKind() == ExclusiveLock {
		grainMode = ReadWrite
	}

	grains := make([]*SharedSegment, 0, grainCount)
	for slot := uint64(0); slot < uint64(grainCount); slot++ {
		seg, err := Open(grainPath(grainsDir, slot), grainMode, 0)
		if err != nil {
			for _, g := range grains {
				g.Close()
			}
			fd.Close()
			return nil, err
		}
		grains = append(grains, seg)
	}
	return openDiscreteFlowData(fd, grains)
}

// Exists reports whether a flow directory exists in this domain.
func (s *FlowStore) Exists(ctx context.Context, id mxl.FlowID) bool {
	return s.fio.Exists(ctx, flowDir(s.domainPath, id))
}

// Enumerate lists the flows present in this domain (spec §4.5 "enumerate
// flows"; supplemented beyond the distilled spec's prose per SPEC_FULL.md,
// needed by any CLI or front-end that lists a domain's contents).
func (s *FlowStore) Enumerate(ctx context.Context) ([]mxl.FlowID, error) {
	entries, err := s.fio.ReadDir(ctx, s.domainPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, mxl.NewError(mxl.Internal, err)
	}
	var ids []mxl.FlowID
	for _, e := range entries {
		if !e.IsDir() || !strings.HasSuffix(e.Name(), flowDirSuffix) {
			continue
		}
		idStr := strings.TrimSuffix(e.Name(), flowDirSuffix)
		id, err := mxl.ParseFlowID(idStr)
		if err != nil {
			continue
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// Destroy removes a flow's directory tree (spec §3 Lifecycle "Flow
// destruction: only by a holder of exclusive lock"). The caller must
// already hold the flow's exclusive lock (via a WriteExclusive segment);
// passing that held segment lets Destroy unmap it before removing the tree.
func (s *FlowStore) Destroy(ctx context.Context, id mxl.FlowID, held *SharedSegment) error {
	if held.LockKind() != ExclusiveLock {
		return mxl.NewError(mxl.InvalidState, fmt.Errorf("destroy requires the exclusive lock"))
	}
	if err := held.Close(); err != nil {
		return err
	}
	dir := flowDir(s.domainPath, id)
	if err := s.fio.RemoveAll(ctx, dir); err != nil {
		return mxl.NewError(mxl.Internal, err)
	}
	return nil
}

// GC destroys every flow whose last-read and last-write times are both
// older than historyDuration and whose exclusive lock is currently free
// (spec §3 Lifecycle "Garbage collection").
func (s *FlowStore) GC(ctx context.Context, historyDuration time.Duration) (destroyed []mxl.FlowID, err error) {
	ids, err := s.Enumerate(ctx)
	if err != nil {
		return nil, err
	}
	now := time.Now()
	for _, id := range ids {
		// Acquire the exclusive lock non-blocking before inspecting
		// eligibility: a flow with an attached writer fails this open
		// immediately and is skipped.
		seg, err := Open(flowDataPath(flowDir(s.domainPath, id)), WriteExclusive, 0)
		if err != nil {
			// Another process holds the lock, or the flow raced us away;
			// either way it is not eligible right now.
			continue
		}

		eligible, err := gcEligible(seg, now, historyDuration)
		if err != nil {
			seg.Close()
			continue
		}
		if !eligible {
			seg.Close()
			continue
		}

		if err := s.Destroy(ctx, id, seg); err != nil {
			slog.Warn("gc: failed to destroy flow", "flow", id, "error", err)
			continue
		}
		destroyed = append(destroyed, id)
	}
	return destroyed, nil
}

func gcEligible(seg *SharedSegment, now time.Time, historyDuration time.Duration) (bool, error) {
	info, err := flow.NewInfo(seg.Bytes())
	if err != nil {
		return false, err
	}
	return now.Sub(info.LastReadTime()) > historyDuration && now.Sub(info.LastWriteTime()) > historyDuration, nil
}

func flowDataPath(dir string) string  { return filepath.Join(dir, flowDataFileName) }
func flowGrainsDir(dir string) string { return filepath.Join(dir, grainsDirName) }
func grainPath(grainsDir string, slot uint64) string {
	return filepath.Join(grainsDir, grainFileName(slot))
}
