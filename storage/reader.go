package storage

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/media-exchange/mxl"
	"github.com/media-exchange/mxl/flow"
)

// maxWaitBackoff caps the wait-on-value poll interval (spec §4.4 step 4:
// a futex-style wait; no repo in the retrieved pack binds FUTEX_WAIT, so
// this adaptive spin/backoff is the justified standard-library stand-in,
// per SPEC_FULL.md).
const maxWaitBackoff = time.Millisecond

// FlowReader is the multi-consumer state machine over a flow's data (spec
// §4.4). Many FlowReaders may be attached to the same flow concurrently;
// a reader takes no OS lock on the segment.
type FlowReader struct {
	data *DiscreteFlowData
	cont *ContinuousFlowData

	path          string
	capturedInode uint64
}

// NewDiscreteFlowReader wraps a shared-locked DiscreteFlowData. path is the
// backing "data" file's path, used to re-stat on a terminal timeout (spec
// §4.4 step 6).
func NewDiscreteFlowReader(d *DiscreteFlowData, path string) (*FlowReader, error) {
	inode, err := d.Segment().Inode()
	if err != nil {
		return nil, err
	}
	return &FlowReader{data: d, path: path, capturedInode: inode}, nil
}

// NewContinuousFlowReader wraps a shared-locked ContinuousFlowData.
func NewContinuousFlowReader(c *ContinuousFlowData, path string) (*FlowReader, error) {
	inode, err := c.Segment().Inode()
	if err != nil {
		return nil, err
	}
	return &FlowReader{cont: c, path: path, capturedInode: inode}, nil
}

func (r *FlowReader) info() flow.Info {
	if r.data != nil {
		return r.data.Info()
	}
	return r.cont.Info()
}

// checkStale compares the captured inode against the backing file's
// current inode, reporting a recreated flow (spec §3 invariant 5, §4.4
// step 6). It is safe to call at any time.
func (r *FlowReader) checkStale() error {
	seg, err := Open(r.path, ReadOnly, 0)
	if err != nil {
		// The file is gone entirely; that is itself conclusive staleness.
		return mxl.NewError(mxl.FlowInvalid, fmt.Errorf("flow %q is no longer present: %w", r.path, err))
	}
	defer seg.Close()
	inode, err := seg.Inode()
	if err != nil {
		return err
	}
	if inode != r.capturedInode {
		return mxl.NewError(mxl.FlowInvalid, fmt.Errorf("flow %q was recreated under this reader", r.path))
	}
	return nil
}

// GetGrain implements the discrete get-grain deadline loop (spec §4.4
// "Get-grain semantics"). minValidSlices is the caller's completeness
// requirement; timeout of zero means a single, non-blocking attempt.
func (r *FlowReader) GetGrain(ctx context.Context, index uint64, minValidSlices uint32, timeout time.Duration) (flow.GrainInfo, []byte, error) {
	if r.data == nil {
		return flow.GrainInfo{}, nil, mxl.NewError(mxl.InvalidFlowReader, fmt.Errorf("not a discrete flow reader"))
	}

	deadline := time.Now().Add(timeout)
	for {
		info := r.data.Info()
		previousSync := info.SyncCounter()

		head := info.HeadIndex()
		if int64(index) > head {
			if done, err := r.awaitOrTimeout(ctx, previousSync, timeout, deadline); !done {
				return flow.GrainInfo{}, nil, err
			}
			continue
		}
		if head >= 0 && int64(index) < head-int64(info.Discrete().GrainCount())+1 {
			return flow.GrainInfo{}, nil, mxl.NewError(mxl.OutOfRangeTooLate,
				fmt.Errorf("index %d precedes the retained ring window (head %d)", index, head))
		}

		slot := r.data.Slot(index)
		seg := r.data.GrainSegment(slot)
		g := flow.NewGrainInfo(seg.Bytes())

		if g.Invalid() {
			return flow.GrainInfo{}, nil, mxl.NewError(mxl.NotReady,
				fmt.Errorf("grain %d was canceled by its writer", index))
		}

		want := minValidSlices
		if g.TotalSlices() < want {
			want = g.TotalSlices()
		}
		if g.ValidSlices() < want {
			if done, err := r.awaitOrTimeout(ctx, previousSync, timeout, deadline); !done {
				return flow.GrainInfo{}, nil, err
			}
			continue
		}

		info.TouchRead()
		if err := touchSentinel(filepath.Dir(r.path)); err != nil {
			slog.Warn("touch access sentinel failed", "path", r.path, "error", err)
		}
		return g, g.Payload(), nil
	}
}

// GetSamples implements the continuous get-samples deadline loop (spec
// §4.4 "Get-samples semantics").
func (r *FlowReader) GetSamples(ctx context.Context, index uint64, count uint32, timeout time.Duration) (flow.MultiBufferSlice, error) {
	if r.cont == nil {
		return flow.MultiBufferSlice{}, mxl.NewError(mxl.InvalidFlowReader, fmt.Errorf("not a continuous flow reader"))
	}

	deadline := time.Now().Add(timeout)
	for {
		info := r.cont.Info()
		previousSync := info.SyncCounter()
		geo := info.Continuous()

		head := info.HeadIndex()
		last := int64(index) + int64(count) - 1
		if last > head {
			if done, err := r.awaitOrTimeout(ctx, previousSync, timeout, deadline); !done {
				return flow.MultiBufferSlice{}, err
			}
			continue
		}
		if head >= 0 && int64(index) < head-int64(geo.BufferLength())+1 {
			return flow.MultiBufferSlice{}, mxl.NewError(mxl.OutOfRangeTooLate,
				fmt.Errorf("index %d precedes the retained ring window (head %d)", index, head))
		}

		slice, err := sliceChannels(r.cont, index, count)
		if err != nil {
			return flow.MultiBufferSlice{}, err
		}
		info.TouchRead()
		if err := touchSentinel(filepath.Dir(r.path)); err != nil {
			slog.Warn("touch access sentinel failed", "path", r.path, "error", err)
		}
		return slice, nil
	}
}

// awaitOrTimeout blocks until syncCounter changes from previousSync or the
// deadline passes, implementing the futex-style wait-on-value primitive as
// an adaptive backoff poll (spec §4.4 step 4). It returns (true, nil) when
// the caller should re-check from the top of the loop, or (false, err)
// with a terminal error otherwise.
func (r *FlowReader) awaitOrTimeout(ctx context.Context, previousSync uint32, timeout time.Duration, deadline time.Time) (bool, error) {
	if timeout <= 0 {
		return false, mxl.NewError(mxl.OutOfRangeTooEarly, fmt.Errorf("no data ready and timeout is zero"))
	}

	backoff := time.Microsecond
	for {
		if time.Now().After(deadline) {
			if err := r.checkStale(); err != nil {
				return false, err
			}
			return false, mxl.NewError(mxl.Timeout, fmt.Errorf("timed out waiting for new data"))
		}
		select {
		case <-ctx.Done():
			return false, mxl.NewError(mxl.Interrupted, ctx.Err())
		case <-time.After(backoff):
		}
		if r.info().SyncCounter() != previousSync {
			return true, nil
		}
		backoff *= 2
		if backoff > maxWaitBackoff {
			backoff = maxWaitBackoff
		}
	}
}

// Discrete returns the reader's underlying DiscreteFlowData, or nil if r
// wraps a continuous flow (spec §4.9).
func (r *FlowReader) Discrete() *DiscreteFlowData { return r.data }

// Continuous returns the reader's underlying ContinuousFlowData, or nil if
// r wraps a discrete flow (spec §4.9).
func (r *FlowReader) Continuous() *ContinuousFlowData { return r.cont }

// Close releases the reader's underlying segments.
func (r *FlowReader) Close() error {
	if r.data != nil {
		return r.data.Close()
	}
	return r.cont.Close()
}
