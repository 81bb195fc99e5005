package fabric

import (
	"context"
	"fmt"
	"time"

	"github.com/media-exchange/mxl"
)

// CompletionFlag identifies the kind of operation a CompletionEntry
// reports (spec §4.8).
type CompletionFlag uint32

const (
	// CompletionLocalWrite marks a completion for a write this endpoint
	// itself posted (initiator side).
	CompletionLocalWrite CompletionFlag = 1 << iota
	// CompletionRemoteWriteData marks a completion caused by a peer's
	// one-sided write that carried imm-data (target side).
	CompletionRemoteWriteData
)

// CompletionEntry is one entry drained from a CompletionQueue (spec §4.8).
type CompletionEntry struct {
	EndpointID uint64
	Flags      CompletionFlag
	ImmData    uint64
	HasImmData bool
	Err        error // non-nil marks this entry as the queue's error variant
}

// EventKind enumerates the control events an Endpoint's EventQueue
// surfaces while progressing its connection state machine (spec §4.7).
type EventKind int

const (
	EventConnectionRequested EventKind = iota
	EventConnected
	EventShutdown
)

// Event is one entry drained from an EventQueue (spec §4.7, §4.8).
type Event struct {
	EndpointID uint64
	Kind       EventKind
	PeerAddr   FabricAddress // set for EventConnected on the connecting side
}

// CompletionQueue is a typed, channel-backed wrapper around a provider's
// completion queue (spec §4.8). TryRead reports an empty queue via its
// bool result rather than an error; blocking reads are cancelable via
// context, surfacing Interrupted.
type CompletionQueue struct {
	ch chan CompletionEntry
}

// NewCompletionQueue returns a CompletionQueue buffering up to capacity
// entries before a producer would block.
func NewCompletionQueue(capacity int) *CompletionQueue {
	return &CompletionQueue{ch: make(chan CompletionEntry, capacity)}
}

// push enqueues an entry, run from an Endpoint's receive goroutine.
func (q *CompletionQueue) push(e CompletionEntry) { q.ch <- e }

// TryRead returns the next entry without blocking, or (zero, false) if the
// queue is empty ("too-busy" is represented as empty, per spec §4.8).
func (q *CompletionQueue) TryRead() (CompletionEntry, bool) {
	select {
	case e := <-q.ch:
		return e, true
	default:
		return CompletionEntry{}, false
	}
}

// Read blocks for up to timeout for the next entry (spec §4.8 "Blocking
// reads take a duration"). ctx cancellation surfaces as Interrupted,
// mirroring POSIX signal delivery aborting a blocking wait (spec §5).
func (q *CompletionQueue) Read(ctx context.Context, timeout time.Duration) (CompletionEntry, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case e := <-q.ch:
		return e, nil
	case <-ctx.Done():
		return CompletionEntry{}, mxl.NewError(mxl.Interrupted, ctx.Err())
	case <-timer.C:
		return CompletionEntry{}, mxl.NewError(mxl.Timeout, fmt.Errorf("completion queue read timed out"))
	}
}

// EventQueue is the control-plane counterpart to CompletionQueue (spec
// §4.7, §4.8).
type EventQueue struct {
	ch chan Event
}

// NewEventQueue returns an EventQueue buffering up to capacity events.
func NewEventQueue(capacity int) *EventQueue {
	return &EventQueue{ch: make(chan Event, capacity)}
}

func (q *EventQueue) push(e Event) { q.ch <- e }

// TryRead returns the next event without blocking, or (zero, false) if
// empty.
func (q *EventQueue) TryRead() (Event, bool) {
	select {
	case e := <-q.ch:
		return e, true
	default:
		return Event{}, false
	}
}

// Read blocks for up to timeout for the next event.
func (q *EventQueue) Read(ctx context.Context, timeout time.Duration) (Event, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case e := <-q.ch:
		return e, nil
	case <-ctx.Done():
		return Event{}, mxl.NewError(mxl.Interrupted, ctx.Err())
	case <-timer.C:
		return Event{}, mxl.NewError(mxl.Timeout, fmt.Errorf("event queue read timed out"))
	}
}
