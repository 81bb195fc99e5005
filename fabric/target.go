package fabric

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/media-exchange/mxl"
)

// TargetState is a position in the FabricTarget state machine (spec §4.10).
type TargetState int

const (
	TargetCreated TargetState = iota
	TargetListening
	TargetConnected
	TargetShutdown
	TargetClosed
)

// TargetConfig names where a FabricTarget listens (spec §4.10 "binds to a
// node/service on the chosen provider").
type TargetConfig struct {
	Node    string
	Service string
}

// FabricTarget is the passive side of a fabric mirror: it listens,
// registers a flow's RegionGroup for remote writes, and surfaces completed
// grains as they land (spec §4.10).
type FabricTarget struct {
	provider Provider
	state    TargetState
	listener net.Listener
	endpoint *Endpoint
	mr       *MemoryRegion
	cq       *CompletionQueue
	eq       *EventQueue
}

// NewFabricTarget returns a FabricTarget in state CREATED.
func NewFabricTarget(provider Provider) *FabricTarget {
	return &FabricTarget{provider: provider, state: TargetCreated}
}

// Setup binds cfg's node/service, registers group for remote-write access,
// and returns the TargetInfo an initiator needs to connect (spec §4.10).
func (t *FabricTarget) Setup(cfg TargetConfig, group RegionGroup) (TargetInfo, error) {
	if t.state != TargetCreated {
		return TargetInfo{}, mxl.NewError(mxl.InvalidState, fmt.Errorf("target must be CREATED to set up, is %v", t.state))
	}
	mr, err := Register(t.provider, group)
	if err != nil {
		return TargetInfo{}, err
	}
	ln, err := net.Listen("tcp", net.JoinHostPort(cfg.Node, cfg.Service))
	if err != nil {
		return TargetInfo{}, mxl.NewError(mxl.Internal, fmt.Errorf("listening on %s:%s: %w", cfg.Node, cfg.Service, err))
	}

	ep, err := NewEndpoint(t.provider)
	if err != nil {
		ln.Close()
		return TargetInfo{}, err
	}
	cq := NewCompletionQueue(64)
	eq := NewEventQueue(16)
	if err := ep.Bind(cq, eq, nil); err != nil {
		ln.Close()
		return TargetInfo{}, err
	}
	ep.BindRegion(group)

	t.listener = ln
	t.endpoint = ep
	t.mr = mr
	t.cq = cq
	t.eq = eq
	t.state = TargetListening

	return TargetInfo{
		Provider:     t.provider,
		LocalAddress: ln.Addr().String(),
		Remotes:      mr.Remotes(),
	}, nil
}

// Accept blocks until an initiator connects, transitioning
// LISTENING → CONNECTED (spec §4.10).
func (t *FabricTarget) Accept() error {
	if t.state != TargetListening {
		return mxl.NewError(mxl.InvalidState, fmt.Errorf("target must be LISTENING to accept, is %v", t.state))
	}
	if err := t.endpoint.Accept(t.listener); err != nil {
		return err
	}
	t.state = TargetConnected
	return nil
}

// TryNewGrain dequeues one data completion caused by a remote write without
// blocking, returning the grain index carried as imm-data (spec §4.10
// "tryNewGrain() ... dequeue data completions ... the returned value is the
// grain index carried in the completion's imm-data").
func (t *FabricTarget) TryNewGrain() (uint64, bool) {
	for {
		c, ok := t.cq.TryRead()
		if !ok {
			return 0, false
		}
		if c.Flags&CompletionRemoteWriteData != 0 && c.HasImmData {
			return c.ImmData, true
		}
	}
}

// WaitForNewGrain blocks for up to timeout for the next remote-write data
// completion (spec §4.10 "waitForNewGrain(timeoutMs)").
func (t *FabricTarget) WaitForNewGrain(ctx context.Context, timeout time.Duration) (uint64, error) {
	deadline := time.Now().Add(timeout)
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return 0, mxl.NewError(mxl.Timeout, fmt.Errorf("waiting for new grain timed out"))
		}
		c, err := t.cq.Read(ctx, remaining)
		if err != nil {
			return 0, err
		}
		if c.Flags&CompletionRemoteWriteData != 0 && c.HasImmData {
			return c.ImmData, nil
		}
	}
}

// Shutdown transitions CONNECTED → SHUTDOWN (spec §4.10).
func (t *FabricTarget) Shutdown() error {
	if t.state != TargetConnected {
		return mxl.NewError(mxl.InvalidState, fmt.Errorf("target must be CONNECTED to shut down, is %v", t.state))
	}
	if err := t.endpoint.Shutdown(); err != nil {
		return err
	}
	t.state = TargetShutdown
	return nil
}

// Close drops the target from any state (spec §4.10 "SHUTDOWN/CLOSED").
func (t *FabricTarget) Close() error {
	t.state = TargetClosed
	var firstErr error
	if t.endpoint != nil {
		if err := t.endpoint.Close(); err != nil {
			firstErr = err
		}
	}
	if t.listener != nil {
		if err := t.listener.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
