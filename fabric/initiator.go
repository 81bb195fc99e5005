package fabric

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/media-exchange/mxl"
)

// targetState tracks one target's connection handshake progress, driven by
// FabricInitiator.MakeProgress (spec §4.11).
type targetState int

const (
	targetPendingConnect targetState = iota
	targetConnected
	targetPendingShutdown
	targetShutdown
)

type targetConn struct {
	info     TargetInfo
	endpoint *Endpoint
	state    targetState
}

// defaultMaxConcurrentWrites bounds outstanding RMA writes per initiator
// when the caller does not specify one (spec §9 supplement, grounded on
// the original's per-target connection cap in its fabric management
// layer).
const defaultMaxConcurrentWrites = 32

// FabricInitiator is the active side of a fabric mirror: it holds one
// endpoint per target and drives one-sided writes of committed grains to
// every connected target (spec §4.11).
type FabricInitiator struct {
	provider Provider

	// MaxConcurrentWrites caps the number of RMA writes concurrently
	// outstanding across all targets in a single TransferGrain call.
	MaxConcurrentWrites int64

	mu      sync.Mutex
	group   RegionGroup
	mr      *MemoryRegion
	av      *AddressVector
	cq      *CompletionQueue
	eq      *EventQueue
	targets map[string]*targetConn
	sem     *semaphore.Weighted
}

// NewFabricInitiator returns a FabricInitiator for provider with no targets
// yet configured.
func NewFabricInitiator(provider Provider) *FabricInitiator {
	return &FabricInitiator{
		provider:            provider,
		MaxConcurrentWrites: defaultMaxConcurrentWrites,
		targets:             make(map[string]*targetConn),
	}
}

// Setup registers group for local write access and prepares the shared
// queues and address vector every target endpoint binds to (spec §4.11
// "opens local endpoint prototype with the flow's RegionGroup registered
// for local write access").
func (fi *FabricInitiator) Setup(group RegionGroup) error {
	mr, err := Register(fi.provider, group)
	if err != nil {
		return err
	}
	fi.mu.Lock()
	defer fi.mu.Unlock()
	fi.group = group
	fi.mr = mr
	fi.av = NewAddressVector(256)
	fi.cq = NewCompletionQueue(256)
	fi.eq = NewEventQueue(64)
	fi.sem = semaphore.NewWeighted(fi.MaxConcurrentWrites)
	return nil
}

// AddTarget creates an endpoint for info, inserts its address into the AV,
// and initiates a connection, transitioning the target to
// "pending-connect" until the Connected event arrives (spec §4.11).
func (fi *FabricInitiator) AddTarget(ctx context.Context, info TargetInfo) error {
	fi.mu.Lock()
	if _, exists := fi.targets[info.Identity()]; exists {
		fi.mu.Unlock()
		return nil
	}
	fi.mu.Unlock()

	addr := FabricAddress(info.LocalAddress)
	ep, err := NewEndpoint(fi.provider)
	if err != nil {
		return err
	}
	if err := ep.Bind(fi.cq, fi.eq, fi.av); err != nil {
		return err
	}

	fi.mu.Lock()
	fi.av.Insert(addr)
	fi.targets[info.Identity()] = &targetConn{info: info, endpoint: ep, state: targetPendingConnect}
	fi.mu.Unlock()

	go func() {
		if err := ep.Connect(ctx, addr); err != nil {
			fi.eq.push(Event{EndpointID: ep.ID(), Kind: EventShutdown})
		}
	}()
	return nil
}

// RemoveTarget issues a shutdown for the endpoint matching info and marks
// it pending-shutdown; disposal completes once the Shutdown event is
// observed by MakeProgress (spec §4.11).
func (fi *FabricInitiator) RemoveTarget(info TargetInfo) error {
	fi.mu.Lock()
	tc, ok := fi.targets[info.Identity()]
	fi.mu.Unlock()
	if !ok {
		return mxl.NewError(mxl.NotFound, fmt.Errorf("target %s is not registered", info.Identity()))
	}
	if tc.state != targetConnected {
		return mxl.NewError(mxl.InvalidState, fmt.Errorf("target %s is not connected", info.Identity()))
	}
	if err := tc.endpoint.Shutdown(); err != nil {
		return err
	}
	fi.mu.Lock()
	tc.state = targetPendingShutdown
	fi.mu.Unlock()
	return nil
}

// TransferGrain posts an RMA write of group[regionIndex] to every connected
// target's matching RemoteRegion, carrying index as imm-data (spec §4.11).
// It returns NotReady without writing to any target if a target has not
// yet completed its connection handshake.
func (fi *FabricInitiator) TransferGrain(ctx context.Context, regionIndex int, index uint64) error {
	fi.mu.Lock()
	conns := make([]*targetConn, 0, len(fi.targets))
	for _, tc := range fi.targets {
		conns = append(conns, tc)
	}
	group := fi.group
	sem := fi.sem
	fi.mu.Unlock()

	for _, tc := range conns {
		if tc.state == targetPendingConnect {
			return mxl.NewError(mxl.NotReady, fmt.Errorf("target %s has not completed its connection handshake", tc.info.Identity()))
		}
	}

	eg, egCtx := errgroup.WithContext(ctx)
	for _, tc := range conns {
		if tc.state != targetConnected {
			continue
		}
		tc := tc
		if regionIndex < 0 || regionIndex >= len(tc.info.Remotes) {
			return mxl.NewError(mxl.InvalidArg, fmt.Errorf("region index %d out of range for target %s", regionIndex, tc.info.Identity()))
		}
		remote := tc.info.Remotes[regionIndex]
		eg.Go(func() error {
			if err := sem.Acquire(egCtx, 1); err != nil {
				return mxl.NewError(mxl.Interrupted, err)
			}
			defer sem.Release(1)
			return tc.endpoint.Write(group, regionIndex, remote, index, true)
		})
	}
	return eg.Wait()
}

// MakeProgress drains the shared event queue, advancing pending
// connect/shutdown target states, and (if blocking) waits up to timeout
// for the next event (spec §4.11). It returns NotReady if targets remain
// pending and no event was drained in this call.
func (fi *FabricInitiator) MakeProgress(ctx context.Context, blocking bool, timeout time.Duration) error {
	fi.mu.Lock()
	eq := fi.eq
	fi.mu.Unlock()

	advance := func(ev Event) {
		fi.mu.Lock()
		defer fi.mu.Unlock()
		for _, tc := range fi.targets {
			if tc.endpoint.ID() != ev.EndpointID {
				continue
			}
			switch ev.Kind {
			case EventConnected:
				tc.state = targetConnected
			case EventShutdown:
				tc.state = targetShutdown
			}
		}
	}

	drained := false
	for {
		ev, ok := eq.TryRead()
		if !ok {
			break
		}
		advance(ev)
		drained = true
	}

	if !drained && blocking {
		ev, err := eq.Read(ctx, timeout)
		if err == nil {
			advance(ev)
			drained = true
		} else if mxl.CodeOf(err) != mxl.Timeout {
			return err
		}
	}

	fi.mu.Lock()
	pending := 0
	for id, tc := range fi.targets {
		switch tc.state {
		case targetPendingConnect, targetPendingShutdown:
			pending++
		case targetShutdown:
			delete(fi.targets, id)
		}
	}
	fi.mu.Unlock()

	if pending > 0 && !drained {
		return mxl.NewError(mxl.NotReady, fmt.Errorf("%d target(s) still pending", pending))
	}
	return nil
}

// Close shuts down every remaining target endpoint.
func (fi *FabricInitiator) Close() error {
	fi.mu.Lock()
	conns := make([]*targetConn, 0, len(fi.targets))
	for _, tc := range fi.targets {
		conns = append(conns, tc)
	}
	fi.targets = make(map[string]*targetConn)
	fi.mu.Unlock()

	var firstErr error
	for _, tc := range conns {
		if err := tc.endpoint.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
