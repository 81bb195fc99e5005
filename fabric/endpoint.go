package fabric

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/media-exchange/mxl"
)

// EndpointState is a position in the Endpoint state machine (spec §4.7).
type EndpointState int

const (
	EndpointCreated EndpointState = iota
	EndpointEnabled
	EndpointConnected
	EndpointShutdown
	EndpointClosed
)

func (s EndpointState) String() string {
	switch s {
	case EndpointCreated:
		return "CREATED"
	case EndpointEnabled:
		return "ENABLED"
	case EndpointConnected:
		return "CONNECTED"
	case EndpointShutdown:
		return "SHUTDOWN"
	case EndpointClosed:
		return "CLOSED"
	default:
		return "UNKNOWN"
	}
}

// eventProbeInterval bounds how long a blocking Poll call waits before
// re-checking the event queue, per spec §4.7 "probed non-blocking at an
// interval no larger than 100 ms".
const eventProbeInterval = 100 * time.Millisecond

const (
	opWrite byte = iota
	opAck
)

// frameHeader is the wire framing this repo's tcp Provider uses to carry a
// one-sided write (and its delivery ack) over a plain net.Conn, grounded on
// other_examples's duplex-connection-over-net.Conn pattern
// (53a936a1_adred-codev-ws_poc). It is not a spec wire format: real
// hardware providers carry none of this, since the NIC applies the write
// without the peer's CPU ever parsing a frame.
type frameHeader struct {
	Opcode      byte
	RegionIndex uint32
	Offset      uint64
	Length      uint64
	ImmData     uint64
	HasImm      byte
}

func (h frameHeader) write(w io.Writer) error {
	buf := make([]byte, 1+4+8+8+8+1)
	buf[0] = h.Opcode
	binary.LittleEndian.PutUint32(buf[1:5], h.RegionIndex)
	binary.LittleEndian.PutUint64(buf[5:13], h.Offset)
	binary.LittleEndian.PutUint64(buf[13:21], h.Length)
	binary.LittleEndian.PutUint64(buf[21:29], h.ImmData)
	buf[29] = h.HasImm
	_, err := w.Write(buf)
	return err
}

func readFrameHeader(r io.Reader) (frameHeader, error) {
	buf := make([]byte, 1+4+8+8+8+1)
	if _, err := io.ReadFull(r, buf); err != nil {
		return frameHeader{}, err
	}
	return frameHeader{
		Opcode:      buf[0],
		RegionIndex: binary.LittleEndian.Uint32(buf[1:5]),
		Offset:      binary.LittleEndian.Uint64(buf[5:13]),
		Length:      binary.LittleEndian.Uint64(buf[13:21]),
		ImmData:     binary.LittleEndian.Uint64(buf[21:29]),
		HasImm:      buf[29],
	}, nil
}

// Endpoint is an active connection-oriented communication handle (spec
// §4.7). Only the tcp provider is backed by a real net.Conn; the state
// machine and dual-queue poll contract are provider-independent.
type Endpoint struct {
	id       uint64
	provider Provider

	mu       sync.Mutex
	state    EndpointState
	conn     net.Conn
	region   RegionGroup
	cq       *CompletionQueue
	eq       *EventQueue
	av       *AddressVector
	closed   bool
	wg       sync.WaitGroup
}

// NewEndpoint returns an Endpoint in state CREATED with a fresh random ID.
func NewEndpoint(provider Provider) (*Endpoint, error) {
	var b [8]byte
	if _, err := rand.Read(b[:]); err != nil {
		return nil, mxl.NewError(mxl.Internal, fmt.Errorf("generating endpoint id: %w", err))
	}
	return &Endpoint{
		id:       binary.LittleEndian.Uint64(b[:]),
		provider: provider,
		state:    EndpointCreated,
	}, nil
}

// ID returns the endpoint's stable 64-bit identity (spec §4.7).
func (e *Endpoint) ID() uint64 {
	return e.id
}

func (e *Endpoint) State() EndpointState {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// Bind attaches the completion queue, event queue, and (optionally) address
// vector this endpoint will use once connected, and transitions
// CREATED → ENABLED (spec §4.7: "bind EQ → bind CQ → bind AV → ENABLED",
// collapsed into one call since nothing here observes the intermediate
// states).
func (e *Endpoint) Bind(cq *CompletionQueue, eq *EventQueue, av *AddressVector) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state != EndpointCreated {
		return mxl.NewError(mxl.InvalidState, fmt.Errorf("endpoint must be CREATED to bind, is %s", e.state))
	}
	e.cq, e.eq, e.av = cq, eq, av
	e.state = EndpointEnabled
	return nil
}

// BindRegion registers the RegionGroup incoming one-sided writes apply to.
// Required before Accept/Connect on a target-side endpoint.
func (e *Endpoint) BindRegion(group RegionGroup) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.region = group
}

func (e *Endpoint) pushEvent(kind EventKind, addr FabricAddress) {
	if e.eq != nil {
		e.eq.push(Event{EndpointID: e.id, Kind: kind, PeerAddr: addr})
	}
}

// Connect dials addr and transitions ENABLED → CONNECTED (spec §4.7
// "ENABLED, active: connect(addr) → CONNECTED").
func (e *Endpoint) Connect(ctx context.Context, addr FabricAddress) error {
	e.mu.Lock()
	if e.state != EndpointEnabled {
		e.mu.Unlock()
		return mxl.NewError(mxl.InvalidState, fmt.Errorf("endpoint must be ENABLED to connect, is %s", e.state))
	}
	e.mu.Unlock()

	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", string(addr))
	if err != nil {
		return mxl.NewError(mxl.Internal, fmt.Errorf("dialing %s: %w", addr, err))
	}

	e.mu.Lock()
	e.conn = conn
	e.state = EndpointConnected
	e.mu.Unlock()

	e.pushEvent(EventConnected, addr)
	e.startReceiveLoop()
	return nil
}

// Accept blocks on ln and transitions ENABLED → CONNECTED (spec §4.7
// "ENABLED, passive: accept() → CONNECTED (via ConnectionRequested then
// Connected events)").
func (e *Endpoint) Accept(ln net.Listener) error {
	e.mu.Lock()
	if e.state != EndpointEnabled {
		e.mu.Unlock()
		return mxl.NewError(mxl.InvalidState, fmt.Errorf("endpoint must be ENABLED to accept, is %s", e.state))
	}
	e.mu.Unlock()

	e.pushEvent(EventConnectionRequested, nil)
	conn, err := ln.Accept()
	if err != nil {
		return mxl.NewError(mxl.Internal, fmt.Errorf("accepting connection: %w", err))
	}

	e.mu.Lock()
	e.conn = conn
	e.state = EndpointConnected
	e.mu.Unlock()

	e.pushEvent(EventConnected, nil)
	e.startReceiveLoop()
	return nil
}

func (e *Endpoint) startReceiveLoop() {
	e.wg.Add(1)
	go e.receiveLoop()
}

// receiveLoop applies inbound one-sided writes to the bound RegionGroup and
// surfaces completions, and turns inbound acks into local-write completions
// for whichever goroutine called Write (spec §4.7 "delivery-complete
// semantics").
func (e *Endpoint) receiveLoop() {
	defer e.wg.Done()
	for {
		e.mu.Lock()
		conn := e.conn
		e.mu.Unlock()
		if conn == nil {
			return
		}

		hdr, err := readFrameHeader(conn)
		if err != nil {
			if e.cq != nil && !e.isClosed() {
				e.cq.push(CompletionEntry{EndpointID: e.id, Err: mxl.NewError(mxl.Internal, err)})
			}
			return
		}

		switch hdr.Opcode {
		case opWrite:
			payload := make([]byte, hdr.Length)
			if _, err := io.ReadFull(conn, payload); err != nil {
				e.cq.push(CompletionEntry{EndpointID: e.id, Err: mxl.NewError(mxl.Internal, err)})
				return
			}
			e.mu.Lock()
			region := e.region
			e.mu.Unlock()
			if int(hdr.RegionIndex) < len(region) {
				dst := region[hdr.RegionIndex].Bytes()
				copy(dst[hdr.Offset:], payload)
			}
			e.cq.push(CompletionEntry{
				EndpointID: e.id,
				Flags:      CompletionRemoteWriteData,
				ImmData:    hdr.ImmData,
				HasImmData: hdr.HasImm != 0,
			})
			ack := frameHeader{Opcode: opAck, ImmData: hdr.ImmData, HasImm: hdr.HasImm}
			if err := ack.write(conn); err != nil {
				return
			}
		case opAck:
			e.cq.push(CompletionEntry{
				EndpointID: e.id,
				Flags:      CompletionLocalWrite,
				ImmData:    hdr.ImmData,
				HasImmData: hdr.HasImm != 0,
			})
		}
	}
}

func (e *Endpoint) isClosed() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.closed
}

// Write posts a one-sided RMA write of group[regionIndex]'s full contents
// to remote, with delivery-complete semantics signaled by a later
// CompletionLocalWrite entry on this endpoint's completion queue (spec
// §4.7).
func (e *Endpoint) Write(group RegionGroup, regionIndex int, remote RemoteRegion, immData uint64, hasImm bool) error {
	if regionIndex < 0 || regionIndex >= len(group) {
		return mxl.NewError(mxl.InvalidArg, fmt.Errorf("region index %d out of range", regionIndex))
	}
	return e.writeBytes(group[regionIndex].Bytes(), uint32(regionIndex), immData, hasImm)
}

// WriteScatter gathers locals into a single payload and posts it as one
// one-sided write, the scatter-gather form of Write (spec §4.7
// "writeScatter(localGroup, remote, …): same, scatter-gather source").
func (e *Endpoint) WriteScatter(locals []Region, regionIndex int, immData uint64, hasImm bool) error {
	total := 0
	for _, r := range locals {
		total += r.Len()
	}
	payload := make([]byte, 0, total)
	for _, r := range locals {
		payload = append(payload, r.Bytes()...)
	}
	return e.writeBytes(payload, uint32(regionIndex), immData, hasImm)
}

func (e *Endpoint) writeBytes(payload []byte, regionIndex uint32, immData uint64, hasImm bool) error {
	e.mu.Lock()
	conn := e.conn
	state := e.state
	e.mu.Unlock()
	if state != EndpointConnected {
		return mxl.NewError(mxl.InvalidState, fmt.Errorf("endpoint must be CONNECTED to write, is %s", state))
	}
	hdr := frameHeader{Opcode: opWrite, RegionIndex: regionIndex, Length: uint64(len(payload)), ImmData: immData}
	if hasImm {
		hdr.HasImm = 1
	}
	if err := hdr.write(conn); err != nil {
		return mxl.NewError(mxl.Internal, err)
	}
	if _, err := conn.Write(payload); err != nil {
		return mxl.NewError(mxl.Internal, err)
	}
	return nil
}

// Recv posts a receive buffer for providers that require one to surface
// remote-write completions (spec §4.7). The tcp provider carries imm-data
// inline in its write frame, so it never needs a matching receive buffer;
// this is a documented no-op for that provider.
func (e *Endpoint) Recv(region Region) error {
	return nil
}

// Poll drains this endpoint's event and completion queues, implementing
// the dual-queue blocking poll contract (spec §4.7): the event queue is
// probed non-blocking at an interval no larger than eventProbeInterval,
// and the completion queue is otherwise waited on for the remainder of
// timeout. Returns as soon as either queue yields an item, or at the
// deadline.
func (e *Endpoint) Poll(ctx context.Context, timeout time.Duration) (CompletionEntry, Event, error) {
	deadline := time.Now().Add(timeout)
	for {
		if ev, ok := e.eq.TryRead(); ok {
			return CompletionEntry{}, ev, nil
		}
		if c, ok := e.cq.TryRead(); ok {
			return c, Event{}, nil
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return CompletionEntry{}, Event{}, mxl.NewError(mxl.Timeout, fmt.Errorf("endpoint poll timed out"))
		}
		wait := eventProbeInterval
		if remaining < wait {
			wait = remaining
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return CompletionEntry{}, Event{}, mxl.NewError(mxl.Interrupted, ctx.Err())
		case c := <-e.cq.ch:
			timer.Stop()
			return c, Event{}, nil
		case ev := <-e.eq.ch:
			timer.Stop()
			return CompletionEntry{}, ev, nil
		case <-timer.C:
		}
	}
}

// Shutdown transitions CONNECTED → SHUTDOWN and surfaces an EventShutdown
// (spec §4.7).
func (e *Endpoint) Shutdown() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state != EndpointConnected {
		return mxl.NewError(mxl.InvalidState, fmt.Errorf("endpoint must be CONNECTED to shut down, is %s", e.state))
	}
	e.state = EndpointShutdown
	e.pushEvent(EventShutdown, nil)
	return nil
}

// Close drops the endpoint from any state (spec §4.7 "any state → CLOSED").
func (e *Endpoint) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	e.state = EndpointClosed
	conn := e.conn
	e.mu.Unlock()

	var err error
	if conn != nil {
		err = conn.Close()
	}
	e.wg.Wait()
	return err
}
