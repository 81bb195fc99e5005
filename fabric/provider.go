// Package fabric implements the RDMA-class mirror: a target/initiator
// state machine that registers a flow's shared memory as remote-accessible
// regions and issues one-sided writes from initiator to target so that a
// commit on the initiator surfaces identical bytes on the target without a
// copy through user space (spec §1(B), §4.6-§4.11).
//
// Only the tcp transport is implemented: Verbs and EFA are enumerated and
// accepted, but every Endpoint runs over tcp whatever the Provider, which
// changes only String and VirtualAddressMode — the same "vocabulary
// without mandating libfabric" posture spec §4.6 describes.
package fabric

import (
	"encoding/base64"
	"fmt"

	"github.com/media-exchange/mxl"
)

// Provider enumerates supported RDMA transports (spec §4.6).
type Provider int

const (
	ProviderUnknown Provider = iota
	ProviderTCP
	ProviderVerbs
	ProviderEFA
)

func (p Provider) String() string {
	switch p {
	case ProviderTCP:
		return "tcp"
	case ProviderVerbs:
		return "verbs"
	case ProviderEFA:
		return "efa"
	default:
		return "unknown"
	}
}

// VirtualAddressMode reports whether this provider's RemoteRegion.Addr
// carries a meaningful registered virtual address (spec §4.9). Only the
// loopback/tcp provider does, since both sides of a tcp mirror share
// process-relative offsets that would be meaningless across hosts in
// general for a hardware provider.
func (p Provider) VirtualAddressMode() bool {
	return p == ProviderTCP
}

// FabricInfo is a provider-shaped capability descriptor: a linked chain of
// option sets that can be built, walked and copied (spec §4.6).
// FabricInitiator and FabricTarget do not read it; no option set is
// selected or matched against a target.
type FabricInfo struct {
	Provider Provider
	Node     string
	Service  string
	next     *FabricInfo
}

// NewFabricInfo returns a single-element FabricInfo chain.
func NewFabricInfo(provider Provider, node, service string) *FabricInfo {
	return &FabricInfo{Provider: provider, Node: node, Service: service}
}

// Dup returns a deep copy of the FabricInfo chain, since FabricInfo chains
// are logically ownable/duplicable per spec §4.6.
func (fi *FabricInfo) Dup() *FabricInfo {
	if fi == nil {
		return nil
	}
	return &FabricInfo{Provider: fi.Provider, Node: fi.Node, Service: fi.Service, next: fi.next.Dup()}
}

// Next returns the next candidate option set in the chain, or nil.
func (fi *FabricInfo) Next() *FabricInfo {
	if fi == nil {
		return nil
	}
	return fi.next
}

// Append chains next onto the end of fi's list.
func (fi *FabricInfo) Append(next *FabricInfo) {
	cur := fi
	for cur.next != nil {
		cur = cur.next
	}
	cur.next = next
}

// FabricAddress is an opaque byte sequence uniquely identifying an
// endpoint on a fabric (spec §4.6).
type FabricAddress []byte

// EncodeFabricAddress serializes addr via base64 for out-of-band exchange.
func EncodeFabricAddress(addr FabricAddress) string {
	return base64.StdEncoding.EncodeToString(addr)
}

// DecodeFabricAddress parses a base64-encoded fabric address (spec §9 Open
// Question, decided in SPEC_FULL.md: reject empty/malformed input with
// InvalidArg before any length check runs, fixing the original's dead-code
// bug where the length check short-circuited ahead of the decode error
// check).
func DecodeFabricAddress(s string) (FabricAddress, error) {
	if s == "" {
		return nil, mxl.NewError(mxl.InvalidArg, fmt.Errorf("fabric address is empty"))
	}
	raw, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, mxl.NewError(mxl.InvalidArg, fmt.Errorf("fabric address is not valid base64: %w", err))
	}
	if len(raw) == 0 {
		return nil, mxl.NewError(mxl.InvalidArg, fmt.Errorf("fabric address decodes to zero bytes"))
	}
	return FabricAddress(raw), nil
}
