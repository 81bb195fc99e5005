// Package mxl defines the core interfaces, types, and ambient helpers shared
// across the Media eXchange Layer: flow identifiers, the status-code error
// taxonomy, logging configuration, retry policy, the monotonic clock, domain
// option parsing, and the FlowDescriptor collaborator interface.
//
// Concrete mechanics live in subpackages: storage (shared-memory segments,
// the on-disk domain layout, and the writer/reader state machines), flow
// (flow header/grain/sample layouts), instance (per-process domain handle and
// garbage collection), and fabric (the RDMA-class mirror: providers,
// endpoints, queues, memory regions, targets and initiators).
package mxl

// Timeout model
//
// Every blocking MXL operation takes an explicit deadline (spec §5). A
// FlowReader's blocking get suspends on the flow's sync counter until the
// deadline; an Endpoint's blocking poll suspends on its completion queue for
// at most 100ms at a time so it can also probe its event queue. Timeouts
// surface as StatusCode Timeout, never as a bare context error, so callers
// can classify them uniformly regardless of which subsystem blocked.
