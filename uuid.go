package mxl

import (
	"bytes"
	"time"

	"github.com/google/uuid"
)

// FlowID is a thin wrapper over github.com/google/uuid.UUID to keep the
// core decoupled from the external package. It identifies a flow within
// a domain and names its directory as "<FlowID>.mxl-flow".
type FlowID uuid.UUID

// ParseFlowID converts a string to a FlowID. It returns an error if the
// input is not a valid UUID.
func ParseFlowID(id string) (FlowID, error) {
	u, err := uuid.Parse(id)
	return FlowID(u), err
}

// NewFlowID returns a new randomly generated FlowID. It retries on error
// with a 1ms backoff up to 10 times and panics only if all attempts fail
// (which should never happen under normal conditions).
func NewFlowID() FlowID {
	var err error
	for i := 0; i < 10; i++ {
		var id uuid.UUID
		id, err = uuid.NewRandom()
		if err == nil {
			return FlowID(id)
		}
		time.Sleep(time.Millisecond)
	}
	panic(err)
}

// NilFlowID is the zero-value FlowID.
var NilFlowID FlowID

// IsNil reports whether the FlowID equals the zero-value FlowID.
func (id FlowID) IsNil() bool {
	return bytes.Equal(id[:], NilFlowID[:])
}

// String returns the canonical string representation of the FlowID.
func (id FlowID) String() string {
	return uuid.UUID(id).String()
}

// DirName returns the on-disk directory name for this flow within a domain.
func (id FlowID) DirName() string {
	return id.String() + ".mxl-flow"
}
