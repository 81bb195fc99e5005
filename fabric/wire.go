package fabric

import (
	"encoding/base64"
	"encoding/json"
	"fmt"

	"github.com/media-exchange/mxl"
)

// TargetInfo is the opaque blob a FabricTarget's setup() produces and an
// initiator consumes via addTarget, carrying everything needed to dial the
// target and match its remote regions (spec §4.10, §6). Like FabricAddress,
// it round-trips through base64; callers treat the string form as opaque
// and never parse it themselves.
type TargetInfo struct {
	Provider     Provider
	LocalAddress string
	Remotes      []RemoteRegion
}

// Identity returns the string this TargetInfo is keyed on by a
// FabricInitiator's target map: a target is identified by where it
// listens, not by any single connection to it.
func (ti TargetInfo) Identity() string {
	return ti.LocalAddress
}

type wireTargetInfo struct {
	Provider     Provider
	LocalAddress string
	Remotes      []RemoteRegion
}

// EncodeTargetInfo serializes ti for out-of-band exchange (spec §4.10
// "serialized as opaque bytes"). JSON-then-base64 plays the same role here
// that base64 alone plays for a bare FabricAddress.
func EncodeTargetInfo(ti TargetInfo) (string, error) {
	raw, err := json.Marshal(wireTargetInfo(ti))
	if err != nil {
		return "", mxl.NewError(mxl.Internal, fmt.Errorf("encoding target info: %w", err))
	}
	return base64.StdEncoding.EncodeToString(raw), nil
}

// DecodeTargetInfo parses a TargetInfo previously produced by
// EncodeTargetInfo.
func DecodeTargetInfo(s string) (TargetInfo, error) {
	if s == "" {
		return TargetInfo{}, mxl.NewError(mxl.InvalidArg, fmt.Errorf("target info is empty"))
	}
	raw, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return TargetInfo{}, mxl.NewError(mxl.InvalidArg, fmt.Errorf("target info is not valid base64: %w", err))
	}
	var w wireTargetInfo
	if err := json.Unmarshal(raw, &w); err != nil {
		return TargetInfo{}, mxl.NewError(mxl.InvalidArg, fmt.Errorf("target info is malformed: %w", err))
	}
	return TargetInfo(w), nil
}
