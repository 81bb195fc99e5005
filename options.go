package mxl

import (
	"encoding/json"
	"os"
	"path/filepath"
	"time"
)

// historyDurationOption is the JSON key domains use to override the
// default garbage collection history duration (spec §6).
const historyDurationOption = "urn:x-mxl:option:history_duration/v1.0"

// DefaultHistoryDuration is used when a domain carries no ".options"
// file, the file is invalid JSON, or the configured value is out of range.
const DefaultHistoryDuration = 100 * time.Millisecond

// DomainOptions holds the options read from a domain's ".options" file.
type DomainOptions struct {
	HistoryDuration time.Duration
}

// LoadDomainOptions reads "<domainPath>/.options" if present. Invalid JSON
// is ignored silently and DefaultHistoryDuration is used (spec §6); the
// file being absent is not an error.
func LoadDomainOptions(domainPath string) DomainOptions {
	opts := DomainOptions{HistoryDuration: DefaultHistoryDuration}

	data, err := os.ReadFile(filepath.Join(domainPath, ".options"))
	if err != nil {
		return opts
	}

	var raw map[string]json.Number
	if err := json.Unmarshal(data, &raw); err != nil {
		return opts
	}

	n, ok := raw[historyDurationOption]
	if !ok {
		return opts
	}
	ns, err := n.Int64()
	if err != nil || ns <= 0 {
		return opts
	}
	opts.HistoryDuration = time.Duration(ns)
	return opts
}

// InstanceOptions holds the small allowlist of per-instance overrides. Per
// spec §4.5, HistoryDuration is domain-only: any value set here is ignored
// once merged against a DomainOptions.
type InstanceOptions struct {
	HistoryDuration time.Duration
}

// Merge applies domain-level options over instance-level options.
// HistoryDuration always comes from the domain (spec §4.5: "domain file
// wins over instance JSON for the history duration").
func (d DomainOptions) Merge(InstanceOptions) DomainOptions {
	return d
}
