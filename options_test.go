package mxl

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadDomainOptionsDefaultsWhenAbsent(t *testing.T) {
	dir := t.TempDir()
	got := LoadDomainOptions(dir)
	if got.HistoryDuration != DefaultHistoryDuration {
		t.Errorf("HistoryDuration = %v, want default %v", got.HistoryDuration, DefaultHistoryDuration)
	}
}

func TestLoadDomainOptionsReadsHistoryDuration(t *testing.T) {
	dir := t.TempDir()
	body := `{"urn:x-mxl:option:history_duration/v1.0": 5000000000}`
	if err := os.WriteFile(filepath.Join(dir, ".options"), []byte(body), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	got := LoadDomainOptions(dir)
	if got.HistoryDuration != 5*time.Second {
		t.Errorf("HistoryDuration = %v, want 5s", got.HistoryDuration)
	}
}

func TestLoadDomainOptionsIgnoresInvalidJSON(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, ".options"), []byte("not json"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	got := LoadDomainOptions(dir)
	if got.HistoryDuration != DefaultHistoryDuration {
		t.Errorf("HistoryDuration = %v, want default %v", got.HistoryDuration, DefaultHistoryDuration)
	}
}

func TestLoadDomainOptionsIgnoresNonPositiveValue(t *testing.T) {
	dir := t.TempDir()
	body := `{"urn:x-mxl:option:history_duration/v1.0": -1}`
	if err := os.WriteFile(filepath.Join(dir, ".options"), []byte(body), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	got := LoadDomainOptions(dir)
	if got.HistoryDuration != DefaultHistoryDuration {
		t.Errorf("HistoryDuration = %v, want default %v", got.HistoryDuration, DefaultHistoryDuration)
	}
}

func TestDomainOptionsMergeIgnoresInstanceHistoryDuration(t *testing.T) {
	domain := DomainOptions{HistoryDuration: 10 * time.Second}
	merged := domain.Merge(InstanceOptions{HistoryDuration: time.Hour})
	if merged.HistoryDuration != 10*time.Second {
		t.Errorf("Merge().HistoryDuration = %v, want domain's 10s", merged.HistoryDuration)
	}
}
