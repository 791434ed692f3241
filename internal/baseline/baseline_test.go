package baseline

import (
	"context"
	"fmt"
	"testing"
)

// fakeReader serves canned values and records requested names.
type fakeReader struct {
	values    map[string]string
	requested []string
	err       error
}

func (r *fakeReader) GetValues(_ context.Context, names []string) (map[string]string, error) {
	r.requested = append([]string(nil), names...)
	if r.err != nil {
		return nil, r.err
	}
	out := make(map[string]string)
	for _, n := range names {
		if v, ok := r.values[n]; ok {
			out[n] = v
		}
	}
	return out, nil
}

func TestCaptureAndLoad(t *testing.T) {
	reader := &fakeReader{values: map[string]string{
		"CloudBlockLevel":      "2",
		"ScanAvgCPULoadFactor": "50",
	}}
	dir := t.TempDir()

	snap, path, err := Capture(context.Background(), reader, "ws-01", []string{"CloudBlockLevel", "ScanAvgCPULoadFactor"}, dir)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if snap.Hostname != "ws-01" {
		t.Fatalf("hostname = %q", snap.Hostname)
	}
	if len(snap.Values) != 2 {
		t.Fatalf("expected 2 values, got %d", len(snap.Values))
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if loaded.Values["CloudBlockLevel"] != "2" {
		t.Fatalf("round trip lost value: %v", loaded.Values)
	}
}

func TestCaptureStoreError(t *testing.T) {
	reader := &fakeReader{err: fmt.Errorf("service unavailable")}
	if _, _, err := Capture(context.Background(), reader, "ws-01", []string{"X"}, t.TempDir()); err == nil {
		t.Fatal("expected error")
	}
}

func TestDiff(t *testing.T) {
	snap := &Snapshot{
		Hostname: "ws-01",
		Values: map[string]string{
			"CloudBlockLevel":      "2",
			"PUAProtection":        "1",
			"ScanAvgCPULoadFactor": "50",
		},
	}
	reader := &fakeReader{values: map[string]string{
		"CloudBlockLevel":      "0",  // changed
		"PUAProtection":        "1",  // unchanged
		"ScanAvgCPULoadFactor": "50", // unchanged
	}}

	diffs, err := Diff(context.Background(), reader, snap)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(diffs) != 1 {
		t.Fatalf("expected 1 difference, got %d: %v", len(diffs), diffs)
	}
	if diffs[0].Name != "CloudBlockLevel" || diffs[0].Snapshot != "2" || diffs[0].Current != "0" {
		t.Fatalf("unexpected diff: %+v", diffs[0])
	}
}

func TestDiffSettingGoneMissing(t *testing.T) {
	snap := &Snapshot{Values: map[string]string{"EnableNetworkProtection": "1"}}
	reader := &fakeReader{values: map[string]string{}} // setting no longer reported

	diffs, err := Diff(context.Background(), reader, snap)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(diffs) != 1 || diffs[0].Current != "" {
		t.Fatalf("expected missing-value diff, got %v", diffs)
	}
}

func TestDiffClean(t *testing.T) {
	snap := &Snapshot{Values: map[string]string{"CloudBlockLevel": "2"}}
	reader := &fakeReader{values: map[string]string{"CloudBlockLevel": "2"}}

	diffs, err := Diff(context.Background(), reader, snap)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(diffs) != 0 {
		t.Fatalf("expected clean diff, got %v", diffs)
	}
}
