// Package baseline captures and compares snapshots of Defender preference
// values. A snapshot is taken before the first relaxation step so the
// operator can see exactly what the triage session changed and prove the
// restore plan put everything back.
package baseline

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"time"
)

// Reader is the read side of a preference store.
type Reader interface {
	GetValues(ctx context.Context, names []string) (map[string]string, error)
}

// Snapshot is a point-in-time record of preference values on one host.
type Snapshot struct {
	Hostname   string            `json:"hostname"`
	CapturedAt time.Time         `json:"captured_at"`
	Values     map[string]string `json:"values"`
}

// Difference is one setting whose live value no longer matches a snapshot.
type Difference struct {
	Name     string `json:"name"`
	Snapshot string `json:"snapshot"` // "" when absent at capture time
	Current  string `json:"current"`  // "" when absent now
}

// Capture reads the named settings from the store and writes a timestamped
// snapshot file into dir. Returns the snapshot and the file path.
func Capture(ctx context.Context, store Reader, hostname string, names []string, dir string) (*Snapshot, string, error) {
	values, err := store.GetValues(ctx, names)
	if err != nil {
		return nil, "", fmt.Errorf("capture baseline: %w", err)
	}

	snap := &Snapshot{
		Hostname:   hostname,
		CapturedAt: time.Now().UTC(),
		Values:     values,
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, "", fmt.Errorf("create baseline dir: %w", err)
	}

	path := filepath.Join(dir, fmt.Sprintf("baseline_%s_%s.json",
		hostname, snap.CapturedAt.Format("20060102T150405Z")))

	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return nil, "", fmt.Errorf("encode baseline: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return nil, "", fmt.Errorf("write baseline: %w", err)
	}

	log.Printf("[baseline] Captured %d values for %s -> %s", len(values), hostname, path)
	return snap, path, nil
}

// Load reads a snapshot file.
func Load(path string) (*Snapshot, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read baseline: %w", err)
	}
	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("parse baseline %s: %w", path, err)
	}
	return &snap, nil
}

// Diff reads the snapshot's settings from the store and returns every
// setting whose value changed since capture, sorted by name.
func Diff(ctx context.Context, store Reader, snap *Snapshot) ([]Difference, error) {
	names := make([]string, 0, len(snap.Values))
	for n := range snap.Values {
		names = append(names, n)
	}
	sort.Strings(names)

	current, err := store.GetValues(ctx, names)
	if err != nil {
		return nil, fmt.Errorf("read current values: %w", err)
	}

	var diffs []Difference
	for _, n := range names {
		if snap.Values[n] != current[n] {
			diffs = append(diffs, Difference{Name: n, Snapshot: snap.Values[n], Current: current[n]})
		}
	}
	return diffs, nil
}
