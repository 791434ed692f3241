package main

import (
	"context"
	"fmt"
	"testing"

	"github.com/osiriscare/mptriage/internal/batch"
	"github.com/osiriscare/mptriage/internal/mpstore"
)

type stubStore struct {
	err error
}

func (s *stubStore) SetValue(ctx context.Context, name string, value batch.Value) error {
	return s.err
}

func (s *stubStore) GetValues(ctx context.Context, names []string) (map[string]string, error) {
	return map[string]string{}, nil
}

func (s *stubStore) Close() error { return nil }

func TestFailureKindsRecordsClassifiedFailures(t *testing.T) {
	ctx := context.Background()

	failing := &failureKinds{
		Store: &stubStore{err: &mpstore.StoreError{
			Kind:    mpstore.UnknownSetting,
			Setting: "BadSetting",
			Detail:  "parameter cannot be found",
		}},
		kinds: map[string]mpstore.ErrorKind{},
	}
	if err := failing.SetValue(ctx, "BadSetting", batch.IntValue(1)); err == nil {
		t.Fatal("expected the wrapped store error to pass through")
	}
	if failing.kinds["BadSetting"] != mpstore.UnknownSetting {
		t.Fatalf("kind = %q, want %q", failing.kinds["BadSetting"], mpstore.UnknownSetting)
	}

	// Plain errors classify as transient via the error-chain fallback.
	plain := &failureKinds{
		Store: &stubStore{err: fmt.Errorf("connection reset")},
		kinds: map[string]mpstore.ErrorKind{},
	}
	plain.SetValue(ctx, "CloudBlockLevel", batch.IntValue(0))
	if plain.kinds["CloudBlockLevel"] != mpstore.TransientAccessFailure {
		t.Fatalf("kind = %q, want %q", plain.kinds["CloudBlockLevel"], mpstore.TransientAccessFailure)
	}

	ok := &failureKinds{Store: &stubStore{}, kinds: map[string]mpstore.ErrorKind{}}
	if err := ok.SetValue(ctx, "CloudBlockLevel", batch.IntValue(0)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(ok.kinds) != 0 {
		t.Fatalf("successful SetValue must not record a kind, got %v", ok.kinds)
	}
}

func TestHintFor(t *testing.T) {
	if hintFor(mpstore.TransientAccessFailure) == "" {
		t.Fatal("transient failures should carry a re-run hint")
	}
	if hintFor(mpstore.UnknownSetting) == "" {
		t.Fatal("unknown settings should carry a drop-from-plan hint")
	}
	if hintFor(mpstore.RejectedValue) != "" {
		t.Fatal("rejected values need no hint, the cmdlet message explains itself")
	}
	if hintFor("") != "" {
		t.Fatal("items that never failed must not get a hint")
	}
}
