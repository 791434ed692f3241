// Package batch applies an ordered list of named preference changes to an
// external store, one item at a time, tolerating per-item failure.
//
// The applier never short-circuits: every input change produces exactly one
// result, in input order, whether or not earlier items failed. There is no
// retry and no rollback: the operator reads the report and decides what to
// do next, which is the expectation when walking a Defender endpoint through
// staged performance-triage steps.
package batch

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
)

// ValueKind discriminates the three value shapes Set-MpPreference accepts.
type ValueKind int

const (
	KindInt ValueKind = iota
	KindBool
	KindEnum
)

// Value is a preference value: an integer, a boolean, or an enumerated
// string label. Immutable once constructed.
type Value struct {
	kind ValueKind
	i    int
	b    bool
	s    string
}

// IntValue returns an integer Value.
func IntValue(i int) Value { return Value{kind: KindInt, i: i} }

// BoolValue returns a boolean Value.
func BoolValue(b bool) Value { return Value{kind: KindBool, b: b} }

// EnumValue returns an enumerated-label Value.
func EnumValue(label string) Value { return Value{kind: KindEnum, s: label} }

// Kind returns the value's discriminator.
func (v Value) Kind() ValueKind { return v.kind }

// Int returns the integer payload. Only meaningful when Kind() == KindInt.
func (v Value) Int() int { return v.i }

// Bool returns the boolean payload. Only meaningful when Kind() == KindBool.
func (v Value) Bool() bool { return v.b }

// Enum returns the label payload. Only meaningful when Kind() == KindEnum.
func (v Value) Enum() string { return v.s }

// String renders the value for reports and logs.
func (v Value) String() string {
	switch v.kind {
	case KindInt:
		return fmt.Sprintf("%d", v.i)
	case KindBool:
		return fmt.Sprintf("%t", v.b)
	default:
		return v.s
	}
}

// MarshalJSON emits the natural scalar: 0, true, or "Disabled".
func (v Value) MarshalJSON() ([]byte, error) {
	switch v.kind {
	case KindInt:
		return json.Marshal(v.i)
	case KindBool:
		return json.Marshal(v.b)
	default:
		return json.Marshal(v.s)
	}
}

// UnmarshalJSON accepts an integer, boolean, or string scalar.
func (v *Value) UnmarshalJSON(data []byte) error {
	var i int
	if err := json.Unmarshal(data, &i); err == nil {
		*v = IntValue(i)
		return nil
	}
	var b bool
	if err := json.Unmarshal(data, &b); err == nil {
		*v = BoolValue(b)
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		*v = EnumValue(s)
		return nil
	}
	return fmt.Errorf("value must be an integer, boolean, or string")
}

// SettingChange is one requested preference mutation. Names need not be
// unique within a batch; duplicates are re-applied in order (last write
// wins at the store, independent entries in the report).
type SettingChange struct {
	Name  string `json:"name"`
	Value Value  `json:"value"`
}

// Outcome is the per-item result state.
type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeFailure Outcome = "failure"
)

// ApplyResult records what happened to a single SettingChange.
type ApplyResult struct {
	Name      string  `json:"name"`
	Requested Value   `json:"requested"`
	Outcome   Outcome `json:"outcome"`
	Reason    string  `json:"reason,omitempty"` // set only on failure
}

// BatchReport is the ordered sequence of per-item results plus summary
// counts. The applier returns it and retains no reference.
type BatchReport struct {
	Results   []ApplyResult `json:"results"`
	Succeeded int           `json:"succeeded"`
	Failed    int           `json:"failed"`
}

// AllSucceeded reports whether no item failed. An empty report counts as
// success.
func (r *BatchReport) AllSucceeded() bool { return r.Failed == 0 }

// PreferenceStore is the external collaborator owning effective
// configuration state. A SetValue call is assumed unit-atomic: it either
// lands the value or leaves prior state unchanged.
type PreferenceStore interface {
	SetValue(ctx context.Context, name string, value Value) error
}

// Sink receives each result as it is produced, for progressive console or
// log output. Decoration only; correctness never depends on it.
type Sink func(ApplyResult)

// Apply applies changes to store in input order. Each item gets exactly one
// SetValue call; a failed item is recorded and the loop continues. The
// returned report always holds len(changes) results, positionally matched
// to the input.
//
// Apply itself returns an error only for malformed input (a change with an
// empty name), detected before the store is touched. ctx is passed through
// to the store call (timeout and cancellation policy belong to the store)
// and is never used to abort between items, since a truncated report would
// break the positional contract.
func Apply(ctx context.Context, changes []SettingChange, store PreferenceStore, sink Sink) (*BatchReport, error) {
	if store == nil {
		return nil, fmt.Errorf("nil preference store")
	}
	for i, c := range changes {
		if c.Name == "" {
			return nil, fmt.Errorf("change %d has an empty name", i)
		}
	}

	report := &BatchReport{Results: make([]ApplyResult, 0, len(changes))}

	for _, c := range changes {
		res := ApplyResult{Name: c.Name, Requested: c.Value}

		if err := store.SetValue(ctx, c.Name, c.Value); err != nil {
			res.Outcome = OutcomeFailure
			res.Reason = err.Error()
			report.Failed++
			log.Printf("[batch] %s=%s FAILED: %v", c.Name, c.Value, err)
		} else {
			res.Outcome = OutcomeSuccess
			report.Succeeded++
			log.Printf("[batch] %s=%s applied", c.Name, c.Value)
		}

		report.Results = append(report.Results, res)
		if sink != nil {
			sink(res)
		}
	}

	return report, nil
}
