package batch

import (
	"context"
	"encoding/json"
	"fmt"
	"reflect"
	"testing"
)

// fakeStore records SetValue calls and fails for names listed in failWith.
type fakeStore struct {
	calls    []string
	values   map[string]Value
	failWith map[string]error
}

func newFakeStore() *fakeStore {
	return &fakeStore{values: make(map[string]Value), failWith: make(map[string]error)}
}

func (s *fakeStore) SetValue(_ context.Context, name string, value Value) error {
	s.calls = append(s.calls, name)
	if err, ok := s.failWith[name]; ok {
		return err
	}
	s.values[name] = value
	return nil
}

func TestApplyEmptyBatch(t *testing.T) {
	store := newFakeStore()

	report, err := Apply(context.Background(), nil, store, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(report.Results) != 0 {
		t.Fatalf("expected empty report, got %d results", len(report.Results))
	}
	if !report.AllSucceeded() {
		t.Fatal("empty report should count as success")
	}
	if len(store.calls) != 0 {
		t.Fatalf("store touched %d times for empty batch", len(store.calls))
	}
}

func TestApplyAllSucceed(t *testing.T) {
	store := newFakeStore()
	changes := []SettingChange{
		{Name: "CloudBlockLevel", Value: IntValue(0)},
		{Name: "DisableScanningNetworkFiles", Value: BoolValue(true)},
		{Name: "PUAProtection", Value: EnumValue("Disabled")},
	}

	report, err := Apply(context.Background(), changes, store, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if report.Succeeded != 3 || report.Failed != 0 {
		t.Fatalf("expected 3/0, got %d/%d", report.Succeeded, report.Failed)
	}
	for i, c := range changes {
		if report.Results[i].Name != c.Name {
			t.Fatalf("result %d is %s, want %s", i, report.Results[i].Name, c.Name)
		}
		if report.Results[i].Outcome != OutcomeSuccess {
			t.Fatalf("result %d not success", i)
		}
	}
	if store.values["PUAProtection"].Enum() != "Disabled" {
		t.Fatalf("store holds %v for PUAProtection", store.values["PUAProtection"])
	}
}

func TestApplyFailureIsIsolated(t *testing.T) {
	store := newFakeStore()
	store.failWith["BadSetting"] = fmt.Errorf("unknown setting: BadSetting")

	changes := []SettingChange{
		{Name: "EnableNetworkProtection", Value: IntValue(0)},
		{Name: "BadSetting", Value: IntValue(1)},
	}

	report, err := Apply(context.Background(), changes, store, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(report.Results) != 2 {
		t.Fatalf("expected 2 results, got %d", len(report.Results))
	}
	if report.Results[0].Outcome != OutcomeSuccess {
		t.Fatal("first item should succeed")
	}
	if report.Results[1].Outcome != OutcomeFailure {
		t.Fatal("second item should fail")
	}
	if report.Results[1].Reason == "" {
		t.Fatal("failure should carry a reason")
	}
	if v, ok := store.values["EnableNetworkProtection"]; !ok || v.Int() != 0 {
		t.Fatal("successful item should remain applied despite later failure")
	}
	if report.AllSucceeded() {
		t.Fatal("report with a failure must not count as all-succeeded")
	}
}

func TestApplyMidBatchFailureDoesNotCascade(t *testing.T) {
	store := newFakeStore()
	store.failWith["B"] = fmt.Errorf("service unavailable")

	changes := []SettingChange{
		{Name: "A", Value: IntValue(1)},
		{Name: "B", Value: IntValue(2)},
		{Name: "C", Value: IntValue(3)},
	}

	report, err := Apply(context.Background(), changes, store, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := []Outcome{OutcomeSuccess, OutcomeFailure, OutcomeSuccess}
	for i, o := range want {
		if report.Results[i].Outcome != o {
			t.Fatalf("result %d = %s, want %s", i, report.Results[i].Outcome, o)
		}
	}
	if !reflect.DeepEqual(store.calls, []string{"A", "B", "C"}) {
		t.Fatalf("store call order %v", store.calls)
	}
}

func TestApplyDuplicateNamesLastWriteWins(t *testing.T) {
	store := newFakeStore()
	changes := []SettingChange{
		{Name: "ScanAvgCPULoadFactor", Value: IntValue(50)},
		{Name: "ScanAvgCPULoadFactor", Value: IntValue(20)},
	}

	report, err := Apply(context.Background(), changes, store, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(report.Results) != 2 {
		t.Fatalf("expected 2 results for duplicate names, got %d", len(report.Results))
	}
	if store.values["ScanAvgCPULoadFactor"].Int() != 20 {
		t.Fatalf("expected last write to win, store holds %v", store.values["ScanAvgCPULoadFactor"])
	}
}

func TestApplyEmptyNameFailsBeforeStore(t *testing.T) {
	store := newFakeStore()
	changes := []SettingChange{
		{Name: "CloudBlockLevel", Value: IntValue(0)},
		{Name: "", Value: IntValue(1)},
	}

	_, err := Apply(context.Background(), changes, store, nil)
	if err == nil {
		t.Fatal("expected error for empty name")
	}
	if len(store.calls) != 0 {
		t.Fatalf("store touched %d times despite malformed input", len(store.calls))
	}
}

func TestApplyNilStore(t *testing.T) {
	if _, err := Apply(context.Background(), nil, nil, nil); err == nil {
		t.Fatal("expected error for nil store")
	}
}

func TestApplySinkReceivesResultsInOrder(t *testing.T) {
	store := newFakeStore()
	store.failWith["B"] = fmt.Errorf("rejected")

	var seen []string
	sink := func(r ApplyResult) {
		seen = append(seen, fmt.Sprintf("%s:%s", r.Name, r.Outcome))
	}

	changes := []SettingChange{
		{Name: "A", Value: BoolValue(true)},
		{Name: "B", Value: BoolValue(false)},
	}
	if _, err := Apply(context.Background(), changes, store, sink); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	want := []string{"A:success", "B:failure"}
	if !reflect.DeepEqual(seen, want) {
		t.Fatalf("sink saw %v, want %v", seen, want)
	}
}

func TestApplyIdempotent(t *testing.T) {
	changes := []SettingChange{
		{Name: "CloudBlockLevel", Value: IntValue(0)},
		{Name: "PUAProtection", Value: EnumValue("Disabled")},
	}

	first, err := Apply(context.Background(), changes, newFakeStore(), nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	second, err := Apply(context.Background(), changes, newFakeStore(), nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !reflect.DeepEqual(first, second) {
		t.Fatal("identical inputs against deterministic stores should yield identical reports")
	}
}

func TestValueJSONRoundTrip(t *testing.T) {
	cases := []Value{IntValue(20), BoolValue(true), EnumValue("AuditMode")}
	for _, v := range cases {
		data, err := json.Marshal(v)
		if err != nil {
			t.Fatalf("marshal %v: %v", v, err)
		}
		var got Value
		if err := json.Unmarshal(data, &got); err != nil {
			t.Fatalf("unmarshal %s: %v", data, err)
		}
		if got.Kind() != v.Kind() || got.String() != v.String() {
			t.Fatalf("round trip %v -> %s -> %v", v, data, got)
		}
	}
}

func TestValueString(t *testing.T) {
	if s := IntValue(0).String(); s != "0" {
		t.Fatalf("int string %q", s)
	}
	if s := BoolValue(true).String(); s != "true" {
		t.Fatalf("bool string %q", s)
	}
	if s := EnumValue("Disabled").String(); s != "Disabled" {
		t.Fatalf("enum string %q", s)
	}
}
