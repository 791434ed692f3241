package mpstore

import (
	"encoding/base64"
	"fmt"
	"strings"
	"testing"

	"github.com/osiriscare/mptriage/internal/batch"
)

func TestPSLiteral(t *testing.T) {
	cases := []struct {
		value batch.Value
		want  string
	}{
		{batch.IntValue(0), "0"},
		{batch.IntValue(20), "20"},
		{batch.BoolValue(true), "$true"},
		{batch.BoolValue(false), "$false"},
		{batch.EnumValue("Disabled"), "'Disabled'"},
		{batch.EnumValue("AuditMode"), "'AuditMode'"},
	}
	for _, c := range cases {
		if got := psLiteral(c.value); got != c.want {
			t.Errorf("psLiteral(%v) = %q, want %q", c.value, got, c.want)
		}
	}
}

func TestSetScript(t *testing.T) {
	script := setScript("CloudBlockLevel", batch.IntValue(0))

	if !strings.Contains(script, "Set-MpPreference -CloudBlockLevel 0") {
		t.Fatalf("script missing cmdlet invocation: %s", script)
	}
	if !strings.Contains(script, "-ErrorAction Stop") {
		t.Fatalf("script must promote cmdlet errors: %s", script)
	}
	if !strings.Contains(script, "exit 1") {
		t.Fatalf("script must exit nonzero on failure: %s", script)
	}
}

func TestSetScriptBoolAndEnum(t *testing.T) {
	if s := setScript("DisableScanningNetworkFiles", batch.BoolValue(true)); !strings.Contains(s, "-DisableScanningNetworkFiles $true") {
		t.Fatalf("bool literal wrong: %s", s)
	}
	if s := setScript("PUAProtection", batch.EnumValue("Disabled")); !strings.Contains(s, "-PUAProtection 'Disabled'") {
		t.Fatalf("enum literal wrong: %s", s)
	}
}

func TestGetScriptSortsNames(t *testing.T) {
	script := getScript([]string{"PUAProtection", "CloudBlockLevel"})
	if !strings.Contains(script, "Select-Object CloudBlockLevel,PUAProtection") {
		t.Fatalf("names not sorted: %s", script)
	}
	if !strings.Contains(script, "ConvertTo-Json") {
		t.Fatalf("missing JSON serialization: %s", script)
	}
}

func TestParseGetOutput(t *testing.T) {
	stdout := `{"CloudBlockLevel":0,"DisableScanningNetworkFiles":false,"PUAProtection":1,"ScanAvgCPULoadFactor":50}`
	names := []string{"CloudBlockLevel", "DisableScanningNetworkFiles", "PUAProtection", "ScanAvgCPULoadFactor"}

	values, err := parseGetOutput(stdout, names)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if values["CloudBlockLevel"] != "0" {
		t.Errorf("CloudBlockLevel = %q", values["CloudBlockLevel"])
	}
	if values["DisableScanningNetworkFiles"] != "false" {
		t.Errorf("DisableScanningNetworkFiles = %q", values["DisableScanningNetworkFiles"])
	}
	if values["ScanAvgCPULoadFactor"] != "50" {
		t.Errorf("ScanAvgCPULoadFactor = %q", values["ScanAvgCPULoadFactor"])
	}
}

func TestParseGetOutputMissingSetting(t *testing.T) {
	// Older Defender versions lack some preferences; Select-Object emits null.
	stdout := `{"CloudBlockLevel":2,"EnableNetworkProtection":null}`
	values, err := parseGetOutput(stdout, []string{"CloudBlockLevel", "EnableNetworkProtection"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, ok := values["EnableNetworkProtection"]; ok {
		t.Error("null setting should be omitted")
	}
	if values["CloudBlockLevel"] != "2" {
		t.Errorf("CloudBlockLevel = %q", values["CloudBlockLevel"])
	}
}

func TestParseGetOutputGarbage(t *testing.T) {
	if _, err := parseGetOutput("WARNING: something", []string{"X"}); err == nil {
		t.Fatal("expected error for non-JSON output")
	}
	if _, err := parseGetOutput("", []string{"X"}); err == nil {
		t.Fatal("expected error for empty output")
	}
}

func TestClassify(t *testing.T) {
	cases := []struct {
		detail string
		want   ErrorKind
	}{
		{"A parameter cannot be found that matches parameter name 'BadSetting'.", UnknownSetting},
		{"Cannot validate argument on parameter 'CloudBlockLevel'. The argument \"9\" does not belong to the set.", RejectedValue},
		{"Cannot convert value \"maybe\" to type \"System.Boolean\".", RejectedValue},
		{"Operation failed with the following error: 0x800106ba", TransientAccessFailure},
		{"Access is denied.", TransientAccessFailure},
		{"something nobody has seen before", TransientAccessFailure},
	}
	for _, c := range cases {
		err := classify("TestSetting", c.detail)
		if err.Kind != c.want {
			t.Errorf("classify(%q) = %s, want %s", c.detail, err.Kind, c.want)
		}
	}
}

func TestKindOf(t *testing.T) {
	se := &StoreError{Kind: UnknownSetting, Setting: "X", Detail: "no such parameter"}
	if KindOf(se) != UnknownSetting {
		t.Fatal("KindOf should unwrap StoreError")
	}
	wrapped := fmt.Errorf("apply: %w", se)
	if KindOf(wrapped) != UnknownSetting {
		t.Fatal("KindOf should unwrap through %w chains")
	}
	if KindOf(fmt.Errorf("plain")) != TransientAccessFailure {
		t.Fatal("non-StoreError should default to transient")
	}
}

func TestEncodePowerShell(t *testing.T) {
	encoded := encodePowerShell("exit 0")
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		t.Fatalf("not valid base64: %v", err)
	}
	// UTF-16LE: every even byte is the ASCII char, every odd byte is zero
	if len(raw) != len("exit 0")*2 {
		t.Fatalf("expected UTF-16LE length %d, got %d", len("exit 0")*2, len(raw))
	}
	if raw[0] != 'e' || raw[1] != 0 {
		t.Fatalf("not UTF-16LE: % x", raw[:4])
	}
}
