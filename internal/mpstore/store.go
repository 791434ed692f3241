// Package mpstore implements preference stores backed by Microsoft
// Defender's administrative cmdlets. Mutations go through Set-MpPreference,
// reads through Get-MpPreference; three transports are provided (local
// powershell.exe, WinRM, Windows OpenSSH), all generating the same scripts.
//
// Every store call assumes an elevated session on the target. When tamper
// protection or a missing troubleshooting-mode override blocks the change,
// the cmdlet error surfaces here as a classified StoreError.
package mpstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/osiriscare/mptriage/internal/batch"
)

// ErrorKind classifies why the store refused or failed a call.
type ErrorKind string

const (
	// RejectedValue: the cmdlet recognized the setting but refused the
	// value (out of range, wrong type, policy-enforced).
	RejectedValue ErrorKind = "rejected_value"
	// UnknownSetting: the setting name is not a Set-MpPreference parameter.
	UnknownSetting ErrorKind = "unknown_setting"
	// TransientAccessFailure: session, permission, or service trouble.
	// Worth re-running once the environment is fixed.
	TransientAccessFailure ErrorKind = "transient_access_failure"
)

// StoreError is a classified failure from a preference store call.
type StoreError struct {
	Kind    ErrorKind
	Setting string
	Detail  string
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("%s: %s (%s)", e.Setting, e.Detail, e.Kind)
}

// KindOf extracts the ErrorKind from an error chain. Returns
// TransientAccessFailure for errors that are not StoreErrors, since
// transport-level failures are by nature transient.
func KindOf(err error) ErrorKind {
	var se *StoreError
	if errors.As(err, &se) {
		return se.Kind
	}
	return TransientAccessFailure
}

// Store is a full preference store: the mutation surface the batch applier
// consumes plus the read surface used for baseline capture.
type Store interface {
	batch.PreferenceStore
	// GetValues reads current values for the named settings. Values come
	// back as display strings (PowerShell's rendering of the property).
	GetValues(ctx context.Context, names []string) (map[string]string, error)
	// Close releases any cached transport session.
	Close() error
}

// --- Script generation ---

// psLiteral renders a batch.Value as a PowerShell argument literal.
func psLiteral(v batch.Value) string {
	switch v.Kind() {
	case batch.KindInt:
		return fmt.Sprintf("%d", v.Int())
	case batch.KindBool:
		if v.Bool() {
			return "$true"
		}
		return "$false"
	default:
		// Single quotes: enum labels never contain quotes, but don't
		// let the shell interpret them either.
		return fmt.Sprintf("'%s'", strings.ReplaceAll(v.Enum(), "'", "''"))
	}
}

// setScript builds the Set-MpPreference invocation for one setting. The
// try/catch keeps the exception message on stderr and the exit code honest;
// -ErrorAction Stop promotes non-terminating cmdlet errors so the catch
// actually sees them.
func setScript(name string, value batch.Value) string {
	return fmt.Sprintf(
		"try { Set-MpPreference -%s %s -ErrorAction Stop; exit 0 } catch { [Console]::Error.WriteLine($_.Exception.Message); exit 1 }",
		name, psLiteral(value))
}

// getScript builds a Get-MpPreference read for the named settings,
// serialized as compact JSON. Names are sorted for a stable script (and a
// stable WinRM command cache key).
func getScript(names []string) string {
	sorted := append([]string(nil), names...)
	sort.Strings(sorted)
	return fmt.Sprintf(
		"Get-MpPreference | Select-Object %s | ConvertTo-Json -Compress",
		strings.Join(sorted, ","))
}

// parseGetOutput decodes the JSON object produced by getScript into
// display strings. PowerShell renders booleans as true/false and leaves
// numerics bare, so everything flattens cleanly through fmt.
func parseGetOutput(stdout string, names []string) (map[string]string, error) {
	stdout = strings.TrimSpace(stdout)
	if stdout == "" {
		return nil, fmt.Errorf("empty Get-MpPreference output")
	}

	var raw map[string]interface{}
	if err := json.Unmarshal([]byte(stdout), &raw); err != nil {
		return nil, fmt.Errorf("parse Get-MpPreference output: %w", err)
	}

	values := make(map[string]string, len(names))
	for _, name := range names {
		v, ok := raw[name]
		if !ok || v == nil {
			continue // setting not present on this Defender version
		}
		switch t := v.(type) {
		case float64:
			if t == float64(int64(t)) {
				values[name] = fmt.Sprintf("%d", int64(t))
			} else {
				values[name] = fmt.Sprintf("%g", t)
			}
		case bool:
			values[name] = fmt.Sprintf("%t", t)
		default:
			values[name] = fmt.Sprintf("%v", t)
		}
	}
	return values, nil
}

// --- Error classification ---

// classify maps a Set-MpPreference stderr message onto the error taxonomy.
// The patterns track the en-US cmdlet error text; anything unrecognized is
// treated as transient so the operator retries rather than gives up on a
// setting that may be fine.
func classify(name, detail string) *StoreError {
	msg := strings.ToLower(detail)

	switch {
	case strings.Contains(msg, "a parameter cannot be found that matches parameter name"),
		strings.Contains(msg, "is not recognized as the name of a cmdlet"):
		return &StoreError{Kind: UnknownSetting, Setting: name, Detail: detail}

	case strings.Contains(msg, "cannot validate argument"),
		strings.Contains(msg, "cannot convert value"),
		strings.Contains(msg, "does not fall within the expected range"),
		strings.Contains(msg, "cannot bind parameter"):
		return &StoreError{Kind: RejectedValue, Setting: name, Detail: detail}

	case strings.Contains(msg, "0x800106ba"), // Defender service not running / tamper protected
		strings.Contains(msg, "0x80070005"), // E_ACCESSDENIED
		strings.Contains(msg, "access is denied"),
		strings.Contains(msg, "operation failed"):
		return &StoreError{Kind: TransientAccessFailure, Setting: name, Detail: detail}
	}

	return &StoreError{Kind: TransientAccessFailure, Setting: name, Detail: detail}
}
