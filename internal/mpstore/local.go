package mpstore

import (
	"bytes"
	"context"
	"fmt"
	"log"
	"os/exec"
	"strings"
	"time"

	"github.com/osiriscare/mptriage/internal/batch"
)

const localCommandTimeout = 60 * time.Second

// LocalStore mutates Defender preferences by running powershell.exe on the
// machine mptriage itself runs on. Requires an elevated shell.
type LocalStore struct {
	// shell is the PowerShell binary to invoke. Defaults to powershell.exe
	// so the Defender module is always available (pwsh needs -UseWindowsPowerShell).
	shell string
}

// NewLocalStore creates a store that executes against the local endpoint.
func NewLocalStore() *LocalStore {
	return &LocalStore{shell: "powershell.exe"}
}

// SetValue applies one preference via a local Set-MpPreference call.
func (s *LocalStore) SetValue(ctx context.Context, name string, value batch.Value) error {
	stdout, stderr, exitCode, err := s.run(ctx, setScript(name, value))
	if err != nil {
		return &StoreError{Kind: TransientAccessFailure, Setting: name, Detail: err.Error()}
	}
	if exitCode != 0 {
		detail := stderr
		if detail == "" {
			detail = fmt.Sprintf("exit code %d: %s", exitCode, stdout)
		}
		return classify(name, detail)
	}
	return nil
}

// GetValues reads current preference values via Get-MpPreference.
func (s *LocalStore) GetValues(ctx context.Context, names []string) (map[string]string, error) {
	if len(names) == 0 {
		return map[string]string{}, nil
	}
	stdout, stderr, exitCode, err := s.run(ctx, getScript(names))
	if err != nil {
		return nil, fmt.Errorf("run Get-MpPreference: %w", err)
	}
	if exitCode != 0 {
		return nil, fmt.Errorf("Get-MpPreference exited %d: %s", exitCode, stderr)
	}
	return parseGetOutput(stdout, names)
}

// Close is a no-op; the local store holds no session.
func (s *LocalStore) Close() error { return nil }

// run executes a script through -Command with a hard timeout, returning
// trimmed stdout/stderr and the exit code.
func (s *LocalStore) run(ctx context.Context, script string) (string, string, int, error) {
	ctx, cancel := context.WithTimeout(ctx, localCommandTimeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, s.shell, "-NoProfile", "-NonInteractive", "-Command", script)

	var stdoutBuf, stderrBuf bytes.Buffer
	cmd.Stdout = &stdoutBuf
	cmd.Stderr = &stderrBuf

	err := cmd.Run()
	stdout := strings.TrimSpace(stdoutBuf.String())
	stderr := strings.TrimSpace(stderrBuf.String())

	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			return stdout, stderr, exitErr.ExitCode(), nil
		}
		log.Printf("[mpstore] local powershell failed to start: %v", err)
		return stdout, stderr, -1, err
	}
	return stdout, stderr, 0, nil
}
