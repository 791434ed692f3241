package mpstore

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"log"
	"strings"
	"sync"
	"time"

	gowinrm "github.com/masterzen/winrm"

	"github.com/osiriscare/mptriage/internal/batch"
)

// WinRMTarget describes the Windows endpoint to administer over WinRM.
type WinRMTarget struct {
	Hostname  string `json:"hostname"`
	Port      int    `json:"port"`
	Username  string `json:"username"` // DOMAIN\user format
	Password  string `json:"password"`
	UseSSL    bool   `json:"use_ssl"`
	VerifySSL bool   `json:"verify_ssl"`
}

const winrmSessionMaxAge = 300 * time.Second

// WinRMStore mutates Defender preferences on a remote endpoint over WinRM
// with NTLM auth. The client session is cached and refreshed after
// winrmSessionMaxAge. Each SetValue is exactly one cmdlet invocation:
// there is no retry, the batch applier reports the failure instead.
type WinRMStore struct {
	target WinRMTarget

	mu        sync.Mutex
	client    *gowinrm.Client
	createdAt time.Time
}

// NewWinRMStore creates a store for one WinRM target.
func NewWinRMStore(target WinRMTarget) *WinRMStore {
	return &WinRMStore{target: target}
}

// SetValue applies one preference via Set-MpPreference on the target.
func (s *WinRMStore) SetValue(ctx context.Context, name string, value batch.Value) error {
	stdout, stderr, exitCode, err := s.execute(ctx, setScript(name, value))
	if err != nil {
		s.invalidate()
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

// GetValues reads current preference values from the target.
func (s *WinRMStore) GetValues(ctx context.Context, names []string) (map[string]string, error) {
	if len(names) == 0 {
		return map[string]string{}, nil
	}
	stdout, stderr, exitCode, err := s.execute(ctx, getScript(names))
	if err != nil {
		s.invalidate()
		return nil, fmt.Errorf("winrm Get-MpPreference: %w", err)
	}
	if exitCode != 0 {
		return nil, fmt.Errorf("Get-MpPreference exited %d on %s: %s", exitCode, s.target.Hostname, stderr)
	}
	return parseGetOutput(stdout, names)
}

// Close drops the cached session.
func (s *WinRMStore) Close() error {
	s.invalidate()
	return nil
}

// execute runs a short PowerShell script via -EncodedCommand on a cached
// or fresh shell. Timeout policy lives in the WinRM operation timeout
// (PT120S below), not in ctx.
func (s *WinRMStore) execute(_ context.Context, script string) (string, string, int, error) {
	client, err := s.getSession()
	if err != nil {
		return "", "", -1, fmt.Errorf("get session: %w", err)
	}

	shell, err := client.CreateShell()
	if err != nil {
		return "", "", -1, fmt.Errorf("create shell: %w", err)
	}
	defer shell.Close()

	encoded := encodePowerShell(script)
	cmd, err := shell.Execute("powershell.exe", "-NoProfile", "-NonInteractive", "-EncodedCommand", encoded)
	if err != nil {
		return "", "", -1, fmt.Errorf("execute: %w", err)
	}
	defer cmd.Close()

	stdout, stderr := drainStreams(cmd.Stdout, cmd.Stderr, cmd.Wait)

	return stdout, stderr, cmd.ExitCode(), nil
}

// drainStreams copies stdout and stderr concurrently while wait blocks for
// command completion, then joins both copiers before reading the buffers.
// Joining matters: wait can return while output is still in flight, and
// reading the buffers early would race the copiers and truncate the
// captured text.
func drainStreams(stdout, stderr io.Reader, wait func()) (string, string) {
	var stdoutBuf, stderrBuf bytes.Buffer

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		io.Copy(&stdoutBuf, stdout)
	}()
	go func() {
		defer wg.Done()
		io.Copy(&stderrBuf, stderr)
	}()

	wait()
	wg.Wait()

	return strings.TrimSpace(stdoutBuf.String()), strings.TrimSpace(stderrBuf.String())
}

// getSession returns the cached WinRM client, building a new one when
// missing or older than winrmSessionMaxAge.
func (s *WinRMStore) getSession() (*gowinrm.Client, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.client != nil && time.Since(s.createdAt) < winrmSessionMaxAge {
		return s.client, nil
	}
	if s.client != nil {
		log.Printf("[winrm] Session expired for %s, refreshing", s.target.Hostname)
	}

	port := s.target.Port
	if port == 0 {
		if s.target.UseSSL {
			port = 5986
		} else {
			port = 5985
		}
	}

	endpoint := gowinrm.NewEndpoint(s.target.Hostname, port, s.target.UseSSL, !s.target.VerifySSL, nil, nil, nil, 120*time.Second)

	// NTLM auth: required in domain environments, Basic is rarely enabled
	params := gowinrm.NewParameters("PT120S", "en-US", 153600)
	params.TransportDecorator = func() gowinrm.Transporter { return &gowinrm.ClientNTLM{} }

	client, err := gowinrm.NewClientWithParameters(endpoint, s.target.Username, s.target.Password, params)
	if err != nil {
		return nil, fmt.Errorf("create WinRM client for %s: %w", s.target.Hostname, err)
	}

	s.client = client
	s.createdAt = time.Now()
	log.Printf("[winrm] New session for %s:%d (ssl=%v)", s.target.Hostname, port, s.target.UseSSL)
	return client, nil
}

func (s *WinRMStore) invalidate() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.client != nil {
		s.client = nil
		log.Printf("[winrm] Invalidated session for %s", s.target.Hostname)
	}
}

// encodePowerShell encodes a script for PowerShell's -EncodedCommand
// parameter, which expects UTF-16LE base64.
func encodePowerShell(script string) string {
	utf16 := make([]byte, len(script)*2)
	for i, c := range []byte(script) {
		utf16[i*2] = c
		utf16[i*2+1] = 0
	}
	return base64.StdEncoding.EncodeToString(utf16)
}
