package mpstore

import (
	"bufio"
	"context"
	"encoding/base64"
	"fmt"
	"log"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/osiriscare/mptriage/internal/batch"
)

// SSHTarget describes a Windows endpoint reachable through OpenSSH Server
// (the optional feature Windows ships since Server 2019 / Windows 10 1809).
type SSHTarget struct {
	Hostname       string  `json:"hostname"`
	Port           int     `json:"port"`
	Username       string  `json:"username"`
	Password       *string `json:"password,omitempty"`
	PrivateKeyPath *string `json:"private_key_path,omitempty"`
	ConnectTimeout int     `json:"connect_timeout"` // seconds
	CommandTimeout int     `json:"command_timeout"` // seconds
}

const (
	sshConnMaxAge         = 300 * time.Second
	sshDefaultCmdTimeout  = 60 // seconds
	sshDefaultConnTimeout = 30 // seconds
)

// SSHStore mutates Defender preferences over SSH. The default shell on a
// Windows OpenSSH host is cmd.exe, so every call invokes powershell.exe
// explicitly with -EncodedCommand to dodge two layers of quoting.
//
// Host keys are trust-on-first-use: first contact is accepted and
// persisted under the state dir, a changed key is rejected.
type SSHStore struct {
	target         SSHTarget
	knownHostsPath string

	mu        sync.Mutex
	client    *ssh.Client
	createdAt time.Time

	// keysMu guards hostKeys separately: the TOFU callback fires during
	// the handshake, while getConnection still holds mu.
	keysMu   sync.Mutex
	hostKeys map[string]ssh.PublicKey
}

// NewSSHStore creates a store for one SSH target. stateDir holds the
// persisted TOFU host keys.
func NewSSHStore(target SSHTarget, stateDir string) *SSHStore {
	s := &SSHStore{
		target:         target,
		knownHostsPath: filepath.Join(stateDir, "ssh_known_hosts"),
		hostKeys:       make(map[string]ssh.PublicKey),
	}
	s.loadKnownHosts()
	return s
}

// SetValue applies one preference via Set-MpPreference on the target.
func (s *SSHStore) SetValue(ctx context.Context, name string, value batch.Value) error {
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
func (s *SSHStore) GetValues(ctx context.Context, names []string) (map[string]string, error) {
	if len(names) == 0 {
		return map[string]string{}, nil
	}
	stdout, stderr, exitCode, err := s.execute(ctx, getScript(names))
	if err != nil {
		s.invalidate()
		return nil, fmt.Errorf("ssh Get-MpPreference: %w", err)
	}
	if exitCode != 0 {
		return nil, fmt.Errorf("Get-MpPreference exited %d on %s: %s", exitCode, s.target.Hostname, stderr)
	}
	return parseGetOutput(stdout, names)
}

// Close closes the cached connection.
func (s *SSHStore) Close() error {
	s.invalidate()
	return nil
}

// execute runs a PowerShell script on the target through one SSH session.
func (s *SSHStore) execute(ctx context.Context, script string) (string, string, int, error) {
	client, err := s.getConnection()
	if err != nil {
		return "", "", -1, fmt.Errorf("get connection: %w", err)
	}

	session, err := client.NewSession()
	if err != nil {
		return "", "", -1, fmt.Errorf("new session: %w", err)
	}
	defer session.Close()

	encoded := encodePowerShell(script)
	cmd := fmt.Sprintf("powershell.exe -NoProfile -NonInteractive -EncodedCommand %s", encoded)

	var stdout, stderr strings.Builder
	session.Stdout = &stdout
	session.Stderr = &stderr

	done := make(chan error, 1)
	go func() {
		done <- session.Run(cmd)
	}()

	timeout := s.target.CommandTimeout
	if timeout <= 0 {
		timeout = sshDefaultCmdTimeout
	}

	select {
	case <-ctx.Done():
		return "", "", -1, fmt.Errorf("context cancelled")
	case <-time.After(time.Duration(timeout) * time.Second):
		return "", "", -1, fmt.Errorf("execution timed out after %ds", timeout)
	case err := <-done:
		exitCode := 0
		if err != nil {
			if exitErr, ok := err.(*ssh.ExitError); ok {
				exitCode = exitErr.ExitStatus()
			} else {
				return "", "", -1, fmt.Errorf("run: %w", err)
			}
		}
		return strings.TrimSpace(stdout.String()), strings.TrimSpace(stderr.String()), exitCode, nil
	}
}

// getConnection returns the cached SSH client, reconnecting when missing,
// stale, or older than sshConnMaxAge.
func (s *SSHStore) getConnection() (*ssh.Client, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.client != nil && time.Since(s.createdAt) < sshConnMaxAge {
		// Cheap liveness probe before reuse
		if sess, err := s.client.NewSession(); err == nil {
			sess.Close()
			return s.client, nil
		}
		log.Printf("[ssh] Stale connection to %s, reconnecting", s.target.Hostname)
	}
	if s.client != nil {
		s.client.Close()
		s.client = nil
	}

	config, err := s.buildSSHConfig()
	if err != nil {
		return nil, err
	}

	port := s.target.Port
	if port == 0 {
		port = 22
	}

	connectTimeout := time.Duration(s.target.ConnectTimeout) * time.Second
	if connectTimeout == 0 {
		connectTimeout = sshDefaultConnTimeout * time.Second
	}

	addr := net.JoinHostPort(s.target.Hostname, fmt.Sprintf("%d", port))
	conn, err := net.DialTimeout("tcp", addr, connectTimeout)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}

	sshConn, chans, reqs, err := ssh.NewClientConn(conn, addr, config)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("SSH handshake %s: %w", addr, err)
	}

	s.client = ssh.NewClient(sshConn, chans, reqs)
	s.createdAt = time.Now()
	log.Printf("[ssh] New connection to %s as %s", addr, config.User)
	return s.client, nil
}

func (s *SSHStore) invalidate() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.client != nil {
		s.client.Close()
		s.client = nil
		log.Printf("[ssh] Invalidated connection for %s", s.target.Hostname)
	}
}

func (s *SSHStore) buildSSHConfig() (*ssh.ClientConfig, error) {
	username := s.target.Username
	if username == "" {
		username = "Administrator"
	}

	config := &ssh.ClientConfig{
		User:            username,
		HostKeyCallback: s.tofuHostKeyCallback,
		Timeout:         sshDefaultConnTimeout * time.Second,
	}

	// Key auth first, then password
	if s.target.PrivateKeyPath != nil && *s.target.PrivateKeyPath != "" {
		keyData, err := os.ReadFile(*s.target.PrivateKeyPath)
		if err != nil {
			return nil, fmt.Errorf("read private key: %w", err)
		}
		signer, err := ssh.ParsePrivateKey(keyData)
		if err != nil {
			return nil, fmt.Errorf("parse private key: %w", err)
		}
		config.Auth = []ssh.AuthMethod{ssh.PublicKeys(signer)}
	} else if s.target.Password != nil && *s.target.Password != "" {
		config.Auth = []ssh.AuthMethod{ssh.Password(*s.target.Password)}
	} else {
		return nil, fmt.Errorf("no auth method for %s (need key or password)", s.target.Hostname)
	}

	return config, nil
}

// tofuHostKeyCallback implements Trust On First Use: accept and persist new
// host keys, reject changed keys (potential MITM).
func (s *SSHStore) tofuHostKeyCallback(hostname string, _ net.Addr, key ssh.PublicKey) error {
	host, _, err := net.SplitHostPort(hostname)
	if err != nil {
		host = hostname
	}

	s.keysMu.Lock()
	defer s.keysMu.Unlock()

	existing, known := s.hostKeys[host]
	if !known {
		s.hostKeys[host] = key
		log.Printf("[ssh] TOFU: accepted new host key for %s (%s)", host, key.Type())
		s.saveKnownHosts()
		return nil
	}

	if string(existing.Marshal()) == string(key.Marshal()) {
		return nil
	}

	log.Printf("[ssh] SECURITY: host key CHANGED for %s (was %s, now %s)", host, existing.Type(), key.Type())
	return fmt.Errorf("host key mismatch for %s: expected %s, got %s (remove from %s to accept new key)",
		host, ssh.FingerprintSHA256(existing), ssh.FingerprintSHA256(key), s.knownHostsPath)
}

// loadKnownHosts reads persisted host keys.
// Format: one line per host: "hostname key-type base64-key"
func (s *SSHStore) loadKnownHosts() {
	f, err := os.Open(s.knownHostsPath)
	if err != nil {
		return // First run, nothing persisted yet
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	loaded := 0
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		parts := strings.SplitN(line, " ", 3)
		if len(parts) != 3 {
			continue
		}
		keyBytes, err := base64.StdEncoding.DecodeString(parts[2])
		if err != nil {
			log.Printf("[ssh] TOFU: bad base64 for %s in known_hosts, skipping", parts[0])
			continue
		}
		pubKey, err := ssh.ParsePublicKey(keyBytes)
		if err != nil {
			log.Printf("[ssh] TOFU: bad key for %s in known_hosts, skipping", parts[0])
			continue
		}
		s.hostKeys[parts[0]] = pubKey
		loaded++
	}
	if loaded > 0 {
		log.Printf("[ssh] TOFU: loaded %d known host keys from %s", loaded, s.knownHostsPath)
	}
}

// saveKnownHosts persists all known host keys. Must be called with
// s.keysMu held.
func (s *SSHStore) saveKnownHosts() {
	if err := os.MkdirAll(filepath.Dir(s.knownHostsPath), 0o755); err != nil {
		log.Printf("[ssh] TOFU: cannot create dir for %s: %v", s.knownHostsPath, err)
		return
	}

	var buf strings.Builder
	buf.WriteString("# SSH known hosts (TOFU, managed by mptriage)\n")
	for host, key := range s.hostKeys {
		buf.WriteString(fmt.Sprintf("%s %s %s\n", host, key.Type(), base64.StdEncoding.EncodeToString(key.Marshal())))
	}

	if err := os.WriteFile(s.knownHostsPath, []byte(buf.String()), 0o600); err != nil {
		log.Printf("[ssh] TOFU: failed to save known_hosts: %v", err)
	}
}
