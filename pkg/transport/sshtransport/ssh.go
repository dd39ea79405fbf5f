// Package sshtransport is the reference transport: a real SSH connection
// (golang.org/x/crypto/ssh) multiplexing one-shot and streaming command
// execution, backed by an SFTP subsystem (github.com/pkg/sftp) for file
// I/O. Each command gets its own ssh.Session; a goroutine pair drains
// stdout/stderr while the session's Wait delivers the eventual exit status.
package sshtransport

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"os"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/pkg/sftp"
	"github.com/rs/zerolog"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/agent"

	"github.com/tb0hdan/remote-exec-mcp/pkg/shellquote"
	"github.com/tb0hdan/remote-exec-mcp/pkg/transport"
)

// Transport implements transport.Transport over a single SSH connection.
type Transport struct {
	cfg    Config
	logger zerolog.Logger

	mu     sync.Mutex
	client *ssh.Client
	sftp   *sftp.Client

	rgOnce     sync.Once
	hasRipgrep bool
}

// New returns a Transport for cfg. The connection is established lazily on
// first use so that constructing a Transport never blocks on the network.
func New(cfg Config, logger zerolog.Logger) *Transport {
	return &Transport{cfg: cfg.withDefaults(), logger: logger.With().Str("component", "sshtransport").Logger()}
}

func (t *Transport) authMethods() ([]ssh.AuthMethod, error) {
	var methods []ssh.AuthMethod

	switch {
	case t.cfg.Password != "":
		methods = append(methods, ssh.Password(t.cfg.Password))

	case t.cfg.AgentSocketPath != "":
		conn, err := net.Dial("unix", t.cfg.AgentSocketPath)
		if err != nil {
			return nil, fmt.Errorf("failed to dial ssh-agent socket: %w", err)
		}
		methods = append(methods, ssh.PublicKeysCallback(agent.NewClient(conn).Signers))

	case len(t.cfg.PrivateKeyPEM) > 0 || t.cfg.PrivateKeyPath != "":
		pem := t.cfg.PrivateKeyPEM
		if len(pem) == 0 {
			b, err := os.ReadFile(t.cfg.PrivateKeyPath)
			if err != nil {
				return nil, fmt.Errorf("failed to read private key: %w", err)
			}
			pem = b
		}

		var signer ssh.Signer
		var err error
		if t.cfg.Passphrase != "" {
			signer, err = ssh.ParsePrivateKeyWithPassphrase(pem, []byte(t.cfg.Passphrase))
		} else {
			signer, err = ssh.ParsePrivateKey(pem)
		}
		if err != nil {
			return nil, fmt.Errorf("failed to parse private key: %w", err)
		}
		methods = append(methods, ssh.PublicKeys(signer))

	default:
		return nil, fmt.Errorf("no authentication method configured (password, private key, or agent socket required)")
	}

	return methods, nil
}

func (t *Transport) hostKeyCallback() ssh.HostKeyCallback {
	if t.cfg.KnownHostPubKey == "" {
		t.logger.Warn().Msg("no known_hosts pin configured; accepting remote host key unconditionally")
		return ssh.InsecureIgnoreHostKey() //nolint:gosec // host-key policy is the caller's; a pinned key enables verification
	}

	pinned, _, _, _, err := ssh.ParseAuthorizedKey([]byte(t.cfg.KnownHostPubKey))
	if err != nil {
		t.logger.Warn().Err(err).Msg("failed to parse pinned host key; falling back to insecure host key checking")
		return ssh.InsecureIgnoreHostKey() //nolint:gosec
	}

	return ssh.FixedHostKey(pinned)
}

// connect dials and authenticates if not already connected. Must be called
// with t.mu held.
func (t *Transport) connect() (*ssh.Client, error) {
	if t.client != nil {
		return t.client, nil
	}

	methods, err := t.authMethods()
	if err != nil {
		return nil, err
	}

	clientCfg := &ssh.ClientConfig{
		User:            t.cfg.User,
		Auth:            methods,
		HostKeyCallback: t.hostKeyCallback(),
		Timeout:         10 * time.Second,
	}

	addr := fmt.Sprintf("%s:%d", t.cfg.Host, t.cfg.Port)
	client, err := ssh.Dial("tcp", addr, clientCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", addr, err)
	}

	t.client = client
	return client, nil
}

func (t *Transport) sftpClient() (*sftp.Client, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.sftp != nil {
		return t.sftp, nil
	}

	client, err := t.connect()
	if err != nil {
		return nil, err
	}

	sc, err := sftp.NewClient(client)
	if err != nil {
		return nil, fmt.Errorf("failed to start sftp subsystem: %w", err)
	}
	t.sftp = sc
	return sc, nil
}

func (t *Transport) newSession() (*ssh.Session, error) {
	t.mu.Lock()
	client, err := t.connect()
	t.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return client.NewSession()
}

// ExecOneShot runs command to completion, or kills it once timeout elapses.
func (t *Transport) ExecOneShot(ctx context.Context, command string, timeout time.Duration) (transport.OneShotResult, error) {
	session, err := t.newSession()
	if err != nil {
		return transport.OneShotResult{}, err
	}
	defer func() { _ = session.Close() }()

	var stdout, stderr bytes.Buffer
	session.Stdout = &stdout
	session.Stderr = &stderr

	if err := session.Start(command); err != nil {
		return transport.OneShotResult{}, fmt.Errorf("failed to start remote command: %w", err)
	}

	done := make(chan error, 1)
	go func() { done <- session.Wait() }()

	runCtx := ctx
	var cancel context.CancelFunc
	if timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	select {
	case waitErr := <-done:
		return resultFromWait(stdout.String(), stderr.String(), waitErr, false), nil

	case <-runCtx.Done():
		_ = session.Signal(ssh.SIGTERM)
		// Give the remote process a moment to honor SIGTERM before we give
		// up on reaping it cleanly.
		select {
		case waitErr := <-done:
			return resultFromWait(stdout.String(), stderr.String(), waitErr, true), nil
		case <-time.After(2 * time.Second):
			return transport.OneShotResult{
				Stdout:   stdout.String(),
				Stderr:   stderr.String(),
				ExitCode: 124,
				TimedOut: true,
			}, nil
		}
	}
}

func resultFromWait(stdout, stderr string, waitErr error, timedOut bool) transport.OneShotResult {
	exitCode := 0
	if waitErr != nil {
		var exitErr *ssh.ExitError
		if ok := asExitError(waitErr, &exitErr); ok {
			exitCode = exitErr.ExitStatus()
		} else if timedOut {
			exitCode = 124
		} else {
			exitCode = -1
		}
	}
	if timedOut && exitCode == 0 {
		exitCode = 124
	}
	return transport.OneShotResult{Stdout: stdout, Stderr: stderr, ExitCode: exitCode, TimedOut: timedOut}
}

func asExitError(err error, target **ssh.ExitError) bool {
	if ee, ok := err.(*ssh.ExitError); ok {
		*target = ee
		return true
	}
	return false
}

// streamingSession implements transport.Streaming over one ssh.Session.
type streamingSession struct {
	session *ssh.Session
	chunks  chan transport.StreamChunk

	once     sync.Once
	exitCode int
	waitErr  error
	waitDone chan struct{}
}

func (s *streamingSession) Chunks() <-chan transport.StreamChunk { return s.chunks }

func (s *streamingSession) Signal(_ context.Context, signal string) error {
	return s.session.Signal(ssh.Signal(strings.ToUpper(signal)))
}

func (s *streamingSession) Wait(ctx context.Context) (int, error) {
	select {
	case <-s.waitDone:
		return s.exitCode, s.waitErr
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

// ExecStreaming starts command and streams its output as it arrives.
func (t *Transport) ExecStreaming(_ context.Context, command string) (transport.Streaming, error) {
	session, err := t.newSession()
	if err != nil {
		return nil, err
	}

	stdout, err := session.StdoutPipe()
	if err != nil {
		_ = session.Close()
		return nil, fmt.Errorf("failed to open remote stdout pipe: %w", err)
	}
	stderr, err := session.StderrPipe()
	if err != nil {
		_ = session.Close()
		return nil, fmt.Errorf("failed to open remote stderr pipe: %w", err)
	}

	if err := session.Start(command); err != nil {
		_ = session.Close()
		return nil, fmt.Errorf("failed to start remote command: %w", err)
	}

	s := &streamingSession{
		session:  session,
		chunks:   make(chan transport.StreamChunk, 16),
		waitDone: make(chan struct{}),
	}

	var drain sync.WaitGroup
	drain.Add(2)
	go pump(&drain, s.chunks, transport.Stdout, stdout)
	go pump(&drain, s.chunks, transport.Stderr, stderr)

	go func() {
		drain.Wait()
		waitErr := session.Wait()
		exitCode := 0
		if waitErr != nil {
			var exitErr *ssh.ExitError
			if asExitError(waitErr, &exitErr) {
				exitCode = exitErr.ExitStatus()
			} else {
				exitCode = -1
			}
		}
		s.exitCode = exitCode
		s.waitErr = waitErr
		close(s.chunks)
		s.once.Do(func() { close(s.waitDone) })
		_ = session.Close()
	}()

	return s, nil
}

func pump(wg *sync.WaitGroup, out chan<- transport.StreamChunk, stream string, r io.Reader) {
	defer wg.Done()
	buf := make([]byte, 32*1024)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			out <- transport.StreamChunk{Stream: stream, Data: chunk}
		}
		if err != nil {
			return
		}
	}
}

// FileReadAll reads the full content of path over SFTP.
func (t *Transport) FileReadAll(_ context.Context, filePath string) ([]byte, error) {
	client, err := t.sftpClient()
	if err != nil {
		return nil, err
	}
	f, err := client.Open(filePath)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", filePath, err)
	}
	defer func() { _ = f.Close() }()
	return io.ReadAll(f)
}

// FileReadStream opens path for a streaming read over SFTP.
func (t *Transport) FileReadStream(_ context.Context, filePath string) (io.ReadCloser, error) {
	client, err := t.sftpClient()
	if err != nil {
		return nil, err
	}
	f, err := client.Open(filePath)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", filePath, err)
	}
	return f, nil
}

// FileWrite overwrites path with content, creating missing parent
// directories first.
func (t *Transport) FileWrite(_ context.Context, filePath string, content []byte) error {
	client, err := t.sftpClient()
	if err != nil {
		return err
	}

	dir := path.Dir(filePath)
	if dir != "." && dir != "/" {
		if err := client.MkdirAll(dir); err != nil {
			return fmt.Errorf("failed to create parent directories for %s: %w", filePath, err)
		}
	}

	f, err := client.Create(filePath)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", filePath, err)
	}
	defer func() { _ = f.Close() }()

	if _, err := f.Write(content); err != nil {
		return fmt.Errorf("failed to write %s: %w", filePath, err)
	}
	return nil
}

// FileExists reports whether path exists on the remote filesystem.
func (t *Transport) FileExists(_ context.Context, filePath string) (bool, error) {
	client, err := t.sftpClient()
	if err != nil {
		return false, err
	}
	_, err = client.Stat(filePath)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// FileStat returns metadata for path.
func (t *Transport) FileStat(_ context.Context, filePath string) (transport.FileInfo, error) {
	client, err := t.sftpClient()
	if err != nil {
		return transport.FileInfo{}, err
	}
	info, err := client.Stat(filePath)
	if err != nil {
		return transport.FileInfo{}, fmt.Errorf("failed to stat %s: %w", filePath, err)
	}
	return transport.FileInfo{Size: info.Size(), IsDir: info.IsDir(), ModTime: info.ModTime()}, nil
}

// HasRipgrep probes the remote for a ripgrep-style tool once per Transport
// instance and caches the result.
func (t *Transport) HasRipgrep(ctx context.Context) bool {
	t.rgOnce.Do(func() {
		res, err := t.ExecOneShot(ctx, "command -v rg", 5*time.Second)
		t.hasRipgrep = err == nil && res.ExitCode == 0
	})
	return t.hasRipgrep
}

// Close releases the SFTP and SSH connections.
func (t *Transport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	var firstErr error
	if t.sftp != nil {
		if err := t.sftp.Close(); err != nil {
			firstErr = err
		}
		t.sftp = nil
	}
	if t.client != nil {
		if err := t.client.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		t.client = nil
	}
	return firstErr
}

var _ transport.Transport = (*Transport)(nil)

// ShellQuote is re-exported for callers building command lines against this
// transport.
func ShellQuote(arg string) string { return shellquote.Quote(arg) }
