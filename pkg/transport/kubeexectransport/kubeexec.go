// Package kubeexectransport is the alternate in-container transport: the
// same transport.Transport capability surface, driven by shelling out to
// kubectl exec. A process spawned through kubectl cannot be signaled
// directly; only the local kubectl subprocess (and its process group) can,
// so the streaming session's Signal terminates that process group instead.
package kubeexectransport

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os/exec"
	"path"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/tb0hdan/remote-exec-mcp/pkg/shellquote"
	"github.com/tb0hdan/remote-exec-mcp/pkg/transport"
)

// Config identifies the target container.
type Config struct {
	Namespace  string
	Pod        string
	Container  string
	Kubeconfig string
}

func (c Config) withDefaults() Config {
	if c.Namespace == "" {
		c.Namespace = "default"
	}
	return c
}

// Transport implements transport.Transport by shelling out to kubectl.
type Transport struct {
	cfg    Config
	logger zerolog.Logger

	rgOnce     sync.Once
	hasRipgrep bool
}

// New returns a Transport targeting the given pod/container.
func New(cfg Config, logger zerolog.Logger) *Transport {
	return &Transport{cfg: cfg.withDefaults(), logger: logger.With().Str("component", "kubeexectransport").Logger()}
}

func (t *Transport) baseArgs() []string {
	var args []string
	if t.cfg.Kubeconfig != "" {
		args = append(args, "--kubeconfig", t.cfg.Kubeconfig)
	}
	args = append(args, "-n", t.cfg.Namespace)
	return args
}

func (t *Transport) execArgs(stdin bool) []string {
	podName := strings.TrimPrefix(t.cfg.Pod, "pod/")
	args := t.baseArgs()
	args = append(args, "exec")
	if stdin {
		args = append(args, "-i")
	}
	args = append(args, podName)
	if t.cfg.Container != "" {
		args = append(args, "-c", t.cfg.Container)
	}
	return args
}

// ExecOneShot runs command to completion inside the container.
func (t *Transport) ExecOneShot(ctx context.Context, command string, timeout time.Duration) (transport.OneShotResult, error) {
	runCtx := ctx
	var cancel context.CancelFunc
	if timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	args := append(t.execArgs(false), "--", "sh", "-c", command)
	cmd := exec.CommandContext(runCtx, "kubectl", args...)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	timedOut := runCtx.Err() == context.DeadlineExceeded

	exitCode := 0
	if err != nil {
		var exitErr *exec.ExitError
		if asExitError(err, &exitErr) {
			exitCode = exitErr.ExitCode()
		} else if timedOut {
			exitCode = 124
		} else {
			return transport.OneShotResult{}, fmt.Errorf("kubectl exec failed: %w", err)
		}
	}
	// A deadline kill surfaces as a signal death; normalize to the
	// conventional timeout code.
	if timedOut && (exitCode == 0 || exitCode == -1) {
		exitCode = 124
	}

	return transport.OneShotResult{Stdout: stdout.String(), Stderr: stderr.String(), ExitCode: exitCode, TimedOut: timedOut}, nil
}

func asExitError(err error, target **exec.ExitError) bool {
	if ee, ok := err.(*exec.ExitError); ok {
		*target = ee
		return true
	}
	return false
}

// kubeStreaming implements transport.Streaming over one kubectl exec
// subprocess. Because kubectl does not forward POSIX signals to the process
// it execs remotely, Signal terminates the local kubectl process group
// instead: the remote side sees its exec connection close, which is the best this
// substrate can offer without direct PID access in the pod.
type kubeStreaming struct {
	cmd    *exec.Cmd
	chunks chan transport.StreamChunk

	once     sync.Once
	exitCode int
	waitErr  error
	waitDone chan struct{}
}

func (k *kubeStreaming) Chunks() <-chan transport.StreamChunk { return k.chunks }

func (k *kubeStreaming) Signal(_ context.Context, signal string) error {
	if k.cmd.Process == nil {
		return fmt.Errorf("process not started")
	}
	sig := syscall.SIGTERM
	if strings.EqualFold(signal, "KILL") {
		sig = syscall.SIGKILL
	}
	pgid := k.cmd.Process.Pid
	if err := syscall.Kill(-pgid, sig); err != nil {
		return fmt.Errorf("failed to signal kubectl exec process group: %w", err)
	}
	return nil
}

func (k *kubeStreaming) Wait(ctx context.Context) (int, error) {
	select {
	case <-k.waitDone:
		return k.exitCode, k.waitErr
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

// ExecStreaming starts command inside the container and streams output.
func (t *Transport) ExecStreaming(ctx context.Context, command string) (transport.Streaming, error) {
	args := append(t.execArgs(false), "--", "sh", "-c", command)
	cmd := exec.CommandContext(ctx, "kubectl", args...)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to open kubectl stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to open kubectl stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start kubectl exec: %w", err)
	}

	k := &kubeStreaming{
		cmd:      cmd,
		chunks:   make(chan transport.StreamChunk, 16),
		waitDone: make(chan struct{}),
	}

	var drain sync.WaitGroup
	drain.Add(2)
	go pump(&drain, k.chunks, transport.Stdout, stdout)
	go pump(&drain, k.chunks, transport.Stderr, stderr)

	go func() {
		drain.Wait()
		err := cmd.Wait()
		exitCode := 0
		if err != nil {
			var exitErr *exec.ExitError
			if asExitError(err, &exitErr) {
				exitCode = exitErr.ExitCode()
			} else {
				exitCode = -1
			}
		}
		k.exitCode = exitCode
		k.waitErr = err
		close(k.chunks)
		k.once.Do(func() { close(k.waitDone) })
	}()

	return k, nil
}

func pump(wg *sync.WaitGroup, out chan<- transport.StreamChunk, stream string, r io.Reader) {
	defer wg.Done()
	buf := make([]byte, 32*1024)
	for {
		n, readErr := r.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			out <- transport.StreamChunk{Stream: stream, Data: chunk}
		}
		if readErr != nil {
			return
		}
	}
}

// FileReadAll reads the full content of path via `cat`.
func (t *Transport) FileReadAll(ctx context.Context, filePath string) ([]byte, error) {
	res, err := t.ExecOneShot(ctx, "cat "+shellquote.Quote(filePath), 30*time.Second)
	if err != nil {
		return nil, err
	}
	if res.ExitCode != 0 {
		return nil, fmt.Errorf("failed to read %s: %s", filePath, res.Stderr)
	}
	return []byte(res.Stdout), nil
}

// FileReadStream opens a streaming read of path via a live `cat` subprocess.
func (t *Transport) FileReadStream(ctx context.Context, filePath string) (io.ReadCloser, error) {
	args := append(t.execArgs(false), "--", "cat", filePath)
	cmd := exec.CommandContext(ctx, "kubectl", args...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to open kubectl stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start kubectl exec: %w", err)
	}
	return &cmdReadCloser{ReadCloser: stdout, cmd: cmd}, nil
}

type cmdReadCloser struct {
	io.ReadCloser
	cmd *exec.Cmd
}

func (c *cmdReadCloser) Close() error {
	err := c.ReadCloser.Close()
	_ = c.cmd.Wait()
	return err
}

// FileWrite overwrites path with content by piping it into the container's
// stdin, creating missing parent directories first. This avoids staging a
// local temp file the way kubectl cp would require.
func (t *Transport) FileWrite(ctx context.Context, filePath string, content []byte) error {
	remoteScript := fmt.Sprintf("mkdir -p %s && cat > %s", shellquote.Quote(path.Dir(filePath)), shellquote.Quote(filePath))
	args := append(t.execArgs(true), "--", "sh", "-c", remoteScript)
	cmd := exec.CommandContext(ctx, "kubectl", args...)
	cmd.Stdin = bytes.NewReader(content)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return fmt.Errorf("failed to write %s: %w (%s)", filePath, err, stderr.String())
	}
	return nil
}

// FileExists reports whether path exists in the container.
func (t *Transport) FileExists(ctx context.Context, filePath string) (bool, error) {
	res, err := t.ExecOneShot(ctx, fmt.Sprintf("test -e %s && echo exists || echo missing", shellquote.Quote(filePath)), 10*time.Second)
	if err != nil {
		return false, err
	}
	return strings.TrimSpace(res.Stdout) == "exists", nil
}

// FileStat returns metadata for path, parsed from `stat`'s portable format.
func (t *Transport) FileStat(ctx context.Context, filePath string) (transport.FileInfo, error) {
	cmd := fmt.Sprintf("stat -c '%%s %%Y %%F' %s", shellquote.Quote(filePath))
	res, err := t.ExecOneShot(ctx, cmd, 10*time.Second)
	if err != nil {
		return transport.FileInfo{}, err
	}
	if res.ExitCode != 0 {
		return transport.FileInfo{}, fmt.Errorf("failed to stat %s: %s", filePath, res.Stderr)
	}

	fields := strings.Fields(res.Stdout)
	if len(fields) < 3 {
		return transport.FileInfo{}, fmt.Errorf("unexpected stat output for %s: %q", filePath, res.Stdout)
	}
	size, _ := strconv.ParseInt(fields[0], 10, 64)
	epoch, _ := strconv.ParseInt(fields[1], 10, 64)
	isDir := strings.Contains(strings.Join(fields[2:], " "), "directory")

	return transport.FileInfo{Size: size, IsDir: isDir, ModTime: time.Unix(epoch, 0)}, nil
}

// HasRipgrep probes the container for a ripgrep-style tool once and caches
// the result.
func (t *Transport) HasRipgrep(ctx context.Context) bool {
	t.rgOnce.Do(func() {
		res, err := t.ExecOneShot(ctx, "command -v rg", 5*time.Second)
		t.hasRipgrep = err == nil && res.ExitCode == 0
	})
	return t.hasRipgrep
}

// Close is a no-op: kubectl exec subprocesses are per-call and already
// reaped by the time this transport's callers are done with them.
func (t *Transport) Close() error { return nil }

var _ transport.Transport = (*Transport)(nil)
