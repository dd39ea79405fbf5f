// Package transport defines the narrow capability surface the remote
// execution engine consumes: one-shot and streaming command execution, plus
// absolute-path file I/O. Concrete transports (the SSH/SFTP one in
// sshtransport, the kubectl-exec one in kubeexectransport) are
// interchangeable behind this interface; the engine never inspects a
// transport beyond it.
package transport

import (
	"context"
	"io"
	"time"
)

// OneShotResult is the aggregate result of a single command run to
// completion (or to its timeout).
type OneShotResult struct {
	Stdout   string
	Stderr   string
	ExitCode int
	TimedOut bool
}

// StreamChunk is one delivery of output from a streaming command.
type StreamChunk struct {
	Stream string // "stdout" or "stderr"
	Data   []byte
}

const (
	Stdout = "stdout"
	Stderr = "stderr"
)

// Streaming is a live handle on a long-running remote command.
type Streaming interface {
	// Chunks delivers output as it arrives. The channel is closed once the
	// remote process exits and all buffered output has been delivered.
	Chunks() <-chan StreamChunk
	// Signal sends a POSIX signal name (e.g. "TERM", "KILL") to the remote
	// process.
	Signal(ctx context.Context, signal string) error
	// Wait blocks until the remote process exits and returns its exit code.
	// It is safe to call Wait concurrently with reads from Chunks; Wait may
	// be called more than once and always returns the same result.
	Wait(ctx context.Context) (exitCode int, err error)
}

// FileInfo is the subset of stat metadata the engine's file tools need.
type FileInfo struct {
	Size    int64
	IsDir   bool
	ModTime time.Time
}

// Transport is the capability surface consumed by the engine. All paths are
// absolute; transports never normalize or resolve symlinks themselves, the
// remote OS decides.
type Transport interface {
	// ExecOneShot runs command to completion (or until timeout elapses) and
	// returns its aggregated output. command is handed to the remote shell
	// as is; callers shell-quote any engine-constructed command text before
	// calling.
	ExecOneShot(ctx context.Context, command string, timeout time.Duration) (OneShotResult, error)

	// ExecStreaming starts command and returns a live handle immediately;
	// the caller observes output via Streaming.Chunks and controls it via
	// Signal/Wait.
	ExecStreaming(ctx context.Context, command string) (Streaming, error)

	// FileReadAll returns the full contents of path.
	FileReadAll(ctx context.Context, path string) ([]byte, error)
	// FileReadStream opens path for streaming reads of large files.
	FileReadStream(ctx context.Context, path string) (io.ReadCloser, error)
	// FileWrite overwrites path with content, creating missing parent
	// directories.
	FileWrite(ctx context.Context, path string, content []byte) error
	// FileExists reports whether path exists on the remote filesystem.
	FileExists(ctx context.Context, path string) (bool, error)
	// FileStat returns metadata for path.
	FileStat(ctx context.Context, path string) (FileInfo, error)

	// HasRipgrep reports whether a ripgrep-style tool is available on the
	// remote, memoized per transport instance.
	HasRipgrep(ctx context.Context) bool

	// Close releases any held connections (SSH session, kubectl
	// port-forwards, ...).
	Close() error
}
