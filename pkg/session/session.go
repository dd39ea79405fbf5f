// Package session implements the background-shell registry: one Session per
// backgrounded bash command, its ring-buffered stdout and stderr, a read
// cursor recording what bash_output has already delivered, and the status
// state machine governing Running/Completed/Killed/Failed.
package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/tb0hdan/remote-exec-mcp/pkg/ring"
	"github.com/tb0hdan/remote-exec-mcp/pkg/transport"
	"github.com/tb0hdan/remote-exec-mcp/pkg/types"
)

// Status is a Session's lifecycle state.
type Status int

const (
	StatusRunning Status = iota
	StatusCompleted
	StatusKilled
	StatusFailed
)

func (s Status) String() string {
	switch s {
	case StatusRunning:
		return "running"
	case StatusCompleted:
		return "completed"
	case StatusKilled:
		return "killed"
	case StatusFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// ShellID is the opaque identifier handed back to the agent on background
// command creation.
type ShellID string

// Session is one backgrounded bash command.
type Session struct {
	id      ShellID
	command string

	mu            sync.Mutex
	status        Status
	exitCode      *int
	killRequested bool
	stdout        *ring.Buffer
	stderr        *ring.Buffer
	stdoutCursor  int64
	stderrCursor  int64
	truncated     bool

	startedAt time.Time
	endedAt   *time.Time

	streaming transport.Streaming
	done      chan struct{}
}

// ID returns the session's shell id.
func (s *Session) ID() ShellID { return s.id }

// Snapshot is the state bash_output reports back to the agent.
type Snapshot struct {
	Stdout    string
	Stderr    string
	Truncated bool
	Status    Status
	ExitCode  *int
}

// ReadNew returns any stdout/stderr bytes accumulated since the last read
// and advances the cursor past them. Concurrent calls on the same session
// serialize on s.mu; the first caller wins the pending bytes.
func (s *Session) ReadNew() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	stdoutChunk, newStdoutCursor, stdoutTrunc := s.stdout.ReadFrom(s.stdoutCursor)
	stderrChunk, newStderrCursor, stderrTrunc := s.stderr.ReadFrom(s.stderrCursor)
	s.stdoutCursor = newStdoutCursor
	s.stderrCursor = newStderrCursor
	if stdoutTrunc || stderrTrunc {
		s.truncated = true
	}

	var exitCode *int
	if s.exitCode != nil {
		ec := *s.exitCode
		exitCode = &ec
	}

	return Snapshot{
		Stdout:    string(stdoutChunk),
		Stderr:    string(stderrChunk),
		Truncated: s.truncated,
		Status:    s.status,
		ExitCode:  exitCode,
	}
}

// retainedBytes reports how many ring bytes this session currently holds
// across both streams.
func (s *Session) retainedBytes() int {
	return s.stdout.Retained() + s.stderr.Retained()
}

// Status returns the session's current status.
func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

func (s *Session) setTerminal(status Status, exitCode *int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status != StatusRunning {
		return // at most one Running->terminal transition
	}
	s.status = status
	s.exitCode = exitCode
	now := time.Now()
	s.endedAt = &now
}

// Kill sends signal to the remote process. It reports killed=true when the
// session was still running and the signal went out; a terminal session
// returns killed=false with the current status as the reason. Kill never
// writes the status itself: it records that a kill was requested, and the
// completion pump performs the single Running->Killed transition once the
// remote process actually exits, so the exit code is always persisted.
func (s *Session) Kill(ctx context.Context, signal string) (killed bool, reason string, err error) {
	s.mu.Lock()
	status := s.status
	s.mu.Unlock()

	if status != StatusRunning {
		return false, status.String(), nil
	}

	if signal == "" {
		signal = "TERM"
	}
	if err := s.streaming.Signal(ctx, signal); err != nil {
		return false, "", fmt.Errorf("failed to signal session %s: %w", s.id, err)
	}

	s.mu.Lock()
	s.killRequested = true
	s.mu.Unlock()

	return true, "", nil
}

// Wait blocks until the session reaches a terminal state.
func (s *Session) Wait(ctx context.Context) error {
	select {
	case <-s.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// pump drains the streaming handle into the session's ring buffers and
// reconciles the terminal status once the remote process exits. Runs in its
// own goroutine for the lifetime of the session, one per live shell.
func (s *Session) pump() {
	for chunk := range s.streaming.Chunks() {
		switch chunk.Stream {
		case transport.Stdout:
			s.stdout.Append(chunk.Data)
		case transport.Stderr:
			s.stderr.Append(chunk.Data)
		}
	}

	exitCode, err := s.streaming.Wait(context.Background())
	s.mu.Lock()
	killRequested := s.killRequested
	s.mu.Unlock()

	switch {
	case err != nil:
		code := -1
		s.setTerminal(StatusFailed, &code)
		s.stderr.Append([]byte("\ntransport error: " + err.Error()))
	case killRequested:
		s.setTerminal(StatusKilled, &exitCode)
	default:
		s.setTerminal(StatusCompleted, &exitCode)
	}

	close(s.done)
}

func newSession(id ShellID, command string, streaming transport.Streaming) *Session {
	return &Session{
		id:        id,
		command:   command,
		status:    StatusRunning,
		stdout:    ring.New(types.RingCapacityBytes),
		stderr:    ring.New(types.RingCapacityBytes),
		startedAt: time.Now(),
		streaming: streaming,
		done:      make(chan struct{}),
	}
}
