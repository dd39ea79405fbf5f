package session

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/tb0hdan/remote-exec-mcp/pkg/transport"
	"github.com/tb0hdan/remote-exec-mcp/pkg/types"
)

// Registry tracks every live background session, keyed by ShellID. A single
// mutex guards the map itself; each Session additionally guards its own
// mutable fields.
type Registry struct {
	logger zerolog.Logger

	mu       sync.Mutex
	sessions map[ShellID]*Session
	seq      uint64
}

// NewRegistry returns an empty session registry.
func NewRegistry(logger zerolog.Logger) *Registry {
	return &Registry{
		logger:   logger.With().Str("component", "session-registry").Logger(),
		sessions: make(map[ShellID]*Session),
	}
}

func (r *Registry) nextID() ShellID {
	n := atomic.AddUint64(&r.seq, 1)
	var b [4]byte
	_, _ = rand.Read(b[:])
	return ShellID(fmt.Sprintf("shell-%d-%s", n, hex.EncodeToString(b[:])))
}

// Start launches command via t in the background, registers its Session,
// and returns it immediately without waiting for any output.
func (r *Registry) Start(ctx context.Context, t transport.Transport, command string) (*Session, error) {
	r.mu.Lock()
	if len(r.sessions) >= types.MaxLiveSessions {
		r.mu.Unlock()
		return nil, fmt.Errorf("too many live background sessions (limit %d); kill or let one finish first", types.MaxLiveSessions)
	}
	retained := 0
	for _, s := range r.sessions {
		retained += s.retainedBytes()
	}
	r.mu.Unlock()
	if retained >= types.MaxTotalRingBytes {
		return nil, fmt.Errorf("background session output budget exhausted (%d bytes retained, limit %d); drain or kill existing shells first", retained, types.MaxTotalRingBytes)
	}

	streaming, err := t.ExecStreaming(ctx, command)
	if err != nil {
		return nil, fmt.Errorf("failed to start background command: %w", err)
	}

	id := r.nextID()
	s := newSession(id, command, streaming)

	r.mu.Lock()
	r.sessions[id] = s
	r.mu.Unlock()

	go s.pump()

	r.logger.Debug().Str("shell_id", string(id)).Str("command", command).Msg("background session started")
	return s, nil
}

// Get looks up a session by id.
func (r *Registry) Get(id ShellID) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	return s, ok
}

// Len reports the current number of tracked sessions (terminal or not).
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// Shutdown signals every live session to terminate and waits up to the
// given context's deadline for them to finish; sessions still running at the
// deadline are abandoned.
func (r *Registry) Shutdown(ctx context.Context) {
	r.mu.Lock()
	sessions := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		sessions = append(sessions, s)
	}
	r.mu.Unlock()

	var wg sync.WaitGroup
	for _, s := range sessions {
		if s.Status() != StatusRunning {
			continue
		}
		wg.Add(1)
		go func(s *Session) {
			defer wg.Done()
			_, _, _ = s.Kill(ctx, "TERM")
			_ = s.Wait(ctx)
		}(s)
	}

	done := make(chan struct{})
	go func() { wg.Wait(); close(done) }()

	select {
	case <-done:
	case <-ctx.Done():
		r.logger.Warn().Msg("shutdown deadline reached with background sessions still live")
	}
}
