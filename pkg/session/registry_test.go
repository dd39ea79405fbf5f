package session_test

import (
	"context"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/suite"

	"github.com/tb0hdan/remote-exec-mcp/pkg/session"
	"github.com/tb0hdan/remote-exec-mcp/pkg/types"
)

type RegistrySuite struct {
	suite.Suite
	registry *session.Registry
}

func TestRegistrySuite(t *testing.T) {
	suite.Run(t, new(RegistrySuite))
}

func (s *RegistrySuite) SetupTest() {
	s.registry = session.NewRegistry(zerolog.Nop())
}

func (s *RegistrySuite) TestStartAssignsUniqueIDsAndRegisters() {
	fs1 := newFakeStreaming()
	fs2 := newFakeStreaming()

	sess1 := startFakeSession(s.registry, fs1)
	sess2 := startFakeSession(s.registry, fs2)

	s.NotEqual(sess1.ID(), sess2.ID())

	got, ok := s.registry.Get(sess1.ID())
	s.True(ok)
	s.Same(sess1, got)
	s.Equal(2, s.registry.Len())
}

func (s *RegistrySuite) TestGetUnknownIDReportsNotFound() {
	_, ok := s.registry.Get(session.ShellID("nope"))
	s.False(ok)
}

func (s *RegistrySuite) TestStartRejectsOverMaxLiveSessions() {
	for i := 0; i < types.MaxLiveSessions; i++ {
		startFakeSession(s.registry, newFakeStreaming())
	}

	t := &stubTransport{streaming: newFakeStreaming()}
	_, err := s.registry.Start(context.Background(), t, "echo overflow")
	s.Error(err)
	s.Contains(err.Error(), "too many live")
}

func (s *RegistrySuite) TestShutdownKillsRunningSessions() {
	fs := newFakeStreaming()
	sess := startFakeSession(s.registry, fs)

	done := make(chan struct{})
	go func() {
		s.registry.Shutdown(context.Background())
		close(done)
	}()

	s.Equal("TERM", <-fs.signaled)
	fs.finish(143)
	<-done

	s.Equal(session.StatusKilled, sess.Status())
}
