package bash

import (
	"context"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/suite"

	"github.com/tb0hdan/remote-exec-mcp/pkg/session"
	"github.com/tb0hdan/remote-exec-mcp/pkg/transport"
)

// stubTransport is a hand-driven transport.Transport that lets the suite
// exercise the handlers end to end without a remote host.
type stubTransport struct {
	oneShotResult transport.OneShotResult
	oneShotErr    error
	streaming     transport.Streaming
	streamingErr  error
	hasRipgrep    bool
	lastTimeout   time.Duration
}

func (t *stubTransport) ExecOneShot(_ context.Context, _ string, timeout time.Duration) (transport.OneShotResult, error) {
	t.lastTimeout = timeout
	return t.oneShotResult, t.oneShotErr
}
func (t *stubTransport) ExecStreaming(context.Context, string) (transport.Streaming, error) {
	return t.streaming, t.streamingErr
}
func (t *stubTransport) FileReadAll(context.Context, string) ([]byte, error) { return nil, nil }
func (t *stubTransport) FileReadStream(context.Context, string) (io.ReadCloser, error) {
	return nil, nil
}
func (t *stubTransport) FileWrite(context.Context, string, []byte) error  { return nil }
func (t *stubTransport) FileExists(context.Context, string) (bool, error) { return false, nil }
func (t *stubTransport) FileStat(context.Context, string) (transport.FileInfo, error) {
	return transport.FileInfo{}, nil
}
func (t *stubTransport) HasRipgrep(context.Context) bool { return t.hasRipgrep }
func (t *stubTransport) Close() error                    { return nil }

// fakeStreaming is a trivially-terminated transport.Streaming for the
// background-start path.
type fakeStreaming struct {
	chunks   chan transport.StreamChunk
	waitDone chan struct{}
}

func newFinishedStreaming() *fakeStreaming {
	f := &fakeStreaming{chunks: make(chan transport.StreamChunk), waitDone: make(chan struct{})}
	close(f.chunks)
	close(f.waitDone)
	return f
}

func (f *fakeStreaming) Chunks() <-chan transport.StreamChunk { return f.chunks }
func (f *fakeStreaming) Signal(context.Context, string) error { return nil }
func (f *fakeStreaming) Wait(ctx context.Context) (int, error) {
	select {
	case <-f.waitDone:
		return 0, nil
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

type BashSuite struct {
	suite.Suite
}

func TestBashSuite(t *testing.T) {
	suite.Run(t, new(BashSuite))
}

func (s *BashSuite) newTool(st *stubTransport) *Tool {
	return &Tool{
		logger:    zerolog.Nop(),
		validator: validator.New(),
		transport: st,
		registry:  session.NewRegistry(zerolog.Nop()),
	}
}

func (s *BashSuite) TestForegroundSuccessReportsExitCode() {
	st := &stubTransport{oneShotResult: transport.OneShotResult{Stdout: "hello\n", ExitCode: 0}}
	tool := s.newTool(st)

	res, err := tool.BashHandler(context.Background(), nil, &mcp.CallToolParamsFor[BashInput]{
		Arguments: BashInput{Command: "printf hello"},
	})

	s.Require().NoError(err)
	text := res.Content[0].(*mcp.TextContent).Text
	s.Contains(text, "hello")
	s.Contains(text, "Exit code: 0")
	s.Equal(0, res.StructuredContent.ExitCode)
}

func (s *BashSuite) TestForegroundTimeoutReportsMarker() {
	st := &stubTransport{oneShotResult: transport.OneShotResult{Stdout: "partial", ExitCode: 124, TimedOut: true}}
	tool := s.newTool(st)

	res, err := tool.BashHandler(context.Background(), nil, &mcp.CallToolParamsFor[BashInput]{
		Arguments: BashInput{Command: "sleep 999", Timeout: 10},
	})

	s.Require().NoError(err)
	text := res.Content[0].(*mcp.TextContent).Text
	s.Contains(text, "timed out")
	s.True(res.StructuredContent.TimedOut)
}

func (s *BashSuite) TestForegroundTimeoutIsClampedToCeiling() {
	st := &stubTransport{}
	tool := s.newTool(st)

	_, err := tool.BashHandler(context.Background(), nil, &mcp.CallToolParamsFor[BashInput]{
		Arguments: BashInput{Command: "echo hi", Timeout: 999999999},
	})
	s.Require().NoError(err)
	s.Equal(600*time.Second, st.lastTimeout)
}

func (s *BashSuite) TestMissingCommandFailsValidation() {
	tool := s.newTool(&stubTransport{})
	_, err := tool.BashHandler(context.Background(), nil, &mcp.CallToolParamsFor[BashInput]{
		Arguments: BashInput{},
	})
	s.Error(err)
	s.Contains(err.Error(), "validation error")
}

func (s *BashSuite) TestBackgroundStartReturnsShellID() {
	st := &stubTransport{streaming: newFinishedStreaming()}
	tool := s.newTool(st)

	res, err := tool.BashHandler(context.Background(), nil, &mcp.CallToolParamsFor[BashInput]{
		Arguments: BashInput{Command: "sleep 1", RunInBackground: true},
	})

	s.Require().NoError(err)
	s.NotEmpty(res.StructuredContent.ShellID)
}

func (s *BashSuite) TestBashOutputUnknownShellIsError() {
	tool := s.newTool(&stubTransport{})
	_, err := tool.BashOutputHandler(context.Background(), nil, &mcp.CallToolParamsFor[BashOutputInput]{
		Arguments: BashOutputInput{ShellID: "no-such-shell"},
	})
	s.Error(err)
}

func (s *BashSuite) TestKillBashOnCompletedShellReportsNotKilled() {
	st := &stubTransport{streaming: newFinishedStreaming()}
	tool := s.newTool(st)

	start, err := tool.BashHandler(context.Background(), nil, &mcp.CallToolParamsFor[BashInput]{
		Arguments: BashInput{Command: "sleep 1", RunInBackground: true},
	})
	s.Require().NoError(err)

	// Allow the pump goroutine a moment to observe the already-closed
	// channels and reach a terminal state.
	time.Sleep(20 * time.Millisecond)

	res, err := tool.KillBashHandler(context.Background(), nil, &mcp.CallToolParamsFor[KillBashInput]{
		Arguments: KillBashInput{ShellID: start.StructuredContent.ShellID},
	})
	s.Require().NoError(err)
	s.False(res.StructuredContent.Killed)
}

func (s *BashSuite) TestFormatForegroundResultLabelsStreams() {
	text := formatForegroundResult(transport.OneShotResult{Stdout: "out", Stderr: "err", ExitCode: 1})
	s.Contains(text, "STDOUT:")
	s.Contains(text, "STDERR:")
	s.Contains(text, "Exit code: 1")
}

func (s *BashSuite) TestCapTailKeepsOnlyTrailingBytes() {
	big := strings.Repeat("x", 100)
	kept, elided := capTail(big, 10)
	s.Equal(10, len(kept))
	s.Equal(90, elided)
}

func (s *BashSuite) TestCapTailUnderCapIsUnchanged() {
	kept, elided := capTail("short", 10)
	s.Equal("short", kept)
	s.Equal(0, elided)
}
