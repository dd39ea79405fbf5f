// Package bash implements the bash, bash_output, and kill_bash tools:
// foreground one-shot execution with byte-capped labelled output,
// background sessions tracked in pkg/session, and signal-based kill.
package bash

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/rs/zerolog"

	"github.com/tb0hdan/remote-exec-mcp/pkg/server"
	"github.com/tb0hdan/remote-exec-mcp/pkg/session"
	"github.com/tb0hdan/remote-exec-mcp/pkg/tools"
	"github.com/tb0hdan/remote-exec-mcp/pkg/transport"
	"github.com/tb0hdan/remote-exec-mcp/pkg/types"
)

// Tool implements the bash/bash_output/kill_bash catalog entries.
type Tool struct {
	logger    zerolog.Logger
	validator *validator.Validate
	transport transport.Transport
	registry  *session.Registry
}

// New constructs the bash tool family bound to t and backed by registry.
func New(logger zerolog.Logger, t transport.Transport, registry *session.Registry) tools.Tool {
	return &Tool{
		logger:    logger.With().Str("tool", "bash").Logger(),
		validator: validator.New(),
		transport: t,
		registry:  registry,
	}
}

// Register wires bash, bash_output, and kill_bash into srv.
func (b *Tool) Register(srv *server.Server) {
	mcp.AddTool(&srv.Server, &mcp.Tool{
		Name:        "bash",
		Description: "Execute a command on the remote host, in the foreground or as a tracked background shell",
	}, b.BashHandler)

	mcp.AddTool(&srv.Server, &mcp.Tool{
		Name:        "bash_output",
		Description: "Fetch incremental stdout/stderr from a background shell started by bash",
	}, b.BashOutputHandler)

	mcp.AddTool(&srv.Server, &mcp.Tool{
		Name:        "kill_bash",
		Description: "Send a signal to a background shell started by bash",
	}, b.KillBashHandler)

	b.logger.Debug().Msg("bash tool family registered")
}

// BashInput is the bash tool's input.
type BashInput struct {
	Command         string `json:"command" validate:"required"`
	Timeout         int    `json:"timeout,omitempty" validate:"min=0"`
	Description     string `json:"description,omitempty"`
	RunInBackground bool   `json:"run_in_background,omitempty"`
}

// BashOutput is the bash tool's output.
type BashOutput struct {
	ShellID  string `json:"shell_id,omitempty"`
	Output   string `json:"output,omitempty"`
	ExitCode int    `json:"exit_code,omitempty"`
	TimedOut bool   `json:"timed_out,omitempty"`
}

// BashHandler implements bash.
func (b *Tool) BashHandler(ctx context.Context, _ *mcp.ServerSession, params *mcp.CallToolParamsFor[BashInput]) (*mcp.CallToolResultFor[BashOutput], error) {
	input := params.Arguments
	if err := b.validator.Struct(input); err != nil {
		return nil, fmt.Errorf("validation error: %w", err)
	}

	if input.Description != "" {
		b.logger.Debug().Str("description", input.Description).Msg("bash call (advisory description)")
	}

	if input.RunInBackground {
		return b.runBackground(ctx, input)
	}
	return b.runForeground(ctx, input)
}

func (b *Tool) runForeground(ctx context.Context, input BashInput) (*mcp.CallToolResultFor[BashOutput], error) {
	timeout := time.Duration(types.ForegroundTimeoutDefaultMS) * time.Millisecond
	if input.Timeout > 0 {
		ms := input.Timeout
		if ms > types.ForegroundTimeoutCeilingMS {
			ms = types.ForegroundTimeoutCeilingMS
		}
		timeout = time.Duration(ms) * time.Millisecond
	}

	b.logger.Debug().Str("command", input.Command).Dur("timeout", timeout).Msg("running foreground command")

	res, err := b.transport.ExecOneShot(ctx, input.Command, timeout)
	if err != nil {
		return nil, fmt.Errorf("failed to execute command: %w", err)
	}

	text := formatForegroundResult(res)

	return &mcp.CallToolResultFor[BashOutput]{
		Content: []mcp.Content{&mcp.TextContent{Text: text}},
		StructuredContent: BashOutput{
			Output:   text,
			ExitCode: res.ExitCode,
			TimedOut: res.TimedOut,
		},
	}, nil
}

func (b *Tool) runBackground(ctx context.Context, input BashInput) (*mcp.CallToolResultFor[BashOutput], error) {
	s, err := b.registry.Start(ctx, b.transport, input.Command)
	if err != nil {
		return nil, err
	}

	b.logger.Info().Str("shell_id", string(s.ID())).Msg("background command started")

	return &mcp.CallToolResultFor[BashOutput]{
		Content: []mcp.Content{&mcp.TextContent{Text: fmt.Sprintf("Started background shell %s", s.ID())}},
		StructuredContent: BashOutput{
			ShellID: string(s.ID()),
		},
	}, nil
}

func formatForegroundResult(res transport.OneShotResult) string {
	var b strings.Builder

	stdout, stdoutElided := capTail(res.Stdout, types.OutputCapBytes)
	stderr, stderrElided := capTail(res.Stderr, types.OutputCapBytes)

	if stdout != "" || stdoutElided > 0 {
		b.WriteString("STDOUT:\n")
		if stdoutElided > 0 {
			fmt.Fprintf(&b, "[%d bytes elided]\n", stdoutElided)
		}
		b.WriteString(stdout)
		if !strings.HasSuffix(stdout, "\n") {
			b.WriteString("\n")
		}
	}
	if stderr != "" || stderrElided > 0 {
		b.WriteString("STDERR:\n")
		if stderrElided > 0 {
			fmt.Fprintf(&b, "[%d bytes elided]\n", stderrElided)
		}
		b.WriteString(stderr)
		if !strings.HasSuffix(stderr, "\n") {
			b.WriteString("\n")
		}
	}

	if res.TimedOut {
		b.WriteString("Command timed out before completion; output above is partial.\n")
	}
	fmt.Fprintf(&b, "Exit code: %d\n", res.ExitCode)

	return b.String()
}

// capTail retains only the trailing capBytes of s, reporting how many bytes
// were dropped from the front.
func capTail(s string, capBytes int) (string, int) {
	if len(s) <= capBytes {
		return s, 0
	}
	elided := len(s) - capBytes
	return s[elided:], elided
}

// BashOutputInput is bash_output's input.
type BashOutputInput struct {
	ShellID string `json:"shell_id" validate:"required"`
}

// BashOutputResult is bash_output's output.
type BashOutputResult struct {
	Stdout    string `json:"stdout"`
	Stderr    string `json:"stderr"`
	Truncated bool   `json:"truncated"`
	Status    string `json:"status"`
	ExitCode  *int   `json:"exit_code,omitempty"`
}

// BashOutputHandler implements bash_output.
func (b *Tool) BashOutputHandler(_ context.Context, _ *mcp.ServerSession, params *mcp.CallToolParamsFor[BashOutputInput]) (*mcp.CallToolResultFor[BashOutputResult], error) {
	input := params.Arguments
	if err := b.validator.Struct(input); err != nil {
		return nil, fmt.Errorf("validation error: %w", err)
	}

	s, ok := b.registry.Get(session.ShellID(input.ShellID))
	if !ok {
		return nil, fmt.Errorf("unknown shell_id: %s", input.ShellID)
	}

	snap := s.ReadNew()

	var b2 strings.Builder
	if snap.Stdout != "" {
		b2.WriteString("STDOUT:\n")
		b2.WriteString(snap.Stdout)
	}
	if snap.Stderr != "" {
		if b2.Len() > 0 {
			b2.WriteString("\n")
		}
		b2.WriteString("STDERR:\n")
		b2.WriteString(snap.Stderr)
	}
	if snap.Truncated {
		b2.WriteString("\n[earlier output was truncated by the ring buffer]\n")
	}
	fmt.Fprintf(&b2, "\nStatus: %s\n", snap.Status)
	if snap.ExitCode != nil {
		fmt.Fprintf(&b2, "Exit code: %d\n", *snap.ExitCode)
	}

	return &mcp.CallToolResultFor[BashOutputResult]{
		Content: []mcp.Content{&mcp.TextContent{Text: b2.String()}},
		StructuredContent: BashOutputResult{
			Stdout:    snap.Stdout,
			Stderr:    snap.Stderr,
			Truncated: snap.Truncated,
			Status:    snap.Status.String(),
			ExitCode:  snap.ExitCode,
		},
	}, nil
}

// KillBashInput is kill_bash's input.
type KillBashInput struct {
	ShellID string `json:"shell_id" validate:"required"`
	Signal  string `json:"signal,omitempty" validate:"omitempty,alpha,max=16"`
}

// KillBashOutput is kill_bash's output.
type KillBashOutput struct {
	Killed bool   `json:"killed"`
	Reason string `json:"reason,omitempty"`
}

// KillBashHandler implements kill_bash.
func (b *Tool) KillBashHandler(ctx context.Context, _ *mcp.ServerSession, params *mcp.CallToolParamsFor[KillBashInput]) (*mcp.CallToolResultFor[KillBashOutput], error) {
	input := params.Arguments
	if err := b.validator.Struct(input); err != nil {
		return nil, fmt.Errorf("validation error: %w", err)
	}

	s, ok := b.registry.Get(session.ShellID(input.ShellID))
	if !ok {
		return nil, fmt.Errorf("unknown shell_id: %s", input.ShellID)
	}

	killed, reason, err := s.Kill(ctx, input.Signal)
	if err != nil {
		return nil, err
	}

	text := fmt.Sprintf("killed: %v", killed)
	if reason != "" {
		text += fmt.Sprintf(" (reason: %s)", reason)
	}

	return &mcp.CallToolResultFor[KillBashOutput]{
		Content:           []mcp.Content{&mcp.TextContent{Text: text}},
		StructuredContent: KillBashOutput{Killed: killed, Reason: reason},
	}, nil
}
