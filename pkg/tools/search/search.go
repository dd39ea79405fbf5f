// Package search implements the grep and glob tools: a pattern-search
// translation layer that prefers a ripgrep-style tool and falls back to
// POSIX grep, and a recency-sorted filename glob.
package search

import (
	"context"
	"fmt"
	"path"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/rs/zerolog"

	"github.com/tb0hdan/remote-exec-mcp/pkg/server"
	"github.com/tb0hdan/remote-exec-mcp/pkg/shellquote"
	"github.com/tb0hdan/remote-exec-mcp/pkg/tools"
	"github.com/tb0hdan/remote-exec-mcp/pkg/transport"
	"github.com/tb0hdan/remote-exec-mcp/pkg/types"
)

// Tool implements the grep/glob catalog entries.
type Tool struct {
	logger    zerolog.Logger
	validator *validator.Validate
	transport transport.Transport
}

// New constructs the search tool family bound to t.
func New(logger zerolog.Logger, t transport.Transport) tools.Tool {
	return &Tool{
		logger:    logger.With().Str("tool", "search").Logger(),
		validator: validator.New(),
		transport: t,
	}
}

// Register wires grep and glob into srv.
func (t *Tool) Register(srv *server.Server) {
	mcp.AddTool(&srv.Server, &mcp.Tool{
		Name:        "grep",
		Description: "Search remote files for a pattern, preferring ripgrep and falling back to grep -r",
	}, t.GrepHandler)

	mcp.AddTool(&srv.Server, &mcp.Tool{
		Name:        "glob",
		Description: "Find remote files matching a glob pattern, newest first",
	}, t.GlobHandler)

	t.logger.Debug().Msg("search tool family registered")
}

// GrepInput is the grep tool's input. Field names mirror the common
// command-line tool's flags.
type GrepInput struct {
	Pattern    string `json:"pattern" validate:"required"`
	Path       string `json:"path" validate:"required"`
	Glob       string `json:"glob,omitempty"`
	OutputMode string `json:"output_mode,omitempty" validate:"omitempty,oneof=content files_with_matches count"`
	B          int    `json:"B,omitempty" validate:"min=0"`
	A          int    `json:"A,omitempty" validate:"min=0"`
	C          int    `json:"C,omitempty" validate:"min=0"`
	N          bool   `json:"n,omitempty"`
	I          bool   `json:"i,omitempty"`
	HeadLimit  int    `json:"head_limit,omitempty" validate:"min=0"`
}

// GrepOutput is the grep tool's output.
type GrepOutput struct {
	Output    string `json:"output"`
	Truncated bool   `json:"truncated"`
}

// GrepHandler implements grep.
func (t *Tool) GrepHandler(ctx context.Context, _ *mcp.ServerSession, params *mcp.CallToolParamsFor[GrepInput]) (*mcp.CallToolResultFor[GrepOutput], error) {
	input := params.Arguments
	if err := t.validator.Struct(input); err != nil {
		return nil, fmt.Errorf("validation error: %w", err)
	}
	if !path.IsAbs(input.Path) {
		return nil, fmt.Errorf("path must be absolute: %q", input.Path)
	}
	if input.OutputMode == "" {
		input.OutputMode = "content"
	}
	if input.OutputMode != "content" && (input.A > 0 || input.B > 0 || input.C > 0) {
		return nil, fmt.Errorf("context flags (-A/-B/-C) only apply to output_mode content, not %s", input.OutputMode)
	}

	var command string
	if t.transport.HasRipgrep(ctx) {
		command = ripgrepCommand(input)
	} else {
		command = grepCommand(input)
	}

	res, err := t.transport.ExecOneShot(ctx, command, types.GrepTimeoutSeconds*time.Second)
	if err != nil {
		return nil, fmt.Errorf("failed to run search: %w", err)
	}

	// Exit code 1 from rg/grep means "ran fine, nothing matched": success
	// with empty output, never an error.
	if res.ExitCode > 1 {
		return nil, fmt.Errorf("search command failed (exit %d): %s", res.ExitCode, strings.TrimSpace(res.Stderr))
	}

	stdout := res.Stdout
	truncated := false
	if len(stdout) > types.OutputCapBytes {
		elided := len(stdout) - types.OutputCapBytes
		stdout = fmt.Sprintf("[%d bytes elided]\n", elided) + stdout[elided:]
		truncated = true
	}

	output := types.TrimTrailingNewline(stdout)
	if input.HeadLimit > 0 && output != "" {
		lines := strings.Split(output, "\n")
		if len(lines) > input.HeadLimit {
			lines = lines[:input.HeadLimit]
			truncated = true
		}
		output = strings.Join(lines, "\n")
	}

	return &mcp.CallToolResultFor[GrepOutput]{
		Content:           []mcp.Content{&mcp.TextContent{Text: output}},
		StructuredContent: GrepOutput{Output: output, Truncated: truncated},
	}, nil
}

func ripgrepCommand(input GrepInput) string {
	args := []string{"rg", "--no-heading", "--with-filename", "--color=never"}
	args = appendCommonFlags(args, input)

	switch input.OutputMode {
	case "files_with_matches":
		args = append(args, "-l")
	case "count":
		args = append(args, "-c")
	}

	if input.Glob != "" {
		args = append(args, "-g", input.Glob)
	}

	args = append(args, "--", input.Pattern, input.Path)
	return shellquote.Join(args)
}

func grepCommand(input GrepInput) string {
	args := []string{"grep", "-r"}
	args = appendCommonFlags(args, input)

	switch input.OutputMode {
	case "files_with_matches":
		args = append(args, "-l")
	case "count":
		args = append(args, "-c")
	}

	if input.Glob != "" {
		args = append(args, "--include="+input.Glob)
	}

	args = append(args, "--", input.Pattern, input.Path)
	return shellquote.Join(args)
}

// appendCommonFlags appends the flags shared by both search tools'
// translation (-n, -i, -B/-A/-C). C takes precedence over B/A when set,
// matching common grep/ripgrep semantics.
func appendCommonFlags(args []string, input GrepInput) []string {
	if input.N {
		args = append(args, "-n")
	}
	if input.I {
		args = append(args, "-i")
	}
	switch {
	case input.C > 0:
		args = append(args, "-C", strconv.Itoa(input.C))
	default:
		if input.B > 0 {
			args = append(args, "-B", strconv.Itoa(input.B))
		}
		if input.A > 0 {
			args = append(args, "-A", strconv.Itoa(input.A))
		}
	}
	return args
}

// GlobInput is the glob tool's input.
type GlobInput struct {
	BasePath      string `json:"base_path" validate:"required"`
	Pattern       string `json:"pattern" validate:"required"`
	IncludeHidden bool   `json:"include_hidden,omitempty"`
}

// GlobOutput is the glob tool's output.
type GlobOutput struct {
	Paths     []string `json:"paths"`
	Truncated bool     `json:"truncated"`
}

// GlobHandler implements glob.
func (t *Tool) GlobHandler(ctx context.Context, _ *mcp.ServerSession, params *mcp.CallToolParamsFor[GlobInput]) (*mcp.CallToolResultFor[GlobOutput], error) {
	input := params.Arguments
	if err := t.validator.Struct(input); err != nil {
		return nil, fmt.Errorf("validation error: %w", err)
	}
	if !path.IsAbs(input.BasePath) {
		return nil, fmt.Errorf("base_path must be absolute: %q", input.BasePath)
	}

	// GNU find's -printf emits an mtime epoch and path per file. Symbolic
	// links are not followed during traversal. The \t and \n escapes are
	// passed to find literally (Quote strips real control characters).
	command := shellquote.Join([]string{"find", input.BasePath, "-type", "f", "-printf", `%T@\t%p\n`})
	res, err := t.transport.ExecOneShot(ctx, command, types.GrepTimeoutSeconds*time.Second)
	if err != nil {
		return nil, fmt.Errorf("failed to enumerate files under %s: %w", input.BasePath, err)
	}
	if res.ExitCode != 0 {
		return nil, fmt.Errorf("find under %s failed: %s", input.BasePath, strings.TrimSpace(res.Stderr))
	}

	type entry struct {
		mtime float64
		path  string
	}
	var entries []entry
	for _, line := range strings.Split(res.Stdout, "\n") {
		if line == "" {
			continue
		}
		tab := strings.IndexByte(line, '\t')
		if tab < 0 {
			continue
		}
		mtime, err := strconv.ParseFloat(line[:tab], 64)
		if err != nil {
			continue
		}
		entries = append(entries, entry{mtime: mtime, path: line[tab+1:]})
	}

	base := strings.TrimSuffix(input.BasePath, "/")
	var matched []entry
	for _, e := range entries {
		rel := strings.TrimPrefix(e.path, base+"/")
		if !input.IncludeHidden && hasHiddenComponent(rel) {
			continue
		}
		if !matchGlob(input.Pattern, rel) {
			continue
		}
		matched = append(matched, e)
	}

	sort.SliceStable(matched, func(i, j int) bool { return matched[i].mtime > matched[j].mtime })

	truncated := false
	if len(matched) > types.GlobMaxResults {
		matched = matched[:types.GlobMaxResults]
		truncated = true
	}

	paths := make([]string, len(matched))
	for i, e := range matched {
		paths[i] = e.path
	}

	var b strings.Builder
	for _, p := range paths {
		b.WriteString(p)
		b.WriteString("\n")
	}
	if truncated {
		fmt.Fprintf(&b, "[results truncated to %d entries]\n", types.GlobMaxResults)
	}

	return &mcp.CallToolResultFor[GlobOutput]{
		Content:           []mcp.Content{&mcp.TextContent{Text: b.String()}},
		StructuredContent: GlobOutput{Paths: paths, Truncated: truncated},
	}, nil
}

// hasHiddenComponent reports whether any path component begins with a dot.
func hasHiddenComponent(relPath string) bool {
	for _, part := range strings.Split(relPath, "/") {
		if strings.HasPrefix(part, ".") {
			return true
		}
	}
	return false
}

// matchGlob matches relPath against pattern, supporting "**" as "match zero
// or more path components" in addition to path.Match's single-component
// *, ?, and character classes.
func matchGlob(pattern, relPath string) bool {
	return matchSegments(strings.Split(pattern, "/"), strings.Split(relPath, "/"))
}

func matchSegments(pattern, name []string) bool {
	if len(pattern) == 0 {
		return len(name) == 0
	}
	if pattern[0] == "**" {
		if matchSegments(pattern[1:], name) {
			return true
		}
		if len(name) == 0 {
			return false
		}
		return matchSegments(pattern, name[1:])
	}
	if len(name) == 0 {
		return false
	}
	ok, err := path.Match(pattern[0], name[0])
	if err != nil || !ok {
		return false
	}
	return matchSegments(pattern[1:], name[1:])
}
