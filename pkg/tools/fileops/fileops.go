// Package fileops implements the read, write, and edit tools: line-windowed
// reads with a cat -n style gutter, full-file overwrites with
// parent-directory creation, and exact-match find-and-replace with
// single-match safety.
package fileops

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/go-playground/validator/v10"
	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/rs/zerolog"

	"github.com/tb0hdan/remote-exec-mcp/pkg/server"
	"github.com/tb0hdan/remote-exec-mcp/pkg/tools"
	"github.com/tb0hdan/remote-exec-mcp/pkg/transport"
	"github.com/tb0hdan/remote-exec-mcp/pkg/types"
)

// Tool implements the read/write/edit catalog entries.
type Tool struct {
	logger    zerolog.Logger
	validator *validator.Validate
	transport transport.Transport
}

// New constructs the file-ops tool family bound to t.
func New(logger zerolog.Logger, t transport.Transport) tools.Tool {
	return &Tool{
		logger:    logger.With().Str("tool", "fileops").Logger(),
		validator: validator.New(),
		transport: t,
	}
}

// Register wires read, write, and edit into srv.
func (f *Tool) Register(srv *server.Server) {
	mcp.AddTool(&srv.Server, &mcp.Tool{
		Name:        "read",
		Description: "Read a window of lines from a remote file, numbered like cat -n",
	}, f.ReadHandler)

	mcp.AddTool(&srv.Server, &mcp.Tool{
		Name:        "write",
		Description: "Overwrite a remote file with the given content, creating parent directories",
	}, f.WriteHandler)

	mcp.AddTool(&srv.Server, &mcp.Tool{
		Name:        "edit",
		Description: "Replace an exact substring in a remote file, failing on ambiguous or absent matches",
	}, f.EditHandler)

	f.logger.Debug().Msg("fileops tool family registered")
}

// ReadInput is the read tool's input.
type ReadInput struct {
	FilePath string `json:"file_path" validate:"required"`
	Offset   int    `json:"offset,omitempty" validate:"min=0"`
	Limit    int    `json:"limit,omitempty" validate:"min=0"`
}

// ReadOutput is the read tool's output.
type ReadOutput struct {
	Text      string `json:"text"`
	LineCount int    `json:"line_count"`
}

// ReadHandler implements read.
func (f *Tool) ReadHandler(ctx context.Context, _ *mcp.ServerSession, params *mcp.CallToolParamsFor[ReadInput]) (*mcp.CallToolResultFor[ReadOutput], error) {
	input := params.Arguments
	if err := f.validator.Struct(input); err != nil {
		return nil, fmt.Errorf("validation error: %w", err)
	}
	if err := requireAbsolute(input.FilePath); err != nil {
		return nil, err
	}

	offset := input.Offset
	if offset < 1 {
		offset = 1
	}
	limit := input.Limit
	if limit <= 0 {
		limit = types.ReadDefaultLimitLines
	}
	if limit > types.ReadMaxLimitLines {
		limit = types.ReadMaxLimitLines
	}

	info, err := f.transport.FileStat(ctx, input.FilePath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat %s: %w", input.FilePath, err)
	}
	if info.IsDir {
		return nil, fmt.Errorf("%s is a directory, not a file", input.FilePath)
	}

	var window []string
	if info.Size >= types.ReadStreamThresholdBytes {
		window, err = f.readLinesStreaming(ctx, input.FilePath, offset, limit)
		if err != nil {
			return nil, err
		}
	} else {
		content, err := f.transport.FileReadAll(ctx, input.FilePath)
		if err != nil {
			return nil, fmt.Errorf("failed to read %s: %w", input.FilePath, err)
		}
		if looksBinary(content) {
			return nil, fmt.Errorf("%s appears to be a binary file", input.FilePath)
		}
		lines := splitLines(string(content))
		window, _ = types.Paginate(lines, offset-1, limit)
	}

	var b strings.Builder
	for i, line := range window {
		lineNo := offset + i
		if utf8.RuneCountInString(line) > types.ReadMaxLineLength {
			line = string([]rune(line)[:types.ReadMaxLineLength]) + " [line truncated]"
		}
		fmt.Fprintf(&b, "%6s\t%s\n", strconv.Itoa(lineNo), line)
	}

	return &mcp.CallToolResultFor[ReadOutput]{
		Content:           []mcp.Content{&mcp.TextContent{Text: b.String()}},
		StructuredContent: ReadOutput{Text: b.String(), LineCount: len(window)},
	}, nil
}

// readLinesStreaming reads only the requested line window from a large
// file, without buffering the whole file in memory: it walks the stream
// line by line, discards everything before offset, and closes the stream as
// soon as limit lines have been collected.
func (f *Tool) readLinesStreaming(ctx context.Context, filePath string, offset, limit int) ([]string, error) {
	rc, err := f.transport.FileReadStream(ctx, filePath)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", filePath, err)
	}
	defer func() { _ = rc.Close() }()

	br := bufio.NewReaderSize(rc, 64*1024)
	probe, err := br.Peek(1024)
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("failed to read %s: %w", filePath, err)
	}
	if probeLooksBinary(probe) {
		return nil, fmt.Errorf("%s appears to be a binary file", filePath)
	}

	var window []string
	lineNo := 0
	for {
		line, err := br.ReadString('\n')
		if line != "" {
			lineNo++
			if lineNo >= offset {
				window = append(window, strings.TrimSuffix(line, "\n"))
				if len(window) == limit {
					return window, nil
				}
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return window, nil
			}
			return nil, fmt.Errorf("failed to read %s: %w", filePath, err)
		}
	}
}

// probeLooksBinary is the streaming variant of looksBinary: it checks a
// leading sample only, tolerating a multi-byte rune cut off at the sample
// boundary.
func probeLooksBinary(probe []byte) bool {
	if bytes.IndexByte(probe, 0) >= 0 {
		return true
	}
	trimmed := probe
	for i := 0; i < 3 && len(trimmed) > 0 && !utf8.Valid(trimmed); i++ {
		trimmed = trimmed[:len(trimmed)-1]
	}
	return !utf8.Valid(trimmed)
}

// splitLines splits content into lines without the trailing newline on the
// final empty segment a naive strings.Split would otherwise produce.
func splitLines(content string) []string {
	if content == "" {
		return nil
	}
	lines := strings.Split(content, "\n")
	if lines[len(lines)-1] == "" {
		lines = lines[:len(lines)-1]
	}
	return lines
}

// looksBinary reports whether content should be refused as binary: a NUL
// byte in the first KiB, or content that fails to decode as UTF-8.
func looksBinary(content []byte) bool {
	probe := content
	if len(probe) > 1024 {
		probe = probe[:1024]
	}
	if bytes.IndexByte(probe, 0) >= 0 {
		return true
	}
	return !utf8.Valid(content)
}

func requireAbsolute(p string) error {
	if !path.IsAbs(p) {
		return fmt.Errorf("file_path must be absolute: %q", p)
	}
	return nil
}

// WriteInput is the write tool's input.
type WriteInput struct {
	FilePath string `json:"file_path" validate:"required"`
	Content  string `json:"content"`
}

// WriteOutput is the write tool's output.
type WriteOutput struct {
	BytesWritten int `json:"bytes_written"`
}

// WriteHandler implements write.
func (f *Tool) WriteHandler(ctx context.Context, _ *mcp.ServerSession, params *mcp.CallToolParamsFor[WriteInput]) (*mcp.CallToolResultFor[WriteOutput], error) {
	input := params.Arguments
	if err := f.validator.Struct(input); err != nil {
		return nil, fmt.Errorf("validation error: %w", err)
	}
	if err := requireAbsolute(input.FilePath); err != nil {
		return nil, err
	}

	if err := f.transport.FileWrite(ctx, input.FilePath, []byte(input.Content)); err != nil {
		return nil, fmt.Errorf("failed to write %s: %w", input.FilePath, err)
	}

	n := len(input.Content)
	return &mcp.CallToolResultFor[WriteOutput]{
		Content:           []mcp.Content{&mcp.TextContent{Text: fmt.Sprintf("Wrote %d bytes to %s", n, input.FilePath)}},
		StructuredContent: WriteOutput{BytesWritten: n},
	}, nil
}

// EditInput is the edit tool's input.
type EditInput struct {
	FilePath   string `json:"file_path" validate:"required"`
	OldString  string `json:"old_string" validate:"required"`
	NewString  string `json:"new_string"`
	ReplaceAll bool   `json:"replace_all,omitempty"`
}

// EditOutput is the edit tool's output.
type EditOutput struct {
	Replacements int    `json:"replacements"`
	Context      string `json:"context,omitempty"`
}

// EditHandler implements edit.
func (f *Tool) EditHandler(ctx context.Context, _ *mcp.ServerSession, params *mcp.CallToolParamsFor[EditInput]) (*mcp.CallToolResultFor[EditOutput], error) {
	input := params.Arguments
	if err := f.validator.Struct(input); err != nil {
		return nil, fmt.Errorf("validation error: %w", err)
	}
	if err := requireAbsolute(input.FilePath); err != nil {
		return nil, err
	}
	if input.OldString == input.NewString {
		return nil, fmt.Errorf("old_string and new_string are identical; this edit would be a no-op")
	}

	content, err := f.transport.FileReadAll(ctx, input.FilePath)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", input.FilePath, err)
	}

	count := strings.Count(string(content), input.OldString)
	switch {
	case count == 0:
		return nil, fmt.Errorf("no matches for old_string in %s", input.FilePath)
	case count > 1 && !input.ReplaceAll:
		return nil, fmt.Errorf("multiple matches (%d) for old_string in %s; pass replace_all:true or narrow old_string to a unique match", count, input.FilePath)
	}

	limit := 1
	if input.ReplaceAll {
		limit = -1
	}
	updated := strings.Replace(string(content), input.OldString, input.NewString, limit)
	replacements := count
	if !input.ReplaceAll {
		replacements = 1
	}

	if err := f.transport.FileWrite(ctx, input.FilePath, []byte(updated)); err != nil {
		return nil, fmt.Errorf("failed to write %s: %w", input.FilePath, err)
	}

	// The first replacement site starts at the same byte offset in the old
	// and new content, since everything before it is untouched.
	snippet := contextAround(updated, strings.Index(string(content), input.OldString), editContextLines)

	var b strings.Builder
	fmt.Fprintf(&b, "Replaced %d occurrence(s) in %s\n", replacements, input.FilePath)
	if snippet != "" {
		b.WriteString("\n")
		b.WriteString(snippet)
	}

	return &mcp.CallToolResultFor[EditOutput]{
		Content:           []mcp.Content{&mcp.TextContent{Text: b.String()}},
		StructuredContent: EditOutput{Replacements: replacements, Context: snippet},
	}, nil
}

// editContextLines is how many lines around the first replacement site the
// edit tool echoes back.
const editContextLines = 3

// contextAround returns the numbered lines surrounding byte offset pos in
// content, radius lines in each direction.
func contextAround(content string, pos, radius int) string {
	if pos < 0 {
		return ""
	}
	lineIdx := strings.Count(content[:pos], "\n")
	lines := splitLines(content)

	start := lineIdx - radius
	if start < 0 {
		start = 0
	}
	end := lineIdx + radius + 1
	if end > len(lines) {
		end = len(lines)
	}

	var b strings.Builder
	for i := start; i < end; i++ {
		fmt.Fprintf(&b, "%6s\t%s\n", strconv.Itoa(i+1), lines[i])
	}
	return b.String()
}
