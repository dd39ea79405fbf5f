package fileops

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"testing"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/suite"

	"github.com/tb0hdan/remote-exec-mcp/pkg/transport"
)

// fakeFS is an in-memory stand-in for a remote filesystem, since
// read/write/edit need a real round trip to exercise their contracts.
type fakeFS struct {
	files map[string][]byte
}

func newFakeFS() *fakeFS { return &fakeFS{files: map[string][]byte{}} }

func (f *fakeFS) ExecOneShot(context.Context, string, time.Duration) (transport.OneShotResult, error) {
	return transport.OneShotResult{}, nil
}
func (f *fakeFS) ExecStreaming(context.Context, string) (transport.Streaming, error) {
	return nil, nil
}
func (f *fakeFS) FileReadAll(_ context.Context, path string) ([]byte, error) {
	content, ok := f.files[path]
	if !ok {
		return nil, fmt.Errorf("no such file: %s", path)
	}
	return content, nil
}
func (f *fakeFS) FileReadStream(_ context.Context, path string) (io.ReadCloser, error) {
	content, ok := f.files[path]
	if !ok {
		return nil, fmt.Errorf("no such file: %s", path)
	}
	return io.NopCloser(bytes.NewReader(content)), nil
}
func (f *fakeFS) FileWrite(_ context.Context, path string, content []byte) error {
	f.files[path] = content
	return nil
}
func (f *fakeFS) FileExists(_ context.Context, path string) (bool, error) {
	_, ok := f.files[path]
	return ok, nil
}
func (f *fakeFS) FileStat(_ context.Context, path string) (transport.FileInfo, error) {
	content, ok := f.files[path]
	if !ok {
		return transport.FileInfo{}, fmt.Errorf("no such file: %s", path)
	}
	return transport.FileInfo{Size: int64(len(content))}, nil
}
func (f *fakeFS) HasRipgrep(context.Context) bool { return false }
func (f *fakeFS) Close() error                    { return nil }

type FileOpsSuite struct {
	suite.Suite
}

func TestFileOpsSuite(t *testing.T) {
	suite.Run(t, new(FileOpsSuite))
}

func (s *FileOpsSuite) newTool(fs *fakeFS) *Tool {
	return &Tool{logger: zerolog.Nop(), validator: validator.New(), transport: fs}
}

func (s *FileOpsSuite) TestReadRendersCatNStyleGutter() {
	fs := newFakeFS()
	fs.files["/etc/hostname"] = []byte("box\n")
	tool := s.newTool(fs)

	res, err := tool.ReadHandler(context.Background(), nil, &mcp.CallToolParamsFor[ReadInput]{
		Arguments: ReadInput{FilePath: "/etc/hostname"},
	})
	s.Require().NoError(err)
	s.Equal("     1\tbox\n", res.Content[0].(*mcp.TextContent).Text)
}

func (s *FileOpsSuite) TestReadWindowMatchesOffsetAndLimit() {
	fs := newFakeFS()
	var content string
	for i := 1; i <= 10; i++ {
		content += fmt.Sprintf("line%d\n", i)
	}
	fs.files["/tmp/ten.txt"] = []byte(content)
	tool := s.newTool(fs)

	res, err := tool.ReadHandler(context.Background(), nil, &mcp.CallToolParamsFor[ReadInput]{
		Arguments: ReadInput{FilePath: "/tmp/ten.txt", Offset: 3, Limit: 4},
	})
	s.Require().NoError(err)
	s.Equal(4, res.StructuredContent.LineCount)
	s.Contains(res.StructuredContent.Text, "     3\tline3")
	s.Contains(res.StructuredContent.Text, "     6\tline6")
	s.NotContains(res.StructuredContent.Text, "line7")
}

func (s *FileOpsSuite) TestReadLinesStreamingWindowsWithoutFullLoad() {
	fs := newFakeFS()
	var content string
	for i := 1; i <= 50; i++ {
		content += fmt.Sprintf("line%d\n", i)
	}
	fs.files["/tmp/big.txt"] = []byte(content)
	tool := s.newTool(fs)

	window, err := tool.readLinesStreaming(context.Background(), "/tmp/big.txt", 10, 3)
	s.Require().NoError(err)
	s.Equal([]string{"line10", "line11", "line12"}, window)
}

func (s *FileOpsSuite) TestReadLinesStreamingHandlesMissingFinalNewline() {
	fs := newFakeFS()
	fs.files["/tmp/tail.txt"] = []byte("a\nb\nc")
	tool := s.newTool(fs)

	window, err := tool.readLinesStreaming(context.Background(), "/tmp/tail.txt", 1, 10)
	s.Require().NoError(err)
	s.Equal([]string{"a", "b", "c"}, window)
}

func (s *FileOpsSuite) TestReadLinesStreamingRejectsBinaryContent() {
	fs := newFakeFS()
	fs.files["/tmp/blob"] = []byte{'x', 0x00, 'y', '\n'}
	tool := s.newTool(fs)

	_, err := tool.readLinesStreaming(context.Background(), "/tmp/blob", 1, 10)
	s.Error(err)
	s.Contains(err.Error(), "binary")
}

func (s *FileOpsSuite) TestProbeLooksBinaryToleratesTruncatedRune() {
	// A KiB sample can end mid-rune; that alone must not flag the file.
	sample := append([]byte("plain "), 0xE2, 0x82) // truncated euro sign
	s.False(probeLooksBinary(sample))
	s.True(probeLooksBinary([]byte{0x00}))
}

func (s *FileOpsSuite) TestReadRejectsRelativePath() {
	tool := s.newTool(newFakeFS())
	_, err := tool.ReadHandler(context.Background(), nil, &mcp.CallToolParamsFor[ReadInput]{
		Arguments: ReadInput{FilePath: "relative/path.txt"},
	})
	s.Error(err)
	s.Contains(err.Error(), "absolute")
}

func (s *FileOpsSuite) TestReadRejectsBinaryContent() {
	fs := newFakeFS()
	fs.files["/bin/blob"] = []byte{0x00, 0x01, 0x02, 'a', 'b'}
	tool := s.newTool(fs)

	_, err := tool.ReadHandler(context.Background(), nil, &mcp.CallToolParamsFor[ReadInput]{
		Arguments: ReadInput{FilePath: "/bin/blob"},
	})
	s.Error(err)
	s.Contains(err.Error(), "binary")
}

func (s *FileOpsSuite) TestWriteCreatesFileAndReportsLength() {
	fs := newFakeFS()
	tool := s.newTool(fs)

	res, err := tool.WriteHandler(context.Background(), nil, &mcp.CallToolParamsFor[WriteInput]{
		Arguments: WriteInput{FilePath: "/tmp/new.txt", Content: "hello world"},
	})
	s.Require().NoError(err)
	s.Equal(11, res.StructuredContent.BytesWritten)
	s.Equal("hello world", string(fs.files["/tmp/new.txt"]))
}

func (s *FileOpsSuite) TestEditSingleMatchReplaces() {
	fs := newFakeFS()
	fs.files["/tmp/a.txt"] = []byte("foo bar")
	tool := s.newTool(fs)

	res, err := tool.EditHandler(context.Background(), nil, &mcp.CallToolParamsFor[EditInput]{
		Arguments: EditInput{FilePath: "/tmp/a.txt", OldString: "foo", NewString: "baz"},
	})
	s.Require().NoError(err)
	s.Equal(1, res.StructuredContent.Replacements)
	s.Equal("baz bar", string(fs.files["/tmp/a.txt"]))
}

func (s *FileOpsSuite) TestEditReportsContextAroundReplacement() {
	fs := newFakeFS()
	fs.files["/tmp/a.txt"] = []byte("one\ntwo\nthree\nfour\nfive\nsix\nseven\n")
	tool := s.newTool(fs)

	res, err := tool.EditHandler(context.Background(), nil, &mcp.CallToolParamsFor[EditInput]{
		Arguments: EditInput{FilePath: "/tmp/a.txt", OldString: "four", NewString: "FOUR"},
	})
	s.Require().NoError(err)
	s.Contains(res.StructuredContent.Context, "     4\tFOUR")
	s.Contains(res.StructuredContent.Context, "     1\tone")
	s.Contains(res.StructuredContent.Context, "     7\tseven")
}

func (s *FileOpsSuite) TestEditAmbiguousWithoutReplaceAllFails() {
	fs := newFakeFS()
	fs.files["/tmp/a.txt"] = []byte("foo foo")
	tool := s.newTool(fs)

	_, err := tool.EditHandler(context.Background(), nil, &mcp.CallToolParamsFor[EditInput]{
		Arguments: EditInput{FilePath: "/tmp/a.txt", OldString: "foo", NewString: "bar"},
	})
	s.Error(err)
	s.Contains(err.Error(), "multiple matches")
	s.Equal("foo foo", string(fs.files["/tmp/a.txt"]), "file must be unchanged on a rejected edit")
}

func (s *FileOpsSuite) TestEditReplaceAllReplacesEveryOccurrence() {
	fs := newFakeFS()
	fs.files["/tmp/a.txt"] = []byte("foo foo")
	tool := s.newTool(fs)

	res, err := tool.EditHandler(context.Background(), nil, &mcp.CallToolParamsFor[EditInput]{
		Arguments: EditInput{FilePath: "/tmp/a.txt", OldString: "foo", NewString: "bar", ReplaceAll: true},
	})
	s.Require().NoError(err)
	s.Equal(2, res.StructuredContent.Replacements)
	s.Equal("bar bar", string(fs.files["/tmp/a.txt"]))
}

func (s *FileOpsSuite) TestEditNoMatchFails() {
	fs := newFakeFS()
	fs.files["/tmp/a.txt"] = []byte("hello")
	tool := s.newTool(fs)

	_, err := tool.EditHandler(context.Background(), nil, &mcp.CallToolParamsFor[EditInput]{
		Arguments: EditInput{FilePath: "/tmp/a.txt", OldString: "nope", NewString: "x"},
	})
	s.Error(err)
	s.Contains(err.Error(), "no matches")
}

func (s *FileOpsSuite) TestEditIsIdempotentSecondApplicationFails() {
	fs := newFakeFS()
	fs.files["/tmp/a.txt"] = []byte("foo bar")
	tool := s.newTool(fs)

	_, err := tool.EditHandler(context.Background(), nil, &mcp.CallToolParamsFor[EditInput]{
		Arguments: EditInput{FilePath: "/tmp/a.txt", OldString: "foo", NewString: "baz"},
	})
	s.Require().NoError(err)

	_, err = tool.EditHandler(context.Background(), nil, &mcp.CallToolParamsFor[EditInput]{
		Arguments: EditInput{FilePath: "/tmp/a.txt", OldString: "foo", NewString: "baz"},
	})
	s.Error(err)
	s.Contains(err.Error(), "no matches")
}

func (s *FileOpsSuite) TestEditRejectsNoOp() {
	fs := newFakeFS()
	fs.files["/tmp/a.txt"] = []byte("same")
	tool := s.newTool(fs)

	_, err := tool.EditHandler(context.Background(), nil, &mcp.CallToolParamsFor[EditInput]{
		Arguments: EditInput{FilePath: "/tmp/a.txt", OldString: "same", NewString: "same"},
	})
	s.Error(err)
	s.Contains(err.Error(), "no-op")
}

func (s *FileOpsSuite) TestLooksBinaryDetectsNulInFirstKiB() {
	s.True(looksBinary([]byte{'a', 0x00, 'b'}))
	s.False(looksBinary([]byte("plain text")))
}
