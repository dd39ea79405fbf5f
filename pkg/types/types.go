// Package types holds the shared constants and pagination helpers the tool
// packages reach for instead of re-declaring their own magic numbers.
package types

import "strings"

const (
	// ForegroundTimeoutDefaultMS is bash's default foreground timeout.
	ForegroundTimeoutDefaultMS = 120000
	// ForegroundTimeoutCeilingMS is the largest foreground timeout bash accepts.
	ForegroundTimeoutCeilingMS = 600000

	// OutputCapBytes is the per-stream cap applied to bash/grep output.
	OutputCapBytes = 30000

	// RingCapacityBytes is the default per-stream ring buffer capacity for a
	// background session.
	RingCapacityBytes = 1 << 20 // 1 MiB

	// MaxLiveSessions bounds the number of concurrently tracked background
	// shells.
	MaxLiveSessions = 64

	// MaxTotalRingBytes bounds the aggregate retained ring bytes across all
	// sessions.
	MaxTotalRingBytes = 64 << 20 // 64 MiB

	// ReadDefaultLimitLines and ReadMaxLimitLines bound the read tool's line
	// window.
	ReadDefaultLimitLines = 2000
	ReadMaxLimitLines     = 2000

	// ReadMaxLineLength truncates any single line longer than this.
	ReadMaxLineLength = 2000

	// ReadStreamThresholdBytes is the file size at or above which the read tool
	// streams line by line instead of loading the whole file into memory.
	ReadStreamThresholdBytes = 4 << 20 // 4 MiB

	// GlobMaxResults caps glob output.
	GlobMaxResults = 1000

	// GrepTimeoutSeconds bounds a single grep invocation.
	GrepTimeoutSeconds = 30
)

// Paginate slices lines[offset:offset+limit], clamping to bounds, and
// reports whether the slice dropped trailing lines. offset is 0-based here;
// callers translate 1-based line numbers before calling in.
func Paginate(lines []string, offset, limit int) (window []string, truncated bool) {
	total := len(lines)
	if offset >= total {
		return []string{}, false
	}
	end := offset + limit
	if end >= total {
		return lines[offset:], false
	}
	return lines[offset:end], true
}

// TrimTrailingNewline trims a single trailing newline off accumulated
// command output before reporting it.
func TrimTrailingNewline(s string) string {
	return strings.TrimSuffix(s, "\n")
}
