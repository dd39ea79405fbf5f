// Package shellquote escapes arguments for safe inclusion in a POSIX shell
// command line built up as a string before being handed to a transport's
// ExecOneShot/ExecStreaming: single-quote the argument and escape embedded
// single quotes, then strip control characters outright rather than trying
// to escape them.
package shellquote

import "strings"

// Quote wraps arg in single quotes, escaping any single quotes it contains,
// and strips control characters (which have no safe single-quoted escape
// and no legitimate use in a path, pattern, or signal name).
func Quote(arg string) string {
	var b strings.Builder
	for _, r := range arg {
		if r < 32 || r == 127 {
			continue
		}
		b.WriteRune(r)
	}
	escaped := strings.ReplaceAll(b.String(), "'", `'\''`)
	return "'" + escaped + "'"
}

// QuoteAll quotes every element of args.
func QuoteAll(args []string) []string {
	out := make([]string, len(args))
	for i, a := range args {
		out[i] = Quote(a)
	}
	return out
}

// Join quotes and joins args with a single space, the common case for
// assembling a remote command line.
func Join(args []string) string {
	return strings.Join(QuoteAll(args), " ")
}
