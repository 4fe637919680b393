package optimize

import (
	"math"
	"regexp"
	"time"
)

// ErrorKind classifies an iteration failure. Only compile_error, timeout,
// network and transient are recoverable.
type ErrorKind string

// Error kinds.
const (
	KindCompileError ErrorKind = "compile_error"
	KindTimeout      ErrorKind = "timeout"
	KindNetwork      ErrorKind = "network"
	KindTransient    ErrorKind = "transient"
	KindUnknown      ErrorKind = "unknown"
)

var errorPatterns = []struct {
	kind ErrorKind
	re   *regexp.Regexp
}{
	{KindCompileError, regexp.MustCompile(`(?i)(compile error|syntax error|undefined:|undeclared name|build failed|cannot find package|expected .+, found)`)},
	{KindTimeout, regexp.MustCompile(`(?i)(timed? ?out|deadline exceeded|signal: killed)`)},
	{KindNetwork, regexp.MustCompile(`(?i)(connection refused|connection reset|no such host|broken pipe|network is unreachable|tls handshake)`)},
	{KindTransient, regexp.MustCompile(`(?i)(rate limit|too many requests|429|502|503|temporarily unavailable|try again|resource busy|database is locked)`)},
}

// Classify maps an error message to its kind by regex.
func Classify(err error) ErrorKind {
	if err == nil {
		return KindUnknown
	}
	msg := err.Error()
	for _, p := range errorPatterns {
		if p.re.MatchString(msg) {
			return p.kind
		}
	}
	return KindUnknown
}

// Recoverable reports whether a bounded retry is worthwhile.
func Recoverable(kind ErrorKind) bool {
	switch kind {
	case KindCompileError, KindTimeout, KindNetwork, KindTransient:
		return true
	default:
		return false
	}
}

// RetryBackoff returns the wait before retry attempt n (0-based) for
// network/transient failures: 1s, 2s, 4s, ... capped at 60s. Other kinds
// retry immediately.
func RetryBackoff(kind ErrorKind, attempt int) time.Duration {
	if kind != KindNetwork && kind != KindTransient {
		return 0
	}
	d := time.Duration(math.Pow(2, float64(attempt))) * time.Second
	if d > 60*time.Second {
		d = 60 * time.Second
	}
	return d
}
