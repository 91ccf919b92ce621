package internal

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

var (
	ErrEmptyCode        = errors.New("code is required")
	ErrCodeSizeExceeded = errors.New("code exceeds maximum size")
	ErrInvalidCode      = errors.New("code is not valid text")
)

// ValidationError describes why submitted code was rejected.
type ValidationError struct {
	Message string
	Details string
	err     error
}

func (e *ValidationError) Error() string {
	return e.Message + ": " + e.Details
}

func (e *ValidationError) Unwrap() error {
	return e.err
}

// ValidateCode checks submitted source before it is sent to an instance.
func ValidateCode(code string, maxBytes int) error {
	if strings.TrimSpace(code) == "" {
		return &ValidationError{
			Message: "Invalid code",
			Details: "code must not be empty",
			err:     ErrEmptyCode,
		}
	}
	if maxBytes > 0 && len(code) > maxBytes {
		return &ValidationError{
			Message: "Code length exceeds maximum limit",
			Details: fmt.Sprintf("max size allowed is %d bytes, got %d", maxBytes, len(code)),
			err:     ErrCodeSizeExceeded,
		}
	}
	if strings.ContainsRune(code, 0) {
		return &ValidationError{
			Message: "Invalid code",
			Details: "code contains NUL bytes",
			err:     ErrInvalidCode,
		}
	}
	return nil
}

// CSI, OSC and two-byte escape sequences emitted by terminals and colored compilers.
var ansiPattern = regexp.MustCompile(`\x1b\[[0-9;?]*[ -/]*[@-~]|\x1b\][^\x07\x1b]*(?:\x07|\x1b\\)|\x1b[@-Z\\-_]`)

// StripANSI removes terminal control sequences and carriage returns.
func StripANSI(s string) string {
	if strings.IndexByte(s, 0x1b) >= 0 {
		s = ansiPattern.ReplaceAllString(s, "")
	}
	return strings.ReplaceAll(s, "\r", "")
}

// OutputSanitizer cleans program output before it reaches the caller.
type OutputSanitizer struct {
	prefix string
}

// NewOutputSanitizer hides the sandbox working directory from paths in output,
// so "/sandbox/main.py" is shown as "main.py".
func NewOutputSanitizer(workdir string) *OutputSanitizer {
	prefix := strings.TrimRight(workdir, "/")
	if prefix != "" {
		prefix += "/"
	}
	return &OutputSanitizer{prefix: prefix}
}

// Clean strips control sequences and the sandbox path prefix.
func (s *OutputSanitizer) Clean(chunk string) string {
	chunk = StripANSI(chunk)
	if s.prefix != "" && strings.Contains(chunk, s.prefix) {
		chunk = strings.ReplaceAll(chunk, s.prefix, "")
	}
	return chunk
}

func (s *OutputSanitizer) partialPrefix(data string) int {
	// at least two bytes, so a trailing "/" is never held
	for k := len(s.prefix) - 1; k >= 2; k-- {
		if strings.HasSuffix(data, s.prefix[:k]) {
			return k
		}
	}
	return 0
}

// An escape sequence that has started but not terminated yet.
var partialEscape = regexp.MustCompile(`^\x1b(?:\[[0-9;?]*[ -/]*|\][^\x07\x1b]*\x1b?)?$`)

const maxPending = 256

// StreamCleaner sanitizes one output stream chunk by chunk. An escape sequence
// or sandbox path split across chunks is held back until it is complete.
type StreamCleaner struct {
	s       *OutputSanitizer
	pending string
}

// Stream returns a cleaner for a single stream.
func (s *OutputSanitizer) Stream() *StreamCleaner {
	return &StreamCleaner{s: s}
}

// Clean returns the cleaned part of pending+chunk that is safe to emit.
func (c *StreamCleaner) Clean(chunk string) string {
	data := c.pending + chunk
	cut := len(data)
	for i := len(data) - 1; i >= 0 && len(data)-i <= maxPending; i-- {
		if data[i] == 0x1b && partialEscape.MatchString(data[i:]) {
			cut = i
		}
	}
	if cut == len(data) {
		cut -= c.s.partialPrefix(data)
	}
	c.pending = data[cut:]
	return c.s.Clean(data[:cut])
}

// Flush returns whatever is still held back.
func (c *StreamCleaner) Flush() string {
	data := c.pending
	c.pending = ""
	return c.s.Clean(data)
}
