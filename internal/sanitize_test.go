package internal

import (
	"errors"
	"strings"
	"testing"
)

func TestValidateCode(t *testing.T) {
	tests := []struct {
		name string
		code string
		max  int
		want error
	}{
		{"ok", "print(1)", 100, nil},
		{"empty", "   ", 100, ErrEmptyCode},
		{"too large", strings.Repeat("a", 101), 100, ErrCodeSizeExceeded},
		{"exact limit", strings.Repeat("a", 100), 100, nil},
		{"nul byte", "print(1)\x00", 100, ErrInvalidCode},
		{"no limit", strings.Repeat("a", 1000), 0, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateCode(tt.code, tt.max)
			if tt.want == nil {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if !errors.Is(err, tt.want) {
				t.Fatalf("got %v, want %v", err, tt.want)
			}
		})
	}
}

func TestStripANSI(t *testing.T) {
	tests := map[string]string{
		"\x1b[31merror\x1b[0m":       "error",
		"line\r\n":                   "line\n",
		"\x1b]0;title\x07hello":      "hello",
		"\x1b[?25lhidden\x1b[?25h":   "hidden",
		"plain text":                 "plain text",
		"\x1b[1;32mok\x1b[0m done\r": "ok done",
	}
	for in, want := range tests {
		if got := StripANSI(in); got != want {
			t.Errorf("StripANSI(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestOutputSanitizerStripsWorkdir(t *testing.T) {
	s := NewOutputSanitizer("/sandbox/")
	in := "Traceback:\n  File \"/sandbox/main.py\", line 1\n"
	want := "Traceback:\n  File \"main.py\", line 1\n"
	if got := s.Clean(in); got != want {
		t.Fatalf("Clean = %q, want %q", got, want)
	}
}

func TestValidateCodeNULIsNotEmpty(t *testing.T) {
	err := ValidateCode("a\x00b", 0)
	if errors.Is(err, ErrEmptyCode) {
		t.Errorf("NUL rejection reported as empty code: %v", err)
	}
}

func TestStreamCleanerJoinsSplitSequences(t *testing.T) {
	tests := []struct {
		name   string
		chunks []string
		want   string
	}{
		{"csi split", []string{"\x1b[3", "1mred\x1b[0m\n"}, "red\n"},
		{"lone escape", []string{"ok\x1b", "[0m done"}, "ok done"},
		{"osc split", []string{"\x1b]0;ti", "tle\x07hi"}, "hi"},
		{"osc terminator split", []string{"\x1b]0;title\x1b", "\\hi"}, "hi"},
		{"prefix split", []string{"File \"/sand", "box/main.py\""}, "File \"main.py\""},
		{"trailing slash", []string{"path: /", "tmp"}, "path: /tmp"},
		{"held until flush", []string{"end /sa"}, "end /sa"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := NewOutputSanitizer("/sandbox").Stream()
			var got strings.Builder
			for _, chunk := range tt.chunks {
				got.WriteString(c.Clean(chunk))
			}
			got.WriteString(c.Flush())
			if got.String() != tt.want {
				t.Errorf("got %q, want %q", got.String(), tt.want)
			}
		})
	}
}

func TestStreamCleanerEmitsTrailingSlash(t *testing.T) {
	c := NewOutputSanitizer("/sandbox").Stream()
	if got := c.Clean("Enter dir /"); got != "Enter dir /" {
		t.Errorf("prompt held back: %q", got)
	}
}
