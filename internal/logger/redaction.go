package logger

import (
	"io"
	"regexp"
)

// Redactor strips credentials from log output before it reaches a writer.
type Redactor struct {
	patterns []*regexp.Regexp
}

// NewRedactor creates a redactor covering the credentials this daemon
// handles: provider API keys, bearer tokens, and raw signing keys.
func NewRedactor() *Redactor {
	return &Redactor{
		patterns: []*regexp.Regexp{
			// Provider API keys (OpenAI, Anthropic, OpenRouter)
			regexp.MustCompile(`sk-[a-zA-Z0-9_-]{20,}`),
			regexp.MustCompile(`sk-ant-[a-zA-Z0-9_-]{20,}`),
			regexp.MustCompile(`sk-or-[a-zA-Z0-9_-]{20,}`),

			// Bearer tokens
			regexp.MustCompile(`Bearer\s+[a-zA-Z0-9._-]+`),

			// Raw private keys; wallet addresses (20 bytes) stay visible
			regexp.MustCompile(`0x[0-9a-fA-F]{64}`),

			// Generic secrets
			regexp.MustCompile(`api[_-]?key["\s:=]+[^\s"]+`),
			regexp.MustCompile(`token["\s:=]+[a-zA-Z0-9._-]{20,}`),
			regexp.MustCompile(`secret["\s:=]+[^\s"]+`),
			regexp.MustCompile(`password["\s:=]+[^\s"]+`),
		},
	}
}

// AddPattern adds a custom redaction pattern.
func (r *Redactor) AddPattern(pattern string) error {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return err
	}
	r.patterns = append(r.patterns, re)
	return nil
}

// Redact replaces credential matches with a placeholder.
func (r *Redactor) Redact(s string) string {
	result := s
	for _, pattern := range r.patterns {
		result = pattern.ReplaceAllString(result, "[REDACTED]")
	}
	return result
}

// Wrap returns a writer that redacts everything written through it.
func (r *Redactor) Wrap(w io.Writer) io.Writer {
	return &redactingWriter{writer: w, redactor: r}
}

type redactingWriter struct {
	writer   io.Writer
	redactor *Redactor
}

func (w *redactingWriter) Write(p []byte) (n int, err error) {
	redacted := w.redactor.Redact(string(p))
	if _, err := w.writer.Write([]byte(redacted)); err != nil {
		return 0, err
	}
	// Report the original length so zerolog does not see short writes.
	return len(p), nil
}
