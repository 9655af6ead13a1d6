package eventlog

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"regexp"
	"strings"
	"unicode/utf8"

	"golang.org/x/text/unicode/norm"
)

const maxDigestRunes = 512

var redactions = []struct {
	re   *regexp.Regexp
	repl string
}{
	{regexp.MustCompile(`[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}`), "[email]"},
	{regexp.MustCompile(`\b(sk|pk|rk)-[A-Za-z0-9_\-]{16,}`), "[secret]"},
	{regexp.MustCompile(`\bgh[pousr]_[A-Za-z0-9]{20,}`), "[secret]"},
	{regexp.MustCompile(`\bAKIA[0-9A-Z]{16}\b`), "[secret]"},
	{regexp.MustCompile(`(?i)(bearer\s+)[A-Za-z0-9._\-]{8,}`), "${1}[secret]"},
	{regexp.MustCompile(`(?i)((?:password|passwd|token|secret|api_key|apikey)["']?\s*[:=]\s*["']?)[^\s"',}]+`), "${1}[secret]"},
}

// Digest summarises a tool input for the audit trail: NFC-normalised,
// secrets and addresses redacted, truncated, and suffixed with a short
// hash of the redacted text so identical inputs can be correlated.
func Digest(summary string, input json.RawMessage) string {
	text := strings.TrimSpace(summary)
	if text == "" && len(input) > 0 {
		text = compactJSON(input)
	}
	if text == "" {
		return ""
	}

	text = norm.NFC.String(text)
	for _, r := range redactions {
		text = r.re.ReplaceAllString(text, r.repl)
	}

	sum := sha256.Sum256([]byte(text))
	return truncate(text, maxDigestRunes) + " [sha256:" + hex.EncodeToString(sum[:8]) + "]"
}

func compactJSON(raw json.RawMessage) string {
	var buf bytes.Buffer
	if err := json.Compact(&buf, raw); err != nil {
		return string(raw)
	}
	return buf.String()
}

func truncate(s string, max int) string {
	if utf8.RuneCountInString(s) <= max {
		return s
	}
	runes := []rune(s)
	return string(runes[:max]) + "…"
}
