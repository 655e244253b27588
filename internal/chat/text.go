package chat

import "strings"

// deltaAccumulator assembles streamed text so that the visible content never
// contains three or more consecutive newlines and never begins or ends with
// one, regardless of how the transport chunked the text. Trailing newlines
// are held back (capped at two) until more text arrives, so paragraph breaks
// that span chunk boundaries survive.
type deltaAccumulator struct {
	pendingNewlines int
}

func (a *deltaAccumulator) append(content string, delta string) string {
	s := normalizeLineEndings(delta)
	if s == "" {
		return content
	}

	merged := strings.Repeat("\n", a.pendingNewlines) + s
	merged = collapseNewlineRuns(merged)
	if content == "" {
		merged = strings.TrimLeft(merged, "\n")
	}

	trimmed := strings.TrimRight(merged, "\n")
	pending := len(merged) - len(trimmed)
	if pending > 2 {
		pending = 2
	}
	a.pendingNewlines = pending
	return content + trimmed
}

func normalizeLineEndings(s string) string {
	s = strings.ReplaceAll(s, "\r\n", "\n")
	return strings.ReplaceAll(s, "\r", "\n")
}

func collapseNewlineRuns(s string) string {
	for strings.Contains(s, "\n\n\n") {
		s = strings.ReplaceAll(s, "\n\n\n", "\n\n")
	}
	return s
}
