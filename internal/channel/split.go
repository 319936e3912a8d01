package channel

import (
	"strings"
	"unicode/utf8"
)

// splitMessage cuts msg into chunks of at most maxLen bytes for transports
// with a per-message size limit. It prefers to cut after a newline in the
// second half of the window and never cuts inside a UTF-8 sequence.
// Concatenating the chunks yields msg unchanged.
func splitMessage(msg string, maxLen int) []string {
	if maxLen <= 0 || len(msg) <= maxLen {
		return []string{msg}
	}

	var chunks []string
	for len(msg) > maxLen {
		cut := maxLen
		if idx := strings.LastIndex(msg[:maxLen], "\n"); idx >= maxLen/2 {
			cut = idx + 1
		}
		for cut > 0 && !utf8.RuneStart(msg[cut]) {
			cut--
		}
		if cut == 0 {
			cut = maxLen
		}
		chunks = append(chunks, msg[:cut])
		msg = msg[cut:]
	}
	if msg != "" {
		chunks = append(chunks, msg)
	}
	return chunks
}
