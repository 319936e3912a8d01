package channel

import (
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
)

func TestSplitMessage(t *testing.T) {
	tests := []struct {
		name   string
		msg    string
		maxLen int
		want   []string
	}{
		{"short", "You said: hi", 20, []string{"You said: hi"}},
		{"empty", "", 10, []string{""}},
		{"exact", "abcdef", 6, []string{"abcdef"}},
		{"hard cut", "abcdefghij", 4, []string{"abcd", "efgh", "ij"}},
		{"newline in second half", "abc\ndefgh", 5, []string{"abc\n", "defgh"}},
		{"newline too early", "a\nbcdefgh", 6, []string{"a\nbcde", "fgh"}},
		{"no limit", "abc", 0, []string{"abc"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, splitMessage(tt.msg, tt.maxLen))
		})
	}
}

func TestSplitMessageKeepsRunesWhole(t *testing.T) {
	msg := strings.Repeat("héllo wörld 日本語 ", 40)
	chunks := splitMessage(msg, 50)

	assert.Equal(t, msg, strings.Join(chunks, ""))
	for i, c := range chunks {
		assert.LessOrEqual(t, len(c), 50, "chunk %d too long", i)
		assert.True(t, utf8.ValidString(c), "chunk %d splits a rune", i)
	}
}
