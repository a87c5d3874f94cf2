package sanitize

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDisplayName(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  string
	}{
		{"plain", "Ada Lovelace", "Ada Lovelace"},
		{"trimmed", "  Host  ", "Host"},
		{"tags removed", "<b>Host</b>", "Host"},
		{"script removed", "Guest<script>alert(1)</script>", "Guest"},
		{"control characters", "Gu\x00est\x07", "Guest"},
		{"whitespace collapsed", "Ada \t\n Lovelace", "Ada Lovelace"},
		{"unicode kept", "Zoë 会议", "Zoë 会议"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, DisplayName(tt.input))
		})
	}
}

func TestText_KeepsLineBreaks(t *testing.T) {
	assert.Equal(t, "line one\nline two", Text("  line one\nline two\x00  "))
	assert.Equal(t, "a\tb", Text("a\tb"))
	assert.Empty(t, Text(" \x1b "))
}

func TestValidateStringLength(t *testing.T) {
	assert.True(t, ValidateStringLength(" abc ", 1, 3))
	assert.False(t, ValidateStringLength("", 1, 3))
	assert.False(t, ValidateStringLength("abcd", 1, 3))
	assert.True(t, ValidateStringLength("日本語", 3, 3))
}
