package session

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestBuildFirstPrompt(t *testing.T) {
	tests := []struct {
		name         string
		message      string
		systemPrompt string
		history      []Message
		want         string
	}{
		{
			name:    "message only",
			message: "hi",
			want:    "hi",
		},
		{
			name:         "system prompt",
			message:      "hi",
			systemPrompt: "Be brief.",
			want:         "Be brief.\n\nhi",
		},
		{
			name:         "history",
			message:      "and now?",
			systemPrompt: "Be brief.",
			history: []Message{
				{Role: "user", Content: "hello"},
				{Role: "assistant", Content: "hey"},
			},
			want: "Be brief.\n\n# Previous Conversation:\n\nUser: hello\n\nAssistant: hey\n\n# Current Request:\nand now?",
		},
		{
			name:    "history without system prompt",
			message: "again",
			history: []Message{{Role: "user", Content: "once"}},
			want:    "\n\n# Previous Conversation:\n\nUser: once\n\n# Current Request:\nagain",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, BuildFirstPrompt(tt.message, tt.systemPrompt, tt.history))
		})
	}
}
