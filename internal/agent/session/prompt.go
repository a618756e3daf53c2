package session

import (
	"fmt"
	"strings"
)

// Message is one turn of prior conversation supplied by the caller.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// BuildFirstPrompt assembles the text of the first prompt sent to a freshly
// created session: the system prompt, then the prior conversation, then the
// user's message. Later prompts carry only the message.
func BuildFirstPrompt(message, systemPrompt string, history []Message) string {
	var b strings.Builder
	b.WriteString(systemPrompt)

	if len(history) > 0 {
		b.WriteString("\n\n# Previous Conversation:\n")
		for _, m := range history {
			fmt.Fprintf(&b, "\n%s: %s\n", speaker(m.Role), m.Content)
		}
		b.WriteString("\n# Current Request:\n")
	} else if systemPrompt != "" {
		b.WriteString("\n\n")
	}

	b.WriteString(message)
	return b.String()
}

func speaker(role string) string {
	if role == "user" {
		return "User"
	}
	return "Assistant"
}
