package openai

import (
	"time"

	openai "github.com/sashabaranov/go-openai"
)

// conversation is one chat's rolling message history.
type conversation struct {
	messages    []openai.ChatCompletionMessage
	lastUpdated time.Time
}

func newConversation(systemPrompt string) *conversation {
	return &conversation{
		messages: []openai.ChatCompletionMessage{{
			Role:    openai.ChatMessageRoleSystem,
			Content: systemPrompt,
		}},
	}
}

func (c *conversation) append(role, content string) {
	c.messages = append(c.messages, openai.ChatCompletionMessage{Role: role, Content: content})
}

// snapshot copies the history so callers can release the store lock before
// issuing network calls.
func (c *conversation) snapshot() []openai.ChatCompletionMessage {
	out := make([]openai.ChatCompletionMessage, len(c.messages))
	copy(out, c.messages)
	return out
}

// resetWith replaces the history with the system prompt, a summary of the
// prior exchange and the pending user query.
func (c *conversation) resetWith(systemPrompt, summary, query string) {
	c.messages = []openai.ChatCompletionMessage{
		{Role: openai.ChatMessageRoleSystem, Content: systemPrompt},
		{Role: openai.ChatMessageRoleAssistant, Content: summary},
		{Role: openai.ChatMessageRoleUser, Content: query},
	}
}

// truncate keeps the system prompt plus the most recent max messages.
// Fallback when summarisation fails.
func (c *conversation) truncate(max int) {
	if max <= 0 || len(c.messages) <= max+1 {
		return
	}
	kept := make([]openai.ChatCompletionMessage, 0, max+1)
	kept = append(kept, c.messages[0])
	kept = append(kept, c.messages[len(c.messages)-max:]...)
	c.messages = kept
}

// estimateTokens approximates the token count of a message list. A proper
// tokenizer is overkill for a trim heuristic; ~4 chars per token holds for
// the models in use.
func estimateTokens(messages []openai.ChatCompletionMessage) int {
	total := 0
	for _, m := range messages {
		total += len(m.Content)/4 + 4
	}
	return total
}
