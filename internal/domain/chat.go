package domain

import "time"

// ChatMessage is the provider-agnostic chat message shape used by the handler,
// the LLM integration, and persistence. ToolCalls is set on assistant messages
// that request tool execution; ToolCallID is set on tool result messages.
type ChatMessage struct {
	Role       string     `json:"role"`
	Content    string     `json:"content"`
	ToolCalls  []ToolCall `json:"toolCalls,omitempty"`
	ToolCallID string     `json:"toolCallId,omitempty"`
}

// ToolCall is a single tool invocation requested by the model.
type ToolCall struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// Chat is a persisted conversation owned by exactly one user.
type Chat struct {
	ID        string
	UserID    string
	Messages  []ChatMessage
	UpdatedAt time.Time
}
