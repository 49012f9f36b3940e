package model

const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// DefaultContextWindow is the number of most recent turns forwarded upstream.
const DefaultContextWindow = 4

type ChatMessage struct {
	Role    string `json:"role" binding:"required"`
	Content string `json:"content"`
}

// StreamRequest is the relay request body.
type StreamRequest struct {
	Messages       []ChatMessage `json:"messages" binding:"required,min=1,dive"`
	Model          string        `json:"model"`
	ConversationID string        `json:"conversationId,omitempty"`
}

// TrimContext returns the last n messages. n <= 0 leaves the list untouched.
func TrimContext(messages []ChatMessage, n int) []ChatMessage {
	if n <= 0 || len(messages) <= n {
		return messages
	}
	return messages[len(messages)-n:]
}

type CreateConversationRequest struct {
	Title string `json:"title"`
	Model string `json:"model"`
}

// RecordTurnRequest is posted by a consumer after OnDone to persist the turn.
type RecordTurnRequest struct {
	Prompt       string `json:"prompt" binding:"required"`
	Reply        string `json:"reply"`
	Model        string `json:"model"`
	MessageID    string `json:"messageId"`
	ContextChars int    `json:"contextChars"`
}
