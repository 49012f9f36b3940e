package model

import "time"

type EventType string

const (
	EventToken EventType = "token"
	EventDone  EventType = "done"
	EventError EventType = "error"
)

// StreamEvent is one parsed frame of the relay stream. Which fields are set
// depends on Type: Token and FullContent for token, MessageID for done,
// Error for error.
type StreamEvent struct {
	Type        EventType `json:"-"`
	Model       string    `json:"model"`
	Token       string    `json:"token,omitempty"`
	FullContent string    `json:"fullContent,omitempty"`
	MessageID   string    `json:"messageId,omitempty"`
	Error       string    `json:"error,omitempty"`
}

func (e StreamEvent) Terminal() bool {
	return e.Type == EventDone || e.Type == EventError
}

// ErrorResponse is the JSON body of every non-streaming relay error.
type ErrorResponse struct {
	Error string `json:"error"`
}

type ModelInfo struct {
	Key               string  `json:"key"`
	DisplayName       string  `json:"display_name"`
	CreditsPer1KToken float64 `json:"credits_per_1k_tokens"`
	Default           bool    `json:"default"`
}

type Conversation struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	Model     string    `json:"model"`
	Messages  []Message `json:"messages"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

type Message struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversation_id"`
	Role           string    `json:"role"`
	Content        string    `json:"content"`
	Model          string    `json:"model,omitempty"`
	Timestamp      time.Time `json:"timestamp"`
}

// UsageRecord is one row of the credit ledger, written after a turn completes.
type UsageRecord struct {
	ID              string    `json:"id"`
	ConversationID  string    `json:"conversation_id"`
	MessageID       string    `json:"message_id"`
	Model           string    `json:"model"`
	PromptChars     int       `json:"prompt_chars"`
	CompletionChars int       `json:"completion_chars"`
	Credits         float64   `json:"credits"`
	CreatedAt       time.Time `json:"created_at"`
}
