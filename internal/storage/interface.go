package storage

import (
	"time"

	"chatrelay/internal/model"
)

type Storage interface {
	// conversations
	CreateConversation(conv *model.Conversation) error
	GetConversation(conversationID string) (*model.Conversation, error)
	ListConversations() ([]*model.Conversation, error)
	DeleteConversation(conversationID string) error
	// DeleteIdleSince removes conversations not updated since cutoff and
	// returns how many were removed.
	DeleteIdleSince(cutoff time.Time) (int, error)

	// messages
	AddMessage(conversationID string, message *model.Message) error
	GetMessages(conversationID string) ([]*model.Message, error)

	// usage ledger; an empty conversationID lists every record
	RecordUsage(record *model.UsageRecord) error
	ListUsage(conversationID string) ([]*model.UsageRecord, error)

	Init() error
	Close() error
	Backup() error
}
