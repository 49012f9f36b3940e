package storage

import (
	"sort"
	"sync"
	"time"

	"chatrelay/internal/model"
)

type MemoryStorage struct {
	conversations map[string]*model.Conversation
	usage         []model.UsageRecord
	mu            sync.RWMutex
}

func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{
		conversations: make(map[string]*model.Conversation),
	}
}

func (m *MemoryStorage) Init() error {
	return nil
}

func (m *MemoryStorage) Close() error {
	return nil
}

func (m *MemoryStorage) Backup() error {
	return nil
}

func (m *MemoryStorage) CreateConversation(conv *model.Conversation) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.conversations[conv.ID] = cloneConversation(conv, true)
	return nil
}

func (m *MemoryStorage) GetConversation(conversationID string) (*model.Conversation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	conv, exists := m.conversations[conversationID]
	if !exists {
		return nil, ErrConversationNotFound
	}

	return cloneConversation(conv, true), nil
}

func (m *MemoryStorage) DeleteConversation(conversationID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.conversations[conversationID]; !exists {
		return ErrConversationNotFound
	}

	delete(m.conversations, conversationID)
	return nil
}

func (m *MemoryStorage) ListConversations() ([]*model.Conversation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	convs := make([]*model.Conversation, 0, len(m.conversations))
	for _, conv := range m.conversations {
		convs = append(convs, cloneConversation(conv, false))
	}
	sortByUpdated(convs)

	return convs, nil
}

func (m *MemoryStorage) DeleteIdleSince(cutoff time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	removed := 0
	for id, conv := range m.conversations {
		if conv.UpdatedAt.Before(cutoff) {
			delete(m.conversations, id)
			removed++
		}
	}
	return removed, nil
}

func (m *MemoryStorage) AddMessage(conversationID string, message *model.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	conv, exists := m.conversations[conversationID]
	if !exists {
		return ErrConversationNotFound
	}

	conv.Messages = append(conv.Messages, *message)
	conv.UpdatedAt = touchTime(message)
	return nil
}

func (m *MemoryStorage) GetMessages(conversationID string) ([]*model.Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	conv, exists := m.conversations[conversationID]
	if !exists {
		return nil, ErrConversationNotFound
	}

	return messagePointers(conv.Messages), nil
}

func (m *MemoryStorage) RecordUsage(record *model.UsageRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.usage = append(m.usage, *record)
	return nil
}

func (m *MemoryStorage) ListUsage(conversationID string) ([]*model.UsageRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return filterUsage(m.usage, conversationID), nil
}

func cloneConversation(conv *model.Conversation, withMessages bool) *model.Conversation {
	c := *conv
	c.Messages = nil
	if withMessages {
		c.Messages = append([]model.Message(nil), conv.Messages...)
	}
	return &c
}

func messagePointers(msgs []model.Message) []*model.Message {
	out := make([]*model.Message, len(msgs))
	for i := range msgs {
		msg := msgs[i]
		out[i] = &msg
	}
	return out
}

func filterUsage(records []model.UsageRecord, conversationID string) []*model.UsageRecord {
	out := make([]*model.UsageRecord, 0, len(records))
	for i := range records {
		if conversationID != "" && records[i].ConversationID != conversationID {
			continue
		}
		rec := records[i]
		out = append(out, &rec)
	}
	return out
}

// touchTime is the UpdatedAt a conversation gets when message is appended.
func touchTime(message *model.Message) time.Time {
	if message.Timestamp.IsZero() {
		return time.Now()
	}
	return message.Timestamp
}

func sortByUpdated(convs []*model.Conversation) {
	sort.Slice(convs, func(i, j int) bool {
		return convs[i].UpdatedAt.After(convs[j].UpdatedAt)
	})
}
