package service

import (
	"context"
	"errors"
	"fmt"
	"time"
	"unicode/utf8"

	"chatrelay/internal/config"
	"chatrelay/internal/model"
	"chatrelay/internal/models"
	"chatrelay/internal/storage"
	"chatrelay/pkg/logger"

	"github.com/google/uuid"
)

const titleMaxRunes = 30

// ConversationService persists finished turns and the credit ledger. It runs
// after a stream completes and never on the streaming path.
type ConversationService struct {
	storage  storage.Storage
	registry *models.Registry
	session  config.SessionConfig
	now      func() time.Time
}

func NewConversationService(store storage.Storage, registry *models.Registry, session config.SessionConfig) *ConversationService {
	return &ConversationService{
		storage:  store,
		registry: registry,
		session:  session,
		now:      time.Now,
	}
}

// Turn is one completed exchange reported by a stream consumer.
type Turn struct {
	ConversationID string
	ModelKey       string
	// Prompt is the user message that started the turn.
	Prompt string
	// Reply is the accumulated assistant text.
	Reply string
	// MessageID is the id from the done frame; a new one is generated when empty.
	MessageID string
	// ContextChars is the size of the history sent along with Prompt.
	ContextChars int
}

func (s *ConversationService) Create(title, modelKey string) (*model.Conversation, error) {
	now := s.now()
	if title == "" {
		title = "New chat " + now.Format("2006-01-02 15:04")
	}
	m, _ := s.registry.Resolve(modelKey)

	conv := &model.Conversation{
		ID:        uuid.NewString(),
		Title:     truncateRunes(title, titleMaxRunes),
		Model:     m.Key,
		Messages:  []model.Message{},
		CreatedAt: now,
		UpdatedAt: now,
	}

	if err := s.storage.CreateConversation(conv); err != nil {
		return nil, fmt.Errorf("failed to create conversation: %w", err)
	}
	return conv, nil
}

func (s *ConversationService) Get(conversationID string) (*model.Conversation, error) {
	conv, err := s.storage.GetConversation(conversationID)
	if err != nil {
		return nil, wrapNotFound(err, conversationID)
	}
	return conv, nil
}

func (s *ConversationService) List() ([]*model.Conversation, error) {
	convs, err := s.storage.ListConversations()
	if err != nil {
		return nil, fmt.Errorf("failed to list conversations: %w", err)
	}
	return convs, nil
}

func (s *ConversationService) Delete(conversationID string) error {
	if err := s.storage.DeleteConversation(conversationID); err != nil {
		return wrapNotFound(err, conversationID)
	}
	return nil
}

// BuildRequest appends prompt to the stored history of the conversation.
func (s *ConversationService) BuildRequest(conversationID, prompt, modelKey string) (*model.StreamRequest, int, error) {
	msgs, err := s.storage.GetMessages(conversationID)
	if err != nil {
		return nil, 0, wrapNotFound(err, conversationID)
	}

	history := make([]model.ChatMessage, 0, len(msgs)+1)
	contextChars := 0
	for _, msg := range msgs {
		history = append(history, model.ChatMessage{Role: msg.Role, Content: msg.Content})
		contextChars += utf8.RuneCountInString(msg.Content)
	}
	history = append(history, model.ChatMessage{Role: model.RoleUser, Content: prompt})

	return &model.StreamRequest{
		Messages:       history,
		Model:          modelKey,
		ConversationID: conversationID,
	}, contextChars, nil
}

// RecordTurn stores the user and assistant messages of a finished turn and
// writes its usage record.
func (s *ConversationService) RecordTurn(turn Turn) (*model.UsageRecord, error) {
	if turn.ConversationID == "" {
		return nil, errors.New("record turn: conversation id required")
	}
	now := s.now()
	m, _ := s.registry.Resolve(turn.ModelKey)

	user := &model.Message{
		ID:             uuid.NewString(),
		ConversationID: turn.ConversationID,
		Role:           model.RoleUser,
		Content:        turn.Prompt,
		Timestamp:      now,
	}
	if err := s.storage.AddMessage(turn.ConversationID, user); err != nil {
		return nil, wrapNotFound(err, turn.ConversationID)
	}

	replyID := turn.MessageID
	if replyID == "" {
		replyID = uuid.NewString()
	}
	reply := &model.Message{
		ID:             replyID,
		ConversationID: turn.ConversationID,
		Role:           model.RoleAssistant,
		Content:        turn.Reply,
		Model:          m.Key,
		Timestamp:      now,
	}
	if err := s.storage.AddMessage(turn.ConversationID, reply); err != nil {
		return nil, wrapNotFound(err, turn.ConversationID)
	}

	promptChars := turn.ContextChars + utf8.RuneCountInString(turn.Prompt)
	completionChars := utf8.RuneCountInString(turn.Reply)
	record := &model.UsageRecord{
		ID:              uuid.NewString(),
		ConversationID:  turn.ConversationID,
		MessageID:       replyID,
		Model:           m.Key,
		PromptChars:     promptChars,
		CompletionChars: completionChars,
		Credits:         s.registry.EstimateCredits(m.Key, promptChars, completionChars),
		CreatedAt:       now,
	}
	if err := s.storage.RecordUsage(record); err != nil {
		return nil, fmt.Errorf("failed to record usage: %w", err)
	}

	logger.Debugf("conversation %s: recorded turn on %s, %.2f credits", turn.ConversationID, m.Key, record.Credits)
	return record, nil
}

func (s *ConversationService) Usage(conversationID string) ([]*model.UsageRecord, error) {
	records, err := s.storage.ListUsage(conversationID)
	if err != nil {
		return nil, fmt.Errorf("failed to list usage: %w", err)
	}
	return records, nil
}

// CleanupExpired deletes conversations idle for longer than the session TTL.
func (s *ConversationService) CleanupExpired() (int, error) {
	if s.session.TTL <= 0 {
		return 0, nil
	}
	removed, err := s.storage.DeleteIdleSince(s.now().Add(-s.session.TTL))
	if err != nil {
		return removed, fmt.Errorf("failed to clean up conversations: %w", err)
	}
	if removed > 0 {
		logger.Infof("Cleaned up %d expired conversations", removed)
	}
	return removed, nil
}

// RunCleanup calls CleanupExpired every cleanup interval until ctx is done.
func (s *ConversationService) RunCleanup(ctx context.Context) {
	if s.session.CleanupInterval <= 0 || s.session.TTL <= 0 {
		return
	}
	ticker := time.NewTicker(s.session.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.CleanupExpired(); err != nil {
				logger.Errorf("%v", err)
			}
		}
	}
}

func wrapNotFound(err error, conversationID string) error {
	if errors.Is(err, storage.ErrConversationNotFound) {
		return fmt.Errorf("%w: %s", storage.ErrConversationNotFound, conversationID)
	}
	return err
}

func truncateRunes(str string, maxLen int) string {
	runes := []rune(str)
	if len(runes) <= maxLen {
		return str
	}
	return string(runes[:maxLen]) + "..."
}
