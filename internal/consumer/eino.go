package consumer

import (
	"context"
	"strings"

	"chatrelay/internal/model"

	einomodel "github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
)

// Keys set in schema.Message.Extra by Generate once the relay reports done.
const (
	ExtraMessageID = "message_id"
	ExtraModel     = "model"
)

var _ einomodel.BaseChatModel = (*ChatModel)(nil)

// ChatModel exposes the relay as an eino chat model so it can be used in eino
// chains and graphs.
type ChatModel struct {
	streamer Streamer
	modelKey string
}

// NewChatModel serves modelKey through s. A per-call model can be chosen with
// einomodel.WithModel.
func NewChatModel(s Streamer, modelKey string) *ChatModel {
	return &ChatModel{streamer: s, modelKey: modelKey}
}

func (m *ChatModel) Generate(ctx context.Context, input []*schema.Message, opts ...einomodel.Option) (*schema.Message, error) {
	req := m.buildRequest(input, opts...)

	var full, messageID, servedBy string
	err := m.streamer.Stream(ctx, req, Callbacks{
		OnToken: func(_, _, accumulated string) {
			full = accumulated
		},
		OnDone: func(modelKey, id string) {
			servedBy = modelKey
			messageID = id
		},
	})
	if err != nil {
		return nil, err
	}
	msg := &schema.Message{Role: schema.Assistant, Content: full}
	if messageID != "" {
		msg.Extra = map[string]any{ExtraMessageID: messageID, ExtraModel: servedBy}
	}
	return msg, nil
}

func (m *ChatModel) Stream(ctx context.Context, input []*schema.Message, opts ...einomodel.Option) (*schema.StreamReader[*schema.Message], error) {
	req := m.buildRequest(input, opts...)
	reader, writer := schema.Pipe[*schema.Message](16)

	go func() {
		defer writer.Close()
		ctx, cancel := context.WithCancel(ctx)
		defer cancel()

		err := m.streamer.Stream(ctx, req, Callbacks{
			OnToken: func(_, token, _ string) {
				if closed := writer.Send(&schema.Message{Role: schema.Assistant, Content: token}, nil); closed {
					cancel()
				}
			},
		})
		if err != nil {
			writer.Send(nil, err)
		}
	}()

	return reader, nil
}

func (m *ChatModel) buildRequest(input []*schema.Message, opts ...einomodel.Option) *model.StreamRequest {
	key := m.modelKey
	options := einomodel.GetCommonOptions(&einomodel.Options{Model: &key}, opts...)
	if options.Model != nil && *options.Model != "" {
		key = *options.Model
	}

	messages := make([]model.ChatMessage, 0, len(input))
	for _, msg := range input {
		if msg == nil {
			continue
		}
		role := model.RoleUser
		switch msg.Role {
		case schema.Assistant:
			role = model.RoleAssistant
		case schema.System:
			role = model.RoleSystem
		}
		// Empty assistant turns are rejected by most upstreams.
		if role == model.RoleAssistant && strings.TrimSpace(msg.Content) == "" {
			continue
		}
		messages = append(messages, model.ChatMessage{Role: role, Content: msg.Content})
	}
	return &model.StreamRequest{Messages: messages, Model: key}
}
