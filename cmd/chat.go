package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"chatrelay/internal/config"
	"chatrelay/internal/consumer"
	"chatrelay/internal/model"
	"chatrelay/internal/models"
	"chatrelay/internal/service"
	"chatrelay/internal/storage"
	"chatrelay/internal/utils"
	"chatrelay/pkg/logger"

	"github.com/cloudwego/eino/schema"
	"github.com/spf13/cobra"
)

type chatOptions struct {
	model          string
	conversationID string
	relayURL       string
	token          string
	retries        int
	noSave         bool
	buffered       bool
}

func newChatCmd() *cobra.Command {
	opts := &chatOptions{}
	cmd := &cobra.Command{
		Use:   "chat [prompt]",
		Short: "Stream one prompt through the relay",
		Long: `Send a prompt to the relay and print tokens as they arrive. Ctrl-C aborts the
stream. With no prompt argument the prompt is read from stdin. Finished turns
are stored with their usage in the configured storage backend.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.Get()
			if !cmd.Flags().Changed("retries") {
				opts.retries = cfg.Client.RetryAttempts
			}
			prompt, err := readPrompt(cmd.InOrStdin(), args)
			if err != nil {
				return err
			}
			return runChat(cmd.Context(), cmd.OutOrStdout(), cmd.ErrOrStderr(), cfg, opts, prompt)
		},
	}
	cmd.Flags().StringVarP(&opts.model, "model", "m", "", "model key (defaults to relay.default_model)")
	cmd.Flags().StringVar(&opts.conversationID, "conversation", "", "continue a stored conversation")
	cmd.Flags().StringVar(&opts.relayURL, "url", "", "relay stream URL (overrides client.relay_url)")
	cmd.Flags().StringVar(&opts.token, "token", "", "bearer token (overrides client.token)")
	cmd.Flags().IntVar(&opts.retries, "retries", 0, "extra attempts on rate limit, timeout or network failure")
	cmd.Flags().BoolVar(&opts.noSave, "no-save", false, "do not store the turn")
	cmd.Flags().BoolVar(&opts.buffered, "buffered", false, "print the answer once it is complete")
	return cmd
}

func readPrompt(in io.Reader, args []string) (string, error) {
	prompt := strings.TrimSpace(strings.Join(args, " "))
	if prompt != "" {
		return prompt, nil
	}
	raw, err := io.ReadAll(in)
	if err != nil {
		return "", fmt.Errorf("read prompt: %w", err)
	}
	prompt = strings.TrimSpace(string(raw))
	if prompt == "" {
		return "", errors.New("empty prompt")
	}
	return prompt, nil
}

func runChat(ctx context.Context, stdout, stderr io.Writer, cfg *config.Config, opts *chatOptions, prompt string) error {
	registry := models.NewRegistry(cfg.Models, cfg.Relay.DefaultModel)
	modelKey := opts.model
	if modelKey == "" {
		modelKey = registry.Default().Key
	}

	relayURL := firstNonEmpty(opts.relayURL, cfg.Client.RelayURL)
	token := firstNonEmpty(opts.token, cfg.Client.Token)
	streamer := consumer.NewRetryingStreamer(
		consumer.New(consumer.Options{URL: relayURL, Token: token, HTTPClient: utils.NewStreamingHTTPClient()}),
		opts.retries,
		cfg.Client.RetryMaxWait,
	)

	var conversations *service.ConversationService
	req := &model.StreamRequest{
		Model:    modelKey,
		Messages: []model.ChatMessage{{Role: model.RoleUser, Content: prompt}},
	}
	contextChars := 0
	if !opts.noSave {
		store, err := storage.New(cfg.Storage)
		if err != nil {
			return err
		}
		defer store.Close()
		conversations = service.NewConversationService(store, registry, cfg.Session)

		convID := opts.conversationID
		if convID == "" {
			conv, err := conversations.Create(prompt, modelKey)
			if err != nil {
				return err
			}
			convID = conv.ID
		}
		req, contextChars, err = conversations.BuildRequest(convID, prompt, modelKey)
		if err != nil {
			return err
		}
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()
	go func() {
		<-ctx.Done()
		streamer.Abort()
	}()

	var (
		turn streamedTurn
		err  error
	)
	if opts.buffered {
		turn, err = generateTurn(ctx, streamer, req)
		if err == nil && turn.done {
			fmt.Fprintln(stdout, turn.reply)
		}
	} else {
		turn, err = streamTurn(ctx, streamer, req, stdout, stderr)
	}
	if err != nil {
		if opts.buffered {
			fmt.Fprintf(stderr, "%s: %v\n", modelKey, err)
		}
		return err
	}
	if !turn.done {
		fmt.Fprintln(stderr, "\n[aborted]")
		return nil
	}
	servedBy := turn.model
	if servedBy == "" {
		servedBy = modelKey
	}

	if conversations == nil {
		return nil
	}
	record, err := conversations.RecordTurn(service.Turn{
		ConversationID: req.ConversationID,
		ModelKey:       servedBy,
		Prompt:         prompt,
		Reply:          turn.reply,
		MessageID:      turn.messageID,
		ContextChars:   contextChars,
	})
	if err != nil {
		logger.Errorf("failed to store turn: %v", err)
		return err
	}
	fmt.Fprintf(stderr, "[%s · conversation %s · %.2f credits]\n", servedBy, req.ConversationID, record.Credits)
	return nil
}

type streamedTurn struct {
	model     string
	reply     string
	messageID string
	done      bool
}

func streamTurn(ctx context.Context, streamer consumer.Streamer, req *model.StreamRequest, stdout, stderr io.Writer) (streamedTurn, error) {
	var turn streamedTurn
	err := streamer.Stream(ctx, req, consumer.Callbacks{
		OnToken: func(m, token, full string) {
			turn.model = m
			turn.reply = full
			fmt.Fprint(stdout, token)
		},
		OnDone: func(m, id string) {
			turn.model = m
			turn.messageID = id
			turn.done = true
			fmt.Fprintln(stdout)
		},
		OnError: func(m, msg string) {
			fmt.Fprintf(stderr, "\n%s: %s\n", m, msg)
		},
	})
	return turn, err
}

// generateTurn goes through the eino chat model adapter and only returns once
// the relay reports done.
func generateTurn(ctx context.Context, streamer consumer.Streamer, req *model.StreamRequest) (streamedTurn, error) {
	input := make([]*schema.Message, 0, len(req.Messages))
	for _, m := range req.Messages {
		switch m.Role {
		case model.RoleAssistant:
			input = append(input, schema.AssistantMessage(m.Content, nil))
		case model.RoleSystem:
			input = append(input, schema.SystemMessage(m.Content))
		default:
			input = append(input, schema.UserMessage(m.Content))
		}
	}

	msg, err := consumer.NewChatModel(streamer, req.Model).Generate(ctx, input)
	if err != nil {
		return streamedTurn{}, err
	}
	turn := streamedTurn{reply: msg.Content}
	if id, ok := msg.Extra[consumer.ExtraMessageID].(string); ok {
		turn.messageID = id
		turn.model, _ = msg.Extra[consumer.ExtraModel].(string)
		turn.done = true
	}
	return turn, nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
