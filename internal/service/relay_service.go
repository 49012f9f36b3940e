package service

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"chatrelay/internal/config"
	"chatrelay/internal/model"
	"chatrelay/internal/models"
	"chatrelay/pkg/logger"

	openai "github.com/sashabaranov/go-openai"
)

const (
	FormatNative = "native"
	FormatOpenAI = "openai"

	errorPreviewBytes = 2048
)

// RelayService forwards one chat turn to the upstream gateway. It keeps no
// state between requests and never retries.
type RelayService struct {
	client        *http.Client
	registry      *models.Registry
	endpoint      string
	apiKey        string
	ttfb          time.Duration
	contextWindow int
	systemPrompt  string
	maxTokens     int
	format        string
}

// NewRelayService builds the service. client must not carry an overall
// Timeout, which would cut long streams; the TTFB deadline is enforced here.
func NewRelayService(cfg *config.Config, registry *models.Registry, client *http.Client) *RelayService {
	format := strings.ToLower(cfg.Upstream.Format)
	if format != FormatOpenAI {
		format = FormatNative
	}
	return &RelayService{
		client:        client,
		registry:      registry,
		endpoint:      strings.TrimRight(cfg.Upstream.BaseURL, "/") + "/chat/completions",
		apiKey:        cfg.Upstream.APIKey,
		ttfb:          cfg.Upstream.TTFBTimeout,
		contextWindow: cfg.Relay.ContextWindow,
		systemPrompt:  cfg.Relay.SystemPrompt,
		maxTokens:     cfg.Upstream.MaxTokens,
		format:        format,
	}
}

func (s *RelayService) Format() string {
	return s.format
}

// Upstream is an open upstream response whose headers have arrived.
type Upstream struct {
	// ModelKey is the client-facing key actually used, after fallback.
	ModelKey string
	Body     io.ReadCloser
	cancel   context.CancelFunc
}

func (u *Upstream) Close() error {
	err := u.Body.Close()
	u.cancel()
	return err
}

// BuildUpstreamRequest resolves the model, trims the context window and
// prepends the system instruction.
func (s *RelayService) BuildUpstreamRequest(req *model.StreamRequest) (openai.ChatCompletionRequest, models.Model, error) {
	if len(req.Messages) == 0 {
		return openai.ChatCompletionRequest{}, models.Model{}, ErrNoMessages
	}

	m, fellBack := s.registry.Resolve(req.Model)
	if fellBack {
		logger.Warnf("relay: unknown model %q, using default %q", req.Model, m.Key)
	}

	window := model.TrimContext(req.Messages, s.contextWindow)
	messages := make([]openai.ChatCompletionMessage, 0, len(window)+1)
	if s.systemPrompt != "" {
		messages = append(messages, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: s.systemPrompt,
		})
	}
	for _, msg := range window {
		messages = append(messages, openai.ChatCompletionMessage{
			Role:    msg.Role,
			Content: msg.Content,
		})
	}

	return openai.ChatCompletionRequest{
		Model:     m.UpstreamID,
		Messages:  messages,
		MaxTokens: s.maxTokens,
		Stream:    true,
	}, m, nil
}

// Open starts the upstream call. If response headers do not arrive within the
// TTFB deadline the request is cancelled and ErrUpstreamTimeout returned. The
// deadline stops applying once headers are in; cancelling ctx still aborts the
// upstream call at any point.
func (s *RelayService) Open(ctx context.Context, req *model.StreamRequest) (*Upstream, error) {
	body, m, err := s.BuildUpstreamRequest(req)
	if err != nil {
		return nil, err
	}

	raw, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal upstream request: %w", err)
	}

	ctx, cancel := context.WithCancel(ctx)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, s.endpoint, bytes.NewReader(raw))
	if err != nil {
		cancel()
		return nil, fmt.Errorf("build upstream request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")
	if s.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+s.apiKey)
	}

	var timedOut atomic.Bool
	var timer *time.Timer
	if s.ttfb > 0 {
		timer = time.AfterFunc(s.ttfb, func() {
			timedOut.Store(true)
			cancel()
		})
	}

	start := time.Now()
	resp, err := s.client.Do(httpReq)
	if timer != nil {
		timer.Stop()
	}
	if timedOut.Load() {
		if err == nil {
			resp.Body.Close()
		}
		cancel()
		logger.Warnf("relay: upstream %s gave no headers within %s", m.UpstreamID, s.ttfb)
		return nil, ErrUpstreamTimeout
	}
	if err != nil {
		cancel()
		if errors.Is(err, context.Canceled) {
			return nil, err
		}
		return nil, fmt.Errorf("upstream request: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		preview, _ := io.ReadAll(io.LimitReader(resp.Body, errorPreviewBytes))
		resp.Body.Close()
		cancel()
		upErr := &UpstreamError{Status: resp.StatusCode, Body: describeUpstreamError(preview)}
		logger.Errorf("relay: upstream %s status %d: %s", m.UpstreamID, resp.StatusCode, upErr.Body)
		return nil, upErr
	}

	logger.Debugf("relay: upstream %s headers after %s", m.UpstreamID, time.Since(start))
	return &Upstream{ModelKey: m.Key, Body: resp.Body, cancel: cancel}, nil
}

// describeUpstreamError prefers the OpenAI style error message when the body
// carries one.
func describeUpstreamError(body []byte) string {
	var errResp openai.ErrorResponse
	if err := json.Unmarshal(body, &errResp); err == nil && errResp.Error != nil && errResp.Error.Message != "" {
		return errResp.Error.Message
	}
	return strings.TrimSpace(string(body))
}
