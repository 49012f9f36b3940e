package handler

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	openai "github.com/sashabaranov/go-openai"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chatrelay/internal/config"
	"chatrelay/internal/model"
	"chatrelay/internal/models"
	"chatrelay/internal/service"
	"chatrelay/internal/sse"
	"chatrelay/internal/utils"
)

const testToken = "user-jwt"

const happyFrames = "event: token\ndata: {\"model\":\"gemini-flash\",\"token\":\"Hel\",\"fullContent\":\"Hel\"}\n\n" +
	"event: token\ndata: {\"model\":\"gemini-flash\",\"token\":\"lo\",\"fullContent\":\"Hello\"}\n\n" +
	"event: done\ndata:{\"model\":\"gemini-flash\",\"messageId\":\"m1\"}\n\n"

func init() {
	gin.SetMode(gin.TestMode)
}

// mockUpstream records the last decoded request and delegates the response.
type mockUpstream struct {
	server  *httptest.Server
	lastReq chan openai.ChatCompletionRequest
	auth    chan string
}

func newMockUpstream(t *testing.T, respond http.HandlerFunc) *mockUpstream {
	t.Helper()
	m := &mockUpstream{
		lastReq: make(chan openai.ChatCompletionRequest, 1),
		auth:    make(chan string, 1),
	}
	m.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/chat/completions" {
			http.NotFound(w, r)
			return
		}
		var req openai.ChatCompletionRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		select {
		case m.lastReq <- req:
		default:
		}
		select {
		case m.auth <- r.Header.Get("Authorization"):
		default:
		}
		respond(w, r)
	}))
	t.Cleanup(m.server.Close)
	return m
}

func newRelay(t *testing.T, upstreamURL string, mutate func(*config.Config)) *httptest.Server {
	t.Helper()
	cfg, err := config.Load("")
	require.NoError(t, err)
	cfg.Upstream.BaseURL = upstreamURL + "/v1"
	cfg.Upstream.APIKey = "upstream-key"
	if mutate != nil {
		mutate(cfg)
	}

	registry := models.NewRegistry(cfg.Models, cfg.Relay.DefaultModel)
	relay := service.NewRelayService(cfg, registry, utils.NewStreamingHTTPClient())
	srv := httptest.NewServer(SetupRouter(cfg, NewRelayHandler(relay, registry), nil))
	t.Cleanup(srv.Close)
	return srv
}

func postStream(t *testing.T, ctx context.Context, url, body string) *http.Response {
	t.Helper()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url+"/api/chat/stream", strings.NewReader(body))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+testToken)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decodeError(t *testing.T, resp *http.Response) string {
	t.Helper()
	var body model.ErrorResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	return body.Error
}

func TestStreamChat_HappyPathPassesBodyThrough(t *testing.T) {
	up := newMockUpstream(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		_, _ = io.WriteString(w, happyFrames)
	})
	relay := newRelay(t, up.server.URL, nil)

	resp := postStream(t, context.Background(), relay.URL, `{"messages":[{"role":"user","content":"hi"}],"model":"gemini-flash"}`)

	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))
	assert.Equal(t, "no-cache", resp.Header.Get("Cache-Control"))
	assert.Equal(t, "gemini-flash", resp.Header.Get(HeaderRelayModel))

	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, happyFrames, string(raw))

	req := <-up.lastReq
	assert.True(t, req.Stream)
	assert.Equal(t, "google/gemini-2.5-flash", req.Model)
	require.Len(t, req.Messages, 2)
	assert.Equal(t, openai.ChatMessageRoleSystem, req.Messages[0].Role)
	assert.Equal(t, config.DefaultSystemPrompt, req.Messages[0].Content)
	assert.Equal(t, "hi", req.Messages[1].Content)
	assert.Equal(t, "Bearer upstream-key", <-up.auth)
}

func TestStreamChat_TrimsContextWindow(t *testing.T) {
	up := newMockUpstream(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, happyFrames)
	})
	relay := newRelay(t, up.server.URL, nil)

	var msgs []model.ChatMessage
	for i := 0; i < 7; i++ {
		msgs = append(msgs, model.ChatMessage{Role: model.RoleUser, Content: fmt.Sprintf("turn %d", i)})
	}
	body, _ := json.Marshal(model.StreamRequest{Messages: msgs, Model: "gemini-flash"})

	resp := postStream(t, context.Background(), relay.URL, string(body))
	require.Equal(t, http.StatusOK, resp.StatusCode)

	req := <-up.lastReq
	require.Len(t, req.Messages, 1+model.DefaultContextWindow)
	assert.Equal(t, "turn 3", req.Messages[1].Content)
	assert.Equal(t, "turn 6", req.Messages[4].Content)
}

func TestStreamChat_UnknownModelFallsBack(t *testing.T) {
	up := newMockUpstream(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, happyFrames)
	})
	relay := newRelay(t, up.server.URL, func(c *config.Config) { c.Relay.DefaultModel = "gpt-5-mini" })

	resp := postStream(t, context.Background(), relay.URL, `{"messages":[{"role":"user","content":"hi"}],"model":"made-up"}`)

	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "gpt-5-mini", resp.Header.Get(HeaderRelayModel))
	assert.Equal(t, "openai/gpt-5-mini", (<-up.lastReq).Model)
}

func TestStreamChat_UpstreamErrorsAreTranslated(t *testing.T) {
	tests := []struct {
		name       string
		upstream   int
		wantStatus int
		wantError  string
	}{
		{"rate limit", http.StatusTooManyRequests, http.StatusTooManyRequests, service.MsgRateLimited},
		{"credits", http.StatusPaymentRequired, http.StatusPaymentRequired, service.MsgCredits},
		{"other", http.StatusServiceUnavailable, http.StatusInternalServerError, service.MsgGatewayError},
		{"bad request upstream", http.StatusBadRequest, http.StatusInternalServerError, service.MsgGatewayError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			up := newMockUpstream(t, func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(tt.upstream)
				_, _ = io.WriteString(w, `{"error":{"message":"upstream says no"}}`)
			})
			relay := newRelay(t, up.server.URL, nil)

			resp := postStream(t, context.Background(), relay.URL, `{"messages":[{"role":"user","content":"hi"}],"model":"gemini-flash"}`)

			assert.Equal(t, tt.wantStatus, resp.StatusCode)
			assert.Equal(t, tt.wantError, decodeError(t, resp))
		})
	}
}

func TestStreamChat_RateLimitBody(t *testing.T) {
	up := newMockUpstream(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	})
	relay := newRelay(t, up.server.URL, nil)

	resp := postStream(t, context.Background(), relay.URL, `{"messages":[{"role":"user","content":"hi"}],"model":"gemini-flash"}`)
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	assert.JSONEq(t, `{"error":"Rate limit exceeded. Try again in a moment."}`, string(raw))
}

func TestStreamChat_TTFBTimeoutAbortsUpstream(t *testing.T) {
	upstreamCancelled := make(chan struct{})
	up := newMockUpstream(t, func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
			close(upstreamCancelled)
		case <-time.After(5 * time.Second):
		}
	})
	relay := newRelay(t, up.server.URL, func(c *config.Config) { c.Upstream.TTFBTimeout = 50 * time.Millisecond })

	start := time.Now()
	resp := postStream(t, context.Background(), relay.URL, `{"messages":[{"role":"user","content":"hi"}],"model":"gemini-flash"}`)

	assert.Equal(t, http.StatusGatewayTimeout, resp.StatusCode)
	assert.Equal(t, service.MsgTimeout, decodeError(t, resp))
	assert.Less(t, time.Since(start), 2*time.Second)

	select {
	case <-upstreamCancelled:
	case <-time.After(2 * time.Second):
		t.Fatal("upstream request was left open after the deadline")
	}
}

func TestStreamChat_DeadlineDisarmedOnceHeadersArrive(t *testing.T) {
	up := newMockUpstream(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		w.(http.Flusher).Flush()
		time.Sleep(200 * time.Millisecond)
		_, _ = io.WriteString(w, happyFrames)
	})
	relay := newRelay(t, up.server.URL, func(c *config.Config) { c.Upstream.TTFBTimeout = 50 * time.Millisecond })

	resp := postStream(t, context.Background(), relay.URL, `{"messages":[{"role":"user","content":"hi"}],"model":"gemini-flash"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, happyFrames, string(raw))
}

func TestStreamChat_ClientDisconnectCancelsUpstream(t *testing.T) {
	upstreamCancelled := make(chan struct{})
	up := newMockUpstream(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		_, _ = io.WriteString(w, "event: token\ndata: {\"model\":\"gemini-flash\",\"token\":\"a\",\"fullContent\":\"a\"}\n\n")
		w.(http.Flusher).Flush()
		select {
		case <-r.Context().Done():
			close(upstreamCancelled)
		case <-time.After(5 * time.Second):
		}
	})
	relay := newRelay(t, up.server.URL, nil)

	ctx, cancel := context.WithCancel(context.Background())
	resp := postStream(t, ctx, relay.URL, `{"messages":[{"role":"user","content":"hi"}],"model":"gemini-flash"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	buf := make([]byte, 16)
	_, err := resp.Body.Read(buf)
	require.NoError(t, err)
	cancel()

	select {
	case <-upstreamCancelled:
	case <-time.After(2 * time.Second):
		t.Fatal("client disconnect did not reach the upstream request")
	}
}

func TestStreamChat_OpenAIFormatIsReframed(t *testing.T) {
	up := newMockUpstream(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		for _, part := range []string{"Hel", "lo"} {
			chunk := openai.ChatCompletionStreamResponse{
				Choices: []openai.ChatCompletionStreamChoice{{Delta: openai.ChatCompletionStreamChoiceDelta{Content: part}}},
			}
			raw, _ := json.Marshal(chunk)
			fmt.Fprintf(w, "data: %s\n\n", raw)
		}
		_, _ = io.WriteString(w, "data: [DONE]\n\n")
	})
	relay := newRelay(t, up.server.URL, func(c *config.Config) { c.Upstream.Format = "openai" })

	resp := postStream(t, context.Background(), relay.URL, `{"messages":[{"role":"user","content":"hi"}],"model":"gemini-flash"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	p := sse.NewParser()
	events := append(p.Feed(string(raw)), p.Flush()...)

	require.Len(t, events, 3)
	assert.Equal(t, model.StreamEvent{Type: model.EventToken, Model: "gemini-flash", Token: "Hel", FullContent: "Hel"}, events[0])
	assert.Equal(t, model.StreamEvent{Type: model.EventToken, Model: "gemini-flash", Token: "lo", FullContent: "Hello"}, events[1])
	assert.Equal(t, model.EventDone, events[2].Type)
	assert.NotEmpty(t, events[2].MessageID)
}

func TestStreamChat_RequestValidation(t *testing.T) {
	up := newMockUpstream(t, func(w http.ResponseWriter, r *http.Request) {
		t.Error("upstream must not be called")
	})
	relay := newRelay(t, up.server.URL, func(c *config.Config) { c.Auth.Tokens = []string{testToken} })

	resp := postStream(t, context.Background(), relay.URL, `{"messages":[],"model":"gemini-flash"}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = postStream(t, context.Background(), relay.URL, `not json`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	for _, auth := range []string{"", "Bearer ", "Bearer someone-else", "Basic abc"} {
		req, err := http.NewRequest(http.MethodPost, relay.URL+"/api/chat/stream",
			strings.NewReader(`{"messages":[{"role":"user","content":"hi"}]}`))
		require.NoError(t, err)
		if auth != "" {
			req.Header.Set("Authorization", auth)
		}
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode, "auth %q", auth)
	}
}

func TestListModelsAndHealth(t *testing.T) {
	relay := newRelay(t, "http://127.0.0.1:1", nil)

	resp, err := http.Get(relay.URL + "/api/models")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body struct {
		Models  []model.ModelInfo `json:"models"`
		Default string            `json:"default"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "gemini-flash", body.Default)
	assert.NotEmpty(t, body.Models)

	health, err := http.Get(relay.URL + "/health")
	require.NoError(t, err)
	health.Body.Close()
	assert.Equal(t, http.StatusOK, health.StatusCode)
	assert.NotEmpty(t, health.Header.Get(headerRequestID))
}
