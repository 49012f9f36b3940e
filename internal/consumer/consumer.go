// Package consumer reads a relay event stream and turns it into callbacks.
package consumer

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"

	"chatrelay/internal/model"
	"chatrelay/internal/sse"
	"chatrelay/pkg/logger"
)

const readBufferSize = 4096

var (
	// ErrStreamActive is returned when Stream is called while another stream
	// on the same Consumer is still running.
	ErrStreamActive = errors.New("consumer: a stream is already active")
	// ErrIncompleteStream means the body ended before a terminal frame.
	ErrIncompleteStream = errors.New("stream ended unexpectedly")
	// ErrTransport wraps failures to reach or read from the relay.
	ErrTransport = errors.New("consumer: transport failure")
)

// RelayError is a non-2xx answer from the relay itself.
type RelayError struct {
	Status  int
	Message string
}

func (e *RelayError) Error() string {
	return fmt.Sprintf("relay returned %d: %s", e.Status, e.Message)
}

// StreamError is an error frame received for a model.
type StreamError struct {
	Model   string
	Message string
}

func (e *StreamError) Error() string {
	return fmt.Sprintf("model %s: %s", e.Model, e.Message)
}

// Callbacks receive the events of one stream. Any of them may be nil.
type Callbacks struct {
	OnToken func(modelKey, token, full string)
	OnDone  func(modelKey, messageID string)
	OnError func(modelKey, message string)
}

// Streamer is anything that can run one chat turn against the relay.
type Streamer interface {
	Stream(ctx context.Context, req *model.StreamRequest, cb Callbacks) error
	Abort()
}

type Options struct {
	URL        string
	Token      string
	HTTPClient *http.Client
}

// Consumer runs at most one stream at a time. Abort may be called from any
// goroutine.
type Consumer struct {
	url    string
	token  string
	client *http.Client

	mu      sync.Mutex
	state   State
	active  bool
	cancel  context.CancelFunc
	aborted atomic.Bool
}

func New(opts Options) *Consumer {
	client := opts.HTTPClient
	if client == nil {
		client = &http.Client{}
	}
	return &Consumer{
		url:    opts.URL,
		token:  opts.Token,
		client: client,
	}
}

func (c *Consumer) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Abort cancels the running stream. No callback fires after the abort is
// observed and Stream returns nil. A callback already executing is allowed to
// finish.
func (c *Consumer) Abort() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.active {
		return
	}
	c.aborted.Store(true)
	if c.cancel != nil {
		c.cancel()
	}
}

// Stream posts req to the relay and dispatches events until the stream ends.
// It returns nil on completion or abort, the terminal error otherwise.
func (c *Consumer) Stream(ctx context.Context, req *model.StreamRequest, cb Callbacks) error {
	ctx, cancel := context.WithCancel(ctx)

	c.mu.Lock()
	if c.active {
		c.mu.Unlock()
		cancel()
		return ErrStreamActive
	}
	c.active = true
	c.cancel = cancel
	c.state = StateIdle
	c.aborted.Store(false)
	c.mu.Unlock()

	defer func() {
		cancel()
		c.mu.Lock()
		c.active = false
		c.cancel = nil
		c.mu.Unlock()
	}()

	s := newSession(c, req.Model, cb)
	return s.run(ctx, req)
}

// transition moves to next unless a terminal state was already entered.
func (c *Consumer) transition(next State) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state.Terminal() {
		return false
	}
	c.state = next
	return true
}

func (c *Consumer) open(ctx context.Context, req *model.StreamRequest) (*http.Response, error) {
	raw, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal stream request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("build relay request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")
	if c.token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrTransport, err)
	}
	return resp, nil
}

// readRelayError decodes the {"error": "..."} body of a failed relay call.
func readRelayError(resp *http.Response) *RelayError {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	var body model.ErrorResponse
	msg := ""
	if json.Unmarshal(raw, &body) == nil {
		msg = body.Error
	}
	if msg == "" {
		msg = strings.TrimSpace(string(raw))
	}
	if msg == "" {
		msg = http.StatusText(resp.StatusCode)
	}
	return &RelayError{Status: resp.StatusCode, Message: msg}
}

// session holds the per-stream dispatch state.
type session struct {
	c         *Consumer
	cb        Callbacks
	requested string

	full     map[string]*strings.Builder
	finished map[string]bool
	seen     []string
	tokens   int
	failure  error
}

func newSession(c *Consumer, requested string, cb Callbacks) *session {
	return &session{
		c:         c,
		cb:        cb,
		requested: requested,
		full:      make(map[string]*strings.Builder),
		finished:  make(map[string]bool),
	}
}

func (s *session) cancelled(ctx context.Context) bool {
	return s.c.aborted.Load() || ctx.Err() != nil
}

func (s *session) abort() error {
	s.c.transition(StateAborted)
	logger.Debugf("consumer: stream for %q aborted", s.requested)
	return nil
}

func (s *session) fail(err error) error {
	s.c.transition(StateFailed)
	return err
}

func (s *session) run(ctx context.Context, req *model.StreamRequest) error {
	s.c.transition(StateConnecting)

	resp, err := s.c.open(ctx, req)
	if err != nil {
		if s.cancelled(ctx) {
			return s.abort()
		}
		s.emitError(ctx, s.requested, "Network error")
		return s.fail(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		relayErr := readRelayError(resp)
		if s.cancelled(ctx) {
			return s.abort()
		}
		s.emitError(ctx, s.requested, relayErr.Message)
		return s.fail(relayErr)
	}

	parser := sse.NewParser()
	var dec utf8Decoder
	buf := make([]byte, readBufferSize)
	for {
		n, readErr := resp.Body.Read(buf)
		if s.cancelled(ctx) {
			return s.abort()
		}
		if n > 0 {
			s.c.transition(StateStreaming)
			for _, ev := range parser.Feed(dec.Decode(buf[:n])) {
				s.dispatch(ctx, ev)
			}
			if s.cancelled(ctx) {
				return s.abort()
			}
		}
		if readErr == nil {
			continue
		}
		if !errors.Is(readErr, io.EOF) {
			s.finishUnterminated(ctx, "Stream interrupted")
			return s.fail(fmt.Errorf("%w: %w", ErrTransport, readErr))
		}
		break
	}

	for _, ev := range parser.Feed(dec.Flush()) {
		s.dispatch(ctx, ev)
	}
	for _, ev := range parser.Flush() {
		s.dispatch(ctx, ev)
	}
	if s.cancelled(ctx) {
		return s.abort()
	}
	if skipped := parser.Skipped(); skipped > 0 {
		logger.Debugf("consumer: skipped %d malformed frames", skipped)
	}

	if s.finishUnterminated(ctx, ErrIncompleteStream.Error()) {
		return s.fail(ErrIncompleteStream)
	}
	if s.failure != nil {
		return s.fail(s.failure)
	}
	s.c.transition(StateCompleted)
	return nil
}

// finishUnterminated reports msg for every model still waiting for its
// terminal frame and reports whether there was any.
func (s *session) finishUnterminated(ctx context.Context, msg string) bool {
	pending := s.seen
	if len(pending) == 0 {
		pending = []string{s.requested}
	}
	found := false
	for _, key := range pending {
		if s.finished[key] {
			continue
		}
		s.finished[key] = true
		found = true
		s.emitError(ctx, key, msg)
	}
	return found
}

// dispatch applies one event. Once the stream is aborted or ctx is done no
// callback fires, including for events left in the current read.
func (s *session) dispatch(ctx context.Context, ev model.StreamEvent) {
	if s.cancelled(ctx) {
		return
	}
	key := ev.Model
	if key == "" {
		key = s.requested
	}
	if s.finished[key] {
		logger.Debugf("consumer: dropping %s event after terminal frame for %q", ev.Type, key)
		return
	}
	b, ok := s.full[key]
	if !ok {
		b = &strings.Builder{}
		s.full[key] = b
		s.seen = append(s.seen, key)
	}

	switch ev.Type {
	case model.EventToken:
		b.WriteString(ev.Token)
		s.tokens++
		if s.cb.OnToken != nil {
			s.cb.OnToken(key, ev.Token, b.String())
		}
	case model.EventDone:
		s.finished[key] = true
		if s.cb.OnDone != nil {
			s.cb.OnDone(key, ev.MessageID)
		}
	case model.EventError:
		s.finished[key] = true
		if s.failure == nil {
			s.failure = &StreamError{Model: key, Message: ev.Error}
		}
		s.emitError(ctx, key, ev.Error)
	}
}

func (s *session) emitError(ctx context.Context, key, msg string) {
	if s.cb.OnError != nil && !s.cancelled(ctx) {
		s.cb.OnError(key, msg)
	}
}
