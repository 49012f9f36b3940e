package consumer

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chatrelay/internal/model"
)

const happyFrames = "event: token\ndata: {\"model\":\"gemini-flash\",\"token\":\"Hel\",\"fullContent\":\"Hel\"}\n\n" +
	"event: token\ndata: {\"model\":\"gemini-flash\",\"token\":\"lo\",\"fullContent\":\"Hello\"}\n\n" +
	"event: done\ndata:{\"model\":\"gemini-flash\",\"messageId\":\"m1\"}\n\n"

// recorder collects callbacks as readable lines.
type recorder struct {
	mu     sync.Mutex
	events []string
}

func (r *recorder) add(format string, args ...any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, fmt.Sprintf(format, args...))
}

func (r *recorder) list() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.events...)
}

func (r *recorder) callbacks() Callbacks {
	return Callbacks{
		OnToken: func(m, token, full string) { r.add("token %s %q %q", m, token, full) },
		OnDone:  func(m, id string) { r.add("done %s %s", m, id) },
		OnError: func(m, msg string) { r.add("error %s %s", m, msg) },
	}
}

func writeChunks(w http.ResponseWriter, chunks ...string) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.WriteHeader(http.StatusOK)
	f := w.(http.Flusher)
	for _, c := range chunks {
		_, _ = io.WriteString(w, c)
		f.Flush()
	}
}

func newRelayServer(t *testing.T, h http.HandlerFunc) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return srv
}

func hiRequest() *model.StreamRequest {
	return &model.StreamRequest{
		Model:    "gemini-flash",
		Messages: []model.ChatMessage{{Role: model.RoleUser, Content: "hi"}},
	}
}

func TestStream_HappyPath(t *testing.T) {
	var gotAuth string
	var gotReq model.StreamRequest
	srv := newRelayServer(t, func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		_ = json.NewDecoder(r.Body).Decode(&gotReq)
		writeChunks(w, happyFrames)
	})

	c := New(Options{URL: srv.URL, Token: "jwt"})
	rec := &recorder{}
	require.NoError(t, c.Stream(context.Background(), hiRequest(), rec.callbacks()))

	assert.Equal(t, []string{
		`token gemini-flash "Hel" "Hel"`,
		`token gemini-flash "lo" "Hello"`,
		"done gemini-flash m1",
	}, rec.list())
	assert.Equal(t, StateCompleted, c.State())
	assert.Equal(t, "Bearer jwt", gotAuth)
	assert.Equal(t, "gemini-flash", gotReq.Model)
}

func TestStream_SplitAcrossReads(t *testing.T) {
	body := "event: token\ndata: {\"model\":\"m\",\"token\":\"héllo ✓\"}\n\n" +
		"event: done\ndata: {\"model\":\"m\",\"messageId\":\"x\"}\n\n"
	var chunks []string
	for i := 0; i < len(body); i += 3 {
		chunks = append(chunks, body[i:min(i+3, len(body))])
	}
	srv := newRelayServer(t, func(w http.ResponseWriter, r *http.Request) {
		writeChunks(w, chunks...)
	})

	rec := &recorder{}
	require.NoError(t, New(Options{URL: srv.URL}).Stream(context.Background(), hiRequest(), rec.callbacks()))
	assert.Equal(t, []string{`token m "héllo ✓" "héllo ✓"`, "done m x"}, rec.list())
}

func TestStream_AccumulatesItself(t *testing.T) {
	srv := newRelayServer(t, func(w http.ResponseWriter, r *http.Request) {
		writeChunks(w,
			"event: token\ndata: {\"model\":\"m\",\"token\":\"a\",\"fullContent\":\"WRONG\"}\n\n",
			"event: token\ndata: {\"model\":\"m\",\"token\":\"b\"}\n\n",
			"event: done\ndata: {\"model\":\"m\",\"messageId\":\"1\"}\n\n")
	})

	rec := &recorder{}
	require.NoError(t, New(Options{URL: srv.URL}).Stream(context.Background(), hiRequest(), rec.callbacks()))
	assert.Equal(t, []string{`token m "a" "a"`, `token m "b" "ab"`, "done m 1"}, rec.list())
}

func TestStream_EventsAfterTerminalDropped(t *testing.T) {
	srv := newRelayServer(t, func(w http.ResponseWriter, r *http.Request) {
		writeChunks(w,
			"event: token\ndata: {\"model\":\"m\",\"token\":\"a\"}\n\n",
			"event: done\ndata: {\"model\":\"m\",\"messageId\":\"1\"}\n\n",
			"event: token\ndata: {\"model\":\"m\",\"token\":\"late\"}\n\n",
			"event: error\ndata: {\"model\":\"m\",\"error\":\"late\"}\n\n")
	})

	rec := &recorder{}
	require.NoError(t, New(Options{URL: srv.URL}).Stream(context.Background(), hiRequest(), rec.callbacks()))
	assert.Equal(t, []string{`token m "a" "a"`, "done m 1"}, rec.list())
}

func TestStream_MalformedFramesSkipped(t *testing.T) {
	srv := newRelayServer(t, func(w http.ResponseWriter, r *http.Request) {
		writeChunks(w,
			"event: token\ndata: {broken\n\n",
			"event: token\ndata: {\"model\":\"m\",\"token\":\"ok\"}\n\n",
			"event: done\ndata: {\"model\":\"m\",\"messageId\":\"1\"}\n\n")
	})

	rec := &recorder{}
	require.NoError(t, New(Options{URL: srv.URL}).Stream(context.Background(), hiRequest(), rec.callbacks()))
	assert.Equal(t, []string{`token m "ok" "ok"`, "done m 1"}, rec.list())
}

func TestStream_RelayErrorStatus(t *testing.T) {
	srv := newRelayServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = io.WriteString(w, `{"error":"Rate limit exceeded. Try again in a moment."}`)
	})

	c := New(Options{URL: srv.URL})
	rec := &recorder{}
	err := c.Stream(context.Background(), hiRequest(), rec.callbacks())

	var relayErr *RelayError
	require.ErrorAs(t, err, &relayErr)
	assert.Equal(t, http.StatusTooManyRequests, relayErr.Status)
	assert.Equal(t, []string{"error gemini-flash Rate limit exceeded. Try again in a moment."}, rec.list())
	assert.Equal(t, StateFailed, c.State())
}

func TestStream_ErrorFrame(t *testing.T) {
	srv := newRelayServer(t, func(w http.ResponseWriter, r *http.Request) {
		writeChunks(w,
			"event: token\ndata: {\"model\":\"m\",\"token\":\"a\"}\n\n",
			"event: error\ndata: {\"model\":\"m\",\"error\":\"boom\"}\n\n")
	})

	c := New(Options{URL: srv.URL})
	rec := &recorder{}
	err := c.Stream(context.Background(), hiRequest(), rec.callbacks())

	var streamErr *StreamError
	require.ErrorAs(t, err, &streamErr)
	assert.Equal(t, "boom", streamErr.Message)
	assert.Equal(t, []string{`token m "a" "a"`, "error m boom"}, rec.list())
	assert.Equal(t, StateFailed, c.State())
}

func TestStream_EndsWithoutTerminalFrame(t *testing.T) {
	srv := newRelayServer(t, func(w http.ResponseWriter, r *http.Request) {
		writeChunks(w, "event: token\ndata: {\"model\":\"m\",\"token\":\"a\"}\n\n")
	})

	c := New(Options{URL: srv.URL})
	rec := &recorder{}
	err := c.Stream(context.Background(), hiRequest(), rec.callbacks())

	require.ErrorIs(t, err, ErrIncompleteStream)
	assert.Equal(t, []string{`token m "a" "a"`, "error m stream ended unexpectedly"}, rec.list())
	assert.Equal(t, StateFailed, c.State())
}

func TestStream_EmptyBodyUsesRequestedModel(t *testing.T) {
	srv := newRelayServer(t, func(w http.ResponseWriter, r *http.Request) {
		writeChunks(w)
	})

	rec := &recorder{}
	err := New(Options{URL: srv.URL}).Stream(context.Background(), hiRequest(), rec.callbacks())
	require.ErrorIs(t, err, ErrIncompleteStream)
	assert.Equal(t, []string{"error gemini-flash stream ended unexpectedly"}, rec.list())
}

func TestStream_TransportError(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	rec := &recorder{}
	err := New(Options{URL: url}).Stream(context.Background(), hiRequest(), rec.callbacks())
	require.ErrorIs(t, err, ErrTransport)
	assert.Equal(t, []string{"error gemini-flash Network error"}, rec.list())
}

func TestStream_AbortSuppressesCallbacks(t *testing.T) {
	release := make(chan struct{})
	srv := newRelayServer(t, func(w http.ResponseWriter, r *http.Request) {
		writeChunks(w, "event: token\ndata: {\"model\":\"m\",\"token\":\"a\"}\n\n")
		select {
		case <-release:
		case <-r.Context().Done():
		}
		writeChunks(w, "event: token\ndata: {\"model\":\"m\",\"token\":\"b\"}\n\n")
	})
	defer close(release)

	c := New(Options{URL: srv.URL})
	rec := &recorder{}
	cb := rec.callbacks()
	onToken := cb.OnToken
	cb.OnToken = func(m, token, full string) {
		onToken(m, token, full)
		c.Abort()
	}

	require.NoError(t, c.Stream(context.Background(), hiRequest(), cb))
	assert.Equal(t, []string{`token m "a" "a"`}, rec.list())
	assert.Equal(t, StateAborted, c.State())
}

func TestStream_ContextCancelIsAbort(t *testing.T) {
	srv := newRelayServer(t, func(w http.ResponseWriter, r *http.Request) {
		writeChunks(w, "event: token\ndata: {\"model\":\"m\",\"token\":\"a\"}\n\n")
		<-r.Context().Done()
	})

	ctx, cancel := context.WithCancel(context.Background())
	c := New(Options{URL: srv.URL})
	rec := &recorder{}
	cb := rec.callbacks()
	cb.OnToken = func(string, string, string) { cancel() }

	require.NoError(t, c.Stream(ctx, hiRequest(), cb))
	assert.Empty(t, rec.list())
	assert.Equal(t, StateAborted, c.State())
}

func TestStream_ContextCancelStopsRestOfRead(t *testing.T) {
	srv := newRelayServer(t, func(w http.ResponseWriter, r *http.Request) {
		writeChunks(w, "event: token\ndata: {\"model\":\"m\",\"token\":\"a\"}\n\n"+
			"event: token\ndata: {\"model\":\"m\",\"token\":\"b\"}\n\n"+
			"event: done\ndata: {\"model\":\"m\",\"messageId\":\"x\"}\n\n")
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	c := New(Options{URL: srv.URL})
	rec := &recorder{}
	cb := rec.callbacks()
	cb.OnToken = func(m, token, full string) {
		rec.add("token %s %q %q", m, token, full)
		cancel()
	}

	require.NoError(t, c.Stream(ctx, hiRequest(), cb))
	assert.Equal(t, []string{`token m "a" "a"`}, rec.list())
	assert.Equal(t, StateAborted, c.State())
}

func TestStream_RejectsConcurrentStream(t *testing.T) {
	connected := make(chan struct{})
	srv := newRelayServer(t, func(w http.ResponseWriter, r *http.Request) {
		writeChunks(w, ": open\n\n")
		close(connected)
		<-r.Context().Done()
	})

	c := New(Options{URL: srv.URL})
	errc := make(chan error, 1)
	go func() { errc <- c.Stream(context.Background(), hiRequest(), Callbacks{}) }()

	select {
	case <-connected:
	case <-time.After(2 * time.Second):
		t.Fatal("relay never saw the first stream")
	}
	assert.ErrorIs(t, c.Stream(context.Background(), hiRequest(), Callbacks{}), ErrStreamActive)

	c.Abort()
	select {
	case err := <-errc:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("first stream did not stop after abort")
	}
}

func TestStream_ReusableAfterCompletion(t *testing.T) {
	srv := newRelayServer(t, func(w http.ResponseWriter, r *http.Request) {
		writeChunks(w, happyFrames)
	})

	c := New(Options{URL: srv.URL})
	for i := 0; i < 2; i++ {
		rec := &recorder{}
		require.NoError(t, c.Stream(context.Background(), hiRequest(), rec.callbacks()))
		assert.Len(t, rec.list(), 3)
		assert.Equal(t, StateCompleted, c.State())
	}
}

func TestUTF8Decoder(t *testing.T) {
	input := []byte("a€b😀")
	for split := 0; split <= len(input); split++ {
		var d utf8Decoder
		out := d.Decode(input[:split]) + d.Decode(input[split:]) + d.Flush()
		assert.Equal(t, "a€b😀", out, "split at %d", split)
	}

	var d utf8Decoder
	assert.Equal(t, "", d.Decode([]byte{0xe2, 0x82}))
	assert.True(t, strings.HasSuffix(d.Flush(), "�"))
}
