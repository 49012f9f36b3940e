package sse

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"chatrelay/internal/model"
)

// SetHeaders marks a response as an unbuffered event stream.
func SetHeaders(h http.Header) {
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
}

type Writer struct {
	w io.Writer
}

// NewWriter wraps w. If w is an http.Flusher every frame is flushed as soon as
// it is written.
func NewWriter(w io.Writer) *Writer {
	return &Writer{w: w}
}

func (s *Writer) Write(event model.EventType, data string) error {
	if _, err := fmt.Fprintf(s.w, "event: %s\ndata: %s\n\n", event, data); err != nil {
		return err
	}

	if f, ok := s.w.(http.Flusher); ok {
		f.Flush()
	}

	return nil
}

func (s *Writer) WriteEvent(ev model.StreamEvent) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	return s.Write(ev.Type, string(data))
}

func (s *Writer) Token(modelKey, token, full string) error {
	return s.WriteEvent(model.StreamEvent{Type: model.EventToken, Model: modelKey, Token: token, FullContent: full})
}

func (s *Writer) Done(modelKey, messageID string) error {
	return s.WriteEvent(model.StreamEvent{Type: model.EventDone, Model: modelKey, MessageID: messageID})
}

func (s *Writer) Error(modelKey, message string) error {
	return s.WriteEvent(model.StreamEvent{Type: model.EventError, Model: modelKey, Error: message})
}
