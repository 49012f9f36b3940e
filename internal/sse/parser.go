// Package sse implements the event:/data: framing shared by the relay and its
// consumers.
package sse

import (
	"encoding/json"
	"regexp"
	"strings"

	"chatrelay/internal/model"
	"chatrelay/pkg/logger"
)

const frameDelimiter = "\n\n"

var (
	eventLine = regexp.MustCompile(`(?m)^event:\s*(\S+)\s*$`)
	dataLine  = regexp.MustCompile(`(?m)^data:\s?(.*)$`)
)

// Parser turns text chunks into StreamEvents. A frame split across chunks is
// held until its delimiter arrives. Malformed frames are skipped.
type Parser struct {
	buf     strings.Builder
	skipped int
}

func NewParser() *Parser {
	return &Parser{}
}

// Feed appends chunk and returns every complete event, in arrival order.
func (p *Parser) Feed(chunk string) []model.StreamEvent {
	if chunk == "" {
		return nil
	}
	p.buf.WriteString(chunk)
	text := normalizeNewlines(p.buf.String())

	var events []model.StreamEvent
	for {
		idx := strings.Index(text, frameDelimiter)
		if idx < 0 {
			break
		}
		frame := text[:idx]
		text = text[idx+len(frameDelimiter):]
		if ev, ok := p.parseFrame(frame); ok {
			events = append(events, ev)
		}
	}

	p.buf.Reset()
	p.buf.WriteString(text)
	return events
}

// Flush parses whatever is still buffered as a final frame. Call it once the
// stream has ended.
func (p *Parser) Flush() []model.StreamEvent {
	text := normalizeNewlines(p.buf.String())
	p.buf.Reset()
	if ev, ok := p.parseFrame(text); ok {
		return []model.StreamEvent{ev}
	}
	return nil
}

// Buffered reports how many bytes of a partial frame are pending.
func (p *Parser) Buffered() int {
	return p.buf.Len()
}

// Skipped is the number of malformed frames dropped so far.
func (p *Parser) Skipped() int {
	return p.skipped
}

func (p *Parser) parseFrame(frame string) (model.StreamEvent, bool) {
	if strings.TrimSpace(frame) == "" {
		return model.StreamEvent{}, false
	}

	ev, err := ParseFrame(frame)
	if err != nil {
		p.skipped++
		logger.Debugf("sse: skipping malformed frame (%v): %.120q", err, frame)
		return model.StreamEvent{}, false
	}
	return ev, true
}

// ParseFrame decodes a single frame without its trailing delimiter.
func ParseFrame(frame string) (model.StreamEvent, error) {
	em := eventLine.FindStringSubmatch(frame)
	if em == nil {
		return model.StreamEvent{}, ErrMissingEvent
	}
	dm := dataLine.FindStringSubmatch(frame)
	if dm == nil {
		return model.StreamEvent{}, ErrMissingData
	}

	typ := model.EventType(em[1])
	switch typ {
	case model.EventToken, model.EventDone, model.EventError:
	default:
		return model.StreamEvent{}, ErrUnknownEvent
	}

	var payload struct {
		model.StreamEvent
		Message string `json:"message"`
	}
	if err := json.Unmarshal([]byte(strings.TrimSpace(dm[1])), &payload); err != nil {
		return model.StreamEvent{}, err
	}

	ev := payload.StreamEvent
	ev.Type = typ
	if typ == model.EventError && ev.Error == "" {
		ev.Error = payload.Message
	}
	return ev, nil
}

func normalizeNewlines(s string) string {
	if !strings.Contains(s, "\r") {
		return s
	}
	return strings.ReplaceAll(s, "\r\n", "\n")
}
