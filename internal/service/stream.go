package service

import (
	"bufio"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"chatrelay/internal/sse"
	"chatrelay/pkg/logger"

	"github.com/google/uuid"
	openai "github.com/sashabaranov/go-openai"
)

const pipeBufferSize = 8192

// Pipe copies the upstream body to w verbatim, flushing after every read so
// frames reach the caller as they arrive. It returns the number of bytes
// written and the first read or write error other than io.EOF.
func Pipe(w io.Writer, body io.Reader) (int64, error) {
	flusher, _ := w.(http.Flusher)
	buf := make([]byte, pipeBufferSize)
	var written int64
	for {
		n, err := body.Read(buf)
		if n > 0 {
			m, werr := w.Write(buf[:n])
			written += int64(m)
			if werr != nil {
				return written, werr
			}
			if flusher != nil {
				flusher.Flush()
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return written, nil
			}
			return written, err
		}
	}
}

// Reframe reads OpenAI style `data: {chunk}` lines and writes token/done/error
// frames. fullContent is accumulated here because the upstream only sends
// deltas.
func Reframe(w *sse.Writer, body io.Reader, modelKey string) error {
	reader := bufio.NewReader(body)
	var full strings.Builder

	for {
		line, err := reader.ReadString('\n')
		if line != "" {
			done, werr := reframeLine(w, strings.TrimSpace(line), modelKey, &full)
			if werr != nil || done {
				return werr
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return w.Done(modelKey, uuid.NewString())
			}
			logger.Warnf("relay: upstream stream interrupted: %v", err)
			if werr := w.Error(modelKey, "Stream interrupted"); werr != nil {
				return werr
			}
			return err
		}
	}
}

func reframeLine(w *sse.Writer, line, modelKey string, full *strings.Builder) (bool, error) {
	data, ok := strings.CutPrefix(line, "data:")
	if !ok {
		return false, nil
	}
	data = strings.TrimSpace(data)
	if data == "" {
		return false, nil
	}
	if data == "[DONE]" {
		return true, w.Done(modelKey, uuid.NewString())
	}

	var errResp openai.ErrorResponse
	if json.Unmarshal([]byte(data), &errResp) == nil && errResp.Error != nil && errResp.Error.Message != "" {
		return true, w.Error(modelKey, errResp.Error.Message)
	}

	var chunk openai.ChatCompletionStreamResponse
	if err := json.Unmarshal([]byte(data), &chunk); err != nil {
		logger.Debugf("relay: skipping undecodable upstream chunk: %v", err)
		return false, nil
	}
	for _, choice := range chunk.Choices {
		if choice.Delta.Content == "" {
			continue
		}
		full.WriteString(choice.Delta.Content)
		if err := w.Token(modelKey, choice.Delta.Content, full.String()); err != nil {
			return true, err
		}
	}
	return false, nil
}
