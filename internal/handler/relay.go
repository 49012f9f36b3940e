package handler

import (
	"context"
	"errors"
	"net/http"
	"time"

	"chatrelay/internal/model"
	"chatrelay/internal/models"
	"chatrelay/internal/service"
	"chatrelay/internal/sse"
	"chatrelay/pkg/logger"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

// HeaderRelayModel tells the caller which model key served the request, which
// differs from the requested one after a fallback.
const HeaderRelayModel = "X-Relay-Model"

type RelayHandler struct {
	relay    *service.RelayService
	registry *models.Registry
}

func NewRelayHandler(relay *service.RelayService, registry *models.Registry) *RelayHandler {
	return &RelayHandler{
		relay:    relay,
		registry: registry,
	}
}

func (h *RelayHandler) StreamChat(c *gin.Context) {
	var req model.StreamRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, model.ErrorResponse{Error: "invalid request body: " + err.Error()})
		return
	}

	log := logger.WithFields(logrus.Fields{
		"request_id":      c.GetString(ctxRequestID),
		"model":           req.Model,
		"conversation_id": req.ConversationID,
		"messages":        len(req.Messages),
	})

	start := time.Now()
	up, err := h.relay.Open(c.Request.Context(), &req)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			log.Info("relay: client went away before upstream answered")
			c.Abort()
			return
		}
		status, msg := service.ErrorStatus(err)
		log.WithField("status", status).Warnf("relay: %v", err)
		c.JSON(status, model.ErrorResponse{Error: msg})
		return
	}
	defer up.Close()

	log = log.WithField("upstream_model", up.ModelKey)
	log.Debugf("relay: streaming, ttfb %s", time.Since(start))

	sse.SetHeaders(c.Writer.Header())
	c.Header(HeaderRelayModel, up.ModelKey)
	c.Status(http.StatusOK)
	c.Writer.WriteHeaderNow()
	c.Writer.Flush()

	if h.relay.Format() == service.FormatOpenAI {
		err = service.Reframe(sse.NewWriter(c.Writer), up.Body, up.ModelKey)
	} else {
		_, err = service.Pipe(c.Writer, up.Body)
	}
	if err != nil && c.Request.Context().Err() == nil {
		log.Warnf("relay: stream ended with error: %v", err)
		return
	}
	log.WithField("duration", time.Since(start).String()).Info("relay: stream finished")
}

func (h *RelayHandler) ListModels(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"models":  h.registry.List(),
		"default": h.registry.Default().Key,
	})
}
