package handler

import (
	"errors"
	"io"
	"net/http"

	"chatrelay/internal/model"
	"chatrelay/internal/service"
	"chatrelay/internal/storage"
	"chatrelay/pkg/logger"

	"github.com/gin-gonic/gin"
)

type ConversationHandler struct {
	conversations *service.ConversationService
}

func NewConversationHandler(conversations *service.ConversationService) *ConversationHandler {
	return &ConversationHandler{
		conversations: conversations,
	}
}

func (h *ConversationHandler) Create(c *gin.Context) {
	var req model.CreateConversationRequest
	// an empty body gets a default title and model
	if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		c.JSON(http.StatusBadRequest, model.ErrorResponse{Error: "invalid request body: " + err.Error()})
		return
	}

	conv, err := h.conversations.Create(req.Title, req.Model)
	if err != nil {
		h.fail(c, err)
		return
	}

	c.JSON(http.StatusCreated, conv)
}

func (h *ConversationHandler) Get(c *gin.Context) {
	conv, err := h.conversations.Get(c.Param("conversation_id"))
	if err != nil {
		h.fail(c, err)
		return
	}

	c.JSON(http.StatusOK, conv)
}

func (h *ConversationHandler) List(c *gin.Context) {
	convs, err := h.conversations.List()
	if err != nil {
		h.fail(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"conversations": convs,
	})
}

func (h *ConversationHandler) Delete(c *gin.Context) {
	if err := h.conversations.Delete(c.Param("conversation_id")); err != nil {
		h.fail(c, err)
		return
	}

	c.Status(http.StatusNoContent)
}

// RecordTurn stores a finished turn and its usage record.
func (h *ConversationHandler) RecordTurn(c *gin.Context) {
	var req model.RecordTurnRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, model.ErrorResponse{Error: "invalid request body: " + err.Error()})
		return
	}

	record, err := h.conversations.RecordTurn(service.Turn{
		ConversationID: c.Param("conversation_id"),
		ModelKey:       req.Model,
		Prompt:         req.Prompt,
		Reply:          req.Reply,
		MessageID:      req.MessageID,
		ContextChars:   req.ContextChars,
	})
	if err != nil {
		h.fail(c, err)
		return
	}

	c.JSON(http.StatusCreated, record)
}

func (h *ConversationHandler) Usage(c *gin.Context) {
	id := c.Param("conversation_id")
	if _, err := h.conversations.Get(id); err != nil {
		h.fail(c, err)
		return
	}

	records, err := h.conversations.Usage(id)
	if err != nil {
		h.fail(c, err)
		return
	}

	total := 0.0
	for _, r := range records {
		total += r.Credits
	}
	c.JSON(http.StatusOK, gin.H{
		"conversation_id": id,
		"records":         records,
		"total_credits":   total,
	})
}

func (h *ConversationHandler) fail(c *gin.Context, err error) {
	if errors.Is(err, storage.ErrConversationNotFound) {
		c.JSON(http.StatusNotFound, model.ErrorResponse{Error: err.Error()})
		return
	}
	logger.Errorf("conversation request %s %s failed: %v", c.Request.Method, c.Request.URL.Path, err)
	c.JSON(http.StatusInternalServerError, model.ErrorResponse{Error: "internal error"})
}
