package handler

import (
	"crypto/subtle"
	"net/http"
	"strings"
	"time"

	"chatrelay/internal/model"
	"chatrelay/pkg/logger"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

const (
	ctxRequestID    = "request_id"
	headerRequestID = "X-Request-ID"
)

// RequestID reuses an inbound X-Request-ID or assigns a new one.
func RequestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(headerRequestID)
		if id == "" {
			id = uuid.NewString()
		}
		c.Set(ctxRequestID, id)
		c.Header(headerRequestID, id)
		c.Next()
	}
}

// AccessLog writes one logrus line per request.
func AccessLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.WithFields(logrus.Fields{
			"request_id": c.GetString(ctxRequestID),
			"method":     c.Request.Method,
			"path":       c.Request.URL.Path,
			"status":     c.Writer.Status(),
			"latency":    time.Since(start).String(),
			"remote":     c.ClientIP(),
		}).Info("request")
	}
}

// BearerAuth requires an Authorization bearer token. With an empty allow list
// any non-blank token passes.
func BearerAuth(tokens []string) gin.HandlerFunc {
	return func(c *gin.Context) {
		token, ok := strings.CutPrefix(c.GetHeader("Authorization"), "Bearer ")
		token = strings.TrimSpace(token)
		if !ok || token == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, model.ErrorResponse{Error: "missing bearer token"})
			return
		}
		if len(tokens) > 0 && !tokenAllowed(token, tokens) {
			c.AbortWithStatusJSON(http.StatusUnauthorized, model.ErrorResponse{Error: "invalid bearer token"})
			return
		}
		c.Next()
	}
}

func tokenAllowed(token string, allowed []string) bool {
	for _, a := range allowed {
		if subtle.ConstantTimeCompare([]byte(token), []byte(a)) == 1 {
			return true
		}
	}
	return false
}
