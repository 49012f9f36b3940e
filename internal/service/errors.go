package service

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	ErrUpstreamTimeout = errors.New("upstream did not respond before the deadline")
	ErrNoMessages      = errors.New("messages must not be empty")
)

// UpstreamError is a non-2xx answer from the AI gateway.
type UpstreamError struct {
	Status int
	Body   string
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("upstream returned %d: %s", e.Status, e.Body)
}

const (
	MsgRateLimited  = "Rate limit exceeded. Try again in a moment."
	MsgCredits      = "AI credits exhausted. Please add credits to continue."
	MsgTimeout      = "AI gateway timed out. Please try again."
	MsgGatewayError = "AI gateway error"
)

// ErrorStatus maps a relay failure to the HTTP status and message returned to
// the caller. Upstream details are never echoed back.
func ErrorStatus(err error) (int, string) {
	var upErr *UpstreamError
	switch {
	case errors.Is(err, ErrUpstreamTimeout):
		return http.StatusGatewayTimeout, MsgTimeout
	case errors.Is(err, ErrNoMessages):
		return http.StatusBadRequest, err.Error()
	case errors.As(err, &upErr):
		switch upErr.Status {
		case http.StatusTooManyRequests:
			return http.StatusTooManyRequests, MsgRateLimited
		case http.StatusPaymentRequired:
			return http.StatusPaymentRequired, MsgCredits
		}
	}
	return http.StatusInternalServerError, MsgGatewayError
}
