package sse

import "errors"

var (
	ErrMissingEvent = errors.New("frame has no event line")
	ErrMissingData  = errors.New("frame has no data line")
	ErrUnknownEvent = errors.New("unknown event type")
)
