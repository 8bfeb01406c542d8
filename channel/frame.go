package channel

import (
	"encoding/json"

	"google.golang.org/grpc/status"
)

type FrameType string

const (
	FrameTypeCall        FrameType = "call"
	FrameTypeResult      FrameType = "result"
	FrameTypeError       FrameType = "error"
	FrameTypeListen      FrameType = "listen"
	FrameTypeCancel      FrameType = "cancel"
	FrameTypeEvent       FrameType = "event"
	FrameTypeEndOfStream FrameType = "endOfStream"
)

// Frame is a single websocket message in either direction.
//
// Callers send call, listen and cancel frames. The server answers a call
// with a result or error frame carrying the same id, and streams event
// frames for every channel being listened on, ending each with endOfStream.
// The server may also send a call frame of its own, which the caller answers
// with a result or error frame carrying its id.
type Frame struct {
	Type    FrameType       `json:"type"`
	ID      string          `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Channel string          `json:"channel,omitempty"`
	Args    json.RawMessage `json:"args,omitempty"`
	Data    any             `json:"data,omitempty"`
	Error   *ErrorBody      `json:"error,omitempty"`
}

type ErrorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func newErrorBody(err error) *ErrorBody {
	s := status.Convert(err)
	return &ErrorBody{
		Code:    s.Code().String(),
		Message: s.Message(),
	}
}

// Response is the body of a method call made over HTTP.
type Response struct {
	Result any        `json:"result,omitempty"`
	Error  *ErrorBody `json:"error,omitempty"`
}
