// Package remote connects to an out-of-process native service over a
// WebSocket and serves a native.Service over the same protocol.
//
// Every frame is a JSON object with a "type" of notification, request or
// response:
//
//	{"type":"notification","family":"registry","payload":"UPDATED: Value ..."}
//	{"type":"request","id":7,"method":"start_observing","family":"filesystem","identity":"C:\\w"}
//	{"type":"response","id":7,"result":["C:\\w"],"running":true,"error":"","code":""}
//
// Responses carry the id of the request they answer. A non-empty error marks
// a failed call; code classifies it so sentinel errors survive the wire.
package remote

import (
	"errors"
	"fmt"

	"github.com/mschirtzinger/changeguard/internal/event"
	"github.com/mschirtzinger/changeguard/internal/native"
)

// Frame types.
const (
	TypeNotification = "notification"
	TypeRequest      = "request"
	TypeResponse     = "response"
)

// Request methods.
const (
	MethodStartObserving    = "start_observing"
	MethodStopObserving     = "stop_observing"
	MethodListActiveWatches = "list_active_watches"
	MethodStatus            = "status"
)

// Error codes.
const (
	CodeUnsupported = "unsupported"
	CodeUnavailable = "unavailable"
	CodeTimeout     = "timeout"
)

// Frame is the single wire message shape.
type Frame struct {
	Type     string       `json:"type"`
	ID       uint64       `json:"id,omitempty"`
	Method   string       `json:"method,omitempty"`
	Family   event.Family `json:"family,omitempty"`
	Identity string       `json:"identity,omitempty"`
	Payload  string       `json:"payload,omitempty"`
	Result   []string     `json:"result,omitempty"`
	Running  bool         `json:"running,omitempty"`
	Error    string       `json:"error,omitempty"`
	Code     string       `json:"code,omitempty"`
}

// CallError is a failure reported by the remote service.
type CallError struct {
	Method  string
	Message string
	Code    string
}

func (e *CallError) Error() string {
	return fmt.Sprintf("remote %s: %s", e.Method, e.Message)
}

// Unwrap maps wire codes back onto the native sentinels.
func (e *CallError) Unwrap() error {
	switch e.Code {
	case CodeUnsupported:
		return native.ErrUnsupported
	case CodeUnavailable:
		return native.ErrServiceUnavailable
	case CodeTimeout:
		return native.ErrCallTimeout
	}
	return nil
}

// errorFrame fills the error fields of a response from err.
func errorFrame(f *Frame, err error) {
	f.Error = err.Error()
	switch {
	case errors.Is(err, native.ErrUnsupported):
		f.Code = CodeUnsupported
	case errors.Is(err, native.ErrServiceUnavailable):
		f.Code = CodeUnavailable
	case errors.Is(err, native.ErrCallTimeout):
		f.Code = CodeTimeout
	}
}
