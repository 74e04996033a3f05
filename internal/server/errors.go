package server

import (
	"errors"
	"fmt"
	"net/http"
)

// ChatError is a rejected inbound event. Code follows HTTP status
// semantics so the same value can be reported over the socket and the API.
type ChatError struct {
	Code    int
	Message string
	Err     error
}

func (e *ChatError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s", e.Message, e.Err.Error())
	}
	return e.Message
}

func (e *ChatError) Unwrap() error {
	return e.Err
}

func ErrValidation(message string) *ChatError {
	return &ChatError{Code: http.StatusBadRequest, Message: message}
}

func ErrForbidden(message string) *ChatError {
	return &ChatError{Code: http.StatusForbidden, Message: message}
}

func ErrNotFound(what string) *ChatError {
	return &ChatError{Code: http.StatusNotFound, Message: what + " not found"}
}

func ErrInternal(err error) *ChatError {
	return &ChatError{Code: http.StatusInternalServerError, Message: "internal server error", Err: err}
}

// ErrPartialFailure reports a message that was stored and delivered but
// whose room pointer and unread counters could not be updated.
func ErrPartialFailure(err error) *ChatError {
	return &ChatError{
		Code:    http.StatusInternalServerError,
		Message: "message sent but room state could not be updated",
		Err:     err,
	}
}

func ErrRateLimited() *ChatError {
	return &ChatError{Code: http.StatusTooManyRequests, Message: "rate limit exceeded"}
}

func ErrUnavailable() *ChatError {
	return &ChatError{Code: http.StatusServiceUnavailable, Message: "service unavailable"}
}

var errShuttingDown = &ChatError{Code: http.StatusServiceUnavailable, Message: "server shutting down"}

// errorMessage converts err into the single error event sent back to the
// originating connection.
func errorMessage(id int, err error) *ServerMessage {
	var ce *ChatError
	if !errors.As(err, &ce) {
		ce = ErrInternal(err)
	}

	msg := newServerMessage(id)
	msg.Error = &ErrorPayload{Code: ce.Code, Message: ce.Message}
	return msg
}
