package errors

import (
	"errors"
	"fmt"

	"github.com/zhimiaox/zmqx-retain/consts"
)

var (
	New  = errors.New
	As   = errors.As
	Is   = errors.Is
	Join = errors.Join
)

var (
	ErrMalformed = &Error{Code: consts.MalformedPacket}
	ErrProtocol  = &Error{Code: consts.ProtocolError}

	ErrInvalidTopic    = New("invalid topic name")
	ErrInvalidFilter   = New("invalid topic filter")
	ErrInvalidQoS      = New("invalid qos")
	ErrInvalidClientID = New("invalid client id")
	ErrUnknownSession  = New("unknown session")
	ErrSessionClosed   = New("session has been closed")
	ErrServerStopped   = New("server has been stopped")

	ErrRetainUnavailable   = New("retained messages are not available")
	ErrWildcardUnavailable = New("wildcard subscriptions are not available")

	QueueClosed        = New("queue has been closed")
	QueueDropQueueFull = New("the message queue is full")
)

// Error wraps a MQTT return code and an optional reason for diagnostics.
type Error struct {
	// Code is the MQTT return code, or one of the internal error classes in consts.
	Code   consts.Code
	Reason string
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.Reason == "" {
		return fmt.Sprintf("operation error: Code = %x", e.Code)
	}
	return fmt.Sprintf("operation error: Code = %x, reason: %s", e.Code, e.Reason)
}

func NewError(code consts.Code) *Error {
	return &Error{Code: code}
}

func Unwrap(err error) *Error {
	if err == nil {
		return nil
	}
	var ex *Error
	if As(err, &ex) {
		return ex
	}
	return &Error{
		Code:   consts.UnspecifiedError,
		Reason: err.Error(),
	}
}
