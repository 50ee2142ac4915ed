package ai

import "errors"

// ErrQuotaExceeded indicates the AI provider returned a quota/limit error (HTTP 429 or similar).
var ErrQuotaExceeded = errors.New("ai quota exceeded")

var (
	// ErrHandshakeTimeout: no setup acknowledgement within the handshake window.
	ErrHandshakeTimeout = errors.New("ai: setup handshake timed out")
	// ErrClosedDuringHandshake: transport closed before setup was acknowledged.
	ErrClosedDuringHandshake = errors.New("ai: connection closed during handshake")
	// ErrClosedUnexpectedly: transport closed with a non-normal code; retryable.
	ErrClosedUnexpectedly = errors.New("ai: connection closed unexpectedly")
	// ErrRetriesExhausted is the single terminal connection error.
	ErrRetriesExhausted = errors.New("ai: reconnect attempts exhausted")
	// ErrDisconnected: the caller disconnected while a handshake was pending.
	ErrDisconnected = errors.New("ai: disconnected")
	// ErrInvalidState: Connect called while a connection is active or pending.
	ErrInvalidState = errors.New("ai: invalid engine state")
	// ErrMalformedMessage: a server message could not be decoded; the connection continues.
	ErrMalformedMessage = errors.New("ai: malformed server message")
	// ErrAnalysisFailed: one analysis call failed; the next frame is independent.
	ErrAnalysisFailed = errors.New("ai: analysis call failed")
	// ErrServer: the backend pushed an error message.
	ErrServer = errors.New("ai: server error")
)
