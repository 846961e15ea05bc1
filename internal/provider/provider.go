package provider

import (
	"context"
	"fmt"
)

// Message roles accepted by the completion API.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message represents a message in a conversation
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Client is the single capability the pipeline depends on: turn an ordered
// list of role-tagged messages into generated text, or fail with one of the
// classified errors below.
type Client interface {
	Complete(ctx context.Context, messages []Message, model string, temperature float64, maxTokens int) (string, error)
}

// TransportError indicates the request never produced a response
// (connection refused, timeout, DNS failure).
type TransportError struct {
	Err error
}

func (e *TransportError) Error() string { return fmt.Sprintf("completion transport: %v", e.Err) }
func (e *TransportError) Unwrap() error { return e.Err }

// UpstreamError indicates the service rejected the request with a status
// code (auth failure, rate limit, invalid request). Body carries the raw
// response for diagnostics.
type UpstreamError struct {
	StatusCode int
	Body       string
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("completion upstream: status %d", e.StatusCode)
}

// MalformedResponseError indicates a 2xx response whose body did not match
// the expected chat-completion shape.
type MalformedResponseError struct {
	Reason string
}

func (e *MalformedResponseError) Error() string {
	return fmt.Sprintf("completion malformed response: %s", e.Reason)
}
