// Package coffeeshop is a horizontally-scalable asynchronous request
// processing framework. A fleet of identical shop instances shares one work
// queue, one result table, and one multicast group: any shop's HTTP front
// end (the waiter) can accept a request, any shop's worker pool (the
// baristas) can process it, and the submitting shop learns about completion
// through a multicast announcement or, failing that, through periodic table
// polling (the collection point). The queue-assigned message id — the
// ticket — correlates everything.
//
// The framework is generic over three user shapes: the query Q (decoded
// from the request's query string, must carry a timeout and an async flag),
// the input I (decoded from the request body), and the output O. The user
// supplies one Handler that validates and processes; the framework never
// inspects the user shapes beyond the Query accessors.
package coffeeshop

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// Query is the contract every query shape Q must satisfy. Embed BaseQuery
// to get a compliant implementation.
type Query interface {
	// RequestTimeout bounds a blocking request or retrieve.
	RequestTimeout() time.Duration
	// IsAsync selects ticket-and-202 over blocking for /request.
	IsAsync() bool
}

// BaseQuery carries the two query parameters the framework itself consumes.
// User query shapes embed it and add their own schema-tagged fields.
type BaseQuery struct {
	TimeoutSeconds float64 `schema:"timeout" json:"timeout"`
	Async          bool    `schema:"async" json:"async"`
}

// RequestTimeout returns the query's timeout as a duration.
func (q BaseQuery) RequestTimeout() time.Duration {
	return time.Duration(q.TimeoutSeconds * float64(time.Second))
}

// IsAsync reports whether the client asked for a ticket instead of a result.
func (q BaseQuery) IsAsync() bool { return q.Async }

// Handler is the user-supplied processing function. One instance is shared
// by reference across all baristas in a shop; it may synchronize internally
// but should not assume cluster-wide coordination — instances are ephemeral.
// Brew is expected to be effectively idempotent per ticket: the queue is
// at-least-once and a redelivered message will be processed again.
type Handler[Q Query, I, O any] interface {
	// Validate inspects a request before it is enqueued. A non-empty map of
	// field → message fails the request with 422 and nothing reaches the
	// queue. input is nil when the request carried no body.
	Validate(q Q, input *I) map[string]string

	// Brew processes one request. Returning a *Error rejects the ticket
	// with that error surfaced to clients from every shop; any other
	// non-nil error is an infrastructure failure and the message returns
	// to the queue for redelivery.
	Brew(ctx context.Context, q Q, input *I) (O, error)
}

// Marshaler converts user values to and from the bytes that travel inside
// the payload envelope. The default is JSON; outputs of the default
// marshaler are embedded verbatim in HTTP response bodies.
type Marshaler interface {
	Marshal(v any) ([]byte, error)
	Unmarshal(data []byte, v any) error
}

// JSONMarshaler is the default Marshaler.
type JSONMarshaler struct{}

func (JSONMarshaler) Marshal(v any) ([]byte, error)   { return json.Marshal(v) }
func (JSONMarshaler) Unmarshal(d []byte, v any) error { return json.Unmarshal(d, v) }

// Error kinds surfaced in JSON envelopes.
const (
	KindValidation       = "ValidationError"
	KindBadRequest       = "BadRequest"
	KindNotFound         = "NotFound"
	KindMethodNotAllowed = "MethodNotAllowed"
	KindPayloadTooLarge  = "PayloadTooLarge"
	KindRetrieveTimeout  = "RetrieveTimeout"
	KindTooManyTickets   = "TooManyTickets"
	KindQueueUnavailable = "QueueUnavailable"
	KindResultNotFound   = "ResultNotFound"
	KindProcessing       = "ProcessingError"
	KindInternal         = "InternalError"
)

// Error is the structured error carried in every non-2xx response body and
// in the table's error column. The envelope round-trips through the table
// byte-exact, so a retrieval on any shop reports the same body a blocking
// request would have.
type Error struct {
	StatusCode int            `json:"status_code"`
	Kind       string         `json:"error"`
	Details    map[string]any `json:"details,omitempty"`
}

// NewError builds an error with a message detail.
func NewError(status int, kind, message string) *Error {
	return &Error{
		StatusCode: status,
		Kind:       kind,
		Details:    map[string]any{"message": message},
	}
}

// Errorf builds an error with a formatted message detail.
func Errorf(status int, kind, format string, args ...any) *Error {
	return NewError(status, kind, fmt.Sprintf(format, args...))
}

func (e *Error) Error() string {
	if msg, ok := e.Details["message"].(string); ok {
		return fmt.Sprintf("%s (%d): %s", e.Kind, e.StatusCode, msg)
	}
	return fmt.Sprintf("%s (%d)", e.Kind, e.StatusCode)
}

// Envelope serializes the error for the table's error column.
func (e *Error) Envelope() (string, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// ParseEnvelope reverses Envelope.
func ParseEnvelope(envelope string) (*Error, error) {
	var e Error
	if err := json.Unmarshal([]byte(envelope), &e); err != nil {
		return nil, fmt.Errorf("parse error envelope: %w", err)
	}
	if e.StatusCode == 0 {
		e.StatusCode = http.StatusInternalServerError
	}
	return &e, nil
}

// validationError builds the 422 envelope for failed validation.
func validationError(fields map[string]string) *Error {
	detail := make(map[string]any, len(fields))
	for f, msg := range fields {
		detail[f] = msg
	}
	return &Error{
		StatusCode: http.StatusUnprocessableEntity,
		Kind:       KindValidation,
		Details: map[string]any{
			"message": "Input validation failed.",
			"fields":  detail,
		},
	}
}
