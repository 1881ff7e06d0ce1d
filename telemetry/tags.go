// Package telemetry provides request tagging for structured logging and metrics.
package telemetry

import (
	"context"
	"net/http"
)

type contextKey string

const (
	// requestTagsKey is the context key for the request tags holder.
	requestTagsKey contextKey = "request_tags"
	// directionKey propagates the operation direction into workers.
	directionKey contextKey = "direction"
	// operationKey propagates the operation id into workers.
	operationKey contextKey = "operation_id"
)

// RequestTags holds mutable request metadata that handlers can set for logging.
type RequestTags struct {
	API         string
	Endpoint    string
	OperationID string
	Role        string
}

// InjectTags creates a new request with empty RequestTags in its context.
// Call this in middleware before handlers run.
func InjectTags(r *http.Request) *http.Request {
	tags := &RequestTags{}
	return r.WithContext(context.WithValue(r.Context(), requestTagsKey, tags))
}

// GetTags retrieves the request tags, or nil outside the logging middleware.
func GetTags(r *http.Request) *RequestTags {
	if tags, ok := r.Context().Value(requestTagsKey).(*RequestTags); ok {
		return tags
	}
	return nil
}

// SetAPI sets the API area ("operations", "cache", "pacs", "internal").
func SetAPI(r *http.Request, api string) {
	if tags := GetTags(r); tags != nil {
		tags.API = api
	}
}

// SetEndpoint sets the endpoint name for logging and detail metrics.
func SetEndpoint(r *http.Request, endpoint string) {
	if tags := GetTags(r); tags != nil {
		tags.Endpoint = endpoint
	}
}

// SetOperationID records the operation a request acted on.
func SetOperationID(r *http.Request, id string) {
	if tags := GetTags(r); tags != nil {
		tags.OperationID = id
	}
}

// SetRole records the role the request authenticated as.
func SetRole(r *http.Request, role string) {
	if tags := GetTags(r); tags != nil {
		tags.Role = role
	}
}

// WithOperation returns a context carrying the operation id and direction,
// for goroutines that outlive the submitting request.
func WithOperation(ctx context.Context, id, direction string) context.Context {
	ctx = context.WithValue(ctx, operationKey, id)
	return context.WithValue(ctx, directionKey, direction)
}

// DirectionFromContext returns the operation direction stored by
// WithOperation, or "" when none is set.
func DirectionFromContext(ctx context.Context) string {
	if d, ok := ctx.Value(directionKey).(string); ok {
		return d
	}
	return ""
}

// OperationFromContext returns the operation id stored by WithOperation.
func OperationFromContext(ctx context.Context) string {
	if id, ok := ctx.Value(operationKey).(string); ok {
		return id
	}
	if tags, ok := ctx.Value(requestTagsKey).(*RequestTags); ok && tags != nil {
		return tags.OperationID
	}
	return ""
}
