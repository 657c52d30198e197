package logger

import (
	"context"

	"github.com/google/uuid"
)

// WithRequestID adds a request ID to the context.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, ContextKeyRequestID, requestID)
}

// WithUsername adds an account username to the context.
func WithUsername(ctx context.Context, username string) context.Context {
	return context.WithValue(ctx, ContextKeyUsername, username)
}

// WithAccessID adds the authenticated access ID to the context.
func WithAccessID(ctx context.Context, accessID string) context.Context {
	return context.WithValue(ctx, ContextKeyAccessID, accessID)
}

// WithMethod adds an API method ID to the context.
func WithMethod(ctx context.Context, method string) context.Context {
	return context.WithValue(ctx, ContextKeyMethod, method)
}

// GenerateRequestID generates a new request ID.
func GenerateRequestID() string {
	requestID := uuid.New()
	return requestID.String()
}
