package middleware

import (
	"context"
)

type contextKey string

const contextKeyCorrelationID contextKey = "correlation-id"

func GetCorrelationID(ctx context.Context) string {
	id, _ := ctx.Value(contextKeyCorrelationID).(string)
	return id
}

func WithCorrelationID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, contextKeyCorrelationID, id)
}
