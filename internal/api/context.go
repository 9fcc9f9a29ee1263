package api

import (
	"context"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/lei/simple-qa/pkg/logger"
)

type callerKey struct{}

// GetRequestID returns the id chi's RequestID middleware assigned
func GetRequestID(ctx context.Context) string {
	return middleware.GetReqID(ctx)
}

// GetLogger retrieves the request-scoped logger, nil outside a request
func GetLogger(ctx context.Context) *logger.Logger {
	return logger.FromContext(ctx, nil)
}

// GetAPIKeyName names the key the caller authenticated with. It is empty
// when auth is disabled.
func GetAPIKeyName(ctx context.Context) string {
	name, _ := ctx.Value(callerKey{}).(string)
	return name
}

func withAPIKeyName(ctx context.Context, name string) context.Context {
	return context.WithValue(ctx, callerKey{}, name)
}
