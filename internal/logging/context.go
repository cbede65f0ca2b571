package logging

import (
	"context"
	"net/http"
	"strings"

	"github.com/google/uuid"
)

// TraceIDHeader carries a request trace identifier across HTTP hops.
const TraceIDHeader = "X-Trace-ID"

// TraceIDField is the log field holding the trace identifier.
const TraceIDField = "trace_id"

type contextKey string

const (
	loggerKey contextKey = "wormy-logger"
	traceKey  contextKey = "wormy-trace-id"
)

// ContextWithLogger stores logger in ctx.
func ContextWithLogger(ctx context.Context, logger *Logger) context.Context {
	if logger == nil {
		return ctx
	}
	return context.WithValue(ctx, loggerKey, logger)
}

// FromContext returns the logger stored in ctx or the global logger.
func FromContext(ctx context.Context) *Logger {
	if ctx == nil {
		return L()
	}
	if logger, ok := ctx.Value(loggerKey).(*Logger); ok && logger != nil {
		return logger
	}
	return L()
}

// TraceIDFromContext returns the trace identifier stored in ctx, if any.
func TraceIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	id, _ := ctx.Value(traceKey).(string)
	return id
}

// WithTrace derives a logger tagged with traceID, generating one when empty,
// and stores both in the returned context.
func WithTrace(ctx context.Context, base *Logger, traceID string) (context.Context, *Logger, string) {
	id := strings.TrimSpace(traceID)
	if id == "" {
		id = uuid.NewString()
	}
	if base == nil {
		base = L()
	}
	derived := base.With(String(TraceIDField, id))
	ctx = context.WithValue(ctx, traceKey, id)
	return ContextWithLogger(ctx, derived), derived, id
}

// HTTPTraceMiddleware attaches a trace-scoped logger to every request.
func HTTPTraceMiddleware(base *Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx, logger, id := WithTrace(r.Context(), base, r.Header.Get(TraceIDHeader))
			w.Header().Set(TraceIDHeader, id)
			logger.Debug("request received", String("method", r.Method), String("path", r.URL.Path))
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
