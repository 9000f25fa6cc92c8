package requestctx

import (
	"context"
	"sync"

	"go.uber.org/zap"
)

type contextKey string

const (
	loggerKey contextKey = "threadcart.requestctx.logger"
	traceKey  contextKey = "threadcart.requestctx.trace"
	actorKey  contextKey = "threadcart.requestctx.actor"
)

var noopLogger = zap.NewNop()

// TraceInfo is the trace metadata extracted from inbound headers.
type TraceInfo struct {
	TraceID   string
	SpanID    string
	Sampled   bool
	ProjectID string
}

// WithLogger stores a request-scoped logger.
func WithLogger(ctx context.Context, logger *zap.Logger) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	if logger == nil {
		logger = noopLogger
	}
	return context.WithValue(ctx, loggerKey, logger)
}

// Logger returns the request-scoped logger, or a no-op logger outside a request.
func Logger(ctx context.Context) *zap.Logger {
	if ctx == nil {
		return noopLogger
	}
	if logger, ok := ctx.Value(loggerKey).(*zap.Logger); ok && logger != nil {
		return logger
	}
	return noopLogger
}

// NoopLogger is the logger Logger returns when none was stored.
func NoopLogger() *zap.Logger { return noopLogger }

func WithTrace(ctx context.Context, info TraceInfo) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithValue(ctx, traceKey, info)
}

func Trace(ctx context.Context) (TraceInfo, bool) {
	if ctx == nil {
		return TraceInfo{}, false
	}
	info, ok := ctx.Value(traceKey).(TraceInfo)
	return info, ok
}

// TraceID returns the inbound trace id or "".
func TraceID(ctx context.Context) string {
	info, _ := Trace(ctx)
	return info.TraceID
}

// actorSlot lets an inner handler report the caller to middleware further out.
type actorSlot struct {
	mu    sync.RWMutex
	value string
}

// WithActor records the authenticated caller, e.g. the admin signing key name.
// When ctx already carries an actor slot the value is written into it, so the
// request logger that installed the slot sees the caller after the handler returns.
func WithActor(ctx context.Context, actor string) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	if slot, ok := ctx.Value(actorKey).(*actorSlot); ok {
		slot.mu.Lock()
		slot.value = actor
		slot.mu.Unlock()
		return ctx
	}
	return context.WithValue(ctx, actorKey, &actorSlot{value: actor})
}

// Actor returns the caller recorded by WithActor.
func Actor(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	slot, ok := ctx.Value(actorKey).(*actorSlot)
	if !ok {
		return ""
	}
	slot.mu.RLock()
	defer slot.mu.RUnlock()
	return slot.value
}
