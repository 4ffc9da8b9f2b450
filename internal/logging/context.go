package logging

import (
	"context"

	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

type taskCtxKey struct{}
type agentCtxKey struct{}
type requestCtxKey struct{}
type loggerCtxKey struct{}

type taskRef struct {
	id        string
	iteration int
}

// ContextFields extracts correlation fields from ctx: the active span, the
// task and iteration being processed, the agent and the HTTP request ID.
func ContextFields(ctx context.Context) []zap.Field {
	if ctx == nil {
		return nil
	}
	fields := make([]zap.Field, 0, 6)

	if sc := trace.SpanContextFromContext(ctx); sc.IsValid() {
		fields = append(fields,
			zap.String("trace_id", sc.TraceID().String()),
			zap.String("span_id", sc.SpanID().String()),
		)
	}
	if ref, ok := ctx.Value(taskCtxKey{}).(taskRef); ok {
		fields = append(fields, zap.String("task.id", ref.id))
		if ref.iteration > 0 {
			fields = append(fields, zap.Int("task.iteration", ref.iteration))
		}
	}
	if agent, ok := ctx.Value(agentCtxKey{}).(string); ok {
		fields = append(fields, zap.String("agent", agent))
	}
	if id, ok := ctx.Value(requestCtxKey{}).(string); ok {
		fields = append(fields, zap.String("request.id", id))
	}
	return fields
}

// WithTask tags ctx with a task ID and iteration number. An iteration of 0
// means the task has not started iterating.
func WithTask(ctx context.Context, taskID string, iteration int) context.Context {
	return context.WithValue(ctx, taskCtxKey{}, taskRef{id: taskID, iteration: iteration})
}

// TaskFromContext returns the task ID and iteration stored by WithTask.
func TaskFromContext(ctx context.Context) (string, int, bool) {
	ref, ok := ctx.Value(taskCtxKey{}).(taskRef)
	return ref.id, ref.iteration, ok
}

// WithAgent tags ctx with the agent name being invoked.
func WithAgent(ctx context.Context, agent string) context.Context {
	return context.WithValue(ctx, agentCtxKey{}, agent)
}

// WithRequestID tags ctx with an HTTP request ID.
func WithRequestID(ctx context.Context, id string) context.Context {
	if id == "" {
		return ctx
	}
	return context.WithValue(ctx, requestCtxKey{}, id)
}

// WithLogger stores logger in ctx.
func WithLogger(ctx context.Context, logger *Logger) context.Context {
	return context.WithValue(ctx, loggerCtxKey{}, logger)
}

// FromContext returns the logger stored in ctx, or a nop logger.
func FromContext(ctx context.Context) *Logger {
	if l, ok := ctx.Value(loggerCtxKey{}).(*Logger); ok && l != nil {
		return l
	}
	return Nop()
}
