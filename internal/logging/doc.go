// Package logging wraps zap with context-aware methods for codeloop.
//
// Every method takes a context.Context so that trace and task correlation
// fields are attached automatically:
//
//	ctx = logging.WithTask(ctx, "auth-login", 2)
//	logger.Info(ctx, "review complete", zap.Float64("score", 88))
//
// produces
//
//	{"ts":"...","level":"info","msg":"review complete",
//	 "trace_id":"...","task.id":"auth-login","task.iteration":2,"score":88}
//
// Output goes to stdout, to an OpenTelemetry log provider, or both. Fields
// that look like credentials are redacted by the encoder, and everything
// below Error may be sampled.
package logging
