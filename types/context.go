package types

import "context"

// contextKey is used for storing values in context.Context.
type contextKey string

const (
	keyTraceID     contextKey = "trace_id"
	keyExecutionID contextKey = "execution_id"
	keyChainID     contextKey = "chain_id"
)

// WithTraceID adds trace ID to context.
func WithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, keyTraceID, traceID)
}

// TraceID extracts trace ID from context.
func TraceID(ctx context.Context) (string, bool) {
	v, ok := ctx.Value(keyTraceID).(string)
	return v, ok && v != ""
}

// WithExecutionID adds the workflow execution ID to context.
func WithExecutionID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, keyExecutionID, id)
}

// ExecutionID extracts the workflow execution ID from context.
func ExecutionID(ctx context.Context) (string, bool) {
	v, ok := ctx.Value(keyExecutionID).(string)
	return v, ok && v != ""
}

// WithChainID adds the chain execution ID to context.
func WithChainID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, keyChainID, id)
}

// ChainID extracts the chain execution ID from context.
func ChainID(ctx context.Context) (string, bool) {
	v, ok := ctx.Value(keyChainID).(string)
	return v, ok && v != ""
}
