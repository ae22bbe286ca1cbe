package observability

import "context"

type contextKey string

const (
	requestIDKey contextKey = "request_id"
	routeKey     contextKey = "route"
	usernameKey  contextKey = "username"
)

// contextFields are copied into every log line written through WithContext.
var contextFields = []contextKey{requestIDKey, routeKey, usernameKey}

func extractContextFields(ctx context.Context) []Field {
	var fields []Field
	for _, key := range contextFields {
		if v := stringValue(ctx, key); v != "" {
			fields = append(fields, String(string(key), v))
		}
	}
	return fields
}

func stringValue(ctx context.Context, key contextKey) string {
	v, _ := ctx.Value(key).(string)
	return v
}

// ContextWithRequestID adds a request ID to the context.
func ContextWithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, requestIDKey, requestID)
}

// RequestIDFromContext extracts the request ID from context.
func RequestIDFromContext(ctx context.Context) string {
	return stringValue(ctx, requestIDKey)
}

// ContextWithRoute adds the matched route ID to the context.
func ContextWithRoute(ctx context.Context, route string) context.Context {
	return context.WithValue(ctx, routeKey, route)
}

// RouteFromContext extracts the matched route ID from context.
func RouteFromContext(ctx context.Context) string {
	return stringValue(ctx, routeKey)
}

// ContextWithUsername records the resolved account for later log lines.
func ContextWithUsername(ctx context.Context, username string) context.Context {
	return context.WithValue(ctx, usernameKey, username)
}

// UsernameFromContext extracts the resolved username from context.
func UsernameFromContext(ctx context.Context) string {
	return stringValue(ctx, usernameKey)
}
