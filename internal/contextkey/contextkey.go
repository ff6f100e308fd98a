package contextkey

type contextKey string

const (
	// ContextKeyRequestID carries the per-request uuid set by the request-id
	// middleware.
	ContextKeyRequestID contextKey = "request_id"
)
