package server

import "context"

type contextKey string

func (c contextKey) String() string {
	return "server context key " + string(c)
}

var (
	contextKeySessionID = contextKey("session-id")
)

// SessionID gets the user's current provider session ID from the context. It
// is only set when the user has an established session.
func SessionID(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(contextKeySessionID).(string)
	return id, ok && id != ""
}

func withSessionID(ctx context.Context, sessionID string) context.Context {
	return context.WithValue(ctx, contextKeySessionID, sessionID)
}
