package tools

import (
	"context"
	"errors"

	"github.com/nugget/wanderplan/internal/trip"
)

type contextKey string

const sessionIDKey contextKey = "session_id"
const documentKey contextKey = "trip_document"

// errNoDocument is returned by trip tools run outside a session.
var errNoDocument = errors.New("no trip document is attached to this session")

// WithSessionID adds the session ID to the context.
func WithSessionID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, sessionIDKey, id)
}

// SessionIDFromContext extracts the session ID from the context.
// Returns "" if not set.
func SessionIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(sessionIDKey).(string)
	return id
}

// WithDocument attaches the trip document that trip tools mutate. A nil
// document is ignored.
func WithDocument(ctx context.Context, doc *trip.Document) context.Context {
	if doc == nil {
		return ctx
	}
	return context.WithValue(ctx, documentKey, doc)
}

// DocumentFromContext returns the session's trip document.
func DocumentFromContext(ctx context.Context) (*trip.Document, bool) {
	doc, ok := ctx.Value(documentKey).(*trip.Document)
	return doc, ok
}
