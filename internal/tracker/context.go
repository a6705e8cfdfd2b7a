package tracker

import "context"

type contextKey struct{}

// NewContext returns a copy of ctx carrying t.
func NewContext(ctx context.Context, t *Tracker) context.Context {
	return context.WithValue(ctx, contextKey{}, t)
}

// FromContext returns the tracker stored in ctx, if any.
func FromContext(ctx context.Context) (*Tracker, bool) {
	t, ok := ctx.Value(contextKey{}).(*Tracker)
	return t, ok && t != nil
}

// MustFromContext is FromContext for call sites that cannot work without a
// tracker. A missing tracker is a wiring bug, so it panics.
func MustFromContext(ctx context.Context) *Tracker {
	t, ok := FromContext(ctx)
	if !ok {
		panic("tracker: no tracker in context; wrap the context with tracker.NewContext")
	}
	return t
}
