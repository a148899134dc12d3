package log

import (
	"context"

	"github.com/sirupsen/logrus"
)

type entryContextKeyType int

const _entryContextKey entryContextKeyType = iota

// L is the default, blank logging entry. WithField and co. all return a copy
// of the original entry, so this will not leak fields between calls.
//
// Do NOT modify fields directly, as that will corrupt state for all users and
// is not thread safe.
var L = logrus.NewEntry(logrus.StandardLogger())

// G returns a [logrus.Entry] stored in the context, if one exists.
// Otherwise, it returns [L].
func G(ctx context.Context) *logrus.Entry {
	if ctx == nil {
		return L
	}
	if e, ok := ctx.Value(_entryContextKey).(*logrus.Entry); ok && e != nil {
		return e.WithContext(ctx)
	}
	return L.WithContext(ctx)
}

// WithContext returns a context that contains the provided log entry.
// The entry can be extracted with [G] (preferred) or [FromContext].
func WithContext(ctx context.Context, entry *logrus.Entry) context.Context {
	if entry == nil {
		return ctx
	}
	return context.WithValue(ctx, _entryContextKey, entry)
}

// UpdateContext extracts the log entry from the context, and adds the fields
// before storing the updated entry back in the context.
func UpdateContext(ctx context.Context, fields logrus.Fields) context.Context {
	return WithContext(ctx, G(ctx).WithFields(fields))
}

// FromContext returns the log entry stored in the context, if one exists.
func FromContext(ctx context.Context) (*logrus.Entry, bool) {
	e, ok := ctx.Value(_entryContextKey).(*logrus.Entry)
	return e, ok && e != nil
}
