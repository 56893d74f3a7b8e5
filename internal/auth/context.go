package auth

import (
	"context"
	"errors"
)

type ctxKey int

const ctxIdentity ctxKey = iota

// ErrNoIdentity is returned when a context carries no verified identity.
var ErrNoIdentity = errors.New("identity not in context")

// WithIdentity returns a copy of ctx carrying id.
func WithIdentity(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, ctxIdentity, id)
}

// FromContext returns the identity stored by WithIdentity.
func FromContext(ctx context.Context) (Identity, error) {
	if id, ok := ctx.Value(ctxIdentity).(Identity); ok && id.UserID != "" {
		return id, nil
	}
	return Identity{}, ErrNoIdentity
}
