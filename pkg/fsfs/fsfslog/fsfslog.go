// Package fsfslog carries a zerolog.Logger through context.Context,
// the same way reva's pkg/appctx carries a request-scoped logger
// through the CS3 gRPC/HTTP call chain. The engine has no requests,
// but it does have operations (commit, hotcopy, upgrade) that want a
// logger enriched with operation-scoped fields (revision, txn-id)
// without threading a *zerolog.Logger parameter through every call.
package fsfslog

import (
	"context"

	"github.com/rs/zerolog"
)

type ctxKey struct{}

// WithContext returns a copy of ctx carrying l, retrievable with
// FromContext.
func WithContext(ctx context.Context, l zerolog.Logger) context.Context {
	return context.WithValue(ctx, ctxKey{}, l)
}

// FromContext returns the logger stored in ctx, or zerolog's disabled
// logger if none was ever attached.
func FromContext(ctx context.Context) zerolog.Logger {
	if l, ok := ctx.Value(ctxKey{}).(zerolog.Logger); ok {
		return l
	}
	return zerolog.Nop()
}
