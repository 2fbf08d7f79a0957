package frontend

import (
	"context"

	"github.com/google/uuid"
)

// bundleIDKey is the context key under which a per-HandleBundle
// correlation id is stored, matching this codebase's request-ID
// propagation middleware (generated once at the entry point, read by
// every log line below it instead of threaded as an explicit parameter).
type bundleIDKey struct{}

// withBundleID attaches a freshly generated correlation id to ctx.
func withBundleID(ctx context.Context) context.Context {
	return context.WithValue(ctx, bundleIDKey{}, uuid.NewString())
}

// bundleID returns the correlation id attached by withBundleID, or the
// empty string if none was attached (e.g. in tests that call
// DecodeParcel/EncodeParcel directly).
func bundleID(ctx context.Context) string {
	id, _ := ctx.Value(bundleIDKey{}).(string)
	return id
}
