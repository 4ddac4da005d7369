package storageaccess

import "context"

type browsingContextKey struct{}

// WithBrowsingContext attaches a browsing-context identifier to ctx. The
// engine records it on audit events so the two halves of a handshake can
// be correlated across RP and IDP documents.
func WithBrowsingContext(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, browsingContextKey{}, id)
}

func browsingContextFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	id, _ := ctx.Value(browsingContextKey{}).(string)
	return id
}
