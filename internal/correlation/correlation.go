package correlation

import (
	"context"
	"net/http"
	"strings"

	"pkt.systems/paydist/internal/ids"
)

// Header carries the correlation identifier between paydist and node gateways.
const Header = "X-Correlation-Id"

// MaxIDLength defines the maximum number of characters accepted for correlation identifiers.
const MaxIDLength = 128

type contextKey struct{}

// Set returns a context carrying id. Invalid identifiers leave ctx unchanged.
func Set(ctx context.Context, id string) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	normalized, ok := Normalize(id)
	if !ok {
		return ctx
	}
	return context.WithValue(ctx, contextKey{}, normalized)
}

// ID retrieves the correlation ID stored on ctx, if any.
func ID(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	id, _ := ctx.Value(contextKey{}).(string)
	return id
}

// Has reports whether ctx carries a correlation ID.
func Has(ctx context.Context) bool {
	return ID(ctx) != ""
}

// Ensure returns ctx with a correlation ID, generating one when absent.
func Ensure(ctx context.Context) context.Context {
	if Has(ctx) {
		return ctx
	}
	return Set(ctx, Generate())
}

// Normalize validates and canonicalizes an external correlation identifier.
// It returns the normalized ID and true if the input is acceptable.
func Normalize(id string) (string, bool) {
	id = strings.TrimSpace(id)
	if id == "" || len(id) > MaxIDLength {
		return "", false
	}
	for _, r := range id {
		if r < 0x20 || r > 0x7e {
			return "", false
		}
	}
	return id, true
}

// Generate produces a new correlation identifier.
func Generate() string {
	return ids.Nonce()
}

// Inject copies the correlation ID on ctx into the outgoing request headers.
func Inject(ctx context.Context, req *http.Request) {
	if id := ID(ctx); id != "" {
		req.Header.Set(Header, id)
	}
}

// FromRequest returns the request context enriched with the inbound
// correlation header, or a freshly generated identifier.
func FromRequest(r *http.Request) context.Context {
	if id, ok := Normalize(r.Header.Get(Header)); ok {
		return Set(r.Context(), id)
	}
	return Set(r.Context(), Generate())
}
