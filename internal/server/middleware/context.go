package middleware

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/alanyoungcy/nftbazaar/internal/domain"
)

type requestKey struct{}

// WithRequest attaches the authenticated caller context.
func WithRequest(ctx context.Context, req domain.Request) context.Context {
	return context.WithValue(ctx, requestKey{}, req)
}

// RequestFrom returns the caller context set by Signature.
func RequestFrom(ctx context.Context) (domain.Request, bool) {
	req, ok := ctx.Value(requestKey{}).(domain.Request)
	return req, ok
}

func writeError(w http.ResponseWriter, status int, code, msg string) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg, "code": code})
}
