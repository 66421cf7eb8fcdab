package auth

import (
	"context"
	"net/http"
	"strings"

	"authcore/internal/token"
)

type claimsKey struct{}

// Middleware requires a valid Bearer access token and stores its claims in
// the request context.
func Middleware(issuer *token.Issuer, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := strings.TrimSpace(r.Header.Get("Authorization"))
		if header == "" {
			writeError(w, http.StatusUnauthorized, KindMissingToken, "missing authorization token")
			return
		}

		scheme, raw, found := strings.Cut(header, " ")
		if !found || !strings.EqualFold(scheme, "Bearer") {
			writeError(w, http.StatusUnauthorized, KindTokenInvalid, "invalid authorization format")
			return
		}

		claims, err := issuer.VerifyAccess(raw)
		if err != nil {
			kind := KindOf(err)
			if kind == KindMissingToken {
				kind = KindTokenInvalid
			}
			writeError(w, http.StatusUnauthorized, kind, "invalid or expired token")
			return
		}

		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), claimsKey{}, claims)))
	})
}

func ClaimsFromContext(ctx context.Context) (*token.Claims, bool) {
	claims, ok := ctx.Value(claimsKey{}).(*token.Claims)
	return claims, ok && claims != nil
}
