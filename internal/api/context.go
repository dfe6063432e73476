package api

import (
	"net/http"

	"github.com/medhive/flcoordinator/internal/cryptokit"
)

func claimsFromContext(r *http.Request) *cryptokit.Claims {
	claims, ok := r.Context().Value(claimsContextKey).(*cryptokit.Claims)
	if !ok {
		return nil
	}
	return claims
}
