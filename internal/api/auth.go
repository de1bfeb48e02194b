package api

import (
	"crypto/subtle"
	"net/http"
	"strings"
)

// BearerAuth rejects requests without the API token. Browsers cannot set
// headers on a websocket handshake, so upgrade requests may pass the token
// in the access_token query parameter instead.
func BearerAuth(token string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !validToken(r, token) {
				httpError(w, http.StatusUnauthorized, "authentication_error", "invalid or missing bearer token")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func validToken(r *http.Request, token string) bool {
	const prefix = "Bearer "
	got := ""
	if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, prefix) {
		got = auth[len(prefix):]
	} else if strings.EqualFold(r.Header.Get("Upgrade"), "websocket") {
		got = r.URL.Query().Get("access_token")
	}
	return got != "" && subtle.ConstantTimeCompare([]byte(got), []byte(token)) == 1
}
