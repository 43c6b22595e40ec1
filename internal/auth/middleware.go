package auth

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/livelearn/livelearn/internal/logging"
	"github.com/livelearn/livelearn/internal/rbac"
)

// JWTMiddleware authenticates the bearer token and puts the principal and
// its role in the request context. Browsers cannot set headers on a
// WebSocket handshake, so a "token" query parameter is accepted as well.
func JWTMiddleware(a *AuthService) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			raw, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
			if !ok {
				raw = r.URL.Query().Get("token")
			}
			if raw == "" {
				unauthorized(w, "Missing bearer token")
				return
			}
			p, err := a.Parse(raw)
			if err != nil {
				logging.Ctx(r.Context()).Debug().Err(err).Msg("rejected app token")
				unauthorized(w, "Invalid token")
				return
			}
			ctx := rbac.WithRole(WithPrincipal(r.Context(), p), p.Role)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func unauthorized(w http.ResponseWriter, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	_ = json.NewEncoder(w).Encode(map[string]string{"type": "unauthorized", "message": msg})
}
