package httpserver

import (
	"net/http"
	"strings"

	"github.com/vakeelsaab/vakeel-signal/internal/origin"
)

// withOriginPolicy rejects browser requests from origins outside
// ALLOWED_ORIGINS and answers CORS preflights for the allowed ones.
func (s *Server) withOriginPolicy(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		normalizedOrigin, ok := origin.CheckRequest(r, s.cfg.AllowedOrigins)
		if !ok {
			WriteJSONError(w, http.StatusForbidden, "forbidden", "origin not allowed")
			return
		}
		if normalizedOrigin == "" {
			next(w, r)
			return
		}

		w.Header().Set("Access-Control-Allow-Origin", normalizedOrigin)
		w.Header().Set("Access-Control-Allow-Credentials", "true")
		w.Header().Set("Access-Control-Expose-Headers", "X-Request-ID")
		w.Header().Add("Vary", "Origin")

		if r.Method == http.MethodOptions && r.Header.Get("Access-Control-Request-Method") != "" {
			w.Header().Set("Access-Control-Allow-Methods", "GET,POST,OPTIONS")
			if requestHeaders := strings.TrimSpace(r.Header.Get("Access-Control-Request-Headers")); requestHeaders != "" {
				w.Header().Set("Access-Control-Allow-Headers", requestHeaders)
			}
			w.Header().Set("Access-Control-Max-Age", "600")
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next(w, r)
	}
}
