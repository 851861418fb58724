package httpserver

import (
	"errors"
	"net/http"
	"strings"

	"github.com/wilsonzlin/aero/proxy/webrtc-room-relay/internal/origin"
)

// corsAllowMethods covers the routes registered on the mux.
const corsAllowMethods = "GET,POST,OPTIONS"

func (s *Server) withOriginPolicy(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		o, err := s.origins.Check(r.Header.Get("Origin"), r.Host)
		if errors.Is(err, origin.ErrEmpty) {
			next(w, r)
			return
		}
		if err != nil {
			s.log.Debug("origin_rejected", "origin", r.Header.Get("Origin"), "path", r.URL.Path, "err", err)
			http.Error(w, "forbidden", http.StatusForbidden)
			return
		}

		// CORS headers go out only when the browser sent an Origin header.
		w.Header().Set("Access-Control-Allow-Origin", o.String())
		w.Header().Set("Access-Control-Allow-Credentials", "true")
		w.Header().Set("Access-Control-Expose-Headers", "X-Request-ID")
		w.Header().Add("Vary", "Origin")

		if r.Method == http.MethodOptions && r.Header.Get("Access-Control-Request-Method") != "" {
			w.Header().Set("Access-Control-Allow-Methods", corsAllowMethods)
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
