package server

import (
	"context"
	"log/slog"
	"net/http"
	"strings"

	"github.com/54b3r/kbchat-go/internal/apperr"
	"github.com/54b3r/kbchat-go/internal/auth"
	"github.com/54b3r/kbchat-go/internal/logging"
)

// authMiddleware enforces Bearer token authentication and stores the
// verified user id in the request context. If no verifier is configured
// every request is attributed to the development user.
//
// Protected routes must supply:
//
//	Authorization: Bearer <jwt>
//
// WebSocket upgrades may pass the token as ?token=<jwt> instead, since
// browsers cannot set headers on the handshake. Token values are never
// logged.
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.Verifier == nil {
			next.ServeHTTP(w, r.WithContext(auth.WithUserID(r.Context(), s.cfg.DevUserID)))
			return
		}
		log := logging.FromContext(r.Context())

		token := bearerToken(r)
		if token == "" {
			token = strings.TrimSpace(r.URL.Query().Get("token"))
		}
		if token == "" {
			log.Warn("auth: missing token", slog.String("path", r.URL.Path))
			w.Header().Set("WWW-Authenticate", `Bearer realm="kbchat"`)
			writeUnauthorized(w, "authorization required")
			return
		}

		uid, err := s.cfg.Verifier.Verify(token)
		if err != nil {
			log.Warn("auth: invalid token",
				slog.String("path", r.URL.Path),
				slog.Bool("token_present", true),
			)
			w.Header().Set("WWW-Authenticate", `Bearer realm="kbchat" error="invalid_token"`)
			writeUnauthorized(w, "invalid or expired token")
			return
		}

		ctx := auth.WithUserID(r.Context(), uid)
		ctx = logging.WithLogger(ctx, log.With(slog.Int64("user_id", uid)))
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// writeUnauthorized writes a 401 envelope. Ownership failures use 403 through
// writeError; a missing or bad credential is the only 401.
func writeUnauthorized(w http.ResponseWriter, msg string) {
	writeEnvelope(w, http.StatusUnauthorized, envelope{Code: apperr.KindUnauthorized.Code(), Msg: msg})
}

// userFrom returns the authenticated user id from ctx.
func userFrom(ctx context.Context) (int64, bool) {
	return auth.UserIDFrom(ctx)
}

// bearerToken extracts the token from an "Authorization: Bearer <token>"
// header. Returns an empty string if the header is absent or malformed.
func bearerToken(r *http.Request) string {
	hdr := r.Header.Get("Authorization")
	if hdr == "" {
		return ""
	}
	parts := strings.SplitN(hdr, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}
