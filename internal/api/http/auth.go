package http

import (
	"crypto/subtle"
	"net/http"
	"regexp"

	"go.uber.org/zap"

	apperrors "github.com/sitepulse/sitepulse/internal/errors"
)

const (
	msgMissingCredential = "Authorization header is missing."
	msgInvalidCredential = "Invalid API key."
)

var bearerPattern = regexp.MustCompile(`^Bearer\s+(\S+)$`)

// BearerAuth rejects requests that do not present the shared secret as
// "Authorization: Bearer <secret>". It runs before any handler touches the
// store.
func BearerAuth(apiKey string, logger *zap.Logger) func(http.Handler) http.Handler {
	key := []byte(apiKey)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			header := r.Header.Get("Authorization")
			if header == "" {
				writeError(w, r, http.StatusUnauthorized, apperrors.CodeMissingCredential, msgMissingCredential)
				return
			}

			m := bearerPattern.FindStringSubmatch(header)
			if m == nil || len(key) == 0 || subtle.ConstantTimeCompare([]byte(m[1]), key) != 1 {
				logger.Warn("rejected query credential",
					zap.String("request_id", GetRequestID(r.Context())),
					zap.String("remote_addr", r.RemoteAddr))
				writeError(w, r, http.StatusForbidden, apperrors.CodeInvalidCredential, msgInvalidCredential)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
