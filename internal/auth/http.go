// ABOUTME: HTTP middleware gating requests on a bearer token
// ABOUTME: Extracts the token from the Authorization header and adds the principal to context

package auth

import (
	"log/slog"
	"net/http"
	"strings"
)

// unauthorizedBody is written on every rejection; clients learn nothing about why.
const unauthorizedBody = `{"error":"Unauthorized"}`

// extractBearerToken extracts a bearer token from the Authorization header.
// Returns the token and an error message (empty if successful).
func extractBearerToken(authHeader string) (string, string) {
	if authHeader == "" {
		return "", "missing authorization header"
	}
	if !strings.HasPrefix(authHeader, "Bearer ") {
		return "", "invalid authorization header format"
	}
	token := strings.TrimSpace(strings.TrimPrefix(authHeader, "Bearer "))
	if token == "" {
		return "", "empty token"
	}
	return token, ""
}

// Middleware rejects requests that do not carry a token accepted by verifier.
func Middleware(verifier TokenVerifier, logger *slog.Logger) func(http.Handler) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "auth")

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token, errMsg := extractBearerToken(r.Header.Get("Authorization"))
			if errMsg != "" {
				logger.Debug("rejected request", "path", r.URL.Path, "reason", errMsg)
				unauthorized(w)
				return
			}

			principalID, err := verifier.Verify(token)
			if err != nil {
				logger.Debug("rejected request", "path", r.URL.Path, "error", err)
				unauthorized(w)
				return
			}

			next.ServeHTTP(w, r.WithContext(WithAuth(r.Context(), &AuthContext{PrincipalID: principalID})))
		})
	}
}

func unauthorized(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("WWW-Authenticate", "Bearer")
	w.WriteHeader(http.StatusUnauthorized)
	_, _ = w.Write([]byte(unauthorizedBody))
}
