package middleware

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"veilescrow/gateway/auth"
)

// Signed rejects requests whose HMAC headers do not verify. The body is
// buffered and restored for the next handler. A nil or disabled
// authenticator lets every request through.
func Signed(a *auth.Authenticator, logger *slog.Logger) func(http.Handler) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !a.Enabled() {
				next.ServeHTTP(w, r)
				return
			}
			body, err := io.ReadAll(io.LimitReader(r.Body, int64(auth.MaxBodyForSignature)+1))
			if err != nil {
				writeError(w, http.StatusBadRequest, "unable to read request body")
				return
			}
			_ = r.Body.Close()
			principal, err := a.Authenticate(r, body)
			if err != nil {
				status := http.StatusUnauthorized
				if errors.Is(err, auth.ErrBodyTooLarge) {
					status = http.StatusRequestEntityTooLarge
				}
				logger.Warn("request signature rejected", "route", r.URL.Path, "error", err)
				writeError(w, status, err.Error())
				return
			}
			r.Body = io.NopCloser(bytes.NewReader(body))
			next.ServeHTTP(w, r.WithContext(auth.WithPrincipal(r.Context(), principal)))
		})
	}
}

// Participant resolves the bearer token into the caller address. When
// required is false a missing token is allowed and the request proceeds
// without an identity; an invalid token is always rejected.
func Participant(resolver *auth.IdentityResolver, required bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			addr, err := resolver.ResolveRequest(r)
			switch {
			case err == nil:
				next.ServeHTTP(w, r.WithContext(auth.WithParticipant(r.Context(), addr)))
			case errors.Is(err, auth.ErrMissingToken) && !required:
				next.ServeHTTP(w, r)
			default:
				writeError(w, http.StatusUnauthorized, err.Error())
			}
		})
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": message})
}
