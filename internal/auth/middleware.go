package auth

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/smaregi-labs/smaregi-mcp/internal/models"
	"github.com/smaregi-labs/smaregi-mcp/internal/state"
)

type contextKey int

const (
	ctxTokenRecord contextKey = iota
	ctxRemoteIP
)

// RequestToken returns the validated token record from the context, or
// nil when the request was not authenticated.
func RequestToken(ctx context.Context) *models.AccessTokenRecord {
	v, _ := ctx.Value(ctxTokenRecord).(*models.AccessTokenRecord)
	return v
}

// RequestRemoteIP returns the client IP from the context, or "".
func RequestRemoteIP(ctx context.Context) string {
	v, _ := ctx.Value(ctxRemoteIP).(string)
	return v
}

// Middleware returns HTTP middleware that validates Bearer tokens
// against the token store. Unauthenticated requests get a 401 with a
// WWW-Authenticate header pointing at the protected resource metadata
// (RFC 9728 Section 5.1); the error code and description follow the
// RFC 6750 taxonomy.
func Middleware(st *state.State, logger *slog.Logger, serverURL string) func(http.Handler) http.Handler {
	metadataURL := strings.TrimRight(serverURL, "/") + "/.well-known/oauth-protected-resource"

	deny := func(w http.ResponseWriter, errCode, description string) {
		w.Header().Set("WWW-Authenticate", fmt.Sprintf(
			`Bearer error="%s", error_description="%s", resource_metadata="%s"`,
			errCode, description, metadataURL,
		))
		w.WriteHeader(http.StatusUnauthorized)
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ip, _, err := net.SplitHostPort(r.RemoteAddr)
			if err != nil {
				ip = r.RemoteAddr
			}

			authHeader := r.Header.Get("Authorization")
			if authHeader == "" {
				logger.Debug("middleware: no access token",
					slog.String("ip", ip),
					slog.String("path", r.URL.Path),
				)
				deny(w, "invalid_request", "Missing access token")

				return
			}

			token, ok := strings.CutPrefix(authHeader, "Bearer ")
			if !ok || token == "" {
				deny(w, "invalid_request", "Invalid token format. Use Bearer <token>")
				return
			}

			// A store read failure is a server fault, not a bearer
			// problem; no RFC 6750 challenge is issued.
			rec, err := st.TokenByAccessToken(token)
			if err != nil {
				logger.Error("middleware: token lookup failed", slog.String("error", err.Error()))
				http.Error(w, "token validation failed", http.StatusInternalServerError)

				return
			}

			if rec == nil || rec.Expired(time.Now()) {
				logger.Debug("middleware: invalid bearer token",
					slog.String("ip", ip),
					slog.String("path", r.URL.Path),
				)
				deny(w, "invalid_token", "The access token is invalid or expired")

				return
			}

			// Every Smaregi API call is scoped to a contract; a token
			// without one cannot be dispatched.
			if rec.ContractID == "" {
				deny(w, "invalid_token", "Contract ID is missing or invalid. Please re-authenticate.")
				return
			}

			logger.Debug("middleware: authenticated",
				slog.String("session_id", rec.SessionID),
				slog.String("contract_id", rec.ContractID),
				slog.String("ip", ip),
			)

			ctx := r.Context()
			ctx = context.WithValue(ctx, ctxTokenRecord, rec)
			ctx = context.WithValue(ctx, ctxRemoteIP, ip)

			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
