// dtable-events - SeaTable Background Event Processing Service
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/dtable-events

package middleware

import (
	"context"
	"net/http"
	"strings"

	"github.com/goccy/go-json"

	"github.com/tomtom215/dtable-events/internal/dtable"
	"github.com/tomtom215/dtable-events/internal/logging"
)

// Verifier validates a bearer token. *dtable.TokenIssuer implements it.
type Verifier interface {
	Verify(token string) (*dtable.Claims, error)
}

type claimsKey struct{}

// ClaimsFromContext returns the claims TokenAuth stored for the request.
func ClaimsFromContext(ctx context.Context) (*dtable.Claims, bool) {
	c, ok := ctx.Value(claimsKey{}).(*dtable.Claims)
	return c, ok
}

// ContextWithClaims stores claims in ctx. Exposed for handler tests.
func ContextWithClaims(ctx context.Context, c *dtable.Claims) context.Context {
	return context.WithValue(ctx, claimsKey{}, c)
}

// TokenAuth rejects requests without a valid "Authorization: Token <jwt>"
// header. The SeaTable services sign these with the shared private key.
// "Bearer" is accepted as well.
func TokenAuth(v Verifier) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token, ok := tokenFromHeader(r.Header.Get("Authorization"))
			if !ok {
				unauthorized(w, r, "missing token")
				return
			}
			claims, err := v.Verify(token)
			if err != nil {
				logging.Ctx(r.Context()).Debug().Err(err).Msg("Rejected API token")
				unauthorized(w, r, "invalid token")
				return
			}
			ctx := ContextWithClaims(r.Context(), claims)
			if claims.DTableUUID != "" {
				ctx = logging.ContextWithDTable(ctx, claims.DTableUUID)
			}
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func tokenFromHeader(h string) (string, bool) {
	scheme, token, ok := strings.Cut(strings.TrimSpace(h), " ")
	if !ok {
		return "", false
	}
	if !strings.EqualFold(scheme, "Token") && !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}

type authError struct {
	Success bool `json:"success"`
	Error   struct {
		Code      string `json:"code"`
		Message   string `json:"message"`
		RequestID string `json:"request_id,omitempty"`
	} `json:"error"`
}

func unauthorized(w http.ResponseWriter, r *http.Request, msg string) {
	var body authError
	body.Error.Code = "UNAUTHORIZED"
	body.Error.Message = msg
	body.Error.RequestID = logging.RequestIDFromContext(r.Context())

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("WWW-Authenticate", "Token")
	w.WriteHeader(http.StatusUnauthorized)
	//nolint:errcheck // HTTP response write errors are not recoverable
	json.NewEncoder(w).Encode(body)
}
