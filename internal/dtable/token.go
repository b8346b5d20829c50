// dtable-events - SeaTable Background Event Processing Service
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/dtable-events

package dtable

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Permissions carried in base access tokens.
const (
	PermissionRead      = "r"
	PermissionReadWrite = "rw"
)

// Claims is the payload dtable-server and dtable-db expect. Internal tokens
// for dtable-web set IsInternal instead of a base.
type Claims struct {
	DTableUUID string `json:"dtable_uuid,omitempty"`
	Username   string `json:"username"`
	Permission string `json:"permission,omitempty"`
	IsInternal bool   `json:"is_internal,omitempty"`
	jwt.RegisteredClaims
}

// TokenIssuer signs short-lived HS256 tokens with the private key shared
// across the SeaTable services.
type TokenIssuer struct {
	secret   []byte
	username string
	ttl      time.Duration
	now      func() time.Time
}

// NewTokenIssuer creates an issuer. username is the identity recorded as the
// actor of every write this service makes.
func NewTokenIssuer(privateKey, username string, ttl time.Duration) (*TokenIssuer, error) {
	if privateKey == "" {
		return nil, errors.New("dtable private key is required")
	}
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &TokenIssuer{secret: []byte(privateKey), username: username, ttl: ttl, now: time.Now}, nil
}

// Username is the service identity used in tokens.
func (i *TokenIssuer) Username() string {
	return i.username
}

// ForDTable issues a base access token.
func (i *TokenIssuer) ForDTable(dtableUUID, permission string) (string, error) {
	return i.sign(&Claims{DTableUUID: dtableUUID, Username: i.username, Permission: permission})
}

// Internal issues a token for dtable-web's internal endpoints.
func (i *TokenIssuer) Internal() (string, error) {
	return i.sign(&Claims{Username: i.username, IsInternal: true})
}

func (i *TokenIssuer) sign(claims *Claims) (string, error) {
	now := i.now()
	claims.RegisteredClaims = jwt.RegisteredClaims{
		ExpiresAt: jwt.NewNumericDate(now.Add(i.ttl)),
		IssuedAt:  jwt.NewNumericDate(now),
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(i.secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, nil
}

// Verify parses a token signed with the same key. Only HMAC methods are
// accepted.
func (i *TokenIssuer) Verify(token string) (*Claims, error) {
	parsed, err := jwt.ParseWithClaims(token, &Claims{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return i.secret, nil
	}, jwt.WithTimeFunc(i.now))
	if err != nil {
		return nil, fmt.Errorf("failed to parse token: %w", err)
	}
	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid {
		return nil, errors.New("invalid token claims")
	}
	return claims, nil
}
