// dtable-events - SeaTable Background Event Processing Service
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/dtable-events

package dtable

import (
	"context"
	"net/http"
	"net/url"

	"github.com/tomtom215/dtable-events/internal/config"
)

// User is a SeaTable account as dtable-web reports it. Email is the internal
// username; ContactEmail is where mail should go.
type User struct {
	Email        string `json:"email"`
	Name         string `json:"name"`
	ContactEmail string `json:"contact_email"`
	AvatarURL    string `json:"avatar_url,omitempty"`
}

// DisplayName falls back to the username when no nickname is set.
func (u *User) DisplayName() string {
	if u.Name != "" {
		return u.Name
	}
	return u.Email
}

// WebClient talks to dtable-web's internal API.
type WebClient struct {
	rest   *restClient
	tokens *TokenIssuer
}

// NewWebClient creates a dtable-web client.
func NewWebClient(cfg config.DTableConfig, tokens *TokenIssuer, opts ...Option) *WebClient {
	return &WebClient{
		rest:   newRestClient("dtable-web", cfg.WebURL, cfg.Timeout, opts...),
		tokens: tokens,
	}
}

func (c *WebClient) auth() authFunc {
	return tokenAuth(c.tokens.Internal)
}

// GetRelatedUsers lists everyone with access to a base.
func (c *WebClient) GetRelatedUsers(ctx context.Context, dtableUUID string) ([]User, error) {
	var out struct {
		Users []User `json:"user_list"`
	}
	path := "/api/v2.1/dtables/" + url.PathEscape(dtableUUID) + "/related-users/"
	if err := c.rest.do(ctx, http.MethodGet, path, c.auth(), nil, &out); err != nil {
		return nil, err
	}
	return out.Users, nil
}

// GetUserInfo fetches one user's profile.
func (c *WebClient) GetUserInfo(ctx context.Context, email string) (*User, error) {
	var out User
	path := "/api/v2.1/users/" + url.PathEscape(email) + "/"
	if err := c.rest.do(ctx, http.MethodGet, path, c.auth(), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Ping checks that dtable-web answers.
func (c *WebClient) Ping(ctx context.Context) error {
	return c.rest.do(ctx, http.MethodGet, "/api/v2.1/ping/", nil, nil, nil)
}
