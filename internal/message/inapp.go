// dtable-events - SeaTable Background Event Processing Service
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/dtable-events

package message

import (
	"context"
	"errors"
	"strings"

	"github.com/tomtom215/dtable-events/internal/dtable"
)

// Notifier delivers in-app notifications. *dtable.ServerClient implements it.
type Notifier interface {
	SendNotifications(ctx context.Context, dtableUUID string, notifications []dtable.Notification) error
}

// Directory lists the users with access to a base. *dtable.WebClient
// implements it.
type Directory interface {
	GetRelatedUsers(ctx context.Context, dtableUUID string) ([]dtable.User, error)
}

// InAppChannel sends SeaTable notifications through dtable-server.
type InAppChannel struct {
	notifier  Notifier
	directory Directory
}

// NewInAppChannel creates an in-app channel.
func NewInAppChannel(notifier Notifier) *InAppChannel {
	return &InAppChannel{notifier: notifier}
}

// WithDirectory restricts recipients to the users related to the base.
func (c *InAppChannel) WithDirectory(d Directory) *InAppChannel {
	c.directory = d
	return c
}

// Name returns the channel identifier.
func (c *InAppChannel) Name() ChannelName {
	return ChannelInApp
}

// Validate needs no account settings.
func (c *InAppChannel) Validate(*Account) error {
	return nil
}

// maxInAppMessage bounds the rendered message stored with a notification.
const maxInAppMessage = 1000

// Send notifies every user in To with one batch call.
func (c *InAppChannel) Send(ctx context.Context, params *SendParams) (*DeliveryResult, error) {
	recipient := strings.Join(params.To, ",")
	if c.notifier == nil {
		return failure(recipient, ErrorCodeInvalidConfig, "in-app notifier not configured"), nil
	}
	if len(params.To) == 0 {
		return failure(recipient, ErrorCodeInvalidRecipient, "no recipients"), nil
	}
	if params.DTableUUID == "" {
		return failure(recipient, ErrorCodeInvalidConfig, "dtable uuid is required"), nil
	}

	detail := make(map[string]any, len(params.Detail)+1)
	for k, v := range params.Detail {
		detail[k] = v
	}
	if params.Body != "" {
		detail["msg"] = TruncateContent(params.Body, maxInAppMessage)
	}
	msgType := params.NotificationType
	if msgType == "" {
		msgType = "notification_rules"
	}

	var related map[string]bool
	if c.directory != nil {
		users, err := c.directory.GetRelatedUsers(ctx, params.DTableUUID)
		if err != nil {
			return failure(recipient, classifyHTTPError(err), "list related users: %v", err), nil
		}
		related = make(map[string]bool, len(users))
		for _, u := range users {
			related[u.Email] = true
		}
	}

	batch := make([]dtable.Notification, 0, len(params.To))
	seen := make(map[string]bool, len(params.To))
	for _, user := range params.To {
		if user == "" || seen[user] {
			continue
		}
		if related != nil && !related[user] {
			continue
		}
		seen[user] = true
		batch = append(batch, dtable.Notification{ToUser: user, MsgType: msgType, Detail: detail})
	}
	if len(batch) == 0 {
		return failure(recipient, ErrorCodeInvalidRecipient, "no recipient has access to the base"), nil
	}

	if err := c.notifier.SendNotifications(ctx, params.DTableUUID, batch); err != nil {
		var apiErr *dtable.APIError
		if errors.As(err, &apiErr) {
			res := failure(recipient, classifyHTTPStatusCode(apiErr.Status), "%v", err)
			res.ResponseCode = apiErr.Status
			return res, nil
		}
		return failure(recipient, classifyHTTPError(err), "%v", err), nil
	}
	return success(recipient), nil
}
