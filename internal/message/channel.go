// dtable-events - SeaTable Background Event Processing Service
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/dtable-events

// Package message delivers the outbound messages that rules produce.
//
// Channels:
//   - email: SMTP with STARTTLS or implicit TLS
//   - wechat: WeChat Work group robot webhooks
//   - dingtalk: DingTalk group robot webhooks, optionally signed
//   - in_app: dtable-server notifications
//
// Channels never return transport failures as errors. Failures are
// described in DeliveryResult, with IsTransient telling the Manager
// whether a retry can help.
package message

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/goccy/go-json"
)

// ChannelName identifies a delivery channel.
type ChannelName string

const (
	ChannelEmail    ChannelName = "email"
	ChannelWeChat   ChannelName = "wechat"
	ChannelDingTalk ChannelName = "dingtalk"
	ChannelInApp    ChannelName = "in_app"
)

// Channel sends one message.
type Channel interface {
	Name() ChannelName
	// Validate checks the account settings the channel needs.
	Validate(account *Account) error
	Send(ctx context.Context, params *SendParams) (*DeliveryResult, error)
}

// Account is the decoded detail of a third-party account. Email accounts use
// the SMTP fields; robot accounts use WebhookURL and, for DingTalk, Secret.
type Account struct {
	EmailHost   string `json:"email_host"`
	EmailPort   int    `json:"email_port"`
	HostUser    string `json:"host_user"`
	Password    string `json:"password"`
	SenderName  string `json:"sender_name"`
	SenderEmail string `json:"sender_email"`
	// UseSSL selects implicit TLS (usually port 465) instead of STARTTLS.
	UseSSL bool `json:"use_ssl"`

	WebhookURL string `json:"webhook_url"`
	Secret     string `json:"secret"`
}

// ParseAccount decodes an account detail JSON string.
func ParseAccount(detail string) (*Account, error) {
	var a Account
	if err := json.Unmarshal([]byte(detail), &a); err != nil {
		return nil, fmt.Errorf("decode account detail: %w", err)
	}
	return &a, nil
}

// SendParams is one message to send.
type SendParams struct {
	DTableUUID string
	// To lists email addresses, or usernames for in-app messages. Robot
	// channels ignore it.
	To      []string
	Cc      []string
	ReplyTo string
	Subject string
	Body    string
	// HTML marks an email body as HTML. Robot channels always treat Body as
	// markdown or text.
	HTML bool
	// MsgType is "text" or "markdown" for WeChat.
	MsgType string
	// NotificationType and Detail are the in-app msg_type and payload.
	NotificationType string
	Detail           map[string]any

	Account *Account
}

// DeliveryResult describes one delivery attempt.
type DeliveryResult struct {
	Success      bool
	Recipient    string
	DeliveredAt  *time.Time
	ErrorMessage string
	ErrorCode    string
	IsTransient  bool
	RetryAfter   *time.Duration
	ResponseCode int
	RetryCount   int
}

// Error codes for delivery failures.
const (
	ErrorCodeInvalidConfig     = "INVALID_CONFIG"
	ErrorCodeInvalidRecipient  = "INVALID_RECIPIENT"
	ErrorCodeConnectionFailed  = "CONNECTION_FAILED"
	ErrorCodeAuthFailed        = "AUTH_FAILED"
	ErrorCodeRateLimited       = "RATE_LIMITED"
	ErrorCodeContentTooLarge   = "CONTENT_TOO_LARGE"
	ErrorCodeRecipientNotFound = "RECIPIENT_NOT_FOUND"
	ErrorCodeServerError       = "SERVER_ERROR"
	ErrorCodeTimeout           = "TIMEOUT"
	ErrorCodeUnknown           = "UNKNOWN"
)

func failure(recipient, code, format string, args ...any) *DeliveryResult {
	return &DeliveryResult{
		Recipient:    recipient,
		ErrorMessage: fmt.Sprintf(format, args...),
		ErrorCode:    code,
		IsTransient:  isTransient(code),
	}
}

func success(recipient string) *DeliveryResult {
	now := time.Now()
	return &DeliveryResult{Success: true, Recipient: recipient, DeliveredAt: &now}
}

// ValidateEmail checks an address is roughly name@domain.tld.
func ValidateEmail(email string) error {
	if email == "" {
		return fmt.Errorf("email address is required")
	}
	parts := strings.Split(email, "@")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return fmt.Errorf("invalid email address format: %s", email)
	}
	if !strings.Contains(parts[1], ".") {
		return fmt.Errorf("invalid email domain: %s", parts[1])
	}
	return nil
}

// ValidateWebhookURL checks a robot webhook URL.
func ValidateWebhookURL(rawURL string) error {
	if rawURL == "" {
		return fmt.Errorf("webhook URL is required")
	}
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("invalid webhook URL: %w", err)
	}
	if parsed.Scheme != "https" && parsed.Scheme != "http" {
		return fmt.Errorf("webhook URL must use http or https scheme")
	}
	if parsed.Host == "" {
		return fmt.Errorf("webhook URL must have a host")
	}
	return nil
}

// TruncateContent cuts content to maxLen bytes with an ellipsis, keeping
// UTF-8 sequences whole.
func TruncateContent(content string, maxLen int) string {
	if maxLen <= 0 || len(content) <= maxLen {
		return content
	}
	if maxLen <= 3 {
		return content[:maxLen]
	}
	cut := maxLen - 3
	for cut > 0 && !isRuneStart(content[cut]) {
		cut--
	}
	return content[:cut] + "..."
}

func isRuneStart(b byte) bool {
	return b&0xC0 != 0x80
}

func classifyHTTPError(err error) string {
	errStr := err.Error()
	if strings.Contains(errStr, "timeout") || strings.Contains(errStr, "deadline") {
		return ErrorCodeTimeout
	}
	if strings.Contains(errStr, "connection") || strings.Contains(errStr, "refused") {
		return ErrorCodeConnectionFailed
	}
	return ErrorCodeUnknown
}

func classifyHTTPStatusCode(code int) string {
	switch {
	case code == 401 || code == 403:
		return ErrorCodeAuthFailed
	case code == 404:
		return ErrorCodeRecipientNotFound
	case code == 429:
		return ErrorCodeRateLimited
	case code == 413:
		return ErrorCodeContentTooLarge
	case code >= 500:
		return ErrorCodeServerError
	default:
		return ErrorCodeUnknown
	}
}

func isTransient(code string) bool {
	switch code {
	case ErrorCodeConnectionFailed, ErrorCodeTimeout, ErrorCodeRateLimited, ErrorCodeServerError:
		return true
	default:
		return false
	}
}
