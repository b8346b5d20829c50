// dtable-events - SeaTable Background Event Processing Service
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/dtable-events

package message

import (
	"context"
	"crypto/tls"
	"fmt"
	"mime"
	"net"
	"net/smtp"
	"strings"
	"time"

	"github.com/google/uuid"
)

// EmailChannel sends mail through the SMTP server of an email account.
type EmailChannel struct {
	timeout time.Duration
}

// NewEmailChannel creates an email channel.
func NewEmailChannel(timeout time.Duration) *EmailChannel {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &EmailChannel{timeout: timeout}
}

// Name returns the channel identifier.
func (c *EmailChannel) Name() ChannelName {
	return ChannelEmail
}

// Validate checks the SMTP settings.
func (c *EmailChannel) Validate(account *Account) error {
	if account == nil {
		return fmt.Errorf("SMTP configuration is required")
	}
	if account.EmailHost == "" {
		return fmt.Errorf("SMTP host is required")
	}
	if account.EmailPort <= 0 || account.EmailPort > 65535 {
		return fmt.Errorf("invalid SMTP port: %d", account.EmailPort)
	}
	if err := ValidateEmail(account.from()); err != nil {
		return fmt.Errorf("invalid sender address: %w", err)
	}
	return nil
}

// from is the envelope sender: the explicit sender address, else the login.
func (a *Account) from() string {
	if a.SenderEmail != "" {
		return a.SenderEmail
	}
	return a.HostUser
}

// Send delivers one message to all To and Cc recipients.
func (c *EmailChannel) Send(ctx context.Context, params *SendParams) (*DeliveryResult, error) {
	recipient := strings.Join(params.To, ",")
	if len(params.To) == 0 {
		return failure(recipient, ErrorCodeInvalidRecipient, "no recipients"), nil
	}
	for _, addr := range append(append([]string{}, params.To...), params.Cc...) {
		if err := ValidateEmail(addr); err != nil {
			return failure(recipient, ErrorCodeInvalidRecipient, "%v", err), nil
		}
	}
	if err := c.Validate(params.Account); err != nil {
		return failure(recipient, ErrorCodeInvalidConfig, "%v", err), nil
	}

	msg := buildEmail(params, time.Now())
	if err := c.sendSMTP(ctx, params.Account, append(append([]string{}, params.To...), params.Cc...), msg); err != nil {
		return failure(recipient, classifyEmailError(err), "%v", err), nil
	}
	return success(recipient), nil
}

// buildEmail renders headers and body. Non-ASCII subjects and sender names
// are Q-encoded.
func buildEmail(params *SendParams, now time.Time) string {
	account := params.Account
	var msg strings.Builder

	from := account.from()
	if account.SenderName != "" {
		from = fmt.Sprintf("%s <%s>", mime.QEncoding.Encode("utf-8", account.SenderName), from)
	}
	fmt.Fprintf(&msg, "From: %s\r\n", from)
	fmt.Fprintf(&msg, "To: %s\r\n", strings.Join(params.To, ", "))
	if len(params.Cc) > 0 {
		fmt.Fprintf(&msg, "Cc: %s\r\n", strings.Join(params.Cc, ", "))
	}
	if params.ReplyTo != "" {
		fmt.Fprintf(&msg, "Reply-To: %s\r\n", params.ReplyTo)
	}
	fmt.Fprintf(&msg, "Subject: %s\r\n", mime.QEncoding.Encode("utf-8", params.Subject))
	fmt.Fprintf(&msg, "Date: %s\r\n", now.Format(time.RFC1123Z))
	fmt.Fprintf(&msg, "Message-ID: <%s@dtable-events>\r\n", uuid.New().String())
	msg.WriteString("MIME-Version: 1.0\r\n")
	if params.HTML {
		msg.WriteString("Content-Type: text/html; charset=UTF-8\r\n")
	} else {
		msg.WriteString("Content-Type: text/plain; charset=UTF-8\r\n")
	}
	msg.WriteString("\r\n")
	msg.WriteString(params.Body)
	return msg.String()
}

func (c *EmailChannel) sendSMTP(ctx context.Context, account *Account, to []string, msg string) error {
	addr := net.JoinHostPort(account.EmailHost, fmt.Sprint(account.EmailPort))
	tlsConfig := &tls.Config{ServerName: account.EmailHost, MinVersion: tls.VersionTLS12}

	dialer := &net.Dialer{Timeout: c.timeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to connect to SMTP server: %w", err)
	}
	if account.UseSSL {
		conn = tls.Client(conn, tlsConfig)
	}
	defer func() { _ = conn.Close() }()
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	} else {
		_ = conn.SetDeadline(time.Now().Add(c.timeout))
	}

	client, err := smtp.NewClient(conn, account.EmailHost)
	if err != nil {
		return fmt.Errorf("failed to create SMTP client: %w", err)
	}
	defer func() { _ = client.Close() }()

	if !account.UseSSL {
		if ok, _ := client.Extension("STARTTLS"); ok {
			if err := client.StartTLS(tlsConfig); err != nil {
				return fmt.Errorf("failed to start TLS: %w", err)
			}
		}
	}

	if account.HostUser != "" && account.Password != "" {
		auth := smtp.PlainAuth("", account.HostUser, account.Password, account.EmailHost)
		if err := client.Auth(auth); err != nil {
			return fmt.Errorf("SMTP authentication failed: %w", err)
		}
	}

	if err := client.Mail(account.from()); err != nil {
		return fmt.Errorf("failed to set sender: %w", err)
	}
	for _, rcpt := range to {
		if err := client.Rcpt(rcpt); err != nil {
			return fmt.Errorf("failed to set recipient %s: %w", rcpt, err)
		}
	}

	writer, err := client.Data()
	if err != nil {
		return fmt.Errorf("failed to start message: %w", err)
	}
	if _, err := writer.Write([]byte(msg)); err != nil {
		return fmt.Errorf("failed to write message: %w", err)
	}
	if err := writer.Close(); err != nil {
		return fmt.Errorf("failed to close message: %w", err)
	}
	_ = client.Quit()
	return nil
}

func classifyEmailError(err error) string {
	errStr := err.Error()
	switch {
	case strings.Contains(errStr, "authentication"):
		return ErrorCodeAuthFailed
	case strings.Contains(errStr, "connect"):
		return ErrorCodeConnectionFailed
	case strings.Contains(errStr, "timeout"), strings.Contains(errStr, "deadline"):
		return ErrorCodeTimeout
	case strings.Contains(errStr, "recipient"), strings.Contains(errStr, "mailbox"):
		return ErrorCodeRecipientNotFound
	case strings.Contains(errStr, "too large"):
		return ErrorCodeContentTooLarge
	default:
		return ErrorCodeUnknown
	}
}
