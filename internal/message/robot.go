// dtable-events - SeaTable Background Event Processing Service
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/dtable-events

package message

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/goccy/go-json"
)

// Robot API error codes that mean "slow down".
const (
	wechatErrRateLimited   = 45009
	dingtalkErrRateLimited = 130101
)

// robotResponse is the reply shape shared by WeChat Work and DingTalk.
type robotResponse struct {
	ErrCode int    `json:"errcode"`
	ErrMsg  string `json:"errmsg"`
}

// postRobot sends payload to a robot webhook and interprets the reply.
func postRobot(ctx context.Context, client *http.Client, webhookURL string, payload any, rateLimitCode int) *DeliveryResult {
	body, err := json.Marshal(payload)
	if err != nil {
		return failure(webhookURL, ErrorCodeUnknown, "failed to marshal payload: %v", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, webhookURL, bytes.NewReader(body))
	if err != nil {
		return failure(webhookURL, ErrorCodeInvalidConfig, "failed to create request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return failure(webhookURL, classifyHTTPError(err), "failed to send webhook: %v", err)
	}
	defer func() { _ = resp.Body.Close() }()

	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if resp.StatusCode != http.StatusOK {
		res := failure(webhookURL, classifyHTTPStatusCode(resp.StatusCode), "robot webhook returned %d: %s", resp.StatusCode, raw)
		res.ResponseCode = resp.StatusCode
		if resp.StatusCode == http.StatusTooManyRequests {
			if seconds, err := strconv.Atoi(resp.Header.Get("Retry-After")); err == nil {
				d := time.Duration(seconds) * time.Second
				res.RetryAfter = &d
			}
		}
		return res
	}

	var reply robotResponse
	if err := json.Unmarshal(raw, &reply); err != nil {
		return failure(webhookURL, ErrorCodeServerError, "invalid robot response: %s", raw)
	}
	switch reply.ErrCode {
	case 0:
		res := success(webhookURL)
		res.ResponseCode = resp.StatusCode
		return res
	case rateLimitCode:
		return failure(webhookURL, ErrorCodeRateLimited, "robot rate limited: %s", reply.ErrMsg)
	default:
		return failure(webhookURL, ErrorCodeInvalidConfig, "robot error %d: %s", reply.ErrCode, reply.ErrMsg)
	}
}

// WeChatChannel posts to a WeChat Work group robot.
type WeChatChannel struct {
	client *http.Client
}

// NewWeChatChannel creates a WeChat channel.
func NewWeChatChannel(client *http.Client) *WeChatChannel {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &WeChatChannel{client: client}
}

// Name returns the channel identifier.
func (c *WeChatChannel) Name() ChannelName {
	return ChannelWeChat
}

// Validate checks the robot webhook URL.
func (c *WeChatChannel) Validate(account *Account) error {
	if account == nil {
		return fmt.Errorf("wechat account is required")
	}
	return ValidateWebhookURL(account.WebhookURL)
}

// maxWeChatContent is the robot API's byte limit for text and markdown.
const maxWeChatContent = 4096

// Send posts a text or markdown message.
func (c *WeChatChannel) Send(ctx context.Context, params *SendParams) (*DeliveryResult, error) {
	if err := c.Validate(params.Account); err != nil {
		return failure("", ErrorCodeInvalidConfig, "%v", err), nil
	}
	msgType := params.MsgType
	if msgType != "markdown" {
		msgType = "text"
	}
	content := TruncateContent(params.Body, maxWeChatContent)
	payload := map[string]any{
		"msgtype": msgType,
		msgType:   map[string]string{"content": content},
	}
	return postRobot(ctx, c.client, params.Account.WebhookURL, payload, wechatErrRateLimited), nil
}

// DingTalkChannel posts to a DingTalk group robot.
type DingTalkChannel struct {
	client *http.Client
	now    func() time.Time
}

// NewDingTalkChannel creates a DingTalk channel.
func NewDingTalkChannel(client *http.Client) *DingTalkChannel {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &DingTalkChannel{client: client, now: time.Now}
}

// Name returns the channel identifier.
func (c *DingTalkChannel) Name() ChannelName {
	return ChannelDingTalk
}

// Validate checks the robot webhook URL.
func (c *DingTalkChannel) Validate(account *Account) error {
	if account == nil {
		return fmt.Errorf("dingtalk account is required")
	}
	return ValidateWebhookURL(account.WebhookURL)
}

// Send posts a markdown message. Subject becomes the card title.
func (c *DingTalkChannel) Send(ctx context.Context, params *SendParams) (*DeliveryResult, error) {
	if err := c.Validate(params.Account); err != nil {
		return failure("", ErrorCodeInvalidConfig, "%v", err), nil
	}
	title := params.Subject
	if title == "" {
		title = TruncateContent(params.Body, 64)
	}
	payload := map[string]any{
		"msgtype":  "markdown",
		"markdown": map[string]string{"title": title, "text": params.Body},
	}

	target := params.Account.WebhookURL
	if params.Account.Secret != "" {
		var err error
		if target, err = SignDingTalkURL(target, params.Account.Secret, c.now()); err != nil {
			return failure("", ErrorCodeInvalidConfig, "%v", err), nil
		}
	}
	return postRobot(ctx, c.client, target, payload, dingtalkErrRateLimited), nil
}

// SignDingTalkURL appends the timestamp and sign parameters DingTalk
// requires when the robot has a signing secret. The signature is
// base64(HMAC-SHA256(secret, timestamp + "\n" + secret)).
func SignDingTalkURL(webhookURL, secret string, now time.Time) (string, error) {
	u, err := url.Parse(webhookURL)
	if err != nil {
		return "", fmt.Errorf("invalid webhook URL: %w", err)
	}
	timestamp := strconv.FormatInt(now.UnixMilli(), 10)
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(timestamp + "\n" + secret))

	q := u.Query()
	q.Set("timestamp", timestamp)
	q.Set("sign", base64.StdEncoding.EncodeToString(mac.Sum(nil)))
	u.RawQuery = q.Encode()
	return u.String(), nil
}
