// Package whatsapp sends template messages through the WhatsApp Cloud API.
//
// Client.Send performs exactly one HTTP call per recipient and always
// returns a broadcast.Outcome; transport, encoding and provider errors are
// folded into broadcast.Failed so one bad recipient never aborts a batch.
package whatsapp

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"broadcast-dispatcher/pkg/broadcast"
)

const (
	DefaultBaseURL    = "https://graph.facebook.com"
	DefaultAPIVersion = "v23.0"
	DefaultTimeout    = 20 * time.Second

	maxErrorBody = 4 << 10
)

// ErrNoMessageID is reported when the provider accepts a request but does
// not return a message id to correlate delivery receipts with.
var ErrNoMessageID = errors.New("no message id returned")

type Config struct {
	BaseURL    string
	APIVersion string
	Timeout    time.Duration
}

type Client struct {
	http       *http.Client
	baseURL    string
	apiVersion string
}

func NewClient(cfg Config) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.APIVersion == "" {
		cfg.APIVersion = DefaultAPIVersion
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.MaxIdleConnsPerHost = 200
	return &Client{
		http:       &http.Client{Timeout: cfg.Timeout, Transport: transport},
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		apiVersion: cfg.APIVersion,
	}
}

type language struct {
	Code string `json:"code"`
}

type template struct {
	Name       string      `json:"name"`
	Language   language    `json:"language"`
	Components []Component `json:"components,omitempty"`
}

// MessageRequest is the body of a template send.
type MessageRequest struct {
	MessagingProduct string   `json:"messaging_product"`
	RecipientType    string   `json:"recipient_type"`
	To               string   `json:"to"`
	Type             string   `json:"type"`
	Template         template `json:"template"`
}

type messageResponse struct {
	Messages []struct {
		ID string `json:"id"`
	} `json:"messages"`
}

// APIError is the "error" object the Graph API returns on failure.
type APIError struct {
	Message      string `json:"message"`
	Type         string `json:"type"`
	Code         int    `json:"code"`
	UserTitle    string `json:"error_user_title"`
	UserMessage  string `json:"error_user_msg"`
	FBTraceID    string `json:"fbtrace_id"`
	ErrorSubcode int    `json:"error_subcode"`
}

func (e APIError) Describe() string {
	msg := e.Message
	if e.UserTitle != "" {
		msg = e.UserTitle + ": " + e.UserMessage
	}
	if msg == "" {
		msg = "unknown provider error"
	}
	if e.Code != 0 {
		msg += fmt.Sprintf(" (Code: %d)", e.Code)
	}
	return msg
}

// NewMessageRequest builds the provider payload for one recipient.
func NewMessageRequest(job broadcast.JobConfig, r broadcast.Recipient) MessageRequest {
	return MessageRequest{
		MessagingProduct: "whatsapp",
		RecipientType:    "individual",
		To:               r.Phone,
		Type:             "template",
		Template: template{
			Name:       job.TemplateName,
			Language:   language{Code: job.LanguageCode()},
			Components: BuildComponents(job, r),
		},
	}
}

// Send delivers one template message to r.
func (c *Client) Send(ctx context.Context, job broadcast.JobConfig, r broadcast.Recipient) broadcast.Outcome {
	if r.Phone == "" {
		return broadcast.Failed{Reason: "recipient has no phone number"}
	}

	body, err := json.Marshal(NewMessageRequest(job, r))
	if err != nil {
		return broadcast.Failed{Reason: fmt.Sprintf("encode request: %v", err)}
	}

	url := fmt.Sprintf("%s/%s/%s/messages", c.baseURL, c.apiVersion, job.PhoneNumberID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return broadcast.Failed{Reason: fmt.Sprintf("build request: %v", err)}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+job.AccessToken)

	resp, err := c.http.Do(req)
	if err != nil {
		return broadcast.Failed{Reason: fmt.Sprintf("send request: %v", err)}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return broadcast.Failed{StatusCode: resp.StatusCode, Reason: fmt.Sprintf("read response: %v", err)}
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return broadcast.Failed{StatusCode: resp.StatusCode, Reason: errorReason(resp.StatusCode, raw)}
	}

	var out messageResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return broadcast.Failed{StatusCode: resp.StatusCode, Reason: fmt.Sprintf("decode response: %v", err)}
	}
	if len(out.Messages) == 0 || out.Messages[0].ID == "" {
		return broadcast.Failed{
			StatusCode: resp.StatusCode,
			Reason:     fmt.Sprintf("%v: %s", ErrNoMessageID, truncate(raw)),
		}
	}
	return broadcast.Sent{MessageID: out.Messages[0].ID}
}

func errorReason(status int, raw []byte) string {
	var env struct {
		Error *APIError `json:"error"`
	}
	if err := json.Unmarshal(raw, &env); err == nil && env.Error != nil {
		return fmt.Sprintf("provider error %d: %s", status, broadcast.CleanText(env.Error.Describe(), maxErrorBody))
	}
	if len(bytes.TrimSpace(raw)) == 0 {
		return fmt.Sprintf("provider error %d: %s", status, http.StatusText(status))
	}
	return fmt.Sprintf("provider error %d: %s", status, truncate(raw))
}

// truncate renders a response body for an error message. The result is
// valid UTF-8 without NUL bytes and never splits a rune.
func truncate(raw []byte) string {
	return broadcast.CleanText(string(raw), maxErrorBody)
}
