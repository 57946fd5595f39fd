package sms

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"example.com/safewalk/internal/retry"
)

// ErrNotConfigured is returned when Twilio credentials are absent.
var ErrNotConfigured = errors.New("twilio credentials are not configured")

// Sender dispatches a single text message and reports the provider message ID.
type Sender interface {
	Send(ctx context.Context, to, body string) (string, error)
}

// TwilioConfig holds provider credentials.
type TwilioConfig struct {
	AccountSID string
	AuthToken  string
	FromNumber string
}

// Configured reports whether all credential fields are present.
func (c TwilioConfig) Configured() bool {
	return c.AccountSID != "" && c.AuthToken != "" && c.FromNumber != ""
}

// TwilioClient sends messages through the Twilio REST API, retrying
// transient provider failures with backoff.
type TwilioClient struct {
	cfg        TwilioConfig
	baseURL    string
	httpClient *http.Client
	retryOpts  retry.Options
}

// NewTwilioClient constructs a client with sane defaults.
func NewTwilioClient(cfg TwilioConfig) *TwilioClient {
	return &TwilioClient{
		cfg:     cfg,
		baseURL: "https://api.twilio.com",
		httpClient: &http.Client{
			Timeout: 15 * time.Second,
		},
		retryOpts: retry.Options{},
	}
}

// WithBaseURL points the client at a different endpoint. Tests only.
func (c *TwilioClient) WithBaseURL(base string) *TwilioClient {
	c.baseURL = strings.TrimSuffix(base, "/")
	return c
}

// Send delivers one SMS and returns the Twilio message SID.
func (c *TwilioClient) Send(ctx context.Context, to, body string) (string, error) {
	if !c.cfg.Configured() {
		return "", ErrNotConfigured
	}
	if err := ValidatePhone(to); err != nil {
		return "", err
	}

	result := retry.Do(ctx, func(ctx context.Context) (string, error) {
		return c.post(ctx, to, body)
	}, c.retryOpts)
	return result.Value()
}

func (c *TwilioClient) post(ctx context.Context, to, body string) (string, error) {
	form := url.Values{}
	form.Set("To", NormalizePhone(to))
	form.Set("From", c.cfg.FromNumber)
	form.Set("Body", body)

	endpoint := fmt.Sprintf("%s/2010-04-01/Accounts/%s/Messages.json", c.baseURL, c.cfg.AccountSID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return "", err
	}
	req.SetBasicAuth(c.cfg.AccountSID, c.cfg.AuthToken)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(resp.Body)
	if resp.StatusCode >= 300 {
		return "", &retry.HTTPError{Status: resp.StatusCode, Body: strings.TrimSpace(string(raw))}
	}

	var payload struct {
		SID string `json:"sid"`
	}
	if err := json.Unmarshal(raw, &payload); err != nil {
		return "", fmt.Errorf("decode twilio response: %w", err)
	}
	return payload.SID, nil
}
