package transport

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gojektech/heimdall/v6"
	"github.com/gojektech/heimdall/v6/httpclient"
	"go.uber.org/zap"
)

// TwilioConfig carries credentials and client tuning for the Twilio
// WhatsApp channel.
type TwilioConfig struct {
	AccountSID string
	AuthToken  string
	FromNumber string
	BaseURL    string
	Timeout    time.Duration
	Retries    int
	RetryWait  time.Duration
}

// Twilio sends WhatsApp messages through the Twilio REST API.
type Twilio struct {
	cfg    TwilioConfig
	client *httpclient.Client
	log    *zap.Logger
}

// NewTwilio builds a Twilio sender with a retrying HTTP client.
func NewTwilio(cfg TwilioConfig, log *zap.Logger) (*Twilio, error) {
	if cfg.AccountSID == "" || cfg.AuthToken == "" {
		return nil, fmt.Errorf("transport: twilio credentials not configured")
	}
	if cfg.FromNumber == "" {
		return nil, fmt.Errorf("transport: twilio from_number not configured")
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.twilio.com"
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	if cfg.Retries <= 0 {
		cfg.Retries = 2
	}
	if cfg.RetryWait <= 0 {
		cfg.RetryWait = 500 * time.Millisecond
	}
	backoff := heimdall.NewConstantBackoff(cfg.RetryWait, 100*time.Millisecond)
	client := httpclient.NewClient(
		httpclient.WithHTTPTimeout(cfg.Timeout),
		httpclient.WithRetryCount(cfg.Retries),
		httpclient.WithRetrier(heimdall.NewRetrier(backoff)),
	)
	return &Twilio{cfg: cfg, client: client, log: log}, nil
}

// Send posts one message to the Twilio Messages endpoint.
func (t *Twilio) Send(ctx context.Context, to, body string) error {
	form := url.Values{}
	form.Set("From", whatsappAddr(t.cfg.FromNumber))
	form.Set("To", whatsappAddr(to))
	form.Set("Body", body)

	endpoint := fmt.Sprintf("%s/2010-04-01/Accounts/%s/Messages.json", t.cfg.BaseURL, t.cfg.AccountSID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("transport: build request: %w", err)
	}
	req.SetBasicAuth(t.cfg.AccountSID, t.cfg.AuthToken)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := t.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrSendFailed, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		t.log.Warn("twilio rejected message",
			zap.Int("status", resp.StatusCode),
			zap.String("to", to),
			zap.String("detail", string(detail)))
		return fmt.Errorf("%w: status %d", ErrSendFailed, resp.StatusCode)
	}
	t.log.Debug("message sent", zap.String("to", to), zap.Int("status", resp.StatusCode))
	return nil
}

// whatsappAddr prefixes a bare E.164 number with the whatsapp scheme
// Twilio expects. Already-prefixed numbers pass through unchanged.
func whatsappAddr(number string) string {
	if strings.HasPrefix(number, "whatsapp:") {
		return number
	}
	return "whatsapp:" + number
}
