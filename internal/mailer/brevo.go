package mailer

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

	"github.com/saborly/apiserver/config"
)

const brevoAPIURL = "https://api.brevo.com/v3/smtp/email"

// BrevoClient sends email through the Brevo transactional API.
type BrevoClient struct {
	apiKey     string
	fromEmail  string
	fromName   string
	endpoint   string
	httpClient *http.Client
}

func NewBrevoClient(cfg config.MailConfig) (*BrevoClient, error) {
	if strings.TrimSpace(cfg.BrevoAPIKey) == "" {
		return nil, errors.New("brevo api key is required")
	}
	if strings.TrimSpace(cfg.FromEmail) == "" {
		return nil, errors.New("mail sender address is required")
	}

	timeout := cfg.SendTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &BrevoClient{
		apiKey:     cfg.BrevoAPIKey,
		fromEmail:  cfg.FromEmail,
		fromName:   cfg.FromName,
		endpoint:   brevoAPIURL,
		httpClient: &http.Client{Timeout: timeout},
	}, nil
}

// WithEndpoint points the client at a different API URL.
func (c *BrevoClient) WithEndpoint(endpoint string) *BrevoClient {
	c.endpoint = endpoint
	return c
}

type brevoAddress struct {
	Email string `json:"email"`
	Name  string `json:"name,omitempty"`
}

type brevoSendRequest struct {
	Sender      brevoAddress      `json:"sender"`
	To          []brevoAddress    `json:"to"`
	Subject     string            `json:"subject"`
	HTMLContent string            `json:"htmlContent"`
	Tags        []string          `json:"tags,omitempty"`
	Headers     map[string]string `json:"headers,omitempty"`
}

func (c *BrevoClient) Send(ctx context.Context, email Email) error {
	if email.To == "" || email.Subject == "" || email.HTML == "" {
		return errors.New("recipient, subject and html content are required")
	}

	body, err := json.Marshal(brevoSendRequest{
		Sender:      brevoAddress{Email: c.fromEmail, Name: c.fromName},
		To:          []brevoAddress{{Email: email.To}},
		Subject:     email.Subject,
		HTMLContent: email.HTML,
		Tags:        []string{string(email.Kind)},
	})
	if err != nil {
		return fmt.Errorf("marshal brevo request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build brevo request: %w", err)
	}
	req.Header.Set("api-key", c.apiKey)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("brevo request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
		return fmt.Errorf("brevo api error: status %d: %s", resp.StatusCode, strings.TrimSpace(string(detail)))
	}
	return nil
}
