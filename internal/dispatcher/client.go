package dispatcher

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/JakeFAU/seo-scrape-orchestrator/internal/scrape"
)

// ProviderService names the scraping provider in errors and logs.
const ProviderService = "scraping provider"

// DefaultOutputFields are the record fields requested from the provider.
var DefaultOutputFields = []string{
	"url",
	"prompt",
	"answer_text",
	"answer_text_markdown",
	"sources",
	"citations",
	"links_attached",
	"model",
	"country",
	"index",
}

// maxResponseBody bounds how much of a provider response is read.
const maxResponseBody = 64 << 10

// Waiter throttles outbound requests.
type Waiter interface {
	Wait(ctx context.Context, rawURL string) error
}

// ClientConfig configures the trigger client.
type ClientConfig struct {
	Endpoint     string
	DatasetID    string
	Token        string
	TargetURL    string
	OutputFields []string
	Timeout      time.Duration
}

// Client triggers collection runs at the scraping provider over HTTP.
type Client struct {
	cfg        ClientConfig
	httpClient *http.Client
	limiter    Waiter
}

// NewClient builds a Client. httpClient and limiter may be nil.
func NewClient(cfg ClientConfig, httpClient *http.Client, limiter Waiter) (*Client, error) {
	if cfg.Endpoint == "" {
		return nil, errors.New("provider endpoint is required")
	}
	if cfg.DatasetID == "" {
		return nil, errors.New("provider dataset id is required")
	}
	if cfg.Token == "" {
		return nil, errors.New("provider token is required")
	}
	if len(cfg.OutputFields) == 0 {
		cfg.OutputFields = DefaultOutputFields
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.Timeout}
	}
	return &Client{cfg: cfg, httpClient: httpClient, limiter: limiter}, nil
}

type triggerInput struct {
	URL     string `json:"url,omitempty"`
	Prompt  string `json:"prompt"`
	Country string `json:"country"`
	Index   int    `json:"index"`
}

type triggerBody struct {
	Input              []triggerInput `json:"input"`
	CustomOutputFields string         `json:"custom_output_fields"`
}

type triggerResponse struct {
	SnapshotID string `json:"snapshot_id"`
}

// Trigger issues a single trigger request. Non-2xx responses come back as
// *scrape.ExternalServiceError carrying the status code and a bounded body.
func (c *Client) Trigger(ctx context.Context, req scrape.TriggerRequest) (scrape.TriggerResult, error) {
	target, err := c.triggerURL(req.CallbackURL)
	if err != nil {
		return scrape.TriggerResult{}, err
	}
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx, target); err != nil {
			return scrape.TriggerResult{}, fmt.Errorf("wait for provider slot: %w", err)
		}
	}

	country := req.Country
	if country == "" {
		country = scrape.DefaultCountry
	}
	body, err := json.Marshal(triggerBody{
		Input: []triggerInput{{
			URL:     c.cfg.TargetURL,
			Prompt:  req.Prompt,
			Country: country,
			Index:   1,
		}},
		CustomOutputFields: strings.Join(c.cfg.OutputFields, "|"),
	})
	if err != nil {
		return scrape.TriggerResult{}, fmt.Errorf("marshal trigger body: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(body))
	if err != nil {
		return scrape.TriggerResult{}, fmt.Errorf("build trigger request: %w", err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+c.cfg.Token)
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return scrape.TriggerResult{}, scrape.NewExternalServiceError(ProviderService, 0, "", err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	payload, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return scrape.TriggerResult{}, scrape.NewExternalServiceError(ProviderService, resp.StatusCode, "", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return scrape.TriggerResult{}, scrape.NewExternalServiceError(ProviderService, resp.StatusCode, string(payload), nil)
	}

	var decoded triggerResponse
	if len(bytes.TrimSpace(payload)) > 0 {
		// An unparseable body still means the provider accepted the trigger.
		_ = json.Unmarshal(payload, &decoded)
	}
	return scrape.TriggerResult{SnapshotID: strings.TrimSpace(decoded.SnapshotID)}, nil
}

func (c *Client) triggerURL(callback string) (string, error) {
	u, err := url.Parse(c.cfg.Endpoint)
	if err != nil {
		return "", fmt.Errorf("parse provider endpoint: %w", err)
	}
	q := u.Query()
	q.Set("dataset_id", c.cfg.DatasetID)
	q.Set("endpoint", callback)
	q.Set("format", "json")
	q.Set("uncompressed_webhook", "true")
	q.Set("include_errors", "true")
	u.RawQuery = q.Encode()
	return u.String(), nil
}
