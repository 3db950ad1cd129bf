// Package anthropic runs report analysis on Anthropic's Messages API.
package anthropic

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/JakeFAU/seo-scrape-orchestrator/internal/analysis"
	"github.com/JakeFAU/seo-scrape-orchestrator/internal/scrape"
)

// ServiceName labels errors from this backend.
const ServiceName = "anthropic"

// Config configures the analyzer.
type Config struct {
	APIKey    string
	Model     string
	MaxTokens int
	Timeout   time.Duration
	// BaseURL overrides the API origin; tests point it at httptest.
	BaseURL string
}

// Analyzer implements scrape.Analyzer.
type Analyzer struct {
	client    anthropic.Client
	model     string
	maxTokens int64
	timeout   time.Duration
}

// New builds an Analyzer.
func New(cfg Config) (*Analyzer, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("anthropic api key is required")
	}
	if cfg.Model == "" {
		return nil, errors.New("anthropic model is required")
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 4096
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 2 * time.Minute
	}
	opts := []option.RequestOption{
		option.WithAPIKey(cfg.APIKey),
		// Single attempt: a failed analysis is recorded on the job and retried by the user.
		option.WithMaxRetries(0),
	}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	return &Analyzer{
		client:    anthropic.NewClient(opts...),
		model:     cfg.Model,
		maxTokens: int64(cfg.MaxTokens),
		timeout:   cfg.Timeout,
	}, nil
}

// Name identifies the backend in metrics.
func (a *Analyzer) Name() string { return ServiceName }

// Analyze sends the collected records and returns the validated report.
func (a *Analyzer) Analyze(ctx context.Context, input scrape.AnalysisInput) (scrape.Report, error) {
	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	resp, err := a.client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     anthropic.Model(a.model),
		MaxTokens: a.maxTokens,
		System:    []anthropic.TextBlockParam{{Text: analysis.SystemPrompt}},
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(analysis.BuildUserPrompt(input))),
		},
	})
	if err != nil {
		var apiErr *anthropic.Error
		if errors.As(err, &apiErr) {
			return scrape.Report{}, scrape.NewExternalServiceError(ServiceName, apiErr.StatusCode, apiErr.Error(), err)
		}
		return scrape.Report{}, scrape.NewExternalServiceError(ServiceName, 0, "", err)
	}

	var text strings.Builder
	for _, block := range resp.Content {
		if block.Type == "text" {
			text.WriteString(block.Text)
		}
	}
	if text.Len() == 0 {
		return scrape.Report{}, &scrape.ValidationError{Err: errors.New("analysis reply contained no text")}
	}
	report, err := analysis.ParseReport(text.String())
	if err != nil {
		return scrape.Report{}, fmt.Errorf("parse analysis reply: %w", err)
	}
	return report, nil
}
