// Package mock provides an offline analyzer for local runs and tests.
package mock

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/JakeFAU/seo-scrape-orchestrator/internal/analysis"
	"github.com/JakeFAU/seo-scrape-orchestrator/internal/scrape"
)

// Analyzer satisfies scrape.Analyzer. With AnalyzeFunc unset it derives a
// small report from the collected records.
type Analyzer struct {
	AnalyzeFunc func(ctx context.Context, input scrape.AnalysisInput) (scrape.Report, error)
}

// New returns an Analyzer with the default behavior.
func New() *Analyzer {
	return &Analyzer{}
}

// NewFailing returns an Analyzer that always returns err.
func NewFailing(err error) *Analyzer {
	return &Analyzer{
		AnalyzeFunc: func(context.Context, scrape.AnalysisInput) (scrape.Report, error) {
			return scrape.Report{}, err
		},
	}
}

// NewBlocking returns an Analyzer that waits for release (or ctx) before
// producing the default report.
func NewBlocking(release <-chan struct{}) *Analyzer {
	return &Analyzer{
		AnalyzeFunc: func(ctx context.Context, input scrape.AnalysisInput) (scrape.Report, error) {
			select {
			case <-release:
			case <-ctx.Done():
				return scrape.Report{}, ctx.Err()
			}
			return summarize(input)
		},
	}
}

// Name identifies the backend in metrics.
func (a *Analyzer) Name() string { return "mock" }

// Analyze returns the configured or derived report.
func (a *Analyzer) Analyze(ctx context.Context, input scrape.AnalysisInput) (scrape.Report, error) {
	if a.AnalyzeFunc != nil {
		return a.AnalyzeFunc(ctx, input)
	}
	return summarize(input)
}

type record struct {
	URL        string `json:"url"`
	AnswerText string `json:"answer_text"`
	Sources    []struct {
		Title string `json:"title"`
		URL   string `json:"url"`
	} `json:"sources"`
}

func summarize(input scrape.AnalysisInput) (scrape.Report, error) {
	sources := make([]scrape.ReportSource, 0)
	seen := make(map[string]bool)
	add := func(title, url string) {
		if url == "" || seen[url] {
			return
		}
		seen[url] = true
		sources = append(sources, scrape.ReportSource{Title: title, URL: url})
	}
	var answers []string
	for _, raw := range input.RawResults {
		var rec record
		if err := json.Unmarshal(raw, &rec); err != nil {
			continue
		}
		add(rec.URL, rec.URL)
		for _, s := range rec.Sources {
			add(s.Title, s.URL)
		}
		if rec.AnswerText != "" {
			answers = append(answers, rec.AnswerText)
		}
	}
	entity := strings.TrimSpace(input.Prompt)
	if entity == "" {
		entity = "unknown"
	}
	report := scrape.Report{
		Meta: scrape.ReportMeta{
			EntityName:       entity,
			EntityType:       "unknown",
			DataSourcesCount: len(sources),
			ConfidenceScore:  0.5,
		},
		Summary: fmt.Sprintf("%d records collected. %s", len(input.RawResults), strings.Join(answers, " ")),
		Sources: sources,
	}
	if err := analysis.Validate(report); err != nil {
		return scrape.Report{}, err
	}
	return report, nil
}

var _ scrape.Analyzer = (*Analyzer)(nil)
