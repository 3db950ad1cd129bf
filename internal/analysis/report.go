// Package analysis defines the contract between the orchestrator and the
// analysis backends: how the prompt is built and how a backend's answer is
// turned into a validated report.
package analysis

import (
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"

	"github.com/JakeFAU/seo-scrape-orchestrator/internal/scrape"
)

var (
	validate     *validator.Validate
	validateOnce sync.Once
)

func validatorInstance() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New(validator.WithRequiredStructEnabled())
		validate.RegisterTagNameFunc(func(field reflect.StructField) string {
			name := strings.SplitN(field.Tag.Get("json"), ",", 2)[0]
			if name == "-" {
				return ""
			}
			return name
		})
	})
	return validate
}

// Validate checks a report against its structural rules. Failures come back
// as *scrape.ValidationError listing the offending fields.
func Validate(report scrape.Report) error {
	err := validatorInstance().Struct(report)
	if err == nil {
		return nil
	}
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return &scrape.ValidationError{Err: err}
	}
	fields := make([]string, 0, len(fieldErrs))
	for _, fe := range fieldErrs {
		// Namespace is "Report.meta.entity_name"; drop the root type.
		ns := fe.Namespace()
		if idx := strings.IndexByte(ns, '.'); idx >= 0 {
			ns = ns[idx+1:]
		}
		fields = append(fields, ns)
	}
	return &scrape.ValidationError{Fields: fields, Err: err}
}

// ParseReport extracts the JSON report from a backend reply, tolerating
// markdown code fences and surrounding prose, then validates it.
func ParseReport(text string) (scrape.Report, error) {
	body := extractJSONObject(text)
	if body == "" {
		return scrape.Report{}, &scrape.ValidationError{Err: errors.New("no JSON object in analysis output")}
	}
	var report scrape.Report
	if err := json.Unmarshal([]byte(body), &report); err != nil {
		return scrape.Report{}, &scrape.ValidationError{Err: fmt.Errorf("decode report: %w", err)}
	}
	if err := Validate(report); err != nil {
		return scrape.Report{}, err
	}
	return report, nil
}

func extractJSONObject(text string) string {
	start := strings.IndexByte(text, '{')
	end := strings.LastIndexByte(text, '}')
	if start < 0 || end <= start {
		return ""
	}
	return text[start : end+1]
}
