// Package moderation screens prompt and completion text before it crosses
// the gateway boundary. A filter combines exact blocked terms, blocked
// regular expressions, and a pluggable category classifier with per-category
// thresholds.
package moderation

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/modelrelay/modelrelay/internal/config"
	"github.com/modelrelay/modelrelay/pkg/models"
)

// Classifier scores text against harm categories. Scores are in [0, 1].
type Classifier interface {
	Classify(ctx context.Context, text string) (map[string]float64, error)
}

// pattern keeps the configured source alongside its compiled form so
// violation reasons report what the operator wrote.
type pattern struct {
	source string
	re     *regexp.Regexp
}

// Filter evaluates text against the configured policy. A zero-value Filter
// allows everything.
type Filter struct {
	enabled           bool
	filterPrompts     bool
	filterCompletions bool
	blockedTerms      []string
	blockedPatterns   []pattern
	thresholds        map[string]float64
	classifier        Classifier
}

// New builds a Filter from configuration. Invalid patterns are rejected.
// Patterns match case-insensitively, like terms.
func New(cfg config.FilterConfig, classifier Classifier) (*Filter, error) {
	patterns := make([]pattern, 0, len(cfg.BlockedPatterns))
	for _, p := range cfg.BlockedPatterns {
		re, err := regexp.Compile("(?i)" + p)
		if err != nil {
			return nil, fmt.Errorf("compile blocked pattern %q: %w", p, err)
		}
		patterns = append(patterns, pattern{source: p, re: re})
	}
	terms := make([]string, 0, len(cfg.BlockedTerms))
	for _, t := range cfg.BlockedTerms {
		if t = strings.TrimSpace(t); t != "" {
			terms = append(terms, strings.ToLower(t))
		}
	}
	return &Filter{
		enabled:           cfg.Enabled,
		filterPrompts:     cfg.FilterPrompts,
		filterCompletions: cfg.FilterCompletions,
		blockedTerms:      terms,
		blockedPatterns:   patterns,
		thresholds:        cfg.CategoryThresholds,
		classifier:        classifier,
	}, nil
}

// FilterPrompts reports whether request-side screening is active.
func (f *Filter) FilterPrompts() bool { return f.enabled && f.filterPrompts }

// FilterCompletions reports whether response-side screening is active.
func (f *Filter) FilterCompletions() bool { return f.enabled && f.filterCompletions }

// Check evaluates a single text against the policy. Term and pattern checks
// run first; the classifier runs only when both pass. Classifier failures
// fail open with a warning.
func (f *Filter) Check(ctx context.Context, text string) models.FilterResult {
	if !f.enabled {
		return models.FilterResult{Allowed: true}
	}

	lower := strings.ToLower(text)
	for _, term := range f.blockedTerms {
		if strings.Contains(lower, term) {
			return models.FilterResult{
				Allowed: false,
				Reason:  "blocked_term:" + term,
			}
		}
	}
	for _, p := range f.blockedPatterns {
		if p.re.MatchString(text) {
			return models.FilterResult{
				Allowed: false,
				Reason:  "blocked_pattern:" + p.source,
			}
		}
	}

	if f.classifier == nil || len(f.thresholds) == 0 {
		return models.FilterResult{Allowed: true}
	}

	scores, err := f.classifier.Classify(ctx, text)
	if err != nil {
		log.Warn().Err(err).Msg("Content classifier failed, allowing text")
		return models.FilterResult{Allowed: true}
	}

	var violated []string
	for category, score := range scores {
		threshold, ok := f.thresholds[category]
		if ok && score >= threshold {
			violated = append(violated, category)
		}
	}
	if len(violated) > 0 {
		return models.FilterResult{
			Allowed:    false,
			Reason:     "category_threshold",
			Categories: violated,
			Scores:     scores,
		}
	}
	return models.FilterResult{Allowed: true, Scores: scores}
}

// FilterContent evaluates arbitrary content. JSON that decodes as a
// completion request is screened message by message; anything else is
// treated as plain text.
func (f *Filter) FilterContent(ctx context.Context, s string) models.FilterResult {
	var req models.CompletionRequest
	if err := json.Unmarshal([]byte(s), &req); err == nil && len(req.Messages) > 0 {
		return f.CheckMessages(ctx, req.Messages)
	}
	return f.Check(ctx, s)
}

// CheckMessages evaluates every message in a completion request and returns
// the first violation found.
func (f *Filter) CheckMessages(ctx context.Context, msgs []models.Message) models.FilterResult {
	for _, m := range msgs {
		if m.Content == "" {
			continue
		}
		if res := f.Check(ctx, m.Content); !res.Allowed {
			return res
		}
	}
	return models.FilterResult{Allowed: true}
}

// CheckResponse evaluates every choice of a completion response.
func (f *Filter) CheckResponse(ctx context.Context, resp *models.CompletionResponse) models.FilterResult {
	for _, c := range resp.Choices {
		if c.Message == nil || c.Message.Content == "" {
			continue
		}
		if res := f.Check(ctx, c.Message.Content); !res.Allowed {
			return res
		}
	}
	return models.FilterResult{Allowed: true}
}
