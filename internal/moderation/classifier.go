package moderation

import (
	"context"
	"strings"

	"github.com/modelrelay/modelrelay/pkg/models"
)

// KeywordClassifier is a lightweight lexical classifier: each category
// carries a keyword list, and the score is proportional to the number of
// distinct keywords present, clamped to 1. It exists so deployments without
// an external moderation model still get category scoring.
type KeywordClassifier struct {
	keywords map[string][]string
}

// NewKeywordClassifier creates a classifier with the built-in keyword sets.
func NewKeywordClassifier() *KeywordClassifier {
	return &KeywordClassifier{
		keywords: map[string][]string{
			models.CategoryHate:       {"hate", "slur", "bigot"},
			models.CategoryHarassment: {"harass", "bully", "threaten"},
			models.CategorySelfHarm:   {"suicide", "self-harm", "self harm"},
			models.CategorySexual:     {"explicit", "nsfw"},
			models.CategoryViolence:   {"kill", "attack", "weapon", "bomb"},
		},
	}
}

// Classify scores text per category as 0.2 x distinct keyword matches,
// capped at 1.0.
func (c *KeywordClassifier) Classify(_ context.Context, text string) (map[string]float64, error) {
	lower := strings.ToLower(text)
	scores := make(map[string]float64, len(c.keywords))
	for category, words := range c.keywords {
		matches := 0
		for _, w := range words {
			if strings.Contains(lower, w) {
				matches++
			}
		}
		score := 0.2 * float64(matches)
		if score > 1.0 {
			score = 1.0
		}
		scores[category] = score
	}
	return scores, nil
}
