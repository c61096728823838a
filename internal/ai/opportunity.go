package ai

import (
	"context"
	"fmt"
	"strings"
)

// Opportunity is the result of the opportunity-scoring capability.
type Opportunity struct {
	Score      int      `json:"score"` // 0..100
	Type       string   `json:"type"`
	Indicators []string `json:"indicators"`
	Analysis   string   `json:"analysis,omitempty"`
}

// OpportunityScorer is the opportunity-scoring capability. Callers must
// supply a fallback when it is unavailable; RuleScore is the deterministic
// one used by the pipeline.
type OpportunityScorer interface {
	ScoreOpportunity(ctx context.Context, text string) (Opportunity, Usage, error)
}

const opportunitySystemPrompt = `You estimate the commercial value of a business inquiry sent to a content creator.

Answer ONLY with a JSON object, no prose, no code fences:
{"score": 0, "type": "...", "indicators": ["..."], "analysis": "..."}

Rules:
- score is an integer in [0,100]; 100 = clearly lucrative, concrete offer
- type is one of: sponsorship, collaboration, sales, press, other
- indicators lists the phrases that drove the score`

func (c *Client) ScoreOpportunity(ctx context.Context, text string) (Opportunity, Usage, error) {
	var out Opportunity
	usage, err := c.completeJSON(ctx, opportunitySystemPrompt, text, 300, &out)
	if err != nil {
		return Opportunity{}, usage, fmt.Errorf("score opportunity: %w", err)
	}
	if out.Score < 0 {
		out.Score = 0
	}
	if out.Score > 100 {
		out.Score = 100
	}
	return out, usage, nil
}

var (
	sponsorshipKeywords   = []string{"sponsor", "sponsorship", "brand deal", "partnership", "ambassador"}
	budgetKeywords        = []string{"budget", "payment", "paid", "compensation", "rate", "fee", "invoice"}
	collaborationKeywords = []string{"collab", "collaboration", "work together", "joint", "feature"}
)

// RuleScore is the deterministic fallback opportunity scorer used when the
// capability exhausts its retries. It never fails.
//
// Weights: +40 sponsorship terms, +30 budget/payment terms, +20
// collaboration terms, +10 substantial length without excessive
// punctuation; capped at 100; 50 when no signal fires.
func RuleScore(text string) Opportunity {
	lower := strings.ToLower(text)

	score := 0
	var indicators []string
	if containsAny(lower, sponsorshipKeywords) {
		score += 40
		indicators = append(indicators, "sponsorship")
	}
	if containsAny(lower, budgetKeywords) {
		score += 30
		indicators = append(indicators, "budget")
	}
	if containsAny(lower, collaborationKeywords) {
		score += 20
		indicators = append(indicators, "collaboration")
	}
	if len(text) > 100 && !excessivePunctuation(text) {
		score += 10
		indicators = append(indicators, "substantive")
	}
	if score == 0 {
		score = 50
	}
	if score > 100 {
		score = 100
	}
	return Opportunity{Score: score, Type: "other", Indicators: indicators, Analysis: "rule-based fallback"}
}

func containsAny(s string, keys []string) bool {
	for _, k := range keys {
		if strings.Contains(s, k) {
			return true
		}
	}
	return false
}

func excessivePunctuation(s string) bool {
	n := 0
	for _, r := range s {
		switch r {
		case '!', '?':
			n++
		}
	}
	return n > 5
}
