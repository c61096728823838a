package ai

import (
	"context"
	"fmt"
)

// Message categories produced by classification.
const (
	CategoryBusiness     = "business_opportunity"
	CategoryUrgent       = "urgent"
	CategoryQuestion     = "question"
	CategoryAppreciation = "appreciation"
	CategorySpam         = "spam"
	CategoryGeneral      = "general"
)

// IsBusinessLike reports whether a category qualifies for opportunity
// scoring.
func IsBusinessLike(category string) bool {
	return category == CategoryBusiness || category == "business"
}

// Classification is the raw result of the text-classification capability.
// Post-processing guards (confidence floor, sentiment overrides) are the
// caller's responsibility.
type Classification struct {
	Category       string   `json:"category"`
	Confidence     float64  `json:"confidence"`
	Sentiment      string   `json:"sentiment"`
	SentimentScore float64  `json:"sentiment_score"`
	EmotionalTone  []string `json:"emotional_tone"`
	Reasoning      string   `json:"reasoning,omitempty"`
}

// Classifier is the text-classification capability. Stateless per call;
// retry/backoff belongs to the caller.
type Classifier interface {
	Classify(ctx context.Context, text string) (Classification, Usage, error)
}

const classifySystemPrompt = `You classify a single inbound message sent to a content creator.

Answer ONLY with a JSON object, no prose, no code fences:
{"category": "...", "confidence": 0.0, "sentiment": "...", "sentiment_score": 0.0, "emotional_tone": ["..."], "reasoning": "..."}

Rules:
- category is one of: business_opportunity, urgent, question, appreciation, spam, general
- confidence is your certainty in [0,1]
- sentiment is one of: positive, neutral, negative
- sentiment_score is in [-1,1] (-1 extremely negative)
- emotional_tone lists up to 3 short tone words`

func (c *Client) Classify(ctx context.Context, text string) (Classification, Usage, error) {
	var out Classification
	usage, err := c.completeJSON(ctx, classifySystemPrompt, text, 300, &out)
	if err != nil {
		return Classification{}, usage, fmt.Errorf("classify: %w", err)
	}
	// Clamp out-of-range model output rather than failing the message.
	out.Confidence = clamp01(out.Confidence)
	if out.SentimentScore < -1 {
		out.SentimentScore = -1
	}
	if out.SentimentScore > 1 {
		out.SentimentScore = 1
	}
	return out, usage, nil
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
