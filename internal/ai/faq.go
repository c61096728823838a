package ai

import (
	"context"
	"fmt"
)

// FAQMatch is the result of the FAQ-matching capability.
type FAQMatch struct {
	IsFAQ             bool    `json:"is_faq"`
	Confidence        float64 `json:"confidence"`
	SuggestedResponse string  `json:"suggested_response"`
	TemplateID        string  `json:"template_id"`
}

// FAQMatcher is the FAQ-matching capability.
type FAQMatcher interface {
	MatchFAQ(ctx context.Context, text, accountID string) (FAQMatch, Usage, error)
}

const faqSystemPrompt = `You decide whether an inbound message to a content creator is a frequently asked question that can be answered with a canned reply (posting schedule, equipment used, how to join the community, business contact address, and similar).

Answer ONLY with a JSON object, no prose, no code fences:
{"is_faq": false, "confidence": 0.0, "suggested_response": "...", "template_id": "..."}

Rules:
- confidence is in [0,1]
- suggested_response is a short friendly canned reply, empty if is_faq is false
- template_id names the FAQ topic (e.g. "schedule", "gear", "contact"), empty if none`

func (c *Client) MatchFAQ(ctx context.Context, text, accountID string) (FAQMatch, Usage, error) {
	user := fmt.Sprintf("account: %s\nmessage: %s", accountID, text)
	var out FAQMatch
	usage, err := c.completeJSON(ctx, faqSystemPrompt, user, 300, &out)
	if err != nil {
		return FAQMatch{}, usage, fmt.Errorf("match faq: %w", err)
	}
	out.Confidence = clamp01(out.Confidence)
	return out, usage, nil
}
