package ai

import (
	"context"
	"fmt"
)

// Drafter produces a suggested reply for a digest-selected message. Drafts
// are stored for human review, never sent automatically.
type Drafter interface {
	DraftReply(ctx context.Context, creatorName, text string) (string, Usage, error)
}

const draftSystemPrompt = `You draft a short reply on behalf of a content creator to an inbound message. Write in first person as the creator, friendly and concise (2-4 sentences). Do not promise specific amounts, dates or commitments. Answer with the reply text only.`

func (c *Client) DraftReply(ctx context.Context, creatorName, text string) (string, Usage, error) {
	user := fmt.Sprintf("creator: %s\nmessage: %s", creatorName, text)
	draft, usage, err := c.complete(ctx, draftSystemPrompt, user, 300)
	if err != nil {
		return "", usage, fmt.Errorf("draft reply: %w", err)
	}
	return draft, usage, nil
}
