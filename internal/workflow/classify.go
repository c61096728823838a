package workflow

import (
	"context"

	"yipyap/internal/ai"
	"yipyap/internal/storage"
	"yipyap/pkg/logx"
)

// classifyStage classifies each candidate and, for business-like categories,
// obtains an opportunity score. All failures here are soft: a message whose
// calls exhaust their retries keeps its zero classification and the run
// moves on.
func (e *Engine) classifyStage(ctx context.Context, rc *runContext, cands []candidate, log logx.Logger) {
	runBatches(ctx, len(cands), rc.opts.BatchSize, func(ctx context.Context, i int) error {
		c := &cands[i]

		var cl ai.Classification
		err := rc.opts.Retry.Do(ctx, func(ctx context.Context) error {
			res, usage, err := e.classify.Classify(ctx, c.msg.Text)
			rc.addUsage(usage)
			if err != nil {
				return err
			}
			cl = res
			return nil
		})
		if err != nil {
			rc.bump(func(c *storage.Counters) { c.ClassifySkips++ })
			log.Warn("classification skipped after retries",
				logx.String("message", c.msg.ID), logx.Err(err))
			return nil
		}

		// Low-confidence answers are not trusted with a specific category.
		if cl.Confidence < rc.opts.ConfidenceWall {
			cl.Category = ai.CategoryGeneral
		}
		// Strongly negative sentiment overrides everything else.
		if cl.SentimentScore < -0.5 {
			cl.Category = ai.CategoryUrgent
		}
		crisis := cl.SentimentScore < -0.7

		c.msg.Category = cl.Category
		c.msg.Confidence = cl.Confidence
		c.msg.Sentiment = cl.Sentiment
		c.msg.SentimentScore = cl.SentimentScore
		c.msg.EmotionalTone = cl.EmotionalTone
		c.msg.CrisisDetected = crisis

		if ai.IsBusinessLike(cl.Category) {
			c.msg.OpportunityScore = intPtr(e.scoreOpportunity(ctx, rc, c.msg.Text, log))
		}

		if err := e.store.SetAnalysis(ctx, c.msg.ID, storage.AnalysisUpdate{
			Category:         c.msg.Category,
			Confidence:       c.msg.Confidence,
			Sentiment:        c.msg.Sentiment,
			SentimentScore:   c.msg.SentimentScore,
			EmotionalTone:    c.msg.EmotionalTone,
			CrisisDetected:   c.msg.CrisisDetected,
			OpportunityScore: c.msg.OpportunityScore,
		}); err != nil {
			log.Warn("analysis write-back failed", logx.String("message", c.msg.ID), logx.Err(err))
		}

		rc.bump(func(c *storage.Counters) { c.Classified++ })
		return nil
	}, nil)
}

// scoreOpportunity calls the opportunity capability with retries and falls
// back to the deterministic rule scorer when it stays unavailable. It never
// fails.
func (e *Engine) scoreOpportunity(ctx context.Context, rc *runContext, text string, log logx.Logger) int {
	var opp ai.Opportunity
	err := rc.opts.Retry.Do(ctx, func(ctx context.Context) error {
		res, usage, err := e.scorer.ScoreOpportunity(ctx, text)
		rc.addUsage(usage)
		if err != nil {
			return err
		}
		opp = res
		return nil
	})
	if err != nil {
		log.Debug("opportunity scorer unavailable, using rule fallback", logx.Err(err))
		opp = ai.RuleScore(text)
	}
	return opp.Score
}

func intPtr(v int) *int { return &v }
