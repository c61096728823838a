package workflow

import (
	"context"
	"errors"
	"testing"
	"time"

	"yipyap/internal/ai"
	"yipyap/internal/storage"
	"yipyap/pkg/logx"
)

func classifyCandidates(texts ...string) []candidate {
	cands := make([]candidate, len(texts))
	for i, text := range texts {
		cands[i] = candidate{msg: storage.Message{
			ID:             "m" + string(rune('a'+i)),
			ConversationID: "conv-1",
			Text:           text,
			SentAt:         baseTime(),
		}}
	}
	return cands
}

func TestClassifyLowConfidenceForcesGeneral(t *testing.T) {
	t.Parallel()
	store := newFakeStore()
	e, cl, _, _, _ := newTestEngine(store, Options{})
	cl.fn = func(string) (ai.Classification, error) {
		return ai.Classification{Category: ai.CategoryBusiness, Confidence: 0.6}, nil
	}

	rc := newRunContext(testAccount(baseTime()), e.opts, baseTime())
	cands := classifyCandidates("maybe business?")
	e.classifyStage(context.Background(), rc, cands, logx.Nop())

	if got := cands[0].msg.Category; got != ai.CategoryGeneral {
		t.Fatalf("category = %s, want general", got)
	}
	if u := store.analysis["ma"]; u.Category != ai.CategoryGeneral {
		t.Fatalf("persisted category = %s, want general", u.Category)
	}
}

func TestClassifyNegativeSentimentForcesUrgent(t *testing.T) {
	t.Parallel()
	store := newFakeStore()
	e, cl, _, _, _ := newTestEngine(store, Options{})
	cl.fn = func(string) (ai.Classification, error) {
		return ai.Classification{Category: ai.CategoryAppreciation, Confidence: 0.9, SentimentScore: -0.6}, nil
	}

	rc := newRunContext(testAccount(baseTime()), e.opts, baseTime())
	cands := classifyCandidates("this is bad")
	e.classifyStage(context.Background(), rc, cands, logx.Nop())

	if got := cands[0].msg.Category; got != ai.CategoryUrgent {
		t.Fatalf("category = %s, want urgent", got)
	}
	if cands[0].msg.CrisisDetected {
		t.Fatal("crisis flag set at -0.6; threshold is -0.7")
	}
}

func TestClassifyCrisisFlag(t *testing.T) {
	t.Parallel()
	store := newFakeStore()
	e, cl, _, _, _ := newTestEngine(store, Options{})
	cl.fn = func(string) (ai.Classification, error) {
		return ai.Classification{Category: ai.CategoryGeneral, Confidence: 0.9, SentimentScore: -0.8}, nil
	}

	rc := newRunContext(testAccount(baseTime()), e.opts, baseTime())
	cands := classifyCandidates("everything is falling apart")
	e.classifyStage(context.Background(), rc, cands, logx.Nop())

	if !cands[0].msg.CrisisDetected {
		t.Fatal("crisis flag not set at -0.8")
	}
	if got := cands[0].msg.Category; got != ai.CategoryUrgent {
		t.Fatalf("category = %s, want urgent", got)
	}
}

func TestClassifyExhaustedRetriesAreSoft(t *testing.T) {
	t.Parallel()
	store := newFakeStore()
	e, cl, _, _, _ := newTestEngine(store, Options{
		Retry: ai.Policy{Max: 3, Base: time.Millisecond, MaxDelay: 2 * time.Millisecond},
	})
	cl.fn = func(string) (ai.Classification, error) {
		return ai.Classification{}, errors.New("capability down")
	}

	rc := newRunContext(testAccount(baseTime()), e.opts, baseTime())
	cands := classifyCandidates("one", "two")
	e.classifyStage(context.Background(), rc, cands, logx.Nop())

	counters, _, _ := rc.snapshot()
	if counters.ClassifySkips != 2 {
		t.Fatalf("ClassifySkips = %d, want 2", counters.ClassifySkips)
	}
	if counters.Classified != 0 {
		t.Fatalf("Classified = %d, want 0", counters.Classified)
	}
	if cl.calls != 6 {
		t.Fatalf("classifier calls = %d, want 6 (3 attempts x 2 messages)", cl.calls)
	}
}

func TestOpportunityFallbackNeverRaises(t *testing.T) {
	t.Parallel()
	store := newFakeStore()
	e, cl, sc, _, _ := newTestEngine(store, Options{
		Retry: ai.Policy{Max: 4, Base: time.Millisecond, MaxDelay: 2 * time.Millisecond},
	})
	cl.fn = func(string) (ai.Classification, error) {
		return ai.Classification{Category: ai.CategoryBusiness, Confidence: 0.95}, nil
	}
	sc.fn = func(string) (ai.Opportunity, error) {
		return ai.Opportunity{}, errors.New("scorer down")
	}

	rc := newRunContext(testAccount(baseTime()), e.opts, baseTime())
	cands := classifyCandidates("We want to sponsor you, our budget is large and we can collab on a series together")
	e.classifyStage(context.Background(), rc, cands, logx.Nop())

	if sc.calls != 4 {
		t.Fatalf("scorer calls = %d, want 4", sc.calls)
	}
	if cands[0].msg.OpportunityScore == nil {
		t.Fatal("no opportunity score despite rule fallback")
	}
	// sponsorship +40, budget +30, collab +20 → 90 (length bonus needs >100 chars)
	if got := *cands[0].msg.OpportunityScore; got != 90 {
		t.Fatalf("fallback score = %d, want 90", got)
	}
}
