package workflow

import (
	"context"
	"fmt"
	"sync"
	"time"

	"yipyap/internal/ai"
	"yipyap/internal/notify"
	"yipyap/internal/storage"
	"yipyap/pkg/logx"
)

// fakeStore is an in-memory storage.Store for engine tests.
type fakeStore struct {
	mu sync.Mutex

	accounts      map[string]storage.Account
	endpoints     map[string][]storage.Endpoint
	conversations map[string][]storage.Conversation
	messages      map[string][]storage.Message // by conversation
	ownerSince    map[string]bool              // conversation -> owner replied after run start

	executions map[string]storage.Execution
	digests    map[string]storage.Digest
	boundary   map[string]time.Time
	undo       []storage.UndoEntry

	appended  []storage.Message
	archived  map[string]bool
	analysis  map[string]storage.AnalysisUpdate
	faq       map[string]storage.FAQUpdate
	priority  map[string]struct {
		Score      float64
		Tier       string
		NeedsDraft bool
	}
	drafts    map[string]string
	processed map[string]time.Time

	failConversations bool
	failDigest        bool
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		accounts:      map[string]storage.Account{},
		endpoints:     map[string][]storage.Endpoint{},
		conversations: map[string][]storage.Conversation{},
		messages:      map[string][]storage.Message{},
		ownerSince:    map[string]bool{},
		executions:    map[string]storage.Execution{},
		digests:       map[string]storage.Digest{},
		boundary:      map[string]time.Time{},
		archived:      map[string]bool{},
		analysis:      map[string]storage.AnalysisUpdate{},
		faq:           map[string]storage.FAQUpdate{},
		priority: map[string]struct {
			Score      float64
			Tier       string
			NeedsDraft bool
		}{},
		drafts:    map[string]string{},
		processed: map[string]time.Time{},
	}
}

func (s *fakeStore) ListAccounts(context.Context) ([]storage.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []storage.Account
	for _, a := range s.accounts {
		out = append(out, a)
	}
	return out, nil
}

func (s *fakeStore) GetAccount(_ context.Context, id string) (storage.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.accounts[id]
	if !ok {
		return storage.Account{}, storage.ErrNotFound
	}
	return a, nil
}

func (s *fakeStore) Endpoints(_ context.Context, accountID string) ([]storage.Endpoint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.endpoints[accountID], nil
}

func (s *fakeStore) Conversations(_ context.Context, accountID string) ([]storage.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failConversations {
		return nil, fmt.Errorf("conversations unavailable")
	}
	return append([]storage.Conversation(nil), s.conversations[accountID]...), nil
}

func (s *fakeStore) MessagesSince(_ context.Context, conversationID string, since time.Time) ([]storage.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []storage.Message
	for _, m := range s.messages[conversationID] {
		if m.SentAt.After(since) {
			out = append(out, m)
		}
	}
	return out, nil
}

func (s *fakeStore) HasOwnerMessageSince(_ context.Context, conversationID string, _ time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ownerSince[conversationID], nil
}

func (s *fakeStore) AppendMessage(_ context.Context, m storage.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.appended = append(s.appended, m)
	s.messages[m.ConversationID] = append(s.messages[m.ConversationID], m)
	return nil
}

func (s *fakeStore) ArchiveConversation(_ context.Context, _, conversationID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.archived[conversationID] = true
	return nil
}

func (s *fakeStore) SetAnalysis(_ context.Context, messageID string, u storage.AnalysisUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.analysis[messageID] = u
	return nil
}

func (s *fakeStore) SetFAQ(_ context.Context, messageID string, u storage.FAQUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.faq[messageID] = u
	return nil
}

func (s *fakeStore) SetPriority(_ context.Context, messageID string, score float64, tier string, needsDraft bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.priority[messageID] = struct {
		Score      float64
		Tier       string
		NeedsDraft bool
	}{score, tier, needsDraft}
	return nil
}

func (s *fakeStore) SetDraft(_ context.Context, messageID, draft string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.drafts[messageID] = draft
	return nil
}

func (s *fakeStore) MarkProcessed(_ context.Context, messageID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.processed[messageID] = at
	return nil
}

func (s *fakeStore) CreateExecution(_ context.Context, e storage.Execution) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.executions[e.ID] = e
	return nil
}

func (s *fakeStore) FinishExecution(_ context.Context, e storage.Execution) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	prev, ok := s.executions[e.ID]
	if !ok || prev.Status != storage.StatusRunning {
		return fmt.Errorf("execution %s not running", e.ID)
	}
	s.executions[e.ID] = e
	return nil
}

func (s *fakeStore) GetExecution(_ context.Context, id string) (storage.Execution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.executions[id]
	if !ok {
		return storage.Execution{}, storage.ErrNotFound
	}
	return e, nil
}

func (s *fakeStore) UpsertDigest(_ context.Context, d storage.Digest) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failDigest {
		return fmt.Errorf("digest store unavailable")
	}
	s.digests[d.AccountID+"|"+d.DateKey] = d
	return nil
}

func (s *fakeStore) GetDigest(_ context.Context, accountID, dateKey string) (storage.Digest, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.digests[accountID+"|"+dateKey]
	return d, ok, nil
}

func (s *fakeStore) GetBoundaryLimit(_ context.Context, pairKey string) (time.Time, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	at, ok := s.boundary[pairKey]
	return at, ok, nil
}

func (s *fakeStore) PutBoundaryLimit(_ context.Context, pairKey string, sentAt, _ time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.boundary[pairKey] = sentAt
	return nil
}

func (s *fakeStore) PutUndoEntry(_ context.Context, u storage.UndoEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.undo = append(s.undo, u)
	return nil
}

func (s *fakeStore) Close() error { return nil }

// Fake capabilities.

type fakeClassifier struct {
	mu    sync.Mutex
	calls int
	fn    func(text string) (ai.Classification, error)
}

func (f *fakeClassifier) Classify(_ context.Context, text string) (ai.Classification, ai.Usage, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	if f.fn == nil {
		return ai.Classification{Category: ai.CategoryGeneral, Confidence: 0.9, Sentiment: "neutral"}, ai.Usage{PromptTokens: 10, CompletionTokens: 5}, nil
	}
	cl, err := f.fn(text)
	return cl, ai.Usage{PromptTokens: 10, CompletionTokens: 5}, err
}

type fakeScorer struct {
	mu    sync.Mutex
	calls int
	fn    func(text string) (ai.Opportunity, error)
}

func (f *fakeScorer) ScoreOpportunity(_ context.Context, text string) (ai.Opportunity, ai.Usage, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	if f.fn == nil {
		return ai.Opportunity{Score: 50}, ai.Usage{}, nil
	}
	o, err := f.fn(text)
	return o, ai.Usage{}, err
}

type fakeFAQ struct {
	fn func(text string) (ai.FAQMatch, error)
}

func (f *fakeFAQ) MatchFAQ(_ context.Context, text, _ string) (ai.FAQMatch, ai.Usage, error) {
	if f.fn == nil {
		return ai.FAQMatch{}, ai.Usage{}, nil
	}
	m, err := f.fn(text)
	return m, ai.Usage{}, err
}

type fakeDrafter struct {
	fn func(text string) (string, error)
}

func (f *fakeDrafter) DraftReply(_ context.Context, _, text string) (string, ai.Usage, error) {
	if f.fn == nil {
		return "draft: " + text, ai.Usage{}, nil
	}
	d, err := f.fn(text)
	return d, ai.Usage{}, err
}

type fakeDispatcher struct {
	mu   sync.Mutex
	sent []notify.Notification
	err  error
}

func (f *fakeDispatcher) Enqueue(n notify.Notification) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.sent = append(f.sent, n)
	return nil
}

// newTestEngine builds an engine over the fakes with a controllable clock.
func newTestEngine(store *fakeStore, opts Options) (*Engine, *fakeClassifier, *fakeScorer, *fakeFAQ, *fakeDispatcher) {
	cl := &fakeClassifier{}
	sc := &fakeScorer{}
	fq := &fakeFAQ{}
	dr := &fakeDrafter{}
	dp := &fakeDispatcher{}
	e := New(store, cl, sc, fq, dr, dp, nil, logx.Nop(), opts)
	return e, cl, sc, fq, dp
}
