package capture

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/huytu0702/moniagent-sub000/category"
	"github.com/huytu0702/moniagent-sub000/graph"
	"github.com/huytu0702/moniagent-sub000/graph/store"
)

var testCategories = []category.Category{
	{ID: "food", Name: "Food & Dining"},
	{ID: "transport", Name: "Transportation & Travel"},
	{ID: "groceries", Name: "Groceries"},
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 5, 15, 18, 30, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type extractFunc func(ctx context.Context, req ExtractRequest) (Candidate, error)

type fakeExtractor struct {
	mu    sync.Mutex
	fn    extractFunc
	calls []ExtractRequest
}

func (f *fakeExtractor) Extract(ctx context.Context, req ExtractRequest) (Candidate, error) {
	f.mu.Lock()
	f.calls = append(f.calls, req)
	f.mu.Unlock()
	return f.fn(ctx, req)
}

func (f *fakeExtractor) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func fixedCandidate(c Candidate) *fakeExtractor {
	return &fakeExtractor{fn: func(context.Context, ExtractRequest) (Candidate, error) { return c, nil }}
}

type fakeCategories struct {
	categories []category.Category
	err        error
}

func (f fakeCategories) Categories(context.Context, string) ([]category.Category, error) {
	return f.categories, f.err
}

type fakeLedger struct {
	mu      sync.Mutex
	records []Record
	fail    []error
}

func (l *fakeLedger) Commit(_ context.Context, rec Record) (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.fail) > 0 {
		err := l.fail[0]
		l.fail = l.fail[1:]
		if err != nil {
			return "", err
		}
	}
	l.records = append(l.records, rec)
	return fmt.Sprintf("rec-%d", len(l.records)), nil
}

func (l *fakeLedger) Records() []Record {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]Record(nil), l.records...)
}

type fakeBudget struct {
	warning *BudgetWarning
	err     error
}

func (b fakeBudget) CheckStatus(context.Context, string, string, float64) (*BudgetWarning, error) {
	return b.warning, b.err
}

type correction struct {
	userID, recordID, from, to string
}

type fakeLearning struct {
	mu    sync.Mutex
	calls []correction
	err   error
}

func (l *fakeLearning) RecordCorrection(_ context.Context, userID, recordID, from, to string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls = append(l.calls, correction{userID, recordID, from, to})
	return l.err
}

func (l *fakeLearning) Calls() []correction {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]correction(nil), l.calls...)
}

type fakeAdvice struct {
	text    string
	err     error
	periods []string
}

func (a *fakeAdvice) Generate(_ context.Context, _ string, period string) (string, error) {
	a.periods = append(a.periods, period)
	return a.text, a.err
}

type fakeClassifier struct {
	out Classification
	err error
}

func (c fakeClassifier) Classify(context.Context, string, PendingRecord) (Classification, error) {
	return c.out, c.err
}

var errLedgerDown = errors.New("ledger unavailable")

type harness struct {
	svc         *Service
	store       *store.MemStore[State]
	clock       *fakeClock
	extractor   *fakeExtractor
	ledger      *fakeLedger
	learning    *fakeLearning
	attachments *Attachments
}

func newHarness(t *testing.T, extractor *fakeExtractor, customize func(*Deps), opts ...Option) *harness {
	t.Helper()

	h := &harness{
		store:       store.NewMemStore[State](),
		clock:       newFakeClock(),
		extractor:   extractor,
		ledger:      &fakeLedger{},
		learning:    &fakeLearning{},
		attachments: NewAttachments(),
	}
	deps := Deps{
		Extractor:  extractor,
		Categories: fakeCategories{categories: testCategories},
		Ledger:     h.ledger,
		Learning:   h.learning,
	}
	if customize != nil {
		customize(&deps)
	}

	base := []Option{
		WithClock(h.clock.Now),
		WithAttachments(h.attachments),
		WithExtractRetry(graph.RetryPolicy{MaxAttempts: 3}),
	}
	svc, err := New(deps, h.store, append(base, opts...)...)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	h.svc = svc
	return h
}

func (h *harness) run(t *testing.T, sessionID, text string) Outcome {
	t.Helper()
	out, err := h.svc.Run(context.Background(), Input{SessionID: sessionID, UserID: "u1", Text: text})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	return out
}

func (h *harness) resume(t *testing.T, sessionID, reply string) Outcome {
	t.Helper()
	out, err := h.svc.Resume(context.Background(), sessionID, reply)
	if err != nil {
		t.Fatalf("Resume failed: %v", err)
	}
	return out
}

var starbucks = Candidate{MerchantName: "Starbucks", Amount: 25, SuggestedCategoryID: "food", Confidence: 0.9}
