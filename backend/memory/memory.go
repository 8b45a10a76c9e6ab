// Package memory implements the capture collaborators in process memory:
// a ledger, per-user categories, monthly budgets, spending summaries and a
// correction log. It backs the CLI when no database is configured and the
// tests of the layers above.
package memory

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/huytu0702/moniagent-sub000/backend"
	"github.com/huytu0702/moniagent-sub000/capture"
	"github.com/huytu0702/moniagent-sub000/category"
	"github.com/huytu0702/moniagent-sub000/normalize"
)

// ErrInvalidRecord is returned by Commit for records that can never be stored.
var ErrInvalidRecord = errors.New("invalid record")

// Expense is a committed record.
type Expense struct {
	ID string
	capture.Record
	CreatedAt time.Time
}

// Correction is one recorded category correction.
type Correction struct {
	UserID         string
	RecordID       string
	FromCategoryID string
	ToCategoryID   string
	At             time.Time
}

// Backend is safe for concurrent use.
type Backend struct {
	mu          sync.RWMutex
	defaults    []category.Category
	categories  map[string][]category.Category
	limits      map[string]map[string]float64
	expenses    []Expense
	corrections []Correction

	now       func() time.Time
	warnRatio float64
}

// Option configures a Backend.
type Option func(*Backend)

// WithClock sets the time source.
func WithClock(now func() time.Time) Option {
	return func(b *Backend) { b.now = now }
}

// WithDefaultCategories replaces the categories offered to every user.
func WithDefaultCategories(cats []category.Category) Option {
	return func(b *Backend) { b.defaults = append([]category.Category(nil), cats...) }
}

// WithWarnRatio sets the share of a budget at which warnings start.
func WithWarnRatio(r float64) Option {
	return func(b *Backend) { b.warnRatio = r }
}

// New creates an empty Backend with backend.DefaultCategories.
func New(opts ...Option) *Backend {
	b := &Backend{
		defaults:   append([]category.Category(nil), backend.DefaultCategories...),
		categories: make(map[string][]category.Category),
		limits:     make(map[string]map[string]float64),
		now:        time.Now,
		warnRatio:  backend.DefaultWarnRatio,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// SetCategories replaces the categories of userID.
func (b *Backend) SetCategories(userID string, cats []category.Category) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.categories[userID] = append([]category.Category(nil), cats...)
}

// SetLimit sets the monthly budget of a category. Zero removes it.
func (b *Backend) SetLimit(userID, categoryID string, limit float64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if limit <= 0 {
		delete(b.limits[userID], categoryID)
		return
	}
	if b.limits[userID] == nil {
		b.limits[userID] = make(map[string]float64)
	}
	b.limits[userID][categoryID] = limit
}

// Categories implements category.Source.
func (b *Backend) Categories(_ context.Context, userID string) ([]category.Category, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if cats, ok := b.categories[userID]; ok {
		return append([]category.Category(nil), cats...), nil
	}
	return append([]category.Category(nil), b.defaults...), nil
}

// Commit implements capture.Ledger.
func (b *Backend) Commit(_ context.Context, rec capture.Record) (string, error) {
	if rec.UserID == "" || rec.Amount <= 0 {
		return "", ErrInvalidRecord
	}
	if _, err := time.Parse(normalize.StorageLayout, rec.Date); err != nil {
		return "", errors.Join(ErrInvalidRecord, err)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	id := uuid.NewString()
	b.expenses = append(b.expenses, Expense{ID: id, Record: rec, CreatedAt: b.now()})
	return id, nil
}

// Expenses returns the committed records of userID in commit order.
func (b *Backend) Expenses(userID string) []Expense {
	b.mu.RLock()
	defer b.mu.RUnlock()

	var out []Expense
	for _, e := range b.expenses {
		if e.UserID == userID {
			out = append(out, e)
		}
	}
	return out
}

// CheckStatus implements capture.BudgetService for the current month.
func (b *Backend) CheckStatus(ctx context.Context, userID, categoryID string, _ float64) (*capture.BudgetWarning, error) {
	b.mu.RLock()
	limit := b.limits[userID][categoryID]
	b.mu.RUnlock()
	if limit <= 0 {
		return nil, nil
	}

	period := normalize.Period(normalize.StorageDate(b.now()))
	spent := b.spent(userID, categoryID, period)
	return backend.Evaluate(categoryID, b.categoryName(ctx, userID, categoryID), spent, limit, b.warnRatio), nil
}

// RecordCorrection implements capture.LearningService.
func (b *Backend) RecordCorrection(_ context.Context, userID, recordID, from, to string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.corrections = append(b.corrections, Correction{
		UserID:         userID,
		RecordID:       recordID,
		FromCategoryID: from,
		ToCategoryID:   to,
		At:             b.now(),
	})
	return nil
}

// Corrections returns the recorded corrections of userID.
func (b *Backend) Corrections(userID string) []Correction {
	b.mu.RLock()
	defer b.mu.RUnlock()

	var out []Correction
	for _, c := range b.corrections {
		if c.UserID == userID {
			out = append(out, c)
		}
	}
	return out
}

// Spending implements capture.SpendingReporter. Categories are sorted by id.
func (b *Backend) Spending(ctx context.Context, userID, period string) ([]capture.CategorySpend, error) {
	b.mu.RLock()
	totals := make(map[string]float64)
	for _, e := range b.expenses {
		if e.UserID == userID && strings.HasPrefix(e.Date, period+"-") {
			totals[e.CategoryID] += e.Amount
		}
	}
	limits := make(map[string]float64, len(b.limits[userID]))
	for id, l := range b.limits[userID] {
		limits[id] = l
	}
	b.mu.RUnlock()

	out := make([]capture.CategorySpend, 0, len(totals))
	for id, total := range totals {
		out = append(out, capture.CategorySpend{
			CategoryID:   id,
			CategoryName: b.categoryName(ctx, userID, id),
			Total:        total,
			Limit:        limits[id],
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CategoryID < out[j].CategoryID })
	return out, nil
}

func (b *Backend) spent(userID, categoryID, period string) float64 {
	b.mu.RLock()
	defer b.mu.RUnlock()

	var total float64
	for _, e := range b.expenses {
		if e.UserID == userID && e.CategoryID == categoryID && strings.HasPrefix(e.Date, period+"-") {
			total += e.Amount
		}
	}
	return total
}

func (b *Backend) categoryName(ctx context.Context, userID, categoryID string) string {
	cats, _ := b.Categories(ctx, userID)
	for _, c := range cats {
		if c.ID == categoryID {
			return c.Name
		}
	}
	return ""
}
