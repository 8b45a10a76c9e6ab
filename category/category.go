// Package category resolves free-text category names to stored categories.
package category

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"unicode"
)

// ErrNotFound is returned when no category matches a name.
var ErrNotFound = errors.New("category not found")

// MinFuzzyScore is the containment score a fuzzy match must exceed.
const MinFuzzyScore = 0.5

// Category is a user-visible expense category.
type Category struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// Source lists the categories available to a user.
type Source interface {
	Categories(ctx context.Context, userID string) ([]Category, error)
}

// Match finds the category best matching name.
//
// An exact case-insensitive match wins. Otherwise, among categories whose
// normalized name contains the normalized query or is contained by it, the
// highest containment score min(len)/max(len) wins if it is above
// MinFuzzyScore. Ties keep the first category in list order.
//
// Names are normalized by lowercasing, turning punctuation into spaces and
// collapsing whitespace, so "Transportation & Travel" is compared as
// "transportation travel".
func Match(name string, categories []Category) (Category, float64, bool) {
	query := Normalize(name)
	if query == "" {
		return Category{}, 0, false
	}

	for _, c := range categories {
		if strings.EqualFold(strings.TrimSpace(c.Name), strings.TrimSpace(name)) || Normalize(c.Name) == query {
			return c, 1, true
		}
	}

	var (
		best      Category
		bestScore float64
	)
	for _, c := range categories {
		score := containmentScore(query, Normalize(c.Name))
		if score > bestScore {
			best, bestScore = c, score
		}
	}

	if bestScore > MinFuzzyScore {
		return best, bestScore, true
	}
	return Category{}, bestScore, false
}

func containmentScore(a, b string) float64 {
	if a == "" || b == "" {
		return 0
	}
	if !strings.Contains(a, b) && !strings.Contains(b, a) {
		return 0
	}
	la, lb := len(a), len(b)
	if la > lb {
		la, lb = lb, la
	}
	return float64(la) / float64(lb)
}

// Normalize lowercases s, replaces runs of non-alphanumeric characters with a
// single space and trims the result.
func Normalize(s string) string {
	fields := strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	return strings.Join(fields, " ")
}

// Resolver resolves names against a user's categories.
type Resolver struct {
	source Source
}

// NewResolver creates a Resolver backed by source.
func NewResolver(source Source) *Resolver {
	return &Resolver{source: source}
}

// Resolve returns the category matching name for userID, or ErrNotFound.
func (r *Resolver) Resolve(ctx context.Context, name, userID string) (Category, error) {
	categories, err := r.source.Categories(ctx, userID)
	if err != nil {
		return Category{}, fmt.Errorf("failed to list categories: %w", err)
	}

	c, _, ok := Match(name, categories)
	if !ok {
		return Category{}, fmt.Errorf("%w: %q", ErrNotFound, name)
	}
	return c, nil
}

// Lookup returns the category with the given id, or ErrNotFound.
func (r *Resolver) Lookup(ctx context.Context, id, userID string) (Category, error) {
	if id == "" {
		return Category{}, ErrNotFound
	}

	categories, err := r.source.Categories(ctx, userID)
	if err != nil {
		return Category{}, fmt.Errorf("failed to list categories: %w", err)
	}
	for _, c := range categories {
		if c.ID == id {
			return c, nil
		}
	}
	return Category{}, fmt.Errorf("%w: id %q", ErrNotFound, id)
}
