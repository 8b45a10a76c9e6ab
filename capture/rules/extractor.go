// Package rules provides capture capabilities that need no model: a
// pattern-based Extractor for short text messages and a spending Advisor
// built from budget figures.
package rules

import (
	"context"
	"regexp"
	"strings"

	"github.com/huytu0702/moniagent-sub000/capture"
	"github.com/huytu0702/moniagent-sub000/category"
	"github.com/huytu0702/moniagent-sub000/normalize"
)

var (
	currencyAmount = regexp.MustCompile(`(?i)\$\s*(\d[\d,]*(?:\.\d{1,2})?k?)|\b(\d[\d,]*(?:\.\d{1,2})?k?)\s*(?:usd|dollars?|bucks)\b`)
	bareAmount     = regexp.MustCompile(`\b(\d[\d,]*(?:\.\d{1,2})?)\b`)
	datePattern    = regexp.MustCompile(`(?i)\b(\d{4}-\d{2}-\d{2}|\d{1,2}/\d{1,2}/\d{4}|yesterday|today|\d+\s+days?\s+ago)\b`)
	merchantProper = regexp.MustCompile(`(?:\b[Aa]t|\b[Ff]rom|@)\s+([A-Z0-9][\w&'.-]*(?:\s+[A-Z0-9][\w&'.-]*)*)`)
	merchantAny    = regexp.MustCompile(`(?i)(?:\bat|\bfrom|@)\s+([a-z0-9][\w&'.-]*)`)
)

// categoryHints maps purchase keywords to words expected in a matching
// category name.
var categoryHints = map[string][]string{
	"coffee": {"food", "dining", "coffee"}, "lunch": {"food", "dining"}, "dinner": {"food", "dining"},
	"breakfast": {"food", "dining"}, "restaurant": {"food", "dining"}, "cafe": {"food", "dining", "coffee"},
	"starbucks": {"food", "dining", "coffee"}, "pizza": {"food", "dining"}, "burger": {"food", "dining"},
	"uber": {"transportation", "transport", "travel"}, "lyft": {"transportation", "transport", "travel"},
	"taxi": {"transportation", "transport", "travel"}, "bus": {"transportation", "transport"},
	"train": {"transportation", "transport", "travel"}, "gas": {"transportation", "transport", "fuel"},
	"fuel": {"transportation", "transport", "fuel"}, "parking": {"transportation", "transport"},
	"flight": {"travel", "transportation"}, "hotel": {"travel"},
	"grocery": {"groceries", "grocery"}, "groceries": {"groceries", "grocery"},
	"supermarket": {"groceries", "grocery"}, "costco": {"groceries", "grocery"},
	"amazon": {"shopping"}, "clothes": {"shopping", "clothing"}, "shoes": {"shopping", "clothing"},
	"movie": {"entertainment"}, "netflix": {"entertainment", "subscriptions"}, "concert": {"entertainment"},
	"rent": {"housing", "rent", "bills"}, "electricity": {"bills", "utilities"}, "internet": {"bills", "utilities"},
	"pharmacy": {"health", "medical"}, "doctor": {"health", "medical"},
}

// Extractor implements capture.Extractor with regular expressions. It reads
// amounts like "$25", "25 usd" or a bare number, dates like "yesterday" or
// "2024-05-01", and the merchant after "at" or "from".
type Extractor struct {
	categories category.Source
}

// NewExtractor creates an Extractor. categories may be nil.
func NewExtractor(categories category.Source) *Extractor {
	return &Extractor{categories: categories}
}

// Extract implements capture.Extractor.
func (e *Extractor) Extract(ctx context.Context, req capture.ExtractRequest) (capture.Candidate, error) {
	if req.Image != nil {
		return capture.Candidate{}, &capture.ExtractionError{Reason: "image receipts need a model-backed extractor"}
	}
	text := strings.TrimSpace(req.Text)
	if text == "" {
		return capture.Candidate{}, &capture.ExtractionError{Reason: "empty message"}
	}

	var cand capture.Candidate
	if m := datePattern.FindStringSubmatch(text); m != nil {
		cand.Date = m[1]
	}
	withoutDates := datePattern.ReplaceAllString(text, " ")

	amount, ok := findAmount(withoutDates)
	if !ok {
		return capture.Candidate{}, &capture.ExtractionError{Reason: "no amount found"}
	}
	cand.Amount = amount
	cand.Confidence = 0.5

	if m := merchantProper.FindStringSubmatch(withoutDates); m != nil {
		cand.MerchantName = strings.TrimRight(m[1], ".,!")
	} else if m := merchantAny.FindStringSubmatch(withoutDates); m != nil && !isNumber(m[1]) {
		cand.MerchantName = strings.TrimRight(m[1], ".,!")
	}

	if e.categories != nil {
		cats, err := e.categories.Categories(ctx, req.UserID)
		if err != nil {
			return capture.Candidate{}, &capture.ExtractionError{Reason: "category lookup failed", Temporary: true, Err: err}
		}
		if c, ok := suggestCategory(text, cats); ok {
			cand.SuggestedCategoryID = c.ID
			cand.SuggestedCategoryConfidence = 0.5
		}
	}
	return cand, nil
}

func findAmount(text string) (float64, bool) {
	if m := currencyAmount.FindStringSubmatch(text); m != nil {
		raw := m[1]
		if raw == "" {
			raw = m[2]
		}
		if v, err := normalize.ParseAmount(raw); err == nil {
			return v, true
		}
	}
	for _, m := range bareAmount.FindAllStringSubmatch(text, -1) {
		if v, err := normalize.ParseAmount(m[1]); err == nil {
			return v, true
		}
	}
	return 0, false
}

// suggestCategory returns the first category whose name contains a hint
// word for a keyword in text.
func suggestCategory(text string, cats []category.Category) (category.Category, bool) {
	for _, word := range strings.Fields(category.Normalize(text)) {
		hints, ok := categoryHints[word]
		if !ok {
			continue
		}
		for _, c := range cats {
			nameWords := strings.Fields(category.Normalize(c.Name))
			for _, hint := range hints {
				for _, w := range nameWords {
					if w == hint {
						return c, true
					}
				}
			}
		}
	}
	return category.Category{}, false
}

func isNumber(s string) bool {
	_, err := normalize.ParseAmount(s)
	return err == nil
}
