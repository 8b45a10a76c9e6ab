// Package backend holds logic shared by the ledger backends: monthly budget
// evaluation and the default category set.
package backend

import (
	"fmt"
	"math"
	"time"

	"github.com/huytu0702/moniagent-sub000/capture"
	"github.com/huytu0702/moniagent-sub000/category"
	"github.com/huytu0702/moniagent-sub000/normalize"
)

// DefaultWarnRatio is the share of a budget at which warnings start.
const DefaultWarnRatio = 0.8

// DefaultCategories are offered to users without their own categories.
var DefaultCategories = []category.Category{
	{ID: "food", Name: "Food & Dining"},
	{ID: "transport", Name: "Transportation & Travel"},
	{ID: "groceries", Name: "Groceries"},
	{ID: "shopping", Name: "Shopping"},
	{ID: "entertainment", Name: "Entertainment"},
	{ID: "bills", Name: "Bills & Utilities"},
	{ID: "health", Name: "Health & Medical"},
	{ID: "other", Name: "Other"},
}

// Evaluate returns a warning when spent reaches ratio of limit, or nil.
// A non-positive limit means no budget.
func Evaluate(categoryID, categoryName string, spent, limit, ratio float64) *capture.BudgetWarning {
	if limit <= 0 || spent < limit*ratio {
		return nil
	}

	name := categoryName
	if name == "" {
		name = categoryID
	}

	var msg string
	if spent > limit {
		msg = fmt.Sprintf("You are over your %s budget this month: %s spent of %s.",
			name, normalize.FormatAmount(spent), normalize.FormatAmount(limit))
	} else {
		pct := int(math.Round(spent / limit * 100))
		msg = fmt.Sprintf("You have used %d%% of your %s budget this month (%s of %s).",
			pct, name, normalize.FormatAmount(spent), normalize.FormatAmount(limit))
	}

	return &capture.BudgetWarning{
		CategoryID:   categoryID,
		CategoryName: categoryName,
		Limit:        limit,
		Spent:        spent,
		Message:      msg,
	}
}

// MonthBounds returns the first day of t's month and of the following month.
func MonthBounds(t time.Time) (start, end time.Time) {
	start = time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, t.Location())
	return start, start.AddDate(0, 1, 0)
}
