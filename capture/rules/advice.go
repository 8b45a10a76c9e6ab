package rules

import (
	"context"
	"fmt"

	"github.com/huytu0702/moniagent-sub000/capture"
	"github.com/huytu0702/moniagent-sub000/normalize"
)

// Advisor implements capture.AdviceService from spending figures alone.
type Advisor struct {
	spending capture.SpendingReporter
}

// NewAdvisor creates an Advisor.
func NewAdvisor(spending capture.SpendingReporter) *Advisor {
	return &Advisor{spending: spending}
}

// Generate implements capture.AdviceService. It points at the category most
// over budget, or else the largest category.
func (a *Advisor) Generate(ctx context.Context, userID, period string) (string, error) {
	spend, err := a.spending.Spending(ctx, userID, period)
	if err != nil {
		return "", fmt.Errorf("failed to load spending: %w", err)
	}
	if len(spend) == 0 {
		return "", nil
	}

	var worst *capture.CategorySpend
	var worstOver float64
	largest := &spend[0]
	for i := range spend {
		s := &spend[i]
		if s.Total > largest.Total {
			largest = s
		}
		if s.Limit > 0 && s.Total-s.Limit > worstOver {
			worst, worstOver = s, s.Total-s.Limit
		}
	}

	if worst != nil {
		return fmt.Sprintf("You are %s over your %s budget for %s. Consider pausing non-essential purchases there until next month.",
			normalize.FormatAmount(worstOver), name(*worst), period), nil
	}
	return fmt.Sprintf("%s is your largest expense in %s so far at %s.",
		name(*largest), period, normalize.FormatAmount(largest.Total)), nil
}

func name(s capture.CategorySpend) string {
	if s.CategoryName != "" {
		return s.CategoryName
	}
	return s.CategoryID
}
