package llm

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/huytu0702/moniagent-sub000/capture"
	"github.com/huytu0702/moniagent-sub000/graph/model"
	"github.com/huytu0702/moniagent-sub000/normalize"
)

const advicePrompt = `You are a friendly budgeting assistant. Using the spending summary for %s,
give one or two short sentences of practical advice. Plain text, no lists.`

// Advisor implements capture.AdviceService with a chat model.
type Advisor struct {
	model    model.ChatModel
	spending capture.SpendingReporter
}

// NewAdvisor creates an Advisor that grounds its advice in spending.
func NewAdvisor(m model.ChatModel, spending capture.SpendingReporter) *Advisor {
	return &Advisor{model: m, spending: spending}
}

// Generate implements capture.AdviceService.
func (a *Advisor) Generate(ctx context.Context, userID, period string) (string, error) {
	spend, err := a.spending.Spending(ctx, userID, period)
	if err != nil {
		return "", fmt.Errorf("failed to load spending: %w", err)
	}
	if len(spend) == 0 {
		return "", nil
	}

	out, err := a.model.Chat(ctx, []model.Message{
		{Role: model.RoleSystem, Content: fmt.Sprintf(advicePrompt, period)},
		{Role: model.RoleUser, Content: summarize(spend)},
	})
	if err != nil {
		return "", fmt.Errorf("advice generation failed: %w", err)
	}
	return strings.TrimSpace(out.Text), nil
}

// summarize renders spending largest first, one category per line.
func summarize(spend []capture.CategorySpend) string {
	sorted := append([]capture.CategorySpend(nil), spend...)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Total > sorted[j].Total })

	var sb strings.Builder
	for _, s := range sorted {
		name := s.CategoryName
		if name == "" {
			name = s.CategoryID
		}
		fmt.Fprintf(&sb, "%s: %s", name, normalize.FormatAmount(s.Total))
		if s.Limit > 0 {
			fmt.Fprintf(&sb, " of %s budget", normalize.FormatAmount(s.Limit))
		}
		sb.WriteString("\n")
	}
	return sb.String()
}
