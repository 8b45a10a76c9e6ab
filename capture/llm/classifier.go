package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/huytu0702/moniagent-sub000/capture"
	"github.com/huytu0702/moniagent-sub000/graph/model"
	"github.com/huytu0702/moniagent-sub000/normalize"
)

// SourceModel marks classifications produced by Classifier.
const SourceModel = "model"

const classifyPrompt = `A user was asked to confirm this expense:
  merchant: %s
  amount: %s
  date: %s
  category: %s
  note: %s
Decide whether their reply confirms it or asks for changes.
Reply with JSON only: {"wants_change": true|false, "corrections": {"<field>": "<new value>"}}
Fields are amount, merchant, date, category and note. Leave corrections empty
when the reply confirms or does not say what to change.`

var errMissingDecision = errors.New(`response has no "wants_change"`)

// Classifier implements capture.IntentClassifier with a chat model.
type Classifier struct {
	model model.ChatModel
}

// NewClassifier creates a Classifier.
func NewClassifier(m model.ChatModel) *Classifier {
	return &Classifier{model: m}
}

type classifyResponse struct {
	WantsChange *bool          `json:"wants_change"`
	Corrections map[string]any `json:"corrections"`
}

// Classify implements capture.IntentClassifier. Every failure is a
// *capture.ClassificationError so the caller can fall back to keywords.
func (c *Classifier) Classify(ctx context.Context, reply string, pending capture.PendingRecord) (capture.Classification, error) {
	messages := []model.Message{
		{Role: model.RoleSystem, Content: fmt.Sprintf(classifyPrompt,
			pending.MerchantName,
			normalize.FormatAmount(pending.Amount),
			pending.DisplayDate,
			orNone(pending.CategoryName),
			orNone(pending.Note))},
		{Role: model.RoleUser, Content: reply},
	}

	out, err := c.model.Chat(ctx, messages)
	if err != nil {
		return capture.Classification{}, &capture.ClassificationError{Err: err}
	}

	var resp classifyResponse
	if err := model.DecodeJSON(out.Text, &resp); err != nil {
		return capture.Classification{}, &capture.ClassificationError{Err: err}
	}
	if resp.WantsChange == nil {
		return capture.Classification{}, &capture.ClassificationError{Err: errMissingDecision}
	}

	result := capture.Classification{WantsChange: *resp.WantsChange, Source: SourceModel}
	if !result.WantsChange {
		return result, nil
	}

	for name, raw := range resp.Corrections {
		field, ok := capture.CanonicalField(name)
		if !ok || raw == nil {
			continue
		}
		value := strings.TrimSpace(fmt.Sprint(raw))
		if value == "" {
			continue
		}
		if result.Corrections == nil {
			result.Corrections = make(map[string]string)
		}
		result.Corrections[field] = value
	}
	return result, nil
}

func orNone(s string) string {
	if s == "" {
		return "none"
	}
	return s
}
