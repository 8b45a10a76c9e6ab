// Package llm implements capture capabilities on top of a model.ChatModel:
// expense extraction from text and receipt images, reply classification and
// spending advice. Prompts ask for JSON and responses are decoded leniently,
// so any provider adapter in graph/model can back them.
package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/huytu0702/moniagent-sub000/capture"
	"github.com/huytu0702/moniagent-sub000/category"
	"github.com/huytu0702/moniagent-sub000/graph/model"
	"github.com/huytu0702/moniagent-sub000/normalize"
)

const extractPrompt = `You extract a single purchase from a user's message or receipt photo.
Today is %s. Known categories: %s.
Reply with JSON only, using these keys:
  "merchant_name": store or payee, "" if unknown
  "amount": total paid as a number
  "date": purchase date as YYYY-MM-DD, "" if not stated
  "category": one of the known categories, "" if none fits
  "category_confidence": 0 to 1
  "confidence": 0 to 1, how sure you are this is a purchase
  "note": short description, optional
If the message is not a purchase, reply {"amount": 0}.`

// Option configures the model-backed capabilities.
type Option func(*options)

type options struct {
	now func() time.Time
}

// WithClock sets the time source used for "today" in prompts.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

func applyOptions(opts []Option) options {
	o := options{now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// Extractor implements capture.Extractor with a chat model.
type Extractor struct {
	model      model.ChatModel
	categories category.Source
	opts       options
}

// NewExtractor creates an Extractor. categories may be nil, in which case
// no category is suggested.
func NewExtractor(m model.ChatModel, categories category.Source, opts ...Option) *Extractor {
	return &Extractor{model: m, categories: categories, opts: applyOptions(opts)}
}

type extractResponse struct {
	MerchantName       string  `json:"merchant_name"`
	Amount             amount  `json:"amount"`
	Date               string  `json:"date"`
	Category           string  `json:"category"`
	CategoryConfidence float64 `json:"category_confidence"`
	Confidence         float64 `json:"confidence"`
	Note               string  `json:"note"`
}

// amount accepts 25, 25.5 or "$25.50".
type amount float64

func (a *amount) UnmarshalJSON(data []byte) error {
	var n float64
	if err := json.Unmarshal(data, &n); err == nil {
		*a = amount(n)
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("amount must be a number or string: %w", err)
	}
	if strings.TrimSpace(s) == "" {
		*a = 0
		return nil
	}
	v, err := normalize.ParseAmount(s)
	if err != nil {
		return err
	}
	*a = amount(v)
	return nil
}

// Extract implements capture.Extractor.
func (e *Extractor) Extract(ctx context.Context, req capture.ExtractRequest) (capture.Candidate, error) {
	var cats []category.Category
	if e.categories != nil {
		list, err := e.categories.Categories(ctx, req.UserID)
		if err != nil {
			return capture.Candidate{}, &capture.ExtractionError{Reason: "category lookup failed", Temporary: true, Err: err}
		}
		cats = list
	}

	user := model.Message{Role: model.RoleUser, Content: req.Text}
	if req.Image != nil {
		user.Images = []model.Image{{MIMEType: req.Image.MIMEType, Data: req.Image.Data}}
		if user.Content == "" {
			user.Content = "Extract the purchase from this receipt."
		}
	}
	if user.Content == "" {
		return capture.Candidate{}, &capture.ExtractionError{Reason: "empty message"}
	}

	today := normalize.StorageDate(e.opts.now())
	messages := []model.Message{
		{Role: model.RoleSystem, Content: fmt.Sprintf(extractPrompt, today, categoryNames(cats))},
		user,
	}

	out, err := e.model.Chat(ctx, messages)
	if err != nil {
		return capture.Candidate{}, &capture.ExtractionError{
			Reason:    "model call failed",
			Temporary: model.IsTransient(err),
			Err:       err,
		}
	}

	var resp extractResponse
	if err := model.DecodeJSON(out.Text, &resp); err != nil {
		return capture.Candidate{}, &capture.ExtractionError{Reason: "unreadable model response", Err: err}
	}
	if resp.Amount <= 0 {
		return capture.Candidate{}, &capture.ExtractionError{Reason: "no purchase amount found"}
	}

	cand := capture.Candidate{
		MerchantName: strings.TrimSpace(resp.MerchantName),
		Amount:       float64(resp.Amount),
		Date:         strings.TrimSpace(resp.Date),
		Note:         strings.TrimSpace(resp.Note),
		Confidence:   resp.Confidence,
	}
	if resp.Category != "" {
		if c, score, ok := category.Match(resp.Category, cats); ok {
			cand.SuggestedCategoryID = c.ID
			cand.SuggestedCategoryConfidence = score
			if resp.CategoryConfidence > 0 {
				cand.SuggestedCategoryConfidence = resp.CategoryConfidence * score
			}
		}
	}
	return cand, nil
}

func categoryNames(cats []category.Category) string {
	if len(cats) == 0 {
		return "none"
	}
	names := make([]string, len(cats))
	for i, c := range cats {
		names[i] = c.Name
	}
	return strings.Join(names, ", ")
}
