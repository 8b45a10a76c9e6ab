package capture

import (
	"context"

	"github.com/huytu0702/moniagent-sub000/category"
)

// ExtractRequest is the input to an Extractor. Image is set for image
// messages and carries the raw upload.
type ExtractRequest struct {
	UserID string
	Text   string
	Image  *Attachment
}

// Extractor turns a message into a candidate expense.
// Failures should be returned as *ExtractionError; Temporary errors are
// retried by the engine.
type Extractor interface {
	Extract(ctx context.Context, req ExtractRequest) (Candidate, error)
}

// IntentClassifier interprets a reply to a confirmation prompt.
// Failures should be returned as *ClassificationError.
type IntentClassifier interface {
	Classify(ctx context.Context, reply string, pending PendingRecord) (Classification, error)
}

// CategoryStore lists the categories a user may assign.
type CategoryStore = category.Source

// Record is what gets committed to the ledger.
// Date is in normalize.StorageLayout.
type Record struct {
	SessionID    string
	UserID       string
	MerchantName string
	Amount       float64
	Date         string
	CategoryID   string
	Note         string
}

// Ledger is the system of record for expenses.
type Ledger interface {
	Commit(ctx context.Context, rec Record) (id string, err error)
}

// BudgetService reports whether spending in a category needs a warning.
// A nil warning means the category is within budget.
type BudgetService interface {
	CheckStatus(ctx context.Context, userID, categoryID string, amount float64) (*BudgetWarning, error)
}

// LearningService records category corrections so future suggestions improve.
type LearningService interface {
	RecordCorrection(ctx context.Context, userID, recordID, fromCategoryID, toCategoryID string) error
}

// AdviceService produces short spending advice for a period (YYYY-MM).
type AdviceService interface {
	Generate(ctx context.Context, userID, period string) (string, error)
}

// CategorySpend is the total spent in a category over a period.
// Limit is zero when the category has no budget.
type CategorySpend struct {
	CategoryID   string
	CategoryName string
	Total        float64
	Limit        float64
}

// SpendingReporter summarizes a user's spending per category for a period
// (YYYY-MM). Advice services build on it.
type SpendingReporter interface {
	Spending(ctx context.Context, userID, period string) ([]CategorySpend, error)
}
