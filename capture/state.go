// Package capture implements the conversational expense capture workflow.
//
// A capture starts with a free-text (or image) message, extracts a candidate
// expense, and suspends at AskConfirmation until the user replies. Replies
// either confirm the pending record, which commits it to the ledger, or
// correct it, which loops back for another confirmation. The workflow is
// driven by a graph.Engine and checkpointed in a store.Store between turns, so
// a capture can suspend in one process and resume in another.
package capture

import "time"

// MessageKind distinguishes text messages from image uploads.
type MessageKind string

const (
	KindText  MessageKind = "text"
	KindImage MessageKind = "image"
)

// Conversation roles.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Correctable fields of a pending record.
const (
	FieldAmount   = "amount"
	FieldMerchant = "merchant"
	FieldCategory = "category"
	FieldDate     = "date"
	FieldNote     = "note"
)

// UnspecifiedMerchant is shown when no merchant could be extracted.
const UnspecifiedMerchant = "unspecified"

// FailureKind names the user-visible failure of the current turn.
type FailureKind string

const (
	FailureNone          FailureKind = ""
	FailureExtraction    FailureKind = "extraction"
	FailureClarification FailureKind = "clarification"
	FailurePersistence   FailureKind = "persistence"
)

// Turn is one message of the conversation log.
type Turn struct {
	Role string    `json:"role"`
	Text string    `json:"text"`
	At   time.Time `json:"at"`
}

// Message is the inbound message that opened a capture.
type Message struct {
	Text string      `json:"text"`
	Kind MessageKind `json:"kind"`
}

// Candidate is the structured expense produced by an Extractor.
// Date is as extracted; empty means unknown.
type Candidate struct {
	MerchantName                string  `json:"merchant_name,omitempty"`
	Amount                      float64 `json:"amount"`
	Date                        string  `json:"date,omitempty"`
	Note                        string  `json:"note,omitempty"`
	Confidence                  float64 `json:"confidence"`
	SuggestedCategoryID         string  `json:"suggested_category_id,omitempty"`
	SuggestedCategoryConfidence float64 `json:"suggested_category_confidence,omitempty"`
}

// PendingRecord is the record shown to the user for confirmation.
// ID stays empty until the record is committed.
type PendingRecord struct {
	ID           string  `json:"id,omitempty"`
	MerchantName string  `json:"merchant_name"`
	Amount       float64 `json:"amount"`
	DisplayDate  string  `json:"display_date"`
	StorageDate  string  `json:"storage_date"`
	CategoryID   string  `json:"category_id,omitempty"`
	CategoryName string  `json:"category_name,omitempty"`
	Note         string  `json:"note,omitempty"`
}

// Committed reports whether the record has been persisted.
func (p PendingRecord) Committed() bool {
	return p.ID != ""
}

// Classification is the interpretation of a confirmation reply.
type Classification struct {
	WantsChange bool              `json:"wants_change"`
	Corrections map[string]string `json:"corrections,omitempty"`
	Source      string            `json:"source,omitempty"`
}

// SuspensionPayload is what the user sees while a capture is suspended.
type SuspensionPayload struct {
	Kind    string        `json:"kind"`
	Pending PendingRecord `json:"pending"`
	Message string        `json:"message"`
	At      time.Time     `json:"at"`
}

// BudgetWarning is returned by a BudgetService when a category is over, or
// close to, its limit.
type BudgetWarning struct {
	CategoryID   string  `json:"category_id"`
	CategoryName string  `json:"category_name,omitempty"`
	Limit        float64 `json:"limit"`
	Spent        float64 `json:"spent"`
	Message      string  `json:"message"`
}

// State is the per-session workflow state. It is checkpointed as JSON.
type State struct {
	SessionID string `json:"session_id"`
	UserID    string `json:"user_id"`

	Log   []Turn  `json:"log"`
	Input Message `json:"input"`

	Candidate *Candidate     `json:"candidate,omitempty"`
	Pending   *PendingRecord `json:"pending,omitempty"`

	// OriginalCategoryID is snapshotted once, before any correction.
	OriginalCategoryID string `json:"original_category_id,omitempty"`
	OriginalCaptured   bool   `json:"original_captured,omitempty"`

	PendingCorrections map[string]string `json:"pending_corrections,omitempty"`
	Classification     *Classification   `json:"classification,omitempty"`

	Suspended  bool               `json:"suspended"`
	Suspension *SuspensionPayload `json:"suspension,omitempty"`

	CommittedRecordID string         `json:"committed_record_id,omitempty"`
	Budget            *BudgetWarning `json:"budget,omitempty"`

	// Response and Warnings hold the reply for the current turn only.
	Response []string `json:"response,omitempty"`
	Warnings []string `json:"warnings,omitempty"`

	Failure       FailureKind `json:"failure,omitempty"`
	FailureDetail string      `json:"failure_detail,omitempty"`
}

// LastUserText returns the text of the most recent user turn.
func (s State) LastUserText() string {
	for i := len(s.Log) - 1; i >= 0; i-- {
		if s.Log[i].Role == RoleUser {
			return s.Log[i].Text
		}
	}
	return ""
}

// appendTurn returns a copy of log with turn appended. Steps never append in
// place because the engine keeps the previous state for the reducer.
func appendTurn(log []Turn, role, text string, at time.Time) []Turn {
	out := make([]Turn, len(log), len(log)+1)
	copy(out, log)
	return append(out, Turn{Role: role, Text: text, At: at})
}

func appendString(list []string, s string) []string {
	out := make([]string, len(list), len(list)+1)
	copy(out, list)
	return append(out, s)
}

// resetTurn clears the per-turn output fields.
func resetTurn(s State) State {
	s.Response = nil
	s.Warnings = nil
	s.Failure = FailureNone
	s.FailureDetail = ""
	s.Classification = nil
	s.Budget = nil
	return s
}
