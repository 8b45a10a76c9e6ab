package capture

import (
	"fmt"
	"strings"

	"github.com/huytu0702/moniagent-sub000/normalize"
)

// User-facing replies.
const (
	msgRestate          = `I couldn't work out that purchase. Please restate it with the amount and the merchant, for example "Spent $25 at Starbucks".`
	msgClarify          = `I'm not sure what you'd like to change. Reply "ok" to save it, or say something like "change amount to 30" or "set category to Food".`
	msgPersistFailed    = "Sorry, I couldn't save your expense just now. Your details are kept, so you can retry in a moment."
	msgNothingToRetry   = "There is nothing to retry right now."
	msgNothingToConfirm = "There is nothing to confirm right now."
	msgConfirmExpired   = "That confirmation has expired. Please send the expense again."
	msgSomethingWrong   = "Sorry, something went wrong. Please try again."
	msgPendingFirst     = "Please confirm or correct the pending expense first."
)

// confirmationMessage renders the prompt shown while a record awaits confirmation.
func confirmationMessage(p PendingRecord) string {
	var sb strings.Builder
	sb.WriteString("Please confirm this expense:\n")
	fmt.Fprintf(&sb, "- Merchant: %s\n", p.MerchantName)
	fmt.Fprintf(&sb, "- Amount: %s\n", normalize.FormatAmount(p.Amount))
	fmt.Fprintf(&sb, "- Date: %s\n", p.DisplayDate)
	category := p.CategoryName
	if category == "" {
		category = "uncategorized"
	}
	fmt.Fprintf(&sb, "- Category: %s\n", category)
	if p.Note != "" {
		fmt.Fprintf(&sb, "- Note: %s\n", p.Note)
	}
	sb.WriteString(`Reply "ok" to save it, or tell me what to change (for example "change amount to 30").`)
	return sb.String()
}

func savedMessage(p PendingRecord) string {
	msg := fmt.Sprintf("Saved %s at %s on %s", normalize.FormatAmount(p.Amount), p.MerchantName, p.DisplayDate)
	if p.CategoryName != "" {
		msg += " (" + p.CategoryName + ")"
	}
	return msg + "."
}

func suspendedMessage(s State) string {
	if s.Suspension == nil {
		return msgPendingFirst
	}
	return msgPendingFirst + "\n\n" + s.Suspension.Message
}
