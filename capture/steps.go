package capture

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/huytu0702/moniagent-sub000/category"
	"github.com/huytu0702/moniagent-sub000/graph"
	"github.com/huytu0702/moniagent-sub000/normalize"
)

type result = graph.NodeResult[State]

// steps holds the collaborators the workflow steps call.
type steps struct {
	extractor   Extractor
	classifier  IntentClassifier
	resolver    *category.Resolver
	ledger      Ledger
	budget      BudgetService
	advice      AdviceService
	attachments *Attachments
	learn       func(userID, recordID, from, to string)
	now         func() time.Time
	logger      *zap.Logger
	metrics     *Metrics
}

// extract turns the opening message into a Candidate. Transient extractor
// failures are returned as node errors so the engine retries them; anything
// else is rejected in-graph and routed to Fallback.
func (st *steps) extract(ctx context.Context, s State) result {
	req := ExtractRequest{UserID: s.UserID, Text: s.Input.Text}
	if s.Input.Kind == KindImage {
		att, ok := st.attachments.Get(s.SessionID)
		if !ok {
			return st.rejectExtraction(s, "image attachment missing")
		}
		req.Image = &att
	}

	cand, err := st.extractor.Extract(ctx, req)
	if err != nil {
		if isTemporary(err) {
			st.logger.Warn("extraction failed, will retry",
				zap.String("session_id", s.SessionID), zap.Error(err))
			return result{Err: err}
		}
		st.attachments.Delete(s.SessionID)
		return st.rejectExtraction(s, err.Error())
	}
	st.attachments.Delete(s.SessionID)

	if cand.Amount <= 0 {
		return st.rejectExtraction(s, fmt.Sprintf("amount %.2f is not positive", cand.Amount))
	}
	if cand.Date != "" {
		if _, err := normalize.ParseDate(cand.Date, st.now()); err != nil {
			return st.rejectExtraction(s, err.Error())
		}
	}

	s.Candidate = &cand
	return result{Delta: s}
}

func (st *steps) rejectExtraction(s State, reason string) result {
	st.logger.Info("extraction rejected",
		zap.String("session_id", s.SessionID), zap.String("reason", reason))
	s.Candidate = nil
	s.Failure = FailureExtraction
	s.FailureDetail = reason
	return result{Delta: s}
}

// prepareConfirmation builds the pending record shown to the user.
func (st *steps) prepareConfirmation(ctx context.Context, s State) result {
	c := s.Candidate
	if c == nil {
		s.Failure = FailureExtraction
		return result{Delta: s, Route: graph.Goto(string(StepFallback))}
	}

	p := PendingRecord{
		MerchantName: strings.TrimSpace(c.MerchantName),
		Amount:       c.Amount,
		Note:         c.Note,
	}
	if p.MerchantName == "" {
		p.MerchantName = UnspecifiedMerchant
	}

	// Dates were validated by extract; an unparseable one here means today.
	date, err := normalize.ParseDate(c.Date, st.now())
	if err != nil {
		date, _ = normalize.ParseDate("", st.now())
	}
	p.DisplayDate = normalize.DisplayDate(date)
	p.StorageDate = normalize.StorageDate(date)

	if c.SuggestedCategoryID != "" {
		cat, err := st.resolver.Lookup(ctx, c.SuggestedCategoryID, s.UserID)
		switch {
		case err == nil:
			p.CategoryID = cat.ID
			p.CategoryName = cat.Name
		case errors.Is(err, category.ErrNotFound):
			st.logger.Info("suggested category unknown",
				zap.String("session_id", s.SessionID), zap.String("category_id", c.SuggestedCategoryID))
		default:
			st.logger.Warn("category lookup failed",
				zap.String("session_id", s.SessionID), zap.Error(err))
		}
	}

	if !s.OriginalCaptured {
		s.OriginalCategoryID = c.SuggestedCategoryID
		s.OriginalCaptured = true
	}
	s.Pending = &p
	return result{Delta: s}
}

// askConfirmation suspends the run until the user replies.
func (st *steps) askConfirmation(_ context.Context, s State) result {
	msg := confirmationMessage(*s.Pending)
	now := st.now()

	s.Suspended = true
	s.Suspension = &SuspensionPayload{Kind: "confirmation", Pending: *s.Pending, Message: msg, At: now}
	s.Response = appendString(s.Response, msg)
	s.Log = appendTurn(s.Log, RoleAssistant, msg, now)
	return result{Delta: s, Route: graph.Interrupt()}
}

// classifyIntent decides whether the latest reply confirms or corrects the
// pending record.
func (st *steps) classifyIntent(ctx context.Context, s State) result {
	reply := s.LastUserText()

	var c Classification
	if st.classifier != nil {
		var err error
		c, err = st.classifier.Classify(ctx, reply, *s.Pending)
		if err != nil {
			st.logger.Warn("intent classifier failed, using keyword heuristic",
				zap.String("session_id", s.SessionID), zap.Error(err))
			c = Heuristic(reply)
		}
	} else {
		c = Heuristic(reply)
	}

	if c.WantsChange && len(c.Corrections) == 0 {
		c.Corrections = ParseCorrections(reply)
	}

	s.Classification = &c
	s.PendingCorrections = nil
	if c.WantsChange {
		if len(c.Corrections) == 0 {
			s.Failure = FailureClarification
		} else {
			s.PendingCorrections = copyCorrections(c.Corrections)
		}
	}
	return result{Delta: s}
}

// applyCorrection overwrites pending fields. Invalid values leave the field
// unchanged and add a note to the reply.
func (st *steps) applyCorrection(ctx context.Context, s State) result {
	p := *s.Pending

	fields := make([]string, 0, len(s.PendingCorrections))
	for f := range s.PendingCorrections {
		fields = append(fields, f)
	}
	sort.Strings(fields)

	for _, field := range fields {
		value := strings.TrimSpace(s.PendingCorrections[field])
		note := st.applyField(ctx, s, &p, field, value)
		st.metrics.recordCorrection(metricField(field), note == "")
		if note != "" {
			s.Warnings = appendString(s.Warnings, note)
			s.Response = appendString(s.Response, note)
		}
	}

	s.Pending = &p
	s.PendingCorrections = nil
	return result{Delta: s}
}

// applyField applies one correction to p and returns a note when the value
// was rejected.
func (st *steps) applyField(ctx context.Context, s State, p *PendingRecord, field, value string) string {
	switch field {
	case FieldAmount:
		amount, err := normalize.ParseAmount(value)
		if err != nil {
			return fmt.Sprintf("Amount not changed: %q is not a valid amount.", value)
		}
		p.Amount = amount

	case FieldMerchant:
		if value == "" {
			return "Merchant not changed: the new name was empty."
		}
		p.MerchantName = value

	case FieldDate:
		date, err := normalize.ParseDate(value, st.now())
		if errors.Is(err, normalize.ErrFutureDate) {
			return "Date not changed: dates in the future are not allowed."
		}
		if err != nil {
			return fmt.Sprintf("Date not changed: I couldn't read %q as a date.", value)
		}
		p.DisplayDate = normalize.DisplayDate(date)
		p.StorageDate = normalize.StorageDate(date)

	case FieldCategory:
		cat, err := st.resolver.Resolve(ctx, value, s.UserID)
		if err != nil {
			if !errors.Is(err, category.ErrNotFound) {
				st.logger.Warn("category resolution failed",
					zap.String("session_id", s.SessionID), zap.Error(err))
			}
			return fmt.Sprintf("Category not changed: I couldn't find a category matching %q.", value)
		}
		p.CategoryID = cat.ID
		p.CategoryName = cat.Name

	case FieldNote:
		p.Note = value

	default:
		return fmt.Sprintf("I can't change %q.", field)
	}
	return ""
}

// persist commits the pending record. It is the only step that writes to
// the ledger and never commits twice.
func (st *steps) persist(ctx context.Context, s State) result {
	if s.CommittedRecordID != "" {
		st.logger.Info("record already committed",
			zap.String("session_id", s.SessionID), zap.String("record_id", s.CommittedRecordID))
		return result{Delta: s, Route: graph.Stop()}
	}

	p := *s.Pending
	id, err := st.ledger.Commit(ctx, Record{
		SessionID:    s.SessionID,
		UserID:       s.UserID,
		MerchantName: p.MerchantName,
		Amount:       p.Amount,
		Date:         p.StorageDate,
		CategoryID:   p.CategoryID,
		Note:         p.Note,
	})
	if err != nil {
		st.metrics.recordCommitFailure()
		st.logger.Error("ledger commit failed",
			zap.String("session_id", s.SessionID), zap.Error(err))
		s.Failure = FailurePersistence
		s.FailureDetail = err.Error()
		s.Response = appendString(s.Response, msgPersistFailed)
		return result{Delta: s}
	}

	st.metrics.recordCommit()
	p.ID = id
	s.Pending = &p
	s.CommittedRecordID = id
	s.Response = appendString(s.Response, savedMessage(p))
	s.Log = appendTurn(s.Log, RoleAssistant, savedMessage(p), st.now())

	if p.CategoryID != "" && p.CategoryID != s.OriginalCategoryID {
		st.learn(s.UserID, id, s.OriginalCategoryID, p.CategoryID)
	}

	if st.budget != nil && p.CategoryID != "" {
		warning, err := st.budget.CheckStatus(ctx, s.UserID, p.CategoryID, p.Amount)
		if err != nil {
			st.logger.Warn("budget check failed",
				zap.String("session_id", s.SessionID), zap.Error(err))
		}
		if warning != nil {
			w := *warning
			s.Budget = &w
		}
	}
	return result{Delta: s}
}

// generateFollowUp surfaces a budget warning with optional advice.
func (st *steps) generateFollowUp(ctx context.Context, s State) result {
	w := s.Budget
	if w == nil {
		return result{Delta: s, Route: graph.Stop()}
	}

	s.Warnings = appendString(s.Warnings, w.Message)
	s.Response = appendString(s.Response, "Heads up: "+w.Message)

	if st.advice != nil && s.Pending != nil {
		text, err := st.advice.Generate(ctx, s.UserID, normalize.Period(s.Pending.StorageDate))
		if err != nil {
			st.logger.Warn("advice generation failed",
				zap.String("session_id", s.SessionID), zap.Error(err))
		} else if text = strings.TrimSpace(text); text != "" {
			s.Response = appendString(s.Response, text)
		}
	}
	return result{Delta: s, Route: graph.Stop()}
}

// fallback ends the turn with a clarification or apology. Nothing is persisted.
func (st *steps) fallback(_ context.Context, s State) result {
	var msg string
	switch s.Failure {
	case FailureExtraction:
		msg = msgRestate
	case FailureClarification:
		msg = msgClarify
	default:
		msg = msgSomethingWrong
	}
	st.metrics.recordFallback(s.Failure)

	s.Response = appendString(s.Response, msg)
	s.Log = appendTurn(s.Log, RoleAssistant, msg, st.now())
	return result{Delta: s, Route: graph.Stop()}
}

func copyCorrections(in map[string]string) map[string]string {
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func metricField(field string) string {
	switch field {
	case FieldAmount, FieldMerchant, FieldDate, FieldCategory, FieldNote:
		return field
	}
	return "other"
}
