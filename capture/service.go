package capture

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/huytu0702/moniagent-sub000/category"
	"github.com/huytu0702/moniagent-sub000/graph"
	"github.com/huytu0702/moniagent-sub000/graph/emit"
	"github.com/huytu0702/moniagent-sub000/graph/store"
)

// Deps are the collaborators a Service calls. Extractor, Categories and
// Ledger are required; the rest are optional.
type Deps struct {
	Extractor  Extractor
	Classifier IntentClassifier
	Categories CategoryStore
	Ledger     Ledger
	Budget     BudgetService
	Learning   LearningService
	Advice     AdviceService
}

// Input is a new user message.
type Input struct {
	SessionID string
	UserID    string
	Text      string
	Kind      MessageKind
	Image     *Attachment
}

// Outcome is what a caller shows the user after a turn.
type Outcome struct {
	ResponseText      string
	Interrupted       bool
	Pending           *PendingRecord
	Warnings          []string
	CommittedRecordID string
	Failure           FailureKind
}

// Service runs capture conversations. It is safe for concurrent use; calls
// for the same session are serialized through the store's lock.
type Service struct {
	engine      *graph.Engine[State]
	store       store.LockingStore[State]
	attachments *Attachments
	learning    LearningService
	logger      *zap.Logger
	metrics     *Metrics
	now         func() time.Time

	confirmationTTL time.Duration
	learningTimeout time.Duration
	learnWG         sync.WaitGroup
}

// Option configures a Service.
type Option func(*config)

type config struct {
	logger          *zap.Logger
	emitter         emit.Emitter
	metrics         *Metrics
	engineMetrics   *graph.PrometheusMetrics
	now             func() time.Time
	confirmationTTL time.Duration
	learningTimeout time.Duration
	maxSteps        int
	nodeTimeout     time.Duration
	extractRetry    graph.RetryPolicy
	attachments     *Attachments
}

// WithLogger sets the logger. The default discards everything.
func WithLogger(logger *zap.Logger) Option {
	return func(c *config) { c.logger = logger }
}

// WithEmitter sets the engine event emitter.
func WithEmitter(emitter emit.Emitter) Option {
	return func(c *config) { c.emitter = emitter }
}

// WithMetrics enables capture metrics.
func WithMetrics(m *Metrics) Option {
	return func(c *config) { c.metrics = m }
}

// WithEngineMetrics enables engine metrics.
func WithEngineMetrics(m *graph.PrometheusMetrics) Option {
	return func(c *config) { c.engineMetrics = m }
}

// WithClock sets the time source used for dates and suspension ages.
func WithClock(now func() time.Time) Option {
	return func(c *config) { c.now = now }
}

// WithConfirmationTTL lets Run discard a suspension older than ttl and start
// over. Zero (the default) means Run always rejects a suspended session.
func WithConfirmationTTL(ttl time.Duration) Option {
	return func(c *config) { c.confirmationTTL = ttl }
}

// WithLearningTimeout bounds each learning side effect. Default 10s.
func WithLearningTimeout(d time.Duration) Option {
	return func(c *config) { c.learningTimeout = d }
}

// WithMaxSteps bounds the steps of one Run or Resume. Default 20.
func WithMaxSteps(n int) Option {
	return func(c *config) { c.maxSteps = n }
}

// WithNodeTimeout bounds each step attempt. Default 30s.
func WithNodeTimeout(d time.Duration) Option {
	return func(c *config) { c.nodeTimeout = d }
}

// WithExtractRetry sets how transient extraction failures are retried.
// The Retryable predicate is always supplied by the Service.
func WithExtractRetry(p graph.RetryPolicy) Option {
	return func(c *config) { c.extractRetry = p }
}

// WithAttachments shares an attachment side channel with the caller.
func WithAttachments(a *Attachments) Option {
	return func(c *config) { c.attachments = a }
}

// New builds a Service over st.
func New(deps Deps, st store.LockingStore[State], opts ...Option) (*Service, error) {
	switch {
	case deps.Extractor == nil:
		return nil, fmt.Errorf("%w: extractor is required", ErrInvalidInput)
	case deps.Categories == nil:
		return nil, fmt.Errorf("%w: category store is required", ErrInvalidInput)
	case deps.Ledger == nil:
		return nil, fmt.Errorf("%w: ledger is required", ErrInvalidInput)
	case st == nil:
		return nil, fmt.Errorf("%w: store is required", ErrInvalidInput)
	}

	cfg := config{
		logger:          zap.NewNop(),
		emitter:         emit.NewNullEmitter(),
		now:             time.Now,
		learningTimeout: 10 * time.Second,
		maxSteps:        20,
		nodeTimeout:     30 * time.Second,
		extractRetry:    graph.RetryPolicy{MaxAttempts: 3, BaseDelay: 200 * time.Millisecond, MaxDelay: 2 * time.Second},
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.attachments == nil {
		cfg.attachments = NewAttachments()
	}
	cfg.extractRetry.Retryable = isTemporary

	s := &Service{
		store:           st,
		attachments:     cfg.attachments,
		learning:        deps.Learning,
		logger:          cfg.logger.Named("capture"),
		metrics:         cfg.metrics,
		now:             cfg.now,
		confirmationTTL: cfg.confirmationTTL,
		learningTimeout: cfg.learningTimeout,
	}

	engineOpts := []graph.Option{
		graph.WithMaxSteps(cfg.maxSteps),
		graph.WithDefaultNodeTimeout(cfg.nodeTimeout),
		graph.WithClock(cfg.now),
	}
	if cfg.engineMetrics != nil {
		engineOpts = append(engineOpts, graph.WithMetrics(cfg.engineMetrics))
	}
	engine, err := graph.New[State](reduce, st, cfg.emitter, engineOpts...)
	if err != nil {
		return nil, err
	}

	sp := &steps{
		extractor:   deps.Extractor,
		classifier:  deps.Classifier,
		resolver:    category.NewResolver(deps.Categories),
		ledger:      deps.Ledger,
		budget:      deps.Budget,
		advice:      deps.Advice,
		attachments: s.attachments,
		learn:       s.learnAsync,
		now:         cfg.now,
		logger:      s.logger,
		metrics:     cfg.metrics,
	}

	nodes := map[Step]graph.Node[State]{
		StepExtract: graph.WithPolicy[State](graph.NodeFunc[State](sp.extract), graph.NodePolicy{
			RetryPolicy: &cfg.extractRetry,
		}),
		StepPrepareConfirmation: graph.NodeFunc[State](sp.prepareConfirmation),
		StepAskConfirmation:     graph.NodeFunc[State](sp.askConfirmation),
		StepClassifyIntent:      graph.NodeFunc[State](sp.classifyIntent),
		StepApplyCorrection:     graph.NodeFunc[State](sp.applyCorrection),
		StepPersist:             graph.NodeFunc[State](sp.persist),
		StepGenerateFollowUp:    graph.NodeFunc[State](sp.generateFollowUp),
		StepFallback:            graph.NodeFunc[State](sp.fallback),
	}
	for _, step := range Steps {
		if err := engine.Add(string(step), nodes[step]); err != nil {
			return nil, err
		}
	}
	if err := engine.StartAt(string(StepExtract)); err != nil {
		return nil, err
	}
	engine.RouteWith(graphRouter)
	engine.RetainWhen(retainForRetry)

	s.engine = engine
	return s, nil
}

// retainForRetry keeps a completed run whose commit failed.
func retainForRetry(s State) bool {
	return s.Failure == FailurePersistence && s.CommittedRecordID == "" && s.Pending != nil
}

// Run starts a capture from a new message.
//
// A session awaiting confirmation rejects new messages with
// ErrSessionSuspended, unless a confirmation TTL is configured and the
// suspension is older than it; stale suspensions are discarded and the
// message starts a fresh capture.
func (s *Service) Run(ctx context.Context, in Input) (Outcome, error) {
	if in.SessionID == "" || in.UserID == "" {
		return Outcome{}, fmt.Errorf("%w: session id and user id are required", ErrInvalidInput)
	}
	if in.Kind == "" {
		in.Kind = KindText
	}
	if in.Kind == KindImage && (in.Image == nil || len(in.Image.Data) == 0) {
		return Outcome{}, fmt.Errorf("%w: image message without image data", ErrInvalidInput)
	}

	unlock, err := s.store.Lock(ctx, in.SessionID)
	if err != nil {
		return Outcome{}, fmt.Errorf("failed to lock session %s: %w", in.SessionID, err)
	}
	defer unlock()

	cp, err := s.engine.Checkpoint(ctx, in.SessionID)
	switch {
	case err == nil && cp.Interrupted:
		if !s.stale(cp.State) {
			return suspendedOutcome(cp.State), ErrSessionSuspended
		}
		s.logger.Info("discarding stale confirmation", zap.String("session_id", in.SessionID))
		if err := s.engine.Discard(ctx, in.SessionID); err != nil {
			return Outcome{}, fmt.Errorf("failed to discard session %s: %w", in.SessionID, err)
		}
	case err == nil:
		// A retained failed commit or an aborted resume. A new message replaces it.
		if err := s.engine.Discard(ctx, in.SessionID); err != nil {
			return Outcome{}, fmt.Errorf("failed to discard session %s: %w", in.SessionID, err)
		}
	case !errors.Is(err, store.ErrNotFound):
		return Outcome{}, fmt.Errorf("failed to load session %s: %w", in.SessionID, err)
	}

	if in.Kind == KindImage {
		s.attachments.Put(in.SessionID, *in.Image)
	}
	defer s.attachments.Delete(in.SessionID)

	logText := in.Text
	if in.Kind == KindImage && logText == "" {
		logText = "[image]"
	}
	initial := State{
		SessionID: in.SessionID,
		UserID:    in.UserID,
		Input:     Message{Text: in.Text, Kind: in.Kind},
		Log:       []Turn{{Role: RoleUser, Text: logText, At: s.now()}},
	}

	res, err := s.engine.Run(ctx, in.SessionID, initial)
	return s.finish(ctx, in.SessionID, res, err)
}

// Resume continues a suspended capture with the user's reply.
// Without a pending confirmation it returns ErrNoPendingConfirmation.
func (s *Service) Resume(ctx context.Context, sessionID, reply string) (Outcome, error) {
	unlock, err := s.store.Lock(ctx, sessionID)
	if err != nil {
		return Outcome{}, fmt.Errorf("failed to lock session %s: %w", sessionID, err)
	}
	defer unlock()

	if cp, err := s.engine.Checkpoint(ctx, sessionID); err == nil && cp.Interrupted && s.stale(cp.State) {
		s.logger.Info("confirmation expired", zap.String("session_id", sessionID))
		if err := s.engine.Discard(ctx, sessionID); err != nil {
			return Outcome{}, fmt.Errorf("failed to discard session %s: %w", sessionID, err)
		}
		return Outcome{ResponseText: msgConfirmExpired}, ErrNoPendingConfirmation
	}

	now := s.now()
	res, err := s.engine.Resume(ctx, sessionID, func(st State) State {
		st = resetTurn(st)
		st.Suspended = false
		st.Suspension = nil
		st.Log = appendTurn(st.Log, RoleUser, reply, now)
		return st
	})
	if errors.Is(err, graph.ErrNotInterrupted) {
		return Outcome{ResponseText: msgNothingToConfirm}, ErrNoPendingConfirmation
	}
	return s.finish(ctx, sessionID, res, err)
}

// Retry re-attempts the commit of a record whose commit failed.
func (s *Service) Retry(ctx context.Context, sessionID string) (Outcome, error) {
	unlock, err := s.store.Lock(ctx, sessionID)
	if err != nil {
		return Outcome{}, fmt.Errorf("failed to lock session %s: %w", sessionID, err)
	}
	defer unlock()

	cp, err := s.engine.Checkpoint(ctx, sessionID)
	if errors.Is(err, store.ErrNotFound) {
		return Outcome{ResponseText: msgNothingToRetry}, ErrNothingToRetry
	}
	if err != nil {
		return Outcome{}, fmt.Errorf("failed to load session %s: %w", sessionID, err)
	}
	if cp.Interrupted || !retainForRetry(cp.State) {
		return Outcome{ResponseText: msgNothingToRetry}, ErrNothingToRetry
	}

	res, err := s.engine.RunFrom(ctx, sessionID, string(StepPersist), resetTurn(cp.State))
	return s.finish(ctx, sessionID, res, err)
}

// Close forgets a session, including any pending confirmation.
func (s *Service) Close(ctx context.Context, sessionID string) error {
	unlock, err := s.store.Lock(ctx, sessionID)
	if err != nil {
		return fmt.Errorf("failed to lock session %s: %w", sessionID, err)
	}
	defer unlock()

	s.attachments.Delete(sessionID)
	if err := s.engine.Discard(ctx, sessionID); err != nil {
		return fmt.Errorf("failed to close session %s: %w", sessionID, err)
	}
	return nil
}

// Pending returns the record awaiting confirmation, if any.
func (s *Service) Pending(ctx context.Context, sessionID string) (PendingRecord, bool, error) {
	cp, err := s.engine.Checkpoint(ctx, sessionID)
	if errors.Is(err, store.ErrNotFound) {
		return PendingRecord{}, false, nil
	}
	if err != nil {
		return PendingRecord{}, false, fmt.Errorf("failed to load session %s: %w", sessionID, err)
	}
	if !cp.Interrupted || cp.State.Pending == nil {
		return PendingRecord{}, false, nil
	}
	return *cp.State.Pending, true, nil
}

// Wait blocks until in-flight learning side effects finish.
func (s *Service) Wait() {
	s.learnWG.Wait()
}

func (s *Service) stale(st State) bool {
	if s.confirmationTTL <= 0 || st.Suspension == nil {
		return false
	}
	return s.now().Sub(st.Suspension.At) > s.confirmationTTL
}

// finish turns an engine result into an Outcome.
func (s *Service) finish(ctx context.Context, sessionID string, res graph.Result[State], err error) (Outcome, error) {
	if err != nil {
		var ee *ExtractionError
		var ne *graph.NodeError
		if errors.As(err, &ee) || (errors.As(err, &ne) && ne.NodeID == string(StepExtract)) {
			s.logger.Warn("extraction failed after retries",
				zap.String("session_id", sessionID), zap.Error(err))
			s.metrics.recordFallback(FailureExtraction)
			if derr := s.engine.Discard(ctx, sessionID); derr != nil {
				s.logger.Warn("failed to discard session", zap.String("session_id", sessionID), zap.Error(derr))
			}
			return Outcome{ResponseText: msgRestate, Failure: FailureExtraction}, nil
		}
		s.logger.Error("capture workflow failed", zap.String("session_id", sessionID), zap.Error(err))
		return Outcome{ResponseText: msgSomethingWrong}, err
	}

	st := res.State
	out := Outcome{
		ResponseText:      strings.Join(st.Response, "\n\n"),
		Interrupted:       res.Interrupted(),
		Warnings:          st.Warnings,
		CommittedRecordID: st.CommittedRecordID,
		Failure:           st.Failure,
	}
	if st.Pending != nil {
		p := *st.Pending
		out.Pending = &p
	}

	if st.Failure == FailurePersistence {
		return out, &PersistenceError{SessionID: sessionID, Err: errors.New(st.FailureDetail)}
	}
	return out, nil
}

func suspendedOutcome(st State) Outcome {
	out := Outcome{
		ResponseText: suspendedMessage(st),
		Interrupted:  true,
	}
	if st.Pending != nil {
		p := *st.Pending
		out.Pending = &p
	}
	return out
}

// learnAsync records a category correction in the background.
// Failures are logged and never reach the user.
func (s *Service) learnAsync(userID, recordID, from, to string) {
	if s.learning == nil {
		return
	}

	s.learnWG.Add(1)
	go func() {
		defer s.learnWG.Done()

		ctx, cancel := context.WithTimeout(context.Background(), s.learningTimeout)
		defer cancel()

		if err := s.learning.RecordCorrection(ctx, userID, recordID, from, to); err != nil {
			s.logger.Warn("learning side effect failed",
				zap.String("user_id", userID),
				zap.Error(&LearningError{RecordID: recordID, Err: err}))
		}
	}()
}
