// Package driver is the single entry point the ordering flow uses to take a
// payment. It hides which provider is active and turns every provider flow
// into one normalized Result.
package driver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"eftpos-bridge/internal/core"
	"eftpos-bridge/internal/eftpos"
	"eftpos-bridge/internal/ledger"
	"eftpos-bridge/internal/metrics"
	"eftpos-bridge/internal/providers"
	"eftpos-bridge/internal/txlog"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"
)

const (
	DefaultRefetchTimeout  = 60 * time.Second
	DefaultQuestionTimeout = 90 * time.Second
)

var (
	// ErrNoProvider is returned when no provider is configured.
	ErrNoProvider = fmt.Errorf("%w: no payment provider configured", eftpos.ErrValidation)
	// ErrQuestionNotFound is returned by Answer for unknown or expired questions.
	ErrQuestionNotFound = errors.New("question not found")
)

// ProviderSource yields the provider to run the next transaction on.
type ProviderSource interface {
	Active() providers.Provider
}

// LogSink receives one entry per transaction attempt. It must not block.
type LogSink interface {
	Log(e txlog.Entry)
}

// QuestionHandler answers a terminal question for one transaction.
type QuestionHandler func(ctx context.Context, q eftpos.Question) (bool, error)

type options struct {
	txType        eftpos.TransactionType
	transactionID string
	reference     string
	onQuestion    QuestionHandler
	onProgress    func(message string)
	onDelay       func(res eftpos.Result)
}

// Option customises a single CreateTransaction call.
type Option func(*options)

func WithType(t eftpos.TransactionType) Option {
	return func(o *options) { o.txType = t }
}

// WithTransactionID overrides the generated id. Used by callers that persist
// the id before starting.
func WithTransactionID(id string) Option {
	return func(o *options) { o.transactionID = id }
}

// WithReference attaches an order reference kept on ledger records.
func WithReference(ref string) Option {
	return func(o *options) { o.reference = ref }
}

func WithQuestionHandler(fn QuestionHandler) Option {
	return func(o *options) { o.onQuestion = fn }
}

func WithProgress(fn func(message string)) Option {
	return func(o *options) { o.onProgress = fn }
}

func WithDelay(fn func(res eftpos.Result)) Option {
	return func(o *options) { o.onDelay = fn }
}

// Deps wires the facade.
type Deps struct {
	Providers ProviderSource
	Ledger    *ledger.Ledger
	Gate      *ledger.Gate
	Sink      LogSink
	Metrics   metrics.Payments
	Hub       *Hub
	Clock     clockwork.Clock
	Logger    *zap.SugaredLogger
	// RefetchTimeout bounds the immediate status check after an ambiguous outcome.
	RefetchTimeout time.Duration
	// QuestionTimeout answers no on behalf of a subscriber that never replies.
	QuestionTimeout time.Duration
}

type running struct {
	provider      providers.Provider
	transactionID string
}

// Facade runs transactions one at a time on the active provider.
type Facade struct {
	deps Deps

	current atomic.Pointer[running]

	pendingMu sync.Mutex
	pending   map[string]*eftpos.QuestionAsked
}

func New(deps Deps) *Facade {
	if deps.Gate == nil {
		deps.Gate = ledger.NewGate()
	}
	if deps.Metrics == nil {
		deps.Metrics = metrics.NoOp{}
	}
	if deps.Hub == nil {
		deps.Hub = NewHub(0)
	}
	if deps.Clock == nil {
		deps.Clock = clockwork.NewRealClock()
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop().Sugar()
	}
	if deps.RefetchTimeout <= 0 {
		deps.RefetchTimeout = DefaultRefetchTimeout
	}
	if deps.QuestionTimeout <= 0 {
		deps.QuestionTimeout = DefaultQuestionTimeout
	}
	deps.Logger = deps.Logger.Named("driver")
	return &Facade{deps: deps, pending: make(map[string]*eftpos.QuestionAsked)}
}

// Hub returns the event hub UI clients subscribe to.
func (f *Facade) Hub() *Hub {
	return f.deps.Hub
}

// CreateTransaction takes a payment of amount minor units. The error is nil
// for business outcomes (approved, declined, cancelled). When the outcome is
// unknown the result is a generic failure and the error carries the
// transaction id; the transaction stays in the ledger for reconciliation.
func (f *Facade) CreateTransaction(ctx context.Context, amount int64, opts ...Option) (eftpos.Result, error) {
	o := options{txType: eftpos.Purchase}
	for _, opt := range opts {
		opt(&o)
	}
	req := eftpos.Request{Amount: amount, Type: o.txType, TransactionID: o.transactionID}
	if req.TransactionID == "" {
		req.TransactionID = eftpos.NewTransactionID()
	}

	if err := req.Validate(); err != nil {
		return eftpos.FailResult(req.TransactionID, eftpos.Unknown, "Invalid payment request"), err
	}
	provider := f.deps.Providers.Active()
	if provider == nil {
		return eftpos.FailResult(req.TransactionID, eftpos.SystemError, "Payment terminal is not configured"), ErrNoProvider
	}

	if !f.deps.Gate.TryAcquire("transaction " + req.TransactionID) {
		f.deps.Logger.Warnf("Rejected transaction %s: terminal busy with %s", req.TransactionID, f.deps.Gate.Holder())
		return eftpos.FailResult(req.TransactionID, eftpos.TerminalBusy, "Another payment is in progress, please wait"),
			eftpos.ErrTransactionInProgress
	}
	defer f.deps.Gate.Release()

	f.current.Store(&running{provider: provider, transactionID: req.TransactionID})
	defer f.current.Store(nil)

	started := f.deps.Clock.Now()
	f.deps.Logger.Infof("Starting %s %s of %d on %s", req.Type, req.TransactionID, req.Amount, provider.Name())
	f.publish(Event{Type: EventStarted, TransactionID: req.TransactionID, Provider: provider.Name()})

	completed := f.consume(ctx, provider, req, o)
	res, err := completed.Result, completed.Err

	outcome := string(res.Outcome)
	if eftpos.IsAmbiguous(err) {
		var resolved bool
		res, resolved, err = f.recover(ctx, provider, req, o, completed)
		if !resolved {
			outcome = "unresolved"
		} else {
			outcome = string(res.Outcome)
		}
	}

	f.logAttempt(provider.Name(), req, res, err, completed.Trace)
	f.deps.Metrics.RecordTransaction(ctx, provider.Name(), string(req.Type), outcome, f.deps.Clock.Since(started))
	f.publish(Event{Type: EventCompleted, TransactionID: req.TransactionID, Provider: provider.Name(), Message: res.Message, Result: &res})

	if err != nil {
		f.deps.Logger.Warnw("Transaction failed", core.ErrorFields(err)...)
	} else {
		f.deps.Logger.Infof("Transaction %s finished: %s (%s)", req.TransactionID, res.Outcome, res.PlatformOutcome)
	}
	return res, err
}

// consume drains the provider event stream and returns its Completed event.
func (f *Facade) consume(ctx context.Context, provider providers.Provider, req eftpos.Request, o options) eftpos.Completed {
	flowCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	defer f.dropQuestions(req.TransactionID)

	var (
		completed eftpos.Completed
		seen      bool
	)
	for ev := range provider.Start(flowCtx, req) {
		switch e := ev.(type) {
		case eftpos.Progress:
			if o.onProgress != nil {
				o.onProgress(e.Message)
			}
			f.publish(Event{Type: EventProgress, TransactionID: req.TransactionID, Provider: provider.Name(), Message: e.Message})
		case eftpos.Delayed:
			if o.onDelay != nil {
				o.onDelay(e.Result)
			}
			res := e.Result
			f.publish(Event{Type: EventDelayed, TransactionID: req.TransactionID, Provider: provider.Name(), Message: res.Message, Result: &res})
		case *eftpos.QuestionAsked:
			f.ask(flowCtx, provider.Name(), e, o)
		case eftpos.Completed:
			completed, seen = e, true
		}
	}
	if !seen {
		err := eftpos.NewTransactionError(eftpos.ErrSystem, provider.Name(), req.TransactionID, false,
			errors.New("provider ended the flow without a result"))
		return eftpos.Completed{Result: eftpos.GenericFailure(req.TransactionID), Err: err}
	}
	return completed
}

// ask routes a question to the per-call handler, to UI subscribers, or
// answers it directly when nobody is listening.
func (f *Facade) ask(ctx context.Context, provider string, q *eftpos.QuestionAsked, o options) {
	question := q.Question
	fallback := question.Kind == eftpos.QuestionConfirmCancel

	if o.onQuestion != nil {
		go func() {
			yes, err := o.onQuestion(ctx, question)
			if err != nil {
				f.deps.Logger.Warnf("Question %s handler failed, answering %t: %v", question.ID, fallback, err)
				yes = fallback
			}
			q.Answer(yes)
		}()
		return
	}

	if f.deps.Hub.Subscribers() == 0 {
		f.deps.Logger.Infof("No operator for question %s (%s), answering %t", question.ID, question.Kind, fallback)
		q.Answer(fallback)
		return
	}

	f.pendingMu.Lock()
	f.pending[question.ID] = q
	f.pendingMu.Unlock()

	timer := f.deps.Clock.AfterFunc(f.deps.QuestionTimeout, func() {
		if f.takeQuestion(question.ID) != nil {
			f.deps.Logger.Warnf("Question %s not answered within %s, answering %t", question.ID, f.deps.QuestionTimeout, fallback)
			q.Answer(fallback)
		}
	})
	go func() {
		<-ctx.Done()
		timer.Stop()
	}()

	f.publish(Event{Type: EventQuestion, TransactionID: question.TransactionID, Provider: provider, Message: question.Text, Question: &question})
}

// Answer replies to a question published to subscribers.
func (f *Facade) Answer(questionID string, yes bool) error {
	q := f.takeQuestion(questionID)
	if q == nil {
		return ErrQuestionNotFound
	}
	q.Answer(yes)
	return nil
}

// PendingQuestions lists questions still waiting for a subscriber's answer.
func (f *Facade) PendingQuestions() []eftpos.Question {
	f.pendingMu.Lock()
	defer f.pendingMu.Unlock()
	out := make([]eftpos.Question, 0, len(f.pending))
	for _, q := range f.pending {
		out = append(out, q.Question)
	}
	return out
}

func (f *Facade) takeQuestion(id string) *eftpos.QuestionAsked {
	f.pendingMu.Lock()
	defer f.pendingMu.Unlock()
	q, ok := f.pending[id]
	if !ok {
		return nil
	}
	delete(f.pending, id)
	return q
}

func (f *Facade) dropQuestions(transactionID string) {
	f.pendingMu.Lock()
	defer f.pendingMu.Unlock()
	for id, q := range f.pending {
		if q.Question.TransactionID == transactionID {
			delete(f.pending, id)
		}
	}
}

// recover handles a flow whose outcome is unknown: the transaction is
// recorded in the ledger first, then its status is fetched once. Only a
// final answer removes the record.
func (f *Facade) recover(ctx context.Context, provider providers.Provider, req eftpos.Request, o options, completed eftpos.Completed) (eftpos.Result, bool, error) {
	cause := completed.Err
	if f.deps.Ledger != nil {
		err := f.deps.Ledger.Add(ledger.Record{
			TransactionID: req.TransactionID,
			Provider:      provider.Name(),
			Amount:        req.Amount,
			Type:          req.Type,
			Reference:     o.reference,
			Logs:          completed.Trace,
			CreatedAt:     f.deps.Clock.Now(),
			LastError:     cause.Error(),
		})
		if err != nil {
			f.deps.Logger.Errorf("Failed to record unresolved transaction %s: %v", req.TransactionID, err)
		}
	}

	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), f.deps.RefetchTimeout)
	defer cancel()

	res, err := provider.Refetch(rctx, req.TransactionID, req.Amount)
	if err != nil || !res.Final() {
		f.deps.Logger.Warnf("Transaction %s outcome unknown, left for reconciliation (refetch: %s %v)",
			req.TransactionID, res.PlatformOutcome, err)
		return eftpos.GenericFailure(req.TransactionID), false, cause
	}

	res.TransactionID = req.TransactionID
	if f.deps.Ledger != nil {
		if _, err := f.deps.Ledger.Remove(req.TransactionID); err != nil {
			f.deps.Logger.Errorf("Failed to remove resolved transaction %s: %v", req.TransactionID, err)
		}
	}
	f.deps.Metrics.RecordReconcile(ctx, provider.Name(), "resolved")
	f.deps.Logger.Infof("Transaction %s resolved by immediate refetch: %s (%s)", req.TransactionID, res.Outcome, res.PlatformOutcome)
	return res, true, nil
}

type attemptPayload struct {
	Result eftpos.Result `json:"result"`
	Error  string        `json:"error,omitempty"`
	Trace  []string      `json:"trace,omitempty"`
}

func (f *Facade) logAttempt(provider string, req eftpos.Request, res eftpos.Result, err error, trace []string) {
	if f.deps.Sink == nil {
		return
	}
	p := attemptPayload{Result: res, Trace: trace}
	if err != nil {
		p.Error = err.Error()
	}
	raw, merr := json.Marshal(p)
	if merr != nil {
		f.deps.Logger.Errorf("Failed to encode log payload for %s: %v", req.TransactionID, merr)
	}
	f.deps.Sink.Log(txlog.Entry{
		Provider:      provider,
		Amount:        req.Amount,
		Type:          string(req.Type),
		TransactionID: req.TransactionID,
		Outcome:       string(res.Outcome),
		Payload:       raw,
	})
}

// CancelTransaction asks the terminal to abort the running transaction. The
// terminal may still complete the charge; the running CreateTransaction call
// reports whatever actually happened.
func (f *Facade) CancelTransaction(ctx context.Context) error {
	r := f.current.Load()
	if r == nil {
		return nil
	}
	f.deps.Logger.Infof("Cancelling transaction %s", r.transactionID)
	if err := r.provider.Cancel(ctx); err != nil {
		f.deps.Logger.Warnf("Cancel of %s failed: %v", r.transactionID, err)
		return err
	}
	return nil
}

// Current returns the id of the running transaction, or "".
func (f *Facade) Current() string {
	if r := f.current.Load(); r != nil {
		return r.transactionID
	}
	return ""
}

func (f *Facade) publish(e Event) {
	if e.Time.IsZero() {
		e.Time = f.deps.Clock.Now().UTC()
	}
	f.deps.Hub.Publish(e)
}
