package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"eftpos-bridge/internal/eftpos"
	"eftpos-bridge/internal/metrics"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"
)

const (
	DefaultInterval       = 10 * time.Minute
	DefaultAttemptTimeout = 2 * time.Minute
	reconcilerOwner       = "reconciler"
)

// Refetcher queries the terminal for the status of one transaction. It must
// never submit a new purchase.
type Refetcher interface {
	Name() string
	Refetch(ctx context.Context, transactionID string, amount int64) (eftpos.Result, error)
}

// CycleReport summarises one reconciliation pass.
type CycleReport struct {
	Skipped    bool `json:"skipped"`
	Checked    int  `json:"checked"`
	Resolved   int  `json:"resolved"`
	Pending    int  `json:"pending"`
	Ineligible int  `json:"ineligible"`
}

// Reconciler periodically refetches every eligible record through the
// active provider.
type Reconciler struct {
	ledger         *Ledger
	gate           *Gate
	provider       func() Refetcher
	clock          clockwork.Clock
	logger         *zap.SugaredLogger
	metrics        metrics.Payments
	interval       time.Duration
	attemptTimeout time.Duration
	onResolved     func(Record, eftpos.Result)
}

func NewReconciler(l *Ledger, gate *Gate, provider func() Refetcher, clock clockwork.Clock, logger *zap.SugaredLogger) *Reconciler {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Reconciler{
		ledger:         l,
		gate:           gate,
		provider:       provider,
		clock:          clock,
		logger:         logger,
		metrics:        metrics.NoOp{},
		interval:       DefaultInterval,
		attemptTimeout: DefaultAttemptTimeout,
	}
}

// SetInterval changes the cycle period. Non-positive values are ignored.
func (r *Reconciler) SetInterval(d time.Duration) {
	if d > 0 {
		r.interval = d
	}
}

func (r *Reconciler) SetAttemptTimeout(d time.Duration) {
	if d > 0 {
		r.attemptTimeout = d
	}
}

func (r *Reconciler) SetMetrics(m metrics.Payments) {
	if m != nil {
		r.metrics = m
	}
}

// OnResolved is called after a record is removed with its final outcome.
func (r *Reconciler) OnResolved(fn func(Record, eftpos.Result)) {
	r.onResolved = fn
}

// Run reconciles every interval until ctx ends.
func (r *Reconciler) Run(ctx context.Context) error {
	r.logger.Infof("Reconciler started (every %s)", r.interval)
	ticker := r.clock.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.logger.Info("Reconciler stopped")
			return nil
		case <-ticker.Chan():
			report, err := r.RunOnce(ctx)
			if err != nil {
				r.logger.Errorf("Reconcile cycle failed: %v", err)
				continue
			}
			if report.Checked > 0 {
				r.logger.Infof("Reconcile cycle: %d checked, %d resolved, %d pending, %d ineligible",
					report.Checked, report.Resolved, report.Pending, report.Ineligible)
			}
		}
	}
}

// RunOnce makes one pass over the ledger. The whole pass is skipped while a
// foreground transaction holds the gate.
func (r *Reconciler) RunOnce(ctx context.Context) (CycleReport, error) {
	var report CycleReport
	if !r.gate.TryAcquire(reconcilerOwner) {
		r.logger.Debugf("Reconcile skipped: terminal busy with %s", r.gate.Holder())
		report.Skipped = true
		return report, nil
	}
	defer r.gate.Release()

	records, err := r.ledger.List()
	if err != nil {
		return report, err
	}
	if len(records) == 0 {
		return report, nil
	}

	provider := r.provider()
	now := r.clock.Now()
	for _, rec := range records {
		if ctx.Err() != nil {
			return report, nil
		}
		if !r.ledger.Eligible(rec, now) {
			report.Ineligible++
			continue
		}
		if provider == nil || provider.Name() != rec.Provider {
			report.Ineligible++
			continue
		}

		report.Checked++
		if _, resolved := r.attempt(ctx, provider, rec, now); resolved {
			report.Resolved++
		} else {
			report.Pending++
		}
	}
	return report, nil
}

func (r *Reconciler) attempt(ctx context.Context, provider Refetcher, rec Record, now time.Time) (eftpos.Result, bool) {
	actx, cancel := context.WithTimeout(ctx, r.attemptTimeout)
	defer cancel()

	res, err := provider.Refetch(actx, rec.TransactionID, rec.Amount)
	if err == nil && res.Final() {
		r.resolve(ctx, rec, res)
		return res, true
	}
	if err == nil {
		err = fmt.Errorf("terminal still reports %s", res.PlatformOutcome)
	}

	updated, aerr := r.ledger.RecordAttempt(rec.TransactionID, now, err)
	if aerr != nil {
		r.logger.Errorf("Failed to count attempt for %s: %v", rec.TransactionID, aerr)
		return res, false
	}
	status := "pending"
	if updated.Abandoned {
		status = "abandoned"
	}
	r.metrics.RecordReconcile(ctx, rec.Provider, status)
	r.logger.Warnf("Transaction %s still unresolved (attempt %d today, %d total): %v",
		rec.TransactionID, updated.RetryCountToday, updated.TotalRetryCount, err)
	return res, false
}

func (r *Reconciler) resolve(ctx context.Context, rec Record, res eftpos.Result) {
	removed, err := r.ledger.Remove(rec.TransactionID)
	if err != nil {
		r.logger.Errorf("Failed to remove resolved transaction %s: %v", rec.TransactionID, err)
		return
	}
	if !removed {
		return
	}
	r.metrics.RecordReconcile(ctx, rec.Provider, "resolved")
	r.logger.Infof("Transaction %s resolved: %s (%s)", rec.TransactionID, res.Outcome, res.PlatformOutcome)
	if r.onResolved != nil {
		r.onResolved(rec, res)
	}
}

// Resolve refetches one record on demand, ignoring the attempt caps. A final
// outcome removes the record; anything else leaves it untouched.
func (r *Reconciler) Resolve(ctx context.Context, id string) (eftpos.Result, error) {
	if !r.gate.TryAcquire(reconcilerOwner) {
		return eftpos.Result{}, eftpos.ErrTransactionInProgress
	}
	defer r.gate.Release()

	rec, err := r.ledger.Get(id)
	if err != nil {
		return eftpos.Result{}, err
	}
	provider := r.provider()
	if provider == nil || provider.Name() != rec.Provider {
		return eftpos.Result{}, fmt.Errorf("%w: transaction %s belongs to provider %q", eftpos.ErrValidation, id, rec.Provider)
	}

	actx, cancel := context.WithTimeout(ctx, r.attemptTimeout)
	defer cancel()
	res, err := provider.Refetch(actx, id, rec.Amount)
	if err != nil {
		return res, err
	}
	if !res.Final() {
		return res, errors.Join(eftpos.ErrAmbiguous, fmt.Errorf("terminal still reports %s", res.PlatformOutcome))
	}
	r.resolve(ctx, rec, res)
	return res, nil
}
