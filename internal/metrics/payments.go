package metrics

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Namespace prefixes every metric name.
const Namespace = "eftpos"

// Payments records transaction, reconciliation and log sink activity.
type Payments interface {
	// RecordTransaction counts one finished CreateTransaction call. Outcome is
	// success, fail, ambiguous or error.
	RecordTransaction(ctx context.Context, provider, txType, outcome string, duration time.Duration)
	// RecordReconcile counts one refetch made for an unresolved record.
	// Status is resolved, pending or abandoned.
	RecordReconcile(ctx context.Context, provider, status string)
	// RecordLogDropped counts log entries dropped because the queue was full.
	RecordLogDropped(ctx context.Context)
}

type payments struct {
	transactions metric.Int64Counter
	duration     metric.Float64Histogram
	reconciles   metric.Int64Counter
	logDropped   metric.Int64Counter
}

// NewPayments creates the instruments on meterProvider.
func NewPayments(meterProvider metric.MeterProvider) (Payments, error) {
	meter := meterProvider.Meter(Namespace)

	transactions, err := meter.Int64Counter(
		Namespace+"_transactions_total",
		metric.WithDescription("Total number of card transactions"),
		metric.WithUnit("{transaction}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create transaction counter: %w", err)
	}

	duration, err := meter.Float64Histogram(
		Namespace+"_transaction_duration_seconds",
		metric.WithDescription("Duration of card transactions in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(1, 5, 10, 20, 30, 60, 120, 300, 600),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create duration histogram: %w", err)
	}

	reconciles, err := meter.Int64Counter(
		Namespace+"_reconcile_attempts_total",
		metric.WithDescription("Refetch attempts made for unresolved transactions"),
		metric.WithUnit("{attempt}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create reconcile counter: %w", err)
	}

	logDropped, err := meter.Int64Counter(
		Namespace+"_log_entries_dropped_total",
		metric.WithDescription("Transaction log entries dropped because the queue was full"),
		metric.WithUnit("{entry}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create log drop counter: %w", err)
	}

	return &payments{
		transactions: transactions,
		duration:     duration,
		reconciles:   reconciles,
		logDropped:   logDropped,
	}, nil
}

func (p *payments) RecordTransaction(ctx context.Context, provider, txType, outcome string, duration time.Duration) {
	attrs := metric.WithAttributes(
		attribute.String("outcome", outcome),
		attribute.String("provider", provider),
		attribute.String("type", txType),
	)
	p.transactions.Add(ctx, 1, attrs)
	p.duration.Record(ctx, duration.Seconds(), attrs)
}

func (p *payments) RecordReconcile(ctx context.Context, provider, status string) {
	p.reconciles.Add(ctx, 1, metric.WithAttributes(
		attribute.String("provider", provider),
		attribute.String("status", status),
	))
}

func (p *payments) RecordLogDropped(ctx context.Context) {
	p.logDropped.Add(ctx, 1)
}

// NoOp is used when metrics are disabled.
type NoOp struct{}

func (NoOp) RecordTransaction(context.Context, string, string, string, time.Duration) {}
func (NoOp) RecordReconcile(context.Context, string, string)                         {}
func (NoOp) RecordLogDropped(context.Context)                                        {}
