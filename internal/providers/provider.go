package providers

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"eftpos-bridge/internal/eftpos"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"
)

// Provider drives one family of payment terminals.
type Provider interface {
	Name() string
	// Start runs a transaction flow. The returned channel yields progress,
	// questions and delays, then exactly one Completed event, then closes.
	// Callers must drain it.
	Start(ctx context.Context, req eftpos.Request) <-chan eftpos.FlowEvent
	// Refetch asks the terminal for the final outcome of transactionID. It
	// never re-submits the purchase. A nil error means the result is final.
	Refetch(ctx context.Context, transactionID string, amount int64) (eftpos.Result, error)
	// Cancel asks the terminal to abort the running flow. Best effort.
	Cancel(ctx context.Context) error
}

// Deps are the shared collaborators handed to every provider constructor.
type Deps struct {
	Logger     *zap.SugaredLogger
	Clock      clockwork.Clock
	HTTPClient *http.Client
	// SkipSignature is set in kiosk mode where no operator can check a signature.
	SkipSignature bool
}

// WithDefaults fills unset dependencies.
func (d Deps) WithDefaults() Deps {
	if d.Logger == nil {
		d.Logger = zap.NewNop().Sugar()
	}
	if d.Clock == nil {
		d.Clock = clockwork.NewRealClock()
	}
	if d.HTTPClient == nil {
		d.HTTPClient = &http.Client{Timeout: 15 * time.Second}
	}
	return d
}

// NewFunc creates a provider from its JSON settings block.
type NewFunc func(deps Deps, settings json.RawMessage) (Provider, error)

// Sleep waits for d on clock unless ctx ends first.
func Sleep(ctx context.Context, clock clockwork.Clock, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := clock.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.Chan():
		return nil
	}
}

// Duration is a time.Duration that reads "1.5s" style strings or plain
// milliseconds from JSON settings.
type Duration time.Duration

func (d *Duration) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err == nil {
		v, err := time.ParseDuration(s)
		if err != nil {
			return err
		}
		*d = Duration(v)
		return nil
	}
	var ms int64
	if err := json.Unmarshal(b, &ms); err != nil {
		return err
	}
	*d = Duration(time.Duration(ms) * time.Millisecond)
	return nil
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

// Or returns d, or def when d is unset.
func (d Duration) Or(def time.Duration) time.Duration {
	if d <= 0 {
		return def
	}
	return time.Duration(d)
}
