package tyro

/*
Tyro (MX51 SPI) flow.

The SPI client owns the terminal connection; this provider only issues
requests and follows TxFlowState callbacks for its PosRefID.

1. Wait for PairedConnected (connect_timeout) -> ConnectionError otherwise
2. InitiatePurchase / InitiateRefund once with the transaction id as PosRefID
3. Follow states until Finished:
   - DisplayMessage changes become progress events
   - AwaitingSignatureCheck is answered no in unattended mode, else asked
4. Finished with Success=Unknown runs InitiateRecovery and waits
   recovery_timeout for a known outcome; still unknown is ambiguous
5. No Finished state before overall_timeout is ambiguous
*/

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"eftpos-bridge/internal/eftpos"
	"eftpos-bridge/internal/providers"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"
)

const ProviderName = "tyro"

func init() {
	providers.Register(ProviderName, New)
}

// Config is the tyro settings block.
type Config struct {
	PosID           string             `json:"pos_id"`
	EftposAddress   string             `json:"eftpos_address,omitempty"`
	SerialNumber    string             `json:"serial_number,omitempty"`
	SkipSignature   *bool              `json:"skip_signature,omitempty"`
	ConnectTimeout  providers.Duration `json:"connect_timeout,omitempty"`
	ConnectPoll     providers.Duration `json:"connect_poll_interval,omitempty"`
	OverallTimeout  providers.Duration `json:"overall_timeout,omitempty"`
	RecoveryTimeout providers.Duration `json:"recovery_timeout,omitempty"`
	// Simulate runs against the in-process scripted SPI.
	Simulate bool    `json:"simulate,omitempty"`
	Script   *Script `json:"script,omitempty"`
}

type timeouts struct {
	connect     time.Duration
	connectPoll time.Duration
	overall     time.Duration
	recovery    time.Duration
}

func (c Config) timeouts() timeouts {
	return timeouts{
		connect:     c.ConnectTimeout.Or(20 * time.Second),
		connectPoll: c.ConnectPoll.Or(200 * time.Millisecond),
		overall:     c.OverallTimeout.Or(5 * time.Minute),
		recovery:    c.RecoveryTimeout.Or(30 * time.Second),
	}
}

func (c Config) Validate() error {
	if strings.TrimSpace(c.PosID) == "" {
		return fmt.Errorf("%w: tyro pos_id is required", eftpos.ErrValidation)
	}
	if c.Simulate {
		return nil
	}
	if c.EftposAddress == "" || c.SerialNumber == "" {
		return fmt.Errorf("%w: tyro eftpos_address and serial_number are required", eftpos.ErrValidation)
	}
	return nil
}

// NewSDK builds the SPI client for cfg. Builds linking a native SPI client
// replace it from an init function.
var NewSDK = func(cfg Config, deps providers.Deps) (SDK, error) {
	if cfg.Simulate {
		script := Script{}
		if cfg.Script != nil {
			script = *cfg.Script
		}
		return NewSimulatedSPI(script, deps.Clock), nil
	}
	return nil, fmt.Errorf("%w: no SPI client available for terminal %s", eftpos.ErrValidation, cfg.SerialNumber)
}

// Provider drives a Tyro terminal through the SPI callback SDK.
type Provider struct {
	cfg        Config
	t          timeouts
	sdk        SDK
	logger     *zap.SugaredLogger
	clock      clockwork.Clock
	unattended bool
	active     atomic.Pointer[string]

	listenerMu sync.Mutex
	listener   chan TxFlowState
}

// New is the registry constructor.
func New(deps providers.Deps, settings json.RawMessage) (providers.Provider, error) {
	var cfg Config
	if len(settings) > 0 {
		if err := json.Unmarshal(settings, &cfg); err != nil {
			return nil, fmt.Errorf("invalid tyro settings: %w", err)
		}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	deps = deps.WithDefaults()
	sdk, err := NewSDK(cfg, deps)
	if err != nil {
		return nil, err
	}
	return NewProvider(deps, cfg, sdk), nil
}

func NewProvider(deps providers.Deps, cfg Config, sdk SDK) *Provider {
	deps = deps.WithDefaults()
	unattended := deps.SkipSignature
	if cfg.SkipSignature != nil {
		unattended = *cfg.SkipSignature
	}
	p := &Provider{
		cfg:        cfg,
		t:          cfg.timeouts(),
		sdk:        sdk,
		logger:     deps.Logger.Named(ProviderName),
		clock:      deps.Clock,
		unattended: unattended,
	}
	sdk.SetTxFlowStateChanged(p.dispatch)
	return p
}

func (p *Provider) Name() string {
	return ProviderName
}

// dispatch runs on the SDK's callback goroutine and must not block.
func (p *Provider) dispatch(st TxFlowState) {
	p.listenerMu.Lock()
	defer p.listenerMu.Unlock()
	if p.listener == nil {
		return
	}
	select {
	case p.listener <- st:
	default:
		p.logger.Warnf("Dropped flow state for %s: listener is behind", st.PosRefID)
	}
}

func (p *Provider) listen() (<-chan TxFlowState, func()) {
	ch := make(chan TxFlowState, 64)
	p.listenerMu.Lock()
	p.listener = ch
	p.listenerMu.Unlock()
	return ch, func() {
		p.listenerMu.Lock()
		if p.listener == ch {
			p.listener = nil
		}
		p.listenerMu.Unlock()
	}
}

func (p *Provider) awaitConnected(ctx context.Context) error {
	start := p.clock.Now()
	for {
		status := p.sdk.Status()
		if status == StatusPairedConnected {
			return nil
		}
		if status == StatusUnpaired {
			return errors.New("terminal is not paired")
		}
		if p.clock.Since(start) >= p.t.connect {
			return fmt.Errorf("not connected after %s (%s)", p.t.connect, status)
		}
		if err := providers.Sleep(ctx, p.clock, p.t.connectPoll); err != nil {
			return err
		}
	}
}

func (p *Provider) Start(ctx context.Context, req eftpos.Request) <-chan eftpos.FlowEvent {
	flow, events := providers.NewFlow(ProviderName, req, p.clock)
	go p.run(ctx, flow)
	return events
}

func (p *Provider) run(ctx context.Context, flow *providers.Flow) {
	req := flow.Request()
	if err := req.Validate(); err != nil {
		flow.Fail(eftpos.ErrValidation, false, err, "Invalid transaction amount")
		return
	}
	if err := p.cfg.Validate(); err != nil {
		flow.Fail(eftpos.ErrValidation, false, err, "EFTPOS terminal is not configured")
		return
	}

	deadline := p.clock.Now().Add(p.t.overall)
	states, stop := p.listen()
	defer stop()

	flow.Progress(ctx, "Connecting to EFTPOS terminal")
	if err := p.awaitConnected(ctx); err != nil {
		flow.Fail(eftpos.ErrConnection, false, err, "Could not connect to the EFTPOS terminal")
		return
	}

	id := req.TransactionID
	p.active.Store(&id)
	defer p.active.Store(nil)

	initiate := p.sdk.InitiatePurchase
	if req.Type == eftpos.Refund {
		initiate = p.sdk.InitiateRefund
	}
	if err := initiate(id, req.Amount); err != nil {
		te := eftpos.NewTransactionError(eftpos.ErrSystem, ProviderName, id, false, err)
		if errors.Is(err, ErrTerminalBusy) {
			flow.Complete(eftpos.FailResult(id, eftpos.TerminalBusy, "Terminal busy, please try again"), te)
			return
		}
		flow.Complete(eftpos.FailResult(id, eftpos.SystemError, "EFTPOS terminal rejected the transaction"), te)
		return
	}
	flow.Tracef("initiated %s %s %d", req.Type, id, req.Amount)
	p.logger.Infof("Initiated %s %s (%d cents)", req.Type, id, req.Amount)

	timer := p.clock.NewTimer(deadline.Sub(p.clock.Now()))
	defer timer.Stop()

	var lastDisplay string
	sig := signatureNone
	for {
		select {
		case <-ctx.Done():
			flow.Fail(eftpos.ErrConnection, true, ctx.Err(), eftpos.GenericFailureMessage)
			return
		case <-timer.Chan():
			flow.Fail(eftpos.ErrProtocolTimeout, true,
				fmt.Errorf("no final result within %s", p.t.overall), eftpos.GenericFailureMessage)
			return
		case st := <-states:
			if st.PosRefID != id {
				continue
			}
			if st.DisplayMessage != "" && st.DisplayMessage != lastDisplay {
				lastDisplay = st.DisplayMessage
				flow.Progress(ctx, st.DisplayMessage)
			}
			if st.AwaitingSignatureCheck && sig == signatureNone && !st.Finished {
				sig = p.checkSignature(ctx, flow, deadline)
				continue
			}
			if !st.Finished {
				continue
			}

			_ = p.sdk.AckFlowEnded()
			res, known := normalize(st, sig)
			if !known {
				flow.Tracef("outcome unknown, recovering")
				res, known = p.recover(ctx, flow, states, id)
			}
			if !known {
				flow.Fail(eftpos.ErrAmbiguous, true, errors.New("terminal reported an unknown outcome"), eftpos.GenericFailureMessage)
				return
			}
			if sig == signatureDeclined && p.unattended {
				res.Outcome = eftpos.Fail
				res.Message = eftpos.UnattendedSignatureMessage
			}
			var flowErr error
			if res.PlatformOutcome.SystemFault() {
				flowErr = eftpos.NewTransactionError(eftpos.ErrSystem, ProviderName, id, true,
					fmt.Errorf("terminal responded %q", responseText(st)))
			}
			flow.Complete(res, flowErr)
			return
		}
	}
}

func (p *Provider) checkSignature(ctx context.Context, flow *providers.Flow, deadline time.Time) signature {
	if p.unattended {
		flow.Tracef("signature declined: unattended mode")
		_ = p.sdk.AcceptSignature(false)
		return signatureDeclined
	}

	actx, cancel := context.WithTimeout(ctx, deadline.Sub(p.clock.Now()))
	defer cancel()
	yes, err := flow.Ask(actx, eftpos.QuestionSignature, "Does the signature match?", "Yes", "No")
	if err != nil {
		flow.Tracef("signature question unanswered: %v", err)
	}
	_ = p.sdk.AcceptSignature(yes)
	if yes {
		return signatureAccepted
	}
	return signatureDeclined
}

// recover asks the SPI for the last outcome of id and waits for it.
func (p *Provider) recover(ctx context.Context, flow *providers.Flow, states <-chan TxFlowState, id string) (eftpos.Result, bool) {
	flow.Progress(ctx, "Checking transaction outcome")
	if err := p.sdk.InitiateRecovery(id); err != nil {
		flow.Tracef("recovery request failed: %v", err)
		return eftpos.Result{}, false
	}
	st, err := p.awaitFinished(ctx, states, id)
	if err != nil {
		flow.Tracef("recovery: %v", err)
		return eftpos.Result{}, false
	}
	return normalize(st, signatureNone)
}

func (p *Provider) awaitFinished(ctx context.Context, states <-chan TxFlowState, id string) (TxFlowState, error) {
	timer := p.clock.NewTimer(p.t.recovery)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return TxFlowState{}, ctx.Err()
		case <-timer.Chan():
			return TxFlowState{}, fmt.Errorf("no recovery result within %s", p.t.recovery)
		case st := <-states:
			if st.PosRefID == id && st.Finished {
				_ = p.sdk.AckFlowEnded()
				return st, nil
			}
		}
	}
}

// Refetch runs a recovery for transactionID.
func (p *Provider) Refetch(ctx context.Context, transactionID string, amount int64) (eftpos.Result, error) {
	if err := p.cfg.Validate(); err != nil {
		return eftpos.GenericFailure(transactionID), err
	}
	fail := func(kind error, sent bool, err error) (eftpos.Result, error) {
		return eftpos.GenericFailure(transactionID), eftpos.NewTransactionError(kind, ProviderName, transactionID, sent, err)
	}
	if status := p.sdk.Status(); status != StatusPairedConnected {
		return fail(eftpos.ErrConnection, false, fmt.Errorf("terminal %s", status))
	}

	states, stop := p.listen()
	defer stop()

	if err := p.sdk.InitiateRecovery(transactionID); err != nil {
		return fail(eftpos.ErrConnection, false, err)
	}
	st, err := p.awaitFinished(ctx, states, transactionID)
	if err != nil {
		return fail(eftpos.ErrProtocolTimeout, false, err)
	}
	res, known := normalize(st, signatureNone)
	if !known {
		return fail(eftpos.ErrAmbiguous, true, errors.New("terminal still reports an unknown outcome"))
	}
	res.TransactionID = transactionID
	p.logger.Infof("Recovered transaction %s: %s (%s)", transactionID, res.Outcome, res.PlatformOutcome)
	return res, nil
}

// Cancel asks the terminal to cancel the running transaction.
func (p *Provider) Cancel(ctx context.Context) error {
	id := p.active.Load()
	if id == nil {
		return nil
	}
	p.logger.Infof("Cancelling transaction %s", *id)
	return p.sdk.CancelTransaction()
}
