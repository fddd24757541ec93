package verifone

/*
Verifone socket terminal state machine.

STATES:
  Connecting    -> dial in the background, poll Connected() every connect_poll_interval
  AwaitingAck   -> PC,<flag> configure printing; terminal answers PC,00
  TransactionSent -> PR (or RF) sent exactly once with the pre-generated id
  Polling       -> RE? every poll_interval until a final RE arrives

TIMEOUT RULES:
1. Connect: not connected after connect_timeout -> ConnectionError (nothing sent)
2. Inactivity: no inbound frame for inactivity_timeout -> ProtocolTimeout
3. Overall: no final result by overall_timeout -> ProtocolTimeout
Inactivity is always shorter than overall, so a silent terminal is detected
well before the deadline. Any timeout or transport error after PR is sent is
ambiguous and goes to the unresolved ledger.

QUESTIONS:
- QS,CAN (confirm cancel) is answered Y automatically
- QS,SIG in unattended mode is answered N and a later 08 result is a failure
- everything else is forwarded to the caller
*/

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"eftpos-bridge/internal/eftpos"
	"eftpos-bridge/internal/providers"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"
)

const ProviderName = "verifone"

func init() {
	providers.Register(ProviderName, New)
}

var errConfigureRejected = errors.New("terminal rejected configuration")

// Config is the verifone settings block.
type Config struct {
	Address           string             `json:"address"`
	MerchantID        string             `json:"merchant_id"`
	Framing           Framing            `json:"framing,omitempty"`
	PrintOnTerminal   bool               `json:"print_on_terminal"`
	SkipSignature     *bool              `json:"skip_signature,omitempty"`
	ConnectTimeout    providers.Duration `json:"connect_timeout,omitempty"`
	ConnectPoll       providers.Duration `json:"connect_poll_interval,omitempty"`
	PollInterval      providers.Duration `json:"poll_interval,omitempty"`
	InactivityTimeout providers.Duration `json:"inactivity_timeout,omitempty"`
	OverallTimeout    providers.Duration `json:"overall_timeout,omitempty"`
}

type timeouts struct {
	connect     time.Duration
	connectPoll time.Duration
	poll        time.Duration
	inactivity  time.Duration
	overall     time.Duration
}

func (c Config) timeouts() timeouts {
	return timeouts{
		connect:     c.ConnectTimeout.Or(20 * time.Second),
		connectPoll: c.ConnectPoll.Or(200 * time.Millisecond),
		poll:        c.PollInterval.Or(time.Second),
		inactivity:  c.InactivityTimeout.Or(20 * time.Second),
		overall:     c.OverallTimeout.Or(3 * time.Minute),
	}
}

// Validate checks the endpoint parameters.
func (c Config) Validate() error {
	if c.Address == "" {
		return fmt.Errorf("%w: verifone address is required", eftpos.ErrValidation)
	}
	if _, _, err := net.SplitHostPort(c.Address); err != nil {
		return fmt.Errorf("%w: verifone address %q: %v", eftpos.ErrValidation, c.Address, err)
	}
	if strings.TrimSpace(c.MerchantID) == "" {
		return fmt.Errorf("%w: verifone merchant_id is required", eftpos.ErrValidation)
	}
	switch c.Framing {
	case "", FramingLine, FramingEnvelope:
	default:
		return fmt.Errorf("%w: unknown framing %q", eftpos.ErrValidation, c.Framing)
	}
	if t := c.timeouts(); t.inactivity >= t.overall {
		return fmt.Errorf("%w: inactivity timeout %s must be shorter than overall timeout %s",
			eftpos.ErrValidation, t.inactivity, t.overall)
	}
	return nil
}

type activeTxn struct {
	session       *Session
	transactionID string
}

// Provider drives a Verifone terminal over TCP.
type Provider struct {
	cfg        Config
	t          timeouts
	logger     *zap.SugaredLogger
	clock      clockwork.Clock
	unattended bool
	active     atomic.Pointer[activeTxn]
}

// New is the registry constructor.
func New(deps providers.Deps, settings json.RawMessage) (providers.Provider, error) {
	var cfg Config
	if len(settings) > 0 {
		if err := json.Unmarshal(settings, &cfg); err != nil {
			return nil, fmt.Errorf("invalid verifone settings: %w", err)
		}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return NewProvider(deps, cfg), nil
}

// NewProvider builds a provider without validating cfg; Start validates.
func NewProvider(deps providers.Deps, cfg Config) *Provider {
	deps = deps.WithDefaults()
	unattended := deps.SkipSignature
	if cfg.SkipSignature != nil {
		unattended = *cfg.SkipSignature
	}
	return &Provider{
		cfg:        cfg,
		t:          cfg.timeouts(),
		logger:     deps.Logger.Named(ProviderName),
		clock:      deps.Clock,
		unattended: unattended,
	}
}

func (p *Provider) Name() string {
	return ProviderName
}

func (p *Provider) framing() Framing {
	if p.cfg.Framing == "" {
		return FramingLine
	}
	return p.cfg.Framing
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
	sess := OpenSession(ctx, p.cfg.Address, p.framing(), p.clock, flow.Tracef)
	p.active.Store(&activeTxn{session: sess, transactionID: req.TransactionID})
	defer func() {
		p.active.Store(nil)
		_ = sess.Close()
	}()

	flow.Progress(ctx, "Connecting to EFTPOS terminal")
	if err := p.awaitConnected(ctx, sess); err != nil {
		flow.Fail(eftpos.ErrConnection, false, err, "Could not connect to the EFTPOS terminal")
		return
	}

	if err := p.configure(ctx, sess); err != nil {
		kind := eftpos.ErrConnection
		if errors.Is(err, errConfigureRejected) {
			kind = eftpos.ErrSystem
		}
		flow.Fail(kind, false, err, "EFTPOS terminal is not responding")
		return
	}

	tag := TagPurchase
	if req.Type == eftpos.Refund {
		tag = TagRefund
	}
	if err := sess.Send(NewFrame(tag, req.TransactionID, p.cfg.MerchantID, strconv.FormatInt(req.Amount, 10))); err != nil {
		// part of the frame may have reached the terminal
		flow.Fail(eftpos.ErrConnection, true, err, eftpos.GenericFailureMessage)
		return
	}
	p.logger.Infof("Sent %s for transaction %s (%d cents)", tag, req.TransactionID, req.Amount)

	p.poll(ctx, sess, flow, deadline)
}

func (p *Provider) awaitConnected(ctx context.Context, sess *Session) error {
	start := p.clock.Now()
	for !sess.Connected() {
		if err := sess.Err(); err != nil {
			return err
		}
		if p.clock.Since(start) >= p.t.connect {
			return fmt.Errorf("not connected after %s", p.t.connect)
		}
		if err := providers.Sleep(ctx, p.clock, p.t.connectPoll); err != nil {
			return err
		}
	}
	return nil
}

func (p *Provider) configure(ctx context.Context, sess *Session) error {
	// 1 = receipts are returned to the POS in the RE frame
	flag := "1"
	if p.cfg.PrintOnTerminal {
		flag = "0"
	}
	if err := sess.Send(NewFrame(TagConfigure, flag)); err != nil {
		return err
	}
	ack, err := p.awaitFrame(ctx, sess, p.t.inactivity, func(f Frame) bool {
		return f.Tag == TagConfigure
	})
	if err != nil {
		return fmt.Errorf("configure printing: %w", err)
	}
	if code := strings.TrimSpace(ack.Field(0)); code != "00" {
		return fmt.Errorf("%w: code %q", errConfigureRejected, code)
	}
	return nil
}

// awaitFrame waits up to timeout for a frame accepted by match, dropping others.
func (p *Provider) awaitFrame(ctx context.Context, sess *Session, timeout time.Duration, match func(Frame) bool) (Frame, error) {
	timer := p.clock.NewTimer(timeout)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return Frame{}, ctx.Err()
		case <-timer.Chan():
			return Frame{}, fmt.Errorf("no response within %s", timeout)
		case f, ok := <-sess.Frames():
			if !ok {
				if err := sess.Err(); err != nil {
					return Frame{}, err
				}
				return Frame{}, ErrNotConnected
			}
			if match(f) {
				return f, nil
			}
		}
	}
}

type pollState struct {
	lastActivity time.Time
	lastDelay    eftpos.PlatformOutcome
	sig          signature
}

func (p *Provider) poll(ctx context.Context, sess *Session, flow *providers.Flow, deadline time.Time) {
	req := flow.Request()
	ticker := p.clock.NewTicker(p.t.poll)
	defer ticker.Stop()

	st := &pollState{lastActivity: p.clock.Now()}
	resultRequest := NewFrame(TagResultRequest, req.TransactionID, p.cfg.MerchantID)

	for {
		if err := sess.Err(); err != nil {
			flow.Fail(eftpos.ErrConnection, true, err, eftpos.GenericFailureMessage)
			return
		}

		now := p.clock.Now()
		if !now.Before(deadline) {
			flow.Fail(eftpos.ErrProtocolTimeout, true,
				fmt.Errorf("no final result within %s", p.t.overall), eftpos.GenericFailureMessage)
			return
		}
		if last := sess.LastFrameAt(); last.After(st.lastActivity) {
			st.lastActivity = last
		}
		quiet := now.Sub(st.lastActivity)
		if quiet >= p.t.inactivity {
			flow.Fail(eftpos.ErrProtocolTimeout, true,
				fmt.Errorf("terminal silent for %s", quiet.Round(time.Millisecond)), eftpos.GenericFailureMessage)
			return
		}

		wake := deadline.Sub(now)
		if rest := p.t.inactivity - quiet; rest < wake {
			wake = rest
		}
		timer := p.clock.NewTimer(wake)

		select {
		case <-ctx.Done():
			timer.Stop()
			flow.Fail(eftpos.ErrConnection, true, ctx.Err(), eftpos.GenericFailureMessage)
			return
		case f, ok := <-sess.Frames():
			timer.Stop()
			if !ok {
				if sess.Err() == nil {
					flow.Fail(eftpos.ErrConnection, true, ErrNotConnected, eftpos.GenericFailureMessage)
					return
				}
				continue
			}
			if p.handleFrame(ctx, sess, flow, st, f, deadline) {
				return
			}
		case <-ticker.Chan():
			timer.Stop()
			// a failed write sets the sticky error checked above
			_ = sess.Send(resultRequest)
		case <-timer.Chan():
		}
	}
}

// handleFrame reacts to one inbound frame and reports whether the flow ended.
func (p *Provider) handleFrame(ctx context.Context, sess *Session, flow *providers.Flow, st *pollState, f Frame, deadline time.Time) bool {
	req := flow.Request()

	switch f.Tag {
	case TagDisplay:
		flow.Progress(ctx, strings.Join(f.Fields, " "))

	case TagQuestion:
		text := ""
		if len(f.Fields) > 1 {
			text = strings.Join(f.Fields[1:], " ")
		}
		p.answer(ctx, sess, flow, st, strings.TrimSpace(f.Field(0)), text, deadline)
		st.lastActivity = p.clock.Now()

	case TagResult:
		r, err := ParseResult(f)
		if err != nil {
			flow.Tracef("bad result frame: %v", err)
			return false
		}
		if r.TransactionID != req.TransactionID {
			flow.Tracef("ignoring result for %s", r.TransactionID)
			return false
		}

		res := normalize(r, p.signatureState(st.sig))
		if res.Outcome == eftpos.Delay {
			if res.PlatformOutcome != st.lastDelay {
				st.lastDelay = res.PlatformOutcome
				flow.Delayed(ctx, res)
			}
			return false
		}

		var flowErr error
		if res.PlatformOutcome.SystemFault() {
			flowErr = eftpos.NewTransactionError(eftpos.ErrSystem, ProviderName, req.TransactionID, true,
				fmt.Errorf("terminal code %s", r.Code))
		}
		if res.PlatformOutcome == eftpos.Unknown {
			p.logger.Warnf("Unmapped response code %q for transaction %s", r.Code, req.TransactionID)
		}
		flow.Complete(res, flowErr)
		return true

	case TagConfigure:
		// late or repeated ack

	default:
		flow.Tracef("ignoring %s frame", f.Tag)
	}
	return false
}

// signatureState treats every signature result as skipped in unattended
// mode, asked or not.
func (p *Provider) signatureState(sig signature) signature {
	if p.unattended {
		return signatureSkipped
	}
	return sig
}

func (p *Provider) answer(ctx context.Context, sess *Session, flow *providers.Flow, st *pollState, kind, text string, deadline time.Time) {
	var yes bool
	switch kind {
	case QuestionConfirmCancel:
		yes = true
	case QuestionSignature:
		if p.unattended {
			flow.Tracef("signature declined: unattended mode")
			st.sig = signatureSkipped
			break
		}
		yes = p.ask(ctx, flow, eftpos.QuestionSignature, text, deadline)
		if !yes {
			st.sig = signatureDeclined
		}
	default:
		yes = p.ask(ctx, flow, eftpos.QuestionOther, text, deadline)
	}

	reply := "N"
	if yes {
		reply = "Y"
	}
	_ = sess.Send(NewFrame(TagAnswer, reply))
}

func (p *Provider) ask(ctx context.Context, flow *providers.Flow, kind eftpos.QuestionKind, text string, deadline time.Time) bool {
	actx, cancel := context.WithTimeout(ctx, deadline.Sub(p.clock.Now()))
	defer cancel()

	yes, err := flow.Ask(actx, kind, text, "Yes", "No")
	if err != nil {
		flow.Tracef("question unanswered: %v", err)
		return false
	}
	return yes
}

// Refetch opens a fresh session and asks for the result of transactionID.
func (p *Provider) Refetch(ctx context.Context, transactionID string, amount int64) (eftpos.Result, error) {
	if err := p.cfg.Validate(); err != nil {
		return eftpos.GenericFailure(transactionID), err
	}

	ctx, cancel := context.WithTimeout(ctx, p.t.connect+p.t.inactivity)
	defer cancel()

	trace := func(format string, args ...interface{}) {
		p.logger.Debugf("refetch %s: %s", transactionID, fmt.Sprintf(format, args...))
	}
	sess := OpenSession(ctx, p.cfg.Address, p.framing(), p.clock, trace)
	defer func() { _ = sess.Close() }()

	fail := func(kind error, err error) (eftpos.Result, error) {
		return eftpos.GenericFailure(transactionID), eftpos.NewTransactionError(kind, ProviderName, transactionID, false, err)
	}

	if err := p.awaitConnected(ctx, sess); err != nil {
		return fail(eftpos.ErrConnection, err)
	}
	if err := sess.Send(NewFrame(TagResultRequest, transactionID, p.cfg.MerchantID)); err != nil {
		return fail(eftpos.ErrConnection, err)
	}
	f, err := p.awaitFrame(ctx, sess, p.t.inactivity, func(f Frame) bool {
		return f.Tag == TagResult && f.Field(0) == transactionID
	})
	if err != nil {
		return fail(eftpos.ErrProtocolTimeout, err)
	}
	r, err := ParseResult(f)
	if err != nil {
		return fail(eftpos.ErrSystem, err)
	}

	res := normalize(r, p.signatureState(signatureNone))
	if res.Outcome == eftpos.Delay {
		return res, eftpos.NewTransactionError(eftpos.ErrAmbiguous, ProviderName, transactionID, true,
			fmt.Errorf("terminal still reports %s", r.Code))
	}
	p.logger.Infof("Refetched transaction %s: %s (%s)", transactionID, res.Outcome, res.PlatformOutcome)
	return res, nil
}

// Cancel sends CN for the running transaction.
func (p *Provider) Cancel(ctx context.Context) error {
	a := p.active.Load()
	if a == nil {
		return nil
	}
	p.logger.Infof("Cancelling transaction %s", a.transactionID)
	return a.session.Send(NewFrame(TagCancel, a.transactionID))
}
