package windcave

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync/atomic"
	"time"

	"eftpos-bridge/internal/eftpos"
	"eftpos-bridge/internal/providers"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"
)

const ProviderName = "windcave"

func init() {
	providers.Register(ProviderName, New)
}

// Config is the windcave settings block.
type Config struct {
	URL              string             `json:"url"`
	User             string             `json:"user"`
	Key              string             `json:"key"`
	Station          string             `json:"station"`
	Currency         string             `json:"currency,omitempty"`
	DeviceID         string             `json:"device_id,omitempty"`
	PosName          string             `json:"pos_name,omitempty"`
	VendorID         string             `json:"vendor_id,omitempty"`
	SkipSignature    *bool              `json:"skip_signature,omitempty"`
	PollInterval     providers.Duration `json:"poll_interval,omitempty"`
	OverallTimeout   providers.Duration `json:"overall_timeout,omitempty"`
	FailureThreshold int                `json:"failure_threshold,omitempty"`
}

func (c Config) pollInterval() time.Duration   { return c.PollInterval.Or(2 * time.Second) }
func (c Config) overallTimeout() time.Duration { return c.OverallTimeout.Or(5 * time.Minute) }

func (c Config) currency() string {
	if c.Currency == "" {
		return "NZD"
	}
	return strings.ToUpper(c.Currency)
}

func (c Config) failureThreshold() int {
	if c.FailureThreshold <= 0 {
		return 5
	}
	return c.FailureThreshold
}

// Validate checks the endpoint parameters.
func (c Config) Validate() error {
	u, err := url.Parse(c.URL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("%w: windcave url %q must be an http(s) URL", eftpos.ErrValidation, c.URL)
	}
	for name, v := range map[string]string{"user": c.User, "key": c.Key, "station": c.Station} {
		if strings.TrimSpace(v) == "" {
			return fmt.Errorf("%w: windcave %s is required", eftpos.ErrValidation, name)
		}
	}
	return nil
}

// Provider drives a Windcave terminal through the HIT XML interface.
type Provider struct {
	cfg        Config
	http       *providers.HTTPClient
	logger     *zap.SugaredLogger
	clock      clockwork.Clock
	unattended bool
	active     atomic.Pointer[string]
}

// New is the registry constructor.
func New(deps providers.Deps, settings json.RawMessage) (providers.Provider, error) {
	var cfg Config
	if len(settings) > 0 {
		if err := json.Unmarshal(settings, &cfg); err != nil {
			return nil, fmt.Errorf("invalid windcave settings: %w", err)
		}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return NewProvider(deps, cfg), nil
}

func NewProvider(deps providers.Deps, cfg Config) *Provider {
	deps = deps.WithDefaults()
	unattended := deps.SkipSignature
	if cfg.SkipSignature != nil {
		unattended = *cfg.SkipSignature
	}
	return &Provider{
		cfg:        cfg,
		http:       providers.NewHTTPClient(deps.HTTPClient, cfg.failureThreshold(), deps.Clock),
		logger:     deps.Logger.Named(ProviderName),
		clock:      deps.Clock,
		unattended: unattended,
	}
}

func (p *Provider) Name() string {
	return ProviderName
}

func (p *Provider) HTTP() *providers.HTTPClient {
	return p.http
}

func (p *Provider) newRequest(txnType, txnRef string) Request {
	return Request{
		User:     p.cfg.User,
		Key:      p.cfg.Key,
		Station:  p.cfg.Station,
		TxnType:  txnType,
		TxnRef:   txnRef,
		DeviceID: p.cfg.DeviceID,
		PosName:  p.cfg.PosName,
		VendorID: p.cfg.VendorID,
	}
}

func (p *Provider) post(ctx context.Context, r Request) (*Response, int, error) {
	body, err := r.Marshal()
	if err != nil {
		return nil, 0, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.cfg.URL, bytes.NewReader(body))
	if err != nil {
		return nil, 0, err
	}
	req.Header.Set("Content-Type", "application/xml")

	out, code, err := p.http.Do(req)
	if err != nil {
		return nil, code, err
	}
	resp, err := ParseResponse(out)
	return resp, code, err
}

func (p *Provider) Start(ctx context.Context, req eftpos.Request) <-chan eftpos.FlowEvent {
	flow, events := providers.NewFlow(ProviderName, req, p.clock)
	go p.run(ctx, flow)
	return events
}

type pollState struct {
	lastDisplay string
	lastPrompt  string
	lastDelay   eftpos.PlatformOutcome
	sig         signature
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

	deadline := p.clock.Now().Add(p.cfg.overallTimeout())
	id := req.TransactionID
	p.active.Store(&id)
	defer p.active.Store(nil)

	txnType := TxnPurchase
	if req.Type == eftpos.Refund {
		txnType = TxnRefund
	}
	r := p.newRequest(txnType, req.TransactionID)
	r.Amount = FormatAmount(req.Amount)
	r.Cur = p.cfg.currency()

	flow.Progress(ctx, "Sending transaction to EFTPOS terminal")
	flow.Tracef("%s %s %s %s", txnType, req.TransactionID, r.Amount, r.Cur)
	resp, code, err := p.post(ctx, r)
	if err != nil {
		var statusErr *providers.HTTPStatusError
		switch {
		case providers.NotDelivered(err):
			flow.Fail(eftpos.ErrConnection, false, err, "Could not reach the EFTPOS service")
			return
		case errors.As(err, &statusErr) && code < 500:
			flow.Fail(eftpos.ErrSystem, false, err, "EFTPOS service rejected the transaction")
			return
		case resp == nil && code == 0:
			flow.Fail(eftpos.ErrConnection, true, err, eftpos.GenericFailureMessage)
			return
		}
		// the status poll tells whether the terminal took it
		flow.Tracef("unreadable %s response: %v", txnType, err)
	}
	p.logger.Infof("Submitted %s for transaction %s (%s %s)", txnType, req.TransactionID, r.Amount, r.Cur)

	st := &pollState{}
	if resp != nil && p.handle(ctx, flow, st, resp, deadline) {
		return
	}
	p.poll(ctx, flow, st, deadline)
}

func (p *Provider) poll(ctx context.Context, flow *providers.Flow, st *pollState, deadline time.Time) {
	req := flow.Request()
	ticker := p.clock.NewTicker(p.cfg.pollInterval())
	defer ticker.Stop()

	for {
		if !p.clock.Now().Before(deadline) {
			flow.Fail(eftpos.ErrProtocolTimeout, true,
				fmt.Errorf("no final result within %s", p.cfg.overallTimeout()), eftpos.GenericFailureMessage)
			return
		}

		select {
		case <-ctx.Done():
			flow.Fail(eftpos.ErrConnection, true, ctx.Err(), eftpos.GenericFailureMessage)
			return
		case <-ticker.Chan():
		}

		resp, code, err := p.post(ctx, p.newRequest(TxnStatus, req.TransactionID))
		if err != nil {
			if errors.Is(err, providers.ErrCircuitOpen) {
				flow.Fail(eftpos.ErrConnection, true, err, eftpos.GenericFailureMessage)
				return
			}
			flow.Tracef("status poll failed (status %d): %v", code, err)
			continue
		}
		if p.handle(ctx, flow, st, resp, deadline) {
			return
		}
	}
}

// handle reacts to one response and reports whether the flow ended.
func (p *Provider) handle(ctx context.Context, flow *providers.Flow, st *pollState, resp *Response, deadline time.Time) bool {
	req := flow.Request()

	if !resp.Completed() {
		if d := resp.Display(); d != "" && d != st.lastDisplay {
			st.lastDisplay = d
			flow.Progress(ctx, d)
		}
		if prompt := resp.Prompt(); prompt != nil && prompt.key() != st.lastPrompt {
			st.lastPrompt = prompt.key()
			p.answer(ctx, flow, st, *prompt, deadline)
		}
		return false
	}

	res := normalize(resp, st.sig)
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
			fmt.Errorf("ReCo %s", Text(resp.ReCo)))
	}
	flow.Complete(res, flowErr)
	return true
}

func (p *Provider) answer(ctx context.Context, flow *providers.Flow, st *pollState, prompt Prompt, deadline time.Time) {
	var yes bool
	switch prompt.kind() {
	case eftpos.QuestionConfirmCancel:
		yes = true
	case eftpos.QuestionSignature:
		if p.unattended {
			flow.Tracef("signature declined: unattended mode")
			st.sig = signatureSkipped
			break
		}
		yes = p.ask(ctx, flow, eftpos.QuestionSignature, prompt, deadline)
		st.sig = signatureDeclined
		if yes {
			st.sig = signatureAccepted
		}
	default:
		yes = p.ask(ctx, flow, eftpos.QuestionOther, prompt, deadline)
	}

	r := p.newRequest(TxnUI, flow.Request().TransactionID)
	r.UIType = "Bn"
	r.Name, r.Val = ButtonNo, orDefault(prompt.No, "NO")
	if yes {
		r.Name, r.Val = ButtonYes, orDefault(prompt.Yes, "YES")
	}
	if _, _, err := p.post(ctx, r); err != nil {
		flow.Tracef("button %s failed: %v", r.Name, err)
	}
}

func (p *Provider) ask(ctx context.Context, flow *providers.Flow, kind eftpos.QuestionKind, prompt Prompt, deadline time.Time) bool {
	actx, cancel := context.WithTimeout(ctx, deadline.Sub(p.clock.Now()))
	defer cancel()

	options := []string{orDefault(prompt.Yes, "YES"), orDefault(prompt.No, "NO")}
	yes, err := flow.Ask(actx, kind, prompt.Text, options...)
	if err != nil {
		flow.Tracef("question unanswered: %v", err)
		return false
	}
	return yes
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}

// Refetch sends one Status request for transactionID.
func (p *Provider) Refetch(ctx context.Context, transactionID string, amount int64) (eftpos.Result, error) {
	if err := p.cfg.Validate(); err != nil {
		return eftpos.GenericFailure(transactionID), err
	}

	resp, _, err := p.post(ctx, p.newRequest(TxnStatus, transactionID))
	if err != nil {
		return eftpos.GenericFailure(transactionID),
			eftpos.NewTransactionError(eftpos.ErrConnection, ProviderName, transactionID, false, err)
	}
	if !resp.Completed() {
		return eftpos.GenericFailure(transactionID),
			eftpos.NewTransactionError(eftpos.ErrAmbiguous, ProviderName, transactionID, true,
				errors.New("transaction not complete"))
	}

	res := normalize(resp, signatureNone)
	res.TransactionID = transactionID
	if res.Outcome == eftpos.Delay {
		return res, eftpos.NewTransactionError(eftpos.ErrAmbiguous, ProviderName, transactionID, true,
			fmt.Errorf("ReCo %s", Text(resp.ReCo)))
	}
	p.logger.Infof("Refetched transaction %s: %s (%s)", transactionID, res.Outcome, res.PlatformOutcome)
	return res, nil
}

// Cancel presses the terminal's cancel button for the running transaction.
func (p *Provider) Cancel(ctx context.Context) error {
	id := p.active.Load()
	if id == nil {
		return nil
	}
	p.logger.Infof("Cancelling transaction %s", *id)
	r := p.newRequest(TxnUI, *id)
	r.UIType = "Bn"
	r.Name, r.Val = ButtonCancel, "CANCEL"
	_, _, err := p.post(ctx, r)
	return err
}
