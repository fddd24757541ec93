package smartpay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"eftpos-bridge/internal/eftpos"
	"eftpos-bridge/internal/providers"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"
)

const ProviderName = "smartpay"

func init() {
	providers.Register(ProviderName, New)
}

// Transaction statuses reported by the cloud API.
const (
	StatusPending   = "PENDING"
	StatusCompleted = "COMPLETED"
)

// Config is the smartpay settings block.
type Config struct {
	BaseURL          string             `json:"base_url"`
	RegisterID       string             `json:"register_id"`
	RegisterName     string             `json:"register_name,omitempty"`
	BusinessName     string             `json:"business_name"`
	VendorName       string             `json:"vendor_name"`
	PollInterval     providers.Duration `json:"poll_interval,omitempty"`
	OverallTimeout   providers.Duration `json:"overall_timeout,omitempty"`
	FailureThreshold int                `json:"failure_threshold,omitempty"`
}

func (c Config) pollInterval() time.Duration   { return c.PollInterval.Or(time.Second) }
func (c Config) overallTimeout() time.Duration { return c.OverallTimeout.Or(10 * time.Minute) }

func (c Config) failureThreshold() int {
	if c.FailureThreshold <= 0 {
		return 5
	}
	return c.FailureThreshold
}

func (c Config) validateEndpoint() error {
	u, err := url.Parse(c.BaseURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("%w: smartpay base_url %q must be an http(s) URL", eftpos.ErrValidation, c.BaseURL)
	}
	return nil
}

// Validate checks the endpoint parameters needed for a transaction.
func (c Config) Validate() error {
	if err := c.validateEndpoint(); err != nil {
		return err
	}
	if strings.TrimSpace(c.RegisterID) == "" {
		return fmt.Errorf("%w: smartpay register_id is required, pair the register first", eftpos.ErrValidation)
	}
	return nil
}

// statusResponse is the JSON document returned by GET /transaction/{id}.
type statusResponse struct {
	TransactionID     string     `json:"transactionId"`
	TransactionStatus string     `json:"transactionStatus"`
	Display           string     `json:"display,omitempty"`
	Data              resultData `json:"data"`
}

type resultData struct {
	TransactionResult string `json:"TransactionResult"`
	Result            string `json:"Result"`
	ResultText        string `json:"ResultText,omitempty"`
	Receipt           string `json:"Receipt,omitempty"`
	CardType          string `json:"CardType,omitempty"`
	AmountSurcharge   int64  `json:"AmountSurcharge,omitempty"`
	AmountTip         int64  `json:"AmountTip,omitempty"`
}

// Provider drives a Smartpay terminal through the cloud polling API.
type Provider struct {
	cfg    Config
	http   *providers.HTTPClient
	logger *zap.SugaredLogger
	clock  clockwork.Clock
	active atomic.Pointer[string]
}

// New is the registry constructor.
func New(deps providers.Deps, settings json.RawMessage) (providers.Provider, error) {
	var cfg Config
	if len(settings) > 0 {
		if err := json.Unmarshal(settings, &cfg); err != nil {
			return nil, fmt.Errorf("invalid smartpay settings: %w", err)
		}
	}
	// register_id may still be empty until Pair has run
	if err := cfg.validateEndpoint(); err != nil {
		return nil, err
	}
	return NewProvider(deps, cfg), nil
}

func NewProvider(deps providers.Deps, cfg Config) *Provider {
	deps = deps.WithDefaults()
	return &Provider{
		cfg:    cfg,
		http:   providers.NewHTTPClient(deps.HTTPClient, cfg.failureThreshold(), deps.Clock),
		logger: deps.Logger.Named(ProviderName),
		clock:  deps.Clock,
	}
}

func (p *Provider) Name() string {
	return ProviderName
}

// HTTP exposes the breaker-wrapped client for health reporting.
func (p *Provider) HTTP() *providers.HTTPClient {
	return p.http
}

func (p *Provider) endpoint(parts ...string) string {
	escaped := make([]string, len(parts))
	for i, s := range parts {
		escaped[i] = url.PathEscape(s)
	}
	return strings.TrimRight(p.cfg.BaseURL, "/") + "/" + strings.Join(escaped, "/")
}

func (p *Provider) postForm(ctx context.Context, endpoint string, form url.Values) ([]byte, int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, 0, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")
	return p.http.Do(req)
}

func (p *Provider) fetchStatus(ctx context.Context, transactionID string) (statusResponse, int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.endpoint("transaction", transactionID), nil)
	if err != nil {
		return statusResponse{}, 0, err
	}
	req.Header.Set("Accept", "application/json")

	body, code, err := p.http.Do(req)
	if err != nil {
		return statusResponse{}, code, err
	}
	var doc statusResponse
	if err := json.Unmarshal(body, &doc); err != nil {
		return statusResponse{}, code, fmt.Errorf("decode status: %w", err)
	}
	return doc, code, nil
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

	deadline := p.clock.Now().Add(p.cfg.overallTimeout())
	id := req.TransactionID
	p.active.Store(&id)
	defer p.active.Store(nil)

	txType := "Card.Purchase"
	if req.Type == eftpos.Refund {
		txType = "Card.Refund"
	}
	form := url.Values{
		"POSRegisterID":   {p.cfg.RegisterID},
		"POSBusinessName": {p.cfg.BusinessName},
		"POSVendorName":   {p.cfg.VendorName},
		"TransactionMode": {"ASYNC"},
		"TransactionType": {txType},
		"TransactionId":   {req.TransactionID},
		"AmountTotal":     {strconv.FormatInt(req.Amount, 10)},
	}

	flow.Progress(ctx, "Sending transaction to EFTPOS terminal")
	flow.Tracef("POST transaction %s %s %d", req.TransactionID, txType, req.Amount)
	if _, code, err := p.postForm(ctx, p.endpoint("transaction"), form); err != nil {
		var statusErr *providers.HTTPStatusError
		switch {
		case providers.NotDelivered(err):
			flow.Fail(eftpos.ErrConnection, false, err, "Could not reach the EFTPOS service")
		case errors.As(err, &statusErr) && code < 500:
			flow.Fail(eftpos.ErrSystem, false, err, "EFTPOS service rejected the transaction")
		default:
			// the request may have been accepted before the failure
			flow.Fail(eftpos.ErrConnection, true, err, eftpos.GenericFailureMessage)
		}
		return
	}
	p.logger.Infof("Submitted %s for transaction %s (%d cents)", txType, req.TransactionID, req.Amount)

	p.poll(ctx, flow, deadline)
}

func (p *Provider) poll(ctx context.Context, flow *providers.Flow, deadline time.Time) {
	req := flow.Request()
	ticker := p.clock.NewTicker(p.cfg.pollInterval())
	defer ticker.Stop()

	var lastDelay eftpos.PlatformOutcome
	var lastDisplay string

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

		doc, code, err := p.fetchStatus(ctx, req.TransactionID)
		if err != nil {
			if errors.Is(err, providers.ErrCircuitOpen) {
				flow.Fail(eftpos.ErrConnection, true, err, eftpos.GenericFailureMessage)
				return
			}
			// a missing or failed poll is retried until the breaker opens
			flow.Tracef("poll failed (status %d): %v", code, err)
			continue
		}

		if doc.Display != "" && doc.Display != lastDisplay {
			lastDisplay = doc.Display
			flow.Progress(ctx, doc.Display)
		}
		if !strings.EqualFold(doc.TransactionStatus, StatusCompleted) {
			continue
		}

		res := normalize(doc.Data)
		if res.Outcome == eftpos.Delay {
			if res.PlatformOutcome != lastDelay {
				lastDelay = res.PlatformOutcome
				flow.Delayed(ctx, res)
			}
			continue
		}

		var flowErr error
		if res.PlatformOutcome.SystemFault() {
			flowErr = eftpos.NewTransactionError(eftpos.ErrSystem, ProviderName, req.TransactionID, true,
				fmt.Errorf("transaction result %q result %q", doc.Data.TransactionResult, doc.Data.Result))
		}
		if res.PlatformOutcome == eftpos.Unknown {
			p.logger.Warnf("Unmapped transaction result %q for transaction %s", doc.Data.TransactionResult, req.TransactionID)
		}
		flow.Complete(res, flowErr)
		return
	}
}

// Refetch reads the status document of transactionID once.
func (p *Provider) Refetch(ctx context.Context, transactionID string, amount int64) (eftpos.Result, error) {
	if err := p.cfg.Validate(); err != nil {
		return eftpos.GenericFailure(transactionID), err
	}

	doc, code, err := p.fetchStatus(ctx, transactionID)
	if code == http.StatusNotFound {
		p.logger.Infof("Refetch %s: transaction unknown to the service", transactionID)
		return eftpos.FailResult(transactionID, eftpos.NotFound, "Transaction not found on terminal"), nil
	}
	if err != nil {
		return eftpos.GenericFailure(transactionID),
			eftpos.NewTransactionError(eftpos.ErrConnection, ProviderName, transactionID, false, err)
	}
	if !strings.EqualFold(doc.TransactionStatus, StatusCompleted) {
		return eftpos.GenericFailure(transactionID),
			eftpos.NewTransactionError(eftpos.ErrAmbiguous, ProviderName, transactionID, true,
				fmt.Errorf("transaction still %s", doc.TransactionStatus))
	}

	res := normalize(doc.Data)
	res.TransactionID = transactionID
	if res.Outcome == eftpos.Delay {
		return res, eftpos.NewTransactionError(eftpos.ErrAmbiguous, ProviderName, transactionID, true,
			fmt.Errorf("transaction result %s", doc.Data.TransactionResult))
	}
	p.logger.Infof("Refetched transaction %s: %s (%s)", transactionID, res.Outcome, res.PlatformOutcome)
	return res, nil
}

// Cancel asks the service to abort the running transaction.
func (p *Provider) Cancel(ctx context.Context) error {
	id := p.active.Load()
	if id == nil {
		return nil
	}
	p.logger.Infof("Cancelling transaction %s", *id)
	_, _, err := p.postForm(ctx, p.endpoint("transaction", *id, "cancel"), url.Values{
		"POSRegisterID": {p.cfg.RegisterID},
	})
	return err
}

// Pair links this register to a terminal using the code shown on its
// screen. It returns the register id, generating one when none is set.
func (p *Provider) Pair(ctx context.Context, code string) (string, error) {
	if err := p.cfg.validateEndpoint(); err != nil {
		return "", err
	}
	code = strings.TrimSpace(code)
	if code == "" {
		return "", fmt.Errorf("%w: pairing code is required", eftpos.ErrValidation)
	}

	registerID := p.cfg.RegisterID
	if registerID == "" {
		registerID = uuid.NewString()
	}
	name := p.cfg.RegisterName
	if name == "" {
		name = "Kiosk"
	}
	_, _, err := p.postForm(ctx, p.endpoint("pairing", code), url.Values{
		"POSRegisterID":   {registerID},
		"POSRegisterName": {name},
		"POSBusinessName": {p.cfg.BusinessName},
		"POSVendorName":   {p.cfg.VendorName},
	})
	if err != nil {
		return "", fmt.Errorf("pairing failed: %w", err)
	}
	p.logger.Infof("Paired register %s with code %s", registerID, code)
	return registerID, nil
}
