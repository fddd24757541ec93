package tyro

import (
	"errors"
	"sync"
	"time"

	"eftpos-bridge/internal/providers"

	"github.com/jonboulle/clockwork"
)

// Script drives the simulated SPI.
type Script struct {
	Outcome      Success            `json:"outcome,omitempty"` // Success when empty
	ResponseText string             `json:"response_text,omitempty"`
	Scheme       string             `json:"scheme,omitempty"`
	Receipt      string             `json:"receipt,omitempty"`
	Surcharge    int64              `json:"surcharge,omitempty"`
	Tip          int64              `json:"tip,omitempty"`
	Displays     []string           `json:"displays,omitempty"`
	StepDelay    providers.Duration `json:"step_delay,omitempty"`
	AskSignature bool               `json:"ask_signature,omitempty"`
	NeverFinish  bool               `json:"never_finish,omitempty"`
	// RecoveryOutcome is what a recovery reports; the flow outcome when empty.
	RecoveryOutcome Success   `json:"recovery_outcome,omitempty"`
	Status          SpiStatus `json:"status,omitempty"` // PairedConnected when empty
	RejectInitiate  bool      `json:"reject_initiate,omitempty"`
}

type simTx struct {
	posRefID  string
	signature chan bool
	cancel    chan struct{}
}

// SimulatedSPI is a scripted SDK for tests and bench runs.
type SimulatedSPI struct {
	clock clockwork.Clock

	mu         sync.Mutex
	script     Script
	callback   func(TxFlowState)
	current    *simTx
	finished   map[string]TxFlowState
	purchases  int
	refunds    int
	recoveries int
	acks       int
	cancels    int
	signatures []bool
	wg         sync.WaitGroup
}

func NewSimulatedSPI(script Script, clock clockwork.Clock) *SimulatedSPI {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &SimulatedSPI{
		clock:    clock,
		script:   script,
		finished: make(map[string]TxFlowState),
	}
}

func (s *SimulatedSPI) SetScript(script Script) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.script = script
}

func (s *SimulatedSPI) Status() SpiStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.script.Status == "" {
		return StatusPairedConnected
	}
	return s.script.Status
}

func (s *SimulatedSPI) SetTxFlowStateChanged(fn func(TxFlowState)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.callback = fn
}

func (s *SimulatedSPI) InitiatePurchase(posRefID string, amount int64) error {
	return s.initiate(posRefID, false)
}

func (s *SimulatedSPI) InitiateRefund(posRefID string, amount int64) error {
	return s.initiate(posRefID, true)
}

func (s *SimulatedSPI) initiate(posRefID string, refund bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current != nil || s.script.RejectInitiate {
		return ErrTerminalBusy
	}
	if refund {
		s.refunds++
	} else {
		s.purchases++
	}
	tx := &simTx{posRefID: posRefID, signature: make(chan bool, 1), cancel: make(chan struct{}, 1)}
	s.current = tx
	s.wg.Add(1)
	go s.run(tx, s.script)
	return nil
}

func (s *SimulatedSPI) run(tx *simTx, script Script) {
	defer s.wg.Done()
	step := script.StepDelay.Or(10 * time.Millisecond)
	cancelled := false

	wait := func() bool {
		select {
		case <-tx.cancel:
			cancelled = true
			return false
		case <-s.clock.After(step):
			return true
		}
	}

	for _, d := range script.Displays {
		s.emit(TxFlowState{PosRefID: tx.posRefID, DisplayMessage: d})
		if !wait() {
			break
		}
	}

	signatureOK := true
	if !cancelled && script.AskSignature {
		s.emit(TxFlowState{PosRefID: tx.posRefID, AwaitingSignatureCheck: true, DisplayMessage: "CHECK SIGNATURE"})
		select {
		case signatureOK = <-tx.signature:
		case <-tx.cancel:
			cancelled = true
		}
	}
	if !cancelled && script.NeverFinish {
		<-tx.cancel
		cancelled = true
	}

	final := TxFlowState{PosRefID: tx.posRefID, Finished: true, Success: script.Outcome}
	if final.Success == "" {
		final.Success = SuccessSuccess
	}
	final.Response = &TxResponse{
		Success:         final.Success == SuccessSuccess,
		ResponseText:    script.ResponseText,
		SchemeName:      script.Scheme,
		CustomerReceipt: script.Receipt,
		SurchargeAmount: script.Surcharge,
		TipAmount:       script.Tip,
	}
	switch {
	case cancelled:
		final.Success = SuccessFailed
		final.Response = &TxResponse{ResponseText: "CANCELLED"}
	case !signatureOK:
		final.Success = SuccessFailed
		final.Response = &TxResponse{ResponseText: "SIGNATURE DECLINED"}
	}

	s.mu.Lock()
	s.finished[tx.posRefID] = final
	s.current = nil
	s.mu.Unlock()
	s.emit(final)
}

func (s *SimulatedSPI) emit(st TxFlowState) {
	s.mu.Lock()
	cb := s.callback
	s.mu.Unlock()
	if cb != nil {
		cb(st)
	}
}

func (s *SimulatedSPI) AcceptSignature(accepted bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current == nil {
		return errors.New("no transaction awaiting signature")
	}
	s.signatures = append(s.signatures, accepted)
	select {
	case s.current.signature <- accepted:
	default:
	}
	return nil
}

func (s *SimulatedSPI) CancelTransaction() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cancels++
	if s.current == nil {
		return nil
	}
	select {
	case s.current.cancel <- struct{}{}:
	default:
	}
	return nil
}

// InitiateRecovery reports the last known state of posRefID. Nothing is
// reported while that transaction is still running.
func (s *SimulatedSPI) InitiateRecovery(posRefID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.recoveries++
	if s.current != nil && s.current.posRefID == posRefID {
		return nil
	}

	st, ok := s.finished[posRefID]
	if !ok {
		st = TxFlowState{
			PosRefID: posRefID,
			Finished: true,
			Success:  SuccessFailed,
			Response: &TxResponse{ResponseText: "TRANSACTION NOT FOUND"},
		}
	} else if s.script.RecoveryOutcome != "" {
		st.Success = s.script.RecoveryOutcome
		if st.Response != nil {
			resp := *st.Response
			resp.Success = st.Success == SuccessSuccess
			st.Response = &resp
		}
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.emit(st)
	}()
	return nil
}

func (s *SimulatedSPI) AckFlowEnded() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.acks++
	return nil
}

// Wait blocks until every simulated flow and recovery has reported.
func (s *SimulatedSPI) Wait() {
	s.wg.Wait()
}

func (s *SimulatedSPI) Purchases() int  { s.mu.Lock(); defer s.mu.Unlock(); return s.purchases }
func (s *SimulatedSPI) Refunds() int    { s.mu.Lock(); defer s.mu.Unlock(); return s.refunds }
func (s *SimulatedSPI) Recoveries() int { s.mu.Lock(); defer s.mu.Unlock(); return s.recoveries }
func (s *SimulatedSPI) Acks() int       { s.mu.Lock(); defer s.mu.Unlock(); return s.acks }
func (s *SimulatedSPI) Cancels() int    { s.mu.Lock(); defer s.mu.Unlock(); return s.cancels }

func (s *SimulatedSPI) Signatures() []bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]bool(nil), s.signatures...)
}
