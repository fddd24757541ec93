package tyro

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"eftpos-bridge/internal/eftpos"
	"eftpos-bridge/internal/providers"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig() Config {
	return Config{
		PosID:           "KIOSK1",
		Simulate:        true,
		ConnectTimeout:  providers.Duration(200 * time.Millisecond),
		ConnectPoll:     providers.Duration(10 * time.Millisecond),
		OverallTimeout:  providers.Duration(2 * time.Second),
		RecoveryTimeout: providers.Duration(300 * time.Millisecond),
	}
}

func newTestProvider(t *testing.T, script Script, deps providers.Deps) (*Provider, *SimulatedSPI) {
	t.Helper()
	spi := NewSimulatedSPI(script, nil)
	p := NewProvider(deps, testConfig(), spi)
	t.Cleanup(func() {
		_ = spi.CancelTransaction()
		spi.Wait()
	})
	return p, spi
}

func drain(t *testing.T, events <-chan eftpos.FlowEvent, answer func(*eftpos.QuestionAsked)) ([]eftpos.FlowEvent, eftpos.Completed) {
	t.Helper()
	var seen []eftpos.FlowEvent
	timeout := time.After(5 * time.Second)
	for {
		select {
		case ev, ok := <-events:
			require.True(t, ok, "stream closed without Completed")
			seen = append(seen, ev)
			switch e := ev.(type) {
			case *eftpos.QuestionAsked:
				if answer != nil {
					answer(e)
				}
			case eftpos.Completed:
				return seen, e
			}
		case <-timeout:
			t.Fatal("flow did not complete")
		}
	}
}

func TestTyro_Approved(t *testing.T) {
	p, spi := newTestProvider(t, Script{
		Scheme:    "Visa",
		Receipt:   "APPROVED",
		Surcharge: 30,
		Displays:  []string{"PRESENT CARD", "PROCESSING"},
	}, providers.Deps{})
	req := eftpos.NewRequest(900, eftpos.Purchase)

	seen, done := drain(t, p.Start(context.Background(), req), nil)

	require.NoError(t, done.Err)
	assert.Equal(t, eftpos.Success, done.Result.Outcome)
	assert.Equal(t, eftpos.Accepted, done.Result.PlatformOutcome)
	assert.Equal(t, eftpos.CardVisa, done.Result.CardType)
	assert.Equal(t, int64(30), done.Result.Surcharge)
	assert.Equal(t, "APPROVED", done.Result.Receipt)
	assert.Equal(t, req.TransactionID, done.Result.TransactionID)
	assert.Contains(t, seen, eftpos.FlowEvent(eftpos.Progress{Message: "PRESENT CARD"}))
	assert.Equal(t, 1, spi.Purchases())
	assert.Equal(t, 1, spi.Acks())
}

func TestTyro_Refund(t *testing.T) {
	p, spi := newTestProvider(t, Script{}, providers.Deps{})

	_, done := drain(t, p.Start(context.Background(), eftpos.NewRequest(900, eftpos.Refund)), nil)
	require.NoError(t, done.Err)
	assert.Equal(t, 1, spi.Refunds())
	assert.Zero(t, spi.Purchases())
}

func TestTyro_FailedOutcomes(t *testing.T) {
	tests := []struct {
		text     string
		platform eftpos.PlatformOutcome
	}{
		{"DECLINED", eftpos.Declined},
		{"Insufficient Funds", eftpos.Declined},
		{"CANCELLED BY USER", eftpos.Cancelled},
		{"Transaction Not Found", eftpos.NotFound},
	}
	for _, tt := range tests {
		t.Run(tt.text, func(t *testing.T) {
			p, _ := newTestProvider(t, Script{Outcome: SuccessFailed, ResponseText: tt.text}, providers.Deps{})

			_, done := drain(t, p.Start(context.Background(), eftpos.NewRequest(900, eftpos.Purchase)), nil)
			assert.NoError(t, done.Err)
			assert.Equal(t, eftpos.Fail, done.Result.Outcome)
			assert.Equal(t, tt.platform, done.Result.PlatformOutcome)
		})
	}
}

func TestTyro_SystemError(t *testing.T) {
	p, _ := newTestProvider(t, Script{Outcome: SuccessFailed, ResponseText: "SYSTEM ERROR"}, providers.Deps{})

	_, done := drain(t, p.Start(context.Background(), eftpos.NewRequest(900, eftpos.Purchase)), nil)
	assert.ErrorIs(t, done.Err, eftpos.ErrSystem)
	assert.Equal(t, eftpos.SystemError, done.Result.PlatformOutcome)
}

func TestTyro_UnknownRecovered(t *testing.T) {
	p, spi := newTestProvider(t, Script{Outcome: SuccessUnknown, RecoveryOutcome: SuccessSuccess, Scheme: "Amex"}, providers.Deps{})

	_, done := drain(t, p.Start(context.Background(), eftpos.NewRequest(900, eftpos.Purchase)), nil)

	require.NoError(t, done.Err)
	assert.Equal(t, eftpos.Success, done.Result.Outcome)
	assert.Equal(t, eftpos.CardAmex, done.Result.CardType)
	assert.Equal(t, 1, spi.Recoveries())
	assert.Equal(t, 1, spi.Purchases())
}

func TestTyro_UnknownStaysAmbiguous(t *testing.T) {
	p, _ := newTestProvider(t, Script{Outcome: SuccessUnknown}, providers.Deps{})
	req := eftpos.NewRequest(900, eftpos.Purchase)

	_, done := drain(t, p.Start(context.Background(), req), nil)

	assert.ErrorIs(t, done.Err, eftpos.ErrAmbiguous)
	assert.True(t, eftpos.IsAmbiguous(done.Err))
	assert.Equal(t, eftpos.GenericFailureMessage, done.Result.Message)
	id, _ := eftpos.TransactionIDOf(done.Err)
	assert.Equal(t, req.TransactionID, id)
}

func TestTyro_UnattendedSignature(t *testing.T) {
	p, spi := newTestProvider(t, Script{AskSignature: true}, providers.Deps{SkipSignature: true})

	_, done := drain(t, p.Start(context.Background(), eftpos.NewRequest(900, eftpos.Purchase)), func(q *eftpos.QuestionAsked) {
		t.Errorf("unexpected question %q", q.Question.Text)
		q.Answer(true)
	})

	assert.NoError(t, done.Err)
	assert.Equal(t, eftpos.Fail, done.Result.Outcome)
	assert.Equal(t, eftpos.UnattendedSignatureMessage, done.Result.Message)
	assert.Equal(t, []bool{false}, spi.Signatures())
}

func TestTyro_SignatureAccepted(t *testing.T) {
	p, spi := newTestProvider(t, Script{AskSignature: true}, providers.Deps{})

	_, done := drain(t, p.Start(context.Background(), eftpos.NewRequest(900, eftpos.Purchase)), func(q *eftpos.QuestionAsked) {
		assert.Equal(t, eftpos.QuestionSignature, q.Question.Kind)
		q.Answer(true)
	})

	assert.NoError(t, done.Err)
	assert.Equal(t, eftpos.Success, done.Result.Outcome)
	assert.Equal(t, eftpos.AcceptedWithSignature, done.Result.PlatformOutcome)
	assert.Equal(t, []bool{true}, spi.Signatures())
}

func TestTyro_Cancel(t *testing.T) {
	p, spi := newTestProvider(t, Script{NeverFinish: true}, providers.Deps{})

	events := p.Start(context.Background(), eftpos.NewRequest(900, eftpos.Purchase))
	require.Eventually(t, func() bool { return spi.Purchases() == 1 }, 2*time.Second, 5*time.Millisecond)
	require.NoError(t, p.Cancel(context.Background()))

	_, done := drain(t, events, nil)
	assert.NoError(t, done.Err)
	assert.Equal(t, eftpos.Cancelled, done.Result.PlatformOutcome)
}

func TestTyro_TimeoutIsAmbiguous(t *testing.T) {
	spi := NewSimulatedSPI(Script{NeverFinish: true}, nil)
	cfg := testConfig()
	cfg.OverallTimeout = providers.Duration(100 * time.Millisecond)
	p := NewProvider(providers.Deps{}, cfg, spi)
	defer func() {
		_ = spi.CancelTransaction()
		spi.Wait()
	}()

	_, done := drain(t, p.Start(context.Background(), eftpos.NewRequest(900, eftpos.Purchase)), nil)
	assert.ErrorIs(t, done.Err, eftpos.ErrProtocolTimeout)
	assert.True(t, eftpos.IsAmbiguous(done.Err))
}

func TestTyro_NotConnected(t *testing.T) {
	p, spi := newTestProvider(t, Script{Status: StatusPairedConnecting}, providers.Deps{})

	_, done := drain(t, p.Start(context.Background(), eftpos.NewRequest(900, eftpos.Purchase)), nil)
	assert.ErrorIs(t, done.Err, eftpos.ErrConnection)
	assert.False(t, eftpos.IsAmbiguous(done.Err))
	assert.Zero(t, spi.Purchases())

	p, _ = newTestProvider(t, Script{Status: StatusUnpaired}, providers.Deps{})
	_, done = drain(t, p.Start(context.Background(), eftpos.NewRequest(900, eftpos.Purchase)), nil)
	assert.ErrorIs(t, done.Err, eftpos.ErrConnection)
}

func TestTyro_Busy(t *testing.T) {
	p, _ := newTestProvider(t, Script{RejectInitiate: true}, providers.Deps{})

	_, done := drain(t, p.Start(context.Background(), eftpos.NewRequest(900, eftpos.Purchase)), nil)
	assert.ErrorIs(t, done.Err, eftpos.ErrSystem)
	assert.False(t, eftpos.IsAmbiguous(done.Err))
	assert.Equal(t, eftpos.TerminalBusy, done.Result.PlatformOutcome)
}

func TestTyro_Validation(t *testing.T) {
	p, spi := newTestProvider(t, Script{}, providers.Deps{})

	_, done := drain(t, p.Start(context.Background(), eftpos.NewRequest(0, eftpos.Purchase)), nil)
	assert.ErrorIs(t, done.Err, eftpos.ErrValidation)
	assert.Zero(t, spi.Purchases())
}

func TestTyro_Refetch(t *testing.T) {
	p, spi := newTestProvider(t, Script{Outcome: SuccessUnknown}, providers.Deps{})
	req := eftpos.NewRequest(900, eftpos.Purchase)
	_, done := drain(t, p.Start(context.Background(), req), nil)
	require.True(t, eftpos.IsAmbiguous(done.Err))

	_, err := p.Refetch(context.Background(), req.TransactionID, req.Amount)
	assert.True(t, eftpos.IsAmbiguous(err))

	spi.SetScript(Script{RecoveryOutcome: SuccessSuccess})
	res, err := p.Refetch(context.Background(), req.TransactionID, req.Amount)
	require.NoError(t, err)
	assert.Equal(t, eftpos.Success, res.Outcome)
	assert.Equal(t, req.TransactionID, res.TransactionID)
	assert.Equal(t, 1, spi.Purchases())

	res, err = p.Refetch(context.Background(), "never-seen", 100)
	require.NoError(t, err)
	assert.Equal(t, eftpos.NotFound, res.PlatformOutcome)
}

func TestNew_Settings(t *testing.T) {
	prov, err := New(providers.Deps{}, json.RawMessage(`{"pos_id":"K1","simulate":true,"script":{"outcome":"Failed","response_text":"DECLINED"}}`))
	require.NoError(t, err)
	assert.Equal(t, ProviderName, prov.Name())

	_, err = New(providers.Deps{}, json.RawMessage(`{"simulate":true}`))
	assert.ErrorIs(t, err, eftpos.ErrValidation)

	_, err = New(providers.Deps{}, json.RawMessage(`{"pos_id":"K1"}`))
	assert.ErrorIs(t, err, eftpos.ErrValidation)

	_, err = New(providers.Deps{}, json.RawMessage(`{"pos_id":"K1","eftpos_address":"10.0.0.9","serial_number":"123-456-789"}`))
	assert.ErrorIs(t, err, eftpos.ErrValidation, "no native SPI client is linked")
}
