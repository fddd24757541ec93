package windcave

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"eftpos-bridge/internal/eftpos"
	"eftpos-bridge/internal/providers"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMain(m *testing.M) {
	gin.SetMode(gin.TestMode)
	os.Exit(m.Run())
}

func startSim(t *testing.T, b Behaviour) (*Simulator, *httptest.Server) {
	t.Helper()
	sim := NewSimulator(nil, b)
	srv := httptest.NewServer(sim.Handler())
	t.Cleanup(srv.Close)
	return sim, srv
}

func testConfig(url string) Config {
	return Config{
		URL:            url + "/",
		User:           "kiosk",
		Key:            "secret",
		Station:        "ST01",
		PollInterval:   providers.Duration(10 * time.Millisecond),
		OverallTimeout: providers.Duration(2 * time.Second),
	}
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

func TestAmounts(t *testing.T) {
	assert.Equal(t, "5.00", FormatAmount(500))
	assert.Equal(t, "0.05", FormatAmount(5))
	assert.Equal(t, "1234.56", FormatAmount(123456))

	v, err := ParseAmount(String("5.00"))
	require.NoError(t, err)
	assert.Equal(t, int64(500), v)

	v, err = ParseAmount(String(" 0.5 "))
	require.NoError(t, err)
	assert.Equal(t, int64(50), v)

	v, err = ParseAmount(nil)
	require.NoError(t, err)
	assert.Zero(t, v)

	_, err = ParseAmount(String("abc"))
	assert.Error(t, err)
}

func TestParseResponse_OptionalNodes(t *testing.T) {
	resp, err := ParseResponse([]byte(`<?xml version="1.0"?>
<Scr action="doScrHIT" user="kiosk">
  <Complete>0</Complete>
  <DL1>SIGNATURE OK?</DL1>
  <B1><En>1</En><Lbl>YES</Lbl></B1>
  <B2><En>0</En><Lbl>NO</Lbl></B2>
</Scr>`))
	require.NoError(t, err)

	require.NotNil(t, resp.Complete)
	assert.Equal(t, "0", *resp.Complete)
	assert.False(t, resp.Completed())
	assert.Nil(t, resp.ReCo, "absent node stays nil")
	assert.Nil(t, resp.Result)

	prompt := resp.Prompt()
	require.NotNil(t, prompt)
	assert.Equal(t, "YES", prompt.Yes)
	assert.Empty(t, prompt.No, "disabled button")
	assert.Equal(t, eftpos.QuestionSignature, prompt.kind())

	_, err = ParseResponse([]byte("<Scr><Complete>"))
	assert.Error(t, err)
}

func TestRequest_Marshal(t *testing.T) {
	out, err := Request{User: "u", Key: "k", Station: "s", TxnType: TxnPurchase, TxnRef: "abc", Amount: "5.00", Cur: "NZD"}.Marshal()
	require.NoError(t, err)
	s := string(out)
	assert.Contains(t, s, `<Scr action="doScrHIT" user="u">`)
	assert.Contains(t, s, `<Amount>5.00</Amount>`)
	assert.Contains(t, s, `<TxnRef>abc</TxnRef>`)
	assert.NotContains(t, s, `<UiType>`)
}

func TestNormalize(t *testing.T) {
	approved := &Response{
		Complete: String("1"),
		Result:   &ResultNode{AP: String("1"), CardType: String("VISA"), Surcharge: String("0.25")},
		Receipt:  String("RECEIPT"),
	}
	res := normalize(approved, signatureNone)
	assert.Equal(t, eftpos.Success, res.Outcome)
	assert.Equal(t, eftpos.Accepted, res.PlatformOutcome)
	assert.Equal(t, eftpos.CardVisa, res.CardType)
	assert.Equal(t, int64(25), res.Surcharge)
	assert.Equal(t, "RECEIPT", res.Receipt)

	res = normalize(approved, signatureAccepted)
	assert.Equal(t, eftpos.AcceptedWithSignature, res.PlatformOutcome)
	assert.Equal(t, eftpos.Success, res.Outcome)

	res = normalize(approved, signatureDeclined)
	assert.Equal(t, eftpos.Fail, res.Outcome)
	assert.Equal(t, eftpos.AcceptedWithSignature, res.PlatformOutcome)
	assert.Equal(t, eftpos.SignatureDeclinedMessage, res.Message)

	res = normalize(approved, signatureSkipped)
	assert.Equal(t, eftpos.Fail, res.Outcome)
	assert.Equal(t, eftpos.UnattendedSignatureMessage, res.Message)

	tests := map[string]eftpos.PlatformOutcome{
		"TC": eftpos.Cancelled,
		"tb": eftpos.TerminalBusy,
		"U9": eftpos.HostUnavailable,
		"TD": eftpos.DelayedOutcome,
		"ER": eftpos.SystemError,
		"51": eftpos.Declined,
		"":   eftpos.Declined,
	}
	for code, want := range tests {
		res := normalize(&Response{Complete: String("1"), ReCo: String(code), Result: &ResultNode{AP: String("0")}}, signatureNone)
		assert.Equal(t, want, res.PlatformOutcome, code)
	}
}

func TestWindcave_Approved(t *testing.T) {
	sim, srv := startSim(t, Behaviour{CardType: "MASTERCARD", Receipt: "APPROVED", Surcharge: "0.50", PendingPolls: 2})
	p := NewProvider(providers.Deps{}, testConfig(srv.URL))
	req := eftpos.NewRequest(1250, eftpos.Purchase)

	seen, done := drain(t, p.Start(context.Background(), req), nil)

	require.NoError(t, done.Err)
	assert.Equal(t, eftpos.Success, done.Result.Outcome)
	assert.Equal(t, eftpos.CardMastercard, done.Result.CardType)
	assert.Equal(t, int64(50), done.Result.Surcharge)
	assert.Equal(t, "APPROVED", done.Result.Receipt)
	assert.Contains(t, seen, eftpos.FlowEvent(eftpos.Progress{Message: "PRESENT CARD"}))

	recorded, ok := sim.Request(req.TransactionID)
	require.True(t, ok)
	assert.Equal(t, "12.50", recorded.Amount)
	assert.Equal(t, "NZD", recorded.Cur)
	assert.Equal(t, TxnPurchase, recorded.TxnType)
	assert.Equal(t, "secret", recorded.Key)
	assert.Equal(t, 1, sim.Purchases())
}

func TestWindcave_Refund(t *testing.T) {
	sim, srv := startSim(t, Behaviour{})
	cfg := testConfig(srv.URL)
	cfg.Currency = "aud"
	p := NewProvider(providers.Deps{}, cfg)
	req := eftpos.NewRequest(100, eftpos.Refund)

	_, done := drain(t, p.Start(context.Background(), req), nil)
	require.NoError(t, done.Err)
	recorded, _ := sim.Request(req.TransactionID)
	assert.Equal(t, TxnRefund, recorded.TxnType)
	assert.Equal(t, "AUD", recorded.Cur)
}

func TestWindcave_Declined(t *testing.T) {
	_, srv := startSim(t, Behaviour{ReCo: "51"})
	p := NewProvider(providers.Deps{}, testConfig(srv.URL))

	_, done := drain(t, p.Start(context.Background(), eftpos.NewRequest(100, eftpos.Purchase)), nil)
	assert.NoError(t, done.Err)
	assert.Equal(t, eftpos.Declined, done.Result.PlatformOutcome)
	assert.Equal(t, eftpos.DeclinedMessage, done.Result.Message)
}

func TestWindcave_ImmediateBusy(t *testing.T) {
	sim, srv := startSim(t, Behaviour{ImmediateReCo: "TB"})
	p := NewProvider(providers.Deps{}, testConfig(srv.URL))

	_, done := drain(t, p.Start(context.Background(), eftpos.NewRequest(100, eftpos.Purchase)), nil)
	assert.ErrorIs(t, done.Err, eftpos.ErrSystem)
	assert.Equal(t, eftpos.TerminalBusy, done.Result.PlatformOutcome)
	assert.Zero(t, sim.Polls())
}

func TestWindcave_DelayedOnce(t *testing.T) {
	_, srv := startSim(t, Behaviour{DelayedPolls: 3})
	p := NewProvider(providers.Deps{}, testConfig(srv.URL))

	seen, done := drain(t, p.Start(context.Background(), eftpos.NewRequest(100, eftpos.Purchase)), nil)
	require.NoError(t, done.Err)
	delays := 0
	for _, ev := range seen {
		if _, ok := ev.(eftpos.Delayed); ok {
			delays++
		}
	}
	assert.Equal(t, 1, delays)
}

func TestWindcave_UnattendedSignature(t *testing.T) {
	sim, srv := startSim(t, Behaviour{AskSignature: true})
	p := NewProvider(providers.Deps{SkipSignature: true}, testConfig(srv.URL))

	_, done := drain(t, p.Start(context.Background(), eftpos.NewRequest(100, eftpos.Purchase)), func(q *eftpos.QuestionAsked) {
		t.Errorf("unexpected question %q", q.Question.Text)
		q.Answer(true)
	})

	assert.NoError(t, done.Err)
	assert.Equal(t, eftpos.Fail, done.Result.Outcome)
	assert.Equal(t, eftpos.UnattendedSignatureMessage, done.Result.Message)
	assert.Equal(t, []string{"B2:NO"}, sim.Buttons())
}

func TestWindcave_SignatureForwarded(t *testing.T) {
	sim, srv := startSim(t, Behaviour{AskSignature: true})
	p := NewProvider(providers.Deps{}, testConfig(srv.URL))

	asked := 0
	_, done := drain(t, p.Start(context.Background(), eftpos.NewRequest(100, eftpos.Purchase)), func(q *eftpos.QuestionAsked) {
		asked++
		assert.Equal(t, eftpos.QuestionSignature, q.Question.Kind)
		assert.Equal(t, []string{"YES", "NO"}, q.Question.Options)
		q.Answer(true)
	})

	assert.Equal(t, 1, asked)
	assert.NoError(t, done.Err)
	assert.Equal(t, eftpos.AcceptedWithSignature, done.Result.PlatformOutcome)
	assert.Equal(t, eftpos.Success, done.Result.Outcome)
	assert.Equal(t, []string{"B1:YES"}, sim.Buttons())
}

func TestWindcave_SignatureDeclinedByOperator(t *testing.T) {
	sim, srv := startSim(t, Behaviour{AskSignature: true})
	p := NewProvider(providers.Deps{}, testConfig(srv.URL))

	_, done := drain(t, p.Start(context.Background(), eftpos.NewRequest(100, eftpos.Purchase)), func(q *eftpos.QuestionAsked) {
		q.Answer(false)
	})

	assert.NoError(t, done.Err)
	assert.Equal(t, eftpos.Fail, done.Result.Outcome)
	assert.Equal(t, eftpos.SignatureDeclinedMessage, done.Result.Message)
	assert.Equal(t, []string{"B2:NO"}, sim.Buttons())
}

func TestWindcave_ConfirmCancelAutoAnswered(t *testing.T) {
	sim, srv := startSim(t, Behaviour{Question: "CANCEL TRANSACTION?", ReCo: "TC"})
	p := NewProvider(providers.Deps{}, testConfig(srv.URL))

	_, done := drain(t, p.Start(context.Background(), eftpos.NewRequest(100, eftpos.Purchase)), func(q *eftpos.QuestionAsked) {
		t.Errorf("unexpected question %q", q.Question.Text)
	})
	assert.NoError(t, done.Err)
	assert.Equal(t, eftpos.Cancelled, done.Result.PlatformOutcome)
	assert.Equal(t, []string{"B1:YES"}, sim.Buttons())
}

func TestWindcave_Cancel(t *testing.T) {
	sim, srv := startSim(t, Behaviour{PendingPolls: 100000})
	p := NewProvider(providers.Deps{}, testConfig(srv.URL))

	events := p.Start(context.Background(), eftpos.NewRequest(100, eftpos.Purchase))
	require.Eventually(t, func() bool { return sim.Purchases() == 1 }, 2*time.Second, 5*time.Millisecond)
	require.NoError(t, p.Cancel(context.Background()))

	_, done := drain(t, events, nil)
	assert.NoError(t, done.Err)
	assert.Equal(t, eftpos.Cancelled, done.Result.PlatformOutcome)
	assert.Equal(t, []string{"CancelB:CANCEL"}, sim.Buttons())
}

func TestWindcave_TimeoutIsAmbiguous(t *testing.T) {
	_, srv := startSim(t, Behaviour{NeverComplete: true})
	cfg := testConfig(srv.URL)
	cfg.OverallTimeout = providers.Duration(100 * time.Millisecond)
	p := NewProvider(providers.Deps{}, cfg)
	req := eftpos.NewRequest(100, eftpos.Purchase)

	_, done := drain(t, p.Start(context.Background(), req), nil)
	assert.ErrorIs(t, done.Err, eftpos.ErrProtocolTimeout)
	assert.True(t, eftpos.IsAmbiguous(done.Err))
	id, _ := eftpos.TransactionIDOf(done.Err)
	assert.Equal(t, req.TransactionID, id)
}

func TestWindcave_RejectedAndUnreachable(t *testing.T) {
	_, srv := startSim(t, Behaviour{RejectStatus: 401})
	p := NewProvider(providers.Deps{}, testConfig(srv.URL))
	_, done := drain(t, p.Start(context.Background(), eftpos.NewRequest(100, eftpos.Purchase)), nil)
	assert.ErrorIs(t, done.Err, eftpos.ErrSystem)
	assert.False(t, eftpos.IsAmbiguous(done.Err))

	closed := httptest.NewServer(NewSimulator(nil, Behaviour{}).Handler())
	url := closed.URL
	closed.Close()
	p = NewProvider(providers.Deps{}, testConfig(url))
	_, done = drain(t, p.Start(context.Background(), eftpos.NewRequest(100, eftpos.Purchase)), nil)
	assert.ErrorIs(t, done.Err, eftpos.ErrConnection)
	assert.False(t, eftpos.IsAmbiguous(done.Err))
}

func TestWindcave_Validation(t *testing.T) {
	sim, srv := startSim(t, Behaviour{})
	cfg := testConfig(srv.URL)
	cfg.Station = ""
	p := NewProvider(providers.Deps{}, cfg)

	_, done := drain(t, p.Start(context.Background(), eftpos.NewRequest(100, eftpos.Purchase)), nil)
	assert.ErrorIs(t, done.Err, eftpos.ErrValidation)
	assert.Zero(t, sim.Purchases())
}

func TestWindcave_Refetch(t *testing.T) {
	sim, srv := startSim(t, Behaviour{NeverComplete: true})
	cfg := testConfig(srv.URL)
	cfg.OverallTimeout = providers.Duration(50 * time.Millisecond)
	p := NewProvider(providers.Deps{}, cfg)
	req := eftpos.NewRequest(100, eftpos.Purchase)
	drain(t, p.Start(context.Background(), req), nil)

	_, err := p.Refetch(context.Background(), req.TransactionID, req.Amount)
	assert.True(t, eftpos.IsAmbiguous(err))

	sim.SetBehaviour(Behaviour{CardType: "AMEX"})
	res, err := p.Refetch(context.Background(), req.TransactionID, req.Amount)
	require.NoError(t, err)
	assert.Equal(t, eftpos.Success, res.Outcome)
	assert.Equal(t, req.TransactionID, res.TransactionID)
	assert.Equal(t, 1, sim.Purchases())

	res, err = p.Refetch(context.Background(), "unknown", 100)
	require.NoError(t, err)
	assert.Equal(t, eftpos.NotFound, res.PlatformOutcome)
}

func TestNew_Settings(t *testing.T) {
	_, err := New(providers.Deps{}, json.RawMessage(`{"url":"https://sec.windcave.test/pxmi3/pos.aspx","user":"u","key":"k","station":"s"}`))
	require.NoError(t, err)

	_, err = New(providers.Deps{}, json.RawMessage(`{"url":"https://x.test","user":"u","key":"k"}`))
	assert.ErrorIs(t, err, eftpos.ErrValidation)
	_, err = New(providers.Deps{}, json.RawMessage(`{"url":"x","user":"u","key":"k","station":"s"}`))
	assert.ErrorIs(t, err, eftpos.ErrValidation)
}
