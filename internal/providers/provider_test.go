package providers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"eftpos-bridge/internal/eftpos"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistry(t *testing.T) {
	Register("test-provider", func(deps Deps, settings json.RawMessage) (Provider, error) {
		return nil, errors.New("not built")
	})
	Register("test-nil", nil)

	fn, err := Get("test-provider")
	require.NoError(t, err)
	_, err = fn(Deps{}, nil)
	assert.EqualError(t, err, "not built")

	_, err = Get("test-nil")
	assert.Error(t, err)
	_, err = Get("missing")
	assert.Error(t, err)

	assert.Contains(t, Names(), "test-provider")
}

func TestSleep(t *testing.T) {
	clock := clockwork.NewFakeClock()
	done := make(chan error, 1)
	go func() { done <- Sleep(context.Background(), clock, time.Second) }()

	require.NoError(t, clock.BlockUntilContext(context.Background(), 1))
	clock.Advance(time.Second)
	assert.NoError(t, <-done)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, Sleep(ctx, clock, time.Hour), context.Canceled)
}

func TestDurationJSON(t *testing.T) {
	var cfg struct {
		A Duration `json:"a"`
		B Duration `json:"b"`
		C Duration `json:"c"`
	}
	require.NoError(t, json.Unmarshal([]byte(`{"a":"1.5s","b":250}`), &cfg))
	assert.Equal(t, 1500*time.Millisecond, cfg.A.Or(time.Minute))
	assert.Equal(t, 250*time.Millisecond, cfg.B.Or(time.Minute))
	assert.Equal(t, time.Minute, cfg.C.Or(time.Minute))

	out, err := json.Marshal(cfg.A)
	require.NoError(t, err)
	assert.Equal(t, `"1.5s"`, string(out))
}

func TestFlow_EventsThenCompleted(t *testing.T) {
	req := eftpos.NewRequest(500, eftpos.Purchase)
	flow, events := NewFlow("test", req, clockwork.NewRealClock())
	ctx := context.Background()

	go func() {
		flow.Progress(ctx, "PRESENT CARD")
		yes, err := flow.Ask(ctx, eftpos.QuestionSignature, "SIGNATURE OK?")
		if err != nil || !yes {
			flow.Fail(eftpos.ErrSystem, true, err, "")
			return
		}
		flow.Delayed(ctx, eftpos.Result{PlatformOutcome: eftpos.DelayedOutcome, Outcome: eftpos.Delay})
		flow.Complete(eftpos.Result{PlatformOutcome: eftpos.Accepted, Outcome: eftpos.Success}, nil)
		flow.Complete(eftpos.Result{Outcome: eftpos.Fail}, nil)
	}()

	var got []eftpos.FlowEvent
	for ev := range events {
		if q, ok := ev.(*eftpos.QuestionAsked); ok {
			assert.Equal(t, req.TransactionID, q.Question.TransactionID)
			q.Answer(true)
		}
		got = append(got, ev)
	}

	require.Len(t, got, 4)
	assert.IsType(t, eftpos.Progress{}, got[0])
	assert.IsType(t, &eftpos.QuestionAsked{}, got[1])
	assert.IsType(t, eftpos.Delayed{}, got[2])
	done := got[3].(eftpos.Completed)
	assert.Equal(t, eftpos.Success, done.Result.Outcome)
	assert.Equal(t, req.TransactionID, done.Result.TransactionID)
	assert.NotEmpty(t, done.Trace)
}

func TestFlow_FailCarriesTransactionID(t *testing.T) {
	req := eftpos.NewRequest(500, eftpos.Purchase)
	flow, events := NewFlow("test", req, clockwork.NewRealClock())
	go flow.Fail(eftpos.ErrProtocolTimeout, true, errors.New("silent"), "")

	done := (<-events).(eftpos.Completed)
	assert.Equal(t, eftpos.Fail, done.Result.Outcome)
	assert.NotEmpty(t, done.Result.Message)

	id, ok := eftpos.TransactionIDOf(done.Err)
	require.True(t, ok)
	assert.Equal(t, req.TransactionID, id)
	assert.True(t, eftpos.IsAmbiguous(done.Err))
}

func TestHTTPClient_CircuitOpens(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	c := NewHTTPClient(srv.Client(), 2, clockwork.NewFakeClock())
	for i := 0; i < 2; i++ {
		req, _ := http.NewRequest(http.MethodGet, srv.URL, nil)
		_, status, err := c.Do(req)
		assert.Equal(t, http.StatusBadGateway, status)
		var se *HTTPStatusError
		assert.ErrorAs(t, err, &se)
	}

	req, _ := http.NewRequest(http.MethodGet, srv.URL, nil)
	_, _, err := c.Do(req)
	assert.ErrorIs(t, err, ErrCircuitOpen)
	assert.True(t, NotDelivered(err))
}

func TestNotDelivered_DialError(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	_, err := http.Get(url)
	require.Error(t, err)
	assert.True(t, NotDelivered(err))
	assert.False(t, NotDelivered(errors.New("unexpected EOF")))
}
