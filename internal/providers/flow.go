package providers

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	"eftpos-bridge/internal/eftpos"

	"github.com/jonboulle/clockwork"
)

// Flow is the producer side of a provider event stream. A provider creates
// one per Start call and finishes it with Complete.
type Flow struct {
	events    chan eftpos.FlowEvent
	provider  string
	request   eftpos.Request
	clock     clockwork.Clock
	questions atomic.Int64
	done      atomic.Bool

	traceMu sync.Mutex
	trace   []string
}

// NewFlow returns the flow and the channel handed back from Start.
func NewFlow(provider string, req eftpos.Request, clock clockwork.Clock) (*Flow, <-chan eftpos.FlowEvent) {
	f := &Flow{
		events:   make(chan eftpos.FlowEvent, 32),
		provider: provider,
		request:  req,
		clock:    clock,
	}
	return f, f.events
}

// Tracef appends a line to the protocol trace kept for the transaction log.
func (f *Flow) Tracef(format string, args ...interface{}) {
	line := f.clock.Now().UTC().Format("15:04:05.000") + " " + fmt.Sprintf(format, args...)
	f.traceMu.Lock()
	f.trace = append(f.trace, line)
	f.traceMu.Unlock()
}

// Trace returns a copy of the protocol trace.
func (f *Flow) Trace() []string {
	f.traceMu.Lock()
	defer f.traceMu.Unlock()
	return append([]string(nil), f.trace...)
}

// Progress emits a display message. Progress is lossy when the consumer lags.
func (f *Flow) Progress(ctx context.Context, msg string) {
	msg = strings.TrimSpace(msg)
	if msg == "" {
		return
	}
	f.Tracef("progress %q", msg)
	select {
	case f.events <- eftpos.Progress{Message: msg}:
	case <-ctx.Done():
	default:
	}
}

// Delayed emits a non-terminal delay result.
func (f *Flow) Delayed(ctx context.Context, res eftpos.Result) {
	res.TransactionID = f.request.TransactionID
	f.Tracef("delayed %s", res.PlatformOutcome)
	select {
	case f.events <- eftpos.Delayed{Result: res}:
	case <-ctx.Done():
	}
}

// Ask forwards a question to the caller and waits for the answer.
func (f *Flow) Ask(ctx context.Context, kind eftpos.QuestionKind, text string, options ...string) (bool, error) {
	q := eftpos.NewQuestionAsked(eftpos.Question{
		ID:            fmt.Sprintf("%s-q%d", f.request.TransactionID, f.questions.Add(1)),
		TransactionID: f.request.TransactionID,
		Kind:          kind,
		Text:          text,
		Options:       options,
	})
	f.Tracef("question %s %q", kind, text)

	select {
	case f.events <- q:
	case <-ctx.Done():
		return false, ctx.Err()
	}

	yes, err := q.Wait(ctx)
	if err == nil {
		f.Tracef("answer %t", yes)
	}
	return yes, err
}

// Complete sends the terminal event and closes the stream. Later calls are
// ignored.
func (f *Flow) Complete(res eftpos.Result, err error) {
	if !f.done.CompareAndSwap(false, true) {
		return
	}
	res.TransactionID = f.request.TransactionID
	res = res.Finalize()

	if te, ok := err.(*eftpos.TransactionError); ok && te.Trace == nil {
		te.Trace = f.Trace()
	}
	f.Tracef("completed %s %s", res.Outcome, res.PlatformOutcome)

	f.events <- eftpos.Completed{Result: res, Err: err, Trace: f.Trace()}
	close(f.events)
}

// Fail completes the flow with a TransactionError of the given kind.
func (f *Flow) Fail(kind error, sent bool, cause error, message string) {
	platform := eftpos.SystemError
	switch kind {
	case eftpos.ErrValidation:
		platform = eftpos.Unknown
	case eftpos.ErrConnection:
		platform = eftpos.HostUnavailable
	case eftpos.ErrProtocolTimeout, eftpos.ErrAmbiguous:
		platform = eftpos.Unknown
	}
	f.Complete(
		eftpos.FailResult(f.request.TransactionID, platform, message),
		eftpos.NewTransactionError(kind, f.provider, f.request.TransactionID, sent, cause),
	)
}

// Request returns the request this flow serves.
func (f *Flow) Request() eftpos.Request {
	return f.request
}
