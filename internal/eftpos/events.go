package eftpos

import (
	"context"
	"errors"
	"sync"
)

// QuestionKind classifies questions raised by a terminal mid-flow.
type QuestionKind string

const (
	QuestionSignature     QuestionKind = "signature"
	QuestionConfirmCancel QuestionKind = "confirm_cancel"
	QuestionOther         QuestionKind = "other"
)

// Question is a terminal prompt that needs a yes/no answer.
type Question struct {
	ID            string       `json:"id"`
	TransactionID string       `json:"transaction_id"`
	Kind          QuestionKind `json:"kind"`
	Text          string       `json:"text"`
	Options       []string     `json:"options,omitempty"`
}

// FlowEvent is emitted by a provider while a transaction runs. It is one of
// Progress, QuestionAsked, Delayed or Completed.
type FlowEvent interface {
	flowEvent()
}

// Progress carries a display message for the customer.
type Progress struct {
	Message string
}

// Delayed is a non-terminal result. The flow keeps polling afterwards.
type Delayed struct {
	Result Result
}

// Completed ends the event stream. Err is nil for business outcomes
// (approved, declined, cancelled) and set for everything else.
type Completed struct {
	Result Result
	Err    error
	Trace  []string
}

// QuestionAsked suspends the flow until Answer is called.
type QuestionAsked struct {
	Question Question

	once   sync.Once
	answer chan bool
}

func (Progress) flowEvent()       {}
func (Delayed) flowEvent()        {}
func (Completed) flowEvent()      {}
func (*QuestionAsked) flowEvent() {}

// ErrQuestionAbandoned is returned by Wait when the flow ends before the
// question is answered.
var ErrQuestionAbandoned = errors.New("question was not answered")

// NewQuestionAsked creates an unanswered question event.
func NewQuestionAsked(q Question) *QuestionAsked {
	return &QuestionAsked{Question: q, answer: make(chan bool, 1)}
}

// Answer records the caller's answer. Only the first call counts.
func (q *QuestionAsked) Answer(yes bool) {
	q.once.Do(func() {
		q.answer <- yes
	})
}

// Wait blocks until the question is answered or ctx ends.
func (q *QuestionAsked) Wait(ctx context.Context) (bool, error) {
	select {
	case yes := <-q.answer:
		return yes, nil
	case <-ctx.Done():
		return false, errors.Join(ErrQuestionAbandoned, ctx.Err())
	}
}
