package eftpos

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// TransactionType selects between a sale and a refund.
type TransactionType string

const (
	Purchase TransactionType = "purchase"
	Refund   TransactionType = "refund"
)

// Outcome is the provider independent tri-state result.
type Outcome string

const (
	Success Outcome = "success"
	Fail    Outcome = "fail"
	Delay   Outcome = "delay"
)

// PlatformOutcome is the provider level classification of a result code.
type PlatformOutcome string

const (
	Accepted              PlatformOutcome = "Accepted"
	AcceptedWithSignature PlatformOutcome = "AcceptedWithSignature"
	Declined              PlatformOutcome = "Declined"
	Cancelled             PlatformOutcome = "Cancelled"
	SystemError           PlatformOutcome = "SystemError"
	HostUnavailable       PlatformOutcome = "HostUnavailable"
	TerminalBusy          PlatformOutcome = "TerminalBusy"
	InProgress            PlatformOutcome = "InProgress"
	DelayedOutcome        PlatformOutcome = "Delayed"
	NotFound              PlatformOutcome = "NotFound"
	Unknown               PlatformOutcome = "Unknown"
)

const (
	// GenericFailureMessage is shown to the operator when the outcome is unknown
	// or a provider returned no usable message.
	GenericFailureMessage = "Transaction failed, please try again"
	// DeclinedMessage is used for card declines.
	DeclinedMessage = "Transaction declined, please try again"
	// UnattendedSignatureMessage is used when a signature is requested in kiosk mode.
	UnattendedSignatureMessage = "Signature transactions are not allowed in unattended mode"
	// SignatureDeclinedMessage is used when the operator rejects the signature.
	SignatureDeclinedMessage = "Signature declined, transaction cancelled"
)

// SystemFault reports outcomes caused by the terminal or bank host rather
// than the card. They are surfaced with ErrSystem.
func (p PlatformOutcome) SystemFault() bool {
	switch p {
	case SystemError, HostUnavailable, TerminalBusy:
		return true
	}
	return false
}

// Request is the immutable input to a transaction flow.
type Request struct {
	Amount        int64           `json:"amount"`
	Type          TransactionType `json:"type"`
	TransactionID string          `json:"transaction_id"`
}

// NewRequest builds a request with a fresh transaction id.
func NewRequest(amount int64, txType TransactionType) Request {
	if txType == "" {
		txType = Purchase
	}
	return Request{Amount: amount, Type: txType, TransactionID: NewTransactionID()}
}

// Validate checks the request before any transport is touched.
func (r Request) Validate() error {
	if r.Amount <= 0 {
		return fmt.Errorf("%w: amount must be a positive number of cents, got %d", ErrValidation, r.Amount)
	}
	if r.Type != Purchase && r.Type != Refund {
		return fmt.Errorf("%w: unsupported transaction type %q", ErrValidation, r.Type)
	}
	if r.TransactionID == "" {
		return fmt.Errorf("%w: missing transaction id", ErrValidation)
	}
	return nil
}

// NewTransactionID returns a 32 character hex id. Terminals reject dashes.
func NewTransactionID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}

// Result is the normalized outcome returned to the ordering flow.
type Result struct {
	PlatformOutcome PlatformOutcome `json:"platform_outcome"`
	Outcome         Outcome         `json:"outcome"`
	Message         string          `json:"message"`
	Receipt         string          `json:"eftpos_receipt,omitempty"`
	CardType        CardType        `json:"card_type,omitempty"`
	Surcharge       int64           `json:"surcharge,omitempty"`
	Tip             int64           `json:"tip,omitempty"`
	TransactionID   string          `json:"transaction_id"`
}

// Final reports whether the result ends the flow.
func (r Result) Final() bool {
	return r.Outcome == Success || r.Outcome == Fail
}

// Finalize fills in a message on failures that have none.
func (r Result) Finalize() Result {
	if r.Outcome == "" {
		r.Outcome = Fail
	}
	if r.Outcome == Fail && strings.TrimSpace(r.Message) == "" {
		r.Message = GenericFailureMessage
	}
	return r
}

// FailResult builds a failure result with the given message.
func FailResult(transactionID string, platform PlatformOutcome, message string) Result {
	return Result{
		PlatformOutcome: platform,
		Outcome:         Fail,
		Message:         message,
		TransactionID:   transactionID,
	}.Finalize()
}

// GenericFailure is what the operator sees when the outcome is being recovered
// in the background.
func GenericFailure(transactionID string) Result {
	return FailResult(transactionID, Unknown, GenericFailureMessage)
}

// Mapping is one row of a provider outcome table.
type Mapping struct {
	Platform PlatformOutcome
	Outcome  Outcome
	Message  string
}

// Normalize looks up code in table. Unknown codes fail closed.
func Normalize(table map[string]Mapping, code string) Mapping {
	if m, ok := table[strings.ToUpper(strings.TrimSpace(code))]; ok {
		return m
	}
	return Mapping{Platform: Unknown, Outcome: Fail, Message: GenericFailureMessage}
}
