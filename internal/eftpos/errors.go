package eftpos

import (
	"errors"
	"fmt"
)

// Error kinds. Every TransactionError carries exactly one of these as its Kind.
var (
	// ErrValidation is returned for a bad amount or missing endpoint configuration.
	// Nothing is sent to the terminal.
	ErrValidation = errors.New("validation error")

	// ErrConnection is returned when the terminal could not be reached or the
	// transport failed mid-flow.
	ErrConnection = errors.New("connection error")

	// ErrProtocolTimeout is returned when no response arrived within the
	// inactivity window or the overall deadline.
	ErrProtocolTimeout = errors.New("protocol timeout")

	// ErrDeclined marks a normal business failure reported by the provider.
	ErrDeclined = errors.New("transaction declined")

	// ErrAmbiguous is matched by any error where the purchase command was sent
	// but the outcome at the terminal could not be confirmed.
	ErrAmbiguous = errors.New("transaction outcome unknown")

	// ErrSystem is returned for provider-reported internal faults.
	ErrSystem = errors.New("provider system error")

	// ErrTransactionInProgress is returned when a purchase overlaps another one
	// on the same terminal.
	ErrTransactionInProgress = errors.New("a transaction is already in progress")
)

// TransactionError describes a failed transaction flow.
type TransactionError struct {
	Kind          error
	Provider      string
	TransactionID string
	// Sent is true once the purchase command has left the process.
	Sent  bool
	Trace []string
	Err   error
}

// NewTransactionError builds a TransactionError of the given kind.
func NewTransactionError(kind error, provider, transactionID string, sent bool, cause error) *TransactionError {
	return &TransactionError{
		Kind:          kind,
		Provider:      provider,
		TransactionID: transactionID,
		Sent:          sent,
		Err:           cause,
	}
}

// Ambiguous reports whether the terminal may have charged the card.
func (e *TransactionError) Ambiguous() bool {
	if errors.Is(e.Kind, ErrAmbiguous) {
		return true
	}
	return e.Sent && (errors.Is(e.Kind, ErrConnection) || errors.Is(e.Kind, ErrProtocolTimeout))
}

func (e *TransactionError) Error() string {
	msg := fmt.Sprintf("%s transaction %s: %v", e.Provider, e.TransactionID, e.Kind)
	if e.Ambiguous() && !errors.Is(e.Kind, ErrAmbiguous) {
		msg += " (" + ErrAmbiguous.Error() + ")"
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap exposes the kind, the ambiguity marker and the cause to errors.Is/As.
func (e *TransactionError) Unwrap() []error {
	errs := []error{e.Kind}
	if e.Ambiguous() && !errors.Is(e.Kind, ErrAmbiguous) {
		errs = append(errs, ErrAmbiguous)
	}
	if e.Err != nil {
		errs = append(errs, e.Err)
	}
	return errs
}

// LogFields returns a map of fields for structured logging.
func (e *TransactionError) LogFields() map[string]interface{} {
	fields := map[string]interface{}{
		"error_type":     "transaction_error",
		"kind":           e.Kind.Error(),
		"provider":       e.Provider,
		"transaction_id": e.TransactionID,
		"sent":           e.Sent,
		"ambiguous":      e.Ambiguous(),
	}
	if e.Err != nil {
		fields["error"] = e.Err.Error()
	}
	return fields
}

// TransactionIDOf extracts the transaction id carried by err, if any.
func TransactionIDOf(err error) (string, bool) {
	var te *TransactionError
	if errors.As(err, &te) && te.TransactionID != "" {
		return te.TransactionID, true
	}
	return "", false
}

// IsAmbiguous reports whether err describes a transaction whose outcome is unknown.
func IsAmbiguous(err error) bool {
	return errors.Is(err, ErrAmbiguous)
}
