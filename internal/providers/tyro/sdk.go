package tyro

import "errors"

// SpiStatus is the pairing/connection state reported by the SPI client.
type SpiStatus string

const (
	StatusUnpaired         SpiStatus = "Unpaired"
	StatusPairedConnecting SpiStatus = "PairedConnecting"
	StatusPairedConnected  SpiStatus = "PairedConnected"
)

// Success values carried in TxFlowState.
type Success string

const (
	SuccessSuccess Success = "Success"
	SuccessFailed  Success = "Failed"
	SuccessUnknown Success = "Unknown"
)

// TxResponse is the terminal's answer, present once a flow finishes.
type TxResponse struct {
	Success         bool
	ResponseCode    string
	ResponseText    string
	SchemeName      string
	CustomerReceipt string
	SurchargeAmount int64
	TipAmount       int64
}

// TxFlowState is delivered on every change of the running transaction.
type TxFlowState struct {
	PosRefID               string
	Finished               bool
	Success                Success
	AwaitingSignatureCheck bool
	AttemptingToCancel     bool
	DisplayMessage         string
	Response               *TxResponse
}

// SDK is the subset of the SPI client the provider uses. Every call returns
// once the request is queued; progress arrives through the state callback.
type SDK interface {
	Status() SpiStatus
	SetTxFlowStateChanged(fn func(TxFlowState))
	InitiatePurchase(posRefID string, amount int64) error
	InitiateRefund(posRefID string, amount int64) error
	AcceptSignature(accepted bool) error
	CancelTransaction() error
	InitiateRecovery(posRefID string) error
	AckFlowEnded() error
}

// ErrTerminalBusy is returned by Initiate calls while a flow is running.
var ErrTerminalBusy = errors.New("terminal is busy with another transaction")
