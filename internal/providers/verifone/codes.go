package verifone

import "eftpos-bridge/internal/eftpos"

// Response codes carried in RE frames.
var responseCodes = map[string]eftpos.Mapping{
	"00": {Platform: eftpos.Accepted, Outcome: eftpos.Success, Message: "Transaction approved"},
	"08": {Platform: eftpos.AcceptedWithSignature, Outcome: eftpos.Success, Message: "Transaction approved with signature"},
	"IP": {Platform: eftpos.InProgress, Outcome: eftpos.Delay, Message: "Transaction in progress"},
	"TD": {Platform: eftpos.DelayedOutcome, Outcome: eftpos.Delay, Message: "Transaction delayed, please wait"},
	"05": {Platform: eftpos.Declined, Outcome: eftpos.Fail, Message: eftpos.DeclinedMessage},
	"51": {Platform: eftpos.Declined, Outcome: eftpos.Fail, Message: "Insufficient funds, please try again"},
	"CN": {Platform: eftpos.Cancelled, Outcome: eftpos.Fail, Message: "Transaction cancelled"},
	"HU": {Platform: eftpos.HostUnavailable, Outcome: eftpos.Fail, Message: "Bank host unavailable, please try again"},
	"SE": {Platform: eftpos.SystemError, Outcome: eftpos.Fail, Message: "Terminal system error"},
	"TB": {Platform: eftpos.TerminalBusy, Outcome: eftpos.Fail, Message: "Terminal busy, please try again"},
	"NF": {Platform: eftpos.NotFound, Outcome: eftpos.Fail, Message: "Transaction not found on terminal"},
}

// Codes returns the documented response codes.
func Codes() map[string]eftpos.Mapping {
	out := make(map[string]eftpos.Mapping, len(responseCodes))
	for k, v := range responseCodes {
		out[k] = v
	}
	return out
}

type signature int

const (
	signatureNone signature = iota
	signatureDeclined
	// declined without asking, in unattended mode
	signatureSkipped
)

// normalize turns a result frame into a Result. Unknown codes fail closed.
func normalize(r ResultFrame, sig signature) eftpos.Result {
	m := eftpos.Normalize(responseCodes, r.Code)
	res := eftpos.Result{
		PlatformOutcome: m.Platform,
		Outcome:         m.Outcome,
		Message:         m.Message,
		TransactionID:   r.TransactionID,
	}
	if m.Outcome == eftpos.Success {
		res.Receipt = r.Receipt
		res.CardType = eftpos.ClassifyCard(r.CardType)
		res.Surcharge = r.Surcharge
		res.Tip = r.Tip
	}
	if m.Platform == eftpos.AcceptedWithSignature {
		switch sig {
		case signatureDeclined:
			res.Outcome = eftpos.Fail
			res.Message = eftpos.SignatureDeclinedMessage
		case signatureSkipped:
			res.Outcome = eftpos.Fail
			res.Message = eftpos.UnattendedSignatureMessage
		}
	}
	if m.Outcome == eftpos.Fail {
		// declines still print a customer copy
		res.Receipt = r.Receipt
	}
	return res.Finalize()
}
