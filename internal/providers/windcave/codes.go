package windcave

import (
	"strings"

	"eftpos-bridge/internal/eftpos"
)

// reCodes maps ReCo on completed, unauthorized transactions. Anything not
// listed is a decline.
var reCodes = map[string]eftpos.Mapping{
	"TC": {Platform: eftpos.Cancelled, Outcome: eftpos.Fail, Message: "Transaction cancelled"},
	"TB": {Platform: eftpos.TerminalBusy, Outcome: eftpos.Fail, Message: "Terminal busy, please try again"},
	"U9": {Platform: eftpos.HostUnavailable, Outcome: eftpos.Fail, Message: "Bank host unavailable, please try again"},
	"TD": {Platform: eftpos.DelayedOutcome, Outcome: eftpos.Delay, Message: "Transaction delayed, please wait"},
	"ER": {Platform: eftpos.SystemError, Outcome: eftpos.Fail, Message: "Terminal system error"},
	"NF": {Platform: eftpos.NotFound, Outcome: eftpos.Fail, Message: "Transaction not found on terminal"},
}

var declined = eftpos.Mapping{Platform: eftpos.Declined, Outcome: eftpos.Fail, Message: eftpos.DeclinedMessage}

// Codes returns a copy of the ReCo table.
func Codes() map[string]eftpos.Mapping {
	out := make(map[string]eftpos.Mapping, len(reCodes))
	for k, v := range reCodes {
		out[k] = v
	}
	return out
}

type signature int

const (
	signatureNone signature = iota
	signatureAccepted
	signatureDeclined
	// declined without asking, in unattended mode
	signatureSkipped
)

// normalize maps a completed response.
func normalize(r *Response, sig signature) eftpos.Result {
	res := eftpos.Result{Receipt: Text(r.Receipt)}

	if r.Authorized() {
		res.PlatformOutcome = eftpos.Accepted
		res.Outcome = eftpos.Success
		res.Message = "Transaction approved"
		if sig != signatureNone {
			res.PlatformOutcome = eftpos.AcceptedWithSignature
			res.Message = "Transaction approved with signature"
		}
		switch sig {
		case signatureDeclined:
			res.Outcome = eftpos.Fail
			res.Message = eftpos.SignatureDeclinedMessage
			return res.Finalize()
		case signatureSkipped:
			res.Outcome = eftpos.Fail
			res.Message = eftpos.UnattendedSignatureMessage
			return res.Finalize()
		}
		res.CardType = eftpos.ClassifyCard(Text(r.Result.CardType))
		res.Surcharge, _ = ParseAmount(r.Result.Surcharge)
		res.Tip, _ = ParseAmount(r.Result.Tip)
		return res.Finalize()
	}

	m, ok := reCodes[strings.ToUpper(Text(r.ReCo))]
	if !ok {
		m = declined
	}
	res.PlatformOutcome = m.Platform
	res.Outcome = m.Outcome
	res.Message = m.Message
	return res.Finalize()
}
