package tyro

import (
	"strings"

	"eftpos-bridge/internal/eftpos"
)

var outcomes = map[string]eftpos.Mapping{
	"SUCCESS": {Platform: eftpos.Accepted, Outcome: eftpos.Success, Message: "Transaction approved"},
	"FAILED":  {Platform: eftpos.Declined, Outcome: eftpos.Fail, Message: eftpos.DeclinedMessage},
}

// Codes returns a copy of the outcome table.
func Codes() map[string]eftpos.Mapping {
	out := make(map[string]eftpos.Mapping, len(outcomes))
	for k, v := range outcomes {
		out[k] = v
	}
	return out
}

type signature int

const (
	signatureNone signature = iota
	signatureAccepted
	signatureDeclined
)

func responseText(st TxFlowState) string {
	if st.Response == nil {
		return ""
	}
	return st.Response.ResponseText
}

// normalize maps a finished state. It reports false for Unknown, which
// needs a recovery before anything can be said.
func normalize(st TxFlowState, sig signature) (eftpos.Result, bool) {
	m, ok := outcomes[strings.ToUpper(string(st.Success))]
	if !ok {
		return eftpos.Result{}, false
	}

	res := eftpos.Result{PlatformOutcome: m.Platform, Outcome: m.Outcome, Message: m.Message}
	if st.Response != nil {
		res.Receipt = st.Response.CustomerReceipt
	}

	if m.Outcome == eftpos.Success {
		if sig != signatureNone {
			res.PlatformOutcome = eftpos.AcceptedWithSignature
			res.Message = "Transaction approved with signature"
		}
		if st.Response != nil {
			res.CardType = eftpos.ClassifyCard(st.Response.SchemeName)
			res.Surcharge = st.Response.SurchargeAmount
			res.Tip = st.Response.TipAmount
		}
		return res.Finalize(), true
	}

	text := strings.ToUpper(responseText(st))
	switch {
	case strings.Contains(text, "CANCEL"):
		res.PlatformOutcome = eftpos.Cancelled
		res.Message = "Transaction cancelled"
	case strings.Contains(text, "NOT FOUND"):
		res.PlatformOutcome = eftpos.NotFound
		res.Message = "Transaction not found on terminal"
	case strings.Contains(text, "SYSTEM ERROR"):
		res.PlatformOutcome = eftpos.SystemError
		res.Message = "Terminal system error"
	}
	return res.Finalize(), true
}
