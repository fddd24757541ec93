package smartpay

import (
	"strings"

	"eftpos-bridge/internal/eftpos"
)

// transactionResults maps data.TransactionResult.
var transactionResults = map[string]eftpos.Mapping{
	"OK-ACCEPTED":      {Platform: eftpos.Accepted, Outcome: eftpos.Success, Message: "Transaction approved"},
	"OK-DECLINED":      {Platform: eftpos.Declined, Outcome: eftpos.Fail, Message: eftpos.DeclinedMessage},
	"CANCELLED":        {Platform: eftpos.Cancelled, Outcome: eftpos.Fail, Message: "Transaction cancelled"},
	"OK-UNAVAILABLE":   {Platform: eftpos.HostUnavailable, Outcome: eftpos.Fail, Message: "Bank host unavailable, please try again"},
	"OK-DELAYED":       {Platform: eftpos.DelayedOutcome, Outcome: eftpos.Delay, Message: "Transaction delayed, please wait"},
	"FAILED-INTERFACE": {Platform: eftpos.SystemError, Outcome: eftpos.Fail, Message: "Terminal interface error, please try again"},
	"TERMINAL-BUSY":    {Platform: eftpos.TerminalBusy, Outcome: eftpos.Fail, Message: "Terminal busy, please try again"},
}

// Codes returns a copy of the TransactionResult table.
func Codes() map[string]eftpos.Mapping {
	out := make(map[string]eftpos.Mapping, len(transactionResults))
	for k, v := range transactionResults {
		out[k] = v
	}
	return out
}

var callFailed = eftpos.Mapping{Platform: eftpos.SystemError, Outcome: eftpos.Fail, Message: eftpos.GenericFailureMessage}

// normalize maps a completed status document. Both TransactionResult and
// Result are inspected: Success needs Result OK, and an empty
// TransactionResult with Result other than OK is a terminal side failure.
func normalize(d resultData) eftpos.Result {
	callOK := strings.EqualFold(strings.TrimSpace(d.Result), "OK")

	var m eftpos.Mapping
	switch {
	case strings.TrimSpace(d.TransactionResult) != "":
		m = eftpos.Normalize(transactionResults, d.TransactionResult)
		if m.Outcome == eftpos.Success && !callOK {
			m = callFailed
		}
	case !callOK:
		m = callFailed
	default:
		m = eftpos.Normalize(nil, "")
	}

	res := eftpos.Result{
		PlatformOutcome: m.Platform,
		Outcome:         m.Outcome,
		Message:         m.Message,
		Receipt:         d.Receipt,
	}
	if m.Outcome == eftpos.Success {
		res.CardType = eftpos.ClassifyCard(d.CardType)
		res.Surcharge = d.AmountSurcharge
		res.Tip = d.AmountTip
	}
	return res.Finalize()
}
