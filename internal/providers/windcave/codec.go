package windcave

import (
	"encoding/xml"
	"fmt"
	"strings"

	"eftpos-bridge/internal/eftpos"

	"github.com/shopspring/decimal"
)

// Transaction types.
const (
	TxnPurchase = "Purchase"
	TxnRefund   = "Refund"
	TxnStatus   = "Status"
	TxnUI       = "UI"
)

// Button names used in UI requests.
const (
	ButtonYes    = "B1"
	ButtonNo     = "B2"
	ButtonCancel = "CancelB"
)

const actionHIT = "doScrHIT"

// Request is the Scr document posted for every call.
type Request struct {
	XMLName  xml.Name `xml:"Scr"`
	Action   string   `xml:"action,attr"`
	User     string   `xml:"user,attr"`
	Key      string   `xml:"Key"`
	Station  string   `xml:"Station"`
	TxnType  string   `xml:"TxnType"`
	TxnRef   string   `xml:"TxnRef"`
	Amount   string   `xml:"Amount,omitempty"`
	Cur      string   `xml:"Cur,omitempty"`
	DeviceID string   `xml:"DeviceId,omitempty"`
	PosName  string   `xml:"PosName,omitempty"`
	VendorID string   `xml:"VendorId,omitempty"`
	UIType   string   `xml:"UiType,omitempty"`
	Name     string   `xml:"Name,omitempty"`
	Val      string   `xml:"Val,omitempty"`
}

// Response nodes are pointers so an absent node is distinct from "0".
type Response struct {
	XMLName     xml.Name    `xml:"Scr"`
	Action      string      `xml:"action,attr"`
	TxnType     *string     `xml:"TxnType"`
	TxnRef      *string     `xml:"TxnRef"`
	Complete    *string     `xml:"Complete"`
	StatusID    *string     `xml:"StatusId"`
	TxnStatusID *string     `xml:"TxnStatusId"`
	ReCo        *string     `xml:"ReCo"`
	DL1         *string     `xml:"DL1"`
	DL2         *string     `xml:"DL2"`
	B1          *Button     `xml:"B1"`
	B2          *Button     `xml:"B2"`
	Receipt     *string     `xml:"RcptW"`
	Result      *ResultNode `xml:"Result"`
}

type Button struct {
	Enabled *string `xml:"En"`
	Label   *string `xml:"Lbl"`
}

type ResultNode struct {
	AP        *string `xml:"AP"`
	RC        *string `xml:"RC"`
	CardType  *string `xml:"CT"`
	Surcharge *string `xml:"AmtS"`
	Tip       *string `xml:"AmtTip"`
}

// Text returns the trimmed node text, or "" when the node is absent.
func Text(p *string) string {
	if p == nil {
		return ""
	}
	return strings.TrimSpace(*p)
}

// String builds an optional node value.
func String(s string) *string {
	return &s
}

// Completed reports whether the terminal has finished the transaction.
func (r *Response) Completed() bool {
	return Text(r.Complete) == "1"
}

// Authorized reports AP=1 on the result node.
func (r *Response) Authorized() bool {
	return r.Result != nil && Text(r.Result.AP) == "1"
}

// Display joins the two display lines.
func (r *Response) Display() string {
	return strings.TrimSpace(Text(r.DL1) + " " + Text(r.DL2))
}

// Prompt is a pending button question, or nil.
func (r *Response) Prompt() *Prompt {
	if !enabled(r.B1) && !enabled(r.B2) {
		return nil
	}
	p := &Prompt{Text: r.Display()}
	if enabled(r.B1) {
		p.Yes = Text(r.B1.Label)
	}
	if enabled(r.B2) {
		p.No = Text(r.B2.Label)
	}
	return p
}

func enabled(b *Button) bool {
	return b != nil && Text(b.Enabled) == "1"
}

// Prompt is the text and button labels of a question.
type Prompt struct {
	Text string
	Yes  string
	No   string
}

func (p Prompt) key() string {
	return p.Text + "|" + p.Yes + "|" + p.No
}

func (p Prompt) kind() eftpos.QuestionKind {
	upper := strings.ToUpper(p.Text)
	switch {
	case strings.Contains(upper, "SIGNATURE"):
		return eftpos.QuestionSignature
	case strings.Contains(upper, "CANCEL"):
		return eftpos.QuestionConfirmCancel
	}
	return eftpos.QuestionOther
}

// FormatAmount renders minor units as "5.00".
func FormatAmount(cents int64) string {
	return decimal.New(cents, -2).StringFixed(2)
}

// ParseAmount reads "5.00" as minor units. Absent or blank reads as 0.
func ParseAmount(p *string) (int64, error) {
	s := Text(p)
	if s == "" {
		return 0, nil
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return 0, fmt.Errorf("invalid amount %q: %w", s, err)
	}
	return d.Shift(2).Round(0).IntPart(), nil
}

// Marshal encodes the request with an XML header.
func (r Request) Marshal() ([]byte, error) {
	r.Action = actionHIT
	out, err := xml.Marshal(r)
	if err != nil {
		return nil, err
	}
	return append([]byte(xml.Header), out...), nil
}

// ParseResponse decodes a Scr response document.
func ParseResponse(b []byte) (*Response, error) {
	var r Response
	if err := xml.Unmarshal(b, &r); err != nil {
		return nil, fmt.Errorf("decode Scr response: %w", err)
	}
	return &r, nil
}
