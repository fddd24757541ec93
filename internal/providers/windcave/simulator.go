package windcave

import (
	"encoding/xml"
	"io"
	"net/http"
	"sync"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// Behaviour scripts the simulated HIT endpoint.
type Behaviour struct {
	// ReCo, when set, completes the transaction unauthorized with this code.
	ReCo      string
	CardType  string
	Receipt   string
	Surcharge string // decimal, e.g. "0.50"

	PendingPolls int
	DelayedPolls int

	AskSignature bool
	Question     string

	// ImmediateReCo completes the transaction in the purchase response.
	ImmediateReCo string
	RejectStatus  int
	NeverComplete bool
}

type simTxn struct {
	request   Request
	polls     int
	answered  bool
	cancelled bool
}

// Simulator is an in-process fake of the Windcave HIT endpoint.
type Simulator struct {
	logger *zap.SugaredLogger
	engine *gin.Engine

	mu        sync.Mutex
	behaviour Behaviour
	txns      map[string]*simTxn
	purchases int
	polls     int
	buttons   []string
}

func NewSimulator(logger *zap.SugaredLogger, b Behaviour) *Simulator {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	s := &Simulator{
		logger:    logger.Named("windcave-sim"),
		behaviour: b,
		txns:      make(map[string]*simTxn),
	}
	r := gin.New()
	r.Use(gin.Recovery())
	r.POST("/", s.handle)
	s.engine = r
	return s
}

func (s *Simulator) Handler() http.Handler {
	return s.engine
}

func (s *Simulator) SetBehaviour(b Behaviour) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.behaviour = b
}

func (s *Simulator) Purchases() int { s.mu.Lock(); defer s.mu.Unlock(); return s.purchases }
func (s *Simulator) Polls() int     { s.mu.Lock(); defer s.mu.Unlock(); return s.polls }

// Buttons lists the pressed buttons as "Name:Val".
func (s *Simulator) Buttons() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.buttons...)
}

// Request returns the purchase request recorded for txnRef.
func (s *Simulator) Request(txnRef string) (Request, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.txns[txnRef]
	if !ok {
		return Request{}, false
	}
	return t.request, true
}

func (s *Simulator) handle(c *gin.Context) {
	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		c.Status(http.StatusBadRequest)
		return
	}
	var req Request
	if err := xml.Unmarshal(body, &req); err != nil || req.Action != actionHIT {
		c.String(http.StatusBadRequest, "malformed Scr request")
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	resp := Response{Action: actionHIT, TxnType: String(req.TxnType), TxnRef: String(req.TxnRef)}
	switch req.TxnType {
	case TxnPurchase, TxnRefund:
		s.purchases++
		if s.behaviour.RejectStatus != 0 {
			c.String(s.behaviour.RejectStatus, "rejected")
			return
		}
		s.txns[req.TxnRef] = &simTxn{request: req}
		s.logger.Debugf("Accepted %s %s for %s %s", req.TxnType, req.TxnRef, req.Amount, req.Cur)
		if code := s.behaviour.ImmediateReCo; code != "" {
			resp.Complete = String("1")
			resp.ReCo = String(code)
			resp.Result = &ResultNode{AP: String("0"), RC: String(code)}
			break
		}
		resp.Complete = String("0")
		resp.DL1 = String("PRESENT CARD")

	case TxnStatus:
		s.polls++
		t, ok := s.txns[req.TxnRef]
		if !ok {
			resp.Complete = String("1")
			resp.ReCo = String("NF")
			break
		}
		s.status(t, &resp)

	case TxnUI:
		s.buttons = append(s.buttons, req.Name+":"+req.Val)
		if t, ok := s.txns[req.TxnRef]; ok {
			t.answered = true
			if req.Name == ButtonCancel {
				t.cancelled = true
			}
		}
		resp.Complete = String("0")

	default:
		c.String(http.StatusBadRequest, "unsupported TxnType")
		return
	}
	c.XML(http.StatusOK, resp)
}

// status must be called with s.mu held.
func (s *Simulator) status(t *simTxn, resp *Response) {
	b := s.behaviour
	t.polls++

	prompt := b.Question
	if b.AskSignature {
		prompt = "SIGNATURE OK?"
	}

	switch {
	case t.cancelled:
		resp.Complete = String("1")
		resp.ReCo = String("TC")
		resp.Result = &ResultNode{AP: String("0")}
		return
	case b.NeverComplete || t.polls <= b.PendingPolls:
		resp.Complete = String("0")
		resp.DL1 = String("PROCESSING")
		return
	case prompt != "" && !t.answered:
		resp.Complete = String("0")
		resp.DL1 = String(prompt)
		resp.B1 = &Button{Enabled: String("1"), Label: String("YES")}
		resp.B2 = &Button{Enabled: String("1"), Label: String("NO")}
		return
	case t.polls <= b.PendingPolls+b.DelayedPolls:
		resp.Complete = String("1")
		resp.ReCo = String("TD")
		resp.Result = &ResultNode{AP: String("0")}
		return
	}

	resp.Complete = String("1")
	resp.Receipt = String(b.Receipt)
	if b.ReCo != "" {
		resp.ReCo = String(b.ReCo)
		resp.Result = &ResultNode{AP: String("0"), RC: String(b.ReCo)}
		return
	}
	resp.ReCo = String("00")
	resp.Result = &ResultNode{
		AP:        String("1"),
		RC:        String("00"),
		CardType:  String(b.CardType),
		Surcharge: String(b.Surcharge),
	}
}
