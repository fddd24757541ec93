package smartpay

import (
	"net/http"
	"net/url"
	"sync"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// Behaviour scripts the simulated cloud API.
type Behaviour struct {
	TransactionResult string // "OK-ACCEPTED" when empty
	Result            string // "OK" when empty
	CardType          string
	Receipt           string
	Surcharge         int64
	Tip               int64

	// PendingPolls and DelayedPolls answer that many polls with PENDING and
	// then OK-DELAYED before the final result.
	PendingPolls int
	DelayedPolls int
	Display      string

	// RejectStatus answers the purchase POST with this status code.
	RejectStatus int
	// FailPolls answers the first polls of each transaction with 503.
	FailPolls     int
	NeverComplete bool
}

type simTxn struct {
	form      url.Values
	polls     int
	cancelled bool
}

// Simulator is an in-process fake of the Smartpay cloud API.
type Simulator struct {
	logger *zap.SugaredLogger
	engine *gin.Engine

	mu        sync.Mutex
	behaviour Behaviour
	txns      map[string]*simTxn
	purchases int
	polls     int
	cancels   int
	pairings  []string
}

func NewSimulator(logger *zap.SugaredLogger, b Behaviour) *Simulator {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	s := &Simulator{
		logger:    logger.Named("smartpay-sim"),
		behaviour: b,
		txns:      make(map[string]*simTxn),
	}

	r := gin.New()
	r.Use(gin.Recovery())
	r.POST("/transaction", s.handlePurchase)
	r.GET("/transaction/:id", s.handleStatus)
	r.POST("/transaction/:id/cancel", s.handleCancel)
	r.POST("/pairing/:code", s.handlePair)
	s.engine = r
	return s
}

// Handler serves the fake API.
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
func (s *Simulator) Cancels() int   { s.mu.Lock(); defer s.mu.Unlock(); return s.cancels }

func (s *Simulator) Pairings() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.pairings...)
}

// Form returns the purchase form posted for id.
func (s *Simulator) Form(id string) url.Values {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.txns[id]; ok {
		return t.form
	}
	return nil
}

func (s *Simulator) handlePurchase(c *gin.Context) {
	if err := c.Request.ParseForm(); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	form := c.Request.PostForm
	id := form.Get("TransactionId")
	if id == "" || form.Get("POSRegisterID") == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "TransactionId and POSRegisterID are required"})
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.purchases++
	if s.behaviour.RejectStatus != 0 {
		c.JSON(s.behaviour.RejectStatus, gin.H{"error": "rejected"})
		return
	}
	s.txns[id] = &simTxn{form: form}
	s.logger.Debugf("Accepted %s %s for %s", form.Get("TransactionType"), id, form.Get("AmountTotal"))
	c.JSON(http.StatusOK, gin.H{"transactionId": id, "transactionStatus": StatusPending})
}

func (s *Simulator) handleStatus(c *gin.Context) {
	id := c.Param("id")

	s.mu.Lock()
	defer s.mu.Unlock()
	s.polls++
	b := s.behaviour

	t, ok := s.txns[id]
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "transaction not found"})
		return
	}
	t.polls++
	if t.polls <= b.FailPolls {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "try later"})
		return
	}
	n := t.polls - b.FailPolls

	doc := statusResponse{TransactionID: id, TransactionStatus: StatusCompleted, Display: b.Display}
	switch {
	case t.cancelled:
		doc.Data = resultData{TransactionResult: "CANCELLED", Result: "OK"}
	case b.NeverComplete || n <= b.PendingPolls:
		doc.TransactionStatus = StatusPending
	case n <= b.PendingPolls+b.DelayedPolls:
		doc.Data = resultData{TransactionResult: "OK-DELAYED", Result: "OK"}
	default:
		doc.Data = resultData{
			TransactionResult: b.TransactionResult,
			Result:            b.Result,
			Receipt:           b.Receipt,
			CardType:          b.CardType,
			AmountSurcharge:   b.Surcharge,
			AmountTip:         b.Tip,
		}
		if doc.Data.TransactionResult == "" && doc.Data.Result == "" {
			doc.Data.TransactionResult = "OK-ACCEPTED"
		}
		if doc.Data.Result == "" {
			doc.Data.Result = "OK"
		}
	}
	c.JSON(http.StatusOK, doc)
}

func (s *Simulator) handleCancel(c *gin.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cancels++
	t, ok := s.txns[c.Param("id")]
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "transaction not found"})
		return
	}
	t.cancelled = true
	c.JSON(http.StatusOK, gin.H{"result": "OK"})
}

func (s *Simulator) handlePair(c *gin.Context) {
	code := c.Param("code")
	if c.PostForm("POSRegisterID") == "" || code == "000000" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid pairing request"})
		return
	}
	s.mu.Lock()
	s.pairings = append(s.pairings, code)
	s.mu.Unlock()
	c.JSON(http.StatusOK, gin.H{"result": "OK"})
}
