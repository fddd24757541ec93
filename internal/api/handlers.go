package api

import (
	"context"
	"errors"
	"io"
	"net/http"
	"time"

	"eftpos-bridge/internal/driver"
	"eftpos-bridge/internal/eftpos"
	"eftpos-bridge/internal/ledger"

	"github.com/gin-gonic/gin"
)

type errorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

// writeError maps errors to status codes. Payment failures never reach here;
// they are 200 responses carrying a Fail result.
func (s *Server) writeError(c *gin.Context, err error) {
	status, code := http.StatusInternalServerError, "internal_error"
	switch {
	case errors.Is(err, eftpos.ErrValidation):
		status, code = http.StatusBadRequest, "invalid_input"
	case errors.Is(err, eftpos.ErrTransactionInProgress):
		status, code = http.StatusConflict, "transaction_in_progress"
	case errors.Is(err, ledger.ErrRecordNotFound), errors.Is(err, driver.ErrQuestionNotFound):
		status, code = http.StatusNotFound, "not_found"
	}
	if status == http.StatusInternalServerError {
		s.Logger.Errorf("%s %s failed: %v", c.Request.Method, c.Request.URL.Path, err)
	}
	c.JSON(status, errorResponse{Error: code, Message: err.Error()})
}

type transactionRequest struct {
	Amount        int64  `json:"amount"`
	Type          string `json:"type"`
	Reference     string `json:"reference"`
	TransactionID string `json:"transaction_id"`
}

type transactionResponse struct {
	Result eftpos.Result `json:"result"`
	Error  string        `json:"error,omitempty"`
}

func (s *Server) createTransaction(c *gin.Context) {
	var req transactionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, errorResponse{Error: "invalid_input", Message: err.Error()})
		return
	}

	opts := []driver.Option{driver.WithReference(req.Reference)}
	if req.Type != "" {
		opts = append(opts, driver.WithType(eftpos.TransactionType(req.Type)))
	}
	if req.TransactionID != "" {
		opts = append(opts, driver.WithTransactionID(req.TransactionID))
	}

	// The payment must run to completion even if the caller disconnects.
	ctx := context.WithoutCancel(c.Request.Context())
	res, err := s.deps.Facade.CreateTransaction(ctx, req.Amount, opts...)
	if err != nil && (errors.Is(err, eftpos.ErrValidation) || errors.Is(err, eftpos.ErrTransactionInProgress)) {
		s.writeError(c, err)
		return
	}

	resp := transactionResponse{Result: res}
	if err != nil {
		resp.Error = err.Error()
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) cancelTransaction(c *gin.Context) {
	id := s.deps.Facade.Current()
	if id == "" {
		c.JSON(http.StatusOK, gin.H{"status": "idle"})
		return
	}
	if err := s.deps.Facade.CancelTransaction(c.Request.Context()); err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"status": "cancelling", "transaction_id": id})
}

func (s *Server) listQuestions(c *gin.Context) {
	c.JSON(http.StatusOK, s.deps.Facade.PendingQuestions())
}

type answerRequest struct {
	Answer *bool `json:"answer"`
}

func (s *Server) answerQuestion(c *gin.Context) {
	var req answerRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.Answer == nil {
		c.JSON(http.StatusBadRequest, errorResponse{Error: "invalid_input", Message: "answer must be true or false"})
		return
	}
	if err := s.deps.Facade.Answer(c.Param("id"), *req.Answer); err != nil {
		s.writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// events streams flow events as server-sent events until the client leaves.
func (s *Server) events(c *gin.Context) {
	events, unsubscribe := s.deps.Facade.Hub().Subscribe()
	defer unsubscribe()

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Status(http.StatusOK)
	c.Writer.Flush()

	keepAlive := time.NewTicker(15 * time.Second)
	defer keepAlive.Stop()

	c.Stream(func(w io.Writer) bool {
		select {
		case <-c.Request.Context().Done():
			return false
		case <-keepAlive.C:
			c.SSEvent("ping", gin.H{"time": time.Now().UTC()})
			return true
		case ev, ok := <-events:
			if !ok {
				return false
			}
			c.SSEvent(string(ev.Type), ev)
			return true
		}
	})
}

func (s *Server) listLedger(c *gin.Context) {
	records, err := s.deps.Ledger.List()
	if err != nil {
		s.writeError(c, err)
		return
	}
	if records == nil {
		records = []ledger.Record{}
	}
	c.JSON(http.StatusOK, records)
}

func (s *Server) getLedgerRecord(c *gin.Context) {
	rec, err := s.deps.Ledger.Get(c.Param("id"))
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, rec)
}

func (s *Server) reconcile(c *gin.Context) {
	report, err := s.deps.Reconciler.RunOnce(c.Request.Context())
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, report)
}

func (s *Server) resolveLedgerRecord(c *gin.Context) {
	res, err := s.deps.Reconciler.Resolve(c.Request.Context(), c.Param("id"))
	switch {
	case err == nil:
		c.JSON(http.StatusOK, transactionResponse{Result: res})
	case eftpos.IsAmbiguous(err):
		c.JSON(http.StatusAccepted, transactionResponse{Result: res, Error: err.Error()})
	default:
		s.writeError(c, err)
	}
}

// deleteLedgerRecord drops a record after support has settled it by hand.
func (s *Server) deleteLedgerRecord(c *gin.Context) {
	id := c.Param("id")
	removed, err := s.deps.Ledger.Remove(id)
	if err != nil {
		s.writeError(c, err)
		return
	}
	if !removed {
		s.writeError(c, ledger.ErrRecordNotFound)
		return
	}
	s.Logger.Infof("Ledger record %s removed manually", id)
	c.Status(http.StatusNoContent)
}

func (s *Server) updateSettings(c *gin.Context) {
	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		c.JSON(http.StatusBadRequest, errorResponse{Error: "invalid_input", Message: "error reading request body"})
		return
	}
	if err := s.deps.Settings.UpdateSettings(body); err != nil {
		s.Logger.Warnf("Rejected provider settings: %v", err)
		s.writeError(c, err)
		return
	}
	s.currentSettings(c)
}

func (s *Server) currentSettings(c *gin.Context) {
	cfg := s.deps.Settings.GetActiveProvider()
	if cfg == nil {
		c.JSON(http.StatusNotFound, gin.H{})
		return
	}
	c.JSON(http.StatusOK, cfg)
}

func (s *Server) health(c *gin.Context) {
	resp := gin.H{
		"status":         "ok",
		"uptime_seconds": time.Since(s.start).Seconds(),
		"transaction":    s.deps.Facade.Current(),
	}
	if s.deps.Providers != nil {
		resp["provider"] = s.deps.Providers.ActiveName()
		if st, ok := s.deps.Providers.(interface{ Status() map[string]interface{} }); ok {
			resp["provider_status"] = st.Status()
		}
	}
	if s.deps.TxLog != nil {
		resp["txlog"] = s.deps.TxLog.Stats()
	}
	if s.deps.Store != nil {
		resp["store"] = s.deps.Store.Stats()
	}
	if records, err := s.deps.Ledger.List(); err == nil {
		resp["unresolved"] = len(records)
	}
	c.JSON(http.StatusOK, resp)
}
