package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"eftpos-bridge/internal/config"
	"eftpos-bridge/internal/driver"
	"eftpos-bridge/internal/ledger"
	"eftpos-bridge/internal/metrics"
	"eftpos-bridge/internal/settings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// ProviderInfo reports which provider is active.
type ProviderInfo interface {
	ActiveName() string
}

// StatsSource exposes counters for the health endpoint.
type StatsSource interface {
	Stats() map[string]interface{}
}

// Deps are the components the API serves.
type Deps struct {
	Facade     *driver.Facade
	Ledger     *ledger.Ledger
	Reconciler *ledger.Reconciler
	Settings   *settings.Manager
	Providers  ProviderInfo
	Metrics    *metrics.Provider
	TxLog      StatsSource
	Store      StatsSource
	Logger     *zap.SugaredLogger
}

// Server is the local HTTP API used by the ordering front-end and support
// tooling.
type Server struct {
	*http.Server
	Logger *zap.SugaredLogger
	deps   Deps
	start  time.Time
}

func NewServer(cfg config.ServerConfig, deps Deps) *Server {
	if deps.Logger == nil {
		deps.Logger = zap.NewNop().Sugar()
	}
	s := &Server{
		Server: &http.Server{
			Addr:           cfg.Addr(),
			ReadTimeout:    cfg.ReadTimeout,
			WriteTimeout:   cfg.WriteTimeout,
			MaxHeaderBytes: 1 << 20,
		},
		Logger: deps.Logger.Named("api"),
		deps:   deps,
		start:  time.Now(),
	}
	s.Handler = s.Router()
	return s
}

// Router builds the gin engine with every route registered.
func (s *Server) Router() *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery(), s.requestLogger())
	if s.deps.Metrics != nil {
		router.Use(metrics.HTTPMiddleware(s.deps.Metrics.MeterProvider()))
		router.GET("/metrics", gin.WrapH(s.deps.Metrics.Handler()))
	}

	router.GET("/healthz", s.health)

	tx := router.Group("/transactions")
	tx.POST("", s.createTransaction)
	tx.POST("/cancel", s.cancelTransaction)
	tx.GET("/questions", s.listQuestions)
	tx.POST("/questions/:id", s.answerQuestion)
	tx.GET("/events", s.events)

	l := router.Group("/ledger")
	l.GET("", s.listLedger)
	l.POST("/reconcile", s.reconcile)
	l.GET("/:id", s.getLedgerRecord)
	l.POST("/:id/resolve", s.resolveLedgerRecord)
	l.DELETE("/:id", s.deleteLedgerRecord)

	router.POST("/eftpos_config", s.updateSettings)
	router.GET("/eftpos_config/current", s.currentSettings)

	return router
}

func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		if c.FullPath() == "/healthz" || c.FullPath() == "/metrics" {
			return
		}
		s.Logger.Debugw("http request",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"duration", time.Since(start),
			"remote_addr", c.ClientIP(),
		)
	}
}

// Start begins listening for HTTP requests. It returns nil after Stop.
func (s *Server) Start() error {
	s.Logger.Infof("Starting API Server on %s", s.Addr)
	if err := s.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Stop gracefully shuts down the server.
func (s *Server) Stop(ctx context.Context) error {
	s.Logger.Info("Shutting down API Server...")
	return s.Shutdown(ctx)
}
