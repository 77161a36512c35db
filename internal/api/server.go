package api

import (
	"github.com/gin-gonic/gin"

	"github.com/ruwiss/antigravity-claude-proxy/internal/accountstore"
	"github.com/ruwiss/antigravity-claude-proxy/internal/config"
	"github.com/ruwiss/antigravity-claude-proxy/internal/dispatch"
	"github.com/ruwiss/antigravity-claude-proxy/internal/metrics"
	"github.com/ruwiss/antigravity-claude-proxy/internal/pool"
)

// Server owns the gin.Engine and every collaborator its handlers need:
// the Dispatch Engine for /v1/messages, the pool for /healthz and the
// admin routes, and the Account Store to persist admin mutations.
type Server struct {
	engine   *gin.Engine
	dispatch *dispatch.Engine
	pool     *pool.Pool
	accounts *accountstore.Store
	metrics  *metrics.Metrics
	cfg      *config.Config
}

// New builds the HTTP surface, wiring routes and middleware in front of the
// given collaborators. metrics may be nil, in which case the Prometheus
// middleware and /metrics route are skipped.
func New(cfg *config.Config, engine *dispatch.Engine, p *pool.Pool, accounts *accountstore.Store, m *metrics.Metrics) *Server {
	if cfg.Logging.Level != "debug" && cfg.Logging.Level != "verbose" {
		gin.SetMode(gin.ReleaseMode)
	}

	s := &Server{
		engine:   gin.New(),
		dispatch: engine,
		pool:     p,
		accounts: accounts,
		metrics:  m,
		cfg:      cfg,
	}

	s.engine.Use(requestIDMiddleware())
	s.engine.Use(loggingMiddleware())
	s.engine.Use(recoveryMiddleware())
	if m != nil {
		s.engine.Use(m.GinMiddleware())
	}

	s.registerRoutes()
	return s
}

// Engine exposes the underlying *gin.Engine for the entry point to hand to
// an *http.Server.
func (s *Server) Engine() *gin.Engine {
	return s.engine
}

func (s *Server) registerRoutes() {
	auth := authMiddleware(s.cfg.SharedToken)

	v1 := s.engine.Group("/v1")
	v1.Use(auth)
	{
		v1.POST("/messages", s.postMessages)
		v1.GET("/models", s.getModels)
	}

	s.engine.GET("/healthz", s.getHealthz)

	if s.metrics != nil {
		s.engine.GET("/metrics", gin.WrapH(s.metrics.Handler()))
	}

	admin := s.engine.Group("/admin")
	admin.Use(auth)
	{
		admin.GET("/accounts", s.listAccounts)
		admin.POST("/accounts", s.addAccount)
		admin.DELETE("/accounts", s.removeAccount)
	}
}
