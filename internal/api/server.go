// Package api serves the read-side of the screening store over HTTP:
// run summaries, the flagged-provider leaderboard, per-provider detail
// and benchmark lookups. Screening itself runs through the pipeline
// command, not this server.
package api

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/medicaid-spend-watch/internal/database"
	"github.com/medicaid-spend-watch/internal/domain"
	"github.com/medicaid-spend-watch/internal/repository"
)

// Server represents the HTTP server
type Server struct {
	cfg       *domain.Config
	db        *database.DB
	log       *logrus.Logger
	router    *gin.Engine
	server    *http.Server
	providers *repository.ProviderRepository
	spend     *repository.SpendRepository
	flags     *repository.FlagRepository
	bench     *repository.BenchmarkRepository
}

// NewServer creates a new HTTP server instance
func NewServer(cfg *domain.Config, db *database.DB, log *logrus.Logger) *Server {
	if cfg.Logging.Level == "debug" {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	router.Use(gin.Logger())
	router.Use(gin.Recovery())
	router.Use(corsMiddleware())
	router.Use(requestIDMiddleware())

	s := &Server{
		cfg:       cfg,
		db:        db,
		log:       log,
		router:    router,
		providers: repository.NewProviderRepository(db.SQL, log),
		spend:     repository.NewSpendRepository(db.SQL, log),
		flags:     repository.NewFlagRepository(db.SQL, log),
		bench:     repository.NewBenchmarkRepository(db.SQL, log),
	}
	s.setupRoutes()
	return s
}

// Router exposes the handler tree for tests.
func (s *Server) Router() http.Handler {
	return s.router
}

// Start runs the server until ctx is cancelled, then shuts down
// gracefully.
func (s *Server) Start(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Server.Host, s.cfg.Server.Port)
	s.server = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  s.cfg.Server.ReadTimeout,
		WriteTimeout: s.cfg.Server.WriteTimeout,
		IdleTimeout:  s.cfg.Server.IdleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.WithField("addr", addr).Info("HTTP server listening")
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	return s.server.Shutdown(shutdownCtx)
}

// setupRoutes configures the API routes
func (s *Server) setupRoutes() {
	s.router.GET("/health", s.handleHealth)

	v1 := s.router.Group("/api/v1")
	{
		v1.GET("/summary", s.handleSummary)
		v1.GET("/flagged-providers", s.handleFlaggedProviders)
		v1.GET("/providers/:npi", s.handleProvider)
		v1.GET("/benchmarks", s.handleBenchmarks)
	}
}

func (s *Server) handleHealth(c *gin.Context) {
	status := "healthy"
	code := http.StatusOK
	if err := s.db.Health(c.Request.Context()); err != nil {
		status = "unhealthy"
		code = http.StatusServiceUnavailable
	}
	c.JSON(code, gin.H{
		"status":    status,
		"timestamp": time.Now().UTC(),
	})
}

func (s *Server) handleSummary(c *gin.Context) {
	ctx := c.Request.Context()

	providers, err := s.providers.Count(ctx)
	if err != nil {
		s.storeError(c, err)
		return
	}
	records, err := s.spend.Count(ctx)
	if err != nil {
		s.storeError(c, err)
		return
	}
	totalSpend, err := s.spend.TotalSpend(ctx)
	if err != nil {
		s.storeError(c, err)
		return
	}
	benchmarks, err := s.bench.Count(ctx)
	if err != nil {
		s.storeError(c, err)
		return
	}
	byType, err := s.flags.CountByType(ctx)
	if err != nil {
		s.storeError(c, err)
		return
	}
	var totalFlags int64
	for _, n := range byType {
		totalFlags += n
	}

	c.JSON(http.StatusOK, gin.H{
		"scope": gin.H{
			"county": s.cfg.Scope.County,
			"state":  s.cfg.Scope.State,
		},
		"providers":     providers,
		"spend_records": records,
		"total_spend":   totalSpend,
		"benchmarks":    benchmarks,
		"total_flags":   totalFlags,
		"flags_by_type": byType,
	})
}

func (s *Server) handleFlaggedProviders(c *gin.Context) {
	limit := queryInt(c, "limit", 50, 500)
	flagged, err := s.providers.FlaggedProviders(c.Request.Context(), limit)
	if err != nil {
		s.storeError(c, err)
		return
	}
	if flagged == nil {
		flagged = []domain.FlaggedProvider{}
	}
	c.JSON(http.StatusOK, gin.H{
		"count":     len(flagged),
		"providers": flagged,
	})
}

func (s *Server) handleProvider(c *gin.Context) {
	ctx := c.Request.Context()
	npi := c.Param("npi")

	provider, err := s.providers.GetByNPI(ctx, npi)
	if err != nil {
		s.storeError(c, err)
		return
	}
	if provider == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "provider not found"})
		return
	}

	flags, err := s.flags.ListByNPI(ctx, npi)
	if err != nil {
		s.storeError(c, err)
		return
	}
	if flags == nil {
		flags = []domain.RiskFlag{}
	}
	trend, err := s.spend.SpendTrend(ctx, npi)
	if err != nil {
		s.storeError(c, err)
		return
	}
	if trend == nil {
		trend = []domain.SpendTrendPoint{}
	}

	c.JSON(http.StatusOK, gin.H{
		"provider":    provider,
		"flags":       flags,
		"spend_trend": trend,
	})
}

func (s *Server) handleBenchmarks(c *gin.Context) {
	limit := queryInt(c, "limit", 100, 1000)
	hcpcs := c.Query("hcpcs")

	benchmarks, err := s.bench.List(c.Request.Context(), hcpcs, limit)
	if err != nil {
		s.storeError(c, err)
		return
	}
	if benchmarks == nil {
		benchmarks = []domain.Benchmark{}
	}
	c.JSON(http.StatusOK, gin.H{
		"count":      len(benchmarks),
		"benchmarks": benchmarks,
	})
}

func (s *Server) storeError(c *gin.Context, err error) {
	s.log.WithError(err).WithField("path", c.Request.URL.Path).Error("Store query failed")
	c.JSON(http.StatusInternalServerError, gin.H{
		"error": "internal error",
		"code":  domain.ErrStore,
	})
}

func queryInt(c *gin.Context, name string, def, max int) int {
	v := c.Query(name)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return def
	}
	if n > max {
		return max
	}
	return n
}

// corsMiddleware adds CORS headers to responses
func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Origin, Content-Type, Content-Length, Accept-Encoding, Authorization")
		c.Header("Access-Control-Expose-Headers", "Content-Length")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}

// requestIDMiddleware adds a unique request ID to each request
func requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" {
			requestID = uuid.New().String()
		}
		c.Header("X-Request-ID", requestID)
		c.Set("request_id", requestID)
		c.Next()
	}
}
