// Package server sets up the HTTP server with all routes
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/paysign/internal/admin"
	"github.com/mbd888/paysign/internal/alipay"
	"github.com/mbd888/paysign/internal/certstore"
	"github.com/mbd888/paysign/internal/config"
	"github.com/mbd888/paysign/internal/forward"
	"github.com/mbd888/paysign/internal/gateway"
	"github.com/mbd888/paysign/internal/health"
	"github.com/mbd888/paysign/internal/idgen"
	"github.com/mbd888/paysign/internal/logging"
	"github.com/mbd888/paysign/internal/metrics"
	"github.com/mbd888/paysign/internal/notify"
	"github.com/mbd888/paysign/internal/ratelimit"
	"github.com/mbd888/paysign/internal/realtime"
	"github.com/mbd888/paysign/internal/security"
	"github.com/mbd888/paysign/internal/stripehook"
	"github.com/mbd888/paysign/internal/wechatpay"
)

// Version is reported by /health.
var Version = "dev"

// MaxRequestSize bounds every request body.
const MaxRequestSize = 1 << 20

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg          *config.Config
	wechat       *wechatpay.Client
	alipay       *alipay.Client
	stripe       *stripehook.Verifier
	forwarder    *forward.Forwarder
	notify       *notify.Handler
	realtimeHub  *realtime.Hub
	refreshTimer *certstore.RefreshTimer
	health       *health.Registry
	rateLimiter  *ratelimit.Limiter
	router       *gin.Engine
	httpSrv      *http.Server
	logger       *slog.Logger
	cancelRunCtx context.CancelFunc // cancels background goroutines started in Run

	httpClient    *http.Client
	extraSinks    []gateway.Sink
	wechatOptions []wechatpay.Option
	alipayOptions []alipay.Option
	drainDelay    time.Duration

	// Health state
	ready   atomic.Bool
	healthy atomic.Bool
}

// Option configures the server
type Option func(*Server)

// WithLogger sets a custom logger
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// WithSink adds a sink that receives every verified payment after the
// realtime hub and the forwarder.
func WithSink(sink gateway.Sink) Option {
	return func(s *Server) {
		s.extraSinks = append(s.extraSinks, sink)
	}
}

// WithHTTPClient sets the client used for gateway calls and forwarding.
func WithHTTPClient(c *http.Client) Option {
	return func(s *Server) {
		s.httpClient = c
	}
}

// WithWeChatPayOptions passes options to the WeChat Pay client.
func WithWeChatPayOptions(opts ...wechatpay.Option) Option {
	return func(s *Server) {
		s.wechatOptions = append(s.wechatOptions, opts...)
	}
}

// WithAlipayOptions passes options to the Alipay client.
func WithAlipayOptions(opts ...alipay.Option) Option {
	return func(s *Server) {
		s.alipayOptions = append(s.alipayOptions, opts...)
	}
}

// WithDrainDelay sets how long Shutdown waits for load balancers to stop
// sending traffic. Default 5s.
func WithDrainDelay(d time.Duration) Option {
	return func(s *Server) {
		s.drainDelay = d
	}
}

// New creates a new server instance
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:        cfg,
		health:     health.NewRegistry(),
		drainDelay: 5 * time.Second,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = logging.New(cfg.LogLevel, cfg.LogFormat)
	}

	s.realtimeHub = realtime.NewHub(s.logger, realtime.WithRawPayloads(cfg.RealtimeRawPayloads))
	sinks := gateway.MultiSink{s.realtimeHub}

	if cfg.ForwardURL != "" {
		fwdOpts := []forward.Option{forward.WithLogger(s.logger.With("component", "forward"))}
		if s.httpClient != nil {
			fwdOpts = append(fwdOpts, forward.WithHTTPClient(s.httpClient))
		}
		f, err := forward.New(cfg.ForwardURL, cfg.ForwardSecret, fwdOpts...)
		if err != nil {
			return nil, err
		}
		s.forwarder = f
		s.health.RegisterInfo("forwarding", health.Forwarding("forwarding", func() string {
			return f.Status().LastError
		}))
		sinks = append(sinks, f)
		s.logger.Info("payment forwarding enabled", "url", cfg.ForwardURL)
	}
	sinks = append(sinks, s.extraSinks...)

	adminHandler := admin.NewHandler().WithRealtimeStats(s.realtimeHub.Stats)
	if s.forwarder != nil {
		adminHandler.WithForwarder(s.forwarder)
	}

	var notifyOpts []notify.Option

	if cfg.WeChatPay != nil {
		wxOpts := []wechatpay.Option{wechatpay.WithLogger(s.logger)}
		if s.httpClient != nil {
			wxOpts = append(wxOpts, wechatpay.WithHTTPClient(s.httpClient))
		}
		client, err := wechatpay.New(*cfg.WeChatPay, append(wxOpts, s.wechatOptions...)...)
		if err != nil {
			return nil, err
		}
		s.wechat = client
		notifyOpts = append(notifyOpts, notify.WithWeChatPay(client.Notifier(wechatpay.WithNotifierLogger(s.logger))))

		store := client.Certificates()
		s.health.Register("wechatpay_certificates", health.Certificates("wechatpay_certificates", store, 2*cfg.CertRefreshInterval))
		s.refreshTimer = certstore.NewRefreshTimer(store, cfg.CertRefreshInterval, s.logger, s.announceRefresh)
		adminHandler.WithCertificates(string(gateway.WeChatPay), store, s.refreshWeChatPay)
		s.logger.Info("wechatpay enabled", "mchid", logging.Mask(cfg.WeChatPay.MchID), "mode", cfg.WeChatPay.Mode)
	}

	if cfg.Alipay != nil {
		aliOpts := []alipay.Option{alipay.WithLogger(s.logger)}
		if s.httpClient != nil {
			aliOpts = append(aliOpts, alipay.WithHTTPClient(s.httpClient))
		}
		client, err := alipay.New(*cfg.Alipay, append(aliOpts, s.alipayOptions...)...)
		if err != nil {
			return nil, err
		}
		s.alipay = client
		notifyOpts = append(notifyOpts, notify.WithAlipay(client))
		s.logger.Info("alipay enabled", "app_id", logging.Mask(cfg.Alipay.AppID), "mode", cfg.Alipay.Mode,
			"cert_mode", client.AppCertSN() != "")
	}

	if cfg.StripeWebhookSecret != "" {
		v, err := stripehook.NewVerifier(cfg.StripeWebhookSecret, 0)
		if err != nil {
			return nil, err
		}
		s.stripe = v
		notifyOpts = append(notifyOpts, notify.WithStripe(v))
		s.logger.Info("stripe webhooks enabled")
	}

	s.notify = notify.NewHandler(sinks, s.logger, notifyOpts...)
	if len(s.notify.Gateways()) == 0 {
		return nil, errors.New("server: no gateway configured")
	}

	// Configure gin
	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	s.router = gin.New()
	s.setupMiddleware()
	s.setupRoutes(adminHandler)

	s.healthy.Store(true)

	return s, nil
}

// refreshWeChatPay reloads platform certificates on operator request.
func (s *Server) refreshWeChatPay(ctx context.Context) error {
	if err := s.wechat.RefreshCertificates(ctx); err != nil {
		return err
	}
	s.announceRefresh(s.wechat.Certificates().Serials())
	return nil
}

func (s *Server) announceRefresh(serials []string) {
	s.realtimeHub.BroadcastCertificateRefresh(gateway.WeChatPay, serials)
}

// -----------------------------------------------------------------------------
// Middleware
// -----------------------------------------------------------------------------

func (s *Server) setupMiddleware() {
	// Recovery with logging
	s.router.Use(gin.CustomRecovery(func(c *gin.Context, recovered interface{}) {
		logging.L(c.Request.Context()).Error("panic recovered",
			"error", recovered,
			"path", c.Request.URL.Path,
		)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "An unexpected error occurred",
		})
	}))

	// Security headers
	s.router.Use(security.HeadersMiddleware())

	// Request size limit (1MB); the notify handler applies a tighter one.
	s.router.Use(security.RequestSizeMiddleware(MaxRequestSize))

	// Rate limiting
	s.rateLimiter = ratelimit.New(ratelimit.Config{
		RequestsPerSecond: s.cfg.RateLimitRPS,
		BurstSize:         s.cfg.RateLimitBurst,
		CleanupInterval:   time.Minute,
		Exempt:            s.cfg.RateLimitExempt,
	})
	s.router.Use(s.rateLimiter.Middleware())

	// Prometheus metrics
	s.router.Use(metrics.Middleware())

	// Request ID
	s.router.Use(s.requestIDMiddleware())

	// Logging
	s.router.Use(s.loggingMiddleware())
}

func (s *Server) requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		// Check for existing request ID (from load balancer, etc.)
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" {
			requestID = idgen.Hex(16)
		}

		ctx := logging.WithRequestID(c.Request.Context(), requestID)
		ctx = logging.WithLogger(ctx, s.logger)
		c.Request = c.Request.WithContext(ctx)

		c.Header("X-Request-ID", requestID)

		c.Next()
	}
}

func (s *Server) loggingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path

		c.Next()

		latency := time.Since(start)
		status := c.Writer.Status()

		logger := logging.L(c.Request.Context())

		// Log level based on status code
		switch {
		case status >= 500:
			logger.Error("request completed",
				"method", c.Request.Method,
				"path", path,
				"status", status,
				"latency_ms", latency.Milliseconds(),
				"client_ip", c.ClientIP(),
			)
		case status >= 400:
			logger.Warn("request completed",
				"method", c.Request.Method,
				"path", path,
				"status", status,
				"latency_ms", latency.Milliseconds(),
			)
		default:
			logger.Info("request completed",
				"method", c.Request.Method,
				"path", path,
				"status", status,
				"latency_ms", latency.Milliseconds(),
			)
		}
	}
}

// -----------------------------------------------------------------------------
// Routes
// -----------------------------------------------------------------------------

func (s *Server) setupRoutes(adminHandler *admin.Handler) {
	// Health & metrics endpoints
	s.router.GET("/health", s.healthHandler)
	s.router.GET("/health/live", s.livenessHandler)
	s.router.GET("/health/ready", s.readinessHandler)
	s.router.GET("/metrics", metrics.Handler())

	// WebSocket stream of verified payments
	s.router.GET("/ws", func(c *gin.Context) {
		s.realtimeHub.HandleWebSocket(c.Writer, c.Request)
	})

	// Gateway notifications
	s.notify.RegisterRoutes(s.router)

	// Operator endpoints
	v1 := s.router.Group("/v1", admin.RequireSecret(s.cfg.AdminSecret))
	adminHandler.RegisterRoutes(v1)
}

// -----------------------------------------------------------------------------
// Handlers
// -----------------------------------------------------------------------------

// HealthResponse for health check endpoints
type HealthResponse struct {
	Status    string          `json:"status"`
	Version   string          `json:"version"`
	Gateways  []gateway.Name  `json:"gateways"`
	Checks    []health.Status `json:"checks,omitempty"`
	Timestamp string          `json:"timestamp"`
}

func (s *Server) healthHandler(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	healthy, checks := s.health.CheckAll(ctx)

	status := "healthy"
	httpStatus := http.StatusOK
	if !healthy {
		status = "degraded"
		httpStatus = http.StatusServiceUnavailable
	}

	c.JSON(httpStatus, HealthResponse{
		Status:    status,
		Version:   Version,
		Gateways:  s.notify.Gateways(),
		Checks:    checks,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) livenessHandler(c *gin.Context) {
	if !s.healthy.Load() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unhealthy"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "alive"})
}

// readinessHandler reports ready once Run has started and every gateway can
// verify notifications. A WeChat Pay deployment without a platform key
// would answer every notification with a failure.
func (s *Server) readinessHandler(c *gin.Context) {
	if !s.ready.Load() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not_ready"})
		return
	}
	if healthy, checks := s.health.CheckAll(c.Request.Context()); !healthy {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not_ready", "checks": checks})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ready"})
}

// -----------------------------------------------------------------------------
// Lifecycle
// -----------------------------------------------------------------------------

// Run starts the HTTP server with graceful shutdown
func (s *Server) Run(ctx context.Context) error {
	// Create a cancellable context for background goroutines so Shutdown() can stop them.
	runCtx, cancel := context.WithCancel(ctx)
	s.cancelRunCtx = cancel

	s.httpSrv = &http.Server{
		Addr:              ":" + s.cfg.Port,
		Handler:           s.router,
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	// Channel to catch server errors
	errChan := make(chan error, 1)

	go func() {
		s.logger.Info("starting server",
			"port", s.cfg.Port,
			"gateways", s.notify.Gateways(),
		)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	go s.realtimeHub.Run(runCtx)
	go metrics.StartRuntimeCollector(runCtx, 15*time.Second)

	// Platform certificates: initial load, then periodic refresh
	if s.refreshTimer != nil {
		go s.refreshTimer.Start(runCtx)
	}

	// Mark as ready after brief delay for startup
	go func() {
		time.Sleep(100 * time.Millisecond)
		s.ready.Store(true)
		s.logger.Info("server ready")
	}()

	// Wait for shutdown signal or error
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	select {
	case err := <-errChan:
		return fmt.Errorf("server error: %w", err)
	case sig := <-sigChan:
		s.logger.Info("shutdown signal received", "signal", sig.String())
	case <-ctx.Done():
		s.logger.Info("context cancelled")
	}

	return s.Shutdown()
}

// Shutdown gracefully stops the server
func (s *Server) Shutdown() error {
	s.ready.Store(false)
	s.logger.Info("starting graceful shutdown")

	// Cancel the context for all background goroutines (hub, refresh timer)
	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
	}

	// Give load balancers time to stop sending traffic
	time.Sleep(s.drainDelay)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if s.httpSrv != nil {
		if err := s.httpSrv.Shutdown(ctx); err != nil {
			s.logger.Error("shutdown error", "error", err)
			return err
		}
	}

	if s.refreshTimer != nil {
		s.refreshTimer.Stop()
		s.logger.Info("certificate refresh stopped")
	}

	// Stop rate limiter cleanup goroutine
	if s.rateLimiter != nil {
		s.rateLimiter.Stop()
		s.logger.Info("rate limiter stopped")
	}

	s.logger.Info("server stopped")
	return nil
}

// Router returns the gin router for testing
func (s *Server) Router() *gin.Engine {
	return s.router
}
