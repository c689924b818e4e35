package manee

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"log/slog"
	"net"
	"net/http"
	"time"
)

const (
	apiHealthCheck = "/healthz"
	apiMetrics     = "/metrics"
	apiPrefix      = "/api"
	apiPathCache   = "/cache"
	apiPathVersion = "/version"
)

const xRequestIDHeader = "X-Request-ID"

type httpError struct {
	Error string `json:"error"`
}

// API serves health checks, cache statistics and Prometheus metrics
type API struct {
	config     *APIConfig
	httpServer *http.Server
	listener   net.Listener
	engine     *gin.Engine
	logger     *slog.Logger
	bot        *Bot
}

func newAPI(b *Bot, config *APIConfig) (*API, error) {
	setGinMode(b.config.Development)
	r := gin.New()

	api := &API{
		config: config,
		engine: r,
		bot:    b,
		logger: newComponentLogger("api", config.LogLevel),
	}

	tlsCfg, err := tlsConfig(config.SSL)
	if err != nil {
		return nil, fmt.Errorf("error loading API SSL certs: %w", err)
	}

	api.httpServer = &http.Server{
		Addr:              config.Listen,
		Handler:           r,
		TLSConfig:         tlsCfg,
		WriteTimeout:      config.WriteTimeout,
		IdleTimeout:       config.IdleTimeout,
		ReadTimeout:       config.ReadTimeout,
		ReadHeaderTimeout: config.ReadHeaderTimeout,
	}

	r.Use(
		gin.Recovery(),
		requestIDMiddleware(),
		ginLoggingMiddleware(api.logger),
		cors.New(config.CORS.GINConfig()),
	)

	r.GET(apiHealthCheck, api.healthCheck)
	r.GET(
		apiMetrics,
		gin.WrapH(promhttp.HandlerFor(b.metrics.registry, promhttp.HandlerOpts{})),
	)

	group := r.Group(apiPrefix)
	group.GET(apiPathCache, api.cacheStats)
	group.GET(apiPathVersion, api.version)

	return api, nil
}

func (a *API) listen(ctx context.Context) error {
	ln, err := listen(ctx, a.config.ListenNetwork, a.config.Listen, a.httpServer.TLSConfig)
	if err != nil {
		return err
	}
	a.listener = ln
	a.logger.Info("listening", "address", ln.Addr().String())
	return nil
}

// Serve accepts requests on the listener opened at startup, until
// Shutdown is called.
func (a *API) Serve() error {
	if a.listener == nil {
		return errors.New("API not listening")
	}
	if err := a.httpServer.Serve(a.listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (a *API) Shutdown(ctx context.Context) error {
	return a.httpServer.Shutdown(ctx)
}

// healthCheck reports the bot status. It returns 503 while the
// gateway is expected but not connected.
func (a *API) healthCheck(c *gin.Context) {
	status := a.bot.Status()
	if !a.bot.config.Discord.GatewayDisabled && !status.DiscordConnected {
		status.Status = "degraded"
		c.JSON(http.StatusServiceUnavailable, status)
		return
	}
	c.JSON(http.StatusOK, status)
}

func (a *API) cacheStats(c *gin.Context) {
	stats, ok := a.bot.cache.(cacheStatter)
	if !ok {
		c.JSON(http.StatusNotImplemented, httpError{Error: "cache statistics unavailable"})
		return
	}
	c.JSON(http.StatusOK, stats.Stats())
}

func (*API) version(c *gin.Context) {
	c.JSON(
		http.StatusOK,
		gin.H{
			"version":    Version,
			"commit":     CommitSHA,
			"build_time": BuildTime,
		},
	)
}

// listen opens a listener on the given network and address, wrapped
// with TLS when tlsCfg is set.
func listen(
	ctx context.Context,
	network string,
	address string,
	tlsCfg *tls.Config,
) (net.Listener, error) {
	if network == "" {
		network = defaultListenNetwork
	}
	listenCfg := &net.ListenConfig{}
	ln, err := listenCfg.Listen(ctx, network, address)
	if err != nil {
		return nil, fmt.Errorf("error listening on %s %s: %w", network, address, err)
	}
	if tlsCfg != nil {
		ln = tls.NewListener(ln, tlsCfg)
	}
	return ln, nil
}

// setGinMode sets gin's process-wide mode, if it isn't already set
func setGinMode(development bool) {
	mode := gin.ReleaseMode
	if development {
		mode = gin.DebugMode
	}
	if gin.Mode() != mode {
		gin.SetMode(mode)
	}
}

// requestIDMiddleware sets a random request ID on the context and the
// response headers.
func requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := uuid.NewString()
		c.Set(xRequestIDHeader, id)
		c.Header(xRequestIDHeader, id)
		c.Next()
	}
}

// ginContextLogger returns the slog.Logger from the given gin context,
// or, if it doesn't exist, creates a logger from base with request
// details included, and sets it in the context so the next call to
// ginContextLogger will return the same logger.
func ginContextLogger(c *gin.Context, base *slog.Logger) *slog.Logger {
	if logger, ok := c.Get(string(loggerContextKey)); ok {
		if requestLogger, isLogger := logger.(*slog.Logger); isLogger {
			return requestLogger
		}
	}
	if base == nil {
		base = slog.Default()
	}
	requestID, _ := c.Get(xRequestIDHeader)
	path := c.Request.URL.Path
	if raw := c.Request.URL.RawQuery; raw != "" {
		path = path + "?" + raw
	}

	requestLogger := base.With(
		slog.Group(
			"request",
			"method", c.Request.Method,
			"path", path,
			"remote_addr", c.Request.RemoteAddr,
			"remote_ip", c.RemoteIP(),
			"user_agent", c.Request.UserAgent(),
		),
		slog.Any(xRequestIDHeader, requestID),
	)
	c.Set(string(loggerContextKey), requestLogger)
	return requestLogger
}

// ginLoggingMiddleware logs each request once it has finished, along
// with its duration and any errors added to the context.
func ginLoggingMiddleware(base *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		requestLogger := ginContextLogger(c, base)
		c.Next()
		latency := time.Since(start)

		response := slog.Group(
			"response",
			"status_code", c.Writer.Status(),
			"body_size", c.Writer.Size(),
		)

		var errs []error
		for _, e := range c.Errors.ByType(gin.ErrorTypePrivate) {
			errs = append(errs, e.Err)
		}
		if len(errs) > 0 {
			requestLogger.Error(
				fmt.Sprintf("%s %s finished with errors", c.Request.Method, c.Request.URL),
				"duration", latency,
				"errors", errs,
				response,
			)
			return
		}
		requestLogger.Info(
			fmt.Sprintf("%s %s finished", c.Request.Method, c.Request.URL),
			"duration", latency,
			response,
		)
	}
}
