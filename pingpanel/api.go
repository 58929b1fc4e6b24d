package pingpanel

import (
	"context"
	"crypto/tls"
	"embed"
	"errors"
	"fmt"
	"github.com/gin-contrib/cors"
	ginPprof "github.com/gin-contrib/pprof"
	"github.com/gin-contrib/sessions"
	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"github.com/gorilla/securecookie"
	gsessions "github.com/gorilla/sessions"
	"github.com/lmittmann/tint"
	"golang.org/x/time/rate"
	"html/template"
	"log/slog"
	"net"
	"net/http"
	"runtime"
	"sync"
	"time"
)

const (
	pprofPrefix      = "/debug"
	apiPathIndex     = "/"
	apiPathStart     = "/start"
	apiPathRunBot    = "/run_bot"
	apiHealthCheck   = "/healthz"
	apiPathEvents    = "/api/events"
	indexTemplate    = "index.html.tmpl"
	xRequestIDHeader = "X-Request-ID"
	sessionVarName   = "pingpanel"
	flashKey         = "last_action"
	apiLoggerKey     = "api_logger"

	replyStarted        = "started"
	replyAlreadyRunning = "already running"
	replyRateLimited    = "too many requests"
)

var (
	structValidator = validator.New()
)

//go:embed static
var staticFS embed.FS

// API serves the control panel: the status page, the start trigger,
// and a couple of read-only JSON endpoints.
//
// The API should be initialized with newAPI, bound with Listen, and
// then started with Serve.
type API struct {
	config           *APIConfig     // Configuration for the API server
	httpServer       *http.Server   // The underlying HTTP server
	listener         net.Listener   // Bound by Listen
	engine           *gin.Engine    // Gin engine for routing HTTP requests
	store            CookieStore    // CookieStore for the status page flash
	requestMetrics   map[string]int // Metrics for API requests
	requestMetricsMu sync.Mutex     // Mutex for synchronizing access to request metrics
	logger           *slog.Logger   // Logger for API-related events

	handlers *APIHandlers // API request handlers
}

// newAPI initializes and returns a new instance of the API struct.
//
// This sets up the logger, configures the Gin engine and its middleware,
// loads TLS certs (when configured), and registers routes. Nothing is
// bound until Listen.
func newAPI(p *PingPanel, config *APIConfig) (*API, error) {
	logger := slog.New(
		newLogHandler(defaultLogWriter, config.LogLevel),
	).With(loggerNameKey, "api")

	tmpl, err := template.ParseFS(staticFS, "static/*.tmpl")
	if err != nil {
		return nil, fmt.Errorf("error parsing templates: %w", err)
	}

	r := gin.New()
	r.SetHTMLTemplate(tmpl)

	api := &API{
		config:         config,
		engine:         r,
		requestMetrics: map[string]int{},
		logger:         logger,
	}
	apiHandlers := NewAPIHandlers(p, logger)
	api.handlers = apiHandlers
	api.store = apiHandlers.store

	var tlsCfg *tls.Config
	if config.SSL.Enabled() {
		tlsCfg, err = tlsConfig(
			config.SSL.Cert,
			config.SSL.Key,
			config.SSL.TLSMinVersion,
		)
		if err != nil {
			return nil, fmt.Errorf("error loading SSL certs: %w", err)
		}
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

	development := p.config.Development
	corsConfig := config.CORS.GINConfig()
	if len(corsConfig.AllowOrigins) == 0 {
		if development {
			corsConfig.AllowOrigins = []string{"*"}
			corsConfig.AllowCredentials = false
		} else {
			corsConfig.AllowOriginFunc = func(string) bool { return false }
		}
	}

	if !development {
		r.Use(gin.Recovery())
	}
	r.Use(
		requestIDMiddleware(),
		ginLoggingMiddleware(logger),
		metricMiddleware(api),
		cors.New(corsConfig),
		sessions.Sessions(sessionVarName, apiHandlers.store),
	)

	if development {
		ginPprof.Register(r, pprofPrefix)
		runtime.SetMutexProfileFraction(1)
		runtime.SetBlockProfileRate(1)
	}

	r.GET(apiPathIndex, apiHandlers.index)
	r.POST(apiPathStart, apiHandlers.start)
	r.POST(apiPathRunBot, apiHandlers.start)
	r.GET(apiHealthCheck, apiHandlers.healthCheck)
	r.GET(apiPathEvents, apiHandlers.listEvents)

	return api, nil
}

// Listen binds the configured address. When SSL is configured, the
// listener is wrapped with TLS. A bind failure is returned, and is the
// only fatal startup error.
func (a *API) Listen(ctx context.Context) error {
	if a.listener != nil {
		return errors.New("api listener already bound")
	}
	listenCfg := &net.ListenConfig{}
	ln, err := listenCfg.Listen(ctx, a.config.ListenNetwork, a.config.Listen)
	if err != nil {
		return err
	}
	if a.httpServer.TLSConfig != nil {
		ln = tls.NewListener(ln, a.httpServer.TLSConfig)
	}
	a.listener = ln
	return nil
}

// Serve serves HTTP on the listener bound by Listen
func (a *API) Serve() error {
	if a.listener == nil {
		return errors.New("api listener not bound")
	}
	return a.httpServer.Serve(a.listener)
}

// Addr returns the bound listener's address, or the configured
// address if Listen hasn't been called
func (a *API) Addr() string {
	if a.listener != nil {
		return a.listener.Addr().String()
	}
	return a.config.Listen
}

// RequestMetrics returns a copy of the per-route request counts
func (a *API) RequestMetrics() map[string]int {
	a.requestMetricsMu.Lock()
	defer a.requestMetricsMu.Unlock()
	metrics := make(map[string]int, len(a.requestMetrics))
	for k, v := range a.requestMetrics {
		metrics[k] = v
	}
	return metrics
}

type CookieStore interface {
	sessions.Store
}

func NewCookieStore(keyPairs ...[]byte) CookieStore {
	return &cookieStore{gsessions.NewCookieStore(keyPairs...)}
}

type cookieStore struct {
	*gsessions.CookieStore
}

func (c *cookieStore) Options(options sessions.Options) {
	c.CookieStore.Options = options.ToGorillaOptions()
}

// APIHandlers contains the handlers for the control panel endpoints
type APIHandlers struct {
	p            *PingPanel
	logger       *slog.Logger
	store        CookieStore
	startLimiter *rate.Limiter
}

// NewAPIHandlers initializes and returns a new instance of APIHandlers.
//
// A random session secret is generated when none is configured, so
// flash messages don't survive a restart.
func NewAPIHandlers(p *PingPanel, logger *slog.Logger) *APIHandlers {
	config := p.config.API

	var secretKey []byte
	switch sk := config.Secret; {
	case sk == "":
		logger.Debug("api secret not set, generating random session secret")
		secretKey = securecookie.GenerateRandomKey(64)
	default:
		secretKey = derive64ByteKey(sk)
	}

	store := NewCookieStore(secretKey)
	store.Options(
		sessions.Options{
			Path:     "/",
			HttpOnly: true,
			Secure:   config.SSL.Enabled(),
			MaxAge:   int(config.SessionMaxAge.Seconds()),
			SameSite: http.SameSiteLaxMode,
		},
	)

	h := &APIHandlers{p: p, logger: logger, store: store}
	if config.StartRateLimit > 0 {
		h.startLimiter = rate.NewLimiter(
			rate.Limit(config.StartRateLimit),
			max(1, int(config.StartRateLimit)),
		)
	}
	return h
}

// index renders the status page.
//
// Responses:
//   - 200 OK: HTML showing the runner status, and the reply to the last
//     start request made from this browser, if there's one not yet shown
func (h *APIHandlers) index(c *gin.Context) {
	logger := ginContextLogger(c)

	var lastAction string
	session := sessions.Default(c)
	if flashes := session.Flashes(flashKey); len(flashes) > 0 {
		if s, ok := flashes[len(flashes)-1].(string); ok {
			lastAction = s
		}
		if err := session.Save(); err != nil {
			logger.Error("error clearing session flash", tint.Err(err))
		}
	}

	state := h.p.State()
	c.HTML(
		http.StatusOK, indexTemplate, indexPage{
			Status:     state.statusLabel(),
			Running:    state == RunnerRunning,
			LastAction: lastAction,
			StartPath:  apiPathStart,
			Version:    Version,
		},
	)
}

// start launches the bot runner, if it isn't already running.
//
// Responses:
//   - 200 OK: "started" for the request that launched the runner,
//     "already running" for every other request
//   - 429 Too Many Requests: when the start rate limit is exceeded
func (h *APIHandlers) start(c *gin.Context) {
	logger := ginContextLogger(c)

	if h.startLimiter != nil && !h.startLimiter.Allow() {
		logger.Warn("start rate limit exceeded")
		c.String(http.StatusTooManyRequests, replyRateLimited)
		return
	}

	reply := replyAlreadyRunning
	if h.p.Start() {
		reply = replyStarted
		logger.Info("bot runner launched")
	} else {
		logger.Info("bot runner already running")
	}

	session := sessions.Default(c)
	session.AddFlash(reply, flashKey)
	if err := session.Save(); err != nil {
		logger.Error("error saving session flash", tint.Err(err))
	}

	c.String(http.StatusOK, reply)
}

// healthCheck reports runner state and gateway connectivity.
//
// Responses:
//   - 200 OK: healthCheckResponse
func (h *APIHandlers) healthCheck(c *gin.Context) {
	state := h.p.State()
	runner := h.p.runner

	resp := healthCheckResponse{
		State:                   state,
		Status:                  state.statusLabel(),
		DiscordGatewayConnected: runner.connected.Load(),
		ConnectAttempts:         runner.connectAttempts.Load(),
		CommandsHandled:         runner.commandsHandled.Load(),
	}
	if startedAt := runner.StartedAt(); !startedAt.IsZero() {
		resp.StartedAt = &startedAt
	}
	if err := runner.LastError(); err != nil {
		resp.LastError = err.Error()
	}
	c.JSON(http.StatusOK, resp)
}

// listEvents returns the most recent runner events, newest first.
//
// Responses:
//   - 200 OK: []RunnerEvent (empty when the database is disabled)
//   - 400 Bad Request: invalid `limit`
//   - 500 Internal Server Error: database error
func (h *APIHandlers) listEvents(c *gin.Context) {
	logger := ginContextLogger(c)

	var query eventListQuery
	if err := c.ShouldBindQuery(&query); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, httpError{Error: err.Error()})
		return
	}

	events, err := h.p.events.Recent(c.Request.Context(), query.Limit)
	if err != nil {
		logger.Error("error listing runner events", tint.Err(err))
		_ = c.Error(err)
		ginReplyError(c, "error listing runner events")
		return
	}
	c.JSON(http.StatusOK, events)
}

type eventListQuery struct {
	Limit int `form:"limit" binding:"omitempty,min=1,max=500"`
}

// indexPage is the data rendered by the status page template
type indexPage struct {
	Status     string
	Running    bool
	LastAction string
	StartPath  string
	Version    string
}

// healthCheckResponse represents the response structure for the
// health check endpoint.
type healthCheckResponse struct {
	State                   RunnerState `json:"state"`
	Status                  string      `json:"status"`
	StartedAt               *time.Time  `json:"started_at,omitempty"`
	DiscordGatewayConnected bool        `json:"gateway_connected"`
	ConnectAttempts         int64       `json:"connect_attempts"`
	CommandsHandled         int64       `json:"commands_handled"`
	LastError               string      `json:"last_error,omitempty"`
}

// httpError represents an error message returned to the client
type httpError struct {
	Error string `json:"error"`
}

// requestIDMiddleware generates a Gin middleware function that assigns a
// unique request ID to each incoming request, and sets it on the
// X-Request-ID response header.
func requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, err := generateRandomHexString(32)
		if err != nil {
			c.AbortWithStatus(http.StatusInternalServerError)
			return
		}
		c.Set(xRequestIDHeader, id)
		c.Header(xRequestIDHeader, id)
		c.Next()
	}
}

// ginContextLogger returns the slog.Logger from the given gin context,
// or, if it doesn't exist, creates a logger with request details included,
// and sets the logger in the context so the next call to ginContextLogger
// will return the new logger.
func ginContextLogger(c *gin.Context) *slog.Logger {
	if logger, ok := c.Get(string(loggerContextKey)); ok {
		if requestLogger, ok := logger.(*slog.Logger); ok {
			return requestLogger
		}
	}

	requestLogger := slog.Default()
	if base, ok := c.Get(apiLoggerKey); ok {
		if baseLogger, ok := base.(*slog.Logger); ok {
			requestLogger = baseLogger
		}
	}

	requestID, _ := c.Get(xRequestIDHeader)
	path := c.Request.URL.Path
	raw := c.Request.URL.RawQuery
	if raw != "" {
		path = path + "?" + raw
	}

	requestLogger = requestLogger.With(
		slog.Group(
			"request",
			"method", c.Request.Method,
			"path", path,
			"remote_addr", c.Request.RemoteAddr,
			"remote_ip", c.RemoteIP(),
			"user_agent", c.Request.UserAgent(),
			"referer", c.Request.Referer(),
		),
		slog.Any(xRequestIDHeader, requestID),
	)
	c.Set(string(loggerContextKey), requestLogger)
	return requestLogger
}

// ginLoggingMiddleware returns a Gin middleware function for logging HTTP
// requests, with their duration and any errors added via c.Error.
func ginLoggingMiddleware(logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		c.Set(apiLoggerKey, logger)
		requestLogger := ginContextLogger(c)
		c.Next()
		latency := time.Since(start)

		var errs []error
		for _, e := range c.Errors.ByType(gin.ErrorTypePrivate) {
			errs = append(errs, *e)
		}
		response := slog.Group(
			"response",
			"status_code", c.Writer.Status(),
			"body_size", c.Writer.Size(),
		)
		if len(errs) > 0 {
			requestLogger.Error(
				fmt.Sprintf(
					"%s %s finished with errors",
					c.Request.Method,
					c.Request.URL,
				),
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

// metricMiddleware returns a Gin middleware function which counts
// requests per method and URL path
func metricMiddleware(a *API) gin.HandlerFunc {
	return func(c *gin.Context) {
		defer c.Next()

		a.requestMetricsMu.Lock()
		defer a.requestMetricsMu.Unlock()

		key := fmt.Sprintf("%s %s", c.Request.Method, c.Request.URL.Path)
		a.requestMetrics[key]++
	}
}

// ginReplyError sends a JSON response with a message,
// with HTTP status code 500, via the gin context.
func ginReplyError(c *gin.Context, err string) {
	c.AbortWithStatusJSON(http.StatusInternalServerError, httpError{Error: err})
}

//nolint:gochecknoinits // gotta register the validators
func init() {
	structValidator.SetTagName("binding")
}
