package dungeonmaster

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/lmittmann/tint"
)

const (
	xRequestIDHeader = "X-Request-ID"

	apiPathHealth        = "/api/health"
	apiPathProposals     = "/api/proposals"
	apiPathCooldowns     = "/api/cooldowns"
	apiPathDistributions = "/api/distributions"
	apiPathSync          = "/api/sync"
	apiPathMetrics       = "/api/metrics"
)

const (
	defaultPageLimit = 50
	maxPageLimit     = 500
)

// API is the operational status server: health, active proposals,
// cooldown state and the invoice distribution audit trail, plus a manual
// sync trigger.
type API struct {
	config           *APIConfig
	httpServer       *http.Server
	listener         net.Listener
	engine           *gin.Engine
	requestMetrics   map[string]int
	requestMetricsMu sync.Mutex
	logger           *slog.Logger

	handlers *APIHandlers
}

func newAPI(dm *DungeonMaster, config *APIConfig) (*API, error) {
	setupLogger := slog.New(
		tint.NewHandler(
			os.Stdout, &tint.Options{
				Level:     config.LogLevel,
				AddSource: true,
			},
		),
	)

	r := gin.New()

	api := &API{
		config:         config,
		engine:         r,
		requestMetrics: map[string]int{},
	}
	api.handlers = NewAPIHandlers(dm)
	api.logger = setupLogger.With(loggerNameKey, "api")

	httpServer := &http.Server{
		Addr:              config.Listen,
		Handler:           r,
		WriteTimeout:      config.WriteTimeout,
		IdleTimeout:       config.IdleTimeout,
		ReadTimeout:       config.ReadTimeout,
		ReadHeaderTimeout: config.ReadHeaderTimeout,
	}
	api.httpServer = httpServer

	corsConfig := config.CORS.GINConfig()
	if len(corsConfig.AllowOrigins) == 0 {
		corsConfig.AllowOrigins = []string{"*"}
	}

	r.Use(gin.Recovery())
	r.Use(
		requestIDMiddleware(),
		ginLoggingMiddleware(),
		metricMiddleware(api),
		cors.New(corsConfig),
	)

	r.GET(apiPathHealth, api.handlers.healthCheck)
	r.GET(apiPathProposals, api.handlers.getProposals)
	r.GET(apiPathCooldowns, api.handlers.getCooldowns)
	r.GET(apiPathDistributions, api.handlers.getDistributions)
	r.POST(apiPathSync, api.handlers.triggerSync)
	r.GET(apiPathMetrics, api.metricsHandler)

	return api, nil
}

func (a *API) Serve(ctx context.Context) error {
	if a.listener == nil {
		listenCfg := &net.ListenConfig{}
		ln, err := listenCfg.Listen(ctx, a.config.ListenNetwork, a.config.Listen)
		if err != nil {
			return fmt.Errorf("listening on %s: %w", a.config.Listen, err)
		}
		a.listener = ln
	}
	return a.httpServer.Serve(a.listener)
}

func (a *API) metricsHandler(c *gin.Context) {
	a.requestMetricsMu.Lock()
	defer a.requestMetricsMu.Unlock()
	c.JSON(http.StatusOK, a.requestMetrics)
}

// APIHandlers holds the API request handlers.
type APIHandlers struct {
	dm     *DungeonMaster
	logger *slog.Logger
}

func NewAPIHandlers(dm *DungeonMaster) *APIHandlers {
	logger := dm.logger
	if logger == nil {
		logger = slog.Default()
	}
	return &APIHandlers{
		dm:     dm,
		logger: logger.With(loggerNameKey, "api_handlers"),
	}
}

type healthCheckResponse struct {
	Status           string `json:"status"`
	DiscordConnected bool   `json:"discord_connected"`
	SyncRunning      bool   `json:"sync_running"`
	Uptime           string `json:"uptime"`
}

func (h *APIHandlers) healthCheck(c *gin.Context) {
	rv := healthCheckResponse{
		Status:           "ok",
		DiscordConnected: h.dm.discord.connected.Load(),
		SyncRunning:      h.dm.syncRunning.Load(),
		Uptime:           time.Since(h.dm.startedAt).String(),
	}
	if !rv.DiscordConnected {
		rv.Status = "degraded"
	}
	c.JSON(http.StatusOK, rv)
}

// getProposals returns tip proposals still inside their reaction window.
func (h *APIHandlers) getProposals(c *gin.Context) {
	var records []TipCooldown
	err := h.dm.db.DB().WithContext(c.Request.Context()).Where(
		"tx_hash = ? AND proposal_expires > ?",
		"", time.Now().UnixMilli(),
	).Find(&records).Error
	if err != nil {
		ginContextLogger(c).Error("error loading proposals", tint.Err(err))
		ginReplyError(c, "error loading proposals")
		return
	}
	c.JSON(http.StatusOK, records)
}

// getCooldowns returns every rotating cooldown record, optionally
// filtered by collection.
func (h *APIHandlers) getCooldowns(c *gin.Context) {
	query := h.dm.db.DB().WithContext(c.Request.Context())
	if collection := c.Query("collection"); collection != "" {
		query = query.Where("collection = ?", collection)
	}
	var records []TipCooldown
	if err := query.Find(&records).Error; err != nil {
		ginContextLogger(c).Error("error loading cooldowns", tint.Err(err))
		ginReplyError(c, "error loading cooldowns")
		return
	}
	c.JSON(http.StatusOK, records)
}

// getDistributions pages through the invoice XP audit trail, newest
// first. Filters: invoice_address, status, limit, offset.
func (h *APIHandlers) getDistributions(c *gin.Context) {
	limit := defaultPageLimit
	if raw := c.Query("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 {
			c.JSON(http.StatusBadRequest, httpError{Error: "invalid limit"})
			return
		}
		limit = min(parsed, maxPageLimit)
	}
	offset := 0
	if raw := c.Query("offset"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 {
			c.JSON(http.StatusBadRequest, httpError{Error: "invalid offset"})
			return
		}
		offset = parsed
	}

	query := h.dm.db.DB().WithContext(c.Request.Context())
	if invoice := c.Query("invoice_address"); invoice != "" {
		query = query.Where("invoice_address = ?", strings.ToLower(invoice))
	}
	if status := c.Query("status"); status != "" {
		query = query.Where("transaction_status = ?", strings.ToUpper(status))
	}

	var total int64
	if err := query.Model(&InvoiceXpDistribution{}).Count(&total).Error; err != nil {
		ginContextLogger(c).Error("error counting distributions", tint.Err(err))
		ginReplyError(c, "error loading distributions")
		return
	}
	var records []InvoiceXpDistribution
	err := query.Order("id desc").Limit(limit).Offset(offset).Find(&records).Error
	if err != nil {
		ginContextLogger(c).Error("error loading distributions", tint.Err(err))
		ginReplyError(c, "error loading distributions")
		return
	}
	c.JSON(
		http.StatusOK, gin.H{
			"total":         total,
			"limit":         limit,
			"offset":        offset,
			"distributions": records,
		},
	)
}

// triggerSync kicks off an invoice sync run for the given game (query
// param `game`, default main). Refused while a sync is already running.
func (h *APIHandlers) triggerSync(c *gin.Context) {
	gameKey := GameKey(c.DefaultQuery("game", string(GameMain)))
	if _, ok := h.dm.config.Games[gameKey]; !ok {
		c.JSON(
			http.StatusBadRequest,
			httpError{Error: fmt.Sprintf("game %q is not configured", gameKey)},
		)
		return
	}
	if !h.dm.syncRunning.CompareAndSwap(false, true) {
		c.JSON(http.StatusConflict, httpError{Error: "a sync is already running"})
		return
	}
	defer h.dm.syncRunning.Store(false)

	log := ginContextLogger(c)
	result, err := h.dm.syncer.Sync(c.Request.Context(), gameKey)
	if err != nil {
		log.Error("invoice sync failed", tint.Err(err))
		ginReplyError(c, fmt.Sprintf("sync failed: %v", err))
		return
	}
	c.JSON(http.StatusOK, result)
}

type httpReply struct {
	Message string `json:"message"`
}

type httpError struct {
	Error string `json:"error"`
}

func generateRandomHexString(length int) (string, error) {
	bytes := make([]byte, length/2)
	if _, err := rand.Read(bytes); err != nil {
		return "", err
	}
	return hex.EncodeToString(bytes), nil
}

func requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, err := generateRandomHexString(32)
		if err != nil {
			c.AbortWithStatus(http.StatusInternalServerError)
			return
		}
		c.Set(xRequestIDHeader, id)
		if requestID, exists := c.Get(xRequestIDHeader); exists {
			c.Header(xRequestIDHeader, requestID.(string))
		}
		c.Next()
	}
}

// ginContextLogger returns the slog.Logger from the given gin context,
// or, if it doesn't exist, creates a logger with request details included,
// and sets the logger in the context so the next call to ginContextLogger
// will return the new logger.
func ginContextLogger(c *gin.Context) *slog.Logger {
	var requestLogger *slog.Logger
	logger, ok := c.Get(loggerNameKey)
	if ok {
		requestLogger, ok = logger.(*slog.Logger)
		if ok {
			return requestLogger
		}
	}
	requestLogger = slog.Default()
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
	c.Set(loggerNameKey, requestLogger)
	return requestLogger
}

// ginLoggingMiddleware returns a Gin middleware function for logging HTTP
// requests: method, path, remote address, duration and any errors.
func ginLoggingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		requestLogger := ginContextLogger(c)
		c.Next()
		latency := time.Since(start)

		var errs []error
		for _, e := range c.Errors.ByType(gin.ErrorTypePrivate) {
			errs = append(errs, *e)
		}
		if len(errs) > 0 {
			requestLogger.Error(
				fmt.Sprintf(
					"%s %s finished with errors",
					c.Request.Method,
					c.Request.URL,
				),
				"duration", latency,
				"errors", errs,
				slog.Group(
					"response",
					"status_code", c.Writer.Status(),
					"body_size", c.Writer.Size(),
				),
			)
		} else {
			requestLogger.Info(
				fmt.Sprintf("%s %s finished", c.Request.Method, c.Request.URL),
				"duration", latency,
				slog.Group(
					"response",
					"status_code", c.Writer.Status(),
					"body_size", c.Writer.Size(),
				),
			)
		}
	}
}

// metricMiddleware returns a Gin middleware function for tracking API
// request metrics, counting each method/path combination.
func metricMiddleware(a *API) gin.HandlerFunc {
	return func(c *gin.Context) {
		defer c.Next()

		a.requestMetricsMu.Lock()
		defer a.requestMetricsMu.Unlock()

		key := fmt.Sprintf("%s %s", c.Request.Method, c.Request.URL.Path)
		_, ok := a.requestMetrics[key]
		if !ok {
			a.requestMetrics[key] = 1
			return
		}
		a.requestMetrics[key]++
	}
}

// ginReplyError sends a JSON response with an error message and HTTP
// status code 500 via the gin context.
func ginReplyError(c *gin.Context, err string) {
	c.AbortWithStatusJSON(http.StatusInternalServerError, httpError{Error: err})
}
