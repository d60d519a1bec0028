// Package server provides the tapwatch Gin-based REST API.
// Routes are split into two groups:
//   - Data plane: tap-token protected; receives tap status reports.
//   - Control plane: JWT protected; fleet, metric and alert queries and the
//     monitored network configuration.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sort"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/vesaa/tapwatch/internal/alerts"
	"github.com/vesaa/tapwatch/internal/bucket"
	"github.com/vesaa/tapwatch/internal/clock"
	"github.com/vesaa/tapwatch/internal/ingest"
	"github.com/vesaa/tapwatch/internal/metrics"
	"github.com/vesaa/tapwatch/internal/models"
	"github.com/vesaa/tapwatch/internal/taps"
)

// Options wires the API to its components.
type Options struct {
	Registry *taps.Registry
	Metrics  *metrics.Aggregator
	Alerts   *alerts.Deduplicator
	Networks *alerts.Monitor
	Ingest   *ingest.Handler
	Auth     *Auth
	Clock    clock.Clock
	Logger   *slog.Logger

	// QueryTimeout bounds every control-plane request.
	QueryTimeout time.Duration
	// LegacyUUIDUnauthorized answers malformed tap UUIDs with 401 instead of 400.
	LegacyUUIDUnauthorized bool
	// MaxReportBytes caps the size of a status report body.
	MaxReportBytes int64
}

// DefaultMaxReportBytes is used when Options.MaxReportBytes is unset.
const DefaultMaxReportBytes = 4 << 20

// API holds the handlers of both route groups.
type API struct {
	opts Options
}

// NewAPI creates the API.
func NewAPI(opts Options) *API {
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.QueryTimeout <= 0 {
		opts.QueryTimeout = 10 * time.Second
	}
	if opts.MaxReportBytes <= 0 {
		opts.MaxReportBytes = DefaultMaxReportBytes
	}
	return &API{opts: opts}
}

// RegisterControlRoutes wires up the control-plane API.
//
//	Public:   POST /api/login, GET /api/health
//	Protected (JWT): all other /api/* routes
func (a *API) RegisterControlRoutes(r *gin.Engine) {
	api := r.Group("/api")

	// ── Public endpoints ──────────────────────────────────────────────────────
	api.POST("/login", a.handleLogin)

	api.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "time": a.opts.Clock.Now().UTC()})
	})

	// ── JWT-protected endpoints ───────────────────────────────────────────────
	auth := api.Group("/", a.opts.Auth.JWTMiddleware(), a.queryTimeout())
	{
		auth.GET("/taps", a.handleListTaps)
		auth.POST("/taps", a.handleCreateTap)
		auth.GET("/taps/show/:uuid", a.handleShowTap)
		auth.GET("/taps/show/:uuid/metrics", a.handleTapMetrics)
		auth.GET("/taps/show/:uuid/metrics/gauges/:metric/histogram", a.handleHistogram)

		auth.GET("/alerts", a.handleListAlerts)
		auth.POST("/alerts/:id/acknowledge", a.handleAcknowledge)

		auth.GET("/catalog/alert-kinds", a.handleAlertKinds)
		auth.GET("/catalog/metrics", a.handleMetricNames)

		if a.opts.Networks != nil {
			ssids := auth.Group("/dot11/monitoring/ssids")
			ssids.GET("", a.handleListNetworks)
			ssids.POST("", a.handleCreateNetwork)
			ssids.GET("/:id", a.handleShowNetwork)
			ssids.PUT("/:id", a.handleUpdateNetwork)
			ssids.DELETE("/:id", a.handleDeleteNetwork)
		}
	}
}

// RegisterDataRoutes wires up the data-plane API. Report routes require the
// tap token.
func (a *API) RegisterDataRoutes(r *gin.Engine) {
	api := r.Group("/api", a.opts.Auth.TapTokenMiddleware())
	{
		api.POST("/taps/status", a.handleStatus)
	}

	// Data-plane health (no auth, used by load-balancers / k8s probes)
	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":      "ok",
			"taps":        len(a.opts.Registry.ListTaps()),
			"open_alerts": a.opts.Alerts.OpenCount(),
			"ingest":      a.opts.Ingest.Stats(),
		})
	})
}

// queryTimeout attaches the configured deadline to the request context.
func (a *API) queryTimeout() gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), a.opts.QueryTimeout)
		defer cancel()

		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}

// ── Handlers ──────────────────────────────────────────────────────────────────

// handleLogin accepts username + password and returns a signed JWT.
//
//	POST /api/login
//	Body: { "username": "admin", "password": "admin" }
func (a *API) handleLogin(c *gin.Context) {
	var body struct {
		Username string `json:"username" binding:"required"`
		Password string `json:"password" binding:"required"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "username and password required"})
		return
	}

	if !a.opts.Auth.checkCredentials(body.Username, body.Password) {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid credentials"})
		return
	}

	token, err := a.opts.Auth.GenerateJWT(body.Username)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to generate token"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"token":      token,
		"expires_in": int(TokenLifetime.Seconds()),
		"type":       "Bearer",
	})
}

// handleStatus ingests one tap status report (data plane).
//
//	POST /api/taps/status
func (a *API) handleStatus(c *gin.Context) {
	var report taps.StatusReport
	body := http.MaxBytesReader(c.Writer, c.Request.Body, a.opts.MaxReportBytes)
	dec := json.NewDecoder(body)
	dec.UseNumber()
	if err := dec.Decode(&report); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "report exceeds " + strconv.FormatInt(tooLarge.Limit, 10) + " bytes"})
			return
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": "malformed report: " + err.Error()})
		return
	}

	// Ingest runs to completion even if the tap hangs up.
	ctx := context.WithoutCancel(c.Request.Context())
	res, err := a.opts.Ingest.Handle(ctx, &report)
	if err != nil {
		var mre *taps.MalformedReportError
		if errors.As(err, &mre) {
			c.JSON(http.StatusBadRequest, gin.H{"error": mre.Error(), "result": res})
			return
		}
		a.opts.Logger.Error("report ingestion failed", "tap", report.UUID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "report ingestion failed", "result": res})
		return
	}
	c.JSON(http.StatusOK, gin.H{"result": res})
}

// tapResponse is a tap with its liveness computed at read time.
type tapResponse struct {
	models.Tap
	IsLive bool `json:"is_live"`
}

type busResponse struct {
	models.Bus
	Channels []models.Channel `json:"channels"`
}

type tapDetailResponse struct {
	tapResponse
	Buses    []busResponse    `json:"buses"`
	Captures []models.Capture `json:"captures"`
}

func (a *API) tapResponse(t models.Tap) tapResponse {
	return tapResponse{Tap: t, IsLive: t.IsLive(a.opts.Clock.Now())}
}

// handleListTaps returns every known tap sorted by name.
//
//	GET /api/taps
func (a *API) handleListTaps(c *gin.Context) {
	list := a.opts.Registry.ListTaps()
	out := make([]tapResponse, 0, len(list))
	for _, t := range list {
		out = append(out, a.tapResponse(t))
	}
	c.JSON(http.StatusOK, gin.H{"data": out, "total": len(out)})
}

// handleCreateTap pre-registers a tap and returns its new UUID.
//
//	POST /api/taps
//	Body: { "name": "tap-roof", "description": "north antenna" }
func (a *API) handleCreateTap(c *gin.Context) {
	var body struct {
		Name        string `json:"name" binding:"required"`
		Description string `json:"description"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "name required"})
		return
	}
	tap, err := a.opts.Registry.Create(c.Request.Context(), body.Name, body.Description)
	if errors.Is(err, taps.ErrNameRequired) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "name required"})
		return
	}
	if err != nil {
		a.queryError(c, err)
		return
	}
	a.opts.Logger.Info("tap created", "tap", tap.UUID, "by", c.GetString("username"))
	c.JSON(http.StatusCreated, gin.H{"data": a.tapResponse(tap)})
}

// tapFromParam resolves :uuid to a known tap. It writes the error response
// and returns false when the UUID is malformed or unknown.
func (a *API) tapFromParam(c *gin.Context) (models.Tap, bool) {
	id, err := uuid.Parse(c.Param("uuid"))
	if err != nil {
		status := http.StatusBadRequest
		if a.opts.LegacyUUIDUnauthorized {
			status = http.StatusUnauthorized
		}
		c.JSON(status, gin.H{"error": "invalid tap uuid"})
		return models.Tap{}, false
	}
	tap, ok := a.opts.Registry.FindTap(id)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "tap not found"})
		return models.Tap{}, false
	}
	return tap, true
}

// handleShowTap returns one tap with its buses, channels and captures.
//
//	GET /api/taps/show/:uuid
func (a *API) handleShowTap(c *gin.Context) {
	tap, ok := a.tapFromParam(c)
	if !ok {
		return
	}
	id := uuid.MustParse(tap.UUID)

	buses := a.opts.Registry.FindBusesOfTap(id)
	detail := tapDetailResponse{
		tapResponse: a.tapResponse(tap),
		Buses:       make([]busResponse, 0, len(buses)),
		Captures:    a.opts.Registry.FindCapturesOfTap(id),
	}
	for _, b := range buses {
		channels := a.opts.Registry.FindChannelsOfBus(b.ID)
		if channels == nil {
			channels = []models.Channel{}
		}
		detail.Buses = append(detail.Buses, busResponse{Bus: b, Channels: channels})
	}
	if detail.Captures == nil {
		detail.Captures = []models.Capture{}
	}
	c.JSON(http.StatusOK, gin.H{"data": detail})
}

// handleTapMetrics returns the latest value of every gauge of a tap.
//
//	GET /api/taps/show/:uuid/metrics
func (a *API) handleTapMetrics(c *gin.Context) {
	tap, ok := a.tapFromParam(c)
	if !ok {
		return
	}
	gauges, err := a.opts.Metrics.CurrentGauges(c.Request.Context(), tap.UUID)
	if err != nil {
		a.queryError(c, err)
		return
	}
	out := make([]models.GaugeSnapshot, 0, len(gauges))
	for _, g := range gauges {
		out = append(out, g)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].MetricName < out[j].MetricName })
	c.JSON(http.StatusOK, gin.H{"data": out})
}

// handleHistogram returns the bucketed history of one gauge.
//
//	GET /api/taps/show/:uuid/metrics/gauges/:metric/histogram?buckets=24&bucket_size=minute
func (a *API) handleHistogram(c *gin.Context) {
	tap, ok := a.tapFromParam(c)
	if !ok {
		return
	}
	count, err := strconv.Atoi(c.DefaultQuery("buckets", "24"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "buckets must be an integer"})
		return
	}
	size, err := bucket.ParseSize(c.DefaultQuery("bucket_size", string(bucket.Minute)))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	metric := c.Param("metric")
	hist, err := a.opts.Metrics.Histogram(c.Request.Context(), tap.UUID, metric, count, size)
	if err != nil {
		a.queryError(c, err)
		return
	}
	resp := gin.H{
		"metric":      metric,
		"bucket_size": size,
		"buckets":     count,
		"data":        hist,
	}
	if m, ok := a.opts.Metrics.Names().Lookup(metric); ok {
		resp["unit"] = m.Unit
	}
	c.JSON(http.StatusOK, resp)
}

// handleListAlerts lists alerts, optionally filtered by status.
//
//	GET /api/alerts?status=open
func (a *API) handleListAlerts(c *gin.Context) {
	status := models.AlertStatus(c.Query("status"))
	switch status {
	case "", models.AlertOpen, models.AlertAcknowledged, models.AlertExpired:
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": "status must be open, acknowledged or expired"})
		return
	}
	list, err := a.opts.Alerts.ListAlerts(c.Request.Context(), status)
	if err != nil {
		a.queryError(c, err)
		return
	}
	if list == nil {
		list = []models.Alert{}
	}
	c.JSON(http.StatusOK, gin.H{"data": list, "total": len(list)})
}

// handleAcknowledge acknowledges an open alert.
//
//	POST /api/alerts/:id/acknowledge
func (a *API) handleAcknowledge(c *gin.Context) {
	alert, err := a.opts.Alerts.Acknowledge(c.Request.Context(), c.Param("id"))
	switch {
	case errors.Is(err, alerts.ErrAlertNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "alert not found"})
	case errors.Is(err, alerts.ErrAlertExpired):
		c.JSON(http.StatusConflict, gin.H{"error": "alert already expired"})
	case err != nil:
		a.queryError(c, err)
	default:
		a.opts.Logger.Info("alert acknowledged", "id", alert.ID, "by", c.GetString("username"))
		c.JSON(http.StatusOK, gin.H{"data": alert})
	}
}

type kindResponse struct {
	Name           string        `json:"name"`
	Subsystem      string        `json:"subsystem"`
	Scope          alerts.Scope  `json:"scope"`
	Fields         []fieldSchema `json:"fields"`
	Key            []string      `json:"key"`
	Description    string        `json:"description"`
	DocLink        string        `json:"documentation_link"`
	FalsePositives []string      `json:"false_positives"`
}

type fieldSchema struct {
	Name     string `json:"name"`
	Type     string `json:"type"`
	Required bool   `json:"required"`
}

// handleAlertKinds lists every alert kind a tap may report.
//
//	GET /api/catalog/alert-kinds
func (a *API) handleAlertKinds(c *gin.Context) {
	kinds := alerts.Kinds()
	out := make([]kindResponse, 0, len(kinds))
	for _, k := range kinds {
		fields := make([]fieldSchema, 0, len(k.Fields))
		for _, f := range k.Fields {
			fields = append(fields, fieldSchema{Name: f.Name, Type: f.Type.String(), Required: f.Required})
		}
		out = append(out, kindResponse{
			Name:           k.Name,
			Subsystem:      k.Subsystem,
			Scope:          k.Scope,
			Fields:         fields,
			Key:            k.Key,
			Description:    k.Description,
			DocLink:        k.DocLink,
			FalsePositives: k.FalsePositives,
		})
	}
	c.JSON(http.StatusOK, gin.H{"data": out, "total": len(out)})
}

// handleMetricNames lists the known gauges with their units.
//
//	GET /api/catalog/metrics
func (a *API) handleMetricNames(c *gin.Context) {
	list := a.opts.Metrics.Names().All()
	if list == nil {
		list = []metrics.Metric{}
	}
	c.JSON(http.StatusOK, gin.H{"data": list, "total": len(list)})
}

// queryError maps read failures to status codes.
func (a *API) queryError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, metrics.ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		c.JSON(http.StatusGatewayTimeout, gin.H{"error": "query timed out"})
	case errors.Is(err, metrics.ErrInvalidBucketCount), errors.Is(err, bucket.ErrInvalidSize):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	default:
		a.opts.Logger.Error("query failed", "path", c.FullPath(), "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}
