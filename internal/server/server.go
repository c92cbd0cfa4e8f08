package server

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/invigil-dev/invigil/internal/history"
	"github.com/invigil-dev/invigil/internal/metrics"
	"github.com/invigil-dev/invigil/internal/supervisor"
)

// Options configures the HTTP control surface for one supervisor.
type Options struct {
	Listen    string
	BasePath  string
	Callbacks supervisor.Callbacks // applied to every start issued over HTTP
	Alerts    history.AlertReader  // optional; enables GET /monitor/alerts
}

type api struct {
	sup    *supervisor.Supervisor
	alerts history.AlertReader
	cb     supervisor.Callbacks
}

// NewRouter builds the gin engine serving the monitor control API.
func NewRouter(sup *supervisor.Supervisor, opts Options) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())

	a := &api{sup: sup, alerts: opts.Alerts, cb: opts.Callbacks}

	base := opts.BasePath
	if base == "" {
		base = "/"
	}
	g := r.Group(base)
	g.GET("/healthz", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"status": "ok"}) })
	g.GET("/metrics", gin.WrapH(metrics.Handler()))

	m := g.Group("/monitor")
	m.POST("/start", a.handleStart)
	m.POST("/stop", a.handleStop)
	m.GET("/status", a.handleStatus)
	m.GET("/logs", a.handleLogs)
	m.POST("/reference", a.handleReference)
	m.POST("/validate", a.handleValidate)
	m.GET("/alerts", a.handleAlerts)
	return r
}

// New builds an http.Server around the router. Caller owns shutdown.
func New(sup *supervisor.Supervisor, opts Options) (*http.Server, error) {
	if opts.Listen == "" {
		return nil, fmt.Errorf("server: listen address required")
	}
	return &http.Server{
		Addr:              opts.Listen,
		Handler:           NewRouter(sup, opts),
		ReadHeaderTimeout: 5 * time.Second,
	}, nil
}

type startRequest struct {
	supervisor.Options
}

func (a *api) handleStart(c *gin.Context) {
	var req startRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
	}
	opts := req.Options
	opts.Callbacks = a.cb
	res := a.sup.Start(opts)
	if res.Err != nil {
		code := http.StatusInternalServerError
		switch {
		case errors.Is(res.Err, supervisor.ErrAlreadyActive):
			code = http.StatusConflict
		case res.Validation != nil:
			code = http.StatusUnprocessableEntity
		}
		body := gin.H{"ok": false, "error": res.Err.Error()}
		if res.Validation != nil {
			body["validation"] = res.Validation.Checks
		}
		c.JSON(code, body)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true, "session_id": res.SessionID, "pid": res.PID})
}

func (a *api) handleStop(c *gin.Context) {
	if err := a.sup.Stop(); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"ok": false, "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true, "status": statusBody(a.sup.Status())})
}

// statusBody renders the snapshot with explicit nulls for absent fields so
// callers can distinguish "never started" from pid 0.
func statusBody(st supervisor.Status) gin.H {
	body := gin.H{
		"state":         st.State,
		"is_monitoring": st.IsMonitoring,
		"pid":           nil,
		"session_id":    nil,
	}
	if st.PID > 0 {
		body["pid"] = st.PID
	}
	if st.SessionID != "" {
		body["session_id"] = st.SessionID
	}
	if !st.StartedAt.IsZero() {
		body["started_at"] = st.StartedAt
	}
	return body
}

func (a *api) handleStatus(c *gin.Context) {
	c.JSON(http.StatusOK, statusBody(a.sup.Status()))
}

func (a *api) handleLogs(c *gin.Context) {
	stream := c.DefaultQuery("stream", supervisor.StreamStdout)
	if stream != supervisor.StreamStdout && stream != supervisor.StreamStderr {
		c.JSON(http.StatusBadRequest, gin.H{"error": "stream must be stdout or stderr"})
		return
	}
	n := 100
	if raw := c.Query("n"); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil || v <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "n must be a positive integer"})
			return
		}
		n = v
	}
	c.JSON(http.StatusOK, gin.H{"stream": stream, "lines": a.sup.Logs(stream, n)})
}

type referenceRequest struct {
	Path string `json:"path"`
}

func (a *api) handleReference(c *gin.Context) {
	var req referenceRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.Path == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "path is required"})
		return
	}
	if err := a.sup.UpdateReference(req.Path); err != nil {
		code := http.StatusInternalServerError
		if errors.Is(err, supervisor.ErrNotRunning) || errors.Is(err, supervisor.ErrStopping) {
			code = http.StatusConflict
		}
		c.JSON(code, gin.H{"ok": false, "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

func (a *api) handleValidate(c *gin.Context) {
	var opts supervisor.Options
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&opts); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
	}
	res := a.sup.Validate(opts)
	c.JSON(http.StatusOK, gin.H{"ok": res.OK(), "checks": res.Checks})
}

func (a *api) handleAlerts(c *gin.Context) {
	if a.alerts == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "history backend not configured"})
		return
	}
	limit := 50
	if raw := c.Query("limit"); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil || v <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a positive integer"})
			return
		}
		limit = v
	}
	events, err := a.alerts.RecentAlerts(c.Request.Context(), c.Query("session"), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if events == nil {
		events = []history.Event{}
	}
	c.JSON(http.StatusOK, gin.H{"alerts": events})
}
