package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"KRScreener/internal/asof"
	"KRScreener/internal/common"
	"KRScreener/internal/metrics"
	"KRScreener/internal/model"
	"KRScreener/internal/screener"
	"KRScreener/internal/store"
)

const (
	defaultLimit = 200
	maxLimit     = 5000
)

// Rebuilder recomputes the snapshot of one date.
type Rebuilder interface {
	Rebuild(ctx context.Context, asOf time.Time) (int, error)
}

// Handlers serves the API routes.
type Handlers struct {
	store     *store.Store
	resolver  *asof.Resolver
	rebuilder Rebuilder
	logger    *common.Logger
}

// NewHandlers creates the handlers.
func NewHandlers(st *store.Store, resolver *asof.Resolver, rebuilder Rebuilder, logger *common.Logger) *Handlers {
	return &Handlers{store: st, resolver: resolver, rebuilder: rebuilder, logger: logger}
}

// HealthCheck reports liveness.
func (h *Handlers) HealthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// GetAsOf returns the effective as-of resolution.
func (h *Handlers) GetAsOf(c *gin.Context) {
	res, err := h.resolver.Resolve(c.Request.Context())
	if errors.Is(err, asof.ErrNoPriceData) {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	if err != nil {
		// An auto-recompute failure still carries the resolution.
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error(), "resolution": res})
		return
	}
	c.JSON(http.StatusOK, res)
}

// GetFields returns the field registry grouped for display.
func (h *Handlers) GetFields(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"groups": screener.Groups()})
}

// GetPresets returns the built-in presets with their query form.
func (h *Handlers) GetPresets(c *gin.Context) {
	type presetDTO struct {
		screener.Preset
		Query string `json:"query"`
	}
	presets := screener.Presets()
	out := make([]presetDTO, 0, len(presets))
	for _, p := range presets {
		out = append(out, presetDTO{Preset: p, Query: screener.Encode(p.Selection)})
	}
	c.JSON(http.StatusOK, gin.H{"presets": out})
}

// ScreenRequest is the JSON body of POST /screen.
type ScreenRequest struct {
	Date      string             `json:"date"`
	Preset    string             `json:"preset"`
	Selection screener.Selection `json:"selection"`
	Sort      string             `json:"sort"`
	Ascending bool               `json:"ascending"`
	Limit     int                `json:"limit"`
}

type screenResponse struct {
	AsOf             string              `json:"asof_date"`
	Status           asof.Status         `json:"status,omitempty"`
	RecomputeAdvised bool                `json:"recompute_advised"`
	Query            string              `json:"query"`
	Warning          string              `json:"warning,omitempty"`
	Total            int                 `json:"total"`
	Rows             []model.SnapshotRow `json:"rows"`
}

// GetScreen filters a snapshot by query-string conditions
// (field=any | bucket:<id> | range:<min>:<max>). A malformed condition
// falls back to an all-any selection and is reported as a warning.
func (h *Handlers) GetScreen(c *gin.Context) {
	req := ScreenRequest{
		Date:      c.Query("date"),
		Preset:    c.Query("preset"),
		Sort:      c.Query("sort"),
		Ascending: c.Query("order") == "asc",
	}
	if v := c.Query("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid limit: " + v})
			return
		}
		req.Limit = n
	}

	sel, parseErr := screener.ParseValues(c.Request.URL.Query())
	req.Selection = sel
	h.serveScreen(c, req, parseErr)
}

// PostScreen filters a snapshot by a JSON selection.
func (h *Handlers) PostScreen(c *gin.Context) {
	var req ScreenRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request: " + err.Error()})
		return
	}
	h.serveScreen(c, req, nil)
}

func (h *Handlers) serveScreen(c *gin.Context, req ScreenRequest, parseErr error) {
	ctx := c.Request.Context()

	explicit := req.Selection
	warning := ""
	if parseErr != nil {
		warning = parseErr.Error()
		// The fallback is all-any; merged over a preset it would erase it.
		if req.Preset != "" {
			explicit = nil
			warning += "; query conditions ignored, preset applied alone"
		}
	}
	sel, err := screener.Compose(req.Preset, explicit)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := sel.Validate(); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	resp := screenResponse{}
	var day time.Time
	if req.Date != "" {
		d, err := model.ParseDate(req.Date)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		has, err := h.store.HasSnapshot(ctx, d)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		if !has {
			c.JSON(http.StatusNotFound, gin.H{"error": "no snapshot for " + req.Date})
			return
		}
		day = d
	} else {
		res, err := h.resolver.Resolve(ctx)
		if errors.Is(err, asof.ErrNoPriceData) {
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
			return
		}
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		day = res.Date
		resp.Status = res.Status
		resp.RecomputeAdvised = res.RecomputeAdvised
	}

	rows, err := h.store.LoadSnapshot(ctx, day)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	matched, err := screener.Apply(rows, sel)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := screener.Sort(matched, req.Sort, req.Ascending); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	limit := req.Limit
	if limit <= 0 {
		limit = defaultLimit
	}
	limit = min(limit, maxLimit)

	resp.AsOf = model.FormatDate(day)
	resp.Query = screener.Encode(sel)
	resp.Total = len(matched)
	resp.Rows = matched[:min(limit, len(matched))]
	resp.Warning = warning
	c.JSON(http.StatusOK, resp)
}

// GetSnapshots lists stored snapshot dates, newest first.
func (h *Handlers) GetSnapshots(c *gin.Context) {
	limit := 30
	if v := c.Query("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid limit: " + v})
			return
		}
		limit = n
	}
	dates, err := h.store.SnapshotDates(c.Request.Context(), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	out := make([]string, 0, len(dates))
	for _, d := range dates {
		out = append(out, model.FormatDate(d))
	}
	c.JSON(http.StatusOK, gin.H{"dates": out})
}

// Recompute rebuilds the snapshot of the date in the path.
func (h *Handlers) Recompute(c *gin.Context) {
	d, err := model.ParseDate(c.Param("date"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	n, err := h.rebuilder.Rebuild(c.Request.Context(), d)
	if errors.Is(err, metrics.ErrNoBars) {
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		return
	}
	if err != nil {
		h.logger.Error().Err(err).Str("asof", model.FormatDate(d)).Msg("recompute failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"asof_date": model.FormatDate(d), "rows": n})
}

// GetJobs returns recent job log entries.
func (h *Handlers) GetJobs(c *gin.Context) {
	jobs, err := h.store.RecentJobs(c.Request.Context(), 50)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"jobs": jobs})
}
