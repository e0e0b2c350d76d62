package admin

import (
	"context"
	"net/http"
	"sort"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/paysign/internal/certstore"
	"github.com/mbd888/paysign/internal/forward"
	"github.com/mbd888/paysign/internal/logging"
	"github.com/mbd888/paysign/internal/payerr"
	"github.com/mbd888/paysign/internal/realtime"
)

// CertificateSource is a gateway's platform certificate cache.
type CertificateSource interface {
	Entries() []certstore.Entry
	LastRefresh() time.Time
}

// ForwardStatus reports forwarding health.
type ForwardStatus interface {
	Status() forward.Status
}

type certGateway struct {
	source  CertificateSource
	refresh func(ctx context.Context) error
}

// Handler provides admin HTTP endpoints.
type Handler struct {
	gateways map[string]certGateway
	forward  ForwardStatus
	stats    func() realtime.Stats
}

// NewHandler creates a new admin handler.
func NewHandler() *Handler {
	return &Handler{gateways: make(map[string]certGateway)}
}

// WithCertificates exposes a gateway's certificate table. refresh reloads
// it on demand.
func (h *Handler) WithCertificates(gateway string, src CertificateSource, refresh func(ctx context.Context) error) *Handler {
	h.gateways[gateway] = certGateway{source: src, refresh: refresh}
	return h
}

// WithForwarder exposes forwarding status.
func (h *Handler) WithForwarder(f ForwardStatus) *Handler {
	h.forward = f
	return h
}

// WithRealtimeStats exposes the websocket hub counters.
func (h *Handler) WithRealtimeStats(stats func() realtime.Stats) *Handler {
	h.stats = stats
	return h
}

// RegisterRoutes sets up admin routes.
func (h *Handler) RegisterRoutes(r gin.IRoutes) {
	r.GET("/certificates", h.listCertificates)
	r.POST("/certificates/refresh", h.refreshCertificates)
	r.GET("/forward", h.forwardStatus)
	r.GET("/realtime", h.realtimeStats)
}

func (h *Handler) names() []string {
	out := make([]string, 0, len(h.gateways))
	for name := range h.gateways {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

func (h *Handler) view(name string) GatewayCertificates {
	g := h.gateways[name]
	entries := g.source.Entries()
	certs := make([]CertificateView, 0, len(entries))
	for _, e := range entries {
		certs = append(certs, CertificateView{
			Serial:      e.Serial,
			EffectiveAt: timePtr(e.EffectiveAt),
			ExpiresAt:   timePtr(e.ExpiresAt),
		})
	}
	return GatewayCertificates{
		Gateway:      name,
		Certificates: certs,
		Count:        len(certs),
		LastRefresh:  timePtr(g.source.LastRefresh()),
	}
}

// listCertificates returns every gateway's known platform certificates.
func (h *Handler) listCertificates(c *gin.Context) {
	out := make([]GatewayCertificates, 0, len(h.gateways))
	for _, name := range h.names() {
		out = append(out, h.view(name))
	}
	c.JSON(http.StatusOK, gin.H{"gateways": out})
}

// refreshCertificates reloads one gateway (?gateway=) or all of them.
func (h *Handler) refreshCertificates(c *gin.Context) {
	names := h.names()
	if only := c.Query("gateway"); only != "" {
		if _, ok := h.gateways[only]; !ok {
			c.JSON(http.StatusNotFound, gin.H{"error": "unknown_gateway", "message": only + " has no certificate table"})
			return
		}
		names = []string{only}
	}
	if len(names) == 0 {
		c.JSON(http.StatusNotFound, gin.H{"error": "no_gateways", "message": "no gateway uses platform certificates"})
		return
	}

	ctx := c.Request.Context()
	out := make([]GatewayCertificates, 0, len(names))
	for _, name := range names {
		if err := h.gateways[name].refresh(ctx); err != nil {
			logging.L(ctx).Warn("manual certificate refresh failed", "gateway", name, "error", err)
			c.JSON(http.StatusBadGateway, gin.H{
				"error":   "refresh_failed",
				"gateway": name,
				"kind":    payerr.KindOf(err),
				"message": err.Error(),
			})
			return
		}
		out = append(out, h.view(name))
	}
	c.JSON(http.StatusOK, gin.H{"refreshed": true, "gateways": out})
}

func (h *Handler) forwardStatus(c *gin.Context) {
	if h.forward == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "forwarding not configured"})
		return
	}
	c.JSON(http.StatusOK, h.forward.Status())
}

func (h *Handler) realtimeStats(c *gin.Context) {
	if h.stats == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "realtime not configured"})
		return
	}
	c.JSON(http.StatusOK, h.stats())
}
