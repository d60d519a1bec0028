package server

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/vesaa/tapwatch/internal/alerts"
	"github.com/vesaa/tapwatch/internal/models"
)

// networkRequest is the body of create and update requests.
type networkRequest struct {
	SSID           string                  `json:"ssid" binding:"required"`
	OrganizationID string                  `json:"organization_id"`
	TenantID       string                  `json:"tenant_id"`
	BSSIDs         []models.MonitoredBSSID `json:"bssids"`
	Channels       []int64                 `json:"channels"`
	SecuritySuites []string                `json:"security_suites"`
}

func (r networkRequest) network() models.MonitoredNetwork {
	return models.MonitoredNetwork{
		SSID:           r.SSID,
		OrganizationID: r.OrganizationID,
		TenantID:       r.TenantID,
		BSSIDs:         r.BSSIDs,
		Channels:       r.Channels,
		SecuritySuites: r.SecuritySuites,
	}
}

// networkResponse is a monitored network with its alert state computed at
// read time.
type networkResponse struct {
	models.MonitoredNetwork
	IsAlerted bool `json:"is_alerted"`
}

func (a *API) networkResponse(n models.MonitoredNetwork) networkResponse {
	return networkResponse{MonitoredNetwork: n, IsAlerted: alerts.IsAlerted(a.opts.Alerts, n)}
}

// handleListNetworks returns every monitored network sorted by SSID.
//
//	GET /api/dot11/monitoring/ssids
func (a *API) handleListNetworks(c *gin.Context) {
	list := a.opts.Networks.List()
	out := make([]networkResponse, 0, len(list))
	for _, n := range list {
		out = append(out, a.networkResponse(n))
	}
	c.JSON(http.StatusOK, gin.H{"data": out, "total": len(out)})
}

// handleShowNetwork returns one monitored network.
//
//	GET /api/dot11/monitoring/ssids/:id
func (a *API) handleShowNetwork(c *gin.Context) {
	n, ok := a.opts.Networks.Find(c.Param("id"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "monitored network not found"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": a.networkResponse(n)})
}

// handleCreateNetwork starts monitoring an SSID.
//
//	POST /api/dot11/monitoring/ssids
//	Body: { "ssid": "corp-wifi", "bssids": [{"bssid": "00:c0:ca:95:68:3b"}], "channels": [1, 6, 11] }
func (a *API) handleCreateNetwork(c *gin.Context) {
	var body networkRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "ssid required"})
		return
	}
	n, err := a.opts.Networks.Create(c.Request.Context(), body.network())
	if err != nil {
		a.networkError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"data": a.networkResponse(n)})
}

// handleUpdateNetwork replaces the configuration of a monitored network.
//
//	PUT /api/dot11/monitoring/ssids/:id
func (a *API) handleUpdateNetwork(c *gin.Context) {
	var body networkRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "ssid required"})
		return
	}
	n, err := a.opts.Networks.Update(c.Request.Context(), c.Param("id"), body.network())
	if err != nil {
		a.networkError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": a.networkResponse(n)})
}

// handleDeleteNetwork stops monitoring an SSID. Its open alerts stay open
// until they expire or are acknowledged.
//
//	DELETE /api/dot11/monitoring/ssids/:id
func (a *API) handleDeleteNetwork(c *gin.Context) {
	if err := a.opts.Networks.Delete(c.Request.Context(), c.Param("id")); err != nil {
		a.networkError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (a *API) networkError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, alerts.ErrNetworkNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "monitored network not found"})
	case errors.Is(err, alerts.ErrNetworkExists):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case errors.Is(err, alerts.ErrInvalidNetwork):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	default:
		a.queryError(c, err)
	}
}
