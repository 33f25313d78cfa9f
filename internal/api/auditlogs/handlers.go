// Package auditlogs exposes the audit trail over HTTP: search, the critical
// trail, aggregate stats, export, retention cleanup, and the runtime
// enable/disable toggle.
package auditlogs

import (
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/domestica-portal/domestica-portal/internal/audit"
)

// Handlers bundles the audit trail endpoints.
type Handlers struct {
	audits *audit.Service
}

// NewHandlers creates the audit endpoint handlers.
func NewHandlers(audits *audit.Service) *Handlers {
	return &Handlers{audits: audits}
}

// Search returns audit entries matching the query parameters usuario, acao,
// recurso, resultado, inicio, fim (RFC 3339), and limite.
func (h *Handlers) Search(c *gin.Context) {
	filter, err := filterFromQuery(c)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	logs := h.audits.SearchLogs(filter)
	c.JSON(http.StatusOK, gin.H{
		"total": len(logs),
		"logs":  logs,
	})
}

// Critical returns the critical-action trail.
func (h *Handlers) Critical(c *gin.Context) {
	logs := h.audits.CriticalLogs()
	c.JSON(http.StatusOK, gin.H{
		"total": len(logs),
		"logs":  logs,
	})
}

// Stats returns aggregate counters over the trailing periodo window (days,
// default 7).
func (h *Handlers) Stats(c *gin.Context) {
	period := 7
	if raw := c.Query("periodo"); raw != "" {
		p, err := strconv.Atoi(raw)
		if err != nil || p < 1 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "periodo must be a positive integer"})
			return
		}
		period = p
	}
	c.JSON(http.StatusOK, h.audits.GetStats(period))
}

// Export streams the matching entries as a JSON or CSV attachment. The
// formato query parameter selects the format (default json).
func (h *Handlers) Export(c *gin.Context) {
	filter, err := filterFromQuery(c)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	format := c.DefaultQuery("formato", audit.FormatJSON)
	out, err := h.audits.ExportLogs(filter, format)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	contentType := "application/json"
	if format == audit.FormatCSV {
		contentType = "text/csv"
	}
	filename := fmt.Sprintf("auditoria-%s.%s", time.Now().Format("20060102"), format)
	c.Header("Content-Disposition", `attachment; filename="`+filename+`"`)
	c.Data(http.StatusOK, contentType, []byte(out))
}

// Cleanup removes main-trail entries older than the requested retention
// window and reports the count removed.
func (h *Handlers) Cleanup(c *gin.Context) {
	var req struct {
		RetentionDays *int `json:"retencao" binding:"required,min=0"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "retencao (days) is required"})
		return
	}

	removed := h.audits.CleanupOldLogs(c.Request.Context(), *req.RetentionDays)
	c.JSON(http.StatusOK, gin.H{"removidos": removed})
}

// SetEnabled toggles recording of new audit entries.
func (h *Handlers) SetEnabled(c *gin.Context) {
	var req struct {
		Enabled *bool `json:"habilitado" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "habilitado (bool) is required"})
		return
	}

	h.audits.SetEnabled(c.Request.Context(), *req.Enabled)
	c.JSON(http.StatusOK, gin.H{"habilitado": *req.Enabled})
}

func filterFromQuery(c *gin.Context) (audit.Filter, error) {
	filter := audit.Filter{
		User:     c.Query("usuario"),
		Action:   c.Query("acao"),
		Resource: c.Query("recurso"),
		Result:   c.Query("resultado"),
	}

	if raw := c.Query("inicio"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return audit.Filter{}, fmt.Errorf("inicio must be RFC 3339: %s", raw)
		}
		filter.Start = &t
	}
	if raw := c.Query("fim"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return audit.Filter{}, fmt.Errorf("fim must be RFC 3339: %s", raw)
		}
		filter.End = &t
	}
	if raw := c.Query("limite"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 1 {
			return audit.Filter{}, fmt.Errorf("limite must be a positive integer: %s", raw)
		}
		filter.Limit = limit
	}
	return filter, nil
}
