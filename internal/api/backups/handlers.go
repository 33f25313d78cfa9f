// Package backups exposes the backup engine over HTTP: configuration,
// execution, restore, listing, stats, and retention cleanup.
package backups

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/domestica-portal/domestica-portal/internal/backup"
)

// Handlers bundles the backup endpoints.
type Handlers struct {
	backups *backup.Service
}

// NewHandlers creates the backup endpoint handlers.
func NewHandlers(backups *backup.Service) *Handlers {
	return &Handlers{backups: backups}
}

// GetConfig returns the current backup configuration.
func (h *Handlers) GetConfig(c *gin.Context) {
	c.JSON(http.StatusOK, h.backups.Config())
}

// PutConfig replaces the backup configuration and reschedules the next
// automatic run.
func (h *Handlers) PutConfig(c *gin.Context) {
	var cfg backup.Config
	if err := c.ShouldBindJSON(&cfg); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "malformed backup configuration"})
		return
	}

	if !h.backups.Configure(c.Request.Context(), cfg) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "backup configuration rejected"})
		return
	}
	c.JSON(http.StatusOK, h.backups.Config())
}

// Execute runs a backup of the domain given by the :tipo path segment.
// Returns 409 when another backup is already in flight.
func (h *Handlers) Execute(c *gin.Context) {
	item, err := h.backups.Execute(c.Request.Context(), c.Param("tipo"))
	switch {
	case errors.Is(err, backup.ErrBackupRunning):
		c.JSON(http.StatusConflict, gin.H{"error": "a backup is already running"})
	case err != nil:
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	default:
		c.JSON(http.StatusCreated, item)
	}
}

// Restore rewrites the store keys captured by the backup whose id is in the
// path. The restore contract is a boolean, not an error: failures come back
// as restaurado=false with a 422.
func (h *Handlers) Restore(c *gin.Context) {
	// The route shares its parameter segment with the execute route, so the
	// backup id arrives under the "tipo" name.
	id := c.Param("tipo")

	if ok := h.backups.Restore(c.Request.Context(), id); !ok {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"restaurado": false})
		return
	}
	c.JSON(http.StatusOK, gin.H{"restaurado": true})
}

// List returns the backup list, most-recent-first.
func (h *Handlers) List(c *gin.Context) {
	items := h.backups.List()
	c.JSON(http.StatusOK, gin.H{
		"total":   len(items),
		"backups": items,
	})
}

// Stats returns counts by status, total bytes, and the next scheduled run.
func (h *Handlers) Stats(c *gin.Context) {
	c.JSON(http.StatusOK, h.backups.GetStats(c.Request.Context()))
}

// Cleanup removes backups past the configured retention window.
func (h *Handlers) Cleanup(c *gin.Context) {
	removed := h.backups.CleanupOldBackups(c.Request.Context())
	c.JSON(http.StatusOK, gin.H{"removidos": removed})
}
