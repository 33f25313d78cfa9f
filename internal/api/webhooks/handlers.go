// Package webhooks exposes webhook subscription management and the event
// ingest endpoint that feeds the delivery queue.
package webhooks

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/domestica-portal/domestica-portal/internal/webhook"
)

// Handlers bundles the webhook endpoints.
type Handlers struct {
	webhooks *webhook.Service
}

// NewHandlers creates the webhook endpoint handlers.
func NewHandlers(webhooks *webhook.Service) *Handlers {
	return &Handlers{webhooks: webhooks}
}

// Create registers a new subscription. The endpoint is probed with a HEAD
// request before the subscription is accepted.
func (h *Handlers) Create(c *gin.Context) {
	var sub webhook.Subscription
	if err := c.ShouldBindJSON(&sub); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "malformed subscription"})
		return
	}

	created, err := h.webhooks.Configure(c.Request.Context(), sub)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, created)
}

// List returns every registered subscription. The signing secret is shown
// exactly once, in the Create response; here it is blanked before
// serialization.
func (h *Handlers) List(c *gin.Context) {
	subs := h.webhooks.List()
	for i := range subs {
		subs[i].Secret = ""
	}
	c.JSON(http.StatusOK, gin.H{
		"total":      len(subs),
		"inscricoes": subs,
	})
}

// Activate re-enables a subscription and clears its failure counters.
func (h *Handlers) Activate(c *gin.Context) {
	h.setActive(c, true)
}

// Deactivate disables a subscription without deleting it.
func (h *Handlers) Deactivate(c *gin.Context) {
	h.setActive(c, false)
}

func (h *Handlers) setActive(c *gin.Context, active bool) {
	var err error
	if active {
		err = h.webhooks.Activate(c.Request.Context(), c.Param("id"))
	} else {
		err = h.webhooks.Deactivate(c.Request.Context(), c.Param("id"))
	}
	if errors.Is(err, webhook.ErrSubscriptionNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "subscription not found"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"ativo": active})
}

// History returns the processed-event history, most-recent-first.
func (h *Handlers) History(c *gin.Context) {
	events := h.webhooks.History()
	c.JSON(http.StatusOK, gin.H{
		"total":   len(events),
		"eventos": events,
	})
}

// Stats returns subscription and queue counters.
func (h *Handlers) Stats(c *gin.Context) {
	c.JSON(http.StatusOK, h.webhooks.GetStats())
}

// IngestEvent accepts a processed eSocial event and queues it for fan-out.
// Delivery is asynchronous, so acceptance answers 202.
func (h *Handlers) IngestEvent(c *gin.Context) {
	var e webhook.Event
	if err := c.ShouldBindJSON(&e); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "malformed event"})
		return
	}

	if err := h.webhooks.ProcessIncomingEvent(c.Request.Context(), e); err != nil {
		if errors.Is(err, webhook.ErrInvalidEvent) {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"enfileirado": true})
}
