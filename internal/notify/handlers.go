package notify

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/servilink/servilink/internal/idgen"
)

// Handler provides HTTP endpoints for subscription management
type Handler struct {
	store      Store
	dispatcher *Dispatcher
}

// NewHandler creates a new notification handler
func NewHandler(store Store, dispatcher *Dispatcher) *Handler {
	return &Handler{
		store:      store,
		dispatcher: dispatcher,
	}
}

// RegisterRoutes sets up subscription routes
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/notifications/subscriptions", h.CreateSubscription)
	r.GET("/providers/:providerId/notifications", h.ListProviderSubscriptions)
	r.DELETE("/notifications/subscriptions/:subscriptionId", h.DeleteSubscription)
}

// CreateSubscriptionRequest for creating a notification subscription
type CreateSubscriptionRequest struct {
	URL        string   `json:"url" binding:"required"`
	Events     []string `json:"events" binding:"required"`
	ProviderID string   `json:"providerId"`
}

// CreateSubscription handles POST /v1/notifications/subscriptions
func (h *Handler) CreateSubscription(c *gin.Context) {
	var req CreateSubscriptionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	if err := h.dispatcher.ValidateURL(req.URL); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_url",
			"message": err.Error(),
		})
		return
	}

	events := make([]EventType, len(req.Events))
	for i, e := range req.Events {
		events[i] = EventType(e)
	}

	secret := idgen.Hex(32)
	sub := &Subscription{
		ID:         idgen.WithPrefix("sub_"),
		ProviderID: req.ProviderID,
		URL:        req.URL,
		Secret:     secret,
		Events:     events,
		Active:     true,
		CreatedAt:  time.Now(),
	}

	if err := h.store.Create(c.Request.Context(), sub); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "create_failed",
			"message": "Failed to create subscription",
		})
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"subscription": gin.H{
			"id":         sub.ID,
			"url":        sub.URL,
			"events":     sub.Events,
			"providerId": sub.ProviderID,
			"active":     sub.Active,
			"createdAt":  sub.CreatedAt,
		},
		"secret": secret, // Only shown once!
		"usage": gin.H{
			"signature": "Verify with HMAC-SHA256(payload, secret)",
			"header":    "X-Servilink-Signature",
		},
	})
}

// ListProviderSubscriptions handles GET /v1/providers/:providerId/notifications
func (h *Handler) ListProviderSubscriptions(c *gin.Context) {
	providerID := c.Param("providerId")

	subs, err := h.store.GetByProvider(c.Request.Context(), providerID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "list_failed",
			"message": "Failed to list subscriptions",
		})
		return
	}

	// Don't expose secrets
	out := make([]gin.H, len(subs))
	for i, sub := range subs {
		out[i] = gin.H{
			"id":          sub.ID,
			"url":         sub.URL,
			"events":      sub.Events,
			"active":      sub.Active,
			"createdAt":   sub.CreatedAt,
			"lastSuccess": sub.LastSuccess,
			"lastError":   sub.LastError,
		}
	}

	c.JSON(http.StatusOK, gin.H{
		"subscriptions": out,
	})
}

// DeleteSubscription handles DELETE /v1/notifications/subscriptions/:subscriptionId
func (h *Handler) DeleteSubscription(c *gin.Context) {
	id := c.Param("subscriptionId")

	if err := h.store.Delete(c.Request.Context(), id); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "delete_failed",
			"message": "Failed to delete subscription",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"status":  "deleted",
		"message": "Subscription deleted",
	})
}
