package payments

import (
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/servilink/servilink/internal/accounts"
	"github.com/servilink/servilink/internal/money"
)

// Handler provides HTTP endpoints for the payment engine.
type Handler struct {
	service *Service
}

// NewHandler creates a new payments handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes sets up public (read-only) payment routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/payments/:id", h.GetPayment)
	r.GET("/payments/:id/status", h.GetStatus)
	r.GET("/orders/:orderRef/payments", h.ListByOrder)
}

// RegisterProtectedRoutes sets up protected (auth-required) payment routes.
func (h *Handler) RegisterProtectedRoutes(r *gin.RouterGroup) {
	r.POST("/payments", h.CreateIntent)
	r.POST("/payments/confirm", h.Confirm)
	r.POST("/payments/:id/release", h.Release)
	r.POST("/payments/:id/refund", h.Refund)
	r.POST("/payments/:id/cancel", h.Cancel)
	r.GET("/reports/payments", h.Report)
}

// CreateIntent handles POST /v1/payments
func (h *Handler) CreateIntent(c *gin.Context) {
	var req CreateIntentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	result, err := h.service.CreateIntent(c.Request.Context(), req)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{"payment": result})
}

type confirmRequest struct {
	IntentID string `json:"intentId" binding:"required"`
}

// Confirm handles POST /v1/payments/confirm. It is the synchronous
// counterpart to the intent-succeeded webhook and safe to race with it.
func (h *Handler) Confirm(c *gin.Context) {
	var req confirmRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "intentId is required",
		})
		return
	}

	p, err := h.service.ConfirmCapture(c.Request.Context(), req.IntentID)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"payment": p})
}

// GetPayment handles GET /v1/payments/:id
func (h *Handler) GetPayment(c *gin.Context) {
	p, err := h.service.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"payment": p})
}

// GetStatus handles GET /v1/payments/:id/status
func (h *Handler) GetStatus(c *gin.Context) {
	status, err := h.service.GetStatus(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": status})
}

// ListByOrder handles GET /v1/orders/:orderRef/payments
func (h *Handler) ListByOrder(c *gin.Context) {
	payments, err := h.service.ListByOrderRef(c.Request.Context(), c.Param("orderRef"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"payments": payments, "count": len(payments)})
}

type amountRequest struct {
	Amount money.Amount `json:"amount"`
	Reason string       `json:"reason"`
}

// Release handles POST /v1/payments/:id/release
func (h *Handler) Release(c *gin.Context) {
	var req amountRequest
	// An empty body means full amount, no reason.
	if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	p, err := h.service.Release(c.Request.Context(), c.Param("id"), req.Amount, req.Reason)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"payment": p})
}

// Refund handles POST /v1/payments/:id/refund
func (h *Handler) Refund(c *gin.Context) {
	var req amountRequest
	// An empty body means full amount, no reason.
	if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	p, err := h.service.Refund(c.Request.Context(), c.Param("id"), req.Amount, req.Reason)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"payment": p})
}

// Cancel handles POST /v1/payments/:id/cancel
func (h *Handler) Cancel(c *gin.Context) {
	p, err := h.service.Cancel(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"payment": p})
}

// Report handles GET /v1/reports/payments
func (h *Handler) Report(c *gin.Context) {
	filter := ReportFilter{
		OrderRef:   c.Query("orderRef"),
		ProviderID: c.Query("providerId"),
	}
	if s := c.Query("status"); s != "" {
		st, ok := ParseStatus(s)
		if !ok {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_request",
				"message": "Unknown status " + s,
			})
			return
		}
		filter.Status = st
	}
	if v := c.Query("from"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_request",
				"message": "from must be RFC 3339",
			})
			return
		}
		filter.From = t
	}
	if v := c.Query("to"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_request",
				"message": "to must be RFC 3339",
			})
			return
		}
		filter.To = t
	}

	report, err := h.service.BuildReport(c.Request.Context(), filter)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"report": report})
}

// respondError maps service sentinels to HTTP responses.
func respondError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	code := "internal_error"
	switch {
	case errors.Is(err, ErrPaymentNotFound), errors.Is(err, accounts.ErrAccountNotFound):
		status = http.StatusNotFound
		code = "not_found"
	case errors.Is(err, ErrInvalidAmount), errors.Is(err, ErrAmountMismatch):
		status = http.StatusBadRequest
		code = "invalid_amount"
	case errors.Is(err, ErrDuplicatePayment):
		status = http.StatusConflict
		code = "duplicate_payment"
	case errors.Is(err, ErrCannotUpdate):
		status = http.StatusConflict
		code = "cannot_update"
	case errors.Is(err, accounts.ErrPayoutsDisabled):
		status = http.StatusForbidden
		code = "payouts_disabled"
	case errors.Is(err, ErrTechnical):
		status = http.StatusBadGateway
		code = "technical_error"
	}
	c.JSON(status, gin.H{"error": code, "message": err.Error()})
}
