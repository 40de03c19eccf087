package session

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/metergate/metergate/internal/auth"
	"github.com/metergate/metergate/internal/gateway"
	"github.com/metergate/metergate/internal/pagination"
	"github.com/metergate/metergate/internal/validation"
)

// Handler provides HTTP endpoints for session operations.
type Handler struct {
	ledger *Ledger
}

// NewHandler creates a new session handler.
func NewHandler(ledger *Ledger) *Handler {
	return &Handler{ledger: ledger}
}

// RegisterRoutes sets up public (read-only) session routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/sessions/:id", h.GetSession)
}

// RegisterProtectedRoutes sets up protected (auth-required) session routes.
func (h *Handler) RegisterProtectedRoutes(r *gin.RouterGroup) {
	r.POST("/sessions", h.OpenSession)
	r.GET("/sessions", h.ListSessions)
	r.POST("/sessions/:id/usage", h.RecordUsage)
	r.POST("/sessions/:id/settle", h.SettleSession)
	r.POST("/sessions/:id/cancel", h.CancelSession)
}

// OpenSession handles POST /v1/sessions
func (h *Handler) OpenSession(c *gin.Context) {
	var req OpenRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	if errs := validation.Validate(
		validation.Required("gatewaySlug", req.GatewaySlug),
		validation.ValidAddress("agentEvmAddress", req.AgentEVMAddress),
	); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": errs.Error(),
			"details": errs,
		})
		return
	}

	s, err := h.ledger.Open(c.Request.Context(), auth.CallerIdentity(c), req)
	if err != nil {
		h.respondError(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{"session": s})
}

// GetSession handles GET /v1/sessions/:id
func (h *Handler) GetSession(c *gin.Context) {
	s, err := h.ledger.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"session": s})
}

// ListSessions handles GET /v1/sessions
//
// Defaults to the caller's own sessions; ?all=true lists across agents.
// Pages are cursor-based: pass the returned nextCursor to continue.
func (h *Handler) ListSessions(c *gin.Context) {
	limit := 50
	if l := c.Query("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 {
			limit = parsed
			if limit > 200 {
				limit = 200
			}
		}
	}

	var opts []ListOption
	if cursor := c.Query("cursor"); cursor != "" {
		opts = append(opts, WithCursor(cursor))
	}

	// Fetch one extra row to learn whether another page exists.
	var sessions []*Session
	var err error
	if c.Query("all") == "true" {
		sessions, err = h.ledger.List(c.Request.Context(), limit+1, opts...)
	} else {
		sessions, err = h.ledger.ListByAgent(c.Request.Context(), auth.CallerIdentity(c), limit+1, opts...)
	}
	if err != nil {
		h.respondError(c, err)
		return
	}

	page, next, more := pagination.ComputePage(sessions, limit, func(s *Session) (time.Time, string) {
		return s.CreatedAt, s.ID
	})

	c.JSON(http.StatusOK, gin.H{
		"sessions":   page,
		"count":      len(page),
		"nextCursor": next,
		"hasMore":    more,
	})
}

// RecordUsage handles POST /v1/sessions/:id/usage
func (h *Handler) RecordUsage(c *gin.Context) {
	var req UsageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	if errs := validation.Validate(
		validation.Positive("amount", req.Amount),
	); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": errs.Error(),
			"details": errs,
		})
		return
	}

	s, err := h.ledger.RecordUsage(c.Request.Context(), auth.CallerIdentity(c), c.Param("id"), req.Amount)
	if err != nil {
		h.respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"session": s})
}

// SettleSession handles POST /v1/sessions/:id/settle
func (h *Handler) SettleSession(c *gin.Context) {
	s, err := h.ledger.Settle(c.Request.Context(), auth.CallerIdentity(c), c.Param("id"))
	if err != nil {
		h.respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"session": s})
}

// CancelSession handles POST /v1/sessions/:id/cancel
func (h *Handler) CancelSession(c *gin.Context) {
	s, err := h.ledger.Cancel(c.Request.Context(), auth.CallerIdentity(c), c.Param("id"))
	if err != nil {
		h.respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"session": s})
}

func (h *Handler) respondError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, ErrInvalidDeposit), errors.Is(err, ErrInvalidDuration),
		errors.Is(err, ErrAmountOverflow):
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": err.Error(),
		})
	case errors.Is(err, ErrSessionNotFound), errors.Is(err, gateway.ErrGatewayNotFound):
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "not_found",
			"message": err.Error(),
		})
	case errors.Is(err, ErrUnauthorized):
		c.JSON(http.StatusForbidden, gin.H{
			"error":   "unauthorized",
			"message": err.Error(),
		})
	case errors.Is(err, ErrSessionExists):
		c.JSON(http.StatusConflict, gin.H{
			"error":   "session_exists",
			"message": err.Error(),
		})
	case errors.Is(err, ErrSessionNotActive), errors.Is(err, ErrSessionExpired),
		errors.Is(err, ErrCannotCancelWithUsage), errors.Is(err, ErrUsageExceedsDeposit),
		errors.Is(err, gateway.ErrGatewayNotActive):
		c.JSON(http.StatusConflict, gin.H{
			"error":   "precondition_failed",
			"message": err.Error(),
		})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Unexpected error",
		})
	}
}
