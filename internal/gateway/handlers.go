package gateway

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/metergate/metergate/internal/auth"
	"github.com/metergate/metergate/internal/validation"
)

// Handler provides HTTP endpoints for gateway operations.
type Handler struct {
	registry *Registry
}

// NewHandler creates a new gateway handler.
func NewHandler(registry *Registry) *Handler {
	return &Handler{registry: registry}
}

// RegisterRoutes sets up public (read-only) gateway routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/gateways", h.ListGateways)
	r.GET("/gateways/:slug", h.GetGateway)
}

// RegisterProtectedRoutes sets up protected (auth-required) gateway routes.
func (h *Handler) RegisterProtectedRoutes(r *gin.RouterGroup) {
	r.POST("/gateways", h.RegisterGateway)
	r.PUT("/gateways/:slug/price", h.UpdatePrice)
	r.DELETE("/gateways/:slug", h.Deactivate)
}

// RegisterGateway handles POST /v1/gateways
func (h *Handler) RegisterGateway(c *gin.Context) {
	var req RegisterRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	if errs := validation.Validate(
		validation.Required("slug", req.Slug),
		validation.ValidAddress("providerEvmAddress", req.ProviderEVMAddress),
	); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": errs.Error(),
			"details": errs,
		})
		return
	}

	gw, err := h.registry.Register(c.Request.Context(), auth.CallerIdentity(c), req)
	if err != nil {
		h.respondError(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{"gateway": gw})
}

// GetGateway handles GET /v1/gateways/:slug
func (h *Handler) GetGateway(c *gin.Context) {
	gw, err := h.registry.Get(c.Request.Context(), c.Param("slug"))
	if err != nil {
		h.respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"gateway": gw})
}

// ListGateways handles GET /v1/gateways
func (h *Handler) ListGateways(c *gin.Context) {
	limit := 50
	if l := c.Query("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 {
			limit = parsed
			if limit > 200 {
				limit = 200
			}
		}
	}

	gateways, err := h.registry.List(c.Request.Context(), limit)
	if err != nil {
		h.respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"gateways": gateways,
		"count":    len(gateways),
	})
}

// UpdatePrice handles PUT /v1/gateways/:slug/price
func (h *Handler) UpdatePrice(c *gin.Context) {
	var req UpdatePriceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	gw, err := h.registry.UpdatePrice(c.Request.Context(),
		auth.CallerIdentity(c), c.Param("slug"), req.PricePerRequest)
	if err != nil {
		h.respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"gateway": gw})
}

// Deactivate handles DELETE /v1/gateways/:slug
func (h *Handler) Deactivate(c *gin.Context) {
	gw, err := h.registry.Deactivate(c.Request.Context(),
		auth.CallerIdentity(c), c.Param("slug"))
	if err != nil {
		h.respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"gateway": gw})
}

func (h *Handler) respondError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, ErrEmptySlug), errors.Is(err, ErrSlugTooLong),
		errors.Is(err, ErrInvalidPrice):
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": err.Error(),
		})
	case errors.Is(err, ErrSlugTaken):
		c.JSON(http.StatusConflict, gin.H{
			"error":   "slug_taken",
			"message": err.Error(),
		})
	case errors.Is(err, ErrGatewayNotFound):
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "not_found",
			"message": err.Error(),
		})
	case errors.Is(err, ErrUnauthorized):
		c.JSON(http.StatusForbidden, gin.H{
			"error":   "unauthorized",
			"message": err.Error(),
		})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Unexpected error",
		})
	}
}
