package settlement

import (
	"errors"
	"net/http"
	"net/url"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/metergate/metergate/internal/auth"
)

// Handler provides HTTP endpoints for settlement records and relay
// subscriptions.
type Handler struct {
	engine     *Engine
	dispatcher *Dispatcher
}

// NewHandler creates a new settlement handler.
func NewHandler(engine *Engine, dispatcher *Dispatcher) *Handler {
	return &Handler{engine: engine, dispatcher: dispatcher}
}

// RegisterRoutes sets up public (read-only) settlement routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/settlements", h.ListRecords)
	r.GET("/settlements/:id", h.GetRecord)
	r.POST("/settlements/verify", h.VerifyRecord)
}

// RegisterProtectedRoutes sets up protected relay subscription routes.
func (h *Handler) RegisterProtectedRoutes(r *gin.RouterGroup) {
	r.POST("/relay/subscriptions", h.Subscribe)
	r.GET("/relay/subscriptions", h.ListSubscriptions)
	r.DELETE("/relay/subscriptions/:id", h.Unsubscribe)
}

// GetRecord handles GET /v1/settlements/:id
func (h *Handler) GetRecord(c *gin.Context) {
	r, err := h.engine.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"record": r})
}

// ListRecords handles GET /v1/settlements
//
// With ?session= it returns the single record for that session.
func (h *Handler) ListRecords(c *gin.Context) {
	if sessionID := c.Query("session"); sessionID != "" {
		r, err := h.engine.GetBySession(c.Request.Context(), sessionID)
		if err != nil {
			h.respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"records": []*Record{r}, "count": 1})
		return
	}

	limit := 50
	if l := c.Query("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 {
			limit = parsed
			if limit > 200 {
				limit = 200
			}
		}
	}

	records, err := h.engine.List(c.Request.Context(), limit)
	if err != nil {
		h.respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"records": records,
		"count":   len(records),
	})
}

// VerifyRecord handles POST /v1/settlements/verify
func (h *Handler) VerifyRecord(c *gin.Context) {
	var req VerifyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	resp, err := h.engine.Verify(c.Request.Context(), req.RecordID)
	if err != nil {
		h.respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, resp)
}

// Subscribe handles POST /v1/relay/subscriptions
func (h *Handler) Subscribe(c *gin.Context) {
	var req SubscribeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	if u, err := url.Parse(req.URL); err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": "url must be a valid http(s) URL",
		})
		return
	}

	sub, err := h.dispatcher.Subscribe(c.Request.Context(), auth.CallerIdentity(c), req)
	if err != nil {
		h.respondError(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{"subscription": sub})
}

// ListSubscriptions handles GET /v1/relay/subscriptions
func (h *Handler) ListSubscriptions(c *gin.Context) {
	subs, err := h.dispatcher.Subscriptions(c.Request.Context(), auth.CallerIdentity(c))
	if err != nil {
		h.respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"subscriptions": subs,
		"count":         len(subs),
	})
}

// Unsubscribe handles DELETE /v1/relay/subscriptions/:id
func (h *Handler) Unsubscribe(c *gin.Context) {
	err := h.dispatcher.Unsubscribe(c.Request.Context(), auth.CallerIdentity(c), c.Param("id"))
	if err != nil {
		h.respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"deleted": true})
}

func (h *Handler) respondError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, ErrRecordNotFound), errors.Is(err, ErrSubscriptionNotFound):
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "not_found",
			"message": err.Error(),
		})
	case errors.Is(err, ErrNotSubscriptionOwner):
		c.JSON(http.StatusForbidden, gin.H{
			"error":   "unauthorized",
			"message": err.Error(),
		})
	case errors.Is(err, ErrRecordExists):
		c.JSON(http.StatusConflict, gin.H{
			"error":   "record_exists",
			"message": err.Error(),
		})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Unexpected error",
		})
	}
}
