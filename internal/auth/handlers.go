package auth

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// Handler provides HTTP endpoints for identity and key management.
type Handler struct {
	manager *Manager
}

// NewHandler creates a new auth handler.
func NewHandler(m *Manager) *Handler {
	return &Handler{manager: m}
}

// NewIdentityRequest is the request body for issuing a new identity.
type NewIdentityRequest struct {
	Name string `json:"name"`
}

// CreateKeyRequest is the request body for creating an additional key.
type CreateKeyRequest struct {
	Name string `json:"name"`
}

// NewIdentity handles POST /v1/identities.
// Issues a fresh identity plus its first API key. The raw key is shown once.
func (h *Handler) NewIdentity(c *gin.Context) {
	var req NewIdentityRequest
	_ = c.ShouldBindJSON(&req) // name is optional

	rawKey, key, err := h.manager.NewIdentity(c.Request.Context(), req.Name)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to issue identity",
		})
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"identity": key.Identity,
		"apiKey":   rawKey,
		"keyId":    key.ID,
		"note":     "Store the apiKey securely. It will not be shown again.",
	})
}

// Me handles GET /v1/auth/me.
func (h *Handler) Me(c *gin.Context) {
	key, ok := GetAPIKey(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"identity": key.Identity,
		"keyId":    key.ID,
		"keyName":  key.Name,
	})
}

// ListKeys returns API keys for the authenticated identity.
func (h *Handler) ListKeys(c *gin.Context) {
	key, ok := GetAPIKey(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	keys, err := h.manager.ListKeys(c.Request.Context(), key.Identity)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list keys"})
		return
	}

	// Don't expose hashes
	safeKeys := make([]gin.H, len(keys))
	for i, k := range keys {
		safeKeys[i] = gin.H{
			"id":        k.ID,
			"name":      k.Name,
			"createdAt": k.CreatedAt,
			"lastUsed":  k.LastUsed,
			"revoked":   k.Revoked,
		}
	}

	c.JSON(http.StatusOK, gin.H{
		"keys":  safeKeys,
		"count": len(safeKeys),
	})
}

// CreateKey issues an additional API key for the authenticated identity.
func (h *Handler) CreateKey(c *gin.Context) {
	key, ok := GetAPIKey(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	var req CreateKeyRequest
	_ = c.ShouldBindJSON(&req)

	rawKey, newKey, err := h.manager.GenerateKey(c.Request.Context(), key.Identity, req.Name)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to create key"})
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"apiKey": rawKey,
		"keyId":  newKey.ID,
		"note":   "Store the apiKey securely. It will not be shown again.",
	})
}

// RevokeKey revokes an API key owned by the authenticated identity.
func (h *Handler) RevokeKey(c *gin.Context) {
	key, ok := GetAPIKey(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	keyID := c.Param("keyId")
	if err := h.manager.RevokeKey(c.Request.Context(), keyID, key.Identity); err != nil {
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "not_found",
			"message": "API key not found",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{"revoked": keyID})
}
