package keys

import (
	"net/http"
	"regexp"

	"github.com/gin-gonic/gin"
	"github.com/sarpel/privrelay/internal/config"
	"github.com/sarpel/privrelay/internal/storage"
)

// Handler handles registration and key-bundle HTTP endpoints.
type Handler struct {
	cfg     *config.Config
	db      *storage.Postgres
	service *Service
}

// NewHandler creates a new keys handler
func NewHandler(cfg *config.Config, db *storage.Postgres) *Handler {
	return &Handler{
		cfg:     cfg,
		db:      db,
		service: NewService(db),
	}
}

var phoneHashPattern = regexp.MustCompile(`^[0-9a-f]{64}$`)

// PreKeyRequest represents a one-time pre-key in requests
type PreKeyRequest struct {
	KeyID     int    `json:"key_id" binding:"required"`
	PublicKey string `json:"public_key" binding:"required"` // base64
}

// RegisterRequest is the request body for POST /api/v1/register
type RegisterRequest struct {
	PhoneHash       string          `json:"phone_hash" binding:"required"`
	IdentityKey     string          `json:"identity_key" binding:"required"`     // base64
	SignedPreKey    string          `json:"signed_prekey" binding:"required"`    // base64
	PrekeySignature string          `json:"prekey_signature" binding:"required"` // base64
	OneTimePrekeys  []PreKeyRequest `json:"one_time_prekeys"`
}

// Register upserts a user's key bundle and one-time prekey batch.
// POST /api/v1/register
func (h *Handler) Register(c *gin.Context) {
	var req RegisterRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}

	if !phoneHashPattern.MatchString(req.PhoneHash) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "phone_hash must be 64 lowercase hex characters"})
		return
	}

	bundle := RegisterBundle{
		PhoneHash:       req.PhoneHash,
		IdentityKey:     req.IdentityKey,
		SignedPreKey:    req.SignedPreKey,
		PrekeySignature: req.PrekeySignature,
	}
	for _, pk := range req.OneTimePrekeys {
		bundle.OneTimePrekeys = append(bundle.OneTimePrekeys, PreKeyUpload{
			KeyID:     pk.KeyID,
			PublicKey: pk.PublicKey,
		})
	}

	ctx := c.Request.Context()
	userID, err := h.service.Register(ctx, bundle)
	if err != nil {
		if err == ErrInvalidKey {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid key material"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to register"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"status":  "registered",
		"user_id": userID,
	})
}

// PreKeyResponse represents a one-time pre-key in responses
type PreKeyResponse struct {
	KeyID     int    `json:"key_id"`
	PublicKey string `json:"public_key"`
}

// BundleResponse is the response for GET /api/v1/keys/{phone_hash}
type BundleResponse struct {
	IdentityKey     string          `json:"identity_key"`
	SignedPreKey    string          `json:"signed_prekey"`
	PrekeySignature string          `json:"prekey_signature"`
	OneTimePrekey   *PreKeyResponse `json:"one_time_prekey"`
}

// FetchBundle dispenses a key bundle, atomically consuming one prekey.
// GET /api/v1/keys/{phone_hash}
func (h *Handler) FetchBundle(c *gin.Context) {
	phoneHash := c.Param("phone_hash")
	if !phoneHashPattern.MatchString(phoneHash) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "phone_hash must be 64 lowercase hex characters"})
		return
	}

	ctx := c.Request.Context()
	bundle, err := h.service.FetchBundle(ctx, phoneHash)
	if err != nil {
		if err == ErrNoKeys {
			c.JSON(http.StatusNotFound, gin.H{"error": "user not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to fetch key bundle"})
		return
	}

	response := BundleResponse{
		IdentityKey:     bundle.IdentityKey,
		SignedPreKey:    bundle.SignedPreKey,
		PrekeySignature: bundle.PrekeySignature,
	}
	if bundle.OneTimePrekey != nil {
		response.OneTimePrekey = &PreKeyResponse{
			KeyID:     bundle.OneTimePrekey.KeyID,
			PublicKey: bundle.OneTimePrekey.PublicKey,
		}
	}

	c.JSON(http.StatusOK, response)
}
