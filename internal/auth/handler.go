package auth

import (
	"crypto/ed25519"
	"encoding/hex"
	"net/http"
	"regexp"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/sarpel/privrelay/internal/config"
	"github.com/sarpel/privrelay/internal/storage"
)

// TokenTTL is the bearer token lifetime: long enough to cover a WebSocket
// upgrade and reconnect window, short enough to bound damage from theft.
const TokenTTL = 30 * time.Minute

// Handler issues bearer tokens after proof-of-possession of a user's
// identity key. There is no password path: authentication is a valid
// Ed25519 signature over a client-supplied nonce, verified against the
// identity_key the user already advertised during registration.
type Handler struct {
	cfg *config.Config
	db  *storage.Postgres
}

// NewHandler creates a new auth handler
func NewHandler(cfg *config.Config, db *storage.Postgres) *Handler {
	return &Handler{cfg: cfg, db: db}
}

var (
	phoneHashPattern = regexp.MustCompile(`^[0-9a-f]{64}$`)
	signaturePattern = regexp.MustCompile(`^[0-9a-f]{128}$`)
)

// TokenRequest is the request body for POST /api/v1/auth/token
type TokenRequest struct {
	PhoneHash string `json:"phone_hash" binding:"required"`
	Nonce     string `json:"nonce" binding:"required"`
	Signature string `json:"signature" binding:"required"`
}

// TokenResponse is the response for a successful token issuance
type TokenResponse struct {
	Token     string `json:"token"`
	ExpiresIn int    `json:"expires_in"`
	UserID    string `json:"user_id"`
}

// IssueToken verifies proof-of-possession and mints a bearer token.
// POST /api/v1/auth/token
func (h *Handler) IssueToken(c *gin.Context) {
	var req TokenRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}

	if !phoneHashPattern.MatchString(req.PhoneHash) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "phone_hash must be 64 lowercase hex characters"})
		return
	}
	if len(req.Nonce) < 32 || len(req.Nonce) > 64 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "nonce must be 32-64 characters"})
		return
	}
	if !signaturePattern.MatchString(req.Signature) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "signature must be 128 hex characters"})
		return
	}

	ctx := c.Request.Context()

	var userID string
	var identityKey []byte
	err := h.db.Pool().QueryRow(ctx,
		"SELECT id, identity_key FROM users WHERE phone_hash = $1",
		req.PhoneHash,
	).Scan(&userID, &identityKey)
	if err != nil {
		// Generic failure: don't reveal whether the phone_hash is registered.
		c.JSON(http.StatusUnauthorized, gin.H{"error": "authentication failed"})
		return
	}

	signature, err := hex.DecodeString(req.Signature)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid signature encoding"})
		return
	}

	if len(identityKey) != ed25519.PublicKeySize || !ed25519.Verify(identityKey, []byte(req.Nonce), signature) {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "authentication failed"})
		return
	}

	now := time.Now()
	claims := jwt.MapClaims{
		"sub": userID,
		"iat": now.Unix(),
		"exp": now.Add(TokenTTL).Unix(),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	tokenString, err := token.SignedString(h.cfg.SecretKey)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to issue token"})
		return
	}

	_, _ = h.db.Pool().Exec(ctx, "UPDATE users SET last_seen = NOW() WHERE id = $1", userID)

	c.JSON(http.StatusOK, TokenResponse{
		Token:     tokenString,
		ExpiresIn: int(TokenTTL.Seconds()),
		UserID:    userID,
	})
}
