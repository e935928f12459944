package auth

import (
	"bytes"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func TestTokenRequest_Validation(t *testing.T) {
	validHash := strings.Repeat("a", 64)
	validSig := strings.Repeat("b", 128)

	tests := []struct {
		name           string
		body           map[string]interface{}
		expectedStatus int
	}{
		{
			name:           "missing fields",
			body:           map[string]interface{}{},
			expectedStatus: http.StatusBadRequest,
		},
		{
			name: "phone_hash too short",
			body: map[string]interface{}{
				"phone_hash": "abc",
				"nonce":      strings.Repeat("n", 32),
				"signature":  validSig,
			},
			expectedStatus: http.StatusBadRequest,
		},
		{
			name: "phone_hash uppercase rejected",
			body: map[string]interface{}{
				"phone_hash": strings.ToUpper(validHash),
				"nonce":      strings.Repeat("n", 32),
				"signature":  validSig,
			},
			expectedStatus: http.StatusBadRequest,
		},
		{
			name: "nonce too short",
			body: map[string]interface{}{
				"phone_hash": validHash,
				"nonce":      "short",
				"signature":  validSig,
			},
			expectedStatus: http.StatusBadRequest,
		},
		{
			name: "signature wrong length",
			body: map[string]interface{}{
				"phone_hash": validHash,
				"nonce":      strings.Repeat("n", 32),
				"signature":  "deadbeef",
			},
			expectedStatus: http.StatusBadRequest,
		},
	}

	h := &Handler{}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			router := gin.New()
			router.POST("/token", h.IssueToken)

			body, _ := json.Marshal(tt.body)
			req := httptest.NewRequest("POST", "/token", bytes.NewReader(body))
			req.Header.Set("Content-Type", "application/json")
			w := httptest.NewRecorder()
			router.ServeHTTP(w, req)

			assert.Equal(t, tt.expectedStatus, w.Code)
		})
	}
}

func TestEd25519ProofOfPossession(t *testing.T) {
	pubKey, privKey, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)

	nonce := "authenticate-me-please-1234567890"
	signature := ed25519.Sign(privKey, []byte(nonce))

	assert.True(t, ed25519.Verify(pubKey, []byte(nonce), signature))
	assert.False(t, ed25519.Verify(pubKey, []byte("different-nonce"), signature))

	otherPubKey, _, _ := ed25519.GenerateKey(rand.Reader)
	assert.False(t, ed25519.Verify(otherPubKey, []byte(nonce), signature))

	assert.Equal(t, 128, len(hex.EncodeToString(signature)))
}

func TestVerifyToken_RoundTrip(t *testing.T) {
	secret := []byte("a-very-secret-signing-key-of-32b")
	userID := "11111111-1111-1111-1111-111111111111"

	now := time.Now()
	claims := jwt.MapClaims{
		"sub": userID,
		"iat": now.Unix(),
		"exp": now.Add(TokenTTL).Unix(),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(secret)
	require.NoError(t, err)

	got, err := VerifyToken(signed, secret)
	require.NoError(t, err)
	assert.Equal(t, userID, got)
}

func TestVerifyToken_Expired(t *testing.T) {
	secret := []byte("a-very-secret-signing-key-of-32b")

	past := time.Now().Add(-1 * time.Hour)
	claims := jwt.MapClaims{
		"sub": "some-user",
		"iat": past.Unix(),
		"exp": past.Add(TokenTTL).Unix(), // expired 30 minutes ago
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(secret)
	require.NoError(t, err)

	_, err = VerifyToken(signed, secret)
	assert.Error(t, err)
}

func TestVerifyToken_WrongSecret(t *testing.T) {
	now := time.Now()
	claims := jwt.MapClaims{
		"sub": "some-user",
		"iat": now.Unix(),
		"exp": now.Add(TokenTTL).Unix(),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte("secret-one-thats-32-bytes-long!"))
	require.NoError(t, err)

	_, err = VerifyToken(signed, []byte("a-totally-different-secret-here"))
	assert.Error(t, err)
}
