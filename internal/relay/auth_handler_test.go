package relay

import (
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/websocket"
	"github.com/sarpel/privrelay/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func signTestToken(t *testing.T, secret []byte, userID string, iat, exp time.Time) string {
	t.Helper()
	claims := jwt.MapClaims{"sub": userID, "iat": iat.Unix(), "exp": exp.Unix()}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(secret)
	require.NoError(t, err)
	return signed
}

func newAuthTestServer(t *testing.T) (*httptest.Server, *config.Config, *Registry) {
	t.Helper()
	cfg := &config.Config{SecretKey: []byte("test-secret-at-least-32-bytes-ok")}
	registry := NewRegistry()
	handler := NewHandler(cfg, registry, &fakeStore{}, nil)

	router := gin.New()
	router.GET("/ws", handler.HandleConnection)
	server := httptest.NewServer(router)
	t.Cleanup(server.Close)
	return server, cfg, registry
}

func dialWithToken(t *testing.T, serverURL, token string) (*websocket.Conn, *websocket.Response, error) {
	t.Helper()
	u, _ := url.Parse(serverURL)
	u.Scheme = "ws"
	q := url.Values{}
	if token != "" {
		q.Set("token", token)
	}
	u.RawQuery = q.Encode()
	return websocket.DefaultDialer.Dial(u.String(), nil)
}

func TestHandleConnection_ExpiredTokenClosesWithPolicyViolation(t *testing.T) {
	server, cfg, _ := newAuthTestServer(t)
	expired := signTestToken(t, cfg.SecretKey, "user-a", time.Now().Add(-time.Hour), time.Now().Add(-time.Minute))

	conn, _, err := dialWithToken(t, server.URL, expired)
	require.NoError(t, err) // HTTP upgrade succeeds; rejection happens over the socket
	t.Cleanup(func() { conn.Close() })

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err = conn.ReadMessage()
	require.Error(t, err)
	closeErr, ok := err.(*websocket.CloseError)
	require.True(t, ok)
	assert.Equal(t, websocket.ClosePolicyViolation, closeErr.Code)
}

func TestHandleConnection_MissingTokenClosesWithPolicyViolation(t *testing.T) {
	server, _, _ := newAuthTestServer(t)

	conn, _, err := dialWithToken(t, server.URL, "")
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err = conn.ReadMessage()
	require.Error(t, err)
	closeErr, ok := err.(*websocket.CloseError)
	require.True(t, ok)
	assert.Equal(t, websocket.ClosePolicyViolation, closeErr.Code)
}

func TestHandleConnection_ValidTokenInstallsSession(t *testing.T) {
	server, cfg, registry := newAuthTestServer(t)
	valid := signTestToken(t, cfg.SecretKey, "user-a", time.Now(), time.Now().Add(30*time.Minute))

	conn, _, err := dialWithToken(t, server.URL, valid)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	require.Eventually(t, func() bool { return registry.Len() == 1 }, time.Second, 10*time.Millisecond)
}
