package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/budgierless/spark-advisory-engine/pkg/config"
	"github.com/budgierless/spark-advisory-engine/pkg/packetstore"
	"github.com/budgierless/spark-advisory-engine/pkg/sessionstate"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func newTestServer(t *testing.T) (*Server, *packetstore.FileStore) {
	t.Helper()
	sessions, err := sessionstate.NewStore(t.TempDir())
	require.NoError(t, err)
	packets, err := packetstore.NewFileStore(t.TempDir(), packetstore.DefaultConfig())
	require.NoError(t, err)
	return NewServer(sessions, packets, config.NewManager(t.TempDir()+"/tuneables.json"), nil), packets
}

func TestHealth(t *testing.T) {
	s, _ := newTestServer(t)
	router := gin.New()
	s.Register(router, false)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestStatus_IncludesConfigSnapshot(t *testing.T) {
	s, _ := newTestServer(t)
	router := gin.New()
	s.Register(router, false)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/status", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Contains(t, body, "config")
}

func TestGetSession_NotFound(t *testing.T) {
	s, _ := newTestServer(t)
	router := gin.New()
	s.Register(router, false)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/sessions/does-not-exist", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestGetSession_Found(t *testing.T) {
	s, _ := newTestServer(t)
	state := sessionstate.New("sess-1", time.Now())
	require.NoError(t, s.sessions.Save(state, time.Now()))

	router := gin.New()
	s.Register(router, false)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/sessions/sess-1", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestListPackets_EmptyStoreReturnsEmptyList(t *testing.T) {
	s, _ := newTestServer(t)
	router := gin.New()
	s.Register(router, false)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/packets", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Packets []packetstore.PacketSummary `json:"packets"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Empty(t, body.Packets)
}

func TestRecordFeedback_UnknownPacketReturns404(t *testing.T) {
	s, _ := newTestServer(t)
	router := gin.New()
	s.Register(router, false)

	body, _ := json.Marshal(feedbackRequest{PacketID: "missing", Source: "dashboard"})
	req := httptest.NewRequest(http.MethodPost, "/feedback", bytes.NewReader(body))
	req.RemoteAddr = "127.0.0.1:5555"
	req.Header.Set("Content-Type", "application/json")

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestRecordFeedback_RequiresPacketOrAdviceID(t *testing.T) {
	s, _ := newTestServer(t)
	router := gin.New()
	s.Register(router, false)

	body, _ := json.Marshal(feedbackRequest{Source: "dashboard"})
	req := httptest.NewRequest(http.MethodPost, "/feedback", bytes.NewReader(body))
	req.RemoteAddr = "127.0.0.1:5555"
	req.Header.Set("Content-Type", "application/json")

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestInvalidate_RemoteRequestRejectedByDefault(t *testing.T) {
	s, _ := newTestServer(t)
	router := gin.New()
	s.Register(router, false)

	body, _ := json.Marshal(invalidateRequest{PacketID: "pkt-1", Reason: "manual"})
	req := httptest.NewRequest(http.MethodPost, "/invalidate", bytes.NewReader(body))
	req.RemoteAddr = "203.0.113.5:5555"
	req.Header.Set("Content-Type", "application/json")

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestInvalidate_RemoteRequestAllowedWithFlag(t *testing.T) {
	s, _ := newTestServer(t)
	router := gin.New()
	s.Register(router, true)

	body, _ := json.Marshal(invalidateRequest{PacketID: "pkt-1", Reason: "manual"})
	req := httptest.NewRequest(http.MethodPost, "/invalidate", bytes.NewReader(body))
	req.RemoteAddr = "203.0.113.5:5555"
	req.Header.Set("Content-Type", "application/json")

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	// Unknown packet still 404s, but it got past the IP gate to reach the handler.
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestIsLoopback(t *testing.T) {
	assert.True(t, isLoopback("127.0.0.1"))
	assert.True(t, isLoopback("::1"))
	assert.False(t, isLoopback("203.0.113.5"))
	assert.False(t, isLoopback("not-an-ip"))
}
