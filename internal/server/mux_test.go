package server

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var quietLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

func TestHealth_ReportsRoomStates(t *testing.T) {
	h := NewMux(MuxConfig{
		Status: func() map[string]string { return map[string]string{"r1": "live", "r2": "connecting"} },
		Logger: quietLogger,
	})

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var body healthResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "ok", body.Status)
	assert.Equal(t, map[string]string{"r1": "live", "r2": "connecting"}, body.Rooms)
}

func TestHealth_NoStatusFunc(t *testing.T) {
	h := NewMux(MuxConfig{Logger: quietLogger})

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok","rooms":{}}`, rec.Body.String())
}

func TestHealth_RejectsPost(t *testing.T) {
	h := NewMux(MuxConfig{Logger: quietLogger})

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/healthz", nil))

	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestMux_RoutesMCP(t *testing.T) {
	var hit bool

	h := NewMux(MuxConfig{
		MCPHandler: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			hit = true
			w.WriteHeader(http.StatusAccepted)
		}),
		Logger: quietLogger,
	})

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/mcp", nil))

	assert.True(t, hit)
	assert.Equal(t, http.StatusAccepted, rec.Code)
}

func TestMux_NoMCPHandler(t *testing.T) {
	h := NewMux(MuxConfig{Logger: quietLogger})

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/mcp", nil))

	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestStatusRecorder_Flush(t *testing.T) {
	rec := httptest.NewRecorder()
	sr := &statusRecorder{ResponseWriter: rec, status: http.StatusOK}

	sr.WriteHeader(http.StatusTeapot)
	sr.Flush()

	assert.Equal(t, http.StatusTeapot, sr.status)
	assert.True(t, rec.Flushed)
}
