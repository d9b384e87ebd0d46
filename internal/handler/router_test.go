package handler

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/proxylens/proxylens/internal/service"
)

func TestOpsRouter_Health(t *testing.T) {
	gin.SetMode(gin.TestMode)

	store := service.NewMemoryStore()
	healthy := NewOpsRouter(NewHealthHandler(map[string]Pinger{"store": store}), RouterConfig{MetricsEnabled: true})

	rec := httptest.NewRecorder()
	healthy.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var body healthResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "ok", body.Status)
	assert.Equal(t, "ok", body.Checks["store"])

	broken := NewOpsRouter(NewHealthHandler(map[string]Pinger{
		"store": store,
		"redis": PingFunc(func(context.Context) error { return errors.New("connection refused") }),
	}), RouterConfig{})

	rec = httptest.NewRecorder()
	broken.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "degraded", body.Status)
	assert.Equal(t, "connection refused", body.Checks["redis"])
}

func TestOpsRouter_Metrics(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := NewOpsRouter(NewHealthHandler(nil), RouterConfig{MetricsEnabled: true, MetricsPath: "/internal/metrics"})

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/internal/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "proxylens_http_latency_seconds")

	disabled := NewOpsRouter(NewHealthHandler(nil), RouterConfig{})
	rec = httptest.NewRecorder()
	disabled.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
