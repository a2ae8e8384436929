package httphealth

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
)

func get(t *testing.T, h http.Handler, path string) int {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec.Code
}

func TestHealthzAlwaysOK(t *testing.T) {
	mux := NewMux(nil)
	assert.Equal(t, http.StatusOK, get(t, mux, "/healthz"))
}

func TestReadyzFlipsWithFlag(t *testing.T) {
	var ready Ready
	mux := NewMux(ready.IsReady)

	assert.Equal(t, http.StatusServiceUnavailable, get(t, mux, "/readyz"))
	ready.SetReady(true)
	assert.Equal(t, http.StatusOK, get(t, mux, "/readyz"))
}

func TestMetricsServed(t *testing.T) {
	mux := NewMux(nil)
	assert.Equal(t, http.StatusOK, get(t, mux, "/metrics"))
}
