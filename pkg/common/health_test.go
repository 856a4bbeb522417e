package common

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/ahrav/scanflow/pkg/common/logger"
)

func probe(h *HealthServer, path string) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	h.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec
}

func TestHealthServer(t *testing.T) {
	ready := new(atomic.Bool)
	h := NewHealthServer(":0", ready, logger.Noop())

	var dbErr error
	h.AddCheck("database", func(context.Context) error { return dbErr })

	assert.Equal(t, http.StatusOK, probe(h, "/health").Code)
	assert.Equal(t, http.StatusServiceUnavailable, probe(h, "/readiness").Code)

	ready.Store(true)
	rec := probe(h, "/readiness")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "Ready", rec.Body.String())

	dbErr = errors.New("connection refused")
	rec = probe(h, "/readiness")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), "database: connection refused")
}
