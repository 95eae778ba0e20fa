package app

import (
	"context"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	httpserver "github.com/agyc/orchestrator/internal/adapter/httpserver"
	"github.com/agyc/orchestrator/internal/config"
	"github.com/agyc/orchestrator/internal/dispatcher"
	"github.com/agyc/orchestrator/internal/domain"
	"github.com/agyc/orchestrator/internal/session"
)

type noopSession struct{}

func (noopSession) Start(context.Context) error    { return nil }
func (noopSession) Stop(context.Context) error      { return nil }
func (noopSession) IsHealthy(context.Context) bool { return true }
func (noopSession) RunTask(context.Context, domain.Result) (domain.Result, error) {
	return domain.Result{"content": "ok"}, nil
}

func TestBuildRouter_RoutesReachHandlers(t *testing.T) {
	handles := map[string]session.Handle{"a": {AccountID: "a", Session: noopSession{}, MaxConcurrency: 1}}
	d := dispatcher.New(config.DispatcherConfig{
		Routing: "round-robin", GlobalQueueSize: 10, PerAccountQueueSize: 10,
		TaskTimeoutSeconds: 5, HealthCheckIntervalSeconds: 10,
	}, handles)
	d.Start()
	defer d.Stop()

	r := BuildRouter(httpserver.NewServer(d), 5*time.Second)

	req := httptest.NewRequest("GET", "/healthz", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, 200, w.Code)

	req = httptest.NewRequest("GET", "/metrics", nil)
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, 200, w.Code)

	req = httptest.NewRequest("GET", "/metrics/http", nil)
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, 200, w.Code)
}
