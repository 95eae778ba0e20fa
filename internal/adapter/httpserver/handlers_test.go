package httpserver

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agyc/orchestrator/internal/config"
	"github.com/agyc/orchestrator/internal/dispatcher"
	"github.com/agyc/orchestrator/internal/domain"
	"github.com/agyc/orchestrator/internal/session"
)

type stubSession struct {
	run func(ctx context.Context, req domain.Result) (domain.Result, error)
}

func (s *stubSession) Start(context.Context) error    { return nil }
func (s *stubSession) Stop(context.Context) error      { return nil }
func (s *stubSession) IsHealthy(context.Context) bool { return true }
func (s *stubSession) RunTask(ctx context.Context, req domain.Result) (domain.Result, error) {
	return s.run(ctx, req)
}

func testDispatcherConfig() config.DispatcherConfig {
	return config.DispatcherConfig{
		Routing:                    "round-robin",
		GlobalQueueSize:            50,
		PerAccountQueueSize:        50,
		TaskTimeoutSeconds:         5,
		HealthCheckIntervalSeconds: 10,
	}
}

func newTestServer(t *testing.T, run func(context.Context, domain.Result) (domain.Result, error)) (*Server, *dispatcher.Dispatcher) {
	t.Helper()
	handles := map[string]session.Handle{
		"acc1": {AccountID: "acc1", Session: &stubSession{run: run}, MaxConcurrency: 1},
	}
	d := dispatcher.New(testDispatcherConfig(), handles)
	d.Start()
	t.Cleanup(d.Stop)
	return NewServer(d), d
}

func TestHealthzHandler(t *testing.T) {
	srv, _ := newTestServer(t, nil)
	req := httptest.NewRequest("GET", "/healthz", nil)
	w := httptest.NewRecorder()
	srv.HealthzHandler()(w, req)

	assert.Equal(t, 200, w.Code)
	var body map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, true, body["ok"])
}

func TestMetricsHandler_NotReadyBeforeStart(t *testing.T) {
	d := dispatcher.New(testDispatcherConfig(), map[string]session.Handle{})
	srv := NewServer(d)
	req := httptest.NewRequest("GET", "/metrics", nil)
	w := httptest.NewRecorder()
	srv.MetricsHandler()(w, req)
	assert.Equal(t, 503, w.Code)
	assert.Equal(t, "dispatcher_not_ready 1\n", w.Body.String())
}

func TestMetricsHandler_ReadyAfterStart(t *testing.T) {
	srv, _ := newTestServer(t, func(context.Context, domain.Result) (domain.Result, error) {
		return domain.Result{"content": "ok"}, nil
	})
	req := httptest.NewRequest("GET", "/metrics", nil)
	w := httptest.NewRecorder()
	srv.MetricsHandler()(w, req)
	assert.Equal(t, 200, w.Code)
	assert.Contains(t, w.Body.String(), "agyc_accounts 1")
}

func TestMessagesHandler_Success(t *testing.T) {
	srv, _ := newTestServer(t, func(context.Context, domain.Result) (domain.Result, error) {
		return domain.Result{"content": "hello there"}, nil
	})
	body, _ := json.Marshal(map[string]any{"model": "claude", "messages": []any{map[string]any{"role": "user", "content": "hi"}}})
	req := httptest.NewRequest("POST", "/v1/messages", bytes.NewReader(body))
	w := httptest.NewRecorder()
	srv.MessagesHandler()(w, req)

	require.Equal(t, 200, w.Code)
	var resp map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "message", resp["type"])
	assert.Equal(t, "claude", resp["model"])
	content := resp["content"].([]any)[0].(map[string]any)
	assert.Equal(t, "hello there", content["text"])
	meta := resp["metadata"].(map[string]any)
	assert.Equal(t, "acc1", meta["account_id"])
}

func TestMessagesHandler_PassesThroughAlreadyShapedMessage(t *testing.T) {
	srv, _ := newTestServer(t, func(context.Context, domain.Result) (domain.Result, error) {
		return domain.Result{"type": "message", "id": "msg_x", "content": []any{map[string]any{"type": "text", "text": "raw passthrough"}}}, nil
	})
	body, _ := json.Marshal(map[string]any{"model": "claude", "messages": []any{"hi"}})
	req := httptest.NewRequest("POST", "/v1/messages", bytes.NewReader(body))
	w := httptest.NewRecorder()
	srv.MessagesHandler()(w, req)

	require.Equal(t, 200, w.Code)
	var resp map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "msg_x", resp["id"])
}

func TestMessagesHandler_ValidationFailure(t *testing.T) {
	srv, _ := newTestServer(t, nil)
	body, _ := json.Marshal(map[string]any{"model": "", "messages": []any{}})
	req := httptest.NewRequest("POST", "/v1/messages", bytes.NewReader(body))
	w := httptest.NewRecorder()
	srv.MessagesHandler()(w, req)
	assert.Equal(t, 400, w.Code)
}

func TestMessagesHandler_BadJSON(t *testing.T) {
	srv, _ := newTestServer(t, nil)
	req := httptest.NewRequest("POST", "/v1/messages", bytes.NewReader([]byte("{not json")))
	w := httptest.NewRecorder()
	srv.MessagesHandler()(w, req)
	assert.Equal(t, 400, w.Code)
}

func TestMessagesHandler_BackendErrorMapsToInternalServerError(t *testing.T) {
	srv, _ := newTestServer(t, func(context.Context, domain.Result) (domain.Result, error) {
		return nil, &domain.TaskBackendError{AccountID: "acc1", ExitCode: 1, Stderr: "boom"}
	})
	body, _ := json.Marshal(map[string]any{"model": "claude", "messages": []any{"hi"}})
	req := httptest.NewRequest("POST", "/v1/messages", bytes.NewReader(body))
	w := httptest.NewRecorder()
	srv.MessagesHandler()(w, req)
	assert.Equal(t, 500, w.Code)
}
