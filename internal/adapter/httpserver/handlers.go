package httpserver

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/agyc/orchestrator/internal/dispatcher"
	"github.com/agyc/orchestrator/internal/domain"
	"github.com/agyc/orchestrator/pkg/textx"
)

// Server aggregates the dispatcher and exposes it over HTTP.
type Server struct {
	Dispatcher *dispatcher.Dispatcher
	StartedAt  time.Time
}

// NewServer constructs an HTTP server fronting d.
func NewServer(d *dispatcher.Dispatcher) *Server {
	return &Server{Dispatcher: d, StartedAt: time.Now()}
}

var (
	vldOnce sync.Once
	vld     *validator.Validate
)

func getValidator() *validator.Validate {
	vldOnce.Do(func() { vld = validator.New() })
	return vld
}

// messageRequest mirrors the wire shape of /v1/messages: the rest of the
// body travels opaquely to the session's task_command as a JSON map.
type messageRequest struct {
	Model    string `json:"model" validate:"required"`
	Messages []any  `json:"messages" validate:"required,min=1"`
}

// HealthzHandler reports liveness unconditionally: the process is up.
func (s *Server) HealthzHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"ok": true, "ts": time.Now().Unix()})
	}
}

// MetricsHandler serves the dispatcher's hand-rolled Prometheus text, or 503
// if the dispatcher has not finished starting (or is shutting down).
func (s *Server) MetricsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.Dispatcher == nil || !s.Dispatcher.Ready() {
			w.Header().Set("Content-Type", "text/plain; charset=utf-8")
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte("dispatcher_not_ready 1\n"))
			return
		}
		w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
		_, _ = w.Write([]byte(s.Dispatcher.MetricsText()))
	}
}

// MessagesHandler validates and submits a task, then shapes the dispatcher's
// result into an Anthropic-style message envelope when the backend did not
// already return one (spec.md §6, supplemented from the original API's
// response-shaping fallback order: content -> raw -> %v of the whole map).
func (s *Server) MessagesHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req messageRequest
		body, err := decodeBody(r, &req)
		if err != nil {
			writeError(w, fmt.Errorf("%w: %v", domain.ErrInvalidArgument, err), nil)
			return
		}
		if verr := getValidator().Struct(req); verr != nil {
			fields := map[string]string{}
			if ve, ok := verr.(validator.ValidationErrors); ok {
				for _, fe := range ve {
					fields[fe.Field()] = fe.Tag()
				}
			}
			writeError(w, fmt.Errorf("%w: validation failed", domain.ErrInvalidArgument), fields)
			return
		}

		if s.Dispatcher == nil || !s.Dispatcher.Ready() {
			writeError(w, fmt.Errorf("%w: dispatcher not ready", domain.ErrShutdown), nil)
			return
		}

		result, err := s.Dispatcher.Submit(r.Context(), body)
		if err != nil {
			writeError(w, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, shapeResponse(req.Model, result))
	}
}

func decodeBody(r *http.Request, req *messageRequest) (domain.Result, error) {
	raw := make(domain.Result)
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(&raw); err != nil {
		return nil, err
	}
	b, err := json.Marshal(raw)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(b, req); err != nil {
		return nil, err
	}
	return raw, nil
}

// shapeResponse passes an already-well-formed message through unchanged, and
// otherwise wraps a bare task result into the envelope format callers expect.
func shapeResponse(model string, result domain.Result) domain.Result {
	if t, _ := result["type"].(string); t == "message" {
		return result
	}

	accountID := accountIDOf(result)
	return domain.Result{
		"id":    "msg_" + strings.ReplaceAll(uuid.New().String(), "-", "")[:16],
		"type":  "message",
		"role":  "assistant",
		"model": model,
		"content": []domain.Result{
			{"type": "text", "text": extractText(result)},
		},
		"metadata": metadataWithAccount(accountID),
	}
}

func accountIDOf(result domain.Result) string {
	if meta, ok := result["metadata"].(map[string]any); ok {
		if id, ok := meta["account_id"].(string); ok {
			return id
		}
	}
	if id, ok := result["account_id"].(string); ok {
		return id
	}
	return ""
}

func metadataWithAccount(accountID string) map[string]any {
	if accountID == "" {
		return map[string]any{}
	}
	return map[string]any{"account_id": accountID}
}

// extractText implements the original API's fallback chain: a string
// "content" field, else a stringified "raw" field, else the whole map. Task
// backends are untrusted external processes, so whatever they emit is
// sanitized before it reaches an HTTP caller.
func extractText(result domain.Result) string {
	if c, ok := result["content"].(string); ok {
		return textx.SanitizeText(c)
	}
	if raw, ok := result["raw"]; ok {
		return textx.SanitizeText(fmt.Sprintf("%v", raw))
	}
	return textx.SanitizeText(fmt.Sprintf("%v", map[string]any(result)))
}

