package routes

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"

	"sandboxengine/executor"
	"sandboxengine/internal"
	"sandboxengine/lang"
	"sandboxengine/model"
	"sandboxengine/service"
)

type stubSessions struct {
	started map[string]bool
	ended   int
}

func (s *stubSessions) StartSession(ctx context.Context, language, id string) (*model.StartSessionResponse, error) {
	if language == "cobol" {
		return nil, fmt.Errorf("%w: cobol", lang.ErrUnsupportedLanguage)
	}
	if language == "busy" {
		return nil, fmt.Errorf("%w: python pool exhausted", executor.ErrPoolTimeout)
	}
	if id == "" {
		id = "generated"
	}
	s.started[id] = true
	return &model.StartSessionResponse{SessionID: id, Language: language}, nil
}

func (s *stubSessions) ExecuteCode(ctx context.Context, id, code string) (*model.ExecuteResponse, error) {
	if !s.started[id] {
		return nil, service.ErrSessionNotFound
	}
	if strings.ContainsRune(code, 0) {
		return nil, internal.ValidateCode(code, 0)
	}
	return &model.ExecuteResponse{SessionID: id, Stdout: "42", ExecutionTime: 12}, nil
}

func (s *stubSessions) SendInput(ctx context.Context, id, input string) (*model.InputResponse, error) {
	if !s.started[id] {
		return nil, service.ErrSessionNotFound
	}
	return nil, service.ErrNoActiveProcess
}

func (s *stubSessions) EndSession(ctx context.Context, id string) error {
	s.ended++
	delete(s.started, id)
	return nil
}

func (s *stubSessions) Session(ctx context.Context, id string) (*model.SessionInfo, error) {
	if id == "flaky" {
		return nil, fmt.Errorf("failed to restore session flaky: %w", executor.ErrRuntimeUnavailable)
	}
	if !s.started[id] {
		return nil, service.ErrSessionNotFound
	}
	return &model.SessionInfo{SessionID: id, Language: "python"}, nil
}

type stubPool struct{}

func (stubPool) Stats() map[string]executor.PoolStats {
	return map[string]executor.PoolStats{"python": {Available: 2, MaxSize: 5}}
}

func newRouter() (*gin.Engine, *stubSessions) {
	gin.SetMode(gin.TestMode)
	sessions := &stubSessions{started: map[string]bool{"s1": true}}
	r := gin.New()
	SetupRoutes(r, NewHandler(sessions, stubPool{}, lang.NewRegistry(), 50*1024, nil))
	return r, sessions
}

func do(t *testing.T, r http.Handler, method, path string, body any) (int, model.Response) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	var resp model.Response
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("%s %s: bad body %q: %v", method, path, w.Body.String(), err)
	}
	if resp.StatusCode != w.Code {
		t.Errorf("%s %s: envelope status %d differs from %d", method, path, resp.StatusCode, w.Code)
	}
	return w.Code, resp
}

func TestRoutesStatusCodes(t *testing.T) {
	r, _ := newRouter()

	tests := []struct {
		name   string
		method string
		path   string
		body   any
		status int
		code   string
	}{
		{"start", http.MethodPost, "/session/start", map[string]string{"language": "python"}, 200, ""},
		{"start missing language", http.MethodPost, "/session/start", map[string]string{}, 400, "INVALID_REQUEST"},
		{"start unsupported", http.MethodPost, "/session/start", map[string]string{"language": "cobol"}, 400, "UNSUPPORTED_LANGUAGE"},
		{"start pool exhausted", http.MethodPost, "/session/start", map[string]string{"language": "busy"}, 503, "POOL_TIMEOUT"},
		{"execute", http.MethodPost, "/session/s1/execute", map[string]string{"code": "print(42)"}, 200, ""},
		{"execute missing code", http.MethodPost, "/session/s1/execute", map[string]string{}, 400, "INVALID_CODE"},
		{"execute too large", http.MethodPost, "/session/s1/execute", map[string]string{"code": strings.Repeat("x", 50*1024+1)}, 400, "CODE_SIZE_EXCEEDED"},
		{"execute NUL", http.MethodPost, "/session/s1/execute", map[string]string{"code": "a\x00b"}, 400, "INVALID_CODE"},
		{"execute unknown", http.MethodPost, "/session/nope/execute", map[string]string{"code": "print(42)"}, 404, "SESSION_NOT_FOUND"},
		{"input no process", http.MethodPost, "/session/s1/input", map[string]string{"input": "x"}, 400, "NO_ACTIVE_PROCESS"},
		{"get", http.MethodGet, "/session/s1", nil, 200, ""},
		{"get unknown", http.MethodGet, "/session/nope", nil, 404, "SESSION_NOT_FOUND"},
		{"get runtime down", http.MethodGet, "/session/flaky", nil, 503, "RUNTIME_UNAVAILABLE"},
		{"languages", http.MethodGet, "/languages", nil, 200, ""},
		{"pool stats", http.MethodGet, "/pool/stats", nil, 200, ""},
		{"health", http.MethodGet, "/health", nil, 200, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status, resp := do(t, r, tt.method, tt.path, tt.body)
			if status != tt.status {
				t.Fatalf("expected %d, got %d (%+v)", tt.status, status, resp.Error)
			}
			if resp.Success != (status == 200) {
				t.Errorf("success flag %v for status %d", resp.Success, status)
			}
			if tt.code != "" && (resp.Error == nil || resp.Error.Code != tt.code) {
				t.Errorf("expected error code %s, got %+v", tt.code, resp.Error)
			}
		})
	}
}

func TestRoutesEndIsIdempotent(t *testing.T) {
	r, sessions := newRouter()
	for i := 0; i < 2; i++ {
		if status, _ := do(t, r, http.MethodPost, "/session/s1/end", nil); status != 200 {
			t.Fatalf("end #%d returned %d", i+1, status)
		}
	}
	if sessions.ended != 2 {
		t.Errorf("expected both calls to reach the manager, got %d", sessions.ended)
	}
}

func TestRoutesLanguagesPayload(t *testing.T) {
	r, _ := newRouter()
	_, resp := do(t, r, http.MethodGet, "/languages", nil)

	data, _ := json.Marshal(resp.Data)
	var langs model.LanguagesResponse
	json.Unmarshal(data, &langs)
	if len(langs.Languages) != len(lang.NewRegistry().IDs()) {
		t.Errorf("unexpected languages %v", langs.Languages)
	}
}
