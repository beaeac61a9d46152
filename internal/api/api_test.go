package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"

	"argus-soar/internal/approval"
	"argus-soar/internal/playbook"
)

type okExecutor struct{}

func (okExecutor) Execute(_ context.Context, _ uuid.UUID, _ playbook.StepSpec, _ string) (map[string]any, error) {
	return map[string]any{"done": true}, nil
}

func quickTemplate() *playbook.Template {
	return &playbook.Template{
		ID:     "pb-quick",
		Name:   "Quick",
		Intent: playbook.IntentRecon,
		Steps: []playbook.StepSpec{
			{Name: "scan-logs", Action: playbook.ActionQueryLogs, Phase: playbook.PhaseAssessing, AutoApproved: true},
			{Name: "ticket", Action: playbook.ActionCreateTicket, Phase: playbook.PhaseResolving, AutoApproved: true},
		},
	}
}

func newTestServer(t *testing.T) (*Server, *approval.Gate, *playbook.Runner, string) {
	t.Helper()

	gate := approval.NewGate(approval.DefaultConfig(), nil, nil)
	runner := playbook.NewRunner(playbook.DefaultRunnerConfig(), okExecutor{}, gate, nil, nil)

	hash, err := HashSecret("s3cret")
	if err != nil {
		t.Fatalf("HashSecret() error = %v", err)
	}
	cfg := DefaultConfig()
	cfg.Keys = []APIKey{{ID: "ops", SecretHash: hash, Actor: "ops@example.com"}}

	return NewServer(cfg, gate, runner, nil), gate, runner, "ops:s3cret"
}

func doRequest(s *Server, method, path, key string, body any) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	if key != "" {
		req.Header.Set("X-API-Key", key)
	}
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)
	return w
}

func TestHealthzOpenWithoutKey(t *testing.T) {
	s, _, _, _ := newTestServer(t)
	w := doRequest(s, http.MethodGet, "/v1/healthz", "", nil)
	if w.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", w.Code)
	}
}

func TestSecurityHeadersOnEveryResponse(t *testing.T) {
	s, _, _, _ := newTestServer(t)
	w := doRequest(s, http.MethodGet, "/v1/healthz", "", nil)

	tests := []struct {
		header string
		want   string
	}{
		{"X-Content-Type-Options", "nosniff"},
		{"X-Frame-Options", "DENY"},
		{"Referrer-Policy", "no-referrer"},
		{"Cache-Control", "no-store"},
	}
	for _, tt := range tests {
		if got := w.Header().Get(tt.header); got != tt.want {
			t.Errorf("%s = %q, want %q", tt.header, got, tt.want)
		}
	}
}

func TestAuthRejectsBadCredentials(t *testing.T) {
	s, _, _, _ := newTestServer(t)

	tests := []struct {
		name string
		key  string
	}{
		{"missing", ""},
		{"malformed", "no-separator"},
		{"unknown id", "nobody:s3cret"},
		{"wrong secret", "ops:wrong"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := doRequest(s, http.MethodGet, "/v1/approvals", tt.key, nil)
			if w.Code != http.StatusUnauthorized {
				t.Errorf("status = %d, want 401", w.Code)
			}
		})
	}
}

func TestListApprovals(t *testing.T) {
	s, gate, _, key := newTestServer(t)

	if _, err := gate.Request(context.Background(), uuid.New(), 2, "isolate-host", approval.RiskHigh); err != nil {
		t.Fatalf("Request() error = %v", err)
	}

	w := doRequest(s, http.MethodGet, "/v1/approvals?status=pending", key, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200, body %s", w.Code, w.Body.String())
	}

	var resp struct {
		Count     int                 `json:"count"`
		Approvals []*approval.Request `json:"approvals"`
	}
	json.NewDecoder(w.Body).Decode(&resp)
	if resp.Count != 1 || len(resp.Approvals) != 1 {
		t.Fatalf("count = %d, want 1", resp.Count)
	}
	if resp.Approvals[0].StepName != "isolate-host" {
		t.Errorf("StepName = %s, want isolate-host", resp.Approvals[0].StepName)
	}
}

func TestListApprovals_UnsupportedStatus(t *testing.T) {
	s, _, _, key := newTestServer(t)
	w := doRequest(s, http.MethodGet, "/v1/approvals?status=decided", key, nil)
	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", w.Code)
	}
}

func TestResolveApproval(t *testing.T) {
	s, gate, _, key := newTestServer(t)

	req, err := gate.Request(context.Background(), uuid.New(), 2, "disable-account", approval.RiskHigh)
	if err != nil {
		t.Fatalf("Request() error = %v", err)
	}

	w := doRequest(s, http.MethodPost, "/v1/approvals/"+req.ID.String()+"/resolve", key,
		resolveRequest{Decision: "approved", Actor: "analyst@example.com"})
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200, body %s", w.Code, w.Body.String())
	}

	outcome, err := gate.Wait(context.Background(), req.ID)
	if err != nil {
		t.Fatalf("Wait() error = %v", err)
	}
	if outcome.Decision != approval.DecisionApproved {
		t.Errorf("Decision = %s, want approved", outcome.Decision)
	}
	if outcome.Actor != "analyst@example.com" {
		t.Errorf("Actor = %s, want analyst@example.com", outcome.Actor)
	}
}

func TestResolveApproval_ActorDefaultsToAPIKey(t *testing.T) {
	s, gate, _, key := newTestServer(t)

	req, err := gate.Request(context.Background(), uuid.New(), 0, "step", approval.RiskLow)
	if err != nil {
		t.Fatalf("Request() error = %v", err)
	}

	w := doRequest(s, http.MethodPost, "/v1/approvals/"+req.ID.String()+"/resolve", key,
		resolveRequest{Decision: "denied"})
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200, body %s", w.Code, w.Body.String())
	}

	outcome, err := gate.Wait(context.Background(), req.ID)
	if err != nil {
		t.Fatalf("Wait() error = %v", err)
	}
	if outcome.Actor != "ops@example.com" {
		t.Errorf("Actor = %s, want ops@example.com (from API key)", outcome.Actor)
	}
}

func TestResolveApproval_Errors(t *testing.T) {
	s, gate, _, key := newTestServer(t)

	req, err := gate.Request(context.Background(), uuid.New(), 0, "step", approval.RiskLow)
	if err != nil {
		t.Fatalf("Request() error = %v", err)
	}
	if err := gate.Resolve(context.Background(), req.ID, approval.DecisionApproved, "first"); err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}

	tests := []struct {
		name string
		path string
		body resolveRequest
		want int
	}{
		{"already decided", "/v1/approvals/" + req.ID.String() + "/resolve", resolveRequest{Decision: "denied"}, http.StatusConflict},
		{"not found", "/v1/approvals/" + uuid.New().String() + "/resolve", resolveRequest{Decision: "approved"}, http.StatusNotFound},
		{"bad id", "/v1/approvals/not-a-uuid/resolve", resolveRequest{Decision: "approved"}, http.StatusBadRequest},
		{"bad decision", "/v1/approvals/" + req.ID.String() + "/resolve", resolveRequest{Decision: "maybe"}, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := doRequest(s, http.MethodPost, tt.path, key, tt.body)
			if w.Code != tt.want {
				t.Errorf("status = %d, want %d", w.Code, tt.want)
			}
		})
	}
}

func TestGetInstance(t *testing.T) {
	s, _, runner, key := newTestServer(t)

	instance, err := runner.Launch(context.Background(), quickTemplate(), uuid.New(), "host:web01", time.Now().UTC())
	if err != nil {
		t.Fatalf("Launch() error = %v", err)
	}
	if err := instance.Wait(context.Background()); err != nil {
		t.Fatalf("Wait() error = %v", err)
	}

	w := doRequest(s, http.MethodGet, "/v1/instances/"+instance.ID().String(), key, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200, body %s", w.Code, w.Body.String())
	}

	var snap playbook.Snapshot
	json.NewDecoder(w.Body).Decode(&snap)
	if snap.State != playbook.StateClosed {
		t.Errorf("State = %s, want closed", snap.State)
	}
	if snap.Entity != "host:web01" {
		t.Errorf("Entity = %s, want host:web01", snap.Entity)
	}
}

func TestGetInstance_NotFound(t *testing.T) {
	s, _, _, key := newTestServer(t)
	w := doRequest(s, http.MethodGet, "/v1/instances/"+uuid.New().String(), key, nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", w.Code)
	}
}

func TestListInstances(t *testing.T) {
	s, _, runner, key := newTestServer(t)

	instance, err := runner.Launch(context.Background(), quickTemplate(), uuid.New(), "host:web02", time.Now().UTC())
	if err != nil {
		t.Fatalf("Launch() error = %v", err)
	}
	instance.Wait(context.Background())

	w := doRequest(s, http.MethodGet, "/v1/instances", key, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	var resp struct {
		Count int `json:"count"`
	}
	json.NewDecoder(w.Body).Decode(&resp)
	if resp.Count != 1 {
		t.Errorf("count = %d, want 1", resp.Count)
	}
}
