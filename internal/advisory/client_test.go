package advisory

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"

	"argus-soar/internal/correlation"
)

func testIncident() *correlation.Incident {
	return &correlation.Incident{
		ID:       uuid.New(),
		Entity:   "user:admin",
		Class:    correlation.ClassAuthFailure,
		Severity: 7,
		Events: []correlation.EventRef{
			{EventID: uuid.New(), EventType: "auth.logon_failure"},
		},
	}
}

func TestClient_Advise(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/advise" {
			t.Errorf("path = %s, want /v1/advise", r.URL.Path)
		}

		var req adviseRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("decode request: %v", err)
		}
		if req.Class != correlation.ClassAuthFailure {
			t.Errorf("class = %s, want %s", req.Class, correlation.ClassAuthFailure)
		}

		json.NewEncoder(w).Encode(Advice{
			Recommendation: "contain then investigate",
			TemplateID:     "pb-brute-force",
			Confidence:     0.91,
			Citations:      []string{"kb/brute-force-response"},
		})
	}))
	defer server.Close()

	client := NewClient(server.URL, "test-key", time.Second)
	advice, err := client.Advise(context.Background(), testIncident(), []string{"pb-brute-force"})
	if err != nil {
		t.Fatalf("Advise() error = %v", err)
	}

	if advice.TemplateID != "pb-brute-force" {
		t.Errorf("TemplateID = %s, want pb-brute-force", advice.TemplateID)
	}
	if advice.Confidence != 0.91 {
		t.Errorf("Confidence = %f, want 0.91", advice.Confidence)
	}
}

func TestClient_AdviseTimeout(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
	}))
	defer server.Close()

	client := NewClient(server.URL, "", 50*time.Millisecond)
	_, err := client.Advise(context.Background(), testIncident(), nil)
	if !errors.Is(err, ErrAdvisoryTimeout) {
		t.Errorf("error = %v, want ErrAdvisoryTimeout", err)
	}
}

func TestClient_AdviseServerError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "index unavailable", http.StatusServiceUnavailable)
	}))
	defer server.Close()

	client := NewClient(server.URL, "", time.Second)
	_, err := client.Advise(context.Background(), testIncident(), nil)
	if err == nil {
		t.Fatal("Advise() error = nil, want error")
	}
	if errors.Is(err, ErrAdvisoryTimeout) {
		t.Errorf("server error misreported as timeout: %v", err)
	}
}
