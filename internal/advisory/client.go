// Package advisory calls the retrieval-augmented advisory service for a
// second opinion on template selection. The advisor is consulted, never
// trusted blindly: callers fall back to their deterministic choice when
// the advisor times out, errs, or answers with low confidence.
package advisory

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"argus-soar/internal/correlation"
)

// ErrAdvisoryTimeout indicates the advisor did not answer within the
// configured deadline. Distinct from transport failures so callers can
// report it separately.
var ErrAdvisoryTimeout = errors.New("advisory request timed out")

// DefaultTimeout bounds a single advisory call.
const DefaultTimeout = 3 * time.Second

// Advice is the advisor's recommendation for an incident.
type Advice struct {
	Recommendation string   `json:"recommendation"`
	TemplateID     string   `json:"template_id"`
	Confidence     float64  `json:"confidence"`
	Citations      []string `json:"citations,omitempty"`
}

// Client talks to the advisory service over HTTP.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// NewClient creates an advisory client. A zero timeout uses DefaultTimeout.
func NewClient(baseURL, apiKey string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Client{
		baseURL: baseURL,
		apiKey:  apiKey,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

type adviseRequest struct {
	IncidentID string   `json:"incident_id"`
	Entity     string   `json:"entity"`
	Class      string   `json:"class"`
	Severity   int      `json:"severity"`
	EventTypes []string `json:"event_types"`
	Candidates []string `json:"candidate_templates"`
}

// Advise asks the advisor to pick among candidate template IDs for the
// incident. Deadline overruns return ErrAdvisoryTimeout.
func (c *Client) Advise(ctx context.Context, incident *correlation.Incident, candidates []string) (*Advice, error) {
	eventTypes := make([]string, 0, len(incident.Events))
	for _, ref := range incident.Events {
		eventTypes = append(eventTypes, ref.EventType)
	}

	body, err := json.Marshal(adviseRequest{
		IncidentID: incident.ID.String(),
		Entity:     incident.Entity,
		Class:      incident.Class,
		Severity:   incident.Severity,
		EventTypes: eventTypes,
		Candidates: candidates,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal advisory request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+"/v1/advise", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create advisory request: %w", err)
	}

	httpReq.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || isTimeout(err) {
			return nil, ErrAdvisoryTimeout
		}
		return nil, fmt.Errorf("advisory request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read advisory response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("advisory service error %d: %s", resp.StatusCode, string(respBody))
	}

	var advice Advice
	if err := json.Unmarshal(respBody, &advice); err != nil {
		return nil, fmt.Errorf("unmarshal advisory response: %w", err)
	}

	return &advice, nil
}

func isTimeout(err error) bool {
	var netErr interface{ Timeout() bool }
	return errors.As(err, &netErr) && netErr.Timeout()
}
