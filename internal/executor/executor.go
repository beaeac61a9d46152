// Package executor carries out playbook actions against the response
// gateway, the service that fronts firewalls, EDR and the directory.
package executor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"argus-soar/internal/playbook"
)

// GatewayExecutor implements playbook.ActionExecutor over the response
// gateway's HTTP API. With DryRun set, actions are logged and reported
// successful without calling out.
type GatewayExecutor struct {
	gatewayURL string
	apiKey     string
	dryRun     bool
	client     *http.Client
	logger     *slog.Logger
}

// New creates a gateway executor.
func New(gatewayURL, apiKey string, timeout time.Duration, dryRun bool, logger *slog.Logger) *GatewayExecutor {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &GatewayExecutor{
		gatewayURL: gatewayURL,
		apiKey:     apiKey,
		dryRun:     dryRun,
		client:     &http.Client{Timeout: timeout},
		logger:     logger.With("component", "executor"),
	}
}

type actionRequest struct {
	InstanceID uuid.UUID           `json:"instance_id"`
	Step       string              `json:"step"`
	Action     playbook.ActionKind `json:"action"`
	Entity     string              `json:"entity"`
}

// Execute runs one step against the gateway and returns its output.
func (e *GatewayExecutor) Execute(ctx context.Context, instanceID uuid.UUID, step playbook.StepSpec, entity string) (map[string]any, error) {
	if e.dryRun {
		e.logger.Info("dry run, action not executed",
			"instance_id", instanceID,
			"step", step.Name,
			"action", step.Action,
			"entity", entity)
		return map[string]any{"dry_run": true}, nil
	}

	payload, err := json.Marshal(actionRequest{
		InstanceID: instanceID,
		Step:       step.Name,
		Action:     step.Action,
		Entity:     entity,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal action request: %w", err)
	}

	url := e.gatewayURL + "/v1/actions/" + string(step.Action)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("create action request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if e.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+e.apiKey)
	}

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("action %s: %w", step.Action, err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("action %s returned %d: %s", step.Action, resp.StatusCode, string(body))
	}

	output := map[string]any{}
	if len(body) > 0 {
		if err := json.Unmarshal(body, &output); err != nil {
			output["raw"] = string(body)
		}
	}
	return output, nil
}
