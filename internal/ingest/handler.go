// Package ingest receives raw vendor events over HTTP and TCP,
// normalizes them and feeds the event buffer.
package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"argus-soar/internal/normalize"
	"argus-soar/internal/operatorq"
	"argus-soar/internal/queue"
)

// Handler serves POST /v1/events.
type Handler struct {
	normalizer *normalize.Normalizer
	buffer     *queue.EventBuffer
	triage     operatorq.Queue
	logger     *slog.Logger
	maxPayload int
	maxBatch   int

	accepted uint64
	rejected uint64
}

// NewHandler creates an ingest handler. triage may be nil.
func NewHandler(normalizer *normalize.Normalizer, buffer *queue.EventBuffer, triage operatorq.Queue, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		normalizer: normalizer,
		buffer:     buffer,
		triage:     triage,
		logger:     logger.With("component", "ingest"),
		maxPayload: 10 * 1024 * 1024,
		maxBatch:   1000,
	}
}

// WithMaxBatch overrides the batch size limit.
func (h *Handler) WithMaxBatch(size int) *Handler {
	h.maxBatch = size
	return h
}

// IngestRequest is the batch request body. A bare raw event object is
// also accepted.
type IngestRequest struct {
	Events []normalize.RawEvent `json:"events"`
}

// IngestResponse reports per-batch acceptance.
type IngestResponse struct {
	Accepted  int      `json:"accepted"`
	Rejected  int      `json:"rejected"`
	Errors    []string `json:"errors,omitempty"`
	RequestID string   `json:"request_id"`
}

// HandleEvents handles POST /v1/events.
func (h *Handler) HandleEvents(w http.ResponseWriter, r *http.Request) {
	requestID := uuid.New().String()

	r.Body = http.MaxBytesReader(w, r.Body, int64(h.maxPayload))
	body, err := io.ReadAll(r.Body)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			respondError(w, http.StatusRequestEntityTooLarge, "payload too large", requestID)
			return
		}
		respondError(w, http.StatusBadRequest, "failed to read request body", requestID)
		return
	}

	events, err := decodeEvents(body)
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error(), requestID)
		return
	}
	if len(events) == 0 {
		respondError(w, http.StatusBadRequest, "no events provided", requestID)
		return
	}
	if len(events) > h.maxBatch {
		respondError(w, http.StatusBadRequest, fmt.Sprintf("batch size exceeds maximum of %d", h.maxBatch), requestID)
		return
	}

	resp := IngestResponse{RequestID: requestID}
	unsupported := 0

	for i, raw := range events {
		status, err := h.ingestOne(r.Context(), raw)
		if err != nil {
			resp.Rejected++
			resp.Errors = append(resp.Errors, fmt.Sprintf("event[%d]: %s", i, err.Error()))
			if status == http.StatusUnprocessableEntity {
				unsupported++
			}
			continue
		}
		resp.Accepted++
	}

	atomic.AddUint64(&h.accepted, uint64(resp.Accepted))
	atomic.AddUint64(&h.rejected, uint64(resp.Rejected))

	status := http.StatusOK
	switch {
	case resp.Accepted == 0 && unsupported == resp.Rejected && resp.Rejected > 0:
		status = http.StatusUnprocessableEntity
	case resp.Accepted == 0 && resp.Rejected > 0:
		status = http.StatusBadRequest
	case resp.Rejected > 0:
		status = http.StatusMultiStatus
	}
	respondJSON(w, status, resp)
}

// ingestOne normalizes and enqueues one raw event, returning the HTTP
// status class of the failure.
func (h *Handler) ingestOne(ctx context.Context, raw normalize.RawEvent) (int, error) {
	event, err := h.normalizer.Normalize(raw)
	if err != nil {
		switch {
		case errors.Is(err, normalize.ErrUnsupportedSource):
			return http.StatusUnprocessableEntity, err
		case normalize.IsSchemaError(err):
			h.sendToTriage(ctx, raw, err)
			return http.StatusBadRequest, err
		default:
			return http.StatusBadRequest, err
		}
	}

	if err := h.buffer.Push(event); err != nil {
		if errors.Is(err, queue.ErrBufferFull) {
			return http.StatusServiceUnavailable, errors.New("event buffer full")
		}
		return http.StatusInternalServerError, err
	}
	return http.StatusOK, nil
}

// sendToTriage forwards structurally broken events to the operator
// queue. Failures are logged, the ingest response is not affected.
func (h *Handler) sendToTriage(ctx context.Context, raw normalize.RawEvent, cause error) {
	if h.triage == nil {
		return
	}
	item := &operatorq.TriageItem{
		Kind:   operatorq.KindNormalizeError,
		Source: raw.Source,
		Detail: cause.Error(),
	}
	if err := h.triage.Push(ctx, item); err != nil {
		h.logger.Warn("triage enqueue failed", "source", raw.Source, "error", err)
	}
}

// decodeEvents accepts either a batch envelope or a single raw event.
func decodeEvents(body []byte) ([]normalize.RawEvent, error) {
	var req IngestRequest
	if err := json.Unmarshal(body, &req); err == nil && len(req.Events) > 0 {
		return req.Events, nil
	}

	var single normalize.RawEvent
	if err := json.Unmarshal(body, &single); err != nil {
		return nil, fmt.Errorf("invalid JSON: %w", err)
	}
	if single.Source == "" {
		return nil, nil
	}
	return []normalize.RawEvent{single}, nil
}

// Stats reports ingest counters and buffer state.
func (h *Handler) Stats() map[string]any {
	bufStats := h.buffer.Stats()
	return map[string]any{
		"accepted":        atomic.LoadUint64(&h.accepted),
		"rejected":        atomic.LoadUint64(&h.rejected),
		"buffer_depth":    bufStats.Depth,
		"buffer_capacity": bufStats.Capacity,
		"buffer_dropped":  bufStats.Dropped,
	}
}

// HealthCheck handles GET /v1/healthz for the ingest listener.
func (h *Handler) HealthCheck(w http.ResponseWriter, _ *http.Request) {
	stats := h.buffer.Stats()
	status := "healthy"
	if stats.Capacity > 0 && stats.Depth > stats.Capacity*9/10 {
		status = "degraded"
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"status":         status,
		"queue_depth":    stats.Depth,
		"queue_capacity": stats.Capacity,
		"time":           time.Now().UTC(),
	})
}

func respondJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(payload)
}

func respondError(w http.ResponseWriter, status int, message, requestID string) {
	respondJSON(w, status, map[string]string{
		"error":      message,
		"request_id": requestID,
	})
}
