// Package normalize converts raw source telemetry into the canonical
// event schema. Each supported source registers an adapter; normalization
// is a pure transform with no side effects.
package normalize

import (
	"errors"
	"fmt"
	"log/slog"

	"argus-soar/internal/schema"
)

// ErrUnsupportedSource is returned when no adapter is registered for the
// raw event's source.
var ErrUnsupportedSource = errors.New("unsupported event source")

// SchemaError indicates a raw event that could not be mapped to the
// canonical schema (missing entity references, malformed timestamp,
// unknown severity). The original raw event is dropped.
type SchemaError struct {
	Source string
	Field  string
	Err    error
}

func (e *SchemaError) Error() string {
	return fmt.Sprintf("normalize %s: field %q: %v", e.Source, e.Field, e.Err)
}

func (e *SchemaError) Unwrap() error {
	return e.Err
}

// IsSchemaError reports whether err is a normalization schema error.
func IsSchemaError(err error) bool {
	var se *SchemaError
	return errors.As(err, &se)
}

// RawEvent is an unparsed event as received from a telemetry source.
type RawEvent struct {
	Source string         `json:"source"`
	Fields map[string]any `json:"fields"`
}

// Adapter converts raw events from a single source into canonical events.
type Adapter interface {
	Source() string
	Adapt(raw RawEvent) (*schema.SecurityEvent, error)
}

// Normalizer dispatches raw events to the adapter registered for their
// source and validates the result against the canonical schema.
type Normalizer struct {
	adapters  map[string]Adapter
	validator *schema.Validator
	logger    *slog.Logger
}

// NewNormalizer creates a Normalizer with the built-in source adapters
// registered.
func NewNormalizer(logger *slog.Logger) *Normalizer {
	if logger == nil {
		logger = slog.Default()
	}

	n := &Normalizer{
		adapters:  make(map[string]Adapter),
		validator: schema.NewValidator(),
		logger:    logger.With("component", "normalizer"),
	}

	n.Register(&WindowsSecurityAdapter{})
	n.Register(&LimaCharlieAdapter{})
	n.Register(&SplunkNotableAdapter{})

	return n
}

// Register adds or replaces the adapter for its source.
func (n *Normalizer) Register(a Adapter) {
	n.adapters[a.Source()] = a
}

// Sources returns the registered source names.
func (n *Normalizer) Sources() []string {
	sources := make([]string, 0, len(n.adapters))
	for s := range n.adapters {
		sources = append(sources, s)
	}
	return sources
}

// Normalize converts a raw event to a validated canonical event.
// Unknown sources return ErrUnsupportedSource; structurally invalid
// events return a *SchemaError.
func (n *Normalizer) Normalize(raw RawEvent) (*schema.SecurityEvent, error) {
	adapter, ok := n.adapters[raw.Source]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedSource, raw.Source)
	}

	event, err := adapter.Adapt(raw)
	if err != nil {
		return nil, err
	}

	if err := n.validator.Validate(event); err != nil {
		return nil, &SchemaError{Source: raw.Source, Field: "event", Err: err}
	}

	return event, nil
}
