// Package schema defines the canonical security event consumed by the
// orchestration pipeline. All source telemetry is normalized to this
// structure before correlation.
package schema

import (
	"time"

	"github.com/google/uuid"
)

// SecurityEvent is the canonical event format. Immutable once created.
type SecurityEvent struct {
	// Required fields
	ID        uuid.UUID  `json:"id" validate:"required"`
	Source    string     `json:"source" validate:"required,max=256"`
	EventType string     `json:"event_type" validate:"required,event_type_format"`
	Entity    EntityRefs `json:"entity_refs" validate:"required"`
	Timestamp time.Time  `json:"timestamp" validate:"required"`
	Severity  int        `json:"severity" validate:"required,min=1,max=10"`

	// Optional fields
	RawFields map[string]any `json:"raw_fields,omitempty"`

	// Internal fields (set by the normalizer)
	SchemaVersion string    `json:"schema_version"`
	ReceivedAt    time.Time `json:"received_at"`
}

// EntityRefs identifies the host, user and/or IP the event concerns.
// At least one reference must be set.
type EntityRefs struct {
	Host string `json:"host,omitempty" validate:"max=256"`
	User string `json:"user,omitempty" validate:"max=256"`
	IP   string `json:"ip,omitempty" validate:"omitempty,ip"`
}

// Empty reports whether no entity reference is set.
func (e EntityRefs) Empty() bool {
	return e.Host == "" && e.User == "" && e.IP == ""
}

// Primary returns the most specific entity reference, used as the
// correlation key. Preference order: user, ip, host.
func (e EntityRefs) Primary() string {
	switch {
	case e.User != "":
		return "user:" + e.User
	case e.IP != "":
		return "ip:" + e.IP
	case e.Host != "":
		return "host:" + e.Host
	}
	return ""
}

// SeverityBand buckets a numeric severity into a named band.
type SeverityBand string

const (
	BandLow      SeverityBand = "low"
	BandMedium   SeverityBand = "medium"
	BandHigh     SeverityBand = "high"
	BandCritical SeverityBand = "critical"
)

// Band maps a 1-10 severity to its band.
func Band(severity int) SeverityBand {
	switch {
	case severity >= 8:
		return BandCritical
	case severity >= 6:
		return BandHigh
	case severity >= 4:
		return BandMedium
	default:
		return BandLow
	}
}

// SchemaVersionCurrent is the current version of the event schema.
const SchemaVersionCurrent = "1.0.0"
