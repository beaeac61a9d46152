package normalize

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"argus-soar/internal/schema"
)

// windowsEventTypes maps Windows Security event IDs to canonical event types.
var windowsEventTypes = map[string]string{
	"4625": "auth.logon_failure",
	"4624": "auth.logon_success",
	"4688": "proc.created",
	"4672": "auth.privileged_logon",
	"4720": "account.created",
}

// windowsSeverity maps Windows Security event IDs to canonical severity.
var windowsSeverity = map[string]int{
	"4625": 5,
	"4624": 2,
	"4688": 3,
	"4672": 4,
	"4720": 5,
}

// WindowsSecurityAdapter normalizes Windows Security log events
// (forwarded event log XML flattened to key-value fields).
type WindowsSecurityAdapter struct{}

func (a *WindowsSecurityAdapter) Source() string { return "windows_security" }

func (a *WindowsSecurityAdapter) Adapt(raw RawEvent) (*schema.SecurityEvent, error) {
	eventID := stringField(raw.Fields, "EventID")
	if eventID == "" {
		return nil, &SchemaError{Source: a.Source(), Field: "EventID", Err: errMissing}
	}

	eventType, ok := windowsEventTypes[eventID]
	if !ok {
		return nil, &SchemaError{Source: a.Source(), Field: "EventID",
			Err: fmt.Errorf("unmapped event id %s", eventID)}
	}

	ts, err := parseTimestamp(raw.Fields, "TimeCreated")
	if err != nil {
		return nil, &SchemaError{Source: a.Source(), Field: "TimeCreated", Err: err}
	}

	entity := schema.EntityRefs{
		User: stringField(raw.Fields, "TargetUserName"),
		IP:   stringField(raw.Fields, "IpAddress"),
		Host: stringField(raw.Fields, "Computer"),
	}
	if entity.Empty() {
		return nil, &SchemaError{Source: a.Source(), Field: "entity", Err: errNoEntity}
	}

	return &schema.SecurityEvent{
		ID:            uuid.New(),
		Source:        a.Source(),
		EventType:     eventType,
		Entity:        entity,
		Timestamp:     ts,
		Severity:      windowsSeverity[eventID],
		RawFields:     raw.Fields,
		SchemaVersion: schema.SchemaVersionCurrent,
		ReceivedAt:    time.Now().UTC(),
	}, nil
}

// limaCharlieEventTypes maps LimaCharlie detection categories to canonical
// event types.
var limaCharlieEventTypes = map[string]string{
	"malware":          "edr.malware_execution",
	"ransomware":       "edr.malware_execution",
	"lateral_movement": "edr.lateral_movement",
	"exfiltration":     "net.exfiltration",
	"recon":            "net.recon_scan",
	"credential_theft": "edr.credential_theft",
}

// limaCharlieSeverity maps LimaCharlie priority strings to canonical severity.
var limaCharlieSeverity = map[string]int{
	"critical": 9,
	"high":     7,
	"medium":   5,
	"low":      3,
}

// LimaCharlieAdapter normalizes LimaCharlie EDR detection reports.
type LimaCharlieAdapter struct{}

func (a *LimaCharlieAdapter) Source() string { return "limacharlie_edr" }

func (a *LimaCharlieAdapter) Adapt(raw RawEvent) (*schema.SecurityEvent, error) {
	category := stringField(raw.Fields, "category")
	eventType, ok := limaCharlieEventTypes[category]
	if !ok {
		return nil, &SchemaError{Source: a.Source(), Field: "category",
			Err: fmt.Errorf("unmapped detection category %q", category)}
	}

	ts, err := parseTimestamp(raw.Fields, "detect_time")
	if err != nil {
		return nil, &SchemaError{Source: a.Source(), Field: "detect_time", Err: err}
	}

	severity, ok := limaCharlieSeverity[stringField(raw.Fields, "priority")]
	if !ok {
		severity = 5
	}

	entity := schema.EntityRefs{
		Host: stringField(raw.Fields, "hostname"),
		User: stringField(raw.Fields, "user"),
		IP:   stringField(raw.Fields, "src_ip"),
	}
	if entity.Empty() {
		return nil, &SchemaError{Source: a.Source(), Field: "entity", Err: errNoEntity}
	}

	return &schema.SecurityEvent{
		ID:            uuid.New(),
		Source:        a.Source(),
		EventType:     eventType,
		Entity:        entity,
		Timestamp:     ts,
		Severity:      severity,
		RawFields:     raw.Fields,
		SchemaVersion: schema.SchemaVersionCurrent,
		ReceivedAt:    time.Now().UTC(),
	}, nil
}

// splunkSeverity maps Splunk notable urgency to canonical severity.
var splunkSeverity = map[string]int{
	"critical": 9,
	"high":     7,
	"medium":   5,
	"low":      3,
	"info":     1,
}

// SplunkNotableAdapter normalizes Splunk Enterprise Security notable events.
type SplunkNotableAdapter struct{}

func (a *SplunkNotableAdapter) Source() string { return "splunk_notable" }

func (a *SplunkNotableAdapter) Adapt(raw RawEvent) (*schema.SecurityEvent, error) {
	eventType := stringField(raw.Fields, "event_type")
	if !schema.ValidateEventType(eventType) {
		return nil, &SchemaError{Source: a.Source(), Field: "event_type",
			Err: fmt.Errorf("invalid event type %q", eventType)}
	}

	ts, err := parseTimestamp(raw.Fields, "_time")
	if err != nil {
		return nil, &SchemaError{Source: a.Source(), Field: "_time", Err: err}
	}

	severity, ok := splunkSeverity[stringField(raw.Fields, "urgency")]
	if !ok {
		return nil, &SchemaError{Source: a.Source(), Field: "urgency",
			Err: fmt.Errorf("unknown urgency %q", stringField(raw.Fields, "urgency"))}
	}

	entity := schema.EntityRefs{
		User: stringField(raw.Fields, "user"),
		Host: stringField(raw.Fields, "dest"),
		IP:   stringField(raw.Fields, "src"),
	}
	if entity.Empty() {
		return nil, &SchemaError{Source: a.Source(), Field: "entity", Err: errNoEntity}
	}

	return &schema.SecurityEvent{
		ID:            uuid.New(),
		Source:        a.Source(),
		EventType:     eventType,
		Entity:        entity,
		Timestamp:     ts,
		Severity:      severity,
		RawFields:     raw.Fields,
		SchemaVersion: schema.SchemaVersionCurrent,
		ReceivedAt:    time.Now().UTC(),
	}, nil
}

var (
	errMissing  = fmt.Errorf("required field missing")
	errNoEntity = fmt.Errorf("no entity reference present")
)

// stringField extracts a string field, tolerating absent keys.
func stringField(fields map[string]any, key string) string {
	if v, ok := fields[key]; ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}

// parseTimestamp parses a timestamp field as RFC3339 or Unix epoch seconds.
func parseTimestamp(fields map[string]any, key string) (time.Time, error) {
	v, ok := fields[key]
	if !ok {
		return time.Time{}, errMissing
	}

	switch t := v.(type) {
	case string:
		parsed, err := time.Parse(time.RFC3339, t)
		if err != nil {
			return time.Time{}, fmt.Errorf("malformed timestamp %q: %w", t, err)
		}
		return parsed.UTC(), nil
	case float64:
		return time.Unix(int64(t), 0).UTC(), nil
	case int64:
		return time.Unix(t, 0).UTC(), nil
	default:
		return time.Time{}, fmt.Errorf("unsupported timestamp type %T", v)
	}
}
