// Package correlation groups related events into time windows keyed by
// entity and event class, and promotes windows that cross their failure
// threshold into incidents.
package correlation

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"argus-soar/internal/schema"
)

// Event type classes. A class groups concrete event types that indicate
// the same kind of activity for correlation purposes.
const (
	ClassAuthFailure = "auth_failure"
	ClassMalware     = "malware"
	ClassExfil       = "exfil"
	ClassRecon       = "recon"
	ClassPrivileged  = "privileged"
	ClassAmbiguous   = "ambiguous"
)

// eventClasses maps concrete event types to their correlation class.
// Unmapped types fall into ClassAmbiguous.
var eventClasses = map[string]string{
	"auth.logon_failure":    ClassAuthFailure,
	"auth.logon_success":    ClassAmbiguous,
	"auth.privileged_logon": ClassPrivileged,
	"account.created":       ClassPrivileged,
	"proc.created":          ClassAmbiguous,
	"edr.malware_execution": ClassMalware,
	"edr.credential_theft":  ClassMalware,
	"edr.lateral_movement":  ClassAmbiguous,
	"net.exfiltration":      ClassExfil,
	"net.recon_scan":        ClassRecon,
}

// ClassOf returns the correlation class for an event type.
func ClassOf(eventType string) string {
	if class, ok := eventClasses[eventType]; ok {
		return class
	}
	return ClassAmbiguous
}

// WindowKey identifies a correlation window.
func WindowKey(entity, class string) string {
	return fmt.Sprintf("%s|%s", entity, class)
}

// EventRef references a member event of an incident.
type EventRef struct {
	EventID   uuid.UUID `json:"event_id"`
	EventType string    `json:"event_type"`
	Timestamp time.Time `json:"timestamp"`
	Severity  int       `json:"severity"`
}

// Incident is a promoted correlation window. Severity is the maximum of
// the member events and only ever rises while the window stays open.
type Incident struct {
	ID          uuid.UUID  `json:"id"`
	Entity      string     `json:"entity"`
	Class       string     `json:"class"`
	Severity    int        `json:"severity"`
	WindowStart time.Time  `json:"window_start"`
	EmittedAt   time.Time  `json:"emitted_at"`
	Events      []EventRef `json:"events"`
}

// Band returns the incident's severity band.
func (i *Incident) Band() schema.SeverityBand {
	return schema.Band(i.Severity)
}

// Clone returns a deep copy safe to hand outside the engine.
func (i *Incident) Clone() *Incident {
	c := *i
	c.Events = make([]EventRef, len(i.Events))
	copy(c.Events, i.Events)
	return &c
}
