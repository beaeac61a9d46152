package schema

import (
	"testing"
	"time"

	"github.com/google/uuid"
)

func validEvent() *SecurityEvent {
	return &SecurityEvent{
		ID:            uuid.New(),
		Source:        "windows_security",
		EventType:     "auth.logon_failure",
		Entity:        EntityRefs{User: "admin", IP: "1.2.3.4"},
		Timestamp:     time.Now().UTC(),
		Severity:      5,
		SchemaVersion: SchemaVersionCurrent,
		ReceivedAt:    time.Now().UTC(),
	}
}

func TestValidator_Validate(t *testing.T) {
	v := NewValidator()

	tests := []struct {
		name    string
		mutate  func(*SecurityEvent)
		wantErr bool
	}{
		{
			name:    "valid event",
			mutate:  func(e *SecurityEvent) {},
			wantErr: false,
		},
		{
			name:    "missing source",
			mutate:  func(e *SecurityEvent) { e.Source = "" },
			wantErr: true,
		},
		{
			name:    "bad event type format",
			mutate:  func(e *SecurityEvent) { e.EventType = "Auth.LogonFailure" },
			wantErr: true,
		},
		{
			name:    "no entity refs",
			mutate:  func(e *SecurityEvent) { e.Entity = EntityRefs{} },
			wantErr: true,
		},
		{
			name:    "invalid ip",
			mutate:  func(e *SecurityEvent) { e.Entity.IP = "not-an-ip" },
			wantErr: true,
		},
		{
			name:    "severity out of range",
			mutate:  func(e *SecurityEvent) { e.Severity = 11 },
			wantErr: true,
		},
		{
			name:    "timestamp too old",
			mutate:  func(e *SecurityEvent) { e.Timestamp = time.Now().Add(-30 * 24 * time.Hour) },
			wantErr: true,
		},
		{
			name:    "timestamp in future",
			mutate:  func(e *SecurityEvent) { e.Timestamp = time.Now().Add(time.Hour) },
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			event := validEvent()
			tt.mutate(event)
			err := v.Validate(event)
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestValidateEventType(t *testing.T) {
	valid := []string{"auth.logon_failure", "edr.detection", "net.exfil", "proc.created"}
	invalid := []string{"", "Auth.Failure", "auth..failure", "1auth.failure", "auth.failure."}

	for _, s := range valid {
		if !ValidateEventType(s) {
			t.Errorf("ValidateEventType(%q) = false, want true", s)
		}
	}
	for _, s := range invalid {
		if ValidateEventType(s) {
			t.Errorf("ValidateEventType(%q) = true, want false", s)
		}
	}
}

func TestEntityRefs_Primary(t *testing.T) {
	tests := []struct {
		name string
		refs EntityRefs
		want string
	}{
		{"user preferred", EntityRefs{User: "admin", IP: "1.2.3.4", Host: "dc01"}, "user:admin"},
		{"ip over host", EntityRefs{IP: "1.2.3.4", Host: "dc01"}, "ip:1.2.3.4"},
		{"host only", EntityRefs{Host: "dc01"}, "host:dc01"},
		{"empty", EntityRefs{}, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.refs.Primary(); got != tt.want {
				t.Errorf("Primary() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestBand(t *testing.T) {
	tests := []struct {
		severity int
		want     SeverityBand
	}{
		{1, BandLow},
		{3, BandLow},
		{4, BandMedium},
		{5, BandMedium},
		{6, BandHigh},
		{7, BandHigh},
		{8, BandCritical},
		{10, BandCritical},
	}

	for _, tt := range tests {
		if got := Band(tt.severity); got != tt.want {
			t.Errorf("Band(%d) = %s, want %s", tt.severity, got, tt.want)
		}
	}
}
