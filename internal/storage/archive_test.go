package storage

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"io"
	"testing"
	"time"

	"github.com/google/uuid"

	"argus-soar/internal/playbook"
)

func TestArchiveKey_DailyLayout(t *testing.T) {
	at := time.Date(2026, 3, 7, 22, 15, 0, 0, time.UTC)
	got := archiveKey("audit/", at, "instance-abc")
	want := "audit/2026/03/07/instance-abc.json.gz"
	if got != want {
		t.Errorf("archiveKey() = %s, want %s", got, want)
	}
}

func TestArchiveKey_ZeroTimeUsesNow(t *testing.T) {
	got := archiveKey("audit/", time.Time{}, "x")
	if got == "audit/0001/01/01/x.json.gz" {
		t.Error("archiveKey() used the zero time instead of now")
	}
}

func TestGzipJSON_RoundTrip(t *testing.T) {
	snap := playbook.Snapshot{
		ID:         uuid.New(),
		TemplateID: "pb-brute-force",
		Entity:     "user:admin",
		State:      playbook.StateClosed,
		Results: []playbook.StepResult{
			{Name: "triage", Status: playbook.StepSucceeded},
		},
	}

	compressed, err := gzipJSON(snap)
	if err != nil {
		t.Fatalf("gzipJSON() error = %v", err)
	}

	gz, err := gzip.NewReader(bytes.NewReader(compressed))
	if err != nil {
		t.Fatalf("gzip.NewReader() error = %v", err)
	}
	raw, err := io.ReadAll(gz)
	if err != nil {
		t.Fatalf("decompress error = %v", err)
	}

	var decoded playbook.Snapshot
	if err := json.Unmarshal(raw, &decoded); err != nil {
		t.Fatalf("unmarshal error = %v", err)
	}
	if decoded.ID != snap.ID || decoded.TemplateID != snap.TemplateID {
		t.Errorf("round trip = %+v, want %+v", decoded, snap)
	}
	if len(decoded.Results) != 1 || decoded.Results[0].Name != "triage" {
		t.Errorf("Results = %+v, want one triage result", decoded.Results)
	}
}

func TestS3Config_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*S3Config)
		wantErr bool
	}{
		{"valid", func(c *S3Config) { c.Bucket = "argus-audit" }, false},
		{"missing bucket", func(c *S3Config) {}, true},
		{"missing region", func(c *S3Config) { c.Bucket = "b"; c.Region = "" }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultS3Config()
			tt.mutate(&cfg)
			if err := cfg.Validate(); (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestNilArchiverIsNoOp(t *testing.T) {
	var a *Archiver
	if err := a.ArchiveInstance(context.Background(), playbook.Snapshot{}); err != nil {
		t.Errorf("ArchiveInstance() on nil archiver error = %v", err)
	}
}
