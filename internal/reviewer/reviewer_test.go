package reviewer

import (
	"testing"

	"github.com/reviewd-dev/reviewd/internal/storage"
)

func TestParseReport(t *testing.T) {
	data := []byte(`{
		"summary": "two issues found",
		"findings": [
			{"severity": "blocking", "message": "nil deref on error path", "file": "handler.go", "line": 88},
			{"severity": "suggestion", "message": "rename x to count"}
		]
	}`)

	outcome, err := ParseReport(data)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(outcome.Findings) != 2 {
		t.Fatalf("expected 2 findings, got %d", len(outcome.Findings))
	}

	f := outcome.Findings[0]
	if f.Severity != storage.SeverityBlocking {
		t.Errorf("severity = %s", f.Severity)
	}
	if f.File != "handler.go" || f.Line != 88 {
		t.Errorf("location = %s:%d", f.File, f.Line)
	}
	if f.LocalStatus != storage.FindingOpen {
		t.Errorf("status = %s", f.LocalStatus)
	}
	if f.ID == "" || f.ID == outcome.Findings[1].ID {
		t.Error("finding ids not derived per finding")
	}
	if outcome.RawReport != string(data) {
		t.Error("raw report not preserved")
	}
}

func TestParseReportIDsStableAcrossRuns(t *testing.T) {
	data := []byte(`{"findings":[{"severity":"warning","message":"dup check","file":"a.go","line":1}]}`)

	first, err := ParseReport(data)
	if err != nil {
		t.Fatal(err)
	}
	second, err := ParseReport(data)
	if err != nil {
		t.Fatal(err)
	}
	if first.Findings[0].ID != second.Findings[0].ID {
		t.Errorf("ids differ: %s vs %s", first.Findings[0].ID, second.Findings[0].ID)
	}
}

func TestParseReportSkipsEmptyMessages(t *testing.T) {
	data := []byte(`{"findings":[
		{"severity":"blocking","message":"   "},
		{"severity":"warning","message":"real one"}
	]}`)

	outcome, err := ParseReport(data)
	if err != nil {
		t.Fatal(err)
	}
	if len(outcome.Findings) != 1 || outcome.Findings[0].Message != "real one" {
		t.Errorf("findings = %+v", outcome.Findings)
	}
}

func TestParseReportInvalidJSON(t *testing.T) {
	if _, err := ParseReport([]byte("not json at all")); err == nil {
		t.Error("expected error")
	}
}

func TestParseReportEmptyFindings(t *testing.T) {
	outcome, err := ParseReport([]byte(`{"findings":[]}`))
	if err != nil {
		t.Fatal(err)
	}
	if len(outcome.Findings) != 0 {
		t.Errorf("expected no findings, got %d", len(outcome.Findings))
	}
}

func TestNormalizeSeverity(t *testing.T) {
	tests := []struct {
		in   string
		want storage.Severity
	}{
		{"blocking", storage.SeverityBlocking},
		{"critical", storage.SeverityBlocking},
		{"ERROR", storage.SeverityBlocking},
		{"suggestion", storage.SeveritySuggestion},
		{"nit", storage.SeveritySuggestion},
		{"info", storage.SeveritySuggestion},
		{"warning", storage.SeverityWarning},
		{"", storage.SeverityWarning},
		{"banana", storage.SeverityWarning},
		{"  Blocking  ", storage.SeverityBlocking},
	}
	for _, tt := range tests {
		if got := normalizeSeverity(tt.in); got != tt.want {
			t.Errorf("normalizeSeverity(%q) = %s, want %s", tt.in, got, tt.want)
		}
	}
}
