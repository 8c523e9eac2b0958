// Package reviewer defines the port to the external review capability
// and a subprocess-backed implementation. Concurrency limits are the
// admission queue's job, not the port's: the port assumes at most one
// concurrent invocation per entity key.
package reviewer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strings"

	"github.com/reviewd-dev/reviewd/internal/storage"
)

// Outcome is the result of one review invocation.
type Outcome struct {
	Findings  []storage.Finding
	RawReport string
}

// Port is the external reviewer capability.
type Port interface {
	// Invoke runs one review pass for the entity at the given commit.
	// Model and language are threaded per call; the port holds no
	// process-wide defaults.
	Invoke(ctx context.Context, key storage.EntityKey, commitSHA, language, model string) (*Outcome, error)
}

// CommandReviewer invokes an external reviewer CLI. The command receives
// the entity coordinates as flags and must print a JSON report on stdout.
type CommandReviewer struct {
	Command string
}

// NewCommandReviewer creates a reviewer backed by an external command
func NewCommandReviewer(command string) *CommandReviewer {
	if command == "" {
		command = "claude"
	}
	return &CommandReviewer{Command: command}
}

func (r *CommandReviewer) Invoke(ctx context.Context, key storage.EntityKey, commitSHA, language, model string) (*Outcome, error) {
	args := []string{
		"review",
		"--platform", string(key.Platform),
		"--repo", key.RepoID,
		"--request", fmt.Sprintf("%d", key.RequestNumber),
		"--model", model,
		"--language", language,
		"--output", "json",
	}
	if commitSHA != "" {
		args = append(args, "--commit", commitSHA)
	}

	cmd := exec.CommandContext(ctx, r.Command, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("reviewer %s: %w", key, ctx.Err())
		}
		return nil, fmt.Errorf("reviewer %s: %w: %s", key, err, strings.TrimSpace(stderr.String()))
	}

	outcome, err := ParseReport(stdout.Bytes())
	if err != nil {
		return nil, fmt.Errorf("reviewer %s: %w", key, err)
	}
	return outcome, nil
}

// reportFinding is the wire shape of one finding in a reviewer report.
type reportFinding struct {
	Severity string `json:"severity"`
	Message  string `json:"message"`
	File     string `json:"file,omitempty"`
	Line     int    `json:"line,omitempty"`
}

// ParseReport decodes a reviewer JSON report into an Outcome. Finding
// ids are derived from content so re-reviews match prior findings.
// Unknown severities are normalized to warnings rather than dropped.
func ParseReport(data []byte) (*Outcome, error) {
	var report struct {
		Findings []reportFinding `json:"findings"`
		Summary  string          `json:"summary,omitempty"`
	}
	if err := json.Unmarshal(data, &report); err != nil {
		return nil, fmt.Errorf("parse report: %w", err)
	}

	outcome := &Outcome{RawReport: string(data)}
	for _, rf := range report.Findings {
		if strings.TrimSpace(rf.Message) == "" {
			continue
		}
		outcome.Findings = append(outcome.Findings, storage.Finding{
			ID:          storage.FindingID(rf.Message, rf.File, rf.Line),
			Severity:    normalizeSeverity(rf.Severity),
			Message:     rf.Message,
			File:        rf.File,
			Line:        rf.Line,
			LocalStatus: storage.FindingOpen,
		})
	}
	return outcome, nil
}

func normalizeSeverity(s string) storage.Severity {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "blocking", "critical", "error":
		return storage.SeverityBlocking
	case "suggestion", "nit", "info":
		return storage.SeveritySuggestion
	default:
		return storage.SeverityWarning
	}
}
