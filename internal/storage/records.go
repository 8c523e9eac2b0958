package storage

import (
	"crypto/sha256"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	// ErrRecordNotFound is returned when no tracking record exists for a key.
	ErrRecordNotFound = errors.New("tracking record not found")
	// ErrRecordExists is returned when creating a record whose key is already tracked.
	ErrRecordExists = errors.New("tracking record already exists")
	// ErrVersionConflict is returned when a version-checked write loses the race.
	// Callers should re-read and retry once.
	ErrVersionConflict = errors.New("tracking record version conflict")
)

// FindingID derives a stable finding identifier from content, not position,
// so re-reviews match findings across reordered reports.
func FindingID(message, file string, line int) string {
	h := sha256.Sum256([]byte(fmt.Sprintf("%s\x00%s\x00%d", message, file, line)))
	return fmt.Sprintf("%x", h[:8])
}

// CreateRecord creates a tracking record for a newly assigned entity.
// The record starts in the assigned state at version 1.
func (db *DB) CreateRecord(key EntityKey, commitSHA string) (*TrackingRecord, error) {
	now := time.Now().UTC()
	res, err := db.Exec(`
		INSERT INTO tracking_records (platform, repo_id, request_number, state, last_known_commit, assigned_at, version)
		VALUES (?, ?, ?, ?, ?, ?, 1)`,
		key.Platform, key.RepoID, key.RequestNumber, StateAssigned, commitSHA, now.Format(time.RFC3339))
	if err != nil {
		if isUniqueViolation(err) {
			return nil, ErrRecordExists
		}
		return nil, fmt.Errorf("insert record: %w", err)
	}

	id, _ := res.LastInsertId()
	return &TrackingRecord{
		RowID:           id,
		Key:             key,
		State:           StateAssigned,
		LastKnownCommit: commitSHA,
		AssignedAt:      now,
		Version:         1,
	}, nil
}

// GetRecord loads the tracking record and its findings for a key.
func (db *DB) GetRecord(key EntityKey) (*TrackingRecord, error) {
	row := db.QueryRow(`
		SELECT id, platform, repo_id, request_number, state, last_known_commit,
		       assigned_at, last_review_completed_at, last_followup_at, followup_count, version
		FROM tracking_records
		WHERE platform = ? AND repo_id = ? AND request_number = ?`,
		key.Platform, key.RepoID, key.RequestNumber)
	return db.scanRecord(row)
}

func (db *DB) scanRecord(row *sql.Row) (*TrackingRecord, error) {
	var rec TrackingRecord
	var assignedAt string
	var completedAt, followupAt sql.NullString
	err := row.Scan(&rec.RowID, &rec.Key.Platform, &rec.Key.RepoID, &rec.Key.RequestNumber,
		&rec.State, &rec.LastKnownCommit, &assignedAt, &completedAt, &followupAt,
		&rec.FollowupCount, &rec.Version)
	if err == sql.ErrNoRows {
		return nil, ErrRecordNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan record: %w", err)
	}

	rec.AssignedAt = parseTime(assignedAt)
	if completedAt.Valid {
		t := parseTime(completedAt.String)
		rec.LastReviewCompletedAt = &t
	}
	if followupAt.Valid {
		t := parseTime(followupAt.String)
		rec.LastFollowupAt = &t
	}

	if err := db.loadFindings(&rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

// loadFindings populates rec.Findings in insertion (discovery) order.
func (db *DB) loadFindings(rec *TrackingRecord) error {
	rows, err := db.Query(`
		SELECT finding_id, severity, message, file, line, local_status,
		       remote_thread_id, last_synced_remote_status, last_synced_at
		FROM findings
		WHERE record_id = ?
		ORDER BY id`, rec.RowID)
	if err != nil {
		return fmt.Errorf("load findings: %w", err)
	}
	defer rows.Close()

	rec.Findings = nil
	for rows.Next() {
		var f Finding
		var threadID, syncStatus string
		var syncedAt sql.NullString
		if err := rows.Scan(&f.ID, &f.Severity, &f.Message, &f.File, &f.Line,
			&f.LocalStatus, &threadID, &syncStatus, &syncedAt); err != nil {
			return fmt.Errorf("scan finding: %w", err)
		}
		if threadID != "" {
			f.Thread = &ThreadMapping{
				RemoteThreadID:         threadID,
				LastSyncedRemoteStatus: syncStatus,
			}
			if syncedAt.Valid {
				t := parseTime(syncedAt.String)
				f.Thread.LastSyncedAt = &t
			}
		}
		rec.Findings = append(rec.Findings, f)
	}
	return rows.Err()
}

// UpdateRecord writes the record back using optimistic concurrency: the
// UPDATE only matches if the stored version equals the version the caller
// read. On success the version is bumped by exactly one (both in the
// database and on rec). A lost race returns ErrVersionConflict and writes
// nothing, including findings.
func (db *DB) UpdateRecord(rec *TrackingRecord) error {
	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	var completedAt, followupAt interface{}
	if rec.LastReviewCompletedAt != nil {
		completedAt = rec.LastReviewCompletedAt.UTC().Format(time.RFC3339)
	}
	if rec.LastFollowupAt != nil {
		followupAt = rec.LastFollowupAt.UTC().Format(time.RFC3339)
	}

	res, err := tx.Exec(`
		UPDATE tracking_records
		SET state = ?, last_known_commit = ?, last_review_completed_at = ?,
		    last_followup_at = ?, followup_count = ?, version = version + 1
		WHERE id = ? AND version = ?`,
		rec.State, rec.LastKnownCommit, completedAt, followupAt,
		rec.FollowupCount, rec.RowID, rec.Version)
	if err != nil {
		return fmt.Errorf("update record: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return ErrVersionConflict
	}

	for i := range rec.Findings {
		if err := upsertFinding(tx, rec.RowID, &rec.Findings[i]); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	rec.Version++
	return nil
}

// upsertFinding inserts a new finding or updates an existing one in place.
// A stored remote_thread_id is never cleared or reassigned: the CASE
// expression keeps the existing id once set, regardless of the incoming value.
func upsertFinding(tx *sql.Tx, recordID int64, f *Finding) error {
	threadID := ""
	syncStatus := ""
	var syncedAt interface{}
	if f.Thread != nil {
		threadID = f.Thread.RemoteThreadID
		syncStatus = f.Thread.LastSyncedRemoteStatus
		if f.Thread.LastSyncedAt != nil {
			syncedAt = f.Thread.LastSyncedAt.UTC().Format(time.RFC3339)
		}
	}

	_, err := tx.Exec(`
		INSERT INTO findings (record_id, finding_id, severity, message, file, line,
		                      local_status, remote_thread_id, last_synced_remote_status, last_synced_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(record_id, finding_id) DO UPDATE SET
		    severity = excluded.severity,
		    message = excluded.message,
		    file = excluded.file,
		    line = excluded.line,
		    local_status = excluded.local_status,
		    remote_thread_id = CASE WHEN findings.remote_thread_id != ''
		                            THEN findings.remote_thread_id
		                            ELSE excluded.remote_thread_id END,
		    last_synced_remote_status = excluded.last_synced_remote_status,
		    last_synced_at = excluded.last_synced_at`,
		recordID, f.ID, f.Severity, f.Message, f.File, f.Line,
		f.LocalStatus, threadID, syncStatus, syncedAt)
	if err != nil {
		return fmt.Errorf("upsert finding %s: %w", f.ID, err)
	}
	return nil
}

// DeleteRecord retires a tracking record and its findings. Called only
// on an explicit terminal close/merge event, never on timeout.
func (db *DB) DeleteRecord(key EntityKey) error {
	res, err := db.Exec(`
		DELETE FROM tracking_records
		WHERE platform = ? AND repo_id = ? AND request_number = ?`,
		key.Platform, key.RepoID, key.RequestNumber)
	if err != nil {
		return fmt.Errorf("delete record: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrRecordNotFound
	}
	return nil
}

// ListRecords returns all tracking records, optionally filtered by state.
func (db *DB) ListRecords(stateFilter RecordState) ([]TrackingRecord, error) {
	query := `
		SELECT id, platform, repo_id, request_number, state, last_known_commit,
		       assigned_at, last_review_completed_at, last_followup_at, followup_count, version
		FROM tracking_records`
	var args []interface{}
	if stateFilter != "" {
		query += ` WHERE state = ?`
		args = append(args, stateFilter)
	}
	query += ` ORDER BY id`

	rows, err := db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("list records: %w", err)
	}
	defer rows.Close()

	var recs []TrackingRecord
	for rows.Next() {
		var rec TrackingRecord
		var assignedAt string
		var completedAt, followupAt sql.NullString
		if err := rows.Scan(&rec.RowID, &rec.Key.Platform, &rec.Key.RepoID, &rec.Key.RequestNumber,
			&rec.State, &rec.LastKnownCommit, &assignedAt, &completedAt, &followupAt,
			&rec.FollowupCount, &rec.Version); err != nil {
			return nil, fmt.Errorf("scan record: %w", err)
		}
		rec.AssignedAt = parseTime(assignedAt)
		if completedAt.Valid {
			t := parseTime(completedAt.String)
			rec.LastReviewCompletedAt = &t
		}
		if followupAt.Valid {
			t := parseTime(followupAt.String)
			rec.LastFollowupAt = &t
		}
		recs = append(recs, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i := range recs {
		if err := db.loadFindings(&recs[i]); err != nil {
			return nil, err
		}
	}
	return recs, nil
}

// parseTime handles both RFC3339 timestamps and SQLite's datetime() format.
func parseTime(s string) time.Time {
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t
	}
	if t, err := time.Parse("2006-01-02 15:04:05", s); err == nil {
		return t
	}
	return time.Time{}
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
