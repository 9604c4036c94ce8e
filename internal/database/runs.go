package database

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
)

// StartRun inserts a run in the running state.
func (db *DB) StartRun(run Run) error {
	sources, err := json.Marshal(run.Sources)
	if err != nil {
		return fmt.Errorf("encoding sources: %w", err)
	}
	status := run.Status
	if status == "" {
		status = RunRunning
	}
	_, err = db.conn.Exec(
		`INSERT INTO runs (id, started_at, status, sources) VALUES (?, ?, ?, ?)`,
		run.ID, run.StartedAt, status, string(sources),
	)
	if err != nil {
		return fmt.Errorf("inserting run %s: %w", run.ID, err)
	}
	return nil
}

// FinishRun records the final status, totals and report of a run.
func (db *DB) FinishRun(run Run) error {
	res, err := db.conn.Exec(
		`UPDATE runs SET finished_at = ?, status = ?, new_records = ?, report_markdown = ? WHERE id = ?`,
		run.FinishedAt, run.Status, run.NewRecords, run.ReportMarkdown, run.ID,
	)
	if err != nil {
		return fmt.Errorf("finishing run %s: %w", run.ID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("finishing run %s: no such run", run.ID)
	}
	return nil
}

// RecordSourceRun inserts or replaces the outcome of one source in a run.
func (db *DB) RecordSourceRun(sr SourceRun) error {
	_, err := db.conn.Exec(
		`INSERT OR REPLACE INTO source_runs
		(run_id, source_id, status, new_records, duplicates, invalid, recovered, pages,
		 next_offset, total_records, requests, failed_requests, retries, rate_limit_hits,
		 error, duration_ms, finished_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sr.RunID, sr.SourceID, sr.Status, sr.NewRecords, sr.Duplicates, sr.Invalid, sr.Recovered, sr.Pages,
		sr.NextOffset, sr.TotalRecords, sr.Requests, sr.FailedRequests, sr.Retries, sr.RateLimitHits,
		sr.Error, sr.DurationMS, sr.FinishedAt,
	)
	if err != nil {
		return fmt.Errorf("recording %s for run %s: %w", sr.SourceID, sr.RunID, err)
	}
	return nil
}

const runColumns = `id, started_at, finished_at, status, sources, new_records, report_markdown`

// GetRun returns a run by id, or nil if it does not exist.
func (db *DB) GetRun(id string) (*Run, error) {
	row := db.conn.QueryRow(`SELECT `+runColumns+` FROM runs WHERE id = ?`, id)
	r, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return r, nil
}

// ListRuns returns the most recent runs, newest first.
func (db *DB) ListRuns(limit int) ([]Run, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := db.conn.Query(`SELECT `+runColumns+` FROM runs ORDER BY started_at DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, *r)
	}
	return runs, rows.Err()
}

const sourceRunColumns = `id, run_id, source_id, status, new_records, duplicates, invalid, recovered, pages,
	next_offset, total_records, requests, failed_requests, retries, rate_limit_hits, error, duration_ms, finished_at`

// GetSourceRuns returns the per-source outcomes of a run in insertion order.
func (db *DB) GetSourceRuns(runID string) ([]SourceRun, error) {
	rows, err := db.conn.Query(`SELECT `+sourceRunColumns+` FROM source_runs WHERE run_id = ? ORDER BY id`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanSourceRuns(rows)
}

// LatestSourceRuns returns the most recent outcome of every source, ordered by source id.
func (db *DB) LatestSourceRuns() ([]SourceRun, error) {
	rows, err := db.conn.Query(`SELECT ` + sourceRunColumns + ` FROM source_runs s
		WHERE s.id = (SELECT MAX(id) FROM source_runs WHERE source_id = s.source_id)
		ORDER BY s.source_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanSourceRuns(rows)
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(s scanner) (*Run, error) {
	var r Run
	var sources string
	if err := s.Scan(&r.ID, &r.StartedAt, &r.FinishedAt, &r.Status, &sources, &r.NewRecords, &r.ReportMarkdown); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(sources), &r.Sources); err != nil {
		return nil, fmt.Errorf("decoding sources of run %s: %w", r.ID, err)
	}
	return &r, nil
}

func scanSourceRuns(rows *sql.Rows) ([]SourceRun, error) {
	var out []SourceRun
	for rows.Next() {
		var sr SourceRun
		if err := rows.Scan(&sr.ID, &sr.RunID, &sr.SourceID, &sr.Status, &sr.NewRecords, &sr.Duplicates,
			&sr.Invalid, &sr.Recovered, &sr.Pages, &sr.NextOffset, &sr.TotalRecords, &sr.Requests,
			&sr.FailedRequests, &sr.Retries, &sr.RateLimitHits, &sr.Error, &sr.DurationMS, &sr.FinishedAt); err != nil {
			return nil, err
		}
		out = append(out, sr)
	}
	return out, rows.Err()
}
