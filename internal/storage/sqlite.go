package storage

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ClancyDennis/claude-commander/internal/protocol"
	"github.com/ClancyDennis/claude-commander/internal/worker"
	_ "modernc.org/sqlite"
)

// ErrNotFound is returned for lookups of run ids that were never recorded
// or have been deleted.
var ErrNotFound = errors.New("run not found")

type Storage struct {
	db *sql.DB
}

func New(dbPath string) (*Storage, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, err
	}

	s := &Storage{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}

	return s, nil
}

func (s *Storage) Close() error {
	return s.db.Close()
}

func (s *Storage) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS runs (
		id TEXT PRIMARY KEY,
		working_dir TEXT NOT NULL,
		source TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL,
		pid INTEGER,
		started_at TIMESTAMP NOT NULL,
		ended_at TIMESTAMP,
		last_activity TIMESTAMP NOT NULL,
		can_resume INTEGER NOT NULL DEFAULT 0,
		resume_payload TEXT,
		error TEXT,
		stats TEXT
	);

	CREATE TABLE IF NOT EXISTS prompts (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		run_id TEXT NOT NULL REFERENCES runs(id),
		text TEXT NOT NULL,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS output_events (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		run_id TEXT NOT NULL,
		type TEXT NOT NULL,
		content TEXT,
		session_id TEXT,
		subtype TEXT,
		bytes INTEGER NOT NULL DEFAULT 0,
		created_at TIMESTAMP NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_runs_status ON runs(status);
	CREATE INDEX IF NOT EXISTS idx_prompts_run ON prompts(run_id);
	CREATE INDEX IF NOT EXISTS idx_output_events_run ON output_events(run_id);
	`

	_, err := s.db.Exec(schema)
	return err
}

func (s *Storage) CreateRun(rec *worker.RunRecord) error {
	stats, err := json.Marshal(rec.Stats)
	if err != nil {
		return err
	}

	_, err = s.db.Exec(
		`INSERT INTO runs (id, working_dir, source, status, pid, started_at, ended_at, last_activity, can_resume, resume_payload, error, stats)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.WorkingDir, rec.Source, rec.Status, rec.PID,
		rec.StartedAt, rec.EndedAt, rec.LastActivity, rec.CanResume,
		rec.ResumePayload, rec.Error, string(stats),
	)
	return err
}

func (s *Storage) UpdateRun(rec *worker.RunRecord) error {
	stats, err := json.Marshal(rec.Stats)
	if err != nil {
		return err
	}

	res, err := s.db.Exec(
		`UPDATE runs SET status = ?, pid = ?, ended_at = ?, last_activity = ?, can_resume = ?, resume_payload = ?, error = ?, stats = ?
		 WHERE id = ?`,
		rec.Status, rec.PID, rec.EndedAt, rec.LastActivity, rec.CanResume,
		rec.ResumePayload, rec.Error, string(stats), rec.ID,
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, rec.ID)
	}
	return nil
}

func (s *Storage) GetRun(id string) (*worker.RunRecord, error) {
	row := s.db.QueryRow(
		`SELECT id, working_dir, source, status, pid, started_at, ended_at, last_activity, can_resume, resume_payload, error, stats
		 FROM runs WHERE id = ?`, id,
	)

	rec, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return rec, err
}

func (s *Storage) QueryRuns(filter worker.RunFilter) ([]*worker.RunRecord, error) {
	query := `SELECT id, working_dir, source, status, pid, started_at, ended_at, last_activity, can_resume, resume_payload, error, stats FROM runs`

	var where []string
	var args []any
	if len(filter.Statuses) > 0 {
		marks := make([]string, len(filter.Statuses))
		for i, st := range filter.Statuses {
			marks[i] = "?"
			args = append(args, st)
		}
		where = append(where, "status IN ("+strings.Join(marks, ", ")+")")
	}
	if filter.Source != "" {
		where = append(where, "source = ?")
		args = append(args, filter.Source)
	}
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY started_at DESC"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var recs []*worker.RunRecord
	for rows.Next() {
		rec, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		recs = append(recs, rec)
	}

	return recs, rows.Err()
}

func (s *Storage) RecordPrompt(runID, text string) error {
	_, err := s.db.Exec(
		`INSERT INTO prompts (run_id, text) VALUES (?, ?)`,
		runID, text,
	)
	return err
}

func (s *Storage) AppendEvent(ev protocol.OutputEvent) error {
	_, err := s.db.Exec(
		`INSERT INTO output_events (run_id, type, content, session_id, subtype, bytes, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		ev.WorkerID, ev.Type, ev.Content, ev.SessionID, ev.Subtype, ev.Bytes, ev.Timestamp,
	)
	return err
}

// Prompts returns everything sent to the run's stdin, oldest first.
func (s *Storage) Prompts(runID string) ([]string, error) {
	rows, err := s.db.Query(`SELECT text FROM prompts WHERE run_id = ? ORDER BY id`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var prompts []string
	for rows.Next() {
		var text string
		if err := rows.Scan(&text); err != nil {
			return nil, err
		}
		prompts = append(prompts, text)
	}

	return prompts, rows.Err()
}

// RecentEvents returns the run's last limit output events, oldest first.
func (s *Storage) RecentEvents(runID string, limit int) ([]protocol.OutputEvent, error) {
	rows, err := s.db.Query(
		`SELECT type, content, session_id, subtype, bytes, created_at
		 FROM output_events WHERE run_id = ?
		 ORDER BY id DESC LIMIT ?`, runID, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []protocol.OutputEvent
	for rows.Next() {
		var ev protocol.OutputEvent
		var content, sessionID, subtype sql.NullString
		var createdAt time.Time

		if err := rows.Scan(&ev.Type, &content, &sessionID, &subtype, &ev.Bytes, &createdAt); err != nil {
			return nil, err
		}

		ev.WorkerID = runID
		ev.Content = content.String
		ev.SessionID = sessionID.String
		ev.Subtype = subtype.String
		ev.Timestamp = createdAt
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// reverse into chronological order
	for i, j := 0, len(events)-1; i < j; i, j = i+1, j-1 {
		events[i], events[j] = events[j], events[i]
	}

	return events, nil
}

func (s *Storage) DeleteRun(id string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`DELETE FROM output_events WHERE run_id = ?`, id); err != nil {
		return err
	}
	if _, err := tx.Exec(`DELETE FROM prompts WHERE run_id = ?`, id); err != nil {
		return err
	}
	res, err := tx.Exec(`DELETE FROM runs WHERE id = ?`, id)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err != nil {
		return err
	} else if n == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}

	return tx.Commit()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (*worker.RunRecord, error) {
	var rec worker.RunRecord
	var pid sql.NullInt64
	var endedAt sql.NullTime
	var resumePayload, errMsg, stats sql.NullString

	err := row.Scan(
		&rec.ID, &rec.WorkingDir, &rec.Source, &rec.Status, &pid,
		&rec.StartedAt, &endedAt, &rec.LastActivity, &rec.CanResume,
		&resumePayload, &errMsg, &stats,
	)
	if err != nil {
		return nil, err
	}

	if pid.Valid {
		rec.PID = int(pid.Int64)
	}
	if endedAt.Valid {
		rec.EndedAt = &endedAt.Time
	}
	if resumePayload.Valid {
		rec.ResumePayload = resumePayload.String
	}
	if errMsg.Valid {
		rec.Error = errMsg.String
	}
	if stats.Valid && stats.String != "" {
		if err := json.Unmarshal([]byte(stats.String), &rec.Stats); err != nil {
			return nil, err
		}
	}

	return &rec, nil
}

// FormatTimeAgo renders a timestamp for list output.
func FormatTimeAgo(t time.Time) string {
	d := time.Since(t)
	switch {
	case d < time.Minute:
		return "just now"
	case d < time.Hour:
		return fmt.Sprintf("%dm ago", int(d.Minutes()))
	case d < 24*time.Hour:
		return fmt.Sprintf("%dh ago", int(d.Hours()))
	default:
		return t.Format("Jan 2")
	}
}
