package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/Promptonauts/fleetci/pkg/models"
	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
)

type dialect int

const (
	dialectSQLite dialect = iota
	dialectPostgres
)

// SQLStore persists runs in SQLite or PostgreSQL. Queries are written with
// "?" placeholders and rebound for PostgreSQL.
type SQLStore struct {
	db       *sql.DB
	dialect  dialect
	mu       sync.RWMutex
	watchers []chan RunEvent
	watchMu  sync.RWMutex
}

// Open picks the driver from the DSN: postgres:// URLs use pgx, anything
// else is a SQLite file path.
func Open(dsn string) (*SQLStore, error) {
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		return NewPostgresStore(dsn)
	}
	return NewSQLiteStore(dsn)
}

func NewSQLiteStore(path string) (*SQLStore, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	return &SQLStore{db: db, dialect: dialectSQLite}, nil
}

const sqliteSchema = `
	CREATE TABLE IF NOT EXISTS runs (
		id TEXT PRIMARY KEY,
		branch TEXT NOT NULL,
		status TEXT NOT NULL,
		data TEXT NOT NULL,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS task_results (
		run_id TEXT NOT NULL,
		job TEXT NOT NULL,
		status TEXT NOT NULL,
		data TEXT NOT NULL,
		PRIMARY KEY (run_id, job),
		FOREIGN KEY (run_id) REFERENCES runs(id)
	);

	CREATE TABLE IF NOT EXISTS upload_reports (
		run_id TEXT NOT NULL,
		job TEXT NOT NULL,
		data TEXT NOT NULL,
		PRIMARY KEY (run_id, job),
		FOREIGN KEY (run_id) REFERENCES runs(id)
	);

	CREATE TABLE IF NOT EXISTS run_logs (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		run_id TEXT NOT NULL,
		timestamp DATETIME NOT NULL,
		level TEXT NOT NULL,
		job TEXT DEFAULT '',
		step TEXT DEFAULT '',
		message TEXT NOT NULL,
		FOREIGN KEY (run_id) REFERENCES runs(id)
	);

	CREATE TABLE IF NOT EXISTS manifests (
		run_id TEXT PRIMARY KEY,
		data TEXT NOT NULL,
		FOREIGN KEY (run_id) REFERENCES runs(id)
	);

	CREATE TABLE IF NOT EXISTS deliveries (
		run_id TEXT PRIMARY KEY,
		data TEXT NOT NULL,
		FOREIGN KEY (run_id) REFERENCES runs(id)
	);

	CREATE INDEX IF NOT EXISTS idx_runs_branch ON runs(branch);
	CREATE INDEX IF NOT EXISTS idx_runs_status ON runs(status);
	CREATE INDEX IF NOT EXISTS idx_run_logs_run_id ON run_logs(run_id);
	`

func (s *SQLStore) Migrate() error {
	schema := sqliteSchema
	if s.dialect == dialectPostgres {
		schema = postgresSchema
	}
	_, err := s.db.Exec(schema)
	return err
}

func (s *SQLStore) Close() error {
	return s.db.Close()
}

// q rewrites "?" placeholders to "$n" for PostgreSQL.
func (s *SQLStore) q(query string) string {
	if s.dialect != dialectPostgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteString("$" + strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (s *SQLStore) CreateRun(run *models.RunRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if run.ID == "" {
		run.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	run.CreatedAt = now
	run.UpdatedAt = now
	if run.Status == "" {
		run.Status = models.RunPending
	}

	data, err := json.Marshal(run)
	if err != nil {
		return fmt.Errorf("marshal run: %w", err)
	}
	_, err = s.db.Exec(s.q(`
		INSERT INTO runs (id, branch, status, data, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`), run.ID, run.Branch, string(run.Status), string(data), now, now)
	if err != nil {
		return fmt.Errorf("insert run: %w", err)
	}
	s.emit(RunEvent{Type: EventCreated, RunID: run.ID, Run: copyRun(run)})
	return nil
}

func (s *SQLStore) GetRun(id string) (*models.RunRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var data string
	err := s.db.QueryRow(s.q("SELECT data FROM runs WHERE id = ?"), id).Scan(&data)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("run %s: %w", id, models.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("query run: %w", err)
	}
	var run models.RunRecord
	if err := json.Unmarshal([]byte(data), &run); err != nil {
		return nil, fmt.Errorf("unmarshal run: %w", err)
	}
	return &run, nil
}

func (s *SQLStore) UpdateRun(run *models.RunRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	run.UpdatedAt = time.Now().UTC()
	data, err := json.Marshal(run)
	if err != nil {
		return err
	}
	res, err := s.db.Exec(s.q(`
		UPDATE runs SET status = ?, data = ?, updated_at = ? WHERE id = ?
	`), string(run.Status), string(data), run.UpdatedAt, run.ID)
	if err != nil {
		return fmt.Errorf("update run: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("run %s: %w", run.ID, models.ErrNotFound)
	}
	s.emit(RunEvent{Type: EventUpdated, RunID: run.ID, Run: copyRun(run)})
	return nil
}

func (s *SQLStore) ListRuns(branch string, limit int) ([]*models.RunRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := "SELECT data FROM runs"
	args := []interface{}{}
	if branch != "" {
		query += " WHERE branch = ?"
		args = append(args, branch)
	}
	query += " ORDER BY created_at DESC"
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.Query(s.q(query), args...)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var results []*models.RunRecord
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, err
		}
		var run models.RunRecord
		if err := json.Unmarshal([]byte(data), &run); err != nil {
			return nil, err
		}
		results = append(results, &run)
	}
	return results, rows.Err()
}

func (s *SQLStore) SaveTaskResult(result models.TaskResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := json.Marshal(result)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(s.q(`
		INSERT INTO task_results (run_id, job, status, data)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(run_id, job) DO UPDATE SET
			status = excluded.status,
			data = excluded.data
	`), result.RunID, result.Job, string(result.Status), string(data))
	if err != nil {
		return fmt.Errorf("save task result: %w", err)
	}
	r := result
	s.emit(RunEvent{Type: EventResult, RunID: result.RunID, Result: &r})
	return nil
}

func (s *SQLStore) ListTaskResults(runID string) ([]models.TaskResult, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(s.q("SELECT data FROM task_results WHERE run_id = ? ORDER BY job ASC"), runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []models.TaskResult
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, err
		}
		var r models.TaskResult
		if err := json.Unmarshal([]byte(data), &r); err != nil {
			return nil, err
		}
		results = append(results, r)
	}
	return results, rows.Err()
}

func (s *SQLStore) SaveUploadReport(runID string, report models.UploadReport) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := json.Marshal(report)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(s.q(`
		INSERT INTO upload_reports (run_id, job, data)
		VALUES (?, ?, ?)
		ON CONFLICT(run_id, job) DO UPDATE SET data = excluded.data
	`), runID, report.Job, string(data))
	return err
}

func (s *SQLStore) ListUploadReports(runID string) ([]models.UploadReport, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(s.q("SELECT data FROM upload_reports WHERE run_id = ? ORDER BY job ASC"), runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var reports []models.UploadReport
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, err
		}
		var r models.UploadReport
		if err := json.Unmarshal([]byte(data), &r); err != nil {
			return nil, err
		}
		reports = append(reports, r)
	}
	return reports, rows.Err()
}

func (s *SQLStore) AppendRunLog(runID string, logEntry models.RunLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(s.q(`
		INSERT INTO run_logs (run_id, timestamp, level, job, step, message)
		VALUES (?, ?, ?, ?, ?, ?)
	`), runID, logEntry.Timestamp, logEntry.Level, logEntry.Job, string(logEntry.Step), logEntry.Message)
	return err
}

func (s *SQLStore) GetRunLogs(runID string) ([]models.RunLog, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(s.q(
		"SELECT timestamp, level, job, step, message FROM run_logs WHERE run_id = ? ORDER BY id ASC",
	), runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var logs []models.RunLog
	for rows.Next() {
		var l models.RunLog
		var step string
		if err := rows.Scan(&l.Timestamp, &l.Level, &l.Job, &step, &l.Message); err != nil {
			return nil, err
		}
		l.Step = models.StepName(step)
		logs = append(logs, l)
	}
	return logs, rows.Err()
}

// SaveManifest stores the run's manifest. A second manifest for the same run
// is rejected.
func (s *SQLStore) SaveManifest(manifest *models.DeliveryManifest) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := json.Marshal(manifest)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(s.q("INSERT INTO manifests (run_id, data) VALUES (?, ?)"), manifest.RunID, string(data))
	if err != nil {
		return fmt.Errorf("save manifest for run %s: %w", manifest.RunID, err)
	}
	return nil
}

func (s *SQLStore) GetManifest(runID string) (*models.DeliveryManifest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var data string
	err := s.db.QueryRow(s.q("SELECT data FROM manifests WHERE run_id = ?"), runID).Scan(&data)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("manifest for run %s: %w", runID, models.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	var m models.DeliveryManifest
	if err := json.Unmarshal([]byte(data), &m); err != nil {
		return nil, err
	}
	return &m, nil
}

func (s *SQLStore) RecordDelivery(runID string, ack models.DispatchAck) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := json.Marshal(ack)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(s.q("INSERT INTO deliveries (run_id, data) VALUES (?, ?)"), runID, string(data))
	if err != nil {
		return fmt.Errorf("record delivery for run %s: %w", runID, err)
	}
	s.emit(RunEvent{Type: EventDelivered, RunID: runID})
	return nil
}

func (s *SQLStore) GetDelivery(runID string) (*models.DispatchAck, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var data string
	err := s.db.QueryRow(s.q("SELECT data FROM deliveries WHERE run_id = ?"), runID).Scan(&data)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("delivery for run %s: %w", runID, models.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	var ack models.DispatchAck
	if err := json.Unmarshal([]byte(data), &ack); err != nil {
		return nil, err
	}
	return &ack, nil
}

// Watch support

func (s *SQLStore) Watch() <-chan RunEvent {
	s.watchMu.Lock()
	defer s.watchMu.Unlock()

	ch := make(chan RunEvent, 100)
	s.watchers = append(s.watchers, ch)
	return ch
}

// Unwatch removes and closes a channel returned by Watch.
func (s *SQLStore) Unwatch(ch <-chan RunEvent) {
	s.watchMu.Lock()
	defer s.watchMu.Unlock()

	for i, w := range s.watchers {
		if w == ch {
			s.watchers = append(s.watchers[:i], s.watchers[i+1:]...)
			close(w)
			return
		}
	}
}

func (s *SQLStore) emit(event RunEvent) {
	s.watchMu.RLock()
	defer s.watchMu.RUnlock()

	for _, ch := range s.watchers {
		select {
		case ch <- event:
		default:
			// slow watcher, drop
		}
	}
}

func copyRun(run *models.RunRecord) *models.RunRecord {
	c := *run
	return &c
}
