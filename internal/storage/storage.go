package storage

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// Store wraps SQLite-backed persistence for request history. Methods are
// nil-safe so history can be disabled by passing a nil Store.
type Store struct {
	DB *sql.DB
}

// New opens (or creates) the database at path and ensures schema.
func New(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	s := &Store{DB: db}
	if err := s.ensureSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) ensureSchema() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS process_requests (
            id TEXT PRIMARY KEY,
            status TEXT NOT NULL,
            format TEXT,
            filename TEXT,
            error_message TEXT,
            cleanup_failed INTEGER DEFAULT 0,
            created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
            completed_at TIMESTAMP
        );`,
		`CREATE TABLE IF NOT EXISTS request_metadata (
            request_id TEXT,
            meta_json TEXT,
            created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
        );`,
		`CREATE INDEX IF NOT EXISTS idx_process_requests_status ON process_requests(status);`,
	}
	for _, stmt := range stmts {
		if _, err := s.DB.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

// Close closes the underlying DB.
func (s *Store) Close() error {
	if s == nil || s.DB == nil {
		return nil
	}
	return s.DB.Close()
}

// RequestRecord captures one persisted request.
type RequestRecord struct {
	ID            string     `json:"id"`
	Status        string     `json:"status"`
	Format        string     `json:"format"`
	Filename      string     `json:"filename,omitempty"`
	Error         string     `json:"error,omitempty"`
	CleanupFailed bool       `json:"cleanupFailed"`
	CreatedAt     time.Time  `json:"createdAt"`
	CompletedAt   *time.Time `json:"completedAt,omitempty"`
}

// RecordStart inserts a running request.
func (s *Store) RecordStart(id, format string) error {
	if s == nil {
		return nil
	}
	_, err := s.DB.Exec(`INSERT OR REPLACE INTO process_requests (id, status, format) VALUES (?, 'running', ?);`, id, format)
	return err
}

// RecordResult finalizes a request.
func (s *Store) RecordResult(id, status, filename, errMsg string, cleanupFailed bool) error {
	if s == nil {
		return nil
	}
	_, err := s.DB.Exec(`UPDATE process_requests SET status=?, filename=?, error_message=?, cleanup_failed=?, completed_at=CURRENT_TIMESTAMP WHERE id=?;`,
		status, filename, errMsg, boolToInt(cleanupFailed), id)
	return err
}

// RecordMetadata stores the extracted metadata blob for a request.
func (s *Store) RecordMetadata(id string, meta map[string]any) error {
	if s == nil || meta == nil {
		return nil
	}
	metaJSON, _ := json.Marshal(meta)
	_, err := s.DB.Exec(`INSERT INTO request_metadata (request_id, meta_json) VALUES (?, ?);`, id, string(metaJSON))
	return err
}

// RecentRequests returns the latest requests up to limit.
func (s *Store) RecentRequests(limit int) ([]RequestRecord, error) {
	if s == nil {
		return nil, errors.New("store not initialized")
	}
	rows, err := s.DB.Query(`SELECT id, status, format, filename, error_message, cleanup_failed, created_at, completed_at FROM process_requests ORDER BY created_at DESC LIMIT ?;`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var recs []RequestRecord
	for rows.Next() {
		var rec RequestRecord
		var filename, errorMsg sql.NullString
		var cleanupFailed int
		var completed sql.NullTime
		if err := rows.Scan(&rec.ID, &rec.Status, &rec.Format, &filename, &errorMsg, &cleanupFailed, &rec.CreatedAt, &completed); err != nil {
			return nil, err
		}
		if filename.Valid {
			rec.Filename = filename.String
		}
		if errorMsg.Valid {
			rec.Error = errorMsg.String
		}
		rec.CleanupFailed = cleanupFailed != 0
		if completed.Valid {
			rec.CompletedAt = &completed.Time
		}
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

// RequestMetadata fetches the last metadata blob for a request.
func (s *Store) RequestMetadata(id string) (map[string]any, error) {
	if s == nil {
		return nil, errors.New("store not initialized")
	}
	var metaJSON string
	err := s.DB.QueryRow(`SELECT meta_json FROM request_metadata WHERE request_id=? ORDER BY created_at DESC LIMIT 1;`, id).Scan(&metaJSON)
	if err != nil {
		return nil, err
	}
	var meta map[string]any
	if err := json.Unmarshal([]byte(metaJSON), &meta); err != nil {
		return nil, fmt.Errorf("unmarshal meta: %w", err)
	}
	return meta, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
