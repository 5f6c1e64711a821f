package state

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/lib/pq"
)

// DBManager is a Postgres-backed Manager, adapted from the teacher's
// DBStateManager: same connection-pool tuning, same upsert-by-id schema
// shape, generalized from migration tasks to replication runs so run
// history recorded by pkg/client survives restarts.
type DBManager struct {
	db *sql.DB
}

// NewDBManager opens connectionString through driverName (expected to be
// "postgres"), tunes the pool exactly as the teacher does, and ensures
// the schema exists.
func NewDBManager(driverName, connectionString string) (*DBManager, error) {
	db, err := sql.Open(driverName, connectionString)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	m := &DBManager{db: db}
	if err := m.initSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return m, nil
}

func (m *DBManager) initSchema() error {
	const schema = `
CREATE TABLE IF NOT EXISTS replication_runs (
	id TEXT PRIMARY KEY,
	status TEXT NOT NULL,
	source_region TEXT,
	dest_region TEXT,
	source_bucket TEXT,
	dest_bucket TEXT,
	throughput_gbits DOUBLE PRECISION,
	job_json TEXT,
	multipart_json TEXT,
	errors_json TEXT,
	start_time TIMESTAMP NOT NULL,
	end_time TIMESTAMP,
	created_at TIMESTAMP NOT NULL DEFAULT NOW(),
	updated_at TIMESTAMP NOT NULL DEFAULT NOW()
);
CREATE INDEX IF NOT EXISTS idx_replication_runs_status ON replication_runs(status);
CREATE INDEX IF NOT EXISTS idx_replication_runs_created_at ON replication_runs(created_at);
`
	_, err := m.db.Exec(schema)
	return err
}

// SaveRun upserts rec by ID, following the teacher's ON CONFLICT pattern.
func (m *DBManager) SaveRun(rec *JobRecord) error {
	jobJSON, err := json.Marshal(rec.Job)
	if err != nil {
		return fmt.Errorf("marshal job: %w", err)
	}
	multipartJSON, err := json.Marshal(rec.MultipartRecords)
	if err != nil {
		return fmt.Errorf("marshal multipart records: %w", err)
	}
	errorsJSON, err := json.Marshal(rec.Errors)
	if err != nil {
		return fmt.Errorf("marshal errors: %w", err)
	}

	var endTime sql.NullTime
	if rec.EndTime != nil {
		endTime = sql.NullTime{Time: *rec.EndTime, Valid: true}
	}

	const query = `
INSERT INTO replication_runs (
	id, status, source_region, dest_region, source_bucket, dest_bucket,
	throughput_gbits, job_json, multipart_json, errors_json, start_time, end_time, updated_at
) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, NOW())
ON CONFLICT (id) DO UPDATE SET
	status = EXCLUDED.status,
	throughput_gbits = EXCLUDED.throughput_gbits,
	job_json = EXCLUDED.job_json,
	multipart_json = EXCLUDED.multipart_json,
	errors_json = EXCLUDED.errors_json,
	end_time = EXCLUDED.end_time,
	updated_at = NOW()
`
	_, err = m.db.Exec(query,
		rec.ID, rec.Status, rec.Job.SourceRegion, rec.Job.DestRegion,
		rec.Job.SourceBucket, rec.Job.DestBucket, rec.ThroughputGbits,
		string(jobJSON), string(multipartJSON), string(errorsJSON),
		rec.StartTime, endTime,
	)
	if err != nil {
		return fmt.Errorf("save run %s: %w", rec.ID, err)
	}
	return nil
}

// LoadRun fetches one run by id, returning (nil, nil) if absent.
func (m *DBManager) LoadRun(id string) (*JobRecord, error) {
	const query = `
SELECT id, status, throughput_gbits, job_json, multipart_json, errors_json, start_time, end_time
FROM replication_runs WHERE id = $1
`
	row := m.db.QueryRow(query, id)
	rec, err := scanRun(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load run %s: %w", id, err)
	}
	return rec, nil
}

// ListRuns returns the 1000 most recently created runs, newest first.
func (m *DBManager) ListRuns() ([]*JobRecord, error) {
	const query = `
SELECT id, status, throughput_gbits, job_json, multipart_json, errors_json, start_time, end_time
FROM replication_runs ORDER BY created_at DESC LIMIT 1000
`
	rows, err := m.db.Query(query)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var out []*JobRecord
	for rows.Next() {
		rec, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// CleanupOldRuns deletes terminal runs started before the cutoff.
func (m *DBManager) CleanupOldRuns(olderThan time.Duration) error {
	cutoff := time.Now().Add(-olderThan)
	const query = `
DELETE FROM replication_runs
WHERE status IN ('completed', 'error', 'timed_out') AND start_time < $1
`
	_, err := m.db.Exec(query, cutoff)
	if err != nil {
		return fmt.Errorf("cleanup old runs: %w", err)
	}
	return nil
}

func (m *DBManager) Close() error {
	return m.db.Close()
}

// rowScanner abstracts over *sql.Row and *sql.Rows, both satisfied below.
type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanRun(row rowScanner) (*JobRecord, error) {
	var (
		rec                                  JobRecord
		jobJSON, multipartJSON, errorsJSON   string
		endTime                              sql.NullTime
	)
	if err := row.Scan(&rec.ID, &rec.Status, &rec.ThroughputGbits, &jobJSON, &multipartJSON, &errorsJSON, &rec.StartTime, &endTime); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(jobJSON), &rec.Job); err != nil {
		return nil, fmt.Errorf("unmarshal job: %w", err)
	}
	if multipartJSON != "" {
		if err := json.Unmarshal([]byte(multipartJSON), &rec.MultipartRecords); err != nil {
			return nil, fmt.Errorf("unmarshal multipart records: %w", err)
		}
	}
	if errorsJSON != "" {
		if err := json.Unmarshal([]byte(errorsJSON), &rec.Errors); err != nil {
			return nil, fmt.Errorf("unmarshal errors: %w", err)
		}
	}
	if endTime.Valid {
		t := endTime.Time
		rec.EndTime = &t
	}
	return &rec, nil
}

var _ Manager = (*DBManager)(nil)
