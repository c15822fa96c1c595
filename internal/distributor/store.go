package distributor

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS deployments (
	id            TEXT PRIMARY KEY,
	service       TEXT NOT NULL,
	version       TEXT NOT NULL,
	digest        TEXT,
	strategy      TEXT NOT NULL,
	status        TEXT NOT NULL,
	reason        TEXT,
	started_at    TEXT NOT NULL,
	completed_at  TEXT,
	results_json  TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_deployments_service ON deployments(service, started_at);

CREATE TABLE IF NOT EXISTS bundle_cache (
	service    TEXT NOT NULL,
	version    TEXT NOT NULL,
	bytes      BLOB NOT NULL,
	digest     TEXT NOT NULL,
	cached_at  TEXT NOT NULL,
	expires_at TEXT NOT NULL,
	PRIMARY KEY (service, version)
);

CREATE TABLE IF NOT EXISTS cache_metrics (
	name  TEXT PRIMARY KEY,
	value INTEGER NOT NULL
);
`

// Store persists deployment records in SQLite. Writes for one deployment id
// are serialized by the single connection.
type Store struct {
	db *sql.DB
}

// OpenStore opens (and migrates) the deployment database.
func OpenStore(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	db.SetMaxOpenConns(1)
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		return nil, fmt.Errorf("pragma: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// SaveDeployment upserts a deployment record.
func (s *Store) SaveDeployment(dep *Deployment) error {
	results, err := json.Marshal(dep.Snapshot())
	if err != nil {
		return fmt.Errorf("marshal results: %w", err)
	}

	dep.mu.Lock()
	id, service, version, digest := dep.ID, dep.Service, dep.Version, dep.Digest
	strategy := dep.Strategy.Type.String()
	status := string(dep.State)
	reason := dep.Reason
	startedAt := dep.StartedAt.UTC().Format(time.RFC3339Nano)
	completedAt := ""
	if !dep.CompletedAt.IsZero() {
		completedAt = dep.CompletedAt.UTC().Format(time.RFC3339Nano)
	}
	dep.mu.Unlock()

	_, err = s.db.Exec(`
		INSERT INTO deployments (id, service, version, digest, strategy, status, reason, started_at, completed_at, results_json)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			reason = excluded.reason,
			completed_at = excluded.completed_at,
			results_json = excluded.results_json`,
		id, service, version, digest, strategy, status, reason, startedAt, completedAt, string(results))
	if err != nil {
		return fmt.Errorf("save deployment %s: %w", id, err)
	}
	return nil
}

// DeploymentRow is a persisted deployment summary.
type DeploymentRow struct {
	ID          string
	Service     string
	Version     string
	Digest      string
	Strategy    string
	Status      string
	Reason      string
	StartedAt   time.Time
	CompletedAt time.Time
	Results     map[string]PushResult
}

// GetDeployment loads one deployment by id.
func (s *Store) GetDeployment(id string) (*DeploymentRow, error) {
	row := s.db.QueryRow(`
		SELECT id, service, version, digest, strategy, status, reason, started_at, completed_at, results_json
		FROM deployments WHERE id = ?`, id)
	return scanDeployment(row)
}

// ListDeployments returns deployments for a service, newest first. An empty
// service lists everything.
func (s *Store) ListDeployments(service string, limit int) ([]*DeploymentRow, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `
		SELECT id, service, version, digest, strategy, status, reason, started_at, completed_at, results_json
		FROM deployments`
	args := []any{}
	if service != "" {
		query += " WHERE service = ?"
		args = append(args, service)
	}
	query += " ORDER BY started_at DESC LIMIT ?"
	args = append(args, limit)

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("list deployments: %w", err)
	}
	defer rows.Close()

	var out []*DeploymentRow
	for rows.Next() {
		dep, err := scanDeployment(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, dep)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDeployment(row rowScanner) (*DeploymentRow, error) {
	var dep DeploymentRow
	var reason, startedAt, completedAt sql.NullString
	var results string

	err := row.Scan(&dep.ID, &dep.Service, &dep.Version, &dep.Digest, &dep.Strategy,
		&dep.Status, &reason, &startedAt, &completedAt, &results)
	if err != nil {
		return nil, fmt.Errorf("scan deployment: %w", err)
	}

	dep.Reason = reason.String
	if startedAt.String != "" {
		dep.StartedAt, _ = time.Parse(time.RFC3339Nano, startedAt.String)
	}
	if completedAt.String != "" {
		dep.CompletedAt, _ = time.Parse(time.RFC3339Nano, completedAt.String)
	}
	if err := json.Unmarshal([]byte(results), &dep.Results); err != nil {
		return nil, fmt.Errorf("parse results: %w", err)
	}
	return &dep, nil
}

// SaveCacheEntry persists an instance-side cache entry.
func (s *Store) SaveCacheEntry(service, version string, raw []byte, digest string, cachedAt, expiresAt time.Time) error {
	_, err := s.db.Exec(`
		INSERT INTO bundle_cache (service, version, bytes, digest, cached_at, expires_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(service, version) DO UPDATE SET
			bytes = excluded.bytes,
			digest = excluded.digest,
			cached_at = excluded.cached_at,
			expires_at = excluded.expires_at`,
		service, version, raw, digest,
		cachedAt.UTC().Format(time.RFC3339Nano), expiresAt.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("save cache entry: %w", err)
	}
	return nil
}

// IncrCacheMetric bumps a named counter.
func (s *Store) IncrCacheMetric(name string) error {
	_, err := s.db.Exec(`
		INSERT INTO cache_metrics (name, value) VALUES (?, 1)
		ON CONFLICT(name) DO UPDATE SET value = value + 1`, name)
	if err != nil {
		return fmt.Errorf("incr metric %s: %w", name, err)
	}
	return nil
}

// CacheMetric reads a named counter; missing counters read zero.
func (s *Store) CacheMetric(name string) (int64, error) {
	var value int64
	err := s.db.QueryRow(`SELECT value FROM cache_metrics WHERE name = ?`, name).Scan(&value)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read metric %s: %w", name, err)
	}
	return value, nil
}
