// Package store provides SQLite-based persistence for the orchestrator.
// It handles the project-local database (.orchestrator/state.db).
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/featureforge/orchestrator/pkg/models"
)

// DB wraps an SQLite database connection with orchestrator-specific
// operations. It implements Store.
type DB struct {
	conn *sql.DB
	path string
	mu   sync.RWMutex
}

var _ Store = (*DB)(nil)

// ProjectDBPath returns the path to the project-local database.
func ProjectDBPath(projectRoot string) string {
	return filepath.Join(projectRoot, ".orchestrator", "state.db")
}

// Open opens an SQLite database at the given path, creating parent
// directories and applying schema migrations. WAL mode is enabled so
// concurrent worker processes can read while the orchestrator writes.
func Open(path string) (*DB, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	conn, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if _, err := conn.Exec("PRAGMA journal_mode=WAL"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("enable WAL mode: %w", err)
	}
	if _, err := conn.Exec("PRAGMA foreign_keys=ON"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}
	// busy_timeout lets concurrent worker processes queue briefly on a
	// writer lock instead of failing SQLITE_BUSY immediately.
	if _, err := conn.Exec("PRAGMA busy_timeout=5000"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("set busy_timeout: %w", err)
	}

	db := &DB{conn: conn, path: path}
	if err := db.migrate(); err != nil {
		conn.Close()
		return nil, err
	}
	return db, nil
}

// OpenProject opens the project-local database for projectRoot.
func OpenProject(projectRoot string) (*DB, error) {
	return Open(ProjectDBPath(projectRoot))
}

// Path returns the path to the database file.
func (db *DB) Path() string {
	return db.path
}

// Close closes the database connection.
func (db *DB) Close() error {
	db.mu.Lock()
	defer db.mu.Unlock()
	return db.conn.Close()
}

const schemaV1 = `
CREATE TABLE IF NOT EXISTS features (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	priority INTEGER NOT NULL DEFAULT 0,
	name TEXT NOT NULL,
	category TEXT NOT NULL DEFAULT '',
	description TEXT NOT NULL DEFAULT '',
	steps_json TEXT NOT NULL DEFAULT '[]',
	passes INTEGER NOT NULL DEFAULT 0,
	running INTEGER NOT NULL DEFAULT 0,
	skip_count INTEGER NOT NULL DEFAULT 0,
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS feature_dependencies (
	feature_id INTEGER NOT NULL,
	depends_on INTEGER NOT NULL,
	PRIMARY KEY (feature_id, depends_on)
);

CREATE INDEX IF NOT EXISTS idx_feature_deps_feature ON feature_dependencies(feature_id);
CREATE INDEX IF NOT EXISTS idx_feature_deps_depends_on ON feature_dependencies(depends_on);
CREATE INDEX IF NOT EXISTS idx_features_running ON features(running);
CREATE INDEX IF NOT EXISTS idx_features_passes ON features(passes);
`

// migrate applies the schema. A single version table mirrors the teacher's
// schema_version bookkeeping, kept simple here since the core has one
// migration rather than an evolving series.
func (db *DB) migrate() error {
	db.mu.Lock()
	defer db.mu.Unlock()

	_, err := db.conn.Exec(`
		CREATE TABLE IF NOT EXISTS schema_version (
			version INTEGER PRIMARY KEY,
			applied_at TEXT DEFAULT CURRENT_TIMESTAMP
		)
	`)
	if err != nil {
		return fmt.Errorf("create schema_version table: %w", err)
	}

	var currentVersion int
	row := db.conn.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_version")
	if err := row.Scan(&currentVersion); err != nil {
		return fmt.Errorf("get schema version: %w", err)
	}
	if currentVersion >= 1 {
		return nil
	}

	tx, err := db.conn.Begin()
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	if _, err := tx.Exec(schemaV1); err != nil {
		tx.Rollback()
		return fmt.Errorf("apply migration v1: %w", err)
	}
	if _, err := tx.Exec("INSERT INTO schema_version (version) VALUES (1)"); err != nil {
		tx.Rollback()
		return fmt.Errorf("record migration v1: %w", err)
	}
	return tx.Commit()
}

// Refresh discards cached connections so subsequent reads observe commits
// made by other processes. modernc.org/sqlite has no server-side session
// cache to invalidate (unlike the client/server databases this pattern is
// usually written against); the Go-idiomatic equivalent is forcing
// database/sql's pool to retire its idle connections so the next query
// opens a fresh file-level read, re-reading the WAL index.
//
// SetMaxIdleConns(0) closes every currently idle connection synchronously,
// before returning; restoring the limit afterwards lets the pool cache
// connections again for subsequent queries. The following Ping forces a
// brand new connection to be dialed rather than reusing one opened before
// the drop.
func (db *DB) Refresh(ctx context.Context) error {
	db.mu.Lock()
	defer db.mu.Unlock()

	db.conn.SetMaxIdleConns(0)
	db.conn.SetMaxIdleConns(2)
	if err := db.conn.PingContext(ctx); err != nil {
		return fmt.Errorf("refresh: ping: %w", err)
	}
	return nil
}

func formatTime(t time.Time) string { return t.UTC().Format(time.RFC3339Nano) }

func parseTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

// Snapshot returns every feature with its dependency set.
func (db *DB) Snapshot(ctx context.Context) (models.Snapshot, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()

	rows, err := db.conn.QueryContext(ctx, `
		SELECT id, priority, name, category, description, steps_json,
		       passes, running, skip_count, created_at, updated_at
		FROM features ORDER BY id ASC
	`)
	if err != nil {
		return models.Snapshot{}, fmt.Errorf("snapshot: query features: %w", err)
	}
	defer rows.Close()

	var features []models.Feature
	byID := make(map[int64]int)
	for rows.Next() {
		var f models.Feature
		var stepsJSON, createdAt, updatedAt string
		if err := rows.Scan(&f.ID, &f.Priority, &f.Name, &f.Category, &f.Description,
			&stepsJSON, &f.Passes, &f.Running, &f.SkipCount, &createdAt, &updatedAt); err != nil {
			return models.Snapshot{}, fmt.Errorf("snapshot: scan feature: %w", err)
		}
		if err := json.Unmarshal([]byte(stepsJSON), &f.Steps); err != nil {
			return models.Snapshot{}, fmt.Errorf("snapshot: decode steps for feature %d: %w", f.ID, err)
		}
		f.CreatedAt = parseTime(createdAt)
		f.UpdatedAt = parseTime(updatedAt)
		byID[f.ID] = len(features)
		features = append(features, f)
	}
	if err := rows.Err(); err != nil {
		return models.Snapshot{}, fmt.Errorf("snapshot: iterate features: %w", err)
	}

	depRows, err := db.conn.QueryContext(ctx, `SELECT feature_id, depends_on FROM feature_dependencies`)
	if err != nil {
		return models.Snapshot{}, fmt.Errorf("snapshot: query dependencies: %w", err)
	}
	defer depRows.Close()

	for depRows.Next() {
		var featureID, dependsOn int64
		if err := depRows.Scan(&featureID, &dependsOn); err != nil {
			return models.Snapshot{}, fmt.Errorf("snapshot: scan dependency: %w", err)
		}
		if idx, ok := byID[featureID]; ok {
			features[idx].Dependencies = append(features[idx].Dependencies, dependsOn)
		}
	}
	if err := depRows.Err(); err != nil {
		return models.Snapshot{}, fmt.Errorf("snapshot: iterate dependencies: %w", err)
	}

	return models.Snapshot{Features: features, TakenAt: time.Now()}, nil
}

// InsertBulk is used only by the initializer coordinator to populate an
// empty store. It fails with ErrStoreNotEmpty otherwise.
func (db *DB) InsertBulk(ctx context.Context, features []models.Feature) ([]int64, error) {
	db.mu.Lock()
	defer db.mu.Unlock()

	var count int
	if err := db.conn.QueryRowContext(ctx, "SELECT COUNT(*) FROM features").Scan(&count); err != nil {
		return nil, fmt.Errorf("insert_bulk: count features: %w", err)
	}
	if count > 0 {
		return nil, ErrStoreNotEmpty
	}

	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("insert_bulk: begin: %w", err)
	}
	defer tx.Rollback()

	now := formatTime(time.Now())
	ids := make([]int64, 0, len(features))
	for _, f := range features {
		stepsJSON, err := json.Marshal(f.Steps)
		if err != nil {
			return nil, fmt.Errorf("insert_bulk: encode steps: %w", err)
		}
		res, err := tx.ExecContext(ctx, `
			INSERT INTO features (priority, name, category, description, steps_json,
			                       passes, running, skip_count, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, 0, 0, 0, ?, ?)
		`, f.Priority, f.Name, f.Category, f.Description, stepsJSON, now, now)
		if err != nil {
			return nil, fmt.Errorf("insert_bulk: insert feature %q: %w", f.Name, err)
		}
		id, err := res.LastInsertId()
		if err != nil {
			return nil, fmt.Errorf("insert_bulk: last insert id: %w", err)
		}
		ids = append(ids, id)
	}

	for i, f := range features {
		for _, dep := range f.Dependencies {
			if _, err := tx.ExecContext(ctx,
				`INSERT OR IGNORE INTO feature_dependencies (feature_id, depends_on) VALUES (?, ?)`,
				ids[i], dep); err != nil {
				return nil, fmt.Errorf("insert_bulk: insert dependency: %w", err)
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("insert_bulk: commit: %w", err)
	}
	return ids, nil
}

// AddDependency records that `from` depends on `to`, rejecting the edge if
// it would complete a cycle. Cycle detection is a depth-first search over
// the committed edge set with the candidate edge inserted, matching
// spec §4.1.
func (db *DB) AddDependency(ctx context.Context, from, to int64) error {
	db.mu.Lock()
	defer db.mu.Unlock()

	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("add_dependency: begin: %w", err)
	}
	defer tx.Rollback()

	for _, id := range []int64{from, to} {
		var exists int
		if err := tx.QueryRowContext(ctx, "SELECT COUNT(*) FROM features WHERE id = ?", id).Scan(&exists); err != nil {
			return fmt.Errorf("add_dependency: check id %d: %w", id, err)
		}
		if exists == 0 {
			return ErrNotFound
		}
	}

	edges, err := loadEdges(ctx, tx)
	if err != nil {
		return fmt.Errorf("add_dependency: load edges: %w", err)
	}
	edges[from] = append(edges[from], to)
	if hasCycle(edges) {
		return &CycleError{From: from, To: to}
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT OR IGNORE INTO feature_dependencies (feature_id, depends_on) VALUES (?, ?)`, from, to); err != nil {
		return fmt.Errorf("add_dependency: insert: %w", err)
	}
	return tx.Commit()
}

// RemoveDependency removes the edge if present. Idempotent.
func (db *DB) RemoveDependency(ctx context.Context, from, to int64) error {
	db.mu.Lock()
	defer db.mu.Unlock()

	_, err := db.conn.ExecContext(ctx,
		`DELETE FROM feature_dependencies WHERE feature_id = ? AND depends_on = ?`, from, to)
	if err != nil {
		return fmt.Errorf("remove_dependency: %w", err)
	}
	return nil
}

// ConditionalClaim is the sole pending->running transition primitive. It
// must remain a single statement whose WHERE clause encodes the full
// precondition — never split into a read then a write — or concurrent
// claimants can both observe success (spec §9).
func (db *DB) ConditionalClaim(ctx context.Context, id int64) (int, error) {
	db.mu.Lock()
	defer db.mu.Unlock()

	res, err := db.conn.ExecContext(ctx, `
		UPDATE features SET running = 1, updated_at = ?
		WHERE id = ? AND running = 0 AND passes = 0
	`, formatTime(time.Now()), id)
	if err != nil {
		return 0, fmt.Errorf("conditional_claim: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("conditional_claim: rows affected: %w", err)
	}
	return int(affected), nil
}

// Release forces running=false, optionally setting passes=true.
func (db *DB) Release(ctx context.Context, id int64, finalState FinalState) error {
	db.mu.Lock()
	defer db.mu.Unlock()

	var res sql.Result
	var err error
	now := formatTime(time.Now())
	if finalState == FinalStateSuccess {
		res, err = db.conn.ExecContext(ctx,
			`UPDATE features SET running = 0, passes = 1, updated_at = ? WHERE id = ?`, now, id)
	} else {
		res, err = db.conn.ExecContext(ctx,
			`UPDATE features SET running = 0, updated_at = ? WHERE id = ?`, now, id)
	}
	if err != nil {
		return fmt.Errorf("release: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("release: rows affected: %w", err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

// IncrementSkipCount bumps skip_count for id by one.
func (db *DB) IncrementSkipCount(ctx context.Context, id int64) error {
	db.mu.Lock()
	defer db.mu.Unlock()

	res, err := db.conn.ExecContext(ctx,
		`UPDATE features SET skip_count = skip_count + 1, updated_at = ? WHERE id = ?`,
		formatTime(time.Now()), id)
	if err != nil {
		return fmt.Errorf("increment_skip_count: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("increment_skip_count: rows affected: %w", err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

func loadEdges(ctx context.Context, tx *sql.Tx) (map[int64][]int64, error) {
	rows, err := tx.QueryContext(ctx, `SELECT feature_id, depends_on FROM feature_dependencies`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	edges := make(map[int64][]int64)
	for rows.Next() {
		var from, to int64
		if err := rows.Scan(&from, &to); err != nil {
			return nil, err
		}
		edges[from] = append(edges[from], to)
	}
	return edges, rows.Err()
}

// hasCycle runs a DFS with three-coloring over edges (from -> []to).
func hasCycle(edges map[int64][]int64) bool {
	const (
		white = 0
		gray  = 1
		black = 2
	)
	colors := make(map[int64]int)

	var visit func(id int64) bool
	visit = func(id int64) bool {
		colors[id] = gray
		for _, dep := range edges[id] {
			switch colors[dep] {
			case gray:
				return true
			case white:
				if visit(dep) {
					return true
				}
			}
		}
		colors[id] = black
		return false
	}

	for id := range edges {
		if colors[id] == white {
			if visit(id) {
				return true
			}
		}
	}
	return false
}
