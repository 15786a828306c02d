// Package featurestore implements FeatureBitmaskStore, the process-wide,
// transactional, thread-safe SQL store mapping (mwm, feature-index) to a
// per-feature pixel-coverage bitmask and recording processed-track
// fingerprints (spec.md §4.4). The multi-driver Config/NewStore dispatch,
// connection tuning, and portable-DDL InitSchema all follow
// pkg/database/database.go's Config/NewDatabase pattern, narrowed from its
// five-driver dispatch (sqlite/chai/duckdb/pgx/clickhouse) down to the
// three drivers this domain actually needs: modernc.org/sqlite (default,
// embedded), genjidb/genji (alternate embedded engine), and jackc/pgx/v5
// (a central mirror a fleet of devices could share) — see DESIGN.md for
// why chai/duckdb/clickhouse were dropped.
package featurestore

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"strings"
	"time"
)

// Config holds the connection parameters for the feature bitmask store,
// mirroring pkg/database's Config shape but trimmed to the three drivers
// this store supports.
type Config struct {
	DBType    string // "sqlite", "genji", or "pgx"
	DBPath    string // file path for sqlite/genji
	DBConn    string // raw DSN for pgx, if set takes priority over the host/port fields
	DBHost    string
	DBPort    int
	DBUser    string
	DBPass    string
	DBName    string
	PGSSLMode string
}

// Store is the process-wide singleton FeatureBitmaskStore. All operations
// are serialized by mu, which plays the role of spec.md §4.4's "one
// re-entrant mutex": Go's sync.Mutex is not reentrant, so re-entrancy is
// modeled the idiomatic way instead — WithTransaction acquires mu once for
// the lifetime of the transaction and hands the caller a *Tx whose methods
// operate directly against the open *sql.Tx without trying to re-acquire
// the lock, while the top-level Store methods acquire mu for a single
// statement each. Bulk derivation calls WithTransaction and issues many
// writes through the *Tx it receives, which is exactly the nesting the
// spec's re-entrant lock exists to support.
type Store struct {
	db     *sql.DB
	driver string
	mu     chanLock
}

// chanLock is a buffered-channel mutex, the idiom the rest of this module
// (and pkg/markerstream's bus) uses instead of sync.Mutex wherever
// the lock is handed across goroutine/transaction boundaries rather than
// held for a single call stack — "don't communicate by sharing memory,
// share memory by communicating" applies just as well to a lock token.
type chanLock chan struct{}

func newChanLock() chanLock {
	c := make(chanLock, 1)
	c <- struct{}{}
	return c
}

func (c chanLock) Lock()   { <-c }
func (c chanLock) Unlock() { c <- struct{}{} }

// sqlExecutor is satisfied by both *sql.DB and *sql.Tx, letting every
// read/write helper below run unchanged whether it's a one-off statement
// or nested inside a WithTransaction call.
type sqlExecutor interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// NewStore opens db and configures connection pooling. sqlite and genji
// are embedded engines forced to a single physical connection — this
// store already serializes every logical operation through mu, so a
// larger pool would only add contention at the driver layer for no
// concurrency gain.
func NewStore(cfg Config) (*Store, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.DBType))

	var dsn string
	switch driver {
	case "sqlite", "genji":
		dsn = cfg.DBPath
		if dsn == "" {
			dsn = fmt.Sprintf("street-exploration-%d.%s", cfg.DBPort, driver)
		}
	case "pgx":
		if strings.TrimSpace(cfg.DBConn) != "" {
			dsn = cfg.DBConn
		} else {
			dsn = fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
				cfg.DBUser, cfg.DBPass, cfg.DBHost, cfg.DBPort, cfg.DBName, cfg.PGSSLMode)
		}
	default:
		return nil, fmt.Errorf("featurestore: unsupported database type %q", cfg.DBType)
	}

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("featurestore: open database: %w", err)
	}

	switch driver {
	case "sqlite", "genji":
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
		db.SetConnMaxLifetime(0)
		if driver == "sqlite" {
			tuneCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			if err := tuneSQLitePragmas(tuneCtx, db, log.Printf); err != nil {
				log.Printf("featurestore: sqlite tuning skipped: %v", err)
			}
			cancel()
		}
	case "pgx":
		db.SetMaxOpenConns(4)
		db.SetMaxIdleConns(4)
		db.SetConnMaxLifetime(5 * time.Minute)
	}

	{
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := db.PingContext(ctx); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("featurestore: connecting to database: %w", err)
		}
	}

	log.Printf("featurestore: using driver %s", driver)

	return &Store{db: db, driver: driver, mu: newChanLock()}, nil
}

// tuneSQLitePragmas applies WAL/synchronous/busy pragmas, driven through a
// small channel pipeline exactly as tuneSQLiteLikeConnection
// does, so tuning work happens off the caller's goroutine.
func tuneSQLitePragmas(ctx context.Context, db *sql.DB, logf func(string, ...any)) error {
	type pragma struct {
		label     string
		query     string
		expectRow bool
	}

	steps := []pragma{
		{label: "journal_mode", query: "PRAGMA journal_mode=WAL;", expectRow: true},
		{label: "synchronous", query: "PRAGMA synchronous=NORMAL;"},
		{label: "busy_timeout", query: "PRAGMA busy_timeout=5000;"},
	}

	jobs := make(chan pragma)
	errs := make(chan error, 1)

	go func() {
		defer close(errs)
		for step := range jobs {
			select {
			case <-ctx.Done():
				errs <- ctx.Err()
				return
			default:
			}
			if step.expectRow {
				var mode string
				if err := db.QueryRowContext(ctx, step.query).Scan(&mode); err != nil {
					errs <- fmt.Errorf("apply %s: %w", step.label, err)
					return
				}
				logf("featurestore: sqlite tuning %s -> %s", step.label, mode)
				continue
			}
			if _, err := db.ExecContext(ctx, step.query); err != nil {
				errs <- fmt.Errorf("apply %s: %w", step.label, err)
				return
			}
			logf("featurestore: sqlite tuning %s applied", step.label)
		}
		errs <- nil
	}()

	go func() {
		defer close(jobs)
		for _, step := range steps {
			jobs <- step
		}
	}()

	return <-errs
}

// InitSchema creates the mwms, street_exploration, and processed_tracks
// tables (spec.md §3) if they do not already exist.
func (s *Store) InitSchema() error {
	var schema string
	switch s.driver {
	case "pgx":
		schema = `
CREATE TABLE IF NOT EXISTS mwms (
  mwm_id   BIGSERIAL PRIMARY KEY,
  mwm_name TEXT UNIQUE NOT NULL
);
CREATE TABLE IF NOT EXISTS street_exploration (
  mwm_id        BIGINT NOT NULL REFERENCES mwms(mwm_id),
  feature_index BIGINT NOT NULL,
  pixel_bitmask BYTEA,
  PRIMARY KEY (mwm_id, feature_index)
);
CREATE TABLE IF NOT EXISTS processed_tracks (
  geometry_hash TEXT NOT NULL,
  country_id    TEXT NOT NULL,
  PRIMARY KEY (geometry_hash, country_id)
);
`
	case "sqlite", "genji":
		schema = `
CREATE TABLE IF NOT EXISTS mwms (
  mwm_id   INTEGER PRIMARY KEY,
  mwm_name TEXT UNIQUE NOT NULL
);
CREATE TABLE IF NOT EXISTS street_exploration (
  mwm_id        INTEGER NOT NULL,
  feature_index INTEGER NOT NULL,
  pixel_bitmask BLOB,
  PRIMARY KEY (mwm_id, feature_index)
);
CREATE TABLE IF NOT EXISTS processed_tracks (
  geometry_hash TEXT NOT NULL,
  country_id    TEXT NOT NULL,
  PRIMARY KEY (geometry_hash, country_id)
);
`
	default:
		return fmt.Errorf("featurestore: unsupported database type %q", s.driver)
	}

	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("featurestore: init schema: %w", err)
	}
	return nil
}

// Close releases the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// resolveMwmID upserts mwmName into the mwms table and returns its internal
// integer id, per spec.md §4.4: "MwmId is resolved to an internal integer
// by upsert on the mwms table." A plain select-then-insert is used instead
// of a dialect-specific ON CONFLICT clause so the same code path works
// across sqlite, genji, and pgx — safe here because every caller already
// holds the store's single mutex, so there is no concurrent-insert race to
// guard against.
func resolveMwmID(ctx context.Context, exec sqlExecutor, mwmName string) (int64, error) {
	var id int64
	err := exec.QueryRowContext(ctx, `SELECT mwm_id FROM mwms WHERE mwm_name = ?`, mwmName).Scan(&id)
	if err == nil {
		return id, nil
	}
	if err != sql.ErrNoRows {
		return 0, fmt.Errorf("featurestore: resolve mwm id: %w", err)
	}

	if _, err := exec.ExecContext(ctx, `INSERT INTO mwms (mwm_name) VALUES (?)`, mwmName); err != nil {
		return 0, fmt.Errorf("featurestore: insert mwm: %w", err)
	}
	if err := exec.QueryRowContext(ctx, `SELECT mwm_id FROM mwms WHERE mwm_name = ?`, mwmName).Scan(&id); err != nil {
		return 0, fmt.Errorf("featurestore: re-select mwm id: %w", err)
	}
	return id, nil
}

func getBitmask(ctx context.Context, exec sqlExecutor, mwmName string, featureIndex int64) ([]byte, bool, error) {
	mwmID, err := resolveMwmID(ctx, exec, mwmName)
	if err != nil {
		return nil, false, err
	}
	var bitmask []byte
	err = exec.QueryRowContext(ctx,
		`SELECT pixel_bitmask FROM street_exploration WHERE mwm_id = ? AND feature_index = ?`,
		mwmID, featureIndex).Scan(&bitmask)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("featurestore: get bitmask: %w", err)
	}
	return bitmask, true, nil
}

func saveBitmask(ctx context.Context, exec sqlExecutor, mwmName string, featureIndex int64, bitmask []byte) error {
	mwmID, err := resolveMwmID(ctx, exec, mwmName)
	if err != nil {
		return err
	}
	_, ok, err := lookupBitmaskRow(ctx, exec, mwmID, featureIndex)
	if err != nil {
		return err
	}
	if ok {
		_, err = exec.ExecContext(ctx,
			`UPDATE street_exploration SET pixel_bitmask = ? WHERE mwm_id = ? AND feature_index = ?`,
			bitmask, mwmID, featureIndex)
	} else {
		_, err = exec.ExecContext(ctx,
			`INSERT INTO street_exploration (mwm_id, feature_index, pixel_bitmask) VALUES (?, ?, ?)`,
			mwmID, featureIndex, bitmask)
	}
	if err != nil {
		return fmt.Errorf("featurestore: save bitmask: %w", err)
	}
	return nil
}

func lookupBitmaskRow(ctx context.Context, exec sqlExecutor, mwmID, featureIndex int64) (int64, bool, error) {
	var exists int64
	err := exec.QueryRowContext(ctx,
		`SELECT 1 FROM street_exploration WHERE mwm_id = ? AND feature_index = ?`,
		mwmID, featureIndex).Scan(&exists)
	if err == sql.ErrNoRows {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("featurestore: lookup bitmask row: %w", err)
	}
	return exists, true, nil
}

func deleteMwmData(ctx context.Context, exec sqlExecutor, mwmName string) error {
	var mwmID int64
	err := exec.QueryRowContext(ctx, `SELECT mwm_id FROM mwms WHERE mwm_name = ?`, mwmName).Scan(&mwmID)
	if err == sql.ErrNoRows {
		return nil // nothing to cascade-delete
	}
	if err != nil {
		return fmt.Errorf("featurestore: delete mwm data: resolve id: %w", err)
	}
	if _, err := exec.ExecContext(ctx, `DELETE FROM street_exploration WHERE mwm_id = ?`, mwmID); err != nil {
		return fmt.Errorf("featurestore: delete mwm data: street_exploration: %w", err)
	}
	if _, err := exec.ExecContext(ctx, `DELETE FROM mwms WHERE mwm_id = ?`, mwmID); err != nil {
		return fmt.Errorf("featurestore: delete mwm data: mwms: %w", err)
	}
	return nil
}

func isTrackProcessed(ctx context.Context, exec sqlExecutor, geometryHash, countryID string) (bool, error) {
	var exists int64
	err := exec.QueryRowContext(ctx,
		`SELECT 1 FROM processed_tracks WHERE geometry_hash = ? AND country_id = ?`,
		geometryHash, countryID).Scan(&exists)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("featurestore: is track processed: %w", err)
	}
	return true, nil
}

func markTrackProcessed(ctx context.Context, exec sqlExecutor, geometryHash, countryID string) error {
	processed, err := isTrackProcessed(ctx, exec, geometryHash, countryID)
	if err != nil {
		return err
	}
	if processed {
		return nil
	}
	if _, err := exec.ExecContext(ctx,
		`INSERT INTO processed_tracks (geometry_hash, country_id) VALUES (?, ?)`,
		geometryHash, countryID); err != nil {
		return fmt.Errorf("featurestore: mark track processed: %w", err)
	}
	return nil
}

// GetBitmask fetches the pixel-coverage bitmask for (mwm, featureIndex), or
// (nil, false, nil) if no row exists.
func (s *Store) GetBitmask(ctx context.Context, mwmName string, featureIndex int64) ([]byte, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return getBitmask(ctx, s.db, mwmName, featureIndex)
}

// SaveBitmask inserts or replaces the bitmask for (mwm, featureIndex).
func (s *Store) SaveBitmask(ctx context.Context, mwmName string, featureIndex int64, bitmask []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return saveBitmask(ctx, s.db, mwmName, featureIndex, bitmask)
}

// DeleteMwmData cascade-deletes all street_exploration rows for mwmName
// and removes its mwms row, for when a map is uninstalled.
func (s *Store) DeleteMwmData(ctx context.Context, mwmName string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return deleteMwmData(ctx, s.db, mwmName)
}

// IsTrackProcessed reports whether (geometryHash, countryID) has already
// been recorded as processed.
func (s *Store) IsTrackProcessed(ctx context.Context, geometryHash, countryID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return isTrackProcessed(ctx, s.db, geometryHash, countryID)
}

// MarkTrackProcessed records (geometryHash, countryID) as processed.
func (s *Store) MarkTrackProcessed(ctx context.Context, geometryHash, countryID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return markTrackProcessed(ctx, s.db, geometryHash, countryID)
}

// Tx is the transaction-scoped handle WithTransaction passes to its
// callback. Its methods mirror Store's but never touch mu — the lock is
// already held for the whole transaction by the WithTransaction call that
// created this Tx.
type Tx struct {
	tx *sql.Tx
}

func (t *Tx) GetBitmask(ctx context.Context, mwmName string, featureIndex int64) ([]byte, bool, error) {
	return getBitmask(ctx, t.tx, mwmName, featureIndex)
}

func (t *Tx) SaveBitmask(ctx context.Context, mwmName string, featureIndex int64, bitmask []byte) error {
	return saveBitmask(ctx, t.tx, mwmName, featureIndex, bitmask)
}

func (t *Tx) DeleteMwmData(ctx context.Context, mwmName string) error {
	return deleteMwmData(ctx, t.tx, mwmName)
}

func (t *Tx) IsTrackProcessed(ctx context.Context, geometryHash, countryID string) (bool, error) {
	return isTrackProcessed(ctx, t.tx, geometryHash, countryID)
}

func (t *Tx) MarkTrackProcessed(ctx context.Context, geometryHash, countryID string) error {
	return markTrackProcessed(ctx, t.tx, geometryHash, countryID)
}

// WithTransaction holds the store's mutex for BEGIN...COMMIT around f,
// matching spec.md §4.4's "withTransaction(f) — re-entrant lock, BEGIN …
// COMMIT around f". Bulk derivation should call this once and issue every
// row write through the *Tx it receives, so the whole batch commits
// together instead of paying one commit per row.
func (s *Store) WithTransaction(ctx context.Context, f func(*Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("featurestore: begin transaction: %w", err)
	}

	if err := f(&Tx{tx: tx}); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return fmt.Errorf("featurestore: rollback after %v: %w", err, rbErr)
		}
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("featurestore: commit transaction: %w", err)
	}
	return nil
}
