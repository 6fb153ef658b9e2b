package ledger

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Store wraps the sqlite file. The write handle is capped at one open
// connection so batches never contend; reads go through a separate
// handle and under WAL do not block the writer.
type Store struct {
	write *sqlx.DB
	read  *sqlx.DB
}

// DefaultPath is where the ledger lives when no path is configured.
func DefaultPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "ledger.db"
	}
	return filepath.Join(home, ".llm-sdk", "ledger.db")
}

// Open creates the file and schema if needed and returns a ready store.
func Open(path string) (*Store, error) {
	if path == "" {
		path = DefaultPath()
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create ledger directory: %w", err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL", path)

	write, err := sqlx.Connect("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open ledger: %w", err)
	}
	write.SetMaxOpenConns(1)

	if err := runMigrations(write); err != nil {
		_ = write.Close()
		return nil, fmt.Errorf("ledger migration: %w", err)
	}

	read, err := sqlx.Connect("sqlite3", dsn)
	if err != nil {
		_ = write.Close()
		return nil, fmt.Errorf("open ledger reader: %w", err)
	}

	return &Store{write: write, read: read}, nil
}

func runMigrations(db *sqlx.DB) error {
	driver, err := sqlite3.WithInstance(db.DB, &sqlite3.Config{})
	if err != nil {
		return err
	}
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return err
	}
	m, err := migrate.NewWithInstance("iofs", src, "sqlite3", driver)
	if err != nil {
		return err
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return err
	}
	return nil
}

func (s *Store) Close() error {
	rerr := s.read.Close()
	werr := s.write.Close()
	if werr != nil {
		return werr
	}
	return rerr
}

const insertEvent = `
INSERT INTO events (
	event_id, trace_id, event_type, provider, model,
	usage_json, cost_est_usd, cost_actual_usd, status,
	timing_json, metadata_json, timestamp
) VALUES (
	:event_id, :trace_id, :event_type, :provider, :model,
	:usage_json, :cost_est_usd, :cost_actual_usd, :status,
	:timing_json, :metadata_json, :timestamp
)`

// WriteEvent persists a single event on the caller's goroutine. Used for
// durable holds and the terminal-event fallback when the queue is full.
func (s *Store) WriteEvent(ctx context.Context, ev *Event) error {
	_, err := s.write.NamedExecContext(ctx, insertEvent, ev)
	return err
}

// WriteBatch persists events inside one transaction.
func (s *Store) WriteBatch(ctx context.Context, events []*Event) error {
	if len(events) == 0 {
		return nil
	}
	tx, err := s.write.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	for _, ev := range events {
		if _, err := tx.NamedExecContext(ctx, insertEvent, ev); err != nil {
			_ = tx.Rollback()
			return err
		}
	}
	return tx.Commit()
}

// localMidnight is the start of the current day in the host's zone,
// as fractional unix seconds.
func localMidnight(now time.Time) float64 {
	y, m, d := now.Local().Date()
	return float64(time.Date(y, m, d, 0, 0, 0, 0, now.Location()).Unix())
}

// SpendToday returns committed spend plus outstanding holds since local
// midnight. A commit or cancel supersedes its trace's hold regardless of
// the order the rows landed in.
func (s *Store) SpendToday(ctx context.Context) (float64, error) {
	since := localMidnight(time.Now())

	var committed float64
	err := s.read.GetContext(ctx, &committed, `
		SELECT COALESCE(SUM(cost_actual_usd), 0)
		FROM events
		WHERE event_type IN ('commit', 'adjust') AND timestamp >= ?`, since)
	if err != nil {
		return 0, err
	}

	var held float64
	err = s.read.GetContext(ctx, &held, `
		SELECT COALESCE(SUM(h.cost_est_usd), 0)
		FROM events h
		WHERE h.event_type = 'precheck_hold'
		  AND h.timestamp >= ?
		  AND NOT EXISTS (
			SELECT 1 FROM events t
			WHERE t.trace_id = h.trace_id
			  AND t.event_type IN ('commit', 'cancel')
		  )`, since)
	if err != nil {
		return 0, err
	}

	return committed + held, nil
}

// CountInWindow counts committed requests for (provider, model) since
// the given instant.
func (s *Store) CountInWindow(ctx context.Context, provider, model string, since time.Time) (int, error) {
	var n int
	err := s.read.GetContext(ctx, &n, `
		SELECT COUNT(*)
		FROM events
		WHERE event_type = 'commit' AND provider = ? AND model = ? AND timestamp >= ?`,
		provider, model, float64(since.UnixNano())/1e9)
	return n, err
}

// TokensInWindow sums committed total tokens for (provider, model) since
// the given instant.
func (s *Store) TokensInWindow(ctx context.Context, provider, model string, since time.Time) (int, error) {
	var n int
	err := s.read.GetContext(ctx, &n, `
		SELECT COALESCE(SUM(COALESCE(json_extract(usage_json, '$.total_tokens'), 0)), 0)
		FROM events
		WHERE event_type = 'commit' AND provider = ? AND model = ? AND timestamp >= ?`,
		provider, model, float64(since.UnixNano())/1e9)
	return n, err
}

// CountSinceMidnight counts committed requests for (provider, model)
// since local midnight, for the per-day window.
func (s *Store) CountSinceMidnight(ctx context.Context, provider, model string) (int, error) {
	var n int
	err := s.read.GetContext(ctx, &n, `
		SELECT COUNT(*)
		FROM events
		WHERE event_type = 'commit' AND provider = ? AND model = ? AND timestamp >= ?`,
		provider, model, localMidnight(time.Now()))
	return n, err
}

// EventsForTrace returns every event of one trace in timestamp order.
func (s *Store) EventsForTrace(ctx context.Context, traceID string) ([]Event, error) {
	var events []Event
	err := s.read.SelectContext(ctx, &events, `
		SELECT * FROM events WHERE trace_id = ? ORDER BY timestamp ASC`, traceID)
	return events, err
}

// DayTotal is one day of committed spend for trend reports.
type DayTotal struct {
	Day      string  `db:"day"`
	SpendUSD float64 `db:"spend_usd"`
	Requests int     `db:"requests"`
	Tokens   int     `db:"tokens"`
	Errors   int     `db:"errors"`
}

// DailyTotals aggregates committed spend per local day since the given
// instant, oldest first.
func (s *Store) DailyTotals(ctx context.Context, since time.Time) ([]DayTotal, error) {
	var rows []DayTotal
	err := s.read.SelectContext(ctx, &rows, `
		SELECT date(timestamp, 'unixepoch', 'localtime') AS day,
		       COALESCE(SUM(cost_actual_usd), 0) AS spend_usd,
		       COUNT(*) AS requests,
		       COALESCE(SUM(COALESCE(json_extract(usage_json, '$.total_tokens'), 0)), 0) AS tokens,
		       SUM(CASE WHEN status = 'error' THEN 1 ELSE 0 END) AS errors
		FROM events
		WHERE event_type IN ('commit', 'adjust') AND timestamp >= ?
		GROUP BY day
		ORDER BY day ASC`, float64(since.UnixNano())/1e9)
	return rows, err
}

// ModelTotal is a per-model spend aggregate for top-N reports.
type ModelTotal struct {
	Provider string  `db:"provider"`
	Model    string  `db:"model"`
	SpendUSD float64 `db:"spend_usd"`
	Requests int     `db:"requests"`
}

// TopModels returns the n most expensive (provider, model) pairs since
// the given instant.
func (s *Store) TopModels(ctx context.Context, since time.Time, n int) ([]ModelTotal, error) {
	var rows []ModelTotal
	err := s.read.SelectContext(ctx, &rows, `
		SELECT provider, model,
		       COALESCE(SUM(cost_actual_usd), 0) AS spend_usd,
		       COUNT(*) AS requests
		FROM events
		WHERE event_type IN ('commit', 'adjust') AND timestamp >= ?
		GROUP BY provider, model
		ORDER BY spend_usd DESC
		LIMIT ?`, float64(since.UnixNano())/1e9, n)
	return rows, err
}
