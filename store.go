package standby

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/pressly/goose/v3"
	"github.com/sethvargo/go-retry"
	_ "modernc.org/sqlite"

	"github.com/standby-db/standby/internal/store/migrations"
)

const (
	busyTimeoutMS = 5000

	// Fixed-width nanoseconds: RFC3339Nano trims trailing zeros, which
	// breaks the lexical ordering ORDER BY recorded_at relies on.
	timeLayout = "2006-01-02T15:04:05.000000000Z07:00"
)

// Store manages the local SQLite fallback database: the replicated
// application tables plus the three control tables (outbox, sync_state,
// discarded_changes).
type Store struct {
	db     *sql.DB
	mu     sync.RWMutex
	closed bool
	path   string

	// writeMu serializes write transactions; WAL readers are never blocked.
	writeMu sync.Mutex

	tables map[string]TableSpec
	order  []TableSpec
}

// NewStore opens or creates the local store and initializes its schema.
// An inaccessible database file is fatal and aborts initialization.
func NewStore(path string, tables []TableSpec) (*Store, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create store directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// WAL keeps sync_state readable while a writer's transaction is open.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable WAL mode: %w", err)
	}
	if _, err := db.Exec(fmt.Sprintf("PRAGMA busy_timeout=%d", busyTimeoutMS)); err != nil {
		db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}

	s := &Store{db: db, path: path, tables: make(map[string]TableSpec, len(tables))}
	for _, t := range tables {
		s.tables[t.Name] = t
		s.order = append(s.order, t)
	}

	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate schema: %w", err)
	}
	for _, t := range s.order {
		if err := s.ensureTable(t); err != nil {
			db.Close()
			return nil, fmt.Errorf("create table %s: %w", t.Name, err)
		}
	}

	return s, nil
}

func (s *Store) migrate() error {
	goose.SetBaseFS(migrations.FS)
	if err := goose.SetDialect("sqlite3"); err != nil {
		return fmt.Errorf("store: set goose dialect: %w", err)
	}
	if err := goose.Up(s.db, "."); err != nil {
		return fmt.Errorf("store: run migrations: %w", err)
	}
	return nil
}

// ensureTable creates an application table from its descriptor: surrogate
// integer key, business columns, and the natural-key uniqueness constraint.
func (s *Store) ensureTable(t TableSpec) error {
	var b strings.Builder
	fmt.Fprintf(&b, "CREATE TABLE IF NOT EXISTS %s (\n", t.Name)
	b.WriteString("\tid INTEGER PRIMARY KEY AUTOINCREMENT")
	for _, c := range t.Columns {
		typ := c.Type
		if typ == "" {
			typ = "TEXT"
		}
		fmt.Fprintf(&b, ",\n\t%s %s", c.Name, typ)
	}
	if len(t.KeyColumns) > 0 {
		fmt.Fprintf(&b, ",\n\tUNIQUE(%s)", strings.Join(t.KeyColumns, ", "))
	}
	b.WriteString("\n)")

	_, err := s.db.Exec(b.String())
	return err
}

// Spec returns the descriptor for a replicated table.
func (s *Store) Spec(table string) (TableSpec, bool) {
	t, ok := s.tables[table]
	return t, ok
}

// Specs returns all replicated table descriptors in registration order.
func (s *Store) Specs() []TableSpec {
	return s.order
}

// Path returns the database file path.
func (s *Store) Path() string { return s.path }

// Close closes the store.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}

func (s *Store) checkOpen() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrStoreClosed
	}
	return nil
}

// retryBusy retries transient SQLite contention with bounded jittered
// backoff before surfacing the error.
func (s *Store) retryBusy(ctx context.Context, f func() error) error {
	b := retry.WithMaxRetries(5, retry.NewFibonacci(50*time.Millisecond))
	b = retry.WithJitter(25*time.Millisecond, b)
	return retry.Do(ctx, b, func(ctx context.Context) error {
		err := f()
		if isBusy(err) {
			return retry.RetryableError(err)
		}
		return err
	})
}

func isBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") || strings.Contains(msg, "SQLITE_BUSY")
}

// ---------------------------------------------------------------------------
// Schema drift

// TableColumns reports the current columns of a local table.
func (s *Store) TableColumns(table string) ([]string, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	rows, err := s.db.Query(fmt.Sprintf("PRAGMA table_info(%s)", table))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var cols []string
	for rows.Next() {
		var (
			cid     int
			name    string
			typ     sql.NullString
			notNull int
			dflt    sql.NullString
			pk      int
		)
		if err := rows.Scan(&cid, &name, &typ, &notNull, &dflt, &pk); err != nil {
			return nil, err
		}
		cols = append(cols, name)
	}
	return cols, rows.Err()
}

// EnsureColumns idempotently adds any missing columns to a local table as
// unconstrained loosely typed columns. This is the engine's only runtime
// schema change; it tolerates additive drift from the remote schema.
func (s *Store) EnsureColumns(table string, cols []string) error {
	if err := s.checkOpen(); err != nil {
		return err
	}

	existing, err := s.TableColumns(table)
	if err != nil {
		return err
	}
	have := make(map[string]bool, len(existing))
	for _, c := range existing {
		have[c] = true
	}

	for _, c := range cols {
		if have[c] {
			continue
		}
		if _, err := s.db.Exec(fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s", table, c)); err != nil {
			return fmt.Errorf("add column %s.%s: %w", table, c, err)
		}
	}
	return nil
}

// ---------------------------------------------------------------------------
// Row access

// FetchRow returns the current local row matching the natural key, or nil
// when no such row exists.
func (s *Store) FetchRow(t TableSpec, key Row) (Row, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	return fetchRow(s.db, t, key)
}

type querier interface {
	Query(query string, args ...any) (*sql.Rows, error)
}

func fetchRow(q querier, t TableSpec, key Row) (Row, error) {
	where, args := keyPredicate(t, key)
	rows, err := q.Query(fmt.Sprintf("SELECT * FROM %s WHERE %s", t.Name, where), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	if !rows.Next() {
		return nil, rows.Err()
	}
	return scanRow(rows)
}

func keyPredicate(t TableSpec, key Row) (string, []any) {
	preds := make([]string, 0, len(t.KeyColumns))
	args := make([]any, 0, len(t.KeyColumns))
	for _, k := range t.KeyColumns {
		preds = append(preds, k+" = ?")
		args = append(args, key[k])
	}
	return strings.Join(preds, " AND "), args
}

// scanRow reads the current result row into a name-keyed image, converting
// []byte values to strings.
func scanRow(rows *sql.Rows) (Row, error) {
	cols, err := rows.Columns()
	if err != nil {
		return nil, err
	}
	vals := make([]any, len(cols))
	ptrs := make([]any, len(cols))
	for i := range vals {
		ptrs[i] = &vals[i]
	}
	if err := rows.Scan(ptrs...); err != nil {
		return nil, err
	}

	row := make(Row, len(cols))
	for i, c := range cols {
		switch v := vals[i].(type) {
		case []byte:
			row[c] = string(v)
		default:
			row[c] = v
		}
	}
	return row, nil
}

// UpsertRow writes a pulled remote row into the local table keyed by the
// natural key, overwriting every non-key column (remote wins). Columns the
// local table does not have are ignored; callers run EnsureColumns first.
func (s *Store) UpsertRow(ctx context.Context, t TableSpec, row Row) error {
	if err := s.checkOpen(); err != nil {
		return err
	}

	local, err := s.TableColumns(t.Name)
	if err != nil {
		return err
	}
	have := make(map[string]bool, len(local))
	for _, c := range local {
		have[c] = true
	}

	cols := make([]string, 0, len(row))
	for c := range row {
		if c == "id" || !have[c] {
			continue
		}
		cols = append(cols, c)
	}
	sort.Strings(cols)
	if len(cols) == 0 {
		return fmt.Errorf("upsert %s: no usable columns", t.Name)
	}

	args := make([]any, 0, len(cols))
	marks := make([]string, len(cols))
	for i, c := range cols {
		marks[i] = "?"
		args = append(args, row[c])
	}

	var stmt string
	if len(t.KeyColumns) == 0 {
		// No natural key configured: last writer wins by full replace.
		stmt = fmt.Sprintf("INSERT OR REPLACE INTO %s (%s) VALUES (%s)",
			t.Name, strings.Join(cols, ", "), strings.Join(marks, ", "))
	} else {
		var sets []string
		for _, c := range cols {
			if t.isKey(c) {
				continue
			}
			sets = append(sets, fmt.Sprintf("%s = excluded.%s", c, c))
		}
		stmt = fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s) ON CONFLICT(%s) DO UPDATE SET %s",
			t.Name, strings.Join(cols, ", "), strings.Join(marks, ", "),
			strings.Join(t.KeyColumns, ", "), strings.Join(sets, ", "))
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.retryBusy(ctx, func() error {
		_, err := s.db.Exec(stmt, args...)
		return err
	})
}

// ReplaceAll clears a local table and reinserts the given remote rows in a
// single transaction. Used for the first-ever (full) pull.
func (s *Store) ReplaceAll(ctx context.Context, t TableSpec, rows []Row) (failed int, err error) {
	if err := s.checkOpen(); err != nil {
		return 0, err
	}

	local, err := s.TableColumns(t.Name)
	if err != nil {
		return 0, err
	}
	have := make(map[string]bool, len(local))
	for _, c := range local {
		have[c] = true
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	err = s.retryBusy(ctx, func() error {
		tx, err := s.db.Begin()
		if err != nil {
			return err
		}
		defer tx.Rollback()

		if _, err := tx.Exec(fmt.Sprintf("DELETE FROM %s", t.Name)); err != nil {
			return err
		}

		failed = 0
		for _, row := range rows {
			cols := make([]string, 0, len(row))
			for c := range row {
				if c == "id" || !have[c] {
					continue
				}
				cols = append(cols, c)
			}
			sort.Strings(cols)

			args := make([]any, 0, len(cols))
			marks := make([]string, len(cols))
			for i, c := range cols {
				marks[i] = "?"
				args = append(args, row[c])
			}

			_, insErr := tx.Exec(fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
				t.Name, strings.Join(cols, ", "), strings.Join(marks, ", ")), args...)
			if insErr != nil {
				failed++
			}
		}

		return tx.Commit()
	})
	return failed, err
}

// RowCounts returns the current local row count of every replicated table.
func (s *Store) RowCounts() (map[string]int, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	counts := make(map[string]int, len(s.order))
	for _, t := range s.order {
		var n int
		if err := s.db.QueryRow(fmt.Sprintf("SELECT COUNT(*) FROM %s", t.Name)).Scan(&n); err != nil {
			return nil, err
		}
		counts[t.Name] = n
	}
	return counts, nil
}

// ---------------------------------------------------------------------------
// Outbox

type execer interface {
	Exec(query string, args ...any) (sql.Result, error)
}

// appendOutbox journals one mutation inside the caller's transaction so the
// entry commits or rolls back with the data change it describes.
func appendOutbox(tx execer, e OutboxEntry) error {
	keyJSON, err := json.Marshal(e.Key)
	if err != nil {
		return fmt.Errorf("store: marshal outbox key: %w", err)
	}
	postJSON, err := json.Marshal(e.PostImage)
	if err != nil {
		return fmt.Errorf("store: marshal post image: %w", err)
	}
	var preJSON any
	if e.PreImage != nil {
		b, err := json.Marshal(e.PreImage)
		if err != nil {
			return fmt.Errorf("store: marshal pre image: %w", err)
		}
		preJSON = string(b)
	}

	_, err = tx.Exec(`
		INSERT INTO outbox (id, table_name, row_key, operation, pre_image, post_image, recorded_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, e.ID, e.TableName, string(keyJSON), string(e.Op), preJSON, string(postJSON),
		e.RecordedAt.UTC().Format(timeLayout))
	if err != nil {
		return fmt.Errorf("store: append outbox: %w", err)
	}
	return nil
}

// PendingEntries returns all outbox entries oldest first. Ties on the
// recorded timestamp are broken by the lexically sortable entry id.
func (s *Store) PendingEntries() ([]OutboxEntry, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	rows, err := s.db.Query(`
		SELECT id, table_name, row_key, operation, pre_image, post_image, recorded_at
		FROM outbox ORDER BY recorded_at ASC, id ASC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []OutboxEntry
	for rows.Next() {
		var (
			e          OutboxEntry
			keyJSON    string
			op         string
			preJSON    sql.NullString
			postJSON   string
			recordedAt string
		)
		if err := rows.Scan(&e.ID, &e.TableName, &keyJSON, &op, &preJSON, &postJSON, &recordedAt); err != nil {
			return nil, err
		}
		e.Op = Operation(op)
		if err := json.Unmarshal([]byte(keyJSON), &e.Key); err != nil {
			return nil, fmt.Errorf("store: decode outbox key %s: %w", e.ID, err)
		}
		if err := json.Unmarshal([]byte(postJSON), &e.PostImage); err != nil {
			return nil, fmt.Errorf("store: decode post image %s: %w", e.ID, err)
		}
		if preJSON.Valid {
			if err := json.Unmarshal([]byte(preJSON.String), &e.PreImage); err != nil {
				return nil, fmt.Errorf("store: decode pre image %s: %w", e.ID, err)
			}
		}
		e.RecordedAt, _ = time.Parse(timeLayout, recordedAt)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// DeleteOutboxEntries removes the given entries in a single transaction.
// This is the separate commit step that follows a push phase.
func (s *Store) DeleteOutboxEntries(ctx context.Context, ids []string) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	if len(ids) == 0 {
		return nil
	}

	marks := make([]string, len(ids))
	args := make([]any, len(ids))
	for i, id := range ids {
		marks[i] = "?"
		args[i] = id
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.retryBusy(ctx, func() error {
		_, err := s.db.Exec(
			fmt.Sprintf("DELETE FROM outbox WHERE id IN (%s)", strings.Join(marks, ",")), args...)
		return err
	})
}

// PendingCount returns the number of outbox entries awaiting replay.
func (s *Store) PendingCount() (int, error) {
	if err := s.checkOpen(); err != nil {
		return 0, err
	}
	var n int
	err := s.db.QueryRow("SELECT COUNT(*) FROM outbox").Scan(&n)
	return n, err
}

// ---------------------------------------------------------------------------
// Discarded changes

// RecordDiscard appends one audit record for a local write dropped by the
// remote-wins policy.
func (s *Store) RecordDiscard(ctx context.Context, d DiscardedChange) error {
	if err := s.checkOpen(); err != nil {
		return err
	}

	keyJSON, err := json.Marshal(d.Key)
	if err != nil {
		return err
	}
	localJSON, err := json.Marshal(d.LocalImage)
	if err != nil {
		return err
	}
	var remoteJSON any
	if d.RemoteImage != nil {
		b, err := json.Marshal(d.RemoteImage)
		if err != nil {
			return err
		}
		remoteJSON = string(b)
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.retryBusy(ctx, func() error {
		_, err := s.db.Exec(`
			INSERT INTO discarded_changes (table_name, row_key, local_image, remote_image, reason, discarded_at)
			VALUES (?, ?, ?, ?, ?, ?)
		`, d.TableName, string(keyJSON), string(localJSON), remoteJSON, string(d.Reason),
			d.DiscardedAt.UTC().Format(timeLayout))
		return err
	})
}

// DiscardedCount returns the number of audit records.
func (s *Store) DiscardedCount() (int, error) {
	if err := s.checkOpen(); err != nil {
		return 0, err
	}
	var n int
	err := s.db.QueryRow("SELECT COUNT(*) FROM discarded_changes").Scan(&n)
	return n, err
}

// Discards returns the most recent discarded-change audit records.
func (s *Store) Discards(limit int) ([]DiscardedChange, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 50
	}

	rows, err := s.db.Query(`
		SELECT id, table_name, row_key, local_image, remote_image, reason, discarded_at
		FROM discarded_changes ORDER BY id DESC LIMIT ?
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []DiscardedChange
	for rows.Next() {
		var (
			d           DiscardedChange
			keyJSON     string
			localJSON   string
			remoteJSON  sql.NullString
			reason      string
			discardedAt string
		)
		if err := rows.Scan(&d.ID, &d.TableName, &keyJSON, &localJSON, &remoteJSON, &reason, &discardedAt); err != nil {
			return nil, err
		}
		d.Reason = ConflictReason(reason)
		if err := json.Unmarshal([]byte(keyJSON), &d.Key); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(localJSON), &d.LocalImage); err != nil {
			return nil, err
		}
		if remoteJSON.Valid {
			if err := json.Unmarshal([]byte(remoteJSON.String), &d.RemoteImage); err != nil {
				return nil, err
			}
		}
		d.DiscardedAt, _ = time.Parse(timeLayout, discardedAt)
		out = append(out, d)
	}
	return out, rows.Err()
}

// ---------------------------------------------------------------------------
// Sync state

// SyncState reads the singleton replication state. Always readable, even
// while a writer's transaction is open (WAL).
func (s *Store) SyncState() (SyncState, error) {
	if err := s.checkOpen(); err != nil {
		return SyncState{}, err
	}

	var (
		lastSync  sql.NullString
		isOffline int
	)
	err := s.db.QueryRow("SELECT last_remote_sync, is_offline FROM sync_state WHERE id = 1").
		Scan(&lastSync, &isOffline)
	if err != nil {
		return SyncState{}, fmt.Errorf("store: read sync state: %w", err)
	}

	st := SyncState{IsOffline: isOffline != 0}
	if lastSync.Valid {
		st.LastRemoteSync, _ = time.Parse(timeLayout, lastSync.String)
	}
	return st, nil
}

// SetSyncState persists the singleton replication state.
func (s *Store) SetSyncState(ctx context.Context, st SyncState) error {
	if err := s.checkOpen(); err != nil {
		return err
	}

	var lastSync any
	if !st.LastRemoteSync.IsZero() {
		lastSync = st.LastRemoteSync.UTC().Format(timeLayout)
	}
	offline := 0
	if st.IsOffline {
		offline = 1
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.retryBusy(ctx, func() error {
		_, err := s.db.Exec(
			"UPDATE sync_state SET last_remote_sync = ?, is_offline = ? WHERE id = 1",
			lastSync, offline)
		if err != nil {
			return fmt.Errorf("store: persist sync state: %w", err)
		}
		return nil
	})
}
