package standby

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"
)

// Remote is the engine's view of the primary store. The production
// implementation is MySQLRemote; tests substitute an in-memory fake.
type Remote interface {
	// Ping reports reachability. It never mutates state.
	Ping(ctx context.Context) error

	// AcquireConn opens a dedicated caller connection.
	AcquireConn(ctx context.Context) (Conn, error)

	// FetchRow returns the current remote row for a natural key, or nil
	// when no such row exists.
	FetchRow(ctx context.Context, t TableSpec, key Row) (Row, error)

	// PullAll returns every remote row of a table.
	PullAll(ctx context.Context, t TableSpec) ([]Row, error)

	// PullSince returns remote rows whose last-modified timestamp is
	// strictly greater than since.
	PullSince(ctx context.Context, t TableSpec, since time.Time) ([]Row, error)

	// Begin starts the transaction that batches a push phase.
	Begin(ctx context.Context) (RemoteTx, error)

	Close() error
}

// RemoteTx applies replayed outbox entries; all applied entries commit
// together at the end of the push phase.
type RemoteTx interface {
	Upsert(t TableSpec, row Row) error
	Update(t TableSpec, key, row Row) error
	Delete(t TableSpec, key Row) error
	Commit() error
	Rollback() error
}

// MySQLRemote implements Remote over the primary MySQL store.
type MySQLRemote struct {
	db *sql.DB
}

// NewMySQLRemote opens a connection pool against the remote store. The
// connect timeout bounds how long a probe or caller acquisition can block.
func NewMySQLRemote(cfg RemoteConfig, connectTimeout time.Duration) (*MySQLRemote, error) {
	mc := mysql.NewConfig()
	mc.User = cfg.User
	mc.Passwd = cfg.Password
	mc.Net = "tcp"
	mc.Addr = fmt.Sprintf("%s:%s", cfg.Host, cfg.Port)
	mc.DBName = cfg.Name
	mc.ParseTime = true
	if connectTimeout > 0 {
		mc.Timeout = connectTimeout
	}

	db, err := sql.Open("mysql", mc.FormatDSN())
	if err != nil {
		return nil, fmt.Errorf("open remote store: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	return &MySQLRemote{db: db}, nil
}

func (r *MySQLRemote) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

func (r *MySQLRemote) AcquireConn(ctx context.Context) (Conn, error) {
	conn, err := r.db.Conn(ctx)
	if err != nil {
		return nil, err
	}
	if err := conn.PingContext(ctx); err != nil {
		conn.Close()
		return nil, err
	}
	return &remoteConn{ctx: context.WithoutCancel(ctx), conn: conn}, nil
}

func (r *MySQLRemote) FetchRow(ctx context.Context, t TableSpec, key Row) (Row, error) {
	where, args := keyPredicate(t, key)
	rows, err := r.db.QueryContext(ctx,
		fmt.Sprintf("SELECT * FROM %s WHERE %s", t.Name, where), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	if !rows.Next() {
		return nil, rows.Err()
	}
	return scanRow(rows)
}

func (r *MySQLRemote) PullAll(ctx context.Context, t TableSpec) ([]Row, error) {
	return r.pull(ctx, fmt.Sprintf("SELECT * FROM %s", t.Name))
}

func (r *MySQLRemote) PullSince(ctx context.Context, t TableSpec, since time.Time) ([]Row, error) {
	return r.pull(ctx,
		fmt.Sprintf("SELECT * FROM %s WHERE %s > ?", t.Name, t.ModifiedColumn), since)
}

func (r *MySQLRemote) pull(ctx context.Context, query string, args ...any) ([]Row, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Row
	for rows.Next() {
		row, err := scanRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

func (r *MySQLRemote) Begin(ctx context.Context) (RemoteTx, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	return &mysqlTx{tx: tx}, nil
}

func (r *MySQLRemote) Close() error {
	return r.db.Close()
}

type mysqlTx struct {
	tx *sql.Tx
}

func (t *mysqlTx) Upsert(spec TableSpec, row Row) error {
	cols := rowColumns(row)
	if len(cols) == 0 {
		return fmt.Errorf("upsert %s: empty row image", spec.Name)
	}

	args := make([]any, 0, len(cols))
	marks := make([]string, len(cols))
	for i, c := range cols {
		marks[i] = "?"
		args = append(args, row[c])
	}

	var sets []string
	for _, c := range cols {
		if spec.isKey(c) {
			continue
		}
		sets = append(sets, fmt.Sprintf("%s = VALUES(%s)", c, c))
	}
	if len(sets) == 0 {
		sets = append(sets, fmt.Sprintf("%s = VALUES(%s)", cols[0], cols[0]))
	}

	_, err := t.tx.Exec(fmt.Sprintf(
		"INSERT INTO %s (%s) VALUES (%s) ON DUPLICATE KEY UPDATE %s",
		spec.Name, strings.Join(cols, ", "), strings.Join(marks, ", "),
		strings.Join(sets, ", ")), args...)
	return err
}

func (t *mysqlTx) Update(spec TableSpec, key, row Row) error {
	var (
		sets []string
		args []any
	)
	for _, c := range rowColumns(row) {
		if spec.isKey(c) {
			continue
		}
		sets = append(sets, c+" = ?")
		args = append(args, row[c])
	}
	if len(sets) == 0 {
		return nil
	}

	where, whereArgs := keyPredicate(spec, key)
	args = append(args, whereArgs...)

	_, err := t.tx.Exec(fmt.Sprintf("UPDATE %s SET %s WHERE %s",
		spec.Name, strings.Join(sets, ", "), where), args...)
	return err
}

func (t *mysqlTx) Delete(spec TableSpec, key Row) error {
	where, args := keyPredicate(spec, key)
	_, err := t.tx.Exec(fmt.Sprintf("DELETE FROM %s WHERE %s", spec.Name, where), args...)
	return err
}

func (t *mysqlTx) Commit() error   { return t.tx.Commit() }
func (t *mysqlTx) Rollback() error { return t.tx.Rollback() }

// rowColumns returns a row image's column names sorted, excluding the
// surrogate id, which is never replicated.
func rowColumns(row Row) []string {
	cols := make([]string, 0, len(row))
	for c := range row {
		if c == "id" {
			continue
		}
		cols = append(cols, c)
	}
	sort.Strings(cols)
	return cols
}
