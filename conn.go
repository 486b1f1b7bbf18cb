package standby

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// Conn is the store-agnostic connection handed to callers. Whichever
// physical store backs it, the same contract applies: open cursors, execute
// parameterized statements in the remote vocabulary, then commit or roll
// back. Callers never learn which store answered.
type Conn interface {
	Cursor(named bool) (Cursor, error)
	Commit() error
	Rollback() error
	Close() error
}

// Cursor executes statements and buffers their results. In named mode rows
// come back as Row maps; in positional mode as []any slices in column
// order, matching what the native remote cursor would return.
type Cursor interface {
	Execute(query string, args ...any) error
	FetchOne() (any, error)
	FetchAll() ([]any, error)
	RowCount() int64
	LastInsertID() int64
}

// resultSet buffers a query's rows so cursors outlive statement execution.
type resultSet struct {
	named bool
	cols  []string
	rows  [][]any
	pos   int
}

func (r *resultSet) reset(named bool) {
	r.named = named
	r.cols = nil
	r.rows = nil
	r.pos = 0
}

func (r *resultSet) load(rows *sql.Rows) error {
	cols, err := rows.Columns()
	if err != nil {
		return err
	}
	r.cols = cols
	for rows.Next() {
		vals := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return err
		}
		for i, v := range vals {
			if b, ok := v.([]byte); ok {
				vals[i] = string(b)
			}
		}
		r.rows = append(r.rows, vals)
	}
	return rows.Err()
}

func (r *resultSet) fetchOne() any {
	if r.pos >= len(r.rows) {
		return nil
	}
	row := r.rows[r.pos]
	r.pos++
	return r.shape(row)
}

func (r *resultSet) fetchAll() []any {
	out := make([]any, 0, len(r.rows)-r.pos)
	for r.pos < len(r.rows) {
		out = append(out, r.shape(r.rows[r.pos]))
		r.pos++
	}
	return out
}

func (r *resultSet) shape(vals []any) any {
	if !r.named {
		return vals
	}
	m := make(Row, len(r.cols))
	for i, c := range r.cols {
		m[c] = vals[i]
	}
	return m
}

// ---------------------------------------------------------------------------
// Remote-backed connection

// remoteConn wraps a dedicated connection from the remote pool.
type remoteConn struct {
	ctx  context.Context
	conn *sql.Conn

	mu     sync.Mutex
	tx     *sql.Tx
	closed bool
}

func (c *remoteConn) Cursor(named bool) (Cursor, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, ErrConnClosed
	}
	return &remoteCursor{conn: c, named: named}, nil
}

func (c *remoteConn) ensureTx() (*sql.Tx, error) {
	if c.closed {
		return nil, ErrConnClosed
	}
	if c.tx == nil {
		tx, err := c.conn.BeginTx(c.ctx, nil)
		if err != nil {
			return nil, err
		}
		c.tx = tx
	}
	return c.tx, nil
}

func (c *remoteConn) Commit() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrConnClosed
	}
	if c.tx == nil {
		return nil
	}
	err := c.tx.Commit()
	c.tx = nil
	return err
}

func (c *remoteConn) Rollback() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrConnClosed
	}
	if c.tx == nil {
		return nil
	}
	err := c.tx.Rollback()
	c.tx = nil
	return err
}

func (c *remoteConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	if c.tx != nil {
		_ = c.tx.Rollback()
		c.tx = nil
	}
	return c.conn.Close()
}

type remoteCursor struct {
	conn   *remoteConn
	named  bool
	res    resultSet
	count  int64
	lastID int64
}

func (cur *remoteCursor) Execute(query string, args ...any) error {
	cur.conn.mu.Lock()
	defer cur.conn.mu.Unlock()

	tx, err := cur.conn.ensureTx()
	if err != nil {
		return err
	}

	// The remote store speaks this dialect natively; only the positional
	// marker style needs normalizing.
	query = strings.ReplaceAll(query, "%s", "?")
	cur.res.reset(cur.named)
	cur.count = 0
	cur.lastID = 0

	if parseStatement(query).kind == stmtSelect {
		rows, err := tx.Query(query, args...)
		if err != nil {
			return err
		}
		defer rows.Close()
		if err := cur.res.load(rows); err != nil {
			return err
		}
		cur.count = int64(len(cur.res.rows))
		return nil
	}

	res, err := tx.Exec(query, args...)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil {
		cur.count = n
	}
	if id, err := res.LastInsertId(); err == nil {
		cur.lastID = id
	}
	return nil
}

func (cur *remoteCursor) FetchOne() (any, error)   { return cur.res.fetchOne(), nil }
func (cur *remoteCursor) FetchAll() ([]any, error) { return cur.res.fetchAll(), nil }
func (cur *remoteCursor) RowCount() int64          { return cur.count }
func (cur *remoteCursor) LastInsertID() int64      { return cur.lastID }

// ---------------------------------------------------------------------------
// Local translated connection

// localConn backs the caller contract with the local store. Statements are
// rewritten to the local dialect, and while the manager is offline every
// mutation against a replicated table is journaled to the outbox inside the
// same transaction as the mutation itself.
type localConn struct {
	store   *Store
	tr      *Translator
	offline func() bool
	log     *slog.Logger

	mu          sync.Mutex
	tx          *sql.Tx
	writeLocked bool
	closed      bool
}

func newLocalConn(store *Store, tr *Translator, offline func() bool, log *slog.Logger) *localConn {
	if log == nil {
		log = slog.Default()
	}
	return &localConn{store: store, tr: tr, offline: offline, log: log}
}

func (c *localConn) Cursor(named bool) (Cursor, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, ErrConnClosed
	}
	return &localCursor{conn: c, named: named}, nil
}

func (c *localConn) ensureTx() (*sql.Tx, error) {
	if c.closed {
		return nil, ErrConnClosed
	}
	if c.tx == nil {
		tx, err := c.store.db.Begin()
		if err != nil {
			return nil, err
		}
		c.tx = tx
	}
	return c.tx, nil
}

// lockWrite serializes local write transactions across connections.
func (c *localConn) lockWrite() {
	if !c.writeLocked {
		c.store.writeMu.Lock()
		c.writeLocked = true
	}
}

func (c *localConn) unlockWrite() {
	if c.writeLocked {
		c.store.writeMu.Unlock()
		c.writeLocked = false
	}
}

func (c *localConn) Commit() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrConnClosed
	}
	defer c.unlockWrite()
	if c.tx == nil {
		return nil
	}
	err := c.tx.Commit()
	c.tx = nil
	return err
}

func (c *localConn) Rollback() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrConnClosed
	}
	defer c.unlockWrite()
	if c.tx == nil {
		return nil
	}
	err := c.tx.Rollback()
	c.tx = nil
	return err
}

func (c *localConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	defer c.unlockWrite()
	if c.tx != nil {
		_ = c.tx.Rollback()
		c.tx = nil
	}
	return nil
}

type localCursor struct {
	conn   *localConn
	named  bool
	res    resultSet
	count  int64
	lastID int64
}

func (cur *localCursor) Execute(query string, args ...any) error {
	c := cur.conn
	c.mu.Lock()
	defer c.mu.Unlock()

	translated, err := c.tr.Rewrite(query)
	if err != nil {
		return err
	}
	// whereClause offsets assume no leading whitespace.
	translated = strings.TrimSpace(translated)
	st := parseStatement(translated)

	tx, err := c.ensureTx()
	if err != nil {
		return err
	}

	cur.res.reset(cur.named)
	cur.count = 0
	cur.lastID = 0

	if st.kind == stmtSelect {
		rows, err := tx.Query(translated, args...)
		if err != nil {
			return err
		}
		defer rows.Close()
		if err := cur.res.load(rows); err != nil {
			return err
		}
		cur.count = int64(len(cur.res.rows))
		return nil
	}

	if st.kind.mutation() {
		c.lockWrite()
	}

	spec, journal := c.tr.Spec(st.table)
	journal = journal && st.kind.mutation() && c.offline()

	// Pre-images must be read before the statement runs.
	var (
		preRows   []Row
		insertPre Row
		insertKey Row
	)
	if journal {
		switch st.kind {
		case stmtUpdate, stmtDelete:
			preRows, err = affectedRows(tx, st, translated, args)
			if err != nil {
				return fmt.Errorf("capture pre-images: %w", err)
			}
		case stmtInsert:
			vals := insertValues(st, args)
			insertKey = spec.KeyOf(vals)
			if keyComplete(spec, insertKey) {
				insertPre, err = fetchRow(tx, spec, insertKey)
				if err != nil {
					return fmt.Errorf("capture pre-image: %w", err)
				}
			}
		}
	}

	res, err := tx.Exec(translated, args...)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil {
		cur.count = n
	}
	if id, err := res.LastInsertId(); err == nil {
		cur.lastID = id
	}

	if journal {
		if err := cur.journal(tx, spec, st, insertPre, insertKey, preRows); err != nil {
			return err
		}
	}
	return nil
}

// journal appends one outbox entry per affected row, in the mutation's own
// transaction so the journal commits and rolls back with the data.
func (cur *localCursor) journal(tx *sql.Tx, spec TableSpec, st statement, insertPre, insertKey Row, preRows []Row) error {
	now := time.Now().UTC()

	switch st.kind {
	case stmtInsert:
		post, err := cur.postImage(tx, spec, insertKey)
		if err != nil {
			return err
		}
		if post == nil {
			return nil // nothing landed (DO NOTHING upsert)
		}
		op := OpInsert
		var pre Row
		if insertPre != nil {
			// A conflicting local row absorbed the insert.
			op = OpUpdate
			pre = insertPre
		}
		return appendOutbox(tx, OutboxEntry{
			ID:         ulid.Make().String(),
			TableName:  spec.Name,
			Key:        spec.KeyOf(post),
			Op:         op,
			PreImage:   pre,
			PostImage:  post,
			RecordedAt: now,
		})

	case stmtUpdate:
		for _, pre := range preRows {
			key := spec.KeyOf(pre)
			post, err := fetchRow(tx, spec, key)
			if err != nil {
				return err
			}
			if post == nil {
				post = pre
			}
			if err := appendOutbox(tx, OutboxEntry{
				ID:         ulid.Make().String(),
				TableName:  spec.Name,
				Key:        key,
				Op:         OpUpdate,
				PreImage:   pre,
				PostImage:  post,
				RecordedAt: now,
			}); err != nil {
				return err
			}
		}

	case stmtDelete:
		for _, pre := range preRows {
			key := spec.KeyOf(pre)
			if err := appendOutbox(tx, OutboxEntry{
				ID:         ulid.Make().String(),
				TableName:  spec.Name,
				Key:        key,
				Op:         OpDelete,
				PreImage:   pre,
				PostImage:  key,
				RecordedAt: now,
			}); err != nil {
				return err
			}
		}
	}
	return nil
}

// postImage reads the row an insert produced, preferring the natural key
// and falling back to the rowid SQLite just assigned.
func (cur *localCursor) postImage(tx *sql.Tx, spec TableSpec, key Row) (Row, error) {
	if keyComplete(spec, key) {
		return fetchRow(tx, spec, key)
	}
	if cur.lastID > 0 {
		rows, err := tx.Query(fmt.Sprintf("SELECT * FROM %s WHERE id = ?", spec.Name), cur.lastID)
		if err != nil {
			return nil, err
		}
		defer rows.Close()
		if !rows.Next() {
			return nil, rows.Err()
		}
		return scanRow(rows)
	}
	return nil, nil
}

func (cur *localCursor) FetchOne() (any, error)   { return cur.res.fetchOne(), nil }
func (cur *localCursor) FetchAll() ([]any, error) { return cur.res.fetchAll(), nil }
func (cur *localCursor) RowCount() int64          { return cur.count }
func (cur *localCursor) LastInsertID() int64      { return cur.lastID }

// affectedRows selects the rows an UPDATE or DELETE is about to touch by
// reusing the statement's own WHERE clause and its bound arguments.
func affectedRows(tx *sql.Tx, st statement, query string, args []any) ([]Row, error) {
	where, argsBefore := st.whereClause(query)

	sel := fmt.Sprintf("SELECT * FROM %s", st.table)
	var selArgs []any
	if where != "" {
		sel += " WHERE " + where
		if argsBefore > len(args) {
			argsBefore = len(args)
		}
		selArgs = args[argsBefore:]
	}

	rows, err := tx.Query(sel, selArgs...)
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

// insertValues reconstructs the column/value map of an INSERT from its
// column list, raw value expressions, and bound arguments.
func insertValues(st statement, args []any) Row {
	vals := make(Row, len(st.insertCols))
	ai := 0
	for i, col := range st.insertCols {
		if i >= len(st.insertVals) {
			break
		}
		expr := st.insertVals[i]
		if expr == "?" {
			if ai < len(args) {
				vals[col] = args[ai]
				ai++
			}
			continue
		}
		vals[col] = literalValue(expr)
	}
	return vals
}

func keyComplete(spec TableSpec, key Row) bool {
	if len(spec.KeyColumns) == 0 {
		return false
	}
	for _, k := range spec.KeyColumns {
		if v, ok := key[k]; !ok || v == nil {
			return false
		}
	}
	return true
}

// literalValue interprets a simple inline SQL literal. Expressions the
// engine cannot evaluate (function calls, keywords) come back nil; the
// post-image fetch supplies the stored value instead.
func literalValue(expr string) any {
	expr = strings.TrimSpace(expr)
	if len(expr) >= 2 && (expr[0] == '\'' || expr[0] == '"') && expr[len(expr)-1] == expr[0] {
		return expr[1 : len(expr)-1]
	}
	if strings.EqualFold(expr, "NULL") {
		return nil
	}
	if n, err := strconv.ParseInt(expr, 10, 64); err == nil {
		return n
	}
	if f, err := strconv.ParseFloat(expr, 64); err == nil {
		return f
	}
	return nil
}
