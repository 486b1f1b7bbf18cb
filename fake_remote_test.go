package standby

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// fakeRemote is an in-memory stand-in for the primary store, playing the
// role the real MySQL pool plays in production.
type fakeRemote struct {
	mu        sync.Mutex
	reachable bool
	tables    map[string][]Row

	// mutations counts committed writes, for idempotence assertions.
	mutations int

	// applyErr, when set, is returned by every staged write.
	applyErr error
}

func newFakeRemote() *fakeRemote {
	return &fakeRemote{reachable: true, tables: make(map[string][]Row)}
}

func (f *fakeRemote) setReachable(ok bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reachable = ok
}

func (f *fakeRemote) seed(table string, rows ...Row) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, r := range rows {
		f.tables[table] = append(f.tables[table], copyRow(r))
	}
}

func (f *fakeRemote) rowCount(table string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.tables[table])
}

func (f *fakeRemote) find(spec TableSpec, key Row) Row {
	f.mu.Lock()
	defer f.mu.Unlock()
	if i := findIndex(f.tables[spec.Name], spec, key); i >= 0 {
		return copyRow(f.tables[spec.Name][i])
	}
	return nil
}

func (f *fakeRemote) Ping(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.reachable {
		return errors.New("dial tcp: connection refused")
	}
	return nil
}

func (f *fakeRemote) AcquireConn(ctx context.Context) (Conn, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.reachable {
		return nil, errors.New("dial tcp: connection refused")
	}
	return fakeConn{}, nil
}

func (f *fakeRemote) FetchRow(ctx context.Context, t TableSpec, key Row) (Row, error) {
	if err := f.Ping(ctx); err != nil {
		return nil, err
	}
	return f.find(t, key), nil
}

func (f *fakeRemote) PullAll(ctx context.Context, t TableSpec) ([]Row, error) {
	if err := f.Ping(ctx); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]Row, 0, len(f.tables[t.Name]))
	for _, r := range f.tables[t.Name] {
		out = append(out, copyRow(r))
	}
	return out, nil
}

func (f *fakeRemote) PullSince(ctx context.Context, t TableSpec, since time.Time) ([]Row, error) {
	if err := f.Ping(ctx); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []Row
	for _, r := range f.tables[t.Name] {
		ts, ok := timestampOf(r[t.ModifiedColumn])
		if ok && ts.After(since) {
			out = append(out, copyRow(r))
		}
	}
	return out, nil
}

func (f *fakeRemote) Begin(ctx context.Context) (RemoteTx, error) {
	if err := f.Ping(ctx); err != nil {
		return nil, err
	}
	return &fakeTx{f: f}, nil
}

func (f *fakeRemote) Close() error { return nil }

// fakeTx stages writes and applies them on Commit, mirroring the remote
// transaction that batches a push phase.
type fakeTx struct {
	f   *fakeRemote
	ops []func()
}

func (t *fakeTx) Upsert(spec TableSpec, row Row) error {
	if t.f.applyErr != nil {
		return t.f.applyErr
	}
	r := copyRow(row)
	t.ops = append(t.ops, func() {
		rows := t.f.tables[spec.Name]
		if i := findIndex(rows, spec, spec.KeyOf(r)); i >= 0 {
			for c, v := range r {
				if c != "id" {
					rows[i][c] = v
				}
			}
			return
		}
		t.f.tables[spec.Name] = append(rows, r)
	})
	return nil
}

func (t *fakeTx) Update(spec TableSpec, key, row Row) error {
	if t.f.applyErr != nil {
		return t.f.applyErr
	}
	k, r := copyRow(key), copyRow(row)
	t.ops = append(t.ops, func() {
		rows := t.f.tables[spec.Name]
		if i := findIndex(rows, spec, k); i >= 0 {
			for c, v := range r {
				if c != "id" && !spec.isKey(c) {
					rows[i][c] = v
				}
			}
		}
	})
	return nil
}

func (t *fakeTx) Delete(spec TableSpec, key Row) error {
	if t.f.applyErr != nil {
		return t.f.applyErr
	}
	k := copyRow(key)
	t.ops = append(t.ops, func() {
		rows := t.f.tables[spec.Name]
		if i := findIndex(rows, spec, k); i >= 0 {
			t.f.tables[spec.Name] = append(rows[:i], rows[i+1:]...)
		}
	})
	return nil
}

func (t *fakeTx) Commit() error {
	t.f.mu.Lock()
	defer t.f.mu.Unlock()
	for _, op := range t.ops {
		op()
	}
	t.f.mutations += len(t.ops)
	t.ops = nil
	return nil
}

func (t *fakeTx) Rollback() error {
	t.ops = nil
	return nil
}

// fakeConn satisfies the Conn contract for routing assertions.
type fakeConn struct{}

func (fakeConn) Cursor(named bool) (Cursor, error) { return fakeCursor{}, nil }
func (fakeConn) Commit() error                     { return nil }
func (fakeConn) Rollback() error                   { return nil }
func (fakeConn) Close() error                      { return nil }

type fakeCursor struct{}

func (fakeCursor) Execute(query string, args ...any) error { return nil }
func (fakeCursor) FetchOne() (any, error)                  { return nil, nil }
func (fakeCursor) FetchAll() ([]any, error)                { return nil, nil }
func (fakeCursor) RowCount() int64                         { return 0 }
func (fakeCursor) LastInsertID() int64                     { return 0 }

func copyRow(r Row) Row {
	out := make(Row, len(r))
	for k, v := range r {
		out[k] = v
	}
	return out
}

// findIndex matches rows by natural key using loose value comparison, since
// images round-trip through JSON and SQL drivers with differing numerics.
func findIndex(rows []Row, spec TableSpec, key Row) int {
	for i, r := range rows {
		match := true
		for _, k := range spec.KeyColumns {
			if fmt.Sprint(r[k]) != fmt.Sprint(key[k]) {
				match = false
				break
			}
		}
		if match {
			return i
		}
	}
	return -1
}
