package standby

import (
	"errors"
	"strings"
	"testing"
)

func testTranslator() *Translator {
	return NewTranslator(DefaultTables())
}

func TestRewrite_Placeholders(t *testing.T) {
	tr := testTranslator()

	got, err := tr.Rewrite("SELECT * FROM person WHERE profile_url = %s AND full_name = %s")
	if err != nil {
		t.Fatalf("Rewrite: %v", err)
	}
	want := "SELECT * FROM person WHERE profile_url = ? AND full_name = ?"
	if got != want {
		t.Errorf("got %q, want %q", got, want)
	}
}

func TestRewrite_Now(t *testing.T) {
	tr := testTranslator()

	tests := []struct {
		in, want string
	}{
		{
			"UPDATE note SET updated_at = NOW() WHERE actor = %s",
			"UPDATE note SET updated_at = CURRENT_TIMESTAMP WHERE actor = ?",
		},
		{
			"UPDATE note SET updated_at = now() WHERE actor = %s",
			"UPDATE note SET updated_at = CURRENT_TIMESTAMP WHERE actor = ?",
		},
		{
			// A column merely named like the function must survive.
			"SELECT now_flag FROM note",
			"SELECT now_flag FROM note",
		},
		{
			"UPDATE note SET a = NOW(), b = NOW() WHERE actor = %s",
			"UPDATE note SET a = CURRENT_TIMESTAMP, b = CURRENT_TIMESTAMP WHERE actor = ?",
		},
	}
	for _, tc := range tests {
		got, err := tr.Rewrite(tc.in)
		if err != nil {
			t.Errorf("Rewrite(%q): %v", tc.in, err)
			continue
		}
		if got != tc.want {
			t.Errorf("Rewrite(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestRewrite_OnDuplicateKey(t *testing.T) {
	tr := testTranslator()

	in := "INSERT INTO person (profile_url, full_name, updated_at) VALUES (%s, %s, NOW()) " +
		"ON DUPLICATE KEY UPDATE full_name = VALUES(full_name), updated_at = NOW()"
	got, err := tr.Rewrite(in)
	if err != nil {
		t.Fatalf("Rewrite: %v", err)
	}

	if strings.Contains(strings.ToUpper(got), "DUPLICATE") {
		t.Errorf("clause not removed: %q", got)
	}
	if !strings.Contains(got, "ON CONFLICT(profile_url) DO UPDATE SET") {
		t.Errorf("missing conflict target: %q", got)
	}
	if !strings.Contains(got, "full_name = excluded.full_name") {
		t.Errorf("missing excluded assignment: %q", got)
	}
	if strings.Contains(got, "profile_url = excluded.profile_url") {
		t.Errorf("key column must not be updated: %q", got)
	}
	// Placeholder count must match the surviving value list.
	if n := strings.Count(got, "?"); n != 2 {
		t.Errorf("placeholder count = %d, want 2: %q", n, got)
	}
}

func TestRewrite_OnDuplicateKeyOnlyKeyColumns(t *testing.T) {
	tr := NewTranslator([]TableSpec{{
		Name:           "pair",
		Columns:        []Column{{Name: "a", Type: "TEXT"}, {Name: "b", Type: "TEXT"}},
		KeyColumns:     []string{"a", "b"},
		ModifiedColumn: "a",
	}})

	got, err := tr.Rewrite("INSERT INTO pair (a, b) VALUES (%s, %s) ON DUPLICATE KEY UPDATE a = a")
	if err != nil {
		t.Fatalf("Rewrite: %v", err)
	}
	if !strings.HasSuffix(got, "ON CONFLICT(a, b) DO NOTHING") {
		t.Errorf("got %q, want DO NOTHING tail", got)
	}
}

func TestRewrite_OnDuplicateKeyUnknownTable(t *testing.T) {
	tr := testTranslator()

	got, err := tr.Rewrite("INSERT INTO mystery (x) VALUES (%s) ON DUPLICATE KEY UPDATE x = VALUES(x)")
	if err != nil {
		t.Fatalf("Rewrite: %v", err)
	}
	if !strings.HasPrefix(got, "INSERT OR REPLACE INTO mystery") {
		t.Errorf("got %q, want INSERT OR REPLACE fallback", got)
	}
}

func TestRewrite_Errors(t *testing.T) {
	tr := testTranslator()

	// Placeholders inside the duplicate-key clause would desynchronize the
	// bound arguments once the clause is dropped.
	_, err := tr.Rewrite("INSERT INTO person (profile_url) VALUES (%s) ON DUPLICATE KEY UPDATE full_name = %s")
	if !errors.Is(err, ErrStatement) {
		t.Errorf("placeholder in clause: err = %v, want ErrStatement", err)
	}

	_, err = tr.Rewrite("UPDATE person SET x = 1 ON DUPLICATE KEY UPDATE x = 2")
	if !errors.Is(err, ErrStatement) {
		t.Errorf("clause outside INSERT: err = %v, want ErrStatement", err)
	}
}

func TestParseStatement(t *testing.T) {
	tests := []struct {
		query string
		kind  stmtKind
		table string
	}{
		{"SELECT * FROM person", stmtSelect, ""},
		{"INSERT INTO person (a, b) VALUES (?, ?)", stmtInsert, "person"},
		{"INSERT INTO `note` (a) VALUES (?)", stmtInsert, "note"},
		{"UPDATE interaction SET kind = ? WHERE actor = ?", stmtUpdate, "interaction"},
		{"DELETE FROM note WHERE actor = ?", stmtDelete, "note"},
		{"PRAGMA table_info(person)", stmtOther, ""},
	}
	for _, tc := range tests {
		st := parseStatement(tc.query)
		if st.kind != tc.kind {
			t.Errorf("parseStatement(%q).kind = %d, want %d", tc.query, st.kind, tc.kind)
		}
		if st.table != tc.table {
			t.Errorf("parseStatement(%q).table = %q, want %q", tc.query, st.table, tc.table)
		}
	}
}

func TestParseStatement_InsertColumns(t *testing.T) {
	st := parseStatement("INSERT INTO person (profile_url, full_name, updated_at) VALUES (?, 'x', NOW())")
	wantCols := []string{"profile_url", "full_name", "updated_at"}
	if len(st.insertCols) != len(wantCols) {
		t.Fatalf("cols = %v, want %v", st.insertCols, wantCols)
	}
	for i, c := range wantCols {
		if st.insertCols[i] != c {
			t.Errorf("col[%d] = %q, want %q", i, st.insertCols[i], c)
		}
	}
	wantVals := []string{"?", "'x'", "NOW()"}
	if len(st.insertVals) != len(wantVals) {
		t.Fatalf("vals = %v, want %v", st.insertVals, wantVals)
	}
	for i, v := range wantVals {
		if st.insertVals[i] != v {
			t.Errorf("val[%d] = %q, want %q", i, st.insertVals[i], v)
		}
	}
}

func TestStatement_WhereClause(t *testing.T) {
	q := "UPDATE note SET body = ?, updated_at = ? WHERE actor = ? AND subject = ?"
	st := parseStatement(q)
	clause, before := st.whereClause(q)
	if clause != "actor = ? AND subject = ?" {
		t.Errorf("clause = %q", clause)
	}
	if before != 2 {
		t.Errorf("argsBefore = %d, want 2", before)
	}

	q = "DELETE FROM note"
	st = parseStatement(q)
	clause, _ = st.whereClause(q)
	if clause != "" {
		t.Errorf("clause without WHERE = %q, want empty", clause)
	}
}

func TestSplitTopLevel(t *testing.T) {
	got := splitTopLevel("?, COALESCE(a, b), 3)")
	want := []string{"?", "COALESCE(a, b)", "3"}
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("got[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestLiteralValue(t *testing.T) {
	tests := []struct {
		in   string
		want any
	}{
		{"'hello'", "hello"},
		{`"quoted"`, "quoted"},
		{"NULL", nil},
		{"42", int64(42)},
		{"3.5", 3.5},
		{"CURRENT_TIMESTAMP", nil},
	}
	for _, tc := range tests {
		if got := literalValue(tc.in); got != tc.want {
			t.Errorf("literalValue(%q) = %v, want %v", tc.in, got, tc.want)
		}
	}
}
