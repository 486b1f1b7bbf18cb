package standby

import (
	"fmt"
	"strings"
)

// Translator rewrites statements written in the remote (MySQL) vocabulary
// into the local SQLite dialect using the per-table upsert descriptors.
// Callers keep issuing one query vocabulary; the translator decides how an
// insert-or-update lands on the local store.
type Translator struct {
	specs map[string]TableSpec
}

// NewTranslator builds a translator over the replicated table descriptors.
func NewTranslator(specs []TableSpec) *Translator {
	m := make(map[string]TableSpec, len(specs))
	for _, s := range specs {
		m[s.Name] = s
	}
	return &Translator{specs: m}
}

// Rewrite translates one statement:
//
//   - %s positional markers become ?, order preserved
//   - NOW() becomes CURRENT_TIMESTAMP
//   - INSERT ... ON DUPLICATE KEY UPDATE becomes an ON CONFLICT upsert over
//     the table's natural-key columns, updating every non-key column from
//     the incoming values
//
// A table without configured key columns falls back to INSERT OR REPLACE,
// an unconditional overwrite by primary key (last writer wins).
func (tr *Translator) Rewrite(query string) (string, error) {
	out := strings.ReplaceAll(query, "%s", "?")
	out = replaceNow(out)

	odku := keywordIndex(out, "ON DUPLICATE KEY UPDATE")
	if odku < 0 {
		return out, nil
	}

	st := parseStatement(out)
	if st.kind != stmtInsert || st.table == "" {
		return "", fmt.Errorf("%w: ON DUPLICATE KEY UPDATE outside INSERT", ErrStatement)
	}

	tail := out[odku+len("ON DUPLICATE KEY UPDATE"):]
	if strings.Contains(tail, "?") {
		// Dropping the clause would desynchronize the bound parameters.
		return "", fmt.Errorf("%w: placeholders in ON DUPLICATE KEY UPDATE clause", ErrStatement)
	}

	head := strings.TrimSpace(out[:odku])

	spec, ok := tr.specs[st.table]
	if !ok || len(spec.KeyColumns) == 0 {
		// No uniqueness metadata: overwrite by primary key.
		rest := strings.TrimSpace(head[len("INSERT"):])
		return "INSERT OR REPLACE " + rest, nil
	}

	var sets []string
	for _, c := range st.insertCols {
		if spec.isKey(c) {
			continue
		}
		sets = append(sets, fmt.Sprintf("%s = excluded.%s", c, c))
	}

	conflict := strings.Join(spec.KeyColumns, ", ")
	if len(sets) == 0 {
		return fmt.Sprintf("%s ON CONFLICT(%s) DO NOTHING", head, conflict), nil
	}
	return fmt.Sprintf("%s ON CONFLICT(%s) DO UPDATE SET %s",
		head, conflict, strings.Join(sets, ", ")), nil
}

// Spec returns the descriptor for a table, if configured.
func (tr *Translator) Spec(table string) (TableSpec, bool) {
	s, ok := tr.specs[table]
	return s, ok
}

// ---------------------------------------------------------------------------
// Statement inspection
//
// This is deliberately not a SQL parser. It recognizes only the shapes the
// application issues: single-table INSERT/UPDATE/DELETE with a column list,
// a SET list, and equality WHERE predicates.

type stmtKind int

const (
	stmtOther stmtKind = iota
	stmtSelect
	stmtInsert
	stmtUpdate
	stmtDelete
)

func (k stmtKind) mutation() bool {
	return k == stmtInsert || k == stmtUpdate || k == stmtDelete
}

type statement struct {
	kind       stmtKind
	table      string
	insertCols []string
	insertVals []string // raw value expressions, parallel to insertCols
	whereIdx   int      // byte offset of the WHERE keyword, -1 if absent
}

// whereClause returns the text of the WHERE clause (without the keyword)
// and the number of placeholders preceding it.
func (st statement) whereClause(query string) (clause string, argsBefore int) {
	if st.whereIdx < 0 {
		return "", strings.Count(query, "?")
	}
	return strings.TrimSpace(query[st.whereIdx+len("WHERE"):]),
		strings.Count(query[:st.whereIdx], "?")
}

func parseStatement(query string) statement {
	st := statement{whereIdx: -1}
	trimmed := strings.TrimSpace(query)
	upper := strings.ToUpper(trimmed)

	switch {
	case strings.HasPrefix(upper, "SELECT"):
		st.kind = stmtSelect
		return st
	case strings.HasPrefix(upper, "INSERT"):
		st.kind = stmtInsert
		parseInsert(trimmed, &st)
	case strings.HasPrefix(upper, "UPDATE"):
		st.kind = stmtUpdate
		st.table = tokenAfter(trimmed, len("UPDATE"))
	case strings.HasPrefix(upper, "DELETE"):
		st.kind = stmtDelete
		if idx := keywordIndex(trimmed, "FROM"); idx >= 0 {
			st.table = tokenAfter(trimmed, idx+len("FROM"))
		}
	default:
		st.kind = stmtOther
		return st
	}

	if idx := keywordIndex(trimmed, "WHERE"); idx >= 0 {
		st.whereIdx = idx
	}
	return st
}

func parseInsert(q string, st *statement) {
	into := keywordIndex(q, "INTO")
	if into < 0 {
		return
	}
	st.table = tokenAfter(q, into+len("INTO"))

	open := strings.Index(q[into:], "(")
	if open < 0 {
		return
	}
	open += into
	closing := strings.Index(q[open:], ")")
	if closing < 0 {
		return
	}
	for _, c := range strings.Split(q[open+1:open+closing], ",") {
		st.insertCols = append(st.insertCols, cleanIdent(c))
	}

	values := keywordIndex(q[open+closing:], "VALUES")
	if values < 0 {
		return
	}
	vstart := strings.Index(q[open+closing+values:], "(")
	if vstart < 0 {
		return
	}
	vstart += open + closing + values
	st.insertVals = splitTopLevel(q[vstart+1:])
}

// splitTopLevel splits comma-separated expressions up to the first closing
// paren at depth zero, so function calls like COALESCE(a, b) stay intact.
func splitTopLevel(s string) []string {
	var (
		out   []string
		depth int
		start int
	)
	for i, r := range s {
		switch r {
		case '(':
			depth++
		case ')':
			if depth == 0 {
				if part := strings.TrimSpace(s[start:i]); part != "" {
					out = append(out, part)
				}
				return out
			}
			depth--
		case ',':
			if depth == 0 {
				out = append(out, strings.TrimSpace(s[start:i]))
				start = i + 1
			}
		}
	}
	if part := strings.TrimSpace(s[start:]); part != "" {
		out = append(out, part)
	}
	return out
}

// keywordIndex finds a keyword case-insensitively at a word boundary.
func keywordIndex(s, kw string) int {
	return keywordIndexFrom(s, kw, 0)
}

func keywordIndexFrom(s, kw string, from int) int {
	upper := strings.ToUpper(s)
	kw = strings.ToUpper(kw)
	for {
		idx := strings.Index(upper[from:], kw)
		if idx < 0 {
			return -1
		}
		idx += from
		beforeOK := idx == 0 || !isIdentRune(rune(upper[idx-1]))
		afterIdx := idx + len(kw)
		afterOK := afterIdx >= len(upper) || !isIdentRune(rune(upper[afterIdx]))
		if beforeOK && afterOK {
			return idx
		}
		from = idx + len(kw)
	}
}

func isIdentRune(r rune) bool {
	return r == '_' || (r >= 'A' && r <= 'Z') || (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9')
}

// replaceNow rewrites every NOW() call to CURRENT_TIMESTAMP.
func replaceNow(s string) string {
	from := 0
	for {
		idx := keywordIndexFrom(s, "NOW", from)
		if idx < 0 {
			return s
		}
		end := idx + len("NOW")
		rest := s[end:]
		trimmed := strings.TrimLeft(rest, " \t")
		if !strings.HasPrefix(trimmed, "()") {
			from = end
			continue
		}
		cut := end + (len(rest) - len(trimmed)) + len("()")
		s = s[:idx] + "CURRENT_TIMESTAMP" + s[cut:]
		from = idx + len("CURRENT_TIMESTAMP")
	}
}

// tokenAfter returns the identifier following the given offset.
func tokenAfter(s string, offset int) string {
	rest := strings.TrimSpace(s[offset:])
	end := len(rest)
	for i, r := range rest {
		if r == ' ' || r == '\t' || r == '\n' || r == '(' {
			end = i
			break
		}
	}
	return cleanIdent(rest[:end])
}

func cleanIdent(s string) string {
	return strings.Trim(strings.TrimSpace(s), "`\"")
}
