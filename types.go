package standby

import "time"

// Operation classifies a journaled local mutation.
type Operation string

const (
	OpInsert Operation = "INSERT"
	OpUpdate Operation = "UPDATE"
	OpDelete Operation = "DELETE"
)

// IsValid checks if the operation is one the outbox accepts.
func (o Operation) IsValid() bool {
	return o == OpInsert || o == OpUpdate || o == OpDelete
}

// Row is a name-keyed row image. Images captured from SQLite or decoded from
// JSON carry loosely typed values (string, int64, float64, nil).
type Row map[string]any

// Column describes one business column of a replicated table.
type Column struct {
	Name string
	Type string // SQLite affinity, e.g. "TEXT", "INTEGER"
}

// TableSpec is the upsert descriptor for one replicated table: its business
// columns, the natural-key columns used for upsert matching, and the
// last-modified timestamp column used for conflict comparison. The surrogate
// integer primary key is implicit and never replicated.
type TableSpec struct {
	Name           string
	Columns        []Column
	KeyColumns     []string
	ModifiedColumn string
}

// ColumnNames returns the business column names in declaration order.
func (t TableSpec) ColumnNames() []string {
	names := make([]string, len(t.Columns))
	for i, c := range t.Columns {
		names[i] = c.Name
	}
	return names
}

// NonKeyColumns returns the business columns that are not part of the
// natural key.
func (t TableSpec) NonKeyColumns() []string {
	var out []string
	for _, c := range t.Columns {
		if !t.isKey(c.Name) {
			out = append(out, c.Name)
		}
	}
	return out
}

func (t TableSpec) isKey(name string) bool {
	for _, k := range t.KeyColumns {
		if k == name {
			return true
		}
	}
	return false
}

// KeyOf extracts the natural-key columns from a row image.
func (t TableSpec) KeyOf(row Row) Row {
	key := make(Row, len(t.KeyColumns))
	for _, k := range t.KeyColumns {
		key[k] = row[k]
	}
	return key
}

// OutboxEntry is one journaled local mutation awaiting replay. Entries are
// created only while offline and removed exactly once: either applied to the
// remote store or turned into a DiscardedChange.
type OutboxEntry struct {
	ID         string    `json:"id"`
	TableName  string    `json:"table_name"`
	Key        Row       `json:"key"`
	Op         Operation `json:"operation"`
	PreImage   Row       `json:"pre_image,omitempty"`
	PostImage  Row       `json:"post_image"`
	RecordedAt time.Time `json:"recorded_at"`
}

// ConflictReason explains why a queued local mutation lost to the remote row.
type ConflictReason string

const (
	ReasonRemoteDeleted  ConflictReason = "remote_deleted"
	ReasonRemoteModified ConflictReason = "remote_modified_since"
)

// DiscardedChange is the append-only audit record of a local write dropped
// by the remote-wins policy. Never updated or deleted by the engine.
type DiscardedChange struct {
	ID          int64          `json:"id"`
	TableName   string         `json:"table_name"`
	Key         Row            `json:"key"`
	LocalImage  Row            `json:"local_image"`
	RemoteImage Row            `json:"remote_image,omitempty"`
	Reason      ConflictReason `json:"reason"`
	DiscardedAt time.Time      `json:"discarded_at"`
}

// SyncState is the singleton replication state row.
type SyncState struct {
	LastRemoteSync time.Time // zero means never synced
	IsOffline      bool
}

// Status is the diagnostic surface exposed to operators.
type Status struct {
	IsOffline        bool           `json:"is_offline"`
	LastRemoteSync   time.Time      `json:"last_remote_sync"`
	PendingChanges   int            `json:"pending_changes"`
	DiscardedChanges int            `json:"discarded_changes"`
	TableRowCounts   map[string]int `json:"table_row_counts"`
}

// SyncResult summarizes one reconciliation run.
type SyncResult struct {
	Pushed    int  `json:"pushed"`
	Discarded int  `json:"discarded"`
	Skipped   int  `json:"skipped"`
	Pulled    int  `json:"pulled"`
	PullErrs  int  `json:"pull_errors"`
	FullPull  bool `json:"full_pull"`
}
