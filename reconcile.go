package standby

import (
	"context"
	"log/slog"
	"time"
)

// Reconciler replays the outbox against the remote store and then pulls
// remote rows back into the local store. Invoked once per successful
// reconnection, and on demand via ForceSync.
type Reconciler struct {
	store  *Store
	remote Remote
	log    *slog.Logger
}

// NewReconciler wires a reconciler over the local store and remote adapter.
func NewReconciler(store *Store, remote Remote, log *slog.Logger) *Reconciler {
	if log == nil {
		log = slog.Default()
	}
	return &Reconciler{store: store, remote: remote, log: log}
}

// Run executes one reconciliation: push, then pull, always in that order.
func (r *Reconciler) Run(ctx context.Context) (*SyncResult, error) {
	res := &SyncResult{}
	if err := r.push(ctx, res); err != nil {
		return res, err
	}
	if err := r.pull(ctx, res); err != nil {
		return res, err
	}
	return res, nil
}

// push replays outbox entries oldest first. Conflicting entries become
// DiscardedChange audit records; entries that fail to apply are logged and
// left in the outbox for operator inspection. Applied entries commit
// together in one remote transaction, and the outbox deletions commit
// together as a separate local step.
func (r *Reconciler) push(ctx context.Context, res *SyncResult) error {
	entries, err := r.store.PendingEntries()
	if err != nil {
		return &ReconcileError{Phase: "push", Err: err}
	}
	if len(entries) == 0 {
		return nil
	}

	rtx, err := r.remote.Begin(ctx)
	if err != nil {
		return &ReconcileError{Phase: "push", Err: err}
	}
	defer rtx.Rollback()

	type conflicted struct {
		id      string
		discard DiscardedChange
	}
	var (
		applied   []string
		conflicts []conflicted
	)

	for _, e := range entries {
		spec, ok := r.store.Spec(e.TableName)
		if !ok {
			r.log.Warn("outbox entry for unknown table; leaving for inspection",
				"entry", e.ID, "table", e.TableName)
			res.Skipped++
			continue
		}

		reason, remoteRow, err := r.detectConflict(ctx, spec, e)
		if err != nil {
			r.log.Error("conflict check failed; leaving entry for inspection",
				"entry", e.ID, "table", e.TableName, "error", err)
			res.Skipped++
			continue
		}
		if reason != "" {
			conflicts = append(conflicts, conflicted{id: e.ID, discard: DiscardedChange{
				TableName:   e.TableName,
				Key:         e.Key,
				LocalImage:  e.PostImage,
				RemoteImage: remoteRow,
				Reason:      reason,
				DiscardedAt: time.Now().UTC(),
			}})
			res.Discarded++
			continue
		}

		var applyErr error
		switch e.Op {
		case OpInsert:
			// A remote row with the same natural key silently absorbs the
			// local insert.
			applyErr = rtx.Upsert(spec, e.PostImage)
		case OpUpdate:
			applyErr = rtx.Update(spec, e.Key, e.PostImage)
		case OpDelete:
			applyErr = rtx.Delete(spec, e.Key)
		default:
			r.log.Warn("outbox entry with unknown operation", "entry", e.ID, "op", string(e.Op))
			res.Skipped++
			continue
		}
		if applyErr != nil {
			r.log.Error("replay failed; leaving entry for inspection",
				"entry", e.ID, "table", e.TableName, "op", string(e.Op), "error", applyErr)
			res.Skipped++
			continue
		}
		applied = append(applied, e.ID)
		res.Pushed++
	}

	if err := rtx.Commit(); err != nil {
		return &ReconcileError{Phase: "push", Err: err}
	}

	// Audit records land before their outbox entries are removed, so a
	// failure here leaves the entry to be re-resolved on the next run.
	done := applied
	for _, c := range conflicts {
		if err := r.store.RecordDiscard(ctx, c.discard); err != nil {
			r.log.Error("recording discarded change failed", "entry", c.id, "error", err)
			res.Discarded--
			res.Skipped++
			continue
		}
		done = append(done, c.id)
	}

	if err := r.store.DeleteOutboxEntries(ctx, done); err != nil {
		return &ReconcileError{Phase: "push", Err: err}
	}
	return nil
}

// detectConflict applies the remote-wins policy checks to one entry.
// Inserts (nil pre-image) never conflict.
func (r *Reconciler) detectConflict(ctx context.Context, spec TableSpec, e OutboxEntry) (ConflictReason, Row, error) {
	if e.Op == OpInsert || e.PreImage == nil {
		return "", nil, nil
	}

	cur, err := r.remote.FetchRow(ctx, spec, e.Key)
	if err != nil {
		return "", nil, err
	}
	if cur == nil {
		return ReasonRemoteDeleted, nil, nil
	}

	curTS, okCur := timestampOf(cur[spec.ModifiedColumn])
	preTS, okPre := timestampOf(e.PreImage[spec.ModifiedColumn])
	if okCur && okPre && curTS.After(preTS) {
		return ReasonRemoteModified, cur, nil
	}
	return "", nil, nil
}

// pull refreshes the local tables from the remote store: a full pull on the
// first-ever sync, an incremental pull by last-modified timestamp after
// that. Remote values win unconditionally; additive schema drift is applied
// before upserting.
func (r *Reconciler) pull(ctx context.Context, res *SyncResult) error {
	st, err := r.store.SyncState()
	if err != nil {
		return &ReconcileError{Phase: "pull", Err: err}
	}
	full := st.LastRemoteSync.IsZero()
	res.FullPull = full

	// Captured before fetching so concurrent remote writes are not skipped
	// by the next incremental pull.
	pullStart := time.Now().UTC()

	var firstErr error
	for _, spec := range r.store.Specs() {
		var (
			rows []Row
			err  error
		)
		if full {
			rows, err = r.remote.PullAll(ctx, spec)
		} else {
			rows, err = r.remote.PullSince(ctx, spec, st.LastRemoteSync)
		}
		if err != nil {
			r.log.Error("pull fetch failed", "table", spec.Name, "error", err)
			if firstErr == nil {
				firstErr = &ReconcileError{Phase: "pull", Table: spec.Name, Err: err}
			}
			continue
		}
		if len(rows) == 0 && !full {
			continue
		}

		if err := r.store.EnsureColumns(spec.Name, driftColumns(rows)); err != nil {
			r.log.Error("additive schema drift failed", "table", spec.Name, "error", err)
			if firstErr == nil {
				firstErr = &ReconcileError{Phase: "pull", Table: spec.Name, Err: err}
			}
			continue
		}

		if full {
			failed, err := r.store.ReplaceAll(ctx, spec, rows)
			if err != nil {
				r.log.Error("full pull failed", "table", spec.Name, "error", err)
				if firstErr == nil {
					firstErr = &ReconcileError{Phase: "pull", Table: spec.Name, Err: err}
				}
				continue
			}
			res.Pulled += len(rows) - failed
			res.PullErrs += failed
			if failed > 0 {
				r.log.Warn("rows failed during full pull", "table", spec.Name, "failed", failed)
			}
			continue
		}

		for _, row := range rows {
			if err := r.store.UpsertRow(ctx, spec, row); err != nil {
				res.PullErrs++
				r.log.Warn("row upsert failed during pull", "table", spec.Name, "error", err)
				continue
			}
			res.Pulled++
		}
	}

	if firstErr != nil {
		return firstErr
	}

	st.LastRemoteSync = pullStart
	if err := r.store.SetSyncState(ctx, st); err != nil {
		return &ReconcileError{Phase: "pull", Err: err}
	}
	return nil
}

// driftColumns collects the union of column names across pulled rows.
func driftColumns(rows []Row) []string {
	seen := make(map[string]bool)
	var cols []string
	for _, row := range rows {
		for c := range row {
			if c == "id" || seen[c] {
				continue
			}
			seen[c] = true
			cols = append(cols, c)
		}
	}
	return cols
}

// timestampOf interprets a last-modified column value from either store:
// native time values from the remote driver, or the string layouts both
// stores emit.
func timestampOf(v any) (time.Time, bool) {
	switch t := v.(type) {
	case time.Time:
		return t, true
	case string:
		for _, layout := range []string{
			time.RFC3339Nano,
			time.RFC3339,
			"2006-01-02 15:04:05",
			"2006-01-02T15:04:05",
		} {
			if ts, err := time.Parse(layout, t); err == nil {
				return ts, true
			}
		}
	}
	return time.Time{}, false
}
