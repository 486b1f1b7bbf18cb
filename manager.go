package standby

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

const loopJoinTimeout = 2 * time.Second

// Manager owns the ONLINE/OFFLINE mode, routes Acquire to the correct
// backing store, runs the background reconnection loop, and orchestrates
// reconciliation. Construct one per process at startup and pass it to
// collaborators; only the Manager mutates the mode.
type Manager struct {
	cfg    Config
	store  *Store
	remote Remote
	prober *Prober
	recon  *Reconciler
	tr     *Translator
	log    *slog.Logger

	mu       sync.Mutex
	offline  bool
	closed   bool
	loopStop chan struct{}
	loopDone chan struct{}

	// syncMu serializes reconciliations (loop, ForceSync, scheduler).
	syncMu sync.Mutex
	sched  *cron.Cron
}

// New constructs the engine for production use: opens the local store,
// connects the remote pool, probes initial reachability, and wires the
// reconciler.
func New(cfg Config) (*Manager, error) {
	cfg = cfg.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	store, err := NewStore(cfg.LocalPath, cfg.Tables)
	if err != nil {
		return nil, fmt.Errorf("manager: %w", err)
	}

	remote, err := NewMySQLRemote(cfg.Remote, cfg.ProbeTimeout)
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("manager: %w", err)
	}

	m, err := NewManager(store, remote, cfg)
	if err != nil {
		remote.Close()
		store.Close()
		return nil, err
	}
	return m, nil
}

// NewManager wires an explicitly constructed store and remote. This is the
// dependency-injection seam New builds on; tests substitute a fake remote.
func NewManager(store *Store, remote Remote, cfg Config) (*Manager, error) {
	cfg = cfg.WithDefaults()

	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}

	m := &Manager{
		cfg:    cfg,
		store:  store,
		remote: remote,
		prober: NewProber(remote, cfg.ProbeTimeout),
		tr:     NewTranslator(store.Specs()),
		log:    log,
	}
	m.recon = NewReconciler(store, remote, log)

	ctx := context.Background()
	if err := m.prober.Probe(ctx); err != nil {
		m.log.Warn("remote store unreachable at startup; starting offline", "error", err)
		if err := m.GoOffline(ctx); err != nil {
			return nil, err
		}
	} else {
		st, err := store.SyncState()
		if err != nil {
			return nil, err
		}
		st.IsOffline = false
		if err := store.SetSyncState(ctx, st); err != nil {
			return nil, err
		}
	}

	if cfg.ResyncSchedule != "" {
		c := cron.New()
		_, err := c.AddFunc(cfg.ResyncSchedule, m.scheduledResync)
		if err != nil {
			return nil, &ValidationError{Field: "ResyncSchedule", Message: err.Error()}
		}
		c.Start()
		m.sched = c
	}

	return m, nil
}

// Acquire returns a connection routed by the current mode. While ONLINE a
// remote connection failure flips the manager OFFLINE and falls open to the
// local store; that specific failure is never surfaced to the caller.
func (m *Manager) Acquire(ctx context.Context) (Conn, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, ErrManagerClosed
	}
	offline := m.offline
	m.mu.Unlock()

	if !offline {
		cctx, cancel := context.WithTimeout(ctx, m.cfg.ProbeTimeout)
		conn, err := m.remote.AcquireConn(cctx)
		cancel()
		if err == nil {
			return conn, nil
		}
		m.log.Warn("remote store unreachable; failing over to local store", "error", err)
		if err := m.GoOffline(ctx); err != nil {
			return nil, err
		}
	}

	return newLocalConn(m.store, m.tr, m.IsOffline, m.log), nil
}

// IsOffline reports the current mode.
func (m *Manager) IsOffline() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.offline
}

// GoOffline transitions to OFFLINE, persists the state, and starts the
// background reconnection loop. Idempotent.
func (m *Manager) GoOffline(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrManagerClosed
	}
	wasOffline := m.offline
	m.offline = true
	if m.loopDone == nil {
		m.loopStop = make(chan struct{})
		m.loopDone = make(chan struct{})
		go m.reconnectLoop(m.loopStop, m.loopDone)
	}
	m.mu.Unlock()

	if wasOffline {
		return nil
	}

	st, err := m.store.SyncState()
	if err != nil {
		return err
	}
	st.IsOffline = true
	return m.store.SetSyncState(ctx, st)
}

// GoOnline transitions to ONLINE, stops the reconnection loop, and persists
// the state. Idempotent. Safe to call from within the loop itself.
func (m *Manager) GoOnline(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrManagerClosed
	}
	wasOffline := m.offline
	m.offline = false
	stop := m.loopStop
	m.loopStop = nil
	m.loopDone = nil
	m.mu.Unlock()

	if stop != nil {
		close(stop)
	}
	if !wasOffline {
		return nil
	}

	st, err := m.store.SyncState()
	if err != nil {
		return err
	}
	st.IsOffline = false
	return m.store.SetSyncState(ctx, st)
}

// reconnectLoop periodically re-probes the remote store and, on success,
// reconciles and flips back online. The stop channel interrupts the wait
// promptly on shutdown.
func (m *Manager) reconnectLoop(stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	ticker := time.NewTicker(m.cfg.ReconnectInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if err := m.prober.Probe(context.Background()); err != nil {
				m.log.Debug("remote store still unreachable", "error", err)
				continue
			}

			ctx := context.Background()
			if _, err := m.reconcile(ctx); err != nil {
				m.log.Error("reconciliation failed; staying offline", "error", err)
				continue
			}
			if err := m.GoOnline(ctx); err != nil {
				m.log.Error("going online failed", "error", err)
			}
			return
		}
	}
}

func (m *Manager) reconcile(ctx context.Context) (*SyncResult, error) {
	m.syncMu.Lock()
	defer m.syncMu.Unlock()

	res, err := m.recon.Run(ctx)
	if err == nil {
		m.log.Info("reconciliation complete",
			"pushed", res.Pushed, "discarded", res.Discarded, "skipped", res.Skipped,
			"pulled", res.Pulled, "pull_errors", res.PullErrs, "full_pull", res.FullPull)
	}
	return res, err
}

// ForceSync runs an on-demand reconciliation outside the background loop.
// If the manager is offline and the remote has become reachable, a
// successful sync also flips it back online.
func (m *Manager) ForceSync(ctx context.Context) (*SyncResult, error) {
	if err := m.prober.Probe(ctx); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRemoteUnavailable, err)
	}

	res, err := m.reconcile(ctx)
	if err != nil {
		return res, err
	}
	if m.IsOffline() {
		if err := m.GoOnline(ctx); err != nil {
			return res, err
		}
	}
	return res, nil
}

func (m *Manager) scheduledResync() {
	if m.IsOffline() {
		return
	}
	if _, err := m.ForceSync(context.Background()); err != nil {
		m.log.Warn("scheduled resync failed", "error", err)
	}
}

// Status returns the diagnostic surface: mode, last sync, pending and
// discarded counts, and per-table local row counts.
func (m *Manager) Status() (*Status, error) {
	st, err := m.store.SyncState()
	if err != nil {
		return nil, err
	}
	pending, err := m.store.PendingCount()
	if err != nil {
		return nil, err
	}
	discarded, err := m.store.DiscardedCount()
	if err != nil {
		return nil, err
	}
	counts, err := m.store.RowCounts()
	if err != nil {
		return nil, err
	}

	return &Status{
		IsOffline:        m.IsOffline(),
		LastRemoteSync:   st.LastRemoteSync,
		PendingChanges:   pending,
		DiscardedChanges: discarded,
		TableRowCounts:   counts,
	}, nil
}

// Store exposes the local store for diagnostics.
func (m *Manager) Store() *Store { return m.store }

// Close signals the reconnection loop, joins it with a short timeout, and
// releases both stores. Shutdown completes regardless of whether the join
// succeeds.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	stop := m.loopStop
	done := m.loopDone
	m.loopStop = nil
	m.loopDone = nil
	sched := m.sched
	m.sched = nil
	m.mu.Unlock()

	if sched != nil {
		sched.Stop()
	}
	if stop != nil {
		close(stop)
	}
	if done != nil {
		select {
		case <-done:
		case <-time.After(loopJoinTimeout):
			m.log.Warn("reconnection loop did not stop in time")
		}
	}

	if err := m.remote.Close(); err != nil {
		m.log.Warn("closing remote store failed", "error", err)
	}
	return m.store.Close()
}
