package waggle

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ============================================================================
// Action handler registry
// ============================================================================

// ActionHandler executes one queued mutation against the backend.
type ActionHandler func(ctx context.Context, data json.RawMessage) error

// actionPriority orders a sync pass when prioritization is enabled: message
// sends first, swipes next, profile-affecting writes after, uploads last.
var actionPriority = map[ActionKind]int{
	ActionSendMessage:      0,
	ActionLikePet:          1,
	ActionPassPet:          1,
	ActionCreatePost:       2,
	ActionUpdateProfile:    2,
	ActionSchedulePlaydate: 2,
	ActionUploadPhoto:      3,
}

// defaultHandlers wires every action kind to its backend endpoint.
func defaultHandlers(c *Client) map[ActionKind]ActionHandler {
	return map[ActionKind]ActionHandler{
		ActionSendMessage: func(ctx context.Context, data json.RawMessage) error {
			opts, err := decodeJSON[SendMessageOptions](data)
			if err != nil {
				return err
			}
			_, err = c.Chat().Send(ctx, opts)
			return err
		},
		ActionLikePet: func(ctx context.Context, data json.RawMessage) error {
			opts, err := decodeJSON[SwipeOptions](data)
			if err != nil {
				return err
			}
			_, err = c.Matching().Like(ctx, opts)
			return err
		},
		ActionPassPet: func(ctx context.Context, data json.RawMessage) error {
			opts, err := decodeJSON[SwipeOptions](data)
			if err != nil {
				return err
			}
			return c.Matching().Pass(ctx, opts)
		},
		ActionCreatePost: func(ctx context.Context, data json.RawMessage) error {
			post, err := decodeJSON[Post](data)
			if err != nil {
				return err
			}
			_, err = c.Feed().CreatePost(ctx, post)
			return err
		},
		ActionUpdateProfile: func(ctx context.Context, data json.RawMessage) error {
			profile, err := decodeJSON[PetProfile](data)
			if err != nil {
				return err
			}
			_, err = c.Pets().Update(ctx, profile)
			return err
		},
		ActionSchedulePlaydate: func(ctx context.Context, data json.RawMessage) error {
			playdate, err := decodeJSON[Playdate](data)
			if err != nil {
				return err
			}
			_, err = c.Playdates().Schedule(ctx, playdate)
			return err
		},
		ActionUploadPhoto: func(ctx context.Context, data json.RawMessage) error {
			opts, err := decodeJSON[PhotoUploadOptions](data)
			if err != nil {
				return err
			}
			_, err = c.Media().Upload(ctx, opts)
			return err
		},
	}
}

// ============================================================================
// SyncManager
// ============================================================================

// SyncOptions configures the offline action queue.
type SyncOptions struct {
	// Prioritize reorders each sync pass by the fixed action priority table.
	Prioritize bool
	// Incremental restricts a pass to actions newer than the last successful
	// sync. Failed or already-retried actions are always included so a crash
	// can never strand an older pending action.
	Incremental bool
	// MaxRetries is the per-action retry budget. Default 3.
	MaxRetries int
	// IdleFlushInterval is the background flush cadence while online.
	// Default 30s; negative disables the idle ticker.
	IdleFlushInterval time.Duration
	Logger            *slog.Logger
}

// SyncManager durably captures user mutations while offline and replays them
// when connectivity returns. Construct one per application via
// NewSyncManager; the composition root owns teardown through Close.
type SyncManager struct {
	client       *Client
	storage      Storage
	connectivity ConnectivitySignal
	opts         SyncOptions
	logger       *slog.Logger

	handlerMu sync.RWMutex
	handlers  map[ActionKind]ActionHandler

	mu       sync.Mutex
	actions  []PendingSyncAction
	syncing  bool
	lastSync time.Time

	stopOnce    sync.Once
	stopCh      chan struct{}
	unsubscribe func()
}

// NewSyncManager creates a sync manager, restores any persisted queue from
// storage, and starts the connectivity watcher and idle flush ticker.
func NewSyncManager(client *Client, storage Storage, connectivity ConnectivitySignal, opts SyncOptions) *SyncManager {
	if opts.MaxRetries == 0 {
		opts.MaxRetries = 3
	}
	if opts.IdleFlushInterval == 0 {
		opts.IdleFlushInterval = 30 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	m := &SyncManager{
		client:       client,
		storage:      storage,
		connectivity: connectivity,
		opts:         opts,
		logger:       opts.Logger,
		handlers:     defaultHandlers(client),
		stopCh:       make(chan struct{}),
	}
	m.restore()

	ch, cancel := connectivity.Subscribe()
	m.unsubscribe = cancel
	go m.watchConnectivity(ch)
	if opts.IdleFlushInterval > 0 {
		go m.idleLoop()
	}
	return m
}

// Close stops the background watcher and ticker. Queued actions stay
// persisted for the next manager instance.
func (m *SyncManager) Close() {
	m.stopOnce.Do(func() {
		close(m.stopCh)
		if m.unsubscribe != nil {
			m.unsubscribe()
		}
	})
}

// RegisterHandler overrides or extends the per-action-kind dispatch table.
func (m *SyncManager) RegisterHandler(kind ActionKind, h ActionHandler) {
	m.handlerMu.Lock()
	m.handlers[kind] = h
	m.handlerMu.Unlock()
}

// Online reports the connectivity signal's current state.
func (m *SyncManager) Online() bool { return m.connectivity.Online() }

// QueueAction appends a pending action, persists the queue, and — when
// online — immediately starts a sync pass in the background. The action id
// is returned synchronously.
func (m *SyncManager) QueueAction(ctx context.Context, kind ActionKind, data any) (string, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return "", fmt.Errorf("encode action payload: %w", err)
	}
	action := PendingSyncAction{
		ID:            uuid.NewString(),
		Action:        kind,
		Data:          raw,
		Timestamp:     time.Now().UnixMilli(),
		MaxRetries:    m.opts.MaxRetries,
		CorrelationID: uuid.NewString(),
		Status:        ActionPending,
	}

	m.mu.Lock()
	m.actions = append(m.actions, action)
	m.persistLocked(ctx)
	m.mu.Unlock()

	if m.Online() {
		go func() {
			if err := m.Sync(context.Background()); err != nil {
				m.logger.Debug("background sync failed", "error", err)
			}
		}()
	}
	return action.ID, nil
}

// Sync runs one pass over the queue: select, optionally prioritize and
// filter, then execute sequentially through the handler registry. A second
// pass is rejected while one is running.
func (m *SyncManager) Sync(ctx context.Context) error {
	m.mu.Lock()
	if m.syncing || !m.connectivity.Online() {
		m.mu.Unlock()
		return nil
	}
	m.syncing = true
	batch := m.selectBatchLocked()
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		m.syncing = false
		m.mu.Unlock()
	}()

	allSucceeded := true
	for _, id := range batch {
		ok, err := m.executeOne(ctx, id)
		if err != nil {
			// Context cancellation aborts the pass; everything else is
			// recorded on the action itself.
			m.mu.Lock()
			m.persistLocked(ctx)
			m.mu.Unlock()
			return err
		}
		if !ok {
			allSucceeded = false
		}
	}

	m.mu.Lock()
	if allSucceeded {
		m.lastSync = time.Now()
		m.persistLastSyncLocked(ctx)
	}
	m.persistLocked(ctx)
	pending, failed := m.countsLocked()
	m.mu.Unlock()

	m.logger.Debug("sync pass complete",
		"executed", len(batch), "pending", pending, "failed", failed)
	return nil
}

// selectBatchLocked returns the ids of actions eligible for this pass, in
// execution order.
func (m *SyncManager) selectBatchLocked() []string {
	var eligible []PendingSyncAction
	for _, a := range m.actions {
		if a.Status != ActionPending && a.Status != ActionFailed {
			continue
		}
		// Exhausted actions wait for a manual retry.
		if a.Retries >= a.MaxRetries {
			continue
		}
		if m.opts.Incremental && a.Timestamp <= m.lastSync.UnixMilli() &&
			a.Status != ActionFailed && a.Retries == 0 {
			continue
		}
		eligible = append(eligible, a)
	}

	if m.opts.Prioritize {
		sort.SliceStable(eligible, func(i, j int) bool {
			return actionPriority[eligible[i].Action] < actionPriority[eligible[j].Action]
		})
	}

	ids := make([]string, len(eligible))
	for i, a := range eligible {
		ids[i] = a.ID
	}
	return ids
}

// executeOne runs a single action. The bool reports whether it completed;
// a non-nil error aborts the whole pass (context cancellation).
func (m *SyncManager) executeOne(ctx context.Context, id string) (bool, error) {
	m.mu.Lock()
	idx := m.indexLocked(id)
	if idx < 0 {
		m.mu.Unlock()
		return true, nil
	}
	m.actions[idx].Status = ActionSyncing
	action := m.actions[idx]
	m.mu.Unlock()

	m.handlerMu.RLock()
	handler, ok := m.handlers[action.Action]
	m.handlerMu.RUnlock()

	var execErr error
	if !ok {
		execErr = fmt.Errorf("no handler registered for action %q", action.Action)
	} else {
		execErr = handler(ctx, action.Data)
	}

	if ctx.Err() != nil {
		// Leave the action pending for the next pass.
		m.mu.Lock()
		if idx := m.indexLocked(id); idx >= 0 {
			m.actions[idx].Status = ActionPending
		}
		m.mu.Unlock()
		return false, ctx.Err()
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	idx = m.indexLocked(id)
	if idx < 0 {
		return true, nil
	}

	if execErr == nil {
		m.actions[idx].Status = ActionCompleted
		m.actions = append(m.actions[:idx], m.actions[idx+1:]...)
		return true, nil
	}

	m.actions[idx].Retries++
	if m.actions[idx].Retries >= m.actions[idx].MaxRetries {
		m.actions[idx].Status = ActionFailed
		m.actions[idx].Error = execErr.Error()
		m.logger.Warn("action exhausted retries",
			"action", action.Action, "id", action.ID, "error", execErr)
	} else {
		m.actions[idx].Status = ActionPending
		m.logger.Debug("action will retry",
			"action", action.Action, "id", action.ID,
			"retries", m.actions[idx].Retries, "error", execErr)
	}
	return false, nil
}

// RetryFailedActions resets every failed action to pending with a fresh
// retry budget and triggers a sync pass when online.
func (m *SyncManager) RetryFailedActions(ctx context.Context) error {
	m.mu.Lock()
	for i := range m.actions {
		if m.actions[i].Status == ActionFailed {
			m.actions[i].Status = ActionPending
			m.actions[i].Retries = 0
			m.actions[i].Error = ""
		}
	}
	m.persistLocked(ctx)
	m.mu.Unlock()

	if m.Online() {
		return m.Sync(ctx)
	}
	return nil
}

// ImportRemoteQueue fetches the remotely persisted queue and merges actions
// this device has not seen. Used after a reinstall or login on a new device;
// local actions always win on id collision.
func (m *SyncManager) ImportRemoteQueue(ctx context.Context) (int, error) {
	remote, err := m.client.getSyncQueue(ctx)
	if err != nil {
		return 0, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	imported := 0
	for _, a := range remote {
		if m.indexLocked(a.ID) >= 0 {
			continue
		}
		if a.Status == ActionSyncing {
			a.Status = ActionPending
		}
		m.actions = append(m.actions, a)
		imported++
	}
	if imported > 0 {
		m.persistLocked(ctx)
	}
	return imported, nil
}

// ClearFailedActions removes every failed action and persists.
func (m *SyncManager) ClearFailedActions(ctx context.Context) {
	m.mu.Lock()
	kept := m.actions[:0]
	for _, a := range m.actions {
		if a.Status != ActionFailed {
			kept = append(kept, a)
		}
	}
	m.actions = kept
	m.persistLocked(ctx)
	m.mu.Unlock()
}

// ClearAllActions empties the queue and persists.
func (m *SyncManager) ClearAllActions(ctx context.Context) {
	m.mu.Lock()
	m.actions = nil
	m.persistLocked(ctx)
	m.mu.Unlock()
}

// GetPendingActions returns a snapshot of the queue.
func (m *SyncManager) GetPendingActions() []PendingSyncAction {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]PendingSyncAction, len(m.actions))
	copy(out, m.actions)
	return out
}

// Status returns the snapshot consumed by UI indicators.
func (m *SyncManager) Status() SyncStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	pending, failed := m.countsLocked()
	status := SyncStatus{
		Online:         m.connectivity.Online(),
		Syncing:        m.syncing,
		PendingActions: pending,
		FailedActions:  failed,
	}
	if !m.lastSync.IsZero() {
		status.LastSyncAt = m.lastSync.UnixMilli()
	}
	return status
}

// ============================================================================
// Background triggers
// ============================================================================

func (m *SyncManager) watchConnectivity(ch <-chan bool) {
	for {
		select {
		case <-m.stopCh:
			return
		case online := <-ch:
			if !online {
				m.logger.Debug("connectivity lost")
				continue
			}
			m.logger.Debug("connectivity restored, starting sync pass")
			if err := m.Sync(context.Background()); err != nil {
				m.logger.Debug("sync after reconnect failed", "error", err)
			}
		}
	}
}

func (m *SyncManager) idleLoop() {
	ticker := time.NewTicker(m.opts.IdleFlushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.mu.Lock()
			idle := len(m.actions) > 0 && !m.syncing
			m.mu.Unlock()
			if idle && m.Online() {
				if err := m.Sync(context.Background()); err != nil {
					m.logger.Debug("idle sync failed", "error", err)
				}
			}
		}
	}
}

// ============================================================================
// Persistence
// ============================================================================

// persistLocked writes the full queue after every mutation: remotely when
// online (best-effort, logged and discarded), and always to local storage so
// a restart cannot lose pending actions.
func (m *SyncManager) persistLocked(ctx context.Context) {
	data, err := json.Marshal(m.actions)
	if err != nil {
		m.logger.Warn("encode sync queue failed", "error", err)
		return
	}
	if err := m.storage.Set(storageKeySyncQueue, data); err != nil {
		m.logger.Warn("persist sync queue locally failed", "error", err)
	}
	if m.connectivity.Online() {
		actions := make([]PendingSyncAction, len(m.actions))
		copy(actions, m.actions)
		go func() {
			if err := m.client.putSyncQueue(context.WithoutCancel(ctx), actions); err != nil {
				m.logger.Debug("remote queue persistence failed", "error", err)
			}
		}()
	}
}

func (m *SyncManager) persistLastSyncLocked(ctx context.Context) {
	at := m.lastSync
	if err := m.storage.Set(storageKeyLastSync, []byte(strconv.FormatInt(at.UnixMilli(), 10))); err != nil {
		m.logger.Warn("persist last-sync time failed", "error", err)
	}
	if m.connectivity.Online() {
		go func() {
			if err := m.client.putLastSync(context.WithoutCancel(ctx), at); err != nil {
				m.logger.Debug("remote last-sync persistence failed", "error", err)
			}
		}()
	}
}

// restore loads the persisted queue and last-sync time. Actions caught
// mid-sync by a crash return to pending.
func (m *SyncManager) restore() {
	data, ok, err := m.storage.Get(storageKeySyncQueue)
	if err != nil {
		m.logger.Warn("restore sync queue failed", "error", err)
	} else if ok {
		var actions []PendingSyncAction
		if err := json.Unmarshal(data, &actions); err != nil {
			m.logger.Warn("decode persisted sync queue failed", "error", err)
		} else {
			for i := range actions {
				if actions[i].Status == ActionSyncing {
					actions[i].Status = ActionPending
				}
			}
			m.actions = actions
		}
	}

	if raw, ok, err := m.storage.Get(storageKeyLastSync); err == nil && ok {
		if ms, err := strconv.ParseInt(string(raw), 10, 64); err == nil && ms > 0 {
			m.lastSync = time.UnixMilli(ms)
		}
	}
}

func (m *SyncManager) countsLocked() (pending, failed int) {
	for _, a := range m.actions {
		switch a.Status {
		case ActionFailed:
			failed++
		default:
			pending++
		}
	}
	return pending, failed
}

func (m *SyncManager) indexLocked(id string) int {
	for i := range m.actions {
		if m.actions[i].ID == id {
			return i
		}
	}
	return -1
}
