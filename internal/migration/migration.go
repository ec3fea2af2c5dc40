// Package migration implements C10: the MigrationEngine. It moves a
// component's artifacts out of the working tree once a pipeline stage
// finishes with them — immediately for cheap file types, via a
// once-daily batch for the rest — tracks path readiness for org/roi
// artifacts that aren't fully materialized yet, and retries failed moves
// with exponential backoff. The retry half is grounded on
// internal/dispatcher/retry_manager.go's semaphore-bounded timer-based
// requeue; the dead-letter-style failure ledger is grounded on
// pkg/dlq/dead_letter_queue.go's persisted, capped failure record.
package migration

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/dbmplus/dbmorc/pkg/catalog"
	"github.com/dbmplus/dbmorc/pkg/errors"
	"github.com/dbmplus/dbmorc/pkg/eventbus"
	"github.com/dbmplus/dbmorc/pkg/taskengine"
	"github.com/dbmplus/dbmorc/pkg/types"

	"github.com/sirupsen/logrus"
)

const (
	maxRetryAttempts  = 5
	retryBaseSeconds  = 300
	retryCapSeconds   = 3600
	retryPruneAge     = 24 * time.Hour
	monitorSweepEvery = 20 * time.Second
)

// ConfigProvider returns the current auto-move configuration, re-read on
// every tick so it can be hot-reloaded.
type ConfigProvider func() types.AutoMoveConfig

// dispatchMeta records what a migration-dispatched move_files or
// batch_move_files task was asked to do, so onTaskCompleted can route its
// outcome back into the RetryQueue or ReadinessMonitor once the task
// engine reports completion.
type dispatchMeta struct {
	keys          []types.ComponentKey
	targetProduct string
	fileTypes     []string
	isBatch       bool
}

// monitorEntry is one component the ReadinessMonitor is waiting on.
type monitorEntry struct {
	TargetProduct string    `json:"target_product"`
	FileTypes     []string  `json:"file_types"`
	StartedAt     time.Time `json:"started_at"`
}

// Engine owns the delayed-move queue, the path-readiness monitor, and the
// retry ledger. Immediate moves are triggered by OnBasemapSuccess; the
// engine reacts to TaskCompleted events only for move_files/
// batch_move_files tasks, to route MoveFailure outcomes.
type Engine struct {
	logger    *logrus.Logger
	bus       *eventbus.Bus
	catalog   *catalog.Catalog
	engine    *taskengine.Engine
	cfg       ConfigProvider
	statePath string

	mu         sync.Mutex
	delayed    []types.DelayedMoveEntry
	retries    map[types.ComponentKey]types.RetryEntry
	monitored  map[types.ComponentKey]monitorEntry
	dispatched map[string]dispatchMeta

	unsub func()
}

// New constructs a migration Engine. statePath is where the delayed-queue
// and retry-ledger snapshot is persisted (data/migration_state.json under
// the app's data dir).
func New(logger *logrus.Logger, bus *eventbus.Bus, cat *catalog.Catalog, taskEngine *taskengine.Engine, cfg ConfigProvider, statePath string) *Engine {
	return &Engine{
		logger:     logger,
		bus:        bus,
		catalog:    cat,
		engine:     taskEngine,
		cfg:        cfg,
		statePath:  statePath,
		retries:    make(map[types.ComponentKey]types.RetryEntry),
		monitored:  make(map[types.ComponentKey]monitorEntry),
		dispatched: make(map[string]dispatchMeta),
	}
}

// Start subscribes to task completion events and launches the daily
// schedule, retry-sweep, and readiness-monitor-sweep loops. Loads any
// persisted queue/ledger first.
func (e *Engine) Start(ctx context.Context) {
	e.load()

	e.unsub = e.bus.Subscribe("migration.task_completed", func(ev eventbus.Event) {
		payload, ok := ev.Payload.(eventbus.TaskCompletedPayload)
		if ev.Type != eventbus.TaskCompleted || !ok {
			return
		}
		e.onTaskCompleted(payload)
	})

	go e.dailyScheduleLoop(ctx)
	go e.retrySweepLoop(ctx)
	go e.monitorSweepLoop(ctx)
}

// Stop unsubscribes and persists the current state.
func (e *Engine) Stop() {
	if e.unsub != nil {
		e.unsub()
	}
	e.save()
}

// OnBasemapSuccess is the immediate-move hook: called right after a
// basemap task completes for a component. Immediate file types are moved
// right away, to auto_move.target_product if configured (otherwise the
// component's own product, a same-subtree relocation); everything else is
// queued for the daily delayed batch.
func (e *Engine) OnBasemapSuccess(key types.ComponentKey) {
	cfg := e.cfg()
	if !cfg.Enabled {
		return
	}

	targetProduct := cfg.TargetProduct
	if targetProduct == "" {
		targetProduct = key.ProductID
	}

	if len(cfg.ImmediateFileTypes) > 0 {
		taskID, appErr := e.engine.CreateTask(types.TaskMoveFiles, key.ProductID, key.LotID, key.Station, key.ComponentID, map[string]interface{}{
			"file_types":     cfg.ImmediateFileTypes,
			"target_product": targetProduct,
		})
		if appErr != nil {
			e.logger.WithError(appErr).Warn("migration: failed to create immediate move_files task")
		} else {
			e.trackDispatch(taskID, dispatchMeta{keys: []types.ComponentKey{key}, targetProduct: targetProduct, fileTypes: cfg.ImmediateFileTypes})
			e.logger.WithField("task_id", taskID).Debug("migration: immediate move scheduled")
		}
	}

	if len(cfg.DelayedFileTypes) > 0 {
		e.enqueueDelayed(key, targetProduct, cfg.DelayedFileTypes)
	}
}

func (e *Engine) trackDispatch(taskID string, meta dispatchMeta) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.dispatched[taskID] = meta
}

// enqueueDelayed adds a component to the delayed-move queue, enforcing
// the invariant that a component never has both a DelayedMoveEntry and a
// RetryEntry outstanding at once — a component already under retry stays
// under retry until it resolves.
func (e *Engine) enqueueDelayed(key types.ComponentKey, targetProduct string, fileTypes []string) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if _, retrying := e.retries[key]; retrying {
		return
	}
	for _, d := range e.delayed {
		if d.ComponentKey == key {
			return
		}
	}
	e.delayed = append(e.delayed, types.DelayedMoveEntry{
		ComponentKey: key, SourceProductID: key.ProductID, TargetProductID: targetProduct,
		FileTypes: fileTypes, QueuedAt: time.Now(),
	})
}

// dailyScheduleLoop wakes once a minute and fires the delayed batch when
// wall-clock time crosses the configured daily_schedule_time, at most
// once per day.
func (e *Engine) dailyScheduleLoop(ctx context.Context) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	lastFired := ""
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			cfg := e.cfg()
			if cfg.DailyScheduleTime == "" {
				continue
			}
			now := time.Now()
			today := now.Format("2006-01-02")
			if now.Format("15:04") == cfg.DailyScheduleTime && lastFired != today {
				lastFired = today
				e.fireDailyBatch()
			}
		}
	}
}

func (e *Engine) fireDailyBatch() {
	e.mu.Lock()
	batch := e.delayed
	e.delayed = nil
	e.mu.Unlock()

	if len(batch) == 0 {
		return
	}

	// auto_move.target_product and delayed_file_types are process-wide
	// config, so every entry in a batch carries the same values modulo a
	// hot-reload landing mid-queue; the first entry's values are
	// representative of the whole batch, per spec §4.7's single
	// (target_product, file_types) batch_move_files signature.
	targetProduct := batch[0].TargetProductID
	fileTypes := batch[0].FileTypes

	items := make([]interface{}, 0, len(batch))
	keys := make([]types.ComponentKey, 0, len(batch))
	for _, d := range batch {
		items = append(items, map[string]interface{}{
			"key": map[string]interface{}{
				"product_id":   d.ComponentKey.ProductID,
				"lot_id":       d.ComponentKey.LotID,
				"station":      d.ComponentKey.Station,
				"component_id": d.ComponentKey.ComponentID,
			},
		})
		keys = append(keys, d.ComponentKey)
	}

	taskID, appErr := e.engine.CreateTask(types.TaskBatchMoveFiles, "", "", "", "", map[string]interface{}{
		"items":          items,
		"target_product": targetProduct,
		"file_types":     fileTypes,
	})
	if appErr != nil {
		e.logger.WithError(appErr).Error("migration: failed to create daily batch_move_files task, re-queueing entries")
		e.mu.Lock()
		e.delayed = append(e.delayed, batch...)
		e.mu.Unlock()
		return
	}
	e.trackDispatch(taskID, dispatchMeta{keys: keys, targetProduct: targetProduct, fileTypes: fileTypes, isBatch: true})
	e.logger.WithFields(logrus.Fields{"task_id": taskID, "count": len(batch)}).Info("migration: daily delayed-move batch dispatched")
}

// onTaskCompleted routes a finished move_files/batch_move_files task's
// per-file-type outcomes (carried in TaskCompletedPayload.Details) back
// into the RetryQueue or ReadinessMonitor, per the MoveFailure(PartialPath)
// routing table in §4.10. Tasks this engine didn't dispatch (e.g. created
// directly via the HTTP API) are outside its bookkeeping and are ignored
// beyond the existing log line.
func (e *Engine) onTaskCompleted(payload eventbus.TaskCompletedPayload) {
	if payload.Kind != string(types.TaskMoveFiles) && payload.Kind != string(types.TaskBatchMoveFiles) {
		return
	}

	e.mu.Lock()
	meta, ok := e.dispatched[payload.TaskID]
	delete(e.dispatched, payload.TaskID)
	e.mu.Unlock()
	if !ok {
		if !payload.OK {
			e.logger.WithFields(logrus.Fields{"task_id": payload.TaskID, "message": payload.Message}).
				Warn("migration: move task reported failure outside migration's own dispatch bookkeeping")
		}
		return
	}

	for _, key := range meta.keys {
		var retryTypes, monitorTypes []string
		for _, ft := range meta.fileTypes {
			outcome := e.outcomeFor(payload, key, ft, meta.isBatch)
			switch outcome {
			case "moved", "":
				continue
			case "absent", "error":
				retryTypes = append(retryTypes, ft)
			default: // "partial", "base"
				monitorTypes = append(monitorTypes, ft)
			}
		}

		switch {
		case len(retryTypes) > 0:
			e.clearMonitor(key)
			e.ScheduleRetry(key, meta.targetProduct, retryTypes, payload.Message)
		case len(monitorTypes) > 0:
			e.addToMonitor(key, meta.targetProduct, monitorTypes)
		default:
			e.clearRetry(key)
			e.clearMonitor(key)
		}
	}
}

func (e *Engine) outcomeFor(payload eventbus.TaskCompletedPayload, key types.ComponentKey, fileType string, isBatch bool) string {
	if payload.Details == nil {
		if payload.OK {
			return "moved"
		}
		return "error"
	}
	lookupKey := fileType
	if isBatch {
		lookupKey = fmt.Sprintf("%s:%s", key.ComponentID, fileType)
	}
	return payload.Details[lookupKey]
}

// addToMonitor registers (or refreshes) a component under the
// ReadinessMonitor, restricted to the file types still pending.
func (e *Engine) addToMonitor(key types.ComponentKey, targetProduct string, fileTypes []string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	entry, exists := e.monitored[key]
	if !exists {
		entry = monitorEntry{TargetProduct: targetProduct, StartedAt: time.Now()}
	}
	entry.FileTypes = fileTypes
	e.monitored[key] = entry
}

func (e *Engine) clearMonitor(key types.ComponentKey) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.monitored, key)
}

func (e *Engine) clearRetry(key types.ComponentKey) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.retries, key)
}

// monitorSweepLoop wakes every monitorSweepEvery and re-attempts
// move_files for every monitored component, on the theory that its
// source subtree may have filled in since the last sweep. onTaskCompleted
// clears the monitor entry once every file type reports "moved".
func (e *Engine) monitorSweepLoop(ctx context.Context) {
	ticker := time.NewTicker(monitorSweepEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.sweepMonitor()
		}
	}
}

func (e *Engine) sweepMonitor() {
	e.mu.Lock()
	snapshot := make(map[types.ComponentKey]monitorEntry, len(e.monitored))
	for k, v := range e.monitored {
		snapshot[k] = v
	}
	e.mu.Unlock()

	for key, entry := range snapshot {
		taskID, appErr := e.engine.CreateTask(types.TaskMoveFiles, key.ProductID, key.LotID, key.Station, key.ComponentID, map[string]interface{}{
			"file_types":     entry.FileTypes,
			"target_product": entry.TargetProduct,
		})
		if appErr != nil {
			e.logger.WithError(appErr).Warn("migration: readiness-monitor dispatch failed")
			continue
		}
		e.trackDispatch(taskID, dispatchMeta{keys: []types.ComponentKey{key}, targetProduct: entry.TargetProduct, fileTypes: entry.FileTypes})
	}
}

// ScheduleRetry records a retry attempt for one component's failed move,
// computing the next attempt time via min(300*2^attempt, 3600) seconds.
// Any delayed-move entry for the component is removed first, so the two
// never coexist. The entry is dropped once its attempt count exceeds
// maxRetryAttempts.
func (e *Engine) ScheduleRetry(key types.ComponentKey, targetProduct string, fileTypes []string, lastErr string) {
	e.mu.Lock()
	defer e.mu.Unlock()

	kept := e.delayed[:0:0]
	for _, d := range e.delayed {
		if d.ComponentKey != key {
			kept = append(kept, d)
		}
	}
	e.delayed = kept

	entry, exists := e.retries[key]
	if !exists {
		entry = types.RetryEntry{ComponentKey: key, SourceProductID: key.ProductID, CreatedAt: time.Now()}
	}
	entry.TargetProductID = targetProduct
	entry.FileTypes = fileTypes
	entry.Attempt++
	entry.LastError = lastErr

	if entry.Attempt > maxRetryAttempts {
		delete(e.retries, key)
		e.logger.WithField("component", key.ComponentID).Warn("migration: retry attempts exhausted, dropping component from retry ledger")
		return
	}

	backoff := math.Min(float64(retryBaseSeconds)*math.Pow(2, float64(entry.Attempt)), float64(retryCapSeconds))
	entry.NextAttemptAt = time.Now().Add(time.Duration(backoff) * time.Second)
	e.retries[key] = entry
}

// retrySweepLoop wakes every 30s, fires any retry entries whose
// NextAttemptAt has passed, and prunes entries older than 24h.
func (e *Engine) retrySweepLoop(ctx context.Context) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.sweepRetries()
		}
	}
}

func (e *Engine) sweepRetries() {
	now := time.Now()
	type due struct {
		key           types.ComponentKey
		targetProduct string
		fileTypes     []string
	}
	var ready []due

	e.mu.Lock()
	for key, entry := range e.retries {
		if now.Sub(entry.CreatedAt) > retryPruneAge {
			delete(e.retries, key)
			continue
		}
		if !entry.NextAttemptAt.IsZero() && now.After(entry.NextAttemptAt) {
			ready = append(ready, due{key: key, targetProduct: entry.TargetProductID, fileTypes: entry.FileTypes})
		}
	}
	e.mu.Unlock()

	for _, d := range ready {
		taskID, appErr := e.engine.CreateTask(types.TaskMoveFiles, d.key.ProductID, d.key.LotID, d.key.Station, d.key.ComponentID, map[string]interface{}{
			"file_types":     d.fileTypes,
			"target_product": d.targetProduct,
		})
		if appErr != nil {
			e.logger.WithError(appErr).Warn("migration: retry dispatch failed")
			continue
		}
		e.trackDispatch(taskID, dispatchMeta{keys: []types.ComponentKey{d.key}, targetProduct: d.targetProduct, fileTypes: d.fileTypes})
		e.logger.WithFields(logrus.Fields{"task_id": taskID, "component": d.key.ComponentID}).Debug("migration: retry dispatched")
	}
}

type migrationState struct {
	Delayed   []types.DelayedMoveEntry    `json:"delayed"`
	Retries   map[string]types.RetryEntry `json:"retries"`
	Monitored map[string]monitorEntry     `json:"monitored"`
}

func componentKeyString(k types.ComponentKey) string {
	return fmt.Sprintf("%s|%s|%s|%s", k.ProductID, k.LotID, k.Station, k.ComponentID)
}

func (e *Engine) save() {
	e.mu.Lock()
	state := migrationState{
		Delayed:   e.delayed,
		Retries:   make(map[string]types.RetryEntry, len(e.retries)),
		Monitored: make(map[string]monitorEntry, len(e.monitored)),
	}
	for k, v := range e.retries {
		state.Retries[componentKeyString(k)] = v
	}
	for k, v := range e.monitored {
		state.Monitored[componentKeyString(k)] = v
	}
	e.mu.Unlock()

	if e.statePath == "" {
		return
	}
	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return
	}
	if err := os.MkdirAll(filepath.Dir(e.statePath), 0o755); err != nil {
		return
	}
	tmp := e.statePath + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return
	}
	_ = os.Rename(tmp, e.statePath)
}

func (e *Engine) load() {
	if e.statePath == "" {
		return
	}
	data, err := os.ReadFile(e.statePath)
	if err != nil {
		return
	}
	var state migrationState
	if err := json.Unmarshal(data, &state); err != nil {
		appErr := errors.CacheCorrupt("migration", "load", err.Error())
		e.logger.WithError(appErr).Warn("migration: discarding corrupt state file")
		return
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	e.delayed = state.Delayed
	e.retries = make(map[types.ComponentKey]types.RetryEntry, len(state.Retries))
	for _, v := range state.Retries {
		e.retries[v.ComponentKey] = v
	}
	e.monitored = make(map[types.ComponentKey]monitorEntry, len(state.Monitored))
	for k, v := range state.Monitored {
		// keys were stored as "product|lot|station|component" strings;
		// monitorEntry itself carries no ComponentKey field, so recover
		// it from the map key the same way RepairLotKeys treats catalog
		// keys as authoritative strings.
		key := parseComponentKeyString(k)
		e.monitored[key] = v
	}
}

func parseComponentKeyString(s string) types.ComponentKey {
	var k types.ComponentKey
	parts := make([]string, 0, 4)
	start := 0
	for i := 0; i < len(s); i++ {
		if s[i] == '|' {
			parts = append(parts, s[start:i])
			start = i + 1
		}
	}
	parts = append(parts, s[start:])
	if len(parts) == 4 {
		k.ProductID, k.LotID, k.Station, k.ComponentID = parts[0], parts[1], parts[2], parts[3]
	}
	return k
}
