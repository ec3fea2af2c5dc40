package migration

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/dbmplus/dbmorc/pkg/catalog"
	"github.com/dbmplus/dbmorc/pkg/errors"
	"github.com/dbmplus/dbmorc/pkg/eventbus"
	"github.com/dbmplus/dbmorc/pkg/taskengine"
	"github.com/dbmplus/dbmorc/pkg/types"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)
	return logger
}

// fakeMoveRunnable lets tests control the outcome and per-file-type details
// a dispatched move_files/batch_move_files task reports back through the
// bus, via the DetailedRunnable extension.
type fakeMoveRunnable struct {
	ok      bool
	details map[string]string
}

func (f *fakeMoveRunnable) Run(ctx context.Context) (bool, string) { return f.ok, "stub" }

func (f *fakeMoveRunnable) Details() map[string]string { return f.details }

func newTestEngine(t *testing.T, cfg types.AutoMoveConfig, statePath string) (*Engine, *taskengine.Engine, *eventbus.Bus) {
	t.Helper()
	bus := eventbus.New(testLogger())
	t.Cleanup(bus.Close)
	cat := catalog.New(testLogger(), filepath.Join(t.TempDir(), "catalog.json"))
	te := taskengine.New(testLogger(), bus, t.TempDir())

	e := New(testLogger(), bus, cat, te, func() types.AutoMoveConfig { return cfg }, statePath)
	return e, te, bus
}

// registerOutcome wires both move task kinds to report a fixed per-file-type
// outcome map whenever the engine dispatches one.
func registerOutcome(te *taskengine.Engine, details map[string]string) {
	factory := func(task *types.ProcessingTask) (taskengine.Runnable, *errors.AppError) {
		return &fakeMoveRunnable{ok: true, details: details}, nil
	}
	te.RegisterRunnable(types.TaskMoveFiles, factory)
	te.RegisterRunnable(types.TaskBatchMoveFiles, factory)
}

func testKey(id string) types.ComponentKey {
	return types.ComponentKey{ProductID: "P1", LotID: "L1", Station: "ST1", ComponentID: id}
}

// waitForCondition polls until cond returns true or the deadline expires,
// needed because the engine reacts to TaskCompleted asynchronously off the
// event bus's own dispatch goroutine.
func waitForCondition(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

// TestOnBasemapSuccessSkipsWhenDisabled tests the disabled-config bypass.
func TestOnBasemapSuccessSkipsWhenDisabled(t *testing.T) {
	e, te, _ := newTestEngine(t, types.AutoMoveConfig{Enabled: false}, "")
	registerOutcome(te, nil)
	e.OnBasemapSuccess(testKey("C001"))

	e.mu.Lock()
	defer e.mu.Unlock()
	assert.Empty(t, e.delayed)
	assert.Empty(t, e.dispatched)
}

// TestOnBasemapSuccessEnqueuesDelayedFileTypes tests that configured
// delayed file types land in the delayed queue with the resolved target
// product.
func TestOnBasemapSuccessEnqueuesDelayedFileTypes(t *testing.T) {
	e, te, _ := newTestEngine(t, types.AutoMoveConfig{Enabled: true, DelayedFileTypes: []string{"org", "roi"}}, "")
	registerOutcome(te, nil)
	e.OnBasemapSuccess(testKey("C001"))

	e.mu.Lock()
	defer e.mu.Unlock()
	require.Len(t, e.delayed, 1)
	assert.Equal(t, testKey("C001"), e.delayed[0].ComponentKey)
	assert.Equal(t, "P1", e.delayed[0].TargetProductID)
}

// TestOnBasemapSuccessDispatchesImmediateMoveWithTargetProduct tests that an
// immediate file type is dispatched right away, tagged with the configured
// cross-product target, and tracked in the dispatch ledger until it
// resolves.
func TestOnBasemapSuccessDispatchesImmediateMoveWithTargetProduct(t *testing.T) {
	e, te, _ := newTestEngine(t, types.AutoMoveConfig{Enabled: true, ImmediateFileTypes: []string{"csv"}, TargetProduct: "P2"}, "")
	registerOutcome(te, map[string]string{"csv": "moved"})
	e.OnBasemapSuccess(testKey("C001"))

	waitForCondition(t, func() bool {
		e.mu.Lock()
		defer e.mu.Unlock()
		return len(e.dispatched) == 0
	})
}

// TestEnqueueDelayedIsIdempotentPerComponent tests the no-duplicate
// invariant for repeated enqueues of the same component.
func TestEnqueueDelayedIsIdempotentPerComponent(t *testing.T) {
	e, _, _ := newTestEngine(t, types.AutoMoveConfig{}, "")
	e.enqueueDelayed(testKey("C001"), "P1", []string{"org"})
	e.enqueueDelayed(testKey("C001"), "P1", []string{"org"})

	e.mu.Lock()
	defer e.mu.Unlock()
	assert.Len(t, e.delayed, 1)
}

// TestEnqueueDelayedSkipsComponentUnderRetry tests that a component
// already in the retry ledger is never also queued for a delayed move.
func TestEnqueueDelayedSkipsComponentUnderRetry(t *testing.T) {
	e, _, _ := newTestEngine(t, types.AutoMoveConfig{}, "")
	e.mu.Lock()
	e.retries[testKey("C001")] = types.RetryEntry{ComponentKey: testKey("C001")}
	e.mu.Unlock()

	e.enqueueDelayed(testKey("C001"), "P1", []string{"org"})

	e.mu.Lock()
	defer e.mu.Unlock()
	assert.Empty(t, e.delayed)
}

// TestFireDailyBatchDrainsDelayedQueue tests that firing the batch clears
// the delayed queue and tracks a dispatched batch_move_files task.
func TestFireDailyBatchDrainsDelayedQueue(t *testing.T) {
	e, te, _ := newTestEngine(t, types.AutoMoveConfig{}, "")
	registerOutcome(te, map[string]string{"C001:org": "moved"})
	e.enqueueDelayed(testKey("C001"), "P1", []string{"org"})

	e.fireDailyBatch()

	e.mu.Lock()
	assert.Empty(t, e.delayed)
	e.mu.Unlock()

	waitForCondition(t, func() bool {
		e.mu.Lock()
		defer e.mu.Unlock()
		return len(e.dispatched) == 0
	})
}

// TestFireDailyBatchNoOpWhenEmpty tests that an empty queue fires nothing.
func TestFireDailyBatchNoOpWhenEmpty(t *testing.T) {
	e, te, _ := newTestEngine(t, types.AutoMoveConfig{}, "")
	registerOutcome(te, nil)
	e.fireDailyBatch()

	e.mu.Lock()
	defer e.mu.Unlock()
	assert.Empty(t, e.dispatched)
}

// TestOnTaskCompletedRoutesAbsentOutcomeToRetry tests that a file type
// reported "absent" lands in the retry ledger, not the readiness monitor.
func TestOnTaskCompletedRoutesAbsentOutcomeToRetry(t *testing.T) {
	e, _, _ := newTestEngine(t, types.AutoMoveConfig{}, "")
	key := testKey("C001")
	e.trackDispatch("task-1", dispatchMeta{keys: []types.ComponentKey{key}, targetProduct: "P1", fileTypes: []string{"org"}})

	e.onTaskCompleted(eventbus.TaskCompletedPayload{
		TaskID: "task-1", Kind: string(types.TaskMoveFiles), OK: false, Message: "not ready",
		Details: map[string]string{"org": "absent"},
	})

	e.mu.Lock()
	defer e.mu.Unlock()
	require.Contains(t, e.retries, key)
	assert.Equal(t, 1, e.retries[key].Attempt)
	assert.NotContains(t, e.monitored, key)
}

// TestOnTaskCompletedRoutesPartialOutcomeToMonitor tests that a file type
// reported "partial" lands in the readiness monitor, not the retry ledger.
func TestOnTaskCompletedRoutesPartialOutcomeToMonitor(t *testing.T) {
	e, _, _ := newTestEngine(t, types.AutoMoveConfig{}, "")
	key := testKey("C001")
	e.trackDispatch("task-1", dispatchMeta{keys: []types.ComponentKey{key}, targetProduct: "P1", fileTypes: []string{"org"}})

	e.onTaskCompleted(eventbus.TaskCompletedPayload{
		TaskID: "task-1", Kind: string(types.TaskMoveFiles), OK: false, Message: "partial",
		Details: map[string]string{"org": "partial"},
	})

	e.mu.Lock()
	defer e.mu.Unlock()
	require.Contains(t, e.monitored, key)
	assert.NotContains(t, e.retries, key)
}

// TestOnTaskCompletedClearsLedgersOnFullSuccess tests that a fully "moved"
// outcome clears both the retry and monitor ledgers for the component.
func TestOnTaskCompletedClearsLedgersOnFullSuccess(t *testing.T) {
	e, _, _ := newTestEngine(t, types.AutoMoveConfig{}, "")
	key := testKey("C001")
	e.mu.Lock()
	e.retries[key] = types.RetryEntry{ComponentKey: key, Attempt: 1}
	e.monitored[key] = monitorEntry{TargetProduct: "P1", FileTypes: []string{"org"}}
	e.mu.Unlock()
	e.trackDispatch("task-1", dispatchMeta{keys: []types.ComponentKey{key}, targetProduct: "P1", fileTypes: []string{"org"}})

	e.onTaskCompleted(eventbus.TaskCompletedPayload{
		TaskID: "task-1", Kind: string(types.TaskMoveFiles), OK: true, Message: "moved 1/1",
		Details: map[string]string{"org": "moved"},
	})

	e.mu.Lock()
	defer e.mu.Unlock()
	assert.NotContains(t, e.retries, key)
	assert.NotContains(t, e.monitored, key)
}

// TestOnTaskCompletedIgnoresUntrackedTask tests that a TaskCompleted event
// for a task the engine never dispatched is ignored without panicking.
func TestOnTaskCompletedIgnoresUntrackedTask(t *testing.T) {
	e, _, _ := newTestEngine(t, types.AutoMoveConfig{}, "")
	e.onTaskCompleted(eventbus.TaskCompletedPayload{
		TaskID: "unknown-task", Kind: string(types.TaskMoveFiles), OK: false, Message: "boom",
	})

	e.mu.Lock()
	defer e.mu.Unlock()
	assert.Empty(t, e.retries)
	assert.Empty(t, e.monitored)
}

// TestOnTaskCompletedIgnoresOtherTaskKinds tests that completions for task
// kinds migration never dispatches (e.g. basemap, fpy) are ignored.
func TestOnTaskCompletedIgnoresOtherTaskKinds(t *testing.T) {
	e, _, _ := newTestEngine(t, types.AutoMoveConfig{}, "")
	e.trackDispatch("task-1", dispatchMeta{keys: []types.ComponentKey{testKey("C001")}})

	e.onTaskCompleted(eventbus.TaskCompletedPayload{TaskID: "task-1", Kind: string(types.TaskBasemap), OK: true})

	e.mu.Lock()
	defer e.mu.Unlock()
	assert.Contains(t, e.dispatched, "task-1")
}

// TestScheduleRetryComputesExponentialBackoff tests the
// min(300*2^attempt, 3600) backoff formula across attempts.
func TestScheduleRetryComputesExponentialBackoff(t *testing.T) {
	e, _, _ := newTestEngine(t, types.AutoMoveConfig{}, "")
	key := testKey("C001")

	e.ScheduleRetry(key, "P1", []string{"org"}, "boom")
	e.mu.Lock()
	entry := e.retries[key]
	e.mu.Unlock()
	assert.Equal(t, 1, entry.Attempt)
	wait := entry.NextAttemptAt.Sub(time.Now())
	assert.InDelta(t, 600, wait.Seconds(), 5)

	e.ScheduleRetry(key, "P1", []string{"org"}, "boom again")
	e.mu.Lock()
	entry = e.retries[key]
	e.mu.Unlock()
	assert.Equal(t, 2, entry.Attempt)
}

// TestScheduleRetryCapsBackoffAtOneHour tests that the backoff never
// exceeds retryCapSeconds regardless of attempt count.
func TestScheduleRetryCapsBackoffAtOneHour(t *testing.T) {
	e, _, _ := newTestEngine(t, types.AutoMoveConfig{}, "")
	key := testKey("C001")

	for i := 0; i < maxRetryAttempts; i++ {
		e.ScheduleRetry(key, "P1", []string{"org"}, "boom")
	}

	e.mu.Lock()
	entry := e.retries[key]
	e.mu.Unlock()
	wait := entry.NextAttemptAt.Sub(time.Now())
	assert.LessOrEqual(t, wait.Seconds(), float64(retryCapSeconds)+5)
}

// TestScheduleRetryDropsEntryAfterMaxAttempts tests that exceeding
// maxRetryAttempts removes the component from the ledger entirely.
func TestScheduleRetryDropsEntryAfterMaxAttempts(t *testing.T) {
	e, _, _ := newTestEngine(t, types.AutoMoveConfig{}, "")
	key := testKey("C001")

	for i := 0; i <= maxRetryAttempts; i++ {
		e.ScheduleRetry(key, "P1", []string{"org"}, "boom")
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	_, exists := e.retries[key]
	assert.False(t, exists)
}

// TestSweepRetriesPrunesStaleEntries tests that entries older than the
// prune age are dropped even if never due.
func TestSweepRetriesPrunesStaleEntries(t *testing.T) {
	e, _, _ := newTestEngine(t, types.AutoMoveConfig{}, "")
	key := testKey("C001")
	e.mu.Lock()
	e.retries[key] = types.RetryEntry{ComponentKey: key, CreatedAt: time.Now().Add(-25 * time.Hour), NextAttemptAt: time.Now().Add(time.Hour)}
	e.mu.Unlock()

	e.sweepRetries()

	e.mu.Lock()
	defer e.mu.Unlock()
	_, exists := e.retries[key]
	assert.False(t, exists)
}

// TestSweepRetriesDispatchesDueEntryAndTracksIt tests that a past-due entry
// triggers a move_files task without being pruned, and that the dispatch is
// tracked so its outcome will be routed back through onTaskCompleted.
func TestSweepRetriesDispatchesDueEntryAndTracksIt(t *testing.T) {
	e, te, _ := newTestEngine(t, types.AutoMoveConfig{}, "")
	registerOutcome(te, map[string]string{"org": "moved"})
	key := testKey("C001")
	e.mu.Lock()
	e.retries[key] = types.RetryEntry{
		ComponentKey: key, TargetProductID: "P1", FileTypes: []string{"org"},
		CreatedAt: time.Now(), NextAttemptAt: time.Now().Add(-time.Second),
	}
	e.mu.Unlock()

	e.sweepRetries()

	waitForCondition(t, func() bool {
		e.mu.Lock()
		defer e.mu.Unlock()
		_, stillRetrying := e.retries[key]
		return !stillRetrying
	})
}

// TestSweepRetriesLeavesNotYetDueEntriesAlone tests that a future
// NextAttemptAt is neither dispatched nor pruned.
func TestSweepRetriesLeavesNotYetDueEntriesAlone(t *testing.T) {
	e, te, _ := newTestEngine(t, types.AutoMoveConfig{}, "")
	registerOutcome(te, nil)
	key := testKey("C001")
	e.mu.Lock()
	e.retries[key] = types.RetryEntry{ComponentKey: key, CreatedAt: time.Now(), NextAttemptAt: time.Now().Add(time.Hour)}
	e.mu.Unlock()

	e.sweepRetries()

	e.mu.Lock()
	defer e.mu.Unlock()
	_, exists := e.retries[key]
	assert.True(t, exists)
	assert.Empty(t, e.dispatched)
}

// TestSweepMonitorRedispatchesMonitoredComponents tests that a monitored
// component gets a fresh move_files task per sweep, tracked for the next
// onTaskCompleted to resolve.
func TestSweepMonitorRedispatchesMonitoredComponents(t *testing.T) {
	e, te, _ := newTestEngine(t, types.AutoMoveConfig{}, "")
	registerOutcome(te, map[string]string{"org": "moved"})
	key := testKey("C001")
	e.mu.Lock()
	e.monitored[key] = monitorEntry{TargetProduct: "P1", FileTypes: []string{"org"}, StartedAt: time.Now()}
	e.mu.Unlock()

	e.sweepMonitor()

	waitForCondition(t, func() bool {
		e.mu.Lock()
		defer e.mu.Unlock()
		_, stillMonitored := e.monitored[key]
		return !stillMonitored
	})
}

// TestSaveAndLoadRoundTripsState tests that persisted delayed/retry/monitor
// state survives a save-then-load cycle via a fresh Engine.
func TestSaveAndLoadRoundTripsState(t *testing.T) {
	statePath := filepath.Join(t.TempDir(), "migration_state.json")
	e, _, _ := newTestEngine(t, types.AutoMoveConfig{}, statePath)

	key := testKey("C001")
	e.enqueueDelayed(key, "P1", []string{"org"})
	e.mu.Lock()
	e.retries[testKey("C002")] = types.RetryEntry{ComponentKey: testKey("C002"), Attempt: 2}
	e.monitored[testKey("C003")] = monitorEntry{TargetProduct: "P1", FileTypes: []string{"roi"}, StartedAt: time.Now()}
	e.mu.Unlock()

	e.save()

	e2, _, _ := newTestEngine(t, types.AutoMoveConfig{}, statePath)
	e2.load()

	e2.mu.Lock()
	defer e2.mu.Unlock()
	require.Len(t, e2.delayed, 1)
	assert.Equal(t, key, e2.delayed[0].ComponentKey)
	require.Contains(t, e2.retries, testKey("C002"))
	assert.Equal(t, 2, e2.retries[testKey("C002")].Attempt)
	require.Contains(t, e2.monitored, testKey("C003"))
	assert.Equal(t, []string{"roi"}, e2.monitored[testKey("C003")].FileTypes)
}

// TestLoadMissingStateFileIsNotAnError tests that an absent state path is
// silently treated as empty state.
func TestLoadMissingStateFileIsNotAnError(t *testing.T) {
	e, _, _ := newTestEngine(t, types.AutoMoveConfig{}, filepath.Join(t.TempDir(), "missing.json"))
	e.load()

	e.mu.Lock()
	defer e.mu.Unlock()
	assert.Empty(t, e.delayed)
}

// TestLoadCorruptStateFileIsDiscarded tests that malformed JSON leaves the
// engine's in-memory state untouched rather than crashing.
func TestLoadCorruptStateFileIsDiscarded(t *testing.T) {
	statePath := filepath.Join(t.TempDir(), "migration_state.json")
	require.NoError(t, os.WriteFile(statePath, []byte("{not valid"), 0o644))

	e, _, _ := newTestEngine(t, types.AutoMoveConfig{}, statePath)
	e.load()

	e.mu.Lock()
	defer e.mu.Unlock()
	assert.Empty(t, e.delayed)
}
