// Package taskengine implements C6: task creation and lifecycle tracking.
// Unlike the teacher's pkg/workerpool (a fixed-size worker pool that
// queues tasks behind a bounded number of goroutines — reused here by
// internal/pipeline for fpy_parallel, which does need bounded
// concurrency), the task engine itself gives every task its own
// goroutine: CreateTask transitions pending -> running immediately, with
// no queueing and no cooperative suspension, per spec §5's concurrency
// model. The lifecycle bookkeeping (status map, heartbeat-style staleness
// reaping) is grounded on pkg/task_manager/task_manager.go.
package taskengine

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/dbmplus/dbmorc/pkg/errors"
	"github.com/dbmplus/dbmorc/pkg/eventbus"
	"github.com/dbmplus/dbmorc/pkg/types"

	"github.com/google/uuid"
	"github.com/shirou/gopsutil/v3/process"
	"github.com/sirupsen/logrus"
)

// Runnable is one task body's implementation — the tagged-sum-of-tasks
// design from spec §9 expressed as a Go interface: each types.TaskKind
// has exactly one Runnable, constructed with its own parameter shape and
// invoked through this single method.
type Runnable interface {
	Run(ctx context.Context) (ok bool, message string)
}

// DetailedRunnable is an optional extension a Runnable may implement to
// relay a finer-grained, per-artifact outcome breakdown through
// TaskCompleted's Details map. Checked by run() after Run returns, so it
// never changes the Runnable contract task-body test doubles implement.
type DetailedRunnable interface {
	Details() map[string]string
}

// RunnableFactory builds the Runnable for a task, given its parameters.
// internal/pipeline registers one factory per types.TaskKind at startup.
type RunnableFactory func(task *types.ProcessingTask) (Runnable, *errors.AppError)

// Engine is the process-wide task engine.
type Engine struct {
	logger *logrus.Logger
	bus    *eventbus.Bus
	perfDir string

	mu       sync.RWMutex
	tasks    map[string]*types.ProcessingTask
	runners  map[types.TaskKind]RunnableFactory
}

// New constructs a task engine. perfDir is the directory performance CSVs
// are appended to (logs/performance per spec §4.6).
func New(logger *logrus.Logger, bus *eventbus.Bus, perfDir string) *Engine {
	return &Engine{
		logger:  logger,
		bus:     bus,
		perfDir: perfDir,
		tasks:   make(map[string]*types.ProcessingTask),
		runners: make(map[types.TaskKind]RunnableFactory),
	}
}

// RegisterRunnable wires a task kind to its Runnable factory. Call during
// startup before any CreateTask of that kind.
func (e *Engine) RegisterRunnable(kind types.TaskKind, factory RunnableFactory) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.runners[kind] = factory
}

// CreateTask creates a new task and immediately starts it on its own
// goroutine, returning the new task's id.
func (e *Engine) CreateTask(kind types.TaskKind, productID, lotID, station, componentID string, params map[string]interface{}) (string, *errors.AppError) {
	e.mu.RLock()
	factory, ok := e.runners[kind]
	e.mu.RUnlock()
	if !ok {
		return "", errors.New("UNKNOWN_TASK_KIND", "taskengine", "CreateTask", fmt.Sprintf("no runnable registered for kind %q", kind))
	}

	task := &types.ProcessingTask{
		TaskID:      uuid.NewString(),
		Kind:        kind,
		ProductID:   productID,
		LotID:       lotID,
		Station:     station,
		ComponentID: componentID,
		Params:      params,
		Status:      types.TaskPending,
	}

	runnable, appErr := factory(task)
	if appErr != nil {
		return "", appErr
	}

	e.mu.Lock()
	e.tasks[task.TaskID] = task
	e.mu.Unlock()

	ctx, cancel := context.WithCancel(context.Background())
	task.SetCancel(cancel)

	go e.run(ctx, task, runnable)

	return task.TaskID, nil
}

func (e *Engine) run(ctx context.Context, task *types.ProcessingTask, runnable Runnable) {
	task.Start()
	e.logger.WithFields(logrus.Fields{
		"task_id": task.TaskID,
		"kind":    task.Kind,
		"product": task.ProductID,
		"lot":     task.LotID,
	}).Info("task started")

	stopSampling := e.samplePerformance(task.TaskID)
	ok, message := runnable.Run(ctx)
	stopSampling()

	task.Complete(ok, message)

	e.logger.WithFields(logrus.Fields{
		"task_id":  task.TaskID,
		"kind":     task.Kind,
		"ok":       ok,
		"duration": task.Duration(),
	}).Info("task finished")

	var details map[string]string
	if dr, ok := runnable.(DetailedRunnable); ok {
		details = dr.Details()
	}

	e.bus.Publish(eventbus.Event{
		Type: eventbus.TaskCompleted,
		Payload: eventbus.TaskCompletedPayload{
			TaskID: task.TaskID, Kind: string(task.Kind),
			ProductID: task.ProductID, LotID: task.LotID, Station: task.Station, ComponentID: task.ComponentID,
			OK: ok, Message: message, Details: details,
		},
	})
}

// GetTaskStatus returns the current status/message for a task id.
func (e *Engine) GetTaskStatus(taskID string) (types.TaskStatus, string, bool) {
	e.mu.RLock()
	task, ok := e.tasks[taskID]
	e.mu.RUnlock()
	if !ok {
		return "", "", false
	}
	status, message := task.SnapshotStatus()
	return status, message, true
}

// CancelTask cooperatively cancels a running task. Cancellation is coarse
// — a task's Run method must itself check ctx.Done() to actually stop;
// CancelTask always marks the task failed with "cancelled" regardless of
// whether the Run goroutine has noticed yet, per spec's cooperative
// cancellation model.
func (e *Engine) CancelTask(taskID string) bool {
	e.mu.RLock()
	task, ok := e.tasks[taskID]
	e.mu.RUnlock()
	if !ok {
		return false
	}
	task.Cancel()
	task.Complete(false, "cancelled")
	return true
}

// ReapTasks removes completed/failed tasks older than maxAge from the
// engine's bookkeeping map, freeing memory for long-running instances.
func (e *Engine) ReapTasks(maxAge time.Duration) int {
	cutoff := time.Now().Add(-maxAge)
	e.mu.Lock()
	defer e.mu.Unlock()

	reaped := 0
	for id, task := range e.tasks {
		status, _ := task.SnapshotStatus()
		if status != types.TaskCompleted && status != types.TaskFailed {
			continue
		}
		if task.EndTime.Before(cutoff) {
			delete(e.tasks, id)
			reaped++
		}
	}
	return reaped
}

// samplePerformance starts a 1s-interval goroutine sampling the current
// process's CPU/memory/thread counts via gopsutil and appending them to
// logs/performance/perf_YYYYMMDD.csv, per spec §4.6. Returns a stop
// function the caller must invoke when the task finishes.
func (e *Engine) samplePerformance(taskID string) func() {
	done := make(chan struct{})
	go func() {
		ticker := time.NewTicker(1 * time.Second)
		defer ticker.Stop()
		proc, err := process.NewProcess(int32(os.Getpid()))
		if err != nil {
			e.logger.WithError(err).Warn("performance sampling: failed to attach to self process")
			return
		}
		for {
			select {
			case <-ticker.C:
				e.appendPerformanceSample(taskID, proc)
			case <-done:
				return
			}
		}
	}()
	return func() { close(done) }
}

func (e *Engine) appendPerformanceSample(taskID string, proc *process.Process) {
	cpuPct, _ := proc.CPUPercent()
	memInfo, _ := proc.MemoryInfo()
	numThreads, _ := proc.NumThreads()

	var rss uint64
	if memInfo != nil {
		rss = memInfo.RSS
	}

	if err := os.MkdirAll(e.perfDir, 0o755); err != nil {
		e.logger.WithError(err).Warn("performance sampling: failed to create perf log directory")
		return
	}

	filename := filepath.Join(e.perfDir, fmt.Sprintf("perf_%s.csv", time.Now().Format("20060102")))
	f, err := os.OpenFile(filename, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		e.logger.WithError(err).Warn("performance sampling: failed to open perf log")
		return
	}
	defer f.Close()

	if info, statErr := f.Stat(); statErr == nil && info.Size() == 0 {
		fmt.Fprintln(f, "timestamp,task_id,cpu_percent,rss_bytes,num_threads")
	}
	fmt.Fprintf(f, "%s,%s,%.2f,%d,%d\n", time.Now().Format(time.RFC3339), taskID, cpuPct, rss, numThreads)
}
