// Package types defines the core data structures shared across the
// orchestrator: the catalog entities (Product, Lot, Component), the task
// and processing-log records the task engine and ingest controller
// exchange, and the migration/archival bookkeeping records the migration
// engine and storage tier mover persist to disk.
package types

import (
	"context"
	"sync"
	"time"
)

// Product is the top-level catalog entity: a named product line under
// the database root, e.g. `<base_path>/<product_id>/csv/...`.
type Product struct {
	ProductID string `json:"product_id"`
	Name      string `json:"name,omitempty"`
}

// Lot identifies a manufacturing lot under a product. LotID is the
// internal, collision-resolved identifier used as a map key throughout the
// catalog (`{product_id}_{original}` when the original lot id collides
// across products); OriginalLotID is what operators actually typed on the
// factory floor and is what's shown in any display surface.
//
// Invariant: (ProductID, OriginalLotID) is unique. LotID is unique on its
// own across the whole catalog.
type Lot struct {
	LotID         string `json:"lot_id"`
	OriginalLotID string `json:"original_lot_id"`
	ProductID     string `json:"product_id"`
}

// Component identifies one physical component's full processing record
// within a (product, lot, station). Each of the seven path fields is set
// independently as the corresponding pipeline stage produces it — a
// Component with only CSVPath set is perfectly valid mid-pipeline.
type Component struct {
	ProductID   string `json:"product_id"`
	LotID       string `json:"lot_id"`
	Station     string `json:"station"`
	ComponentID string `json:"component_id"`

	OrgPath         string `json:"org_path,omitempty"`
	ROIPath         string `json:"roi_path,omitempty"`
	CSVPath         string `json:"csv_path,omitempty"`
	OriginalCSVPath string `json:"original_csv_path,omitempty"`
	BasemapPath     string `json:"basemap_path,omitempty"`
	LossmapPath     string `json:"lossmap_path,omitempty"`
	FPYPath         string `json:"fpy_path,omitempty"`

	DefectStats map[string]int `json:"defect_stats,omitempty"`

	UpdatedAt time.Time `json:"updated_at"`
}

// Key returns the Component's identity tuple as a single map key.
func (c *Component) Key() ComponentKey {
	return ComponentKey{ProductID: c.ProductID, LotID: c.LotID, Station: c.Station, ComponentID: c.ComponentID}
}

// ComponentKey is the four-part identity of a Component.
type ComponentKey struct {
	ProductID   string
	LotID       string
	Station     string
	ComponentID string
}

// TaskKind enumerates the task bodies the pipeline knows how to run. This
// is the tagged-sum-of-tasks design: every TaskKind has exactly one
// pipeline.Runnable implementation and its own parameter shape.
type TaskKind string

const (
	TaskProcessCSV     TaskKind = "process_csv"
	TaskBasemap        TaskKind = "basemap"
	TaskLossmap        TaskKind = "lossmap"
	TaskFPY            TaskKind = "fpy"
	TaskFPYParallel    TaskKind = "fpy_parallel"
	TaskMoveFiles      TaskKind = "move_files"
	TaskBatchMoveFiles TaskKind = "batch_move_files"
)

// TaskStatus enumerates a ProcessingTask's lifecycle states.
type TaskStatus string

const (
	TaskPending   TaskStatus = "pending"
	TaskRunning   TaskStatus = "running"
	TaskCompleted TaskStatus = "completed"
	TaskFailed    TaskStatus = "failed"
)

// ProcessingTask is one unit of work submitted to the task engine. Tasks
// transition pending -> running immediately (each gets its own worker, no
// queueing within the engine itself — the ingest controller is what
// enforces a global concurrency cap ahead of task creation).
type ProcessingTask struct {
	TaskID      string                 `json:"task_id"`
	Kind        TaskKind               `json:"kind"`
	ProductID   string                 `json:"product_id"`
	LotID       string                 `json:"lot_id"`
	Station     string                 `json:"station,omitempty"`
	ComponentID string                 `json:"component_id,omitempty"`
	Params      map[string]interface{} `json:"params,omitempty"`

	Status    TaskStatus `json:"status"`
	Message   string     `json:"message,omitempty"`
	StartTime time.Time  `json:"start_time,omitempty"`
	EndTime   time.Time  `json:"end_time,omitempty"`

	cancel context.CancelFunc
	mu     sync.Mutex
}

// Start marks the task running and records the start time.
func (t *ProcessingTask) Start() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.Status = TaskRunning
	t.StartTime = time.Now()
}

// Complete marks the task finished, successfully or not, with a message.
func (t *ProcessingTask) Complete(ok bool, message string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if ok {
		t.Status = TaskCompleted
	} else {
		t.Status = TaskFailed
	}
	t.Message = message
	t.EndTime = time.Now()
}

// Duration returns how long the task ran, or the time since it started if
// it hasn't finished yet.
func (t *ProcessingTask) Duration() time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.StartTime.IsZero() {
		return 0
	}
	end := t.EndTime
	if end.IsZero() {
		end = time.Now()
	}
	return end.Sub(t.StartTime)
}

// SetCancel stores the task's cancellation function for CancelTask to call.
func (t *ProcessingTask) SetCancel(cancel context.CancelFunc) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.cancel = cancel
}

// Cancel cooperatively cancels the task's context, if one was set.
func (t *ProcessingTask) Cancel() {
	t.mu.Lock()
	cancel := t.cancel
	t.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// SnapshotStatus returns a copy of the task's current status/message,
// safe to read concurrently with Start/Complete.
func (t *ProcessingTask) SnapshotStatus() (TaskStatus, string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.Status, t.Message
}

// ProcessingLogStep is one recorded step (e.g. "basemap", "move_org") in a
// ProcessingLog's ordered history.
type ProcessingLogStep struct {
	Name      string    `json:"name"`
	Status    string    `json:"status"` // pending, running, completed, failed
	Message   string    `json:"message,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// ProcessingLog tracks one component's journey through the ingest
// pipeline, from discovery through the last move/archive step.
type ProcessingLog struct {
	ComponentKey ComponentKey        `json:"component_key"`
	Steps        []ProcessingLogStep `json:"steps"`
	Status       string              `json:"status"`
	CreatedAt    time.Time           `json:"created_at"`
	UpdatedAt    time.Time           `json:"updated_at"`
}

// AppendStep appends a new step to the log and refreshes UpdatedAt.
func (p *ProcessingLog) AppendStep(name, status, message string) {
	p.Steps = append(p.Steps, ProcessingLogStep{
		Name:      name,
		Status:    status,
		Message:   message,
		Timestamp: time.Now(),
	})
	p.UpdatedAt = time.Now()
	p.Status = status
}

// DelayedMoveEntry is one component queued for a scheduled batch move by
// the migration engine's DelayedMoveQueue. FIFO ordering is by QueuedAt.
// SourceProductID is the component's owning product at enqueue time;
// TargetProductID is where the move should land it, per auto_move.target_product.
type DelayedMoveEntry struct {
	ComponentKey    ComponentKey `json:"component_key"`
	SourceProductID string       `json:"source_product_id"`
	TargetProductID string       `json:"target_product_id"`
	FileTypes       []string     `json:"file_types"`
	QueuedAt        time.Time    `json:"queued_at"`
}

// RetryEntry tracks one component's move-retry state. Backoff follows
// next = now + min(300*2^attempt, 3600) seconds; the migration engine
// drops the entry once Attempt exceeds its maxRetryAttempts.
type RetryEntry struct {
	ComponentKey    ComponentKey `json:"component_key"`
	SourceProductID string       `json:"source_product_id"`
	TargetProductID string       `json:"target_product_id"`
	FileTypes       []string     `json:"file_types"`
	Attempt         int          `json:"attempt"`
	NextAttemptAt   time.Time    `json:"next_attempt_at"`
	LastError       string       `json:"last_error,omitempty"`
	CreatedAt       time.Time    `json:"created_at"`
}

// ArchiveReportEntry records one file moved by the storage tier mover,
// for the capped-at-100-entries persisted ArchiveReport.
type ArchiveReportEntry struct {
	SourcePath string    `json:"source_path"`
	TargetPath string    `json:"target_path"`
	SizeBytes  int64     `json:"size_bytes"`
	MovedAt    time.Time `json:"moved_at"`
	Reason     string    `json:"reason"` // "emergency", "warning", "scheduled"
}

// StationOrderReport is the structured result of Catalog.ValidateStationOrder,
// a supplemented feature grounded in the original source's database
// validation: it reports stations configured but never observed and
// stations observed but not configured. ValidateStationOrder never fills
// OutOfOrder; ordering is not checked.
type StationOrderReport struct {
	OK           bool     `json:"ok"`
	Missing      []string `json:"missing,omitempty"`
	Extra        []string `json:"extra,omitempty"`
	OutOfOrder   []string `json:"out_of_order,omitempty"`
}
