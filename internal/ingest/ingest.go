// Package ingest implements C9: the IngestController, the queue that sits
// between the file watcher and the task engine. Its shape is grounded on
// internal/dispatcher/dispatcher.go's queue-drain-and-dispatch loop: a
// bounded in-memory channel fed by event subscriptions, drained once a
// second by a single loop that respects a global concurrency cap, with a
// per-item ProcessingLog in place of the teacher's per-entry delivery
// stats.
package ingest

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/dbmplus/dbmorc/pkg/catalog"
	"github.com/dbmplus/dbmorc/pkg/eventbus"
	"github.com/dbmplus/dbmorc/pkg/taskengine"
	"github.com/dbmplus/dbmorc/pkg/types"

	"github.com/sirupsen/logrus"
)

const queueSize = 4096

// queueItem is one file-found notification waiting to become a
// basemap task.
type queueItem struct {
	productID string
	path      string
}

// Controller owns the component-discovery-to-basemap pipeline: it reacts
// to FileFound events by creating Components and ProcessingLogs, then
// drains a bounded queue at up to MaxConcurrentTasks at a time, creating
// basemap tasks and following them through to completion.
type Controller struct {
	logger     *logrus.Logger
	bus        *eventbus.Bus
	catalog    *catalog.Catalog
	engine     *taskengine.Engine
	maxConcurrent func() int

	stationOf func(path string) (productID, lotID, station, componentID string, ok bool)

	queue chan queueItem
	sem   chan struct{}

	mu      sync.Mutex
	logs    map[types.ComponentKey]*types.ProcessingLog
	taskKey map[string]types.ComponentKey

	unsubFileFound func()
	unsubCompleted func()
}

// New constructs a Controller. stationOf extracts (product, lot, station,
// component) identity from an incoming file's path — callers typically
// pass a closure over internal/scanner's path-parsing rules.
func New(
	logger *logrus.Logger,
	bus *eventbus.Bus,
	cat *catalog.Catalog,
	engine *taskengine.Engine,
	maxConcurrent func() int,
	stationOf func(path string) (productID, lotID, station, componentID string, ok bool),
) *Controller {
	return &Controller{
		logger:        logger,
		bus:           bus,
		catalog:       cat,
		engine:        engine,
		maxConcurrent: maxConcurrent,
		stationOf:     stationOf,
		queue:         make(chan queueItem, queueSize),
		logs:          make(map[types.ComponentKey]*types.ProcessingLog),
		taskKey:       make(map[string]types.ComponentKey),
	}
}

// Start subscribes to the event bus and launches the drain loop. Stop
// unsubscribes and lets in-flight tasks finish.
func (c *Controller) Start(ctx context.Context) {
	c.unsubFileFound = c.bus.Subscribe("ingest.file_found", func(ev eventbus.Event) {
		payload, ok := ev.Payload.(eventbus.FileFoundPayload)
		if ev.Type != eventbus.FileFound || !ok {
			return
		}
		select {
		case c.queue <- queueItem{productID: payload.ProductID, path: payload.Path}:
		default:
			c.logger.WithField("path", payload.Path).Warn("ingest queue full, dropping file-found notification")
		}
	})

	c.unsubCompleted = c.bus.Subscribe("ingest.task_completed", func(ev eventbus.Event) {
		payload, ok := ev.Payload.(eventbus.TaskCompletedPayload)
		if ev.Type != eventbus.TaskCompleted || !ok {
			return
		}
		c.onTaskCompleted(payload)
	})

	go c.drainLoop(ctx)
}

// Stop unsubscribes from the bus. It does not cancel in-flight tasks.
func (c *Controller) Stop() {
	if c.unsubFileFound != nil {
		c.unsubFileFound()
	}
	if c.unsubCompleted != nil {
		c.unsubCompleted()
	}
}

func (c *Controller) drainLoop(ctx context.Context) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.dispatchReady(ctx)
		}
	}
}

// dispatchReady pops queued items up to the current concurrency headroom
// and creates basemap tasks for them. Headroom is computed fresh
// every tick so MaxConcurrentTasks can be hot-reloaded.
func (c *Controller) dispatchReady(ctx context.Context) {
	limit := c.maxConcurrent()
	if limit <= 0 {
		limit = 2
	}

	c.mu.Lock()
	inFlight := c.countRunningLocked()
	c.mu.Unlock()

	for inFlight < limit {
		select {
		case item := <-c.queue:
			c.handleItem(item)
			inFlight++
		default:
			return
		}
	}
}

func (c *Controller) countRunningLocked() int {
	n := 0
	for _, l := range c.logs {
		if l.Status == "running" {
			n++
		}
	}
	return n
}

func (c *Controller) handleItem(item queueItem) {
	productID, lotID, station, componentID, ok := c.stationOf(item.path)
	if !ok {
		c.logger.WithField("path", item.path).Warn("ingest: could not parse component identity from path, skipping")
		return
	}

	key := types.ComponentKey{ProductID: productID, LotID: lotID, Station: station, ComponentID: componentID}
	c.catalog.EnsureComponent(key)

	c.mu.Lock()
	log, exists := c.logs[key]
	if !exists {
		log = &types.ProcessingLog{ComponentKey: key, CreatedAt: time.Now()}
		c.logs[key] = log
	}
	log.AppendStep("process_csv", "running", item.path)
	c.mu.Unlock()

	taskID, appErr := c.engine.CreateTask(types.TaskBasemap, productID, lotID, station, componentID, map[string]interface{}{
		"src_path": item.path,
	})
	if appErr != nil {
		c.mu.Lock()
		log.AppendStep("process_csv", "failed", appErr.Error())
		c.mu.Unlock()
		return
	}

	c.mu.Lock()
	c.taskKey[taskID] = key
	c.mu.Unlock()

	c.publishLogUpdate(key, "running")
	c.logger.WithFields(logrus.Fields{"task_id": taskID, "component": componentID}).Debug("ingest: basemap task created")
}

func (c *Controller) onTaskCompleted(payload eventbus.TaskCompletedPayload) {
	c.mu.Lock()
	defer c.mu.Unlock()

	key, ok := c.taskKey[payload.TaskID]
	if !ok {
		return
	}
	delete(c.taskKey, payload.TaskID)

	log, ok := c.logs[key]
	if !ok {
		return
	}
	status := "completed"
	if !payload.OK {
		status = "failed"
	}
	log.AppendStep("basemap", status, payload.Message)
	c.publishLogUpdateLocked(key, status)
}

func (c *Controller) publishLogUpdate(key types.ComponentKey, status string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.publishLogUpdateLocked(key, status)
}

func (c *Controller) publishLogUpdateLocked(key types.ComponentKey, status string) {
	c.bus.Publish(eventbus.Event{
		Type: eventbus.LogUpdated,
		Payload: eventbus.LogUpdatedPayload{
			ProductID: key.ProductID, LotID: key.LotID, Station: key.Station, ComponentID: key.ComponentID,
			Status: status,
		},
	})
}

// Status returns a snapshot of one component's processing log, if any.
func (c *Controller) Status(key types.ComponentKey) (*types.ProcessingLog, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	log, ok := c.logs[key]
	if !ok {
		return nil, false
	}
	cp := *log
	cp.Steps = append([]types.ProcessingLogStep(nil), log.Steps...)
	return &cp, true
}

// QueueDepth reports how many file-found notifications are waiting to be
// dispatched, for the /healthz and metrics surfaces.
func (c *Controller) QueueDepth() int {
	return len(c.queue)
}

func (c *Controller) String() string {
	return fmt.Sprintf("ingest.Controller{queue=%d}", c.QueueDepth())
}
