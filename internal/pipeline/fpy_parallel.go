package pipeline

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/dbmplus/dbmorc/pkg/errors"
	"github.com/dbmplus/dbmorc/pkg/taskengine"
	"github.com/dbmplus/dbmorc/pkg/types"
	"github.com/dbmplus/dbmorc/pkg/workerpool"
)

type fpyParallelTask struct {
	p         *Pipeline
	productID string
	lotID     string
	station   string
}

func (p *Pipeline) newFPYParallelTask(task *types.ProcessingTask) (taskengine.Runnable, *errors.AppError) {
	return &fpyParallelTask{p: p, productID: task.ProductID, lotID: task.LotID, station: task.Station}, nil
}

type fpyComputeResult struct {
	componentID string
	merged      map[[2]int]mergeCell
	maxRow      int
	maxCol      int
	ratio       float64
	ok          bool
}

// Run computes FPY across all of a lot's final-station components using a
// bounded worker pool sized min(8, n) — grounded on the teacher's
// pkg/workerpool — then serializes the per-component catalog path
// updates and the lot-level summary write under a single mutex, matching
// spec §5's "fpy_parallel pool min(8,n), serialized path-update phase,
// mutex-protected summary" concurrency model.
func (t *fpyParallelTask) Run(ctx context.Context) (bool, string) {
	order := t.p.stations.StationOrder[t.productID]
	if len(order) == 0 {
		return false, "no station_order configured for product"
	}
	uptoIdx := t.p.stationIndex(t.productID, t.station)
	if uptoIdx < 0 {
		return false, fmt.Sprintf("station %q not found in station_order for product", t.station)
	}

	components := t.p.catalog.GetComponentsByLotStation(t.productID, t.lotID, t.station)
	n := len(components)
	if n == 0 {
		return true, "no components at final station"
	}

	maxWorkers := n
	if maxWorkers > 8 {
		maxWorkers = 8
	}

	pool := workerpool.NewWorkerPool(workerpool.WorkerPoolConfig{
		MaxWorkers:    maxWorkers,
		QueueSize:     n,
		WorkerTimeout: 5 * time.Minute,
	}, t.p.logger)
	if err := pool.Start(); err != nil {
		return false, "failed to start worker pool: " + err.Error()
	}
	defer pool.Stop()

	results := make(chan fpyComputeResult, n)
	var wg sync.WaitGroup
	wg.Add(n)

	for _, comp := range components {
		comp := comp
		_ = pool.SubmitTask(workerpool.Task{
			ID: comp.ComponentID,
			Execute: func(taskCtx context.Context) error {
				defer wg.Done()
				merged, maxRow, maxCol, appErr := t.p.mergeStationsForComponent(t.productID, t.lotID, comp.ComponentID, uptoIdx)
				if appErr != nil {
					results <- fpyComputeResult{componentID: comp.ComponentID, ok: false}
					return appErr
				}
				results <- fpyComputeResult{
					componentID: comp.ComponentID,
					merged:      merged,
					maxRow:      maxRow,
					maxCol:      maxCol,
					ratio:       fpyRatio(merged),
					ok:          true,
				}
				return nil
			},
		})
	}

	wg.Wait()
	close(results)

	// Serialized path-update phase: render + catalog writes happen here,
	// off the worker pool, one at a time.
	var mu sync.Mutex
	ratios := make(map[string]float64, n)
	succeeded, failed := 0, 0

	for res := range results {
		mu.Lock()
		if !res.ok {
			failed++
			mu.Unlock()
			continue
		}
		ratios[res.componentID] = res.ratio
		fpyPath := t.p.paths.FPYPath(t.productID, t.lotID, res.componentID)
		states := mergedToStates(res.merged)
		if appErr := t.p.render.RenderDefectMap(fpyPath, states, res.maxRow, res.maxCol); appErr != nil {
			failed++
			mu.Unlock()
			continue
		}
		key := types.ComponentKey{ProductID: t.productID, LotID: t.lotID, Station: t.station, ComponentID: res.componentID}
		t.p.catalog.UpdateComponent(key, func(c *types.Component) { c.FPYPath = fpyPath })
		succeeded++
		mu.Unlock()
	}

	if appErr := t.p.writeFPYSummary(t.productID, t.lotID, t.station, ratios); appErr != nil {
		return false, appErr.Error()
	}

	return failed == 0, fmt.Sprintf("success %d/%d", succeeded, succeeded+failed)
}
