package pipeline

import (
	"context"
	"fmt"
	"sync"

	"github.com/dbmplus/dbmorc/pkg/errors"
	"github.com/dbmplus/dbmorc/pkg/eventbus"
	"github.com/dbmplus/dbmorc/pkg/taskengine"
	"github.com/dbmplus/dbmorc/pkg/types"
)

const batchMoveMaxConcurrent = 4

// batchMoveItem is one component the batch moves, the unit of work
// batch_move_files fans out over. Spec §4.7's signature carries
// target_product and file_types once for the whole batch, not per item.
type batchMoveItem struct {
	Key types.ComponentKey `json:"key"`
}

type batchMoveFilesTask struct {
	p             *Pipeline
	items         []batchMoveItem
	targetProduct string
	fileTypes     []string

	mu      sync.Mutex
	details map[string]string
}

func (p *Pipeline) newBatchMoveFilesTask(task *types.ProcessingTask) (taskengine.Runnable, *errors.AppError) {
	raw, ok := task.Params["items"]
	if !ok {
		return nil, errors.New("MISSING_PARAM", "pipeline", "newBatchMoveFilesTask", "items param is required")
	}

	items, appErr := parseBatchMoveItems(raw)
	if appErr != nil {
		return nil, appErr
	}

	targetProduct, appErr := stringParam(task.Params, "target_product")
	if appErr != nil {
		return nil, appErr
	}
	fileTypes := stringSliceParam(task.Params, "file_types")
	if len(fileTypes) == 0 {
		return nil, errors.New("MISSING_PARAM", "pipeline", "newBatchMoveFilesTask", "file_types param is required and must be non-empty")
	}

	return &batchMoveFilesTask{p: p, items: items, targetProduct: targetProduct, fileTypes: fileTypes, details: make(map[string]string)}, nil
}

// Details implements taskengine.DetailedRunnable, relaying each
// component's per-file-type move outcome keyed "component_id:file_type".
func (t *batchMoveFilesTask) Details() map[string]string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.details
}

// parseBatchMoveItems accepts either the in-process []batchMoveItem shape
// (used when a caller within this binary builds the slice directly) or
// the generic []interface{} of map[string]interface{} shape a task
// submitted via the HTTP API or a persisted queue arrives as after a JSON
// round trip — both produce the same []batchMoveItem.
func parseBatchMoveItems(raw interface{}) ([]batchMoveItem, *errors.AppError) {
	if items, ok := raw.([]batchMoveItem); ok {
		return items, nil
	}

	list, ok := raw.([]interface{})
	if !ok {
		return nil, errors.New("BAD_PARAM_TYPE", "pipeline", "parseBatchMoveItems", "items param must be a list")
	}

	out := make([]batchMoveItem, 0, len(list))
	for _, raw := range list {
		m, ok := raw.(map[string]interface{})
		if !ok {
			continue
		}
		item := batchMoveItem{}
		if keyRaw, ok := m["key"]; ok {
			if key, ok := keyRaw.(types.ComponentKey); ok {
				item.Key = key
			} else if keyMap, ok := keyRaw.(map[string]interface{}); ok {
				item.Key = types.ComponentKey{
					ProductID:   stringField(keyMap, "ProductID", "product_id"),
					LotID:       stringField(keyMap, "LotID", "lot_id"),
					Station:     stringField(keyMap, "Station", "station"),
					ComponentID: stringField(keyMap, "ComponentID", "component_id"),
				}
			}
		}
		out = append(out, item)
	}
	return out, nil
}

func stringField(m map[string]interface{}, keys ...string) string {
	for _, k := range keys {
		if v, ok := m[k]; ok {
			if s, ok := v.(string); ok {
				return s
			}
		}
	}
	return ""
}

// Run fans batch items out across at most batchMoveMaxConcurrent
// goroutines, publishing a StatusChanged event per component as it
// finishes so a UI subscriber can render a progress bar.
func (t *batchMoveFilesTask) Run(ctx context.Context) (bool, string) {
	sem := make(chan struct{}, batchMoveMaxConcurrent)
	var wg sync.WaitGroup

	var mu sync.Mutex
	succeeded, failed := 0, 0

	for _, item := range t.items {
		item := item
		wg.Add(1)
		sem <- struct{}{}
		go func() {
			defer wg.Done()
			defer func() { <-sem }()

			allOK := true
			for _, ft := range t.fileTypes {
				ok, _, outcome := t.p.moveOneFileType(item.Key, ft, t.targetProduct)
				t.mu.Lock()
				t.details[fmt.Sprintf("%s:%s", item.Key.ComponentID, ft)] = outcome
				t.mu.Unlock()
				if !ok {
					allOK = false
				}
			}
			if allOK {
				if comp := t.p.catalog.GetComponent(item.Key); comp != nil && comp.ProductID != t.targetProduct {
					t.p.catalog.MoveComponent(item.Key, t.targetProduct)
				}
			}

			mu.Lock()
			if allOK {
				succeeded++
			} else {
				failed++
			}
			mu.Unlock()

			status := "moved"
			if !allOK {
				status = "failed"
			}
			t.p.bus.Publish(eventbus.Event{
				Type: eventbus.StatusChanged,
				Payload: eventbus.StatusChangedPayload{
					ProductID:   item.Key.ProductID,
					LotID:       item.Key.LotID,
					Station:     item.Key.Station,
					ComponentID: item.Key.ComponentID,
					NewStatus:   status,
				},
			})
		}()
	}

	wg.Wait()
	return failed == 0, fmt.Sprintf("success %d/%d", succeeded, succeeded+failed)
}
