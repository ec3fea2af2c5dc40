package pipeline

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/dbmplus/dbmorc/pkg/errors"
	"github.com/dbmplus/dbmorc/pkg/taskengine"
	"github.com/dbmplus/dbmorc/pkg/tabular"
	"github.com/dbmplus/dbmorc/pkg/transforms"
	"github.com/dbmplus/dbmorc/pkg/types"
)

// mergeCell is the outer-joined per-(row,col) minimum across every prior
// station's binarized map, for one component. Good encodes as 1, bad as
// 0; taking the minimum means a single bad reading at any station makes
// the merged location bad — exactly the first-pass-yield definition.
type mergeCell = int

const (
	cellBad  mergeCell = 0
	cellGood mergeCell = 1
)

// mergeStationsForComponent computes the outer-join-then-min merge of
// every station up to and including uptoIdx (inclusive) in productID's
// configured order, for one component. A component missing data at a
// given station contributes nothing at that station (outer join — only
// present locations are compared), per spec's FPY merge semantics.
//
// The first station's FPY uses only its own binarization (there is
// nothing to merge it with) — preserved from spec.md as a deliberate
// source quirk, not re-derived as a special case.
func (p *Pipeline) mergeStationsForComponent(productID, lotID, componentID string, uptoIdx int) (map[[2]int]mergeCell, int, int, *errors.AppError) {
	order := p.stations.StationOrder[productID]
	if uptoIdx >= len(order) {
		uptoIdx = len(order) - 1
	}

	merged := make(map[[2]int]mergeCell)
	maxRow, maxCol := 0, 0

	for i := 0; i <= uptoIdx; i++ {
		station := order[i]
		key := types.ComponentKey{ProductID: productID, LotID: lotID, Station: station, ComponentID: componentID}
		comp := p.catalog.GetComponent(key)
		if comp == nil || comp.CSVPath == "" {
			continue
		}
		table, appErr := tabular.ReadDefectTable(comp.CSVPath, 0)
		if appErr != nil {
			continue
		}
		axis := transforms.Axis(p.stations.FlipConfig[station])
		row, col := tabular.MaxExtent(table)
		if row > maxRow {
			maxRow = row
		}
		if col > maxCol {
			maxCol = col
		}
		if rule, ok := p.stations.SampleRules[station]; ok {
			table = transforms.ApplyMask(table, rule.Mask)
		}
		table = transforms.Flip(table, axis, row, col)
		states := transforms.Binarize(table, p.stations.DefectRules)

		for locKey, state := range states {
			val := cellGood
			if state == transforms.Bad {
				val = cellBad
			}
			if existing, ok := merged[locKey]; ok {
				if val < existing {
					merged[locKey] = val
				}
			} else {
				merged[locKey] = val
			}
		}
	}

	return merged, maxRow, maxCol, nil
}

func mergedToStates(merged map[[2]int]mergeCell) map[[2]int]transforms.BinaryState {
	out := make(map[[2]int]transforms.BinaryState, len(merged))
	for k, v := range merged {
		if v == cellBad {
			out[k] = transforms.Bad
		} else {
			out[k] = transforms.Good
		}
	}
	return out
}

func fpyRatio(merged map[[2]int]mergeCell) float64 {
	if len(merged) == 0 {
		return 0
	}
	good := 0
	for _, v := range merged {
		if v == cellGood {
			good++
		}
	}
	return float64(good) / float64(len(merged))
}

// writeFPYSummary writes the station-level summary CSV and bar chart
// across componentRatios (component id -> FPY ratio), in component-id
// order.
func (p *Pipeline) writeFPYSummary(productID, lotID, station string, componentRatios map[string]float64) *errors.AppError {
	ids := make([]string, 0, len(componentRatios))
	for id := range componentRatios {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	summaryPath := p.paths.FPYSummaryPath(productID, lotID, station)
	if err := os.MkdirAll(filepath.Dir(summaryPath), 0o755); err != nil {
		return errors.WrapError(err, "pipeline", "writeFPYSummary", "failed to create summary directory")
	}
	f, err := os.Create(summaryPath)
	if err != nil {
		return errors.WrapError(err, "pipeline", "writeFPYSummary", "failed to create summary CSV")
	}
	defer f.Close()

	fmt.Fprintln(f, "ID,FPY")
	values := make([]float64, 0, len(ids))
	for _, id := range ids {
		fmt.Fprintf(f, "%s,%.4f\n", id, componentRatios[id])
		values = append(values, componentRatios[id])
	}

	chartPath := p.paths.FPYChartPath(productID, lotID, station)
	return p.render.RenderBarChart(chartPath, ids, values)
}

type fpyTask struct {
	p         *Pipeline
	productID string
	lotID     string
	station   string
}

func (p *Pipeline) newFPYTask(task *types.ProcessingTask) (taskengine.Runnable, *errors.AppError) {
	return &fpyTask{p: p, productID: task.ProductID, lotID: task.LotID, station: task.Station}, nil
}

// Run computes FPY for every component observed at the task's station,
// merging every station up to and including it in productID's configured
// order, then writes the per-component render, the per-station summary
// CSV, and the bar chart.
func (t *fpyTask) Run(ctx context.Context) (bool, string) {
	order := t.p.stations.StationOrder[t.productID]
	if len(order) == 0 {
		return false, "no station_order configured for product"
	}
	uptoIdx := t.p.stationIndex(t.productID, t.station)
	if uptoIdx < 0 {
		return false, fmt.Sprintf("station %q not found in station_order for product", t.station)
	}

	components := t.p.catalog.GetComponentsByLotStation(t.productID, t.lotID, t.station)
	ratios := make(map[string]float64, len(components))
	succeeded, failed := 0, 0

	for _, comp := range components {
		merged, maxRow, maxCol, appErr := t.p.mergeStationsForComponent(t.productID, t.lotID, comp.ComponentID, uptoIdx)
		if appErr != nil {
			failed++
			continue
		}
		ratios[comp.ComponentID] = fpyRatio(merged)

		fpyPath := t.p.paths.FPYPath(t.productID, t.lotID, comp.ComponentID)
		if appErr := t.p.render.RenderDefectMap(fpyPath, mergedToStates(merged), maxRow, maxCol); appErr != nil {
			failed++
			continue
		}
		key := comp.Key()
		t.p.catalog.UpdateComponent(key, func(c *types.Component) { c.FPYPath = fpyPath })
		succeeded++
	}

	if appErr := t.p.writeFPYSummary(t.productID, t.lotID, t.station, ratios); appErr != nil {
		return false, appErr.Error()
	}

	return failed == 0, fmt.Sprintf("success %d/%d", succeeded, succeeded+failed)
}
