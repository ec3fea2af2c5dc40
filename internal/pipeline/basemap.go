package pipeline

import (
	"context"

	"github.com/dbmplus/dbmorc/pkg/errors"
	"github.com/dbmplus/dbmorc/pkg/taskengine"
	"github.com/dbmplus/dbmorc/pkg/tabular"
	"github.com/dbmplus/dbmorc/pkg/transforms"
	"github.com/dbmplus/dbmorc/pkg/types"
)

type basemapTask struct {
	p         *Pipeline
	productID string
	lotID     string
	station   string
	srcPath   string
}

func (p *Pipeline) newBasemapTask(task *types.ProcessingTask) (taskengine.Runnable, *errors.AppError) {
	srcPath, appErr := stringParam(task.Params, "src_path")
	if appErr != nil {
		return nil, appErr
	}
	return &basemapTask{p: p, productID: task.ProductID, lotID: task.LotID, station: task.Station, srcPath: srcPath}, nil
}

// Run performs the 4-step basemap pipeline from spec §4.7:
//  1. read the station's recipe/mask config (held on Pipeline already)
//  2. AlignmentChecker
//  3. HeaderStripper
//  4. mask/flip/render
func (t *basemapTask) Run(ctx context.Context) (bool, string) {
	result, appErr := t.p.runProcessCSV(t.productID, t.station, t.srcPath)
	if appErr != nil {
		return false, appErr.Error()
	}

	table, appErr := tabular.ReadDefectTable(result.StrippedPath, result.HeaderRowIdx)
	if appErr != nil {
		return false, appErr.Error()
	}

	axis := transforms.Axis(t.p.stations.FlipConfig[t.station])
	maxRow, maxCol := tabular.MaxExtent(table)

	if rule, ok := t.p.stations.SampleRules[t.station]; ok {
		table = transforms.ApplyMask(table, rule.Mask)
	}
	table = transforms.Flip(table, axis, maxRow, maxCol)

	states := transforms.Binarize(table, t.p.stations.DefectRules)

	basemapPath := t.p.paths.BasemapPath(t.productID, t.lotID, t.station, result.ComponentID)
	if appErr := t.p.render.RenderDefectMap(basemapPath, states, maxRow, maxCol); appErr != nil {
		return false, appErr.Error()
	}

	key := types.ComponentKey{ProductID: t.productID, LotID: t.lotID, Station: t.station, ComponentID: result.ComponentID}
	t.p.catalog.EnsureComponent(key)
	t.p.catalog.UpdateComponent(key, func(c *types.Component) {
		c.CSVPath = result.StrippedPath
		c.BasemapPath = basemapPath
		c.DefectStats = defectCounts(states)
	})

	return true, "basemap rendered"
}

func defectCounts(states map[[2]int]transforms.BinaryState) map[string]int {
	counts := map[string]int{"good": 0, "bad": 0}
	for _, s := range states {
		if s == transforms.Bad {
			counts["bad"]++
		} else {
			counts["good"]++
		}
	}
	return counts
}
