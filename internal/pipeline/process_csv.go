package pipeline

import (
	"context"

	"github.com/dbmplus/dbmorc/pkg/errors"
	"github.com/dbmplus/dbmorc/pkg/taskengine"
	"github.com/dbmplus/dbmorc/pkg/types"

	"github.com/dbmplus/dbmorc/internal/alignment"
	"github.com/dbmplus/dbmorc/internal/headerstrip"
)

// processCSVResult is what the shared align+strip step produces, reused
// by both the standalone process_csv task and the first three steps of
// basemap.
type processCSVResult struct {
	ComponentID  string
	StrippedPath string
	HeaderRowIdx int
	Align        alignment.Result
}

// runProcessCSV runs steps 1-3 of spec §4.7's basemap design (read station
// rules, alignment check, header strip) against srcPath, which must match
// the AOI export filename pattern.
func (p *Pipeline) runProcessCSV(productID, station, srcPath string) (*processCSVResult, *errors.AppError) {
	recipe := p.stations.StationRecipe[station]

	align := alignment.Check(srcPath, recipe)
	if align.Err != nil {
		return nil, align.Err
	}
	if !align.Pass {
		return nil, errors.AlignmentFail("runProcessCSV", "no matching recipe reference points found")
	}

	strippedPath, appErr := headerstrip.Strip(srcPath, align.HeaderRow)
	if appErr != nil {
		return nil, appErr
	}
	componentID, _ := headerstrip.ComponentID(srcPath[strcIndexBase(srcPath):])

	return &processCSVResult{
		ComponentID:  componentID,
		StrippedPath: strippedPath,
		HeaderRowIdx: 0, // the stripped file's header is now always line 0
		Align:        align,
	}, nil
}

// strcIndexBase returns the index of the filename's start within a path,
// so headerstrip.ComponentID (which expects a bare filename) still works
// when called with a full path here.
func strcIndexBase(path string) int {
	for i := len(path) - 1; i >= 0; i-- {
		if path[i] == '/' {
			return i + 1
		}
	}
	return 0
}

type processCSVTask struct {
	p         *Pipeline
	productID string
	lotID     string
	station   string
	srcPath   string
}

func (p *Pipeline) newProcessCSVTask(task *types.ProcessingTask) (taskengine.Runnable, *errors.AppError) {
	srcPath, appErr := stringParam(task.Params, "src_path")
	if appErr != nil {
		return nil, appErr
	}
	return &processCSVTask{p: p, productID: task.ProductID, lotID: task.LotID, station: task.Station, srcPath: srcPath}, nil
}

func (t *processCSVTask) Run(ctx context.Context) (bool, string) {
	result, appErr := t.p.runProcessCSV(t.productID, t.station, t.srcPath)
	if appErr != nil {
		return false, appErr.Error()
	}

	key := types.ComponentKey{ProductID: t.productID, LotID: t.lotID, Station: t.station, ComponentID: result.ComponentID}
	t.p.catalog.EnsureComponent(key)
	t.p.catalog.UpdateComponent(key, func(c *types.Component) {
		c.CSVPath = result.StrippedPath
	})

	return true, "processed"
}
