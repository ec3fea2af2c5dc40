// Package pipeline implements C7: the task bodies the task engine runs —
// process_csv, basemap, lossmap, fpy, fpy_parallel, move_files, and
// batch_move_files — each as a taskengine.Runnable built from the
// component's recorded parameters. Grounded on spec §4.7's component
// design and, for fpy_parallel's bounded pool, on the teacher's
// pkg/workerpool; batch_move_files bounds its goroutines with a
// semaphore channel instead.
package pipeline

import (
	"fmt"

	"github.com/dbmplus/dbmorc/pkg/catalog"
	"github.com/dbmplus/dbmorc/pkg/errors"
	"github.com/dbmplus/dbmorc/pkg/eventbus"
	"github.com/dbmplus/dbmorc/pkg/pathbuilder"
	"github.com/dbmplus/dbmorc/pkg/renderer"
	"github.com/dbmplus/dbmorc/pkg/taskengine"
	"github.com/dbmplus/dbmorc/pkg/types"

	"github.com/sirupsen/logrus"
)

// Pipeline holds the shared dependencies every task body needs.
type Pipeline struct {
	logger   *logrus.Logger
	catalog  *catalog.Catalog
	paths    *pathbuilder.PathBuilder
	stations types.StationsConfig
	render   renderer.Renderer
	bus      *eventbus.Bus
	archiveBase string
}

// New constructs a Pipeline.
func New(logger *logrus.Logger, cat *catalog.Catalog, paths *pathbuilder.PathBuilder, stations types.StationsConfig, render renderer.Renderer, bus *eventbus.Bus, archiveBase string) *Pipeline {
	return &Pipeline{logger: logger, catalog: cat, paths: paths, stations: stations, render: render, bus: bus, archiveBase: archiveBase}
}

// RegisterAll wires every task kind's factory into the task engine.
func (p *Pipeline) RegisterAll(engine *taskengine.Engine) {
	engine.RegisterRunnable(types.TaskProcessCSV, p.newProcessCSVTask)
	engine.RegisterRunnable(types.TaskBasemap, p.newBasemapTask)
	engine.RegisterRunnable(types.TaskLossmap, p.newLossmapTask)
	engine.RegisterRunnable(types.TaskFPY, p.newFPYTask)
	engine.RegisterRunnable(types.TaskFPYParallel, p.newFPYParallelTask)
	engine.RegisterRunnable(types.TaskMoveFiles, p.newMoveFilesTask)
	engine.RegisterRunnable(types.TaskBatchMoveFiles, p.newBatchMoveFilesTask)
}

func stringParam(params map[string]interface{}, key string) (string, *errors.AppError) {
	v, ok := params[key]
	if !ok {
		return "", errors.New("MISSING_PARAM", "pipeline", "stringParam", fmt.Sprintf("missing required param %q", key))
	}
	s, ok := v.(string)
	if !ok {
		return "", errors.New("BAD_PARAM_TYPE", "pipeline", "stringParam", fmt.Sprintf("param %q is not a string", key))
	}
	return s, nil
}

func stringSliceParam(params map[string]interface{}, key string) []string {
	v, ok := params[key]
	if !ok {
		return nil
	}
	switch vv := v.(type) {
	case []string:
		return vv
	case []interface{}:
		out := make([]string, 0, len(vv))
		for _, item := range vv {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}

// stationIndex returns the position of station in the product's
// configured station_order (0-based), or -1 if not found.
func (p *Pipeline) stationIndex(productID, station string) int {
	order := p.stations.StationOrder[productID]
	for i, s := range order {
		if s == station {
			return i
		}
	}
	return -1
}

// previousStation returns the station immediately before station in the
// product's configured order, or "" if station is first or not found.
func (p *Pipeline) previousStation(productID, station string) string {
	idx := p.stationIndex(productID, station)
	if idx <= 0 {
		return ""
	}
	return p.stations.StationOrder[productID][idx-1]
}
