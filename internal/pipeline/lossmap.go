package pipeline

import (
	"context"

	"github.com/dbmplus/dbmorc/pkg/errors"
	"github.com/dbmplus/dbmorc/pkg/taskengine"
	"github.com/dbmplus/dbmorc/pkg/tabular"
	"github.com/dbmplus/dbmorc/pkg/transforms"
	"github.com/dbmplus/dbmorc/pkg/types"
)

type lossmapTask struct {
	p           *Pipeline
	productID   string
	lotID       string
	station     string
	componentID string
}

func (p *Pipeline) newLossmapTask(task *types.ProcessingTask) (taskengine.Runnable, *errors.AppError) {
	return &lossmapTask{
		p:           p,
		productID:   task.ProductID,
		lotID:       task.LotID,
		station:     task.Station,
		componentID: task.ComponentID,
	}, nil
}

// Run computes the loss-transition classification between the previous
// station's and this station's binarized defect maps and stores its
// counts in the component's DefectStats. The LOSS{idx} PNG it renders is
// this station's binarized map colored good/bad; it is not colored by
// transition class. The first station in a product's configured order has no
// predecessor, so the task rejects it (ok=false).
func (t *lossmapTask) Run(ctx context.Context) (bool, string) {
	idx := t.p.stationIndex(t.productID, t.station)
	if idx <= 0 {
		return false, "rejected: first station has no predecessor"
	}
	prevStation := t.p.previousStation(t.productID, t.station)

	currKey := types.ComponentKey{ProductID: t.productID, LotID: t.lotID, Station: t.station, ComponentID: t.componentID}
	prevKey := types.ComponentKey{ProductID: t.productID, LotID: t.lotID, Station: prevStation, ComponentID: t.componentID}

	currComp := t.p.catalog.GetComponent(currKey)
	prevComp := t.p.catalog.GetComponent(prevKey)
	if prevComp == nil || prevComp.CSVPath == "" {
		t.p.logger.WithFields(map[string]interface{}{
			"product": t.productID, "lot": t.lotID, "station": t.station, "component": t.componentID,
		}).Warn("lossmap: missing previous station data, skipping")
		return true, "skipped: previous station data missing"
	}
	if currComp == nil || currComp.CSVPath == "" {
		return false, "current station CSV not yet processed"
	}

	currStates, maxRow, maxCol, appErr := t.binarizedStates(t.station, currComp.CSVPath)
	if appErr != nil {
		return false, appErr.Error()
	}
	prevStates, _, _, appErr := t.binarizedStates(prevStation, prevComp.CSVPath)
	if appErr != nil {
		return false, appErr.Error()
	}

	classification := transforms.ClassifyLossPoints(prevStates, currStates)

	lossmapPath := t.p.paths.LossmapPath(t.productID, t.lotID, idx, t.componentID)
	if appErr := t.p.render.RenderDefectMap(lossmapPath, currStates, maxRow, maxCol); appErr != nil {
		return false, appErr.Error()
	}

	t.p.catalog.UpdateComponent(currKey, func(c *types.Component) {
		c.LossmapPath = lossmapPath
		if c.DefectStats == nil {
			c.DefectStats = make(map[string]int)
		}
		c.DefectStats["good_to_good"] = classification.GoodToGood
		c.DefectStats["good_to_bad"] = classification.GoodToBad
		c.DefectStats["bad_to_bad"] = classification.BadToBad
	})

	return true, "lossmap rendered"
}

func (t *lossmapTask) binarizedStates(station, csvPath string) (map[[2]int]transforms.BinaryState, int, int, *errors.AppError) {
	table, appErr := tabular.ReadDefectTable(csvPath, 0)
	if appErr != nil {
		return nil, 0, 0, appErr
	}
	axis := transforms.Axis(t.p.stations.FlipConfig[station])
	maxRow, maxCol := tabular.MaxExtent(table)
	if rule, ok := t.p.stations.SampleRules[station]; ok {
		table = transforms.ApplyMask(table, rule.Mask)
	}
	table = transforms.Flip(table, axis, maxRow, maxCol)
	return transforms.Binarize(table, t.p.stations.DefectRules), maxRow, maxCol, nil
}
