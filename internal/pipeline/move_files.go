package pipeline

import (
	"fmt"
	"os"
	"path/filepath"

	"context"

	"github.com/dbmplus/dbmorc/pkg/errors"
	"github.com/dbmplus/dbmorc/pkg/readiness"
	"github.com/dbmplus/dbmorc/pkg/taskengine"
	"github.com/dbmplus/dbmorc/pkg/types"
)

// componentPathAndTarget returns the current value of one of a
// component's path fields, and the target directory move_files should
// relocate it into under targetProduct — the product a cross-product move
// is landing the artifact in, which may differ from the component's
// current (source) product.
func (p *Pipeline) componentPathAndTarget(c *types.Component, fileType, targetProduct string) (current, targetDir string) {
	switch fileType {
	case "org":
		return c.OrgPath, p.paths.OrgDir(targetProduct, c.LotID, c.Station)
	case "roi":
		return c.ROIPath, p.paths.ROIDir(targetProduct, c.LotID, c.Station)
	case "csv":
		return c.CSVPath, p.paths.ProcessedCSVDir(targetProduct, c.LotID, c.Station)
	case "map":
		return c.BasemapPath, p.paths.BasemapDir(targetProduct, c.LotID, c.Station)
	default:
		return "", ""
	}
}

// readinessComponentDir returns the source-side `.../<file_type>/<lot>/<station>/<component>`
// directory the path-readiness state machine inspects before moving org or
// roi artifacts, per spec §4.10 — readiness is about whether the
// component's *source* subtree is fully materialized, not the target.
func (p *Pipeline) readinessComponentDir(c *types.Component, fileType string) string {
	switch fileType {
	case "org":
		return p.paths.OrgComponentDir(c.ProductID, c.LotID, c.Station, c.ComponentID)
	case "roi":
		return p.paths.ROIComponentDir(c.ProductID, c.LotID, c.Station, c.ComponentID)
	default:
		return ""
	}
}

// moveOneFileType moves a single file_type's artifact for one component
// into its canonical target directory under targetProduct. For org/roi it
// first consults the path-readiness state machine; csv and map are always
// attempted immediately, per spec §4.7. The returned outcome string is
// one of the readiness states ("partial", "base", "absent"), "moved", or
// "error" (the error text itself is returned as message) — used by batch_move_files and the migration engine to
// route MoveFailure(PartialPath) into the ReadinessMonitor or RetryQueue.
func (p *Pipeline) moveOneFileType(key types.ComponentKey, fileType, targetProduct string) (ok bool, message, outcome string) {
	comp := p.catalog.GetComponent(key)
	if comp == nil {
		return false, "component not found", "error"
	}

	if fileType == "org" || fileType == "roi" {
		dir := p.readinessComponentDir(comp, fileType)
		if state := readiness.Check(dir); state != readiness.Complete {
			return false, "not ready: " + string(state), string(state)
		}
	}

	current, targetDir := p.componentPathAndTarget(comp, fileType, targetProduct)
	if current == "" {
		return false, fmt.Sprintf("no %s path recorded for component", fileType), "absent"
	}
	if _, err := os.Stat(current); err != nil {
		return false, fmt.Sprintf("source missing: %v", err), "absent"
	}

	if err := os.MkdirAll(targetDir, 0o755); err != nil {
		return false, err.Error(), "error"
	}
	target := filepath.Join(targetDir, filepath.Base(current))

	if err := os.Rename(current, target); err != nil {
		return false, err.Error(), "error"
	}

	p.catalog.UpdateComponent(key, func(c *types.Component) {
		switch fileType {
		case "org":
			c.OrgPath = target
		case "roi":
			c.ROIPath = target
		case "csv":
			c.CSVPath = target
		case "map":
			c.BasemapPath = target
		}
	})

	return true, "moved", "moved"
}

type moveFilesTask struct {
	p             *Pipeline
	key           types.ComponentKey
	targetProduct string
	fileTypes     []string

	details map[string]string
}

func (p *Pipeline) newMoveFilesTask(task *types.ProcessingTask) (taskengine.Runnable, *errors.AppError) {
	fileTypes := stringSliceParam(task.Params, "file_types")
	if len(fileTypes) == 0 {
		return nil, errors.New("MISSING_PARAM", "pipeline", "newMoveFilesTask", "file_types param is required and must be non-empty")
	}
	targetProduct, appErr := stringParam(task.Params, "target_product")
	if appErr != nil {
		// Immediate moves within the component's own product subtree are
		// still valid (no owning-product change requested); default to
		// the task's own product in that case.
		targetProduct = task.ProductID
	}
	return &moveFilesTask{
		p: p,
		key: types.ComponentKey{
			ProductID: task.ProductID, LotID: task.LotID, Station: task.Station, ComponentID: task.ComponentID,
		},
		targetProduct: targetProduct,
		fileTypes:     fileTypes,
		details:       make(map[string]string),
	}, nil
}

// Details implements taskengine.DetailedRunnable, relaying each requested
// file type's readiness/move outcome.
func (t *moveFilesTask) Details() map[string]string {
	return t.details
}

// Run attempts every requested file type and, once all succeed and the
// target product differs from the component's current owning product,
// re-keys the catalog entry so component.owning_product == target_product
// (invariant §7#8).
func (t *moveFilesTask) Run(ctx context.Context) (bool, string) {
	succeeded, failed := 0, 0
	var failures []string
	for _, ft := range t.fileTypes {
		ok, msg, outcome := t.p.moveOneFileType(t.key, ft, t.targetProduct)
		t.details[ft] = outcome
		if ok {
			succeeded++
		} else {
			failed++
			failures = append(failures, fmt.Sprintf("%s: %s", ft, msg))
		}
	}

	if failed == 0 {
		if comp := t.p.catalog.GetComponent(t.key); comp != nil && comp.ProductID != t.targetProduct {
			if _, newKey, ok := t.p.catalog.MoveComponent(t.key, t.targetProduct); ok {
				t.key = newKey
			}
		}
	}

	summary := fmt.Sprintf("success %d/%d", succeeded, succeeded+failed)
	if failed > 0 {
		summary += fmt.Sprintf("; failures: %v", failures)
	}
	return failed == 0, summary
}
