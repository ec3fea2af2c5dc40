// Package pathbuilder resolves every storage path from a fixed layout
// under base_path (<base>/<product>/<kind>/<lot>/...), so the rest of the
// codebase never hand-formats a storage path. The template strings in
// config.StructureConfig are not read; the layout is the same whatever
// they say.
package pathbuilder

import (
	"fmt"
	"path/filepath"

	"github.com/dbmplus/dbmorc/pkg/types"
)

// PathBuilder resolves the canonical on-disk location of every artifact
// the catalog tracks, given the base path from config.
type PathBuilder struct {
	base string
}

// New constructs a PathBuilder over base_path. The template fields in
// StructureConfig are currently fixed-shape (product/lot/station/component
// directories under base); this constructor exists so a future
// operator-provided template format has exactly one place to change.
func New(base string, _ types.StructureConfig) *PathBuilder {
	return &PathBuilder{base: base}
}

// CSVDir returns `<base>/<product>/csv/<lot>/<station>`.
func (p *PathBuilder) CSVDir(product, lot, station string) string {
	return filepath.Join(p.base, product, "csv", lot, station)
}

// ProcessedCSVDir returns `<base>/<product>/processed_csv/<lot>/<station>`.
func (p *PathBuilder) ProcessedCSVDir(product, lot, station string) string {
	return filepath.Join(p.base, product, "processed_csv", lot, station)
}

// OrgDir returns `<base>/<product>/org/<lot>/<station>`.
func (p *PathBuilder) OrgDir(product, lot, station string) string {
	return filepath.Join(p.base, product, "org", lot, station)
}

// ROIDir returns `<base>/<product>/roi/<lot>/<station>`.
func (p *PathBuilder) ROIDir(product, lot, station string) string {
	return filepath.Join(p.base, product, "roi", lot, station)
}

// OrgComponentDir returns `<base>/<product>/org/<lot>/<station>/<component>`,
// the directory the path-readiness state machine inspects for org artifacts.
func (p *PathBuilder) OrgComponentDir(product, lot, station, component string) string {
	return filepath.Join(p.OrgDir(product, lot, station), component)
}

// ROIComponentDir returns `<base>/<product>/roi/<lot>/<station>/<component>`,
// the directory the path-readiness state machine inspects for ROI artifacts.
func (p *PathBuilder) ROIComponentDir(product, lot, station, component string) string {
	return filepath.Join(p.ROIDir(product, lot, station), component)
}

// BasemapDir returns `<base>/<product>/map/<lot>/<station>`, the directory
// move_files relocates a component's basemap PNG into under the "map"
// file type.
func (p *PathBuilder) BasemapDir(product, lot, station string) string {
	return filepath.Join(p.base, product, "map", lot, station)
}

// IncomingDir returns `<base>/<product>/incoming`. The FileWatcher does
// not use it; it scans the directories in monitoring.incoming_dirs.
func (p *PathBuilder) IncomingDir(product string) string {
	return filepath.Join(p.base, product, "incoming")
}

// BasemapPath returns `<base>/<product>/map/<lot>/<station>/<component>.png`.
func (p *PathBuilder) BasemapPath(product, lot, station, component string) string {
	return filepath.Join(p.base, product, "map", lot, station, component+".png")
}

// LossmapPath returns `<base>/<product>/map/<lot>/LOSS{idx}/<component>.png`.
// idx is the destination station's position in the product's station_order
// (callers never call this for the first station — lossmap is rejected
// there, having no predecessor to compare against).
func (p *PathBuilder) LossmapPath(product, lot string, idx int, component string) string {
	return filepath.Join(p.base, product, "map", lot, fmt.Sprintf("LOSS%d", idx), component+".png")
}

// FPYPath returns `<base>/<product>/map/<lot>/FPY/<component>.png`.
func (p *PathBuilder) FPYPath(product, lot, component string) string {
	return filepath.Join(p.base, product, "map", lot, "FPY", component+".png")
}

// FPYSummaryPath returns the lot-and-station-level FPY summary CSV path,
// `<base>/<product>/map/<lot>/FPY/summary_<station>.csv`.
func (p *PathBuilder) FPYSummaryPath(product, lot, station string) string {
	return filepath.Join(p.base, product, "map", lot, "FPY", fmt.Sprintf("summary_%s.csv", station))
}

// FPYChartPath returns the lot-and-station-level FPY bar-chart PNG path,
// `<base>/<product>/map/<lot>/FPY/summary_<station>.png`.
func (p *PathBuilder) FPYChartPath(product, lot, station string) string {
	return filepath.Join(p.base, product, "map", lot, "FPY", fmt.Sprintf("summary_%s.png", station))
}
