// Package scanner implements C2: the filesystem scanner that walks
// <root>/<product>/csv/<lot>/<station>/*.csv and the mirrored
// processed_csv tree, and probes for each component's org/basemap/
// lossmap/fpy artifacts. Grounded on the teacher's internal/monitors
// directory-resolution shape (resolveFilePaths' include/exclude
// precedence), generalized here to the fixed product/csv/lot/station
// storage layout instead of arbitrary watch directories.
package scanner

import (
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/sirupsen/logrus"
)

// componentFilePattern matches a stripped, per-component CSV filename:
// "<component_id>.csv" (produced by internal/headerstrip).
var componentFilePattern = regexp.MustCompile(`^([A-Za-z0-9]+)\.csv$`)

// aoiRawPattern matches a raw AOI CSV dropped by the inspection tool:
// "<device>_<component_id>_<yyyymmddhhmm>.csv".
var aoiRawPattern = regexp.MustCompile(`^[A-Z0-9]+_([A-Z0-9]+)_\d{12}\.csv$`)

// ParseIncomingPath recovers (product, lot, station, component) identity
// from a path the FileWatcher reports, given the storage root it shares
// with the Scanner. Incoming files land at
// <root>/<product>/processed_csv/<lot>/<station>/<aoi-filename>, the same
// layout walkTree already expects; this just runs that layout in
// reverse instead of walking it.
func ParseIncomingPath(root, path string) (productID, lotID, station, componentID string, ok bool) {
	rel, err := filepath.Rel(root, path)
	if err != nil {
		return "", "", "", "", false
	}
	parts := strings.Split(filepath.ToSlash(rel), "/")
	if len(parts) != 5 || parts[1] != "processed_csv" {
		return "", "", "", "", false
	}
	filename := parts[4]
	m := aoiRawPattern.FindStringSubmatch(filename)
	if m == nil {
		m = componentFilePattern.FindStringSubmatch(filename)
	}
	if m == nil {
		return "", "", "", "", false
	}
	return parts[0], parts[2], parts[3], m[1], true
}

// Finding is one component discovered under a (product, lot, station)
// directory, with whatever artifact paths are present probed in.
type Finding struct {
	ProductID   string
	OriginalLot string
	Station     string
	ComponentID string

	CSVPath         string
	OriginalCSVPath string
	OrgPath         string
	BasemapPath     string
	LossmapPath     string
	FPYPath         string
}

// Scanner walks the storage root and reports Findings.
type Scanner struct {
	logger *logrus.Logger
	root   string
}

// New constructs a Scanner rooted at base_path.
func New(logger *logrus.Logger, basePath string) *Scanner {
	return &Scanner{logger: logger, root: basePath}
}

// ScanAll walks every product directory under the root and invokes visit
// once per discovered component-at-station.
func (s *Scanner) ScanAll(visit func(Finding)) error {
	products, err := listDirs(s.root)
	if err != nil {
		return err
	}
	for _, product := range products {
		s.ScanProduct(product, visit)
	}
	return nil
}

// ScanProduct walks one product's csv/ and processed_csv/ trees.
func (s *Scanner) ScanProduct(productID string, visit func(Finding)) {
	s.walkTree(productID, "csv", visit)
	s.walkTree(productID, "processed_csv", visit)
}

func (s *Scanner) walkTree(productID, treeName string, visit func(Finding)) {
	treeRoot := filepath.Join(s.root, productID, treeName)
	lots, err := listDirs(treeRoot)
	if err != nil {
		return
	}
	for _, lot := range lots {
		stations, err := listDirs(filepath.Join(treeRoot, lot))
		if err != nil {
			continue
		}
		for _, station := range stations {
			stationDir := filepath.Join(treeRoot, lot, station)
			entries, err := os.ReadDir(stationDir)
			if err != nil {
				continue
			}
			for _, entry := range entries {
				if entry.IsDir() {
					continue
				}
				m := componentFilePattern.FindStringSubmatch(entry.Name())
				if m == nil {
					continue
				}
				componentID := m[1]
				f := Finding{
					ProductID:   productID,
					OriginalLot: lot,
					Station:     station,
					ComponentID: componentID,
				}
				path := filepath.Join(stationDir, entry.Name())
				if treeName == "processed_csv" {
					f.OriginalCSVPath = path
				} else {
					f.CSVPath = path
				}
				s.probeArtifacts(&f)
				visit(f)
			}
		}
	}
}

// probeArtifacts fills in org/basemap/lossmap/fpy paths if they exist on
// disk, per spec §4.2's layout:
//
//	org:      <base>/<product>/org/<lot>/<station>/<component>.*
//	basemap:  <base>/<product>/map/<lot>/<station>/<component>.png
//	lossmap:  <base>/<product>/map/<lot>/LOSS{idx}/<component>.png
//	fpy:      <base>/<product>/map/<lot>/FPY/<component>.png
//
// idx for the lossmap probe is derived by the caller (internal/pipeline),
// which knows the configured station_order; the scanner itself probes all
// LOSS* directories it finds rather than requiring that context.
func (s *Scanner) probeArtifacts(f *Finding) {
	orgDir := filepath.Join(s.root, f.ProductID, "org", f.OriginalLot, f.Station)
	if p, ok := findWithPrefix(orgDir, f.ComponentID); ok {
		f.OrgPath = p
	}

	basemapPath := filepath.Join(s.root, f.ProductID, "map", f.OriginalLot, f.Station, f.ComponentID+".png")
	if fileExists(basemapPath) {
		f.BasemapPath = basemapPath
	}

	mapLotDir := filepath.Join(s.root, f.ProductID, "map", f.OriginalLot)
	if lossDirs, err := listDirs(mapLotDir); err == nil {
		for _, d := range lossDirs {
			if strings.HasPrefix(d, "LOSS") {
				p := filepath.Join(mapLotDir, d, f.ComponentID+".png")
				if fileExists(p) {
					f.LossmapPath = p
					break
				}
			}
		}
	}

	fpyPath := filepath.Join(mapLotDir, "FPY", f.ComponentID+".png")
	if fileExists(fpyPath) {
		f.FPYPath = fpyPath
	}
}

func listDirs(root string) ([]string, error) {
	entries, err := os.ReadDir(root)
	if err != nil {
		return nil, err
	}
	var out []string
	for _, e := range entries {
		if e.IsDir() {
			out = append(out, e.Name())
		}
	}
	return out, nil
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}

func findWithPrefix(dir, prefix string) (string, bool) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return "", false
	}
	for _, e := range entries {
		if !e.IsDir() && strings.HasPrefix(e.Name(), prefix) {
			return filepath.Join(dir, e.Name()), true
		}
	}
	return "", false
}
