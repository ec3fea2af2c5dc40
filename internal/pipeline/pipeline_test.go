package pipeline

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/dbmplus/dbmorc/pkg/catalog"
	"github.com/dbmplus/dbmorc/pkg/errors"
	"github.com/dbmplus/dbmorc/pkg/eventbus"
	"github.com/dbmplus/dbmorc/pkg/pathbuilder"
	"github.com/dbmplus/dbmorc/pkg/transforms"
	"github.com/dbmplus/dbmorc/pkg/types"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
)

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)
	return logger
}

// fakeRenderer records render calls instead of touching the filesystem, so
// pipeline tests can assert a render happened without decoding PNGs.
type fakeRenderer struct {
	defectMapCalls int
	barChartCalls  int
	failDefectMap  bool
	failBarChart   bool
}

func (f *fakeRenderer) RenderDefectMap(path string, states map[[2]int]transforms.BinaryState, maxRow, maxCol int) *errors.AppError {
	f.defectMapCalls++
	if f.failDefectMap {
		return errors.RenderFailure("fakeRenderer", "forced failure")
	}
	return nil
}

func (f *fakeRenderer) RenderBarChart(path string, labels []string, values []float64) *errors.AppError {
	f.barChartCalls++
	if f.failBarChart {
		return errors.RenderFailure("fakeRenderer", "forced failure")
	}
	return nil
}

// testPipeline bundles a Pipeline with its dependencies for assertions.
type testPipeline struct {
	*Pipeline
	cat      *catalog.Catalog
	paths    *pathbuilder.PathBuilder
	render   *fakeRenderer
	bus      *eventbus.Bus
	base     string
}

func newTestPipeline(t *testing.T, stations types.StationsConfig) *testPipeline {
	t.Helper()
	base := t.TempDir()
	cat := catalog.New(testLogger(), filepath.Join(base, "catalog.json"))
	paths := pathbuilder.New(base, types.StructureConfig{})
	render := &fakeRenderer{}
	bus := eventbus.New(testLogger())
	t.Cleanup(bus.Close)

	p := New(testLogger(), cat, paths, stations, render, bus, base)
	return &testPipeline{Pipeline: p, cat: cat, paths: paths, render: render, bus: bus, base: base}
}

// writeAOIFile writes an AOI-shaped CSV ("LINE1_<component>_<ts>.csv") with
// a preamble line before the literal Row,Col,DefectType header, matching
// recipe's reference triples among its data rows.
func writeAOIFile(t *testing.T, dir, componentID string, recipe []types.RecipePoint) string {
	t.Helper()
	require.NoError(t, os.MkdirAll(dir, 0o755))
	path := filepath.Join(dir, "LINE1_"+componentID+"_202601150930.csv")

	content := "AOI Export Preamble\nRow,Col,DefectType\n"
	for _, p := range recipe {
		content += itoa(p.Row) + "," + itoa(p.Col) + "," + p.DefectType + "\n"
	}
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

// writeStrippedCSV writes an already-stripped CSV (header at line 0), the
// shape found under processed_csv/.
func writeStrippedCSV(t *testing.T, dir, componentID string, rows [][3]string) string {
	t.Helper()
	require.NoError(t, os.MkdirAll(dir, 0o755))
	path := filepath.Join(dir, componentID+".csv")
	content := "Row,Col,DefectType\n"
	for _, r := range rows {
		content += r[0] + "," + r[1] + "," + r[2] + "\n"
	}
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var digits []byte
	for n > 0 {
		digits = append([]byte{byte('0' + n%10)}, digits...)
		n /= 10
	}
	if neg {
		return "-" + string(digits)
	}
	return string(digits)
}

func defaultStations() types.StationsConfig {
	return types.StationsConfig{
		StationOrder: map[string][]string{"P1": {"ST1", "ST2"}},
		StationRecipe: map[string][]types.RecipePoint{
			"ST1": {{Row: 0, Col: 0, DefectType: "none"}},
			"ST2": {{Row: 0, Col: 0, DefectType: "none"}},
		},
		DefectRules: types.DefectRules{Good: []string{"none"}, Bad: []string{"scratch"}},
	}
}
