package pipeline

import (
	"context"
	"fmt"
	"os"
	"strings"
	"testing"

	"github.com/dbmplus/dbmorc/pkg/types"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestFPYParallelTaskMatchesSerialResultAcrossManyComponents tests that
// fanning components out across the bounded worker pool still produces one
// summary row and one render per component, regardless of pool sizing.
func TestFPYParallelTaskMatchesSerialResultAcrossManyComponents(t *testing.T) {
	tp := newTestPipeline(t, singleStationConfig())
	dir := tp.paths.ProcessedCSVDir("P1", "L1", "ST1")

	const n = 12
	for i := 0; i < n; i++ {
		componentID := fmt.Sprintf("C%03d", i)
		csvPath := writeStrippedCSV(t, dir, componentID, [][3]string{{"0", "0", "none"}})
		key := types.ComponentKey{ProductID: "P1", LotID: "L1", Station: "ST1", ComponentID: componentID}
		tp.cat.EnsureComponent(key)
		tp.cat.UpdateComponent(key, func(c *types.Component) { c.CSVPath = csvPath })
	}

	task := &types.ProcessingTask{ProductID: "P1", LotID: "L1", Station: "ST1"}
	runnable, appErr := tp.newFPYParallelTask(task)
	require.Nil(t, appErr)

	ok, msg := runnable.Run(context.Background())
	assert.True(t, ok)
	assert.Contains(t, msg, fmt.Sprintf("%d/%d", n, n))
	assert.Equal(t, n, tp.render.defectMapCalls)
	assert.Equal(t, 1, tp.render.barChartCalls)

	summaryPath := tp.paths.FPYSummaryPath("P1", "L1", "ST1")
	parallelSummary, err := os.ReadFile(summaryPath)
	require.NoError(t, err)
	assert.Len(t, strings.Split(strings.TrimSpace(string(parallelSummary)), "\n"), n+1)

	serial, appErr := tp.newFPYTask(task)
	require.Nil(t, appErr)
	ok, _ = serial.Run(context.Background())
	require.True(t, ok)
	serialSummary, err := os.ReadFile(summaryPath)
	require.NoError(t, err)
	assert.Equal(t, string(serialSummary), string(parallelSummary))
}

// TestFPYParallelTaskNoComponentsIsNotAnError tests the zero-components
// short circuit, which skips the worker pool entirely.
func TestFPYParallelTaskNoComponentsIsNotAnError(t *testing.T) {
	tp := newTestPipeline(t, singleStationConfig())
	task := &types.ProcessingTask{ProductID: "P1", LotID: "L1", Station: "ST1"}
	runnable, appErr := tp.newFPYParallelTask(task)
	require.Nil(t, appErr)

	ok, msg := runnable.Run(context.Background())
	assert.True(t, ok)
	assert.Contains(t, msg, "no components")
}

// TestFPYParallelTaskFailsWhenNoStationOrderConfigured mirrors the serial
// task's missing-config guard.
func TestFPYParallelTaskFailsWhenNoStationOrderConfigured(t *testing.T) {
	tp := newTestPipeline(t, types.StationsConfig{})
	task := &types.ProcessingTask{ProductID: "P1", LotID: "L1", Station: "ST1"}
	runnable, appErr := tp.newFPYParallelTask(task)
	require.Nil(t, appErr)

	ok, _ := runnable.Run(context.Background())
	assert.False(t, ok)
}
