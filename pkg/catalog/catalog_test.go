package catalog

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/dbmplus/dbmorc/pkg/types"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)
	return logger
}

// TestEnsureLotNoCollision tests that a first-seen lot keeps its original id.
func TestEnsureLotNoCollision(t *testing.T) {
	cat := New(testLogger(), "")
	lot := cat.EnsureLot("P1", "LOT001")
	assert.Equal(t, "LOT001", lot.LotID)
	assert.Equal(t, "LOT001", lot.OriginalLotID)
}

// TestEnsureLotCollisionAcrossProducts tests the prefixed internal id when
// the same original lot id is used by a second product.
func TestEnsureLotCollisionAcrossProducts(t *testing.T) {
	cat := New(testLogger(), "")
	first := cat.EnsureLot("P1", "LOT001")
	second := cat.EnsureLot("P2", "LOT001")

	assert.Equal(t, "LOT001", first.LotID)
	assert.Equal(t, "P2_LOT001", second.LotID)
	assert.Equal(t, "LOT001", second.OriginalLotID)
}

// TestEnsureLotIsIdempotent tests that re-ensuring the same lot returns the
// same record without reassigning an internal id.
func TestEnsureLotIsIdempotent(t *testing.T) {
	cat := New(testLogger(), "")
	first := cat.EnsureLot("P1", "LOT001")
	cat.EnsureLot("P2", "LOT001")
	again := cat.EnsureLot("P1", "LOT001")
	assert.Same(t, first, again)
}

// TestAddComponentRejectsDuplicate tests AddComponent's existence check.
func TestAddComponentRejectsDuplicate(t *testing.T) {
	cat := New(testLogger(), "")
	_, err := cat.AddComponent("P1", "LOT001", "ST1", "C1")
	require.Nil(t, err)

	_, err = cat.AddComponent("P1", "LOT001", "ST1", "C1")
	require.NotNil(t, err)
	assert.Equal(t, "COMPONENT_EXISTS", err.Code)
}

// TestEnsureComponentCreatesOnce tests EnsureComponent's create-or-return.
func TestEnsureComponentCreatesOnce(t *testing.T) {
	cat := New(testLogger(), "")
	key := types.ComponentKey{ProductID: "P1", LotID: "LOT001", Station: "ST1", ComponentID: "C1"}

	comp := cat.EnsureComponent(key)
	require.NotNil(t, comp)
	again := cat.EnsureComponent(key)
	assert.Same(t, comp, again)
}

// TestUpdateComponentMutatesUnderLock tests UpdateComponent applies mutate
// and bumps UpdatedAt, returning false for an unknown key.
func TestUpdateComponentMutatesUnderLock(t *testing.T) {
	cat := New(testLogger(), "")
	key := types.ComponentKey{ProductID: "P1", LotID: "LOT001", Station: "ST1", ComponentID: "C1"}
	cat.EnsureComponent(key)

	ok := cat.UpdateComponent(key, func(c *types.Component) { c.CSVPath = "/a/b.csv" })
	assert.True(t, ok)
	assert.Equal(t, "/a/b.csv", cat.GetComponent(key).CSVPath)

	missing := types.ComponentKey{ProductID: "nope"}
	assert.False(t, cat.UpdateComponent(missing, func(c *types.Component) {}))
}

// TestRemoveComponent tests removal and its boolean existence return.
func TestRemoveComponent(t *testing.T) {
	cat := New(testLogger(), "")
	key := types.ComponentKey{ProductID: "P1", LotID: "LOT001", Station: "ST1", ComponentID: "C1"}
	cat.EnsureComponent(key)

	assert.True(t, cat.RemoveComponent(key))
	assert.Nil(t, cat.GetComponent(key))
	assert.False(t, cat.RemoveComponent(key))
}

// TestMoveComponentReKeysToTargetProduct tests that MoveComponent re-keys
// the catalog entry so owning_product tracks the new product, and that the
// old key no longer resolves.
func TestMoveComponentReKeysToTargetProduct(t *testing.T) {
	cat := New(testLogger(), "")
	oldKey := types.ComponentKey{ProductID: "P1", LotID: "L1", Station: "ST1", ComponentID: "C1"}
	cat.EnsureComponent(oldKey)

	moved, newKey, ok := cat.MoveComponent(oldKey, "P2")
	require.True(t, ok)
	assert.Equal(t, types.ComponentKey{ProductID: "P2", LotID: "L1", Station: "ST1", ComponentID: "C1"}, newKey)
	assert.Equal(t, "P2", moved.ProductID)

	assert.Nil(t, cat.GetComponent(oldKey))
	assert.Same(t, moved, cat.GetComponent(newKey))
}

// TestMoveComponentUnknownKeyReturnsFalse tests the missing-component guard.
func TestMoveComponentUnknownKeyReturnsFalse(t *testing.T) {
	cat := New(testLogger(), "")
	_, _, ok := cat.MoveComponent(types.ComponentKey{ProductID: "P1", LotID: "L1", Station: "ST1", ComponentID: "C1"}, "P2")
	assert.False(t, ok)
}

// TestMoveComponentSameProductIsNoOp tests that moving to the component's
// current product leaves its key unchanged.
func TestMoveComponentSameProductIsNoOp(t *testing.T) {
	cat := New(testLogger(), "")
	key := types.ComponentKey{ProductID: "P1", LotID: "L1", Station: "ST1", ComponentID: "C1"}
	cat.EnsureComponent(key)

	_, newKey, ok := cat.MoveComponent(key, "P1")
	require.True(t, ok)
	assert.Equal(t, key, newKey)
}

// TestValidateStationOrderReportsMissingAndExtra tests the comparison logic
// between configured and observed stations.
func TestValidateStationOrderReportsMissingAndExtra(t *testing.T) {
	cat := New(testLogger(), "")
	cat.EnsureComponent(types.ComponentKey{ProductID: "P1", LotID: "L1", Station: "AOI", ComponentID: "C1"})
	cat.EnsureComponent(types.ComponentKey{ProductID: "P1", LotID: "L1", Station: "SPI", ComponentID: "C1"})

	report := cat.ValidateStationOrder("P1", []string{"AOI", "REFLOW"})
	assert.False(t, report.OK)
	assert.Contains(t, report.Missing, "REFLOW")
	assert.Contains(t, report.Extra, "SPI")
}

// TestValidateStationOrderOKWhenMatching tests the all-clear case.
func TestValidateStationOrderOKWhenMatching(t *testing.T) {
	cat := New(testLogger(), "")
	cat.EnsureComponent(types.ComponentKey{ProductID: "P1", LotID: "L1", Station: "AOI", ComponentID: "C1"})

	report := cat.ValidateStationOrder("P1", []string{"AOI"})
	assert.True(t, report.OK)
	assert.Empty(t, report.Missing)
	assert.Empty(t, report.Extra)
}

// TestRepairLotKeysIsAdditiveAndIdempotent tests RepairLotKeys only adds
// missing entries and never touches existing ones.
func TestRepairLotKeysIsAdditiveAndIdempotent(t *testing.T) {
	cat := New(testLogger(), "")
	cat.EnsureLot("P1", "LOT001")

	// Simulate a persisted lotKeys map missing an entry for a lot that
	// exists in c.lots (as Load() would leave it after a partial cache).
	delete(cat.lotKeys, lotKeysKey("P1", "LOT001"))

	repaired := cat.RepairLotKeys()
	assert.Equal(t, 1, repaired)
	assert.Equal(t, "LOT001", cat.lotKeys[lotKeysKey("P1", "LOT001")])

	// Running again finds nothing left to repair.
	assert.Equal(t, 0, cat.RepairLotKeys())
}

// TestRepairLotKeysFallbackDerivesOriginalLotID tests the last-resort
// prefix-stripping fallback for a lot with no OriginalLotID.
func TestRepairLotKeysFallbackDerivesOriginalLotID(t *testing.T) {
	cat := New(testLogger(), "")
	cat.lots["P1_LOT002"] = &types.Lot{LotID: "P1_LOT002", ProductID: "P1"}

	cat.RepairLotKeys()
	assert.Equal(t, "LOT002", cat.lots["P1_LOT002"].OriginalLotID)
}

// TestSaveAndLoadRoundTrip tests that persisting and reloading the catalog
// preserves products, lots, lot keys, and components.
func TestSaveAndLoadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	cachePath := filepath.Join(dir, "db_cache.json")

	cat := New(testLogger(), cachePath)
	cat.EnsureLot("P1", "LOT001")
	cat.EnsureComponent(types.ComponentKey{ProductID: "P1", LotID: "LOT001", Station: "AOI", ComponentID: "C1"})

	require.Nil(t, cat.Save())

	reloaded := New(testLogger(), cachePath)
	require.Nil(t, reloaded.Load())

	assert.NotNil(t, reloaded.GetProduct("P1"))
	assert.NotNil(t, reloaded.GetLot("LOT001"))
	comp := reloaded.GetComponent(types.ComponentKey{ProductID: "P1", LotID: "LOT001", Station: "AOI", ComponentID: "C1"})
	require.NotNil(t, comp)
	assert.Equal(t, "C1", comp.ComponentID)
}

// TestLoadMissingFileIsNotAnError tests Load's fresh-install behavior.
func TestLoadMissingFileIsNotAnError(t *testing.T) {
	cat := New(testLogger(), filepath.Join(t.TempDir(), "missing.json"))
	assert.Nil(t, cat.Load())
	assert.Empty(t, cat.GetProducts())
}

// TestLoadCorruptFileReturnsCacheCorrupt tests Load's malformed-JSON path.
func TestLoadCorruptFileReturnsCacheCorrupt(t *testing.T) {
	dir := t.TempDir()
	cachePath := filepath.Join(dir, "db_cache.json")
	require.NoError(t, os.WriteFile(cachePath, []byte("{not valid json"), 0o644))

	cat := New(testLogger(), cachePath)
	err := cat.Load()
	require.NotNil(t, err)
	assert.Equal(t, "CACHE_CORRUPT", err.Code)
}

// TestRescanAllPreservesLotKeys tests that RescanAll rebuilds entities but
// keeps the previously resolved lotKeys map intact.
func TestRescanAllPreservesLotKeys(t *testing.T) {
	cat := New(testLogger(), "")
	cat.EnsureLot("P1", "LOT001")
	cat.EnsureLot("P2", "LOT001")

	cat.RescanAll(func(add func(productID, originalLotID, station, componentID string)) {
		add("P1", "LOT001", "AOI", "C1")
	})

	assert.Equal(t, "P2_LOT001", cat.lotKeys[lotKeysKey("P2", "LOT001")])
	assert.Len(t, cat.GetProducts(), 1)
}
