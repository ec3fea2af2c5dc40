// Package catalog implements C1: the in-memory index of
// Product -> Lot -> Station -> Component, with collision-resolved lot ids
// and a JSON-persisted cache so a restart doesn't require a full
// filesystem rescan.
package catalog

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/dbmplus/dbmorc/pkg/errors"
	"github.com/dbmplus/dbmorc/pkg/types"

	"github.com/sirupsen/logrus"
)

// Catalog is the process-wide catalog. All state is guarded by mu, per
// spec §9's "four pieces of global mutable state, each mutex-protected."
type Catalog struct {
	logger    *logrus.Logger
	cachePath string

	mu         sync.RWMutex
	products   map[string]*types.Product
	lots       map[string]*types.Lot                 // keyed by internal lot_id
	lotKeys    map[string]string                      // "product_id\x00original_lot_id" -> internal lot_id, authoritative
	components map[types.ComponentKey]*types.Component
}

// New constructs an empty Catalog. Call Load (or RescanAll) before use if
// a persisted cache exists.
func New(logger *logrus.Logger, cachePath string) *Catalog {
	return &Catalog{
		logger:     logger,
		cachePath:  cachePath,
		products:   make(map[string]*types.Product),
		lots:       make(map[string]*types.Lot),
		lotKeys:    make(map[string]string),
		components: make(map[types.ComponentKey]*types.Component),
	}
}

func lotKeysKey(productID, originalLotID string) string {
	return productID + "\x00" + originalLotID
}

// resolveLotID applies the collision-resolution scheme: if originalLotID
// is already used as an internal id by a *different* product, the new
// lot's internal id becomes "{product_id}_{original}"; otherwise the
// original id is used unchanged as the internal id. The lotKeys map is
// consulted first (authoritative); this derivation only fires for a lot
// this catalog has never seen before.
func (c *Catalog) resolveLotID(productID, originalLotID string) string {
	if internal, ok := c.lotKeys[lotKeysKey(productID, originalLotID)]; ok {
		return internal
	}
	if existing, ok := c.lots[originalLotID]; ok && existing.ProductID != productID {
		return fmt.Sprintf("%s_%s", productID, originalLotID)
	}
	return originalLotID
}

// EnsureLot registers (or returns) the Lot for (productID, originalLotID),
// resolving id collisions across products.
func (c *Catalog) EnsureLot(productID, originalLotID string) *types.Lot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ensureLotLocked(productID, originalLotID)
}

func (c *Catalog) ensureLotLocked(productID, originalLotID string) *types.Lot {
	if _, ok := c.products[productID]; !ok {
		c.products[productID] = &types.Product{ProductID: productID}
	}

	key := lotKeysKey(productID, originalLotID)
	if internal, ok := c.lotKeys[key]; ok {
		if lot, ok := c.lots[internal]; ok {
			return lot
		}
	}

	internalID := c.resolveLotID(productID, originalLotID)
	lot := &types.Lot{LotID: internalID, OriginalLotID: originalLotID, ProductID: productID}
	c.lots[internalID] = lot
	c.lotKeys[key] = internalID
	return lot
}

// GetProducts returns all known products.
func (c *Catalog) GetProducts() []*types.Product {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]*types.Product, 0, len(c.products))
	for _, p := range c.products {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ProductID < out[j].ProductID })
	return out
}

// GetProduct returns one product by id, or nil.
func (c *Catalog) GetProduct(productID string) *types.Product {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.products[productID]
}

// GetLotsByProduct returns all lots under a product, display-ordered by
// original lot id.
func (c *Catalog) GetLotsByProduct(productID string) []*types.Lot {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]*types.Lot, 0)
	for _, lot := range c.lots {
		if lot.ProductID == productID {
			out = append(out, lot)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].OriginalLotID < out[j].OriginalLotID })
	return out
}

// GetLot returns a lot by its internal lot id, or nil.
func (c *Catalog) GetLot(lotID string) *types.Lot {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lots[lotID]
}

// GetStationsByLot returns the distinct station names with at least one
// component recorded under (product, lot), sorted by name.
func (c *Catalog) GetStationsByLot(productID, lotID string) []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	seen := make(map[string]bool)
	var out []string
	for key := range c.components {
		if key.ProductID == productID && key.LotID == lotID && !seen[key.Station] {
			seen[key.Station] = true
			out = append(out, key.Station)
		}
	}
	sort.Strings(out)
	return out
}

// GetComponentsByLotStation returns all components at (product, lot, station).
func (c *Catalog) GetComponentsByLotStation(productID, lotID, station string) []*types.Component {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var out []*types.Component
	for key, comp := range c.components {
		if key.ProductID == productID && key.LotID == lotID && key.Station == station {
			out = append(out, comp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ComponentID < out[j].ComponentID })
	return out
}

// GetComponent returns one component by its identity key, or nil.
func (c *Catalog) GetComponent(key types.ComponentKey) *types.Component {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.components[key]
}

// AddComponent inserts a new component, creating its product/lot if
// necessary. It is an error (CacheCorrupt-adjacent but not fatal to the
// caller) to add a component that already exists; use UpdateComponent.
func (c *Catalog) AddComponent(productID, originalLotID, station, componentID string) (*types.Component, *errors.AppError) {
	c.mu.Lock()
	defer c.mu.Unlock()

	lot := c.ensureLotLocked(productID, originalLotID)
	key := types.ComponentKey{ProductID: productID, LotID: lot.LotID, Station: station, ComponentID: componentID}
	if _, exists := c.components[key]; exists {
		return nil, errors.New("COMPONENT_EXISTS", "catalog", "AddComponent", "component already exists").
			WithMetadata("key", key)
	}
	comp := &types.Component{
		ProductID:   productID,
		LotID:       lot.LotID,
		Station:     station,
		ComponentID: componentID,
		DefectStats: make(map[string]int),
		UpdatedAt:   time.Now(),
	}
	c.components[key] = comp
	return comp, nil
}

// EnsureComponent returns the component at key, creating it if absent,
// along with its product and lot records when those are absent too.
// Unlike AddComponent, this takes the already-resolved internal lot id
// directly and never errors on an existing component — pipeline task
// bodies use this because by the time a task runs, the lot's internal id
// has already been resolved upstream (by the watcher/ingest controller).
func (c *Catalog) EnsureComponent(key types.ComponentKey) *types.Component {
	c.mu.Lock()
	defer c.mu.Unlock()
	if comp, ok := c.components[key]; ok {
		return comp
	}
	if _, ok := c.products[key.ProductID]; !ok {
		c.products[key.ProductID] = &types.Product{ProductID: key.ProductID}
	}
	if _, ok := c.lots[key.LotID]; !ok {
		c.lots[key.LotID] = &types.Lot{LotID: key.LotID, OriginalLotID: key.LotID, ProductID: key.ProductID}
	}
	comp := &types.Component{
		ProductID:   key.ProductID,
		LotID:       key.LotID,
		Station:     key.Station,
		ComponentID: key.ComponentID,
		DefectStats: make(map[string]int),
		UpdatedAt:   time.Now(),
	}
	c.components[key] = comp
	return comp
}

// UpdateComponent applies mutate to the component at key under the
// catalog's lock and bumps UpdatedAt. Returns false if the component
// doesn't exist.
func (c *Catalog) UpdateComponent(key types.ComponentKey, mutate func(*types.Component)) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	comp, ok := c.components[key]
	if !ok {
		return false
	}
	mutate(comp)
	comp.UpdatedAt = time.Now()
	return true
}

// RemoveComponent deletes a component record. Returns false if it didn't exist.
func (c *Catalog) RemoveComponent(key types.ComponentKey) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.components[key]; !ok {
		return false
	}
	delete(c.components, key)
	return true
}

// MoveComponent changes a component's owning product, per invariant §7#8:
// after a cross-product move, component.owning_product must equal the
// move's target product. Since ProductID is part of ComponentKey, this
// re-keys the catalog's component map rather than mutating the field in
// place. Returns the moved component and its new key, or (nil, key, false)
// if oldKey doesn't exist.
func (c *Catalog) MoveComponent(oldKey types.ComponentKey, targetProductID string) (*types.Component, types.ComponentKey, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	comp, ok := c.components[oldKey]
	if !ok {
		return nil, oldKey, false
	}

	newKey := types.ComponentKey{ProductID: targetProductID, LotID: oldKey.LotID, Station: oldKey.Station, ComponentID: oldKey.ComponentID}
	if newKey == oldKey {
		return comp, oldKey, true
	}

	if _, ok := c.products[targetProductID]; !ok {
		c.products[targetProductID] = &types.Product{ProductID: targetProductID}
	}
	if _, ok := c.lots[oldKey.LotID]; !ok {
		c.lots[oldKey.LotID] = &types.Lot{LotID: oldKey.LotID, OriginalLotID: oldKey.LotID, ProductID: targetProductID}
	}

	comp.ProductID = targetProductID
	comp.UpdatedAt = time.Now()
	delete(c.components, oldKey)
	c.components[newKey] = comp
	return comp, newKey, true
}

// ComponentStats returns counts of components by defect-stat key across a
// (product, lot) pair — a simple aggregate over DefectStats.
func (c *Catalog) ComponentStats(productID, lotID string) map[string]int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	totals := make(map[string]int)
	for key, comp := range c.components {
		if key.ProductID != productID || key.LotID != lotID {
			continue
		}
		for k, v := range comp.DefectStats {
			totals[k] += v
		}
	}
	return totals
}

// ValidateStationOrder compares the configured station order for a
// product against the stations actually observed across all of its lots,
// returning a structured report (supplemented feature, grounded in the
// original source's database-manager validation).
func (c *Catalog) ValidateStationOrder(productID string, configuredOrder []string) types.StationOrderReport {
	c.mu.RLock()
	observed := make(map[string]bool)
	for key := range c.components {
		if key.ProductID == productID {
			observed[key.Station] = true
		}
	}
	c.mu.RUnlock()

	configured := make(map[string]bool, len(configuredOrder))
	for _, s := range configuredOrder {
		configured[s] = true
	}

	report := types.StationOrderReport{OK: true}
	for _, s := range configuredOrder {
		if !observed[s] {
			report.Missing = append(report.Missing, s)
			report.OK = false
		}
	}
	var extra []string
	for s := range observed {
		if !configured[s] {
			extra = append(extra, s)
		}
	}
	sort.Strings(extra)
	if len(extra) > 0 {
		report.Extra = extra
		report.OK = false
	}
	return report
}

// LotsForDisplay returns lots under productID as (original_lot_id)
// strings suitable for a UI dropdown — display order, never the internal
// collision-resolved id.
func (c *Catalog) LotsForDisplay(productID string) []string {
	lots := c.GetLotsByProduct(productID)
	out := make([]string, len(lots))
	for i, l := range lots {
		out[i] = l.OriginalLotID
	}
	return out
}

// RepairLotKeys re-derives lot_keys entries for any known lot whose
// (product, original lot id) pair is missing from the persisted lotKeys map —
// a supplemented feature grounded in the original source's fix_lot_ids.py
// intent, implemented as an idempotent, additive reconciliation: existing
// entries are never touched or removed.
func (c *Catalog) RepairLotKeys() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	repaired := 0
	for _, lot := range c.lots {
		key := lotKeysKey(lot.ProductID, lot.OriginalLotID)
		if _, ok := c.lotKeys[key]; !ok {
			c.lotKeys[key] = lot.LotID
			repaired++
		}
	}

	// Fallback derivation for any lot whose OriginalLotID looks unset:
	// split the internal id on "_" and strip the product prefix, per
	// original_source/dbmplus/app/models/data_models.py's
	// LotInfo.__post_init__. This is a last resort only — the lotKeys
	// map above is authoritative whenever present.
	for _, lot := range c.lots {
		if lot.OriginalLotID != "" {
			continue
		}
		prefix := lot.ProductID + "_"
		if strings.HasPrefix(lot.LotID, prefix) {
			lot.OriginalLotID = strings.TrimPrefix(lot.LotID, prefix)
		} else {
			lot.OriginalLotID = lot.LotID
		}
		c.lotKeys[lotKeysKey(lot.ProductID, lot.OriginalLotID)] = lot.LotID
		repaired++
	}
	return repaired
}

// cacheFile is the on-disk JSON shape for the catalog cache
// (data/db_cache.json per spec §6).
type cacheFile struct {
	Products   []*types.Product             `json:"products"`
	Lots       []*types.Lot                 `json:"lots"`
	LotKeys    map[string]string            `json:"lot_keys"`
	Components []*types.Component           `json:"components"`
	SavedAt    time.Time                    `json:"saved_at"`
}

// Save persists the catalog to its JSON cache file, atomically: write to
// a temp file in the same directory, then rename over the target so a
// crash mid-write never leaves a truncated cache (the teacher's
// pkg/persistence writes directly with os.WriteFile; we tighten that
// here since this cache is the catalog's sole durability mechanism).
func (c *Catalog) Save() *errors.AppError {
	c.mu.RLock()
	cf := cacheFile{
		Products: make([]*types.Product, 0, len(c.products)),
		Lots:     make([]*types.Lot, 0, len(c.lots)),
		LotKeys:  make(map[string]string, len(c.lotKeys)),
		SavedAt:  time.Now(),
	}
	for _, p := range c.products {
		cf.Products = append(cf.Products, p)
	}
	for _, l := range c.lots {
		cf.Lots = append(cf.Lots, l)
	}
	for k, v := range c.lotKeys {
		cf.LotKeys[k] = v
	}
	for _, comp := range c.components {
		cf.Components = append(cf.Components, comp)
	}
	c.mu.RUnlock()

	data, err := json.MarshalIndent(cf, "", "  ")
	if err != nil {
		return errors.WrapError(err, "catalog", "Save", "failed to marshal cache")
	}

	dir := filepath.Dir(c.cachePath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return errors.WrapError(err, "catalog", "Save", "failed to create cache directory")
	}

	tmp := c.cachePath + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return errors.WrapError(err, "catalog", "Save", "failed to write temp cache file")
	}
	if err := os.Rename(tmp, c.cachePath); err != nil {
		return errors.WrapError(err, "catalog", "Save", "failed to rename temp cache file into place")
	}

	c.logger.WithFields(logrus.Fields{"path": c.cachePath, "components": len(cf.Components)}).Debug("catalog cache saved")
	return nil
}

// Load reads the JSON cache file into the catalog. A missing file is not
// an error (fresh install); a malformed file is reported as CacheCorrupt
// and the catalog is left empty, for the caller to recover via RescanAll.
func (c *Catalog) Load() *errors.AppError {
	data, err := os.ReadFile(c.cachePath)
	if os.IsNotExist(err) {
		c.logger.WithField("path", c.cachePath).Info("no catalog cache found, starting empty")
		return nil
	}
	if err != nil {
		return errors.WrapError(err, "catalog", "Load", "failed to read cache file")
	}

	var cf cacheFile
	if err := json.Unmarshal(data, &cf); err != nil {
		return errors.CacheCorrupt("catalog", "Load", "cache file is not valid JSON: "+err.Error())
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.products = make(map[string]*types.Product, len(cf.Products))
	for _, p := range cf.Products {
		c.products[p.ProductID] = p
	}
	c.lots = make(map[string]*types.Lot, len(cf.Lots))
	for _, l := range cf.Lots {
		c.lots[l.LotID] = l
	}
	c.lotKeys = cf.LotKeys
	if c.lotKeys == nil {
		c.lotKeys = make(map[string]string)
	}
	c.components = make(map[types.ComponentKey]*types.Component, len(cf.Components))
	for _, comp := range cf.Components {
		c.components[comp.Key()] = comp
	}

	c.logger.WithFields(logrus.Fields{
		"products":   len(c.products),
		"lots":       len(c.lots),
		"components": len(c.components),
	}).Info("catalog cache loaded")
	return nil
}

// RescanAll replaces the catalog's contents with what scan reports,
// preserving the existing lotKeys map (so previously resolved collisions
// don't silently renumber) while rebuilding products/lots/components from
// scratch. scan is supplied by the caller (internal/scanner) to keep the
// catalog decoupled from filesystem layout.
func (c *Catalog) RescanAll(scan func(add func(productID, originalLotID, station, componentID string))) {
	c.mu.Lock()
	c.products = make(map[string]*types.Product)
	c.lots = make(map[string]*types.Lot)
	c.components = make(map[types.ComponentKey]*types.Component)
	c.mu.Unlock()

	scan(func(productID, originalLotID, station, componentID string) {
		if _, appErr := c.AddComponent(productID, originalLotID, station, componentID); appErr != nil {
			c.logger.WithError(appErr).Debug("RescanAll: component already added, skipping")
		}
	})
}
