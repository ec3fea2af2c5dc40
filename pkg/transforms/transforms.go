// Package transforms implements C5: pure, side-effect-free functions over
// a decoded defect table — binarization, axis flips, mask application,
// and loss-point classification between two stations' binarized maps.
// None of these touch the filesystem; internal/pipeline wires them to
// CSV I/O and PNG rendering.
package transforms

import "github.com/dbmplus/dbmorc/pkg/types"

// Point is one defect observation: a (row, col) location with its raw
// defect type string.
type Point struct {
	Row        int
	Col        int
	DefectType string
}

// DefectTable is a decoded CSV's defect points, unordered.
type DefectTable []Point

// BinaryState is a component's good/bad classification at one (row, col)
// location, keyed by [2]int{row, col} where a map is needed.
type BinaryState bool

const (
	Good BinaryState = false
	Bad  BinaryState = true
)

// Binarize classifies each point in the table as good or bad according to
// rules.Good/rules.Bad, returning a map from (row,col) to BinaryState.
// Points whose defect type is in neither set are omitted — Binarize never
// guesses.
func Binarize(table DefectTable, rules types.DefectRules) map[[2]int]BinaryState {
	goodSet := toSet(rules.Good)
	badSet := toSet(rules.Bad)

	out := make(map[[2]int]BinaryState, len(table))
	for _, p := range table {
		key := [2]int{p.Row, p.Col}
		switch {
		case badSet[p.DefectType]:
			out[key] = Bad
		case goodSet[p.DefectType]:
			out[key] = Good
		}
	}
	return out
}

func toSet(items []string) map[string]bool {
	s := make(map[string]bool, len(items))
	for _, it := range items {
		s[it] = true
	}
	return s
}

// Axis names the flip transform applies along.
type Axis string

const (
	AxisNone Axis = ""
	AxisX    Axis = "x"
	AxisY    Axis = "y"
	AxisXY   Axis = "xy"
)

// Flip mirrors point coordinates about the given axis within [0, maxRow]
// x [0, maxCol]. AxisNone returns table unchanged.
func Flip(table DefectTable, axis Axis, maxRow, maxCol int) DefectTable {
	if axis == AxisNone {
		return table
	}
	out := make(DefectTable, len(table))
	for i, p := range table {
		np := p
		if axis == AxisX || axis == AxisXY {
			np.Row = maxRow - p.Row
		}
		if axis == AxisY || axis == AxisXY {
			np.Col = maxCol - p.Col
		}
		out[i] = np
	}
	return out
}

// ApplyMask drops every point whose (row, col) falls within rule's
// rectangle (inclusive bounds), per station-specific masking config.
func ApplyMask(table DefectTable, rule types.MaskRule) DefectTable {
	out := make(DefectTable, 0, len(table))
	for _, p := range table {
		if p.Row >= rule.RowMin && p.Row <= rule.RowMax && p.Col >= rule.ColMin && p.Col <= rule.ColMax {
			continue
		}
		out = append(out, p)
	}
	return out
}

// LossClassification buckets how each location transitioned between a
// previous station's binarized map and the current station's. There is
// intentionally no bad_to_good bucket: a component that heals between
// stations is not counted in any of the three buckets below, matching
// spec.md's explicit design (a location that was bad and becomes good
// falls through uncounted).
type LossClassification struct {
	GoodToGood int
	GoodToBad  int
	BadToBad   int
}

// ClassifyLossPoints compares prev and curr binarized maps location by
// location, counting transitions. Locations present in only one map are
// ignored (nothing to compare a transition against).
func ClassifyLossPoints(prev, curr map[[2]int]BinaryState) LossClassification {
	var c LossClassification
	for key, prevState := range prev {
		currState, ok := curr[key]
		if !ok {
			continue
		}
		switch {
		case prevState == Good && currState == Good:
			c.GoodToGood++
		case prevState == Good && currState == Bad:
			c.GoodToBad++
		case prevState == Bad && currState == Bad:
			c.BadToBad++
			// prevState == Bad && currState == Good: bad_to_good,
			// intentionally not tracked.
		}
	}
	return c
}
