// Package alignment implements C3: verifies that a CSV's data rows below
// its header row contain the (row, col, defect_type) reference triples a
// station's recipe expects, as a cheap sanity check that the file wasn't
// produced by a mis-aligned inspection pass.
package alignment

import (
	"bufio"
	"encoding/csv"
	"os"
	"strconv"
	"strings"

	"github.com/dbmplus/dbmorc/pkg/errors"
	"github.com/dbmplus/dbmorc/pkg/types"
)

// Result is the outcome of an alignment check.
type Result struct {
	Pass          bool
	MatchedCount  int
	HeaderRow     int
	Err           *errors.AppError
}

// minCommaColumns is the fallback column-count threshold used when a CSV
// has no literal "Row,Col,DefectType" header: the most-comma row with at
// least this many columns is treated as the header.
const minCommaColumns = 4

// LocateHeaderRow scans the first scanLimit lines of path for a row
// containing "Row", "Col", "DefectType" (case-insensitive, in any of the
// columns), falling back to the most-comma row with >= minCommaColumns.
// Returns the 0-based row index and parsed column headers.
func LocateHeaderRow(path string, scanLimit int) (rowIdx int, headers []string, appErr *errors.AppError) {
	f, err := os.Open(path)
	if err != nil {
		return -1, nil, errors.FileNotFound("alignment", "LocateHeaderRow", err.Error())
	}
	defer f.Close()

	reader := csv.NewReader(bufio.NewReader(f))
	reader.FieldsPerRecord = -1

	bestRow, bestCols := -1, -1
	var bestHeaders []string

	for i := 0; scanLimit <= 0 || i < scanLimit; i++ {
		record, err := reader.Read()
		if err != nil {
			break
		}
		if hasTriple(record) {
			return i, record, nil
		}
		if len(record) >= minCommaColumns && len(record) > bestCols {
			bestRow, bestCols = i, len(record)
			bestHeaders = record
		}
	}

	if bestRow >= 0 {
		return bestRow, bestHeaders, nil
	}
	return -1, nil, errors.AlignmentError("LocateHeaderRow", "no header row found: need Row,Col,DefectType columns or a row with >= 4 comma-separated columns")
}

func hasTriple(record []string) bool {
	has := func(name string) bool {
		for _, field := range record {
			if strings.EqualFold(strings.TrimSpace(field), name) {
				return true
			}
		}
		return false
	}
	return has("Row") && has("Col") && has("DefectType")
}

// Check runs the full alignment check: locate the header row, then count
// how many of the station's recipe's reference (row, col, defect_type)
// triples are found among the data rows. N>=1 is a pass, N==0 is a fail
// (not an error — the file parsed fine, it just isn't aligned).
func Check(path string, recipe []types.RecipePoint) Result {
	headerIdx, headers, appErr := LocateHeaderRow(path, 200)
	if appErr != nil {
		return Result{Err: appErr}
	}

	rowCol, colCol, defectCol := -1, -1, -1
	for i, h := range headers {
		switch strings.ToLower(strings.TrimSpace(h)) {
		case "row":
			rowCol = i
		case "col":
			colCol = i
		case "defecttype":
			defectCol = i
		}
	}
	if rowCol < 0 || colCol < 0 || defectCol < 0 {
		// Fallback header (most-comma row): assume the first three
		// columns are row, col, defect type, per spec's fallback rule.
		rowCol, colCol, defectCol = 0, 1, 2
	}

	f, err := os.Open(path)
	if err != nil {
		return Result{Err: errors.FileNotFound("alignment", "Check", err.Error())}
	}
	defer f.Close()

	reader := csv.NewReader(bufio.NewReader(f))
	reader.FieldsPerRecord = -1

	for i := 0; i <= headerIdx; i++ {
		if _, err := reader.Read(); err != nil {
			return Result{Err: errors.AlignmentError("Check", "failed to skip to header row: "+err.Error())}
		}
	}

	want := make(map[[3]string]bool, len(recipe))
	for _, p := range recipe {
		want[[3]string{strconv.Itoa(p.Row), strconv.Itoa(p.Col), p.DefectType}] = true
	}

	matched := 0
	for {
		record, err := reader.Read()
		if err != nil {
			break
		}
		if rowCol >= len(record) || colCol >= len(record) || defectCol >= len(record) {
			continue
		}
		key := [3]string{
			strings.TrimSpace(record[rowCol]),
			strings.TrimSpace(record[colCol]),
			strings.TrimSpace(record[defectCol]),
		}
		if want[key] {
			matched++
		}
	}

	return Result{Pass: matched >= 1, MatchedCount: matched, HeaderRow: headerIdx}
}
