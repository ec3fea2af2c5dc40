// Package tabular reads defect CSVs into transforms.DefectTable. Kept
// separate from internal/alignment (which locates the header row and
// matches recipe triples with its own reader) so the pipeline's actual
// data-processing stages share one CSV decoder.
package tabular

import (
	"bufio"
	"encoding/csv"
	"os"
	"strconv"
	"strings"

	"github.com/dbmplus/dbmorc/pkg/errors"
	"github.com/dbmplus/dbmorc/pkg/transforms"
)

// ReadDefectTable reads path starting at headerRowIdx (0-based, as located
// by internal/alignment), using the header to find Row/Col/DefectType
// columns, falling back to columns 0/1/2 if the literal names aren't
// present.
func ReadDefectTable(path string, headerRowIdx int) (transforms.DefectTable, *errors.AppError) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.FileNotFound("tabular", "ReadDefectTable", err.Error())
	}
	defer f.Close()

	reader := csv.NewReader(bufio.NewReader(f))
	reader.FieldsPerRecord = -1

	var headers []string
	for i := 0; i <= headerRowIdx; i++ {
		record, err := reader.Read()
		if err != nil {
			return nil, errors.SchemaMismatch("tabular", "ReadDefectTable", "failed to reach header row: "+err.Error())
		}
		headers = record
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
		rowCol, colCol, defectCol = 0, 1, 2
	}

	var table transforms.DefectTable
	for {
		record, err := reader.Read()
		if err != nil {
			break
		}
		if rowCol >= len(record) || colCol >= len(record) || defectCol >= len(record) {
			continue
		}
		row, err1 := strconv.Atoi(strings.TrimSpace(record[rowCol]))
		col, err2 := strconv.Atoi(strings.TrimSpace(record[colCol]))
		if err1 != nil || err2 != nil {
			continue
		}
		table = append(table, transforms.Point{Row: row, Col: col, DefectType: strings.TrimSpace(record[defectCol])})
	}
	return table, nil
}

// MaxExtent returns the largest row and column value present in table,
// used to size a render grid.
func MaxExtent(table transforms.DefectTable) (maxRow, maxCol int) {
	for _, p := range table {
		if p.Row > maxRow {
			maxRow = p.Row
		}
		if p.Col > maxCol {
			maxCol = p.Col
		}
	}
	return
}
