// Package renderer provides the PlotRenderer collaborator spec §9 treats
// as external: turning a binarized defect map (or an FPY summary) into a
// PNG. No pack example carries a charting/plotting dependency (gonum/plot,
// fogleman/gg, wcharczuk/go-chart are all absent from the corpus), so this
// renders directly against the standard library's image/png — a narrow,
// internal-only rasterizer, not a general charting library, which is the
// one place in this repository stdlib is used for something a third-party
// library could in principle do (see DESIGN.md).
package renderer

import (
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"

	"github.com/dbmplus/dbmorc/pkg/errors"
	"github.com/dbmplus/dbmorc/pkg/transforms"
)

// Renderer draws defect maps and summary charts to PNG files.
type Renderer interface {
	RenderDefectMap(path string, states map[[2]int]transforms.BinaryState, maxRow, maxCol int) *errors.AppError
	RenderBarChart(path string, labels []string, values []float64) *errors.AppError
}

// cellSize is the pixel size of one (row,col) cell in a rendered defect map.
const cellSize = 4

// PNGRenderer is the default Renderer implementation.
type PNGRenderer struct{}

// New constructs a PNGRenderer.
func New() *PNGRenderer { return &PNGRenderer{} }

var (
	colorGood = color.RGBA{0, 200, 0, 255}
	colorBad  = color.RGBA{220, 0, 0, 255}
	colorBG   = color.RGBA{240, 240, 240, 255}
)

// RenderDefectMap writes a grid image where each binarized cell is
// colored good/bad, sized (maxRow+1)*(maxCol+1) cells.
func (r *PNGRenderer) RenderDefectMap(path string, states map[[2]int]transforms.BinaryState, maxRow, maxCol int) *errors.AppError {
	width := (maxCol + 1) * cellSize
	height := (maxRow + 1) * cellSize
	if width <= 0 || height <= 0 {
		return errors.RenderFailure("RenderDefectMap", "empty grid dimensions")
	}

	img := image.NewRGBA(image.Rect(0, 0, width, height))
	fillRect(img, image.Rect(0, 0, width, height), colorBG)

	for key, state := range states {
		row, col := key[0], key[1]
		c := colorGood
		if state == transforms.Bad {
			c = colorBad
		}
		x0, y0 := col*cellSize, row*cellSize
		fillRect(img, image.Rect(x0, y0, x0+cellSize, y0+cellSize), c)
	}

	return writePNG(path, img)
}

// RenderBarChart writes a minimal bar chart of labeled values, used for
// the per-station FPY summary chart.
func (r *PNGRenderer) RenderBarChart(path string, labels []string, values []float64) *errors.AppError {
	if len(values) == 0 {
		return errors.RenderFailure("RenderBarChart", "no values to chart")
	}

	const (
		barWidth  = 40
		barGap    = 10
		chartH    = 300
	)
	width := len(values)*(barWidth+barGap) + barGap
	img := image.NewRGBA(image.Rect(0, 0, width, chartH))
	fillRect(img, img.Bounds(), color.White)

	max := 0.0
	for _, v := range values {
		if v > max {
			max = v
		}
	}
	if max == 0 {
		max = 1
	}

	for i, v := range values {
		barH := int((v / max) * float64(chartH-20))
		x0 := barGap + i*(barWidth+barGap)
		y0 := chartH - barH
		fillRect(img, image.Rect(x0, y0, x0+barWidth, chartH), color.RGBA{50, 90, 200, 255})
	}
	_ = labels // label rendering (text) intentionally omitted; summary.csv carries labels

	return writePNG(path, img)
}

func fillRect(img *image.RGBA, rect image.Rectangle, c color.Color) {
	for y := rect.Min.Y; y < rect.Max.Y && y < img.Bounds().Max.Y; y++ {
		for x := rect.Min.X; x < rect.Max.X && x < img.Bounds().Max.X; x++ {
			img.Set(x, y, c)
		}
	}
}

func writePNG(path string, img image.Image) *errors.AppError {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return errors.WrapError(err, "renderer", "writePNG", "failed to create output directory")
	}
	f, err := os.Create(path)
	if err != nil {
		return errors.WrapError(err, "renderer", "writePNG", "failed to create PNG file")
	}
	defer f.Close()
	if err := png.Encode(f, img); err != nil {
		return errors.RenderFailure("writePNG", err.Error())
	}
	return nil
}
