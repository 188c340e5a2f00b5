// Package filter classifies extracted tiles as tissue or background.
//
// A tile is smoothed, binarized, and split into connected bright regions.
// Tiles whose two largest bright regions cover too much of the tile are
// background and get rejected.
package filter

import (
	"image"
	"math"
	"sort"

	"github.com/disintegration/imaging"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"

	"wsitiler/internal/models"
)

// Sigma is the standard deviation of the 5x5 smoothing kernel
const Sigma = 1.1

// Filter holds the parameters of the background rejection heuristic
type Filter struct {
	// TileSize is the unique content edge length of a tile
	TileSize int

	// Overlap is the context added on each side of a tile
	Overlap int

	// Threshold is the smoothed intensity above which a pixel is bright
	Threshold int

	// MaxForegroundArea is the bright area in pixels at which a tile is background
	MaxForegroundArea float64

	kernel [25]float64
}

// New creates a filter. A maxArea of zero selects half the nominal tile area.
func New(tileSize, overlap, threshold int, maxArea float64) *Filter {
	if maxArea <= 0 {
		nominal := float64(tileSize + 2*overlap)
		maxArea = nominal * nominal / 2
	}
	return &Filter{
		TileSize:          tileSize,
		Overlap:           overlap,
		Threshold:         threshold,
		MaxForegroundArea: maxArea,
		kernel:            gaussianKernel(Sigma),
	}
}

// gaussianKernel returns a normalized 5x5 Gaussian kernel in row-major order
func gaussianKernel(sigma float64) [25]float64 {
	g := make([]float64, 5)
	for i := range g {
		d := float64(i - 2)
		g[i] = math.Exp(-d * d / (2 * sigma * sigma))
	}
	floats.Scale(1/floats.Sum(g), g)

	v := mat.NewVecDense(5, g)
	var k mat.Dense
	k.Outer(1, v, v)

	var kernel [25]float64
	for r := 0; r < 5; r++ {
		for c := 0; c < 5; c++ {
			kernel[r*5+c] = k.At(r, c)
		}
	}
	return kernel
}

// Classify decides whether img is worth keeping
func (f *Filter) Classify(img image.Image) models.Verdict {
	size := img.Bounds().Size()
	minEdge := f.TileSize + 2*f.Overlap
	if size.X < minEdge || size.Y < minEdge {
		return models.Verdict{Reason: models.RejectTruncated}
	}

	gray := imaging.Grayscale(img)
	smooth := imaging.Convolve5x5(gray, f.kernel, &imaging.ConvolveOptions{Normalize: true})

	w, h := size.X, size.Y
	mask := make([]bool, w*h)
	values := make([]float64, w*h)
	for y := 0; y < h; y++ {
		row := smooth.Pix[y*smooth.Stride:]
		for x := 0; x < w; x++ {
			v := row[x*4]
			values[y*w+x] = float64(gray.Pix[y*gray.Stride+x*4])
			mask[y*w+x] = int(v) > f.Threshold
		}
	}

	areas := regionAreas(mask, w, h)
	sort.Sort(sort.Reverse(sort.Float64Slice(areas)))
	area := floats.Sum(areas[:min(2, len(areas))])

	verdict := models.Verdict{
		Accepted:       area < f.MaxForegroundArea,
		ForegroundArea: area,
		MeanIntensity:  stat.Mean(values, nil),
	}
	if !verdict.Accepted {
		verdict.Reason = models.RejectBackground
	}
	return verdict
}

// regionAreas labels the 8-connected regions of mask and returns their pixel counts
func regionAreas(mask []bool, w, h int) []float64 {
	seen := make([]bool, len(mask))
	var areas []float64
	var stack []int

	for start := range mask {
		if !mask[start] || seen[start] {
			continue
		}
		seen[start] = true
		stack = append(stack[:0], start)
		area := 0
		for len(stack) > 0 {
			p := stack[len(stack)-1]
			stack = stack[:len(stack)-1]
			area++

			px, py := p%w, p/w
			for dy := -1; dy <= 1; dy++ {
				ny := py + dy
				if ny < 0 || ny >= h {
					continue
				}
				for dx := -1; dx <= 1; dx++ {
					nx := px + dx
					if nx < 0 || nx >= w || (dx == 0 && dy == 0) {
						continue
					}
					n := ny*w + nx
					if mask[n] && !seen[n] {
						seen[n] = true
						stack = append(stack, n)
					}
				}
			}
		}
		areas = append(areas, float64(area))
	}
	return areas
}
