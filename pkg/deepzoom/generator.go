// Package deepzoom computes Deep Zoom tile pyramids over slide images.
//
// Level 0 of a pyramid is a single pixel; every following level doubles the
// previous one (rounding up) until the last level matches the full image.
// Tiles carry Overlap extra pixels on every side that has a neighbour.
package deepzoom

import (
	"errors"
	"fmt"
	"image"
	"image/color"
	"math"

	"golang.org/x/image/draw"

	"wsitiler/internal/models"
	"wsitiler/pkg/slide"
)

// ErrInvalidAddress is returned for a tile address outside the pyramid
var ErrInvalidAddress = errors.New("invalid tile address")

// Region is the source area of one tile
type Region struct {
	// Origin is the top-left corner in level 0 pixel coordinates
	Origin image.Point

	// Level is the stored slide level the pixels are read from
	Level int

	// Size is the number of pixels read at Level
	Size image.Point
}

// Generator addresses and extracts the tiles of one image
type Generator struct {
	img         slide.Image
	tileSize    int
	overlap     int
	limitBounds bool

	l0Offset    image.Point
	lDimensions []image.Point // stored slide levels, clipped when limitBounds is set
	lDownsample []float64     // stored slide level downsample relative to level 0
	zDimensions []image.Point // Deep Zoom levels, coarsest first
	tDimensions []models.LevelGrid

	preferredLevel []int     // stored level read for each Deep Zoom level
	lzDownsample   []float64 // downsample from the preferred level to the Deep Zoom level
}

// NewGenerator creates a Deep Zoom generator for img. tileSize is the edge
// length of the unique content of a tile and overlap the context added on
// each side.
func NewGenerator(img slide.Image, tileSize, overlap int, limitBounds bool) (*Generator, error) {
	if tileSize <= 0 {
		return nil, fmt.Errorf("tile size must be positive, got %d", tileSize)
	}
	if overlap < 0 {
		return nil, fmt.Errorf("overlap must not be negative, got %d", overlap)
	}

	levels := img.LevelDimensions()
	if len(levels) == 0 || levels[0].X <= 0 || levels[0].Y <= 0 {
		return nil, fmt.Errorf("image has no pixels")
	}

	g := &Generator{
		img:         img,
		tileSize:    tileSize,
		overlap:     overlap,
		limitBounds: limitBounds,
	}

	l0 := levels[0]
	g.lDownsample = make([]float64, len(levels))
	for i, dim := range levels {
		g.lDownsample[i] = (float64(l0.X)/float64(dim.X) + float64(l0.Y)/float64(dim.Y)) / 2
	}

	g.lDimensions = make([]image.Point, len(levels))
	if limitBounds {
		bounds := img.ContentBounds()
		g.l0Offset = bounds.Min
		scaleX := float64(bounds.Dx()) / float64(l0.X)
		scaleY := float64(bounds.Dy()) / float64(l0.Y)
		for i, dim := range levels {
			if i == 0 {
				g.lDimensions[i] = bounds.Size()
				continue
			}
			g.lDimensions[i] = image.Pt(
				int(math.Ceil(float64(dim.X)*scaleX)),
				int(math.Ceil(float64(dim.Y)*scaleY)),
			)
		}
	} else {
		copy(g.lDimensions, levels)
	}

	// Deep Zoom levels: halve until a single pixel remains
	zSize := g.lDimensions[0]
	zDims := []image.Point{zSize}
	for zSize.X > 1 || zSize.Y > 1 {
		zSize = image.Pt(max(1, ceilDiv(zSize.X, 2)), max(1, ceilDiv(zSize.Y, 2)))
		zDims = append(zDims, zSize)
	}
	g.zDimensions = make([]image.Point, len(zDims))
	for i := range zDims {
		g.zDimensions[i] = zDims[len(zDims)-1-i]
	}

	g.tDimensions = make([]models.LevelGrid, len(g.zDimensions))
	for i, z := range g.zDimensions {
		g.tDimensions[i] = models.LevelGrid{
			Cols: ceilDiv(z.X, tileSize),
			Rows: ceilDiv(z.Y, tileSize),
		}
	}

	dzLevels := len(g.zDimensions)
	g.preferredLevel = make([]int, dzLevels)
	g.lzDownsample = make([]float64, dzLevels)
	for level := 0; level < dzLevels; level++ {
		l0zDownsample := math.Exp2(float64(dzLevels - level - 1))
		best := g.bestLevelForDownsample(l0zDownsample)
		g.preferredLevel[level] = best
		g.lzDownsample[level] = l0zDownsample / g.lDownsample[best]
	}

	return g, nil
}

// bestLevelForDownsample returns the stored level with the largest downsample
// not exceeding downsample
func (g *Generator) bestLevelForDownsample(downsample float64) int {
	best := 0
	for i, d := range g.lDownsample {
		if d <= downsample {
			best = i
		}
	}
	return best
}

// LevelCount returns the number of Deep Zoom levels
func (g *Generator) LevelCount() int {
	return len(g.zDimensions)
}

// TileSize returns the unique content edge length of a tile
func (g *Generator) TileSize() int {
	return g.tileSize
}

// Overlap returns the context added on every side with a neighbour
func (g *Generator) Overlap() int {
	return g.overlap
}

// Dimensions returns the pixel size of the finest level
func (g *Generator) Dimensions() image.Point {
	return g.zDimensions[len(g.zDimensions)-1]
}

// Geometry returns the tiling geometry of the image
func (g *Generator) Geometry() models.PyramidGeometry {
	grid := make([]models.LevelGrid, len(g.tDimensions))
	copy(grid, g.tDimensions)
	dims := make([]image.Point, len(g.zDimensions))
	copy(dims, g.zDimensions)

	return models.PyramidGeometry{
		LevelCount: len(g.zDimensions),
		Grid:       grid,
		Dimensions: dims,
		TileSize:   g.tileSize,
		Overlap:    g.overlap,
	}
}

func (g *Generator) checkAddress(addr models.TileAddress) error {
	if addr.Level < 0 || addr.Level >= len(g.zDimensions) {
		return fmt.Errorf("%w: level %d not in [0, %d)", ErrInvalidAddress, addr.Level, len(g.zDimensions))
	}
	grid := g.tDimensions[addr.Level]
	if addr.Col < 0 || addr.Col >= grid.Cols || addr.Row < 0 || addr.Row >= grid.Rows {
		return fmt.Errorf("%w: %v outside %dx%d grid", ErrInvalidAddress, addr, grid.Cols, grid.Rows)
	}
	return nil
}

// TileDimensions returns the pixel size of the tile at addr, overlap included
func (g *Generator) TileDimensions(addr models.TileAddress) (image.Point, error) {
	if err := g.checkAddress(addr); err != nil {
		return image.Point{}, err
	}
	_, zSize := g.tileInfo(addr)
	return zSize, nil
}

// TileCoordinates returns the source region read for the tile at addr
func (g *Generator) TileCoordinates(addr models.TileAddress) (Region, error) {
	if err := g.checkAddress(addr); err != nil {
		return Region{}, err
	}
	region, _ := g.tileInfo(addr)
	return region, nil
}

func (g *Generator) tileInfo(addr models.TileAddress) (Region, image.Point) {
	slideLevel := g.preferredLevel[addr.Level]
	grid := g.tDimensions[addr.Level]
	zLim := g.zDimensions[addr.Level]

	tlX := g.overlap * boolInt(addr.Col != 0)
	tlY := g.overlap * boolInt(addr.Row != 0)
	brX := g.overlap * boolInt(addr.Col != grid.Cols-1)
	brY := g.overlap * boolInt(addr.Row != grid.Rows-1)

	zLocX := g.tileSize * addr.Col
	zLocY := g.tileSize * addr.Row
	zSize := image.Pt(
		min(g.tileSize, zLim.X-zLocX)+tlX+brX,
		min(g.tileSize, zLim.Y-zLocY)+tlY+brY,
	)

	lz := g.lzDownsample[addr.Level]
	lLocX := lz * float64(zLocX-tlX)
	lLocY := lz * float64(zLocY-tlY)

	ds := g.lDownsample[slideLevel]
	origin := image.Pt(
		int(ds*lLocX+float64(g.l0Offset.X)),
		int(ds*lLocY+float64(g.l0Offset.Y)),
	)

	lLim := g.lDimensions[slideLevel]
	size := image.Pt(
		int(math.Min(math.Ceil(lz*float64(zSize.X)), float64(lLim.X)-math.Ceil(lLocX))),
		int(math.Min(math.Ceil(lz*float64(zSize.Y)), float64(lLim.Y)-math.Ceil(lLocY))),
	)

	return Region{Origin: origin, Level: slideLevel, Size: size}, zSize
}

// Tile extracts the tile at addr. Transparent source pixels are composited
// onto white; the result always has the size reported by TileDimensions.
func (g *Generator) Tile(addr models.TileAddress) (image.Image, error) {
	if err := g.checkAddress(addr); err != nil {
		return nil, err
	}
	region, zSize := g.tileInfo(addr)

	ds := g.lDownsample[region.Level]
	levelOrigin := image.Pt(
		int(float64(region.Origin.X)/ds),
		int(float64(region.Origin.Y)/ds),
	)
	rect := image.Rectangle{Min: levelOrigin, Max: levelOrigin.Add(region.Size)}
	stored := g.img.LevelDimensions()[region.Level]
	rect = rect.Intersect(image.Rect(0, 0, stored.X, stored.Y))
	if rect.Empty() {
		return nil, fmt.Errorf("%w: tile %v maps to an empty region", ErrInvalidAddress, addr)
	}

	src, err := g.img.ReadRegion(region.Level, rect)
	if err != nil {
		return nil, fmt.Errorf("failed to read tile %v: %w", addr, err)
	}

	dst := image.NewRGBA(image.Rect(0, 0, zSize.X, zSize.Y))
	draw.Draw(dst, dst.Bounds(), image.NewUniform(color.White), image.Point{}, draw.Src)
	if src.Bounds().Size() == zSize {
		draw.Draw(dst, dst.Bounds(), src, src.Bounds().Min, draw.Over)
	} else {
		draw.CatmullRom.Scale(dst, dst.Bounds(), src, src.Bounds(), draw.Over, nil)
	}
	return dst, nil
}

func ceilDiv(a, b int) int {
	return (a + b - 1) / b
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
