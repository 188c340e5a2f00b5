package slide

import (
	"fmt"
	"image"
	"sync"

	"github.com/disintegration/imaging"
)

// Pyramid is an Image backed by decoded in-memory levels
type Pyramid struct {
	levels []image.Image

	boundsOnce sync.Once
	bounds     image.Rectangle
}

// NewPyramid returns an Image whose levels are the given images, level 0 first.
// Levels must decrease in size.
func NewPyramid(levels ...image.Image) *Pyramid {
	return &Pyramid{levels: levels}
}

func (p *Pyramid) Dimensions() image.Point {
	return p.levels[0].Bounds().Size()
}

func (p *Pyramid) LevelDimensions() []image.Point {
	dims := make([]image.Point, len(p.levels))
	for i, lvl := range p.levels {
		dims[i] = lvl.Bounds().Size()
	}
	return dims
}

func (p *Pyramid) ReadRegion(level int, rect image.Rectangle) (image.Image, error) {
	if level < 0 || level >= len(p.levels) {
		return nil, fmt.Errorf("%w: level %d of %d", ErrInvalidRegion, level, len(p.levels))
	}
	src := p.levels[level]
	b := src.Bounds()
	abs := rect.Add(b.Min)
	if rect.Empty() || !abs.In(b) {
		return nil, fmt.Errorf("%w: %v outside level %d (%v)", ErrInvalidRegion, rect, level, b.Size())
	}
	return imaging.Crop(src, abs), nil
}

// ContentBounds returns the bounding box of pixels with non-zero alpha.
// An image without any visible pixel reports its full extent.
func (p *Pyramid) ContentBounds() image.Rectangle {
	p.boundsOnce.Do(func() {
		p.bounds = opaqueBounds(p.levels[0])
	})
	return p.bounds
}

func opaqueBounds(img image.Image) image.Rectangle {
	b := img.Bounds()
	minX, minY := b.Max.X, b.Max.Y
	maxX, maxY := b.Min.X-1, b.Min.Y-1

	if o, ok := img.(interface{ Opaque() bool }); ok && o.Opaque() {
		return image.Rect(0, 0, b.Dx(), b.Dy())
	}

	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			if _, _, _, a := img.At(x, y).RGBA(); a == 0 {
				continue
			}
			if x < minX {
				minX = x
			}
			if x > maxX {
				maxX = x
			}
			if y < minY {
				minY = y
			}
			if y > maxY {
				maxY = y
			}
		}
	}

	if maxX < minX || maxY < minY {
		return image.Rect(0, 0, b.Dx(), b.Dy())
	}
	return image.Rect(minX, minY, maxX+1, maxY+1).Sub(b.Min)
}

// Memory is a Handle over images already held in memory
type Memory struct {
	main       Image
	associated map[string]Image
}

// NewMemory returns a Handle whose main image is main and whose associated
// images are taken from associated. Either may hold multi-level Pyramids.
func NewMemory(main Image, associated map[string]Image) *Memory {
	if associated == nil {
		associated = map[string]Image{}
	}
	return &Memory{main: main, associated: associated}
}

// MemoryOpener returns an Opener that yields h regardless of path.
func MemoryOpener(h *Memory) Opener {
	return func(string) (Handle, error) {
		return h, nil
	}
}

func (m *Memory) Main() Image {
	return m.main
}

func (m *Memory) AssociatedNames() []string {
	return sortedKeys(m.associated)
}

func (m *Memory) Associated(name string) (Image, error) {
	img, ok := m.associated[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrNoSuchImage, name)
	}
	return img, nil
}

func (m *Memory) Close() error {
	return nil
}

// OpenRaster opens a single plain raster image (png, jpeg, gif, bmp) as a
// slide without associated images.
func OpenRaster(path string) (Handle, error) {
	img, err := imaging.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open image %s: %w", path, err)
	}
	return NewMemory(NewPyramid(img), nil), nil
}
