package slide

import (
	"bytes"
	"fmt"
	"image"
	"log"
	"math"
	"os"

	tiff "github.com/chai2010/tiff"
)

// levelTolerance is the relative error allowed between a page's downsample
// factor and the nearest power of two for the page to count as a pyramid level.
const levelTolerance = 0.02

// OpenTIFF opens a TIFF based slide container, either a plain or multi-page
// TIFF or an SVS file the decoder understands. The first decodable image is
// the main image. Every later image whose size is a power-of-two downsample
// of the main image becomes a pyramid level of it; all others become
// associated images named associated_<n> in file order.
func OpenTIFF(path string) (Handle, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read slide %s: %w", path, err)
	}

	pages, pageErrs, err := tiff.DecodeAll(bytes.NewReader(b))
	if err != nil && len(pages) == 0 {
		return nil, fmt.Errorf("failed to decode slide %s: %w", path, err)
	}

	var decoded []image.Image
	for i := range pages {
		for j := range pages[i] {
			if pageErrs != nil && i < len(pageErrs) && j < len(pageErrs[i]) && pageErrs[i][j] != nil {
				log.Printf("Warning: skipping image %d.%d of %s: %v", i, j, path, pageErrs[i][j])
				continue
			}
			if pages[i][j] == nil || pages[i][j].Bounds().Empty() {
				continue
			}
			decoded = append(decoded, pages[i][j])
		}
	}
	if len(decoded) == 0 {
		return nil, fmt.Errorf("failed to decode slide %s: no readable image", path)
	}

	return newTIFFHandle(decoded), nil
}

func newTIFFHandle(images []image.Image) *Memory {
	base := images[0]
	levels := []image.Image{base}
	associated := map[string]Image{}

	n := 0
	for _, img := range images[1:] {
		if isPyramidLevel(base.Bounds().Size(), img.Bounds().Size()) &&
			img.Bounds().Dx() < levels[len(levels)-1].Bounds().Dx() {
			levels = append(levels, img)
			continue
		}
		associated[fmt.Sprintf("associated_%d", n)] = NewPyramid(img)
		n++
	}

	return NewMemory(NewPyramid(levels...), associated)
}

// isPyramidLevel reports whether size is base downsampled by a power of two
// on both axes.
func isPyramidLevel(base, size image.Point) bool {
	if size.X <= 0 || size.Y <= 0 || size.X >= base.X || size.Y >= base.Y {
		return false
	}
	fx := float64(base.X) / float64(size.X)
	fy := float64(base.Y) / float64(size.Y)
	if math.Abs(fx-fy)/fx > levelTolerance {
		return false
	}
	pow := math.Exp2(math.Round(math.Log2(fx)))
	return math.Abs(fx-pow)/pow <= levelTolerance
}
