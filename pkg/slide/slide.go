// Package slide opens whole-slide image containers and exposes their pixel
// data as multi-resolution images.
//
// A Handle is owned by whoever opened it. Handles are not shared between
// workers: every worker opens its own through an Opener.
package slide

import (
	"errors"
	"fmt"
	"image"
	"path/filepath"
	"sort"
	"strings"
)

var (
	// ErrUnsupportedFormat is returned when no adapter can open a file
	ErrUnsupportedFormat = errors.New("unsupported slide format")

	// ErrNoSuchImage is returned for an unknown associated image name
	ErrNoSuchImage = errors.New("no such associated image")

	// ErrInvalidRegion is returned when a region falls outside an image level
	ErrInvalidRegion = errors.New("invalid region")
)

// Image is one multi-resolution image inside a slide container.
type Image interface {
	// Dimensions returns the pixel size of level 0, the highest resolution
	Dimensions() image.Point

	// LevelDimensions returns the pixel size of every stored level, level 0 first
	LevelDimensions() []image.Point

	// ReadRegion returns the pixels of rect, given in the coordinates of level
	ReadRegion(level int, rect image.Rectangle) (image.Image, error)

	// ContentBounds returns the bounding box of non-empty pixels in level 0 coordinates
	ContentBounds() image.Rectangle
}

// Handle is an opened slide container
type Handle interface {
	// Main returns the main high resolution image
	Main() Image

	// AssociatedNames returns the names of the embedded associated images, sorted
	AssociatedNames() []string

	// Associated returns the associated image with the given name
	Associated(name string) (Image, error)

	// Close releases the handle
	Close() error
}

// Opener opens a slide container by path
type Opener func(path string) (Handle, error)

// Open opens path with the adapter matching its extension
func Open(path string) (Handle, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".svs", ".tif", ".tiff":
		return OpenTIFF(path)
	case ".png", ".jpg", ".jpeg", ".gif", ".bmp":
		return OpenRaster(path)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedFormat, path)
	}
}

// SupportedExtensions lists the file extensions Open accepts
func SupportedExtensions() []string {
	return []string{".svs", ".tif", ".tiff", ".png", ".jpg", ".jpeg", ".gif", ".bmp"}
}

// IsSupported reports whether Open has an adapter for path
func IsSupported(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	for _, e := range SupportedExtensions() {
		if e == ext {
			return true
		}
	}
	return false
}

func sortedKeys(m map[string]Image) []string {
	names := make([]string, 0, len(m))
	for name := range m {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
