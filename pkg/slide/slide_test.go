package slide

import (
	"errors"
	"image"
	"image/color"
	"path/filepath"
	"testing"

	"github.com/disintegration/imaging"
)

// createTestImage creates an RGBA test image filled by the given pattern
func createTestImage(width, height int, pattern func(x, y int) color.NRGBA) image.Image {
	img := image.NewNRGBA(image.Rect(0, 0, width, height))
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			img.SetNRGBA(x, y, pattern(x, y))
		}
	}
	return img
}

func TestPyramidReadRegion(t *testing.T) {
	img := createTestImage(64, 32, func(x, y int) color.NRGBA {
		return color.NRGBA{R: uint8(x), G: uint8(y), B: 0, A: 255}
	})
	p := NewPyramid(img)

	if got := p.Dimensions(); got != image.Pt(64, 32) {
		t.Fatalf("Expected dimensions 64x32, got %v", got)
	}

	region, err := p.ReadRegion(0, image.Rect(10, 5, 20, 25))
	if err != nil {
		t.Fatalf("ReadRegion failed: %v", err)
	}
	if region.Bounds().Dx() != 10 || region.Bounds().Dy() != 20 {
		t.Errorf("Expected 10x20 region, got %v", region.Bounds().Size())
	}
	r, g, _, _ := region.At(0, 0).RGBA()
	if r>>8 != 10 || g>>8 != 5 {
		t.Errorf("Expected region origin pixel (10,5), got (%d,%d)", r>>8, g>>8)
	}

	if _, err := p.ReadRegion(0, image.Rect(60, 0, 70, 10)); !errors.Is(err, ErrInvalidRegion) {
		t.Errorf("Expected ErrInvalidRegion for an out of bounds region, got %v", err)
	}
	if _, err := p.ReadRegion(1, image.Rect(0, 0, 1, 1)); !errors.Is(err, ErrInvalidRegion) {
		t.Errorf("Expected ErrInvalidRegion for a missing level, got %v", err)
	}
}

func TestPyramidReadRegionOffsetBounds(t *testing.T) {
	img := image.NewNRGBA(image.Rect(100, 100, 132, 132))
	img.SetNRGBA(100, 100, color.NRGBA{R: 255, A: 255})

	region, err := NewPyramid(img).ReadRegion(0, image.Rect(0, 0, 4, 4))
	if err != nil {
		t.Fatalf("ReadRegion failed: %v", err)
	}
	if r, _, _, _ := region.At(0, 0).RGBA(); r>>8 != 255 {
		t.Errorf("Expected the image origin to map to region (0,0), got red=%d", r>>8)
	}
}

func TestContentBounds(t *testing.T) {
	img := createTestImage(40, 30, func(x, y int) color.NRGBA {
		if x >= 5 && x < 25 && y >= 10 && y < 20 {
			return color.NRGBA{R: 200, G: 100, B: 50, A: 255}
		}
		return color.NRGBA{}
	})

	got := NewPyramid(img).ContentBounds()
	want := image.Rect(5, 10, 25, 20)
	if got != want {
		t.Errorf("Expected content bounds %v, got %v", want, got)
	}

	empty := image.NewNRGBA(image.Rect(0, 0, 8, 8))
	if got := NewPyramid(empty).ContentBounds(); got != image.Rect(0, 0, 8, 8) {
		t.Errorf("Expected full bounds for an empty image, got %v", got)
	}

	opaque := image.NewGray(image.Rect(0, 0, 12, 6))
	if got := NewPyramid(opaque).ContentBounds(); got != image.Rect(0, 0, 12, 6) {
		t.Errorf("Expected full bounds for an opaque image, got %v", got)
	}
}

func TestMemoryHandle(t *testing.T) {
	main := NewPyramid(image.NewGray(image.Rect(0, 0, 16, 16)))
	h := NewMemory(main, map[string]Image{
		"macro": NewPyramid(image.NewGray(image.Rect(0, 0, 4, 4))),
		"label": NewPyramid(image.NewGray(image.Rect(0, 0, 2, 2))),
	})

	names := h.AssociatedNames()
	if len(names) != 2 || names[0] != "label" || names[1] != "macro" {
		t.Errorf("Expected sorted names [label macro], got %v", names)
	}
	if _, err := h.Associated("label"); err != nil {
		t.Errorf("Expected label image, got %v", err)
	}
	if _, err := h.Associated("missing"); !errors.Is(err, ErrNoSuchImage) {
		t.Errorf("Expected ErrNoSuchImage, got %v", err)
	}
	if h.Main() != Image(main) {
		t.Error("Expected Main to return the main image")
	}
}

func TestIsPyramidLevel(t *testing.T) {
	base := image.Pt(4000, 3000)
	tests := []struct {
		size image.Point
		want bool
	}{
		{image.Pt(1000, 750), true},
		{image.Pt(250, 187), true},
		{image.Pt(2000, 1500), true},
		{image.Pt(1024, 768), false},
		{image.Pt(600, 600), false},
		{image.Pt(4000, 3000), false},
		{image.Pt(0, 0), false},
	}

	for _, tt := range tests {
		if got := isPyramidLevel(base, tt.size); got != tt.want {
			t.Errorf("isPyramidLevel(%v, %v) = %v, want %v", base, tt.size, got, tt.want)
		}
	}
}

func TestTIFFHandleClassification(t *testing.T) {
	images := []image.Image{
		image.NewGray(image.Rect(0, 0, 1024, 512)),
		image.NewGray(image.Rect(0, 0, 300, 300)),
		image.NewGray(image.Rect(0, 0, 256, 128)),
		image.NewGray(image.Rect(0, 0, 64, 32)),
		image.NewGray(image.Rect(0, 0, 100, 40)),
	}

	h := newTIFFHandle(images)

	dims := h.Main().LevelDimensions()
	if len(dims) != 3 {
		t.Fatalf("Expected 3 pyramid levels, got %d (%v)", len(dims), dims)
	}
	if dims[1] != image.Pt(256, 128) || dims[2] != image.Pt(64, 32) {
		t.Errorf("Unexpected level dimensions %v", dims)
	}

	names := h.AssociatedNames()
	if len(names) != 2 || names[0] != "associated_0" || names[1] != "associated_1" {
		t.Errorf("Expected two associated images, got %v", names)
	}
	img, err := h.Associated("associated_0")
	if err != nil {
		t.Fatal(err)
	}
	if img.Dimensions() != image.Pt(300, 300) {
		t.Errorf("Expected associated_0 to be the 300x300 page, got %v", img.Dimensions())
	}
}

func TestOpenRaster(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "slide.png")
	src := imaging.New(48, 24, color.NRGBA{R: 120, G: 80, B: 160, A: 255})
	if err := imaging.Save(src, path); err != nil {
		t.Fatalf("Failed to write test image: %v", err)
	}

	h, err := Open(path)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer h.Close()

	if got := h.Main().Dimensions(); got != image.Pt(48, 24) {
		t.Errorf("Expected 48x24, got %v", got)
	}
	if len(h.AssociatedNames()) != 0 {
		t.Errorf("Expected no associated images, got %v", h.AssociatedNames())
	}
}

func TestOpenUnsupported(t *testing.T) {
	if _, err := Open("slide.mrxs"); !errors.Is(err, ErrUnsupportedFormat) {
		t.Errorf("Expected ErrUnsupportedFormat, got %v", err)
	}
	if _, err := Open(filepath.Join(t.TempDir(), "missing.svs")); err == nil {
		t.Error("Expected an error for a missing slide")
	}
	if !IsSupported("A.SVS") || IsSupported("a.txt") {
		t.Error("IsSupported returned unexpected results")
	}
}
