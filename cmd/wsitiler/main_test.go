package main

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"wsitiler/pkg/slide"
)

func TestFindSlides(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"b.svs", "a.tif", "notes.txt", "c.png"} {
		if err := os.WriteFile(filepath.Join(dir, name), nil, 0644); err != nil {
			t.Fatal(err)
		}
	}

	slides, err := findSlides(dir, []string{"*.svs", "*.tif", "*.txt", "*.svs"})
	if err != nil {
		t.Fatalf("findSlides failed: %v", err)
	}
	want := []string{filepath.Join(dir, "a.tif"), filepath.Join(dir, "b.svs")}
	if len(slides) != len(want) {
		t.Fatalf("Expected %v, got %v", want, slides)
	}
	for i := range want {
		if slides[i] != want[i] {
			t.Errorf("Expected %s at %d, got %s", want[i], i, slides[i])
		}
	}

	single, err := findSlides(filepath.Join(dir, "c.png"), nil)
	if err != nil || len(single) != 1 {
		t.Errorf("Expected a single slide for a file input, got %v (%v)", single, err)
	}
	if _, err := findSlides(filepath.Join(dir, "notes.txt"), nil); !errors.Is(err, slide.ErrUnsupportedFormat) {
		t.Errorf("Expected ErrUnsupportedFormat, got %v", err)
	}
}

func TestOutputBase(t *testing.T) {
	got := outputBase("tiles", filepath.Join("data", "TCGA-01.svs"))
	if want := filepath.Join("tiles", "TCGA-01"); got != want {
		t.Errorf("Expected %s, got %s", want, got)
	}
}

func TestLoadConfigAppliesEnv(t *testing.T) {
	t.Setenv("WSITILER_TILE_SIZE", "256")
	t.Setenv("WSITILER_STRIDE", "240")

	cfg, err := loadConfig("")
	if err != nil {
		t.Fatalf("loadConfig failed: %v", err)
	}
	if cfg.Tiling.TileSize != 256 || cfg.Overlap() != 16 {
		t.Errorf("Expected tile size 256 with overlap 16, got %d and %d", cfg.Tiling.TileSize, cfg.Overlap())
	}
}
