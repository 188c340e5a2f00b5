package tiler

import (
	"os"
	"path/filepath"
	"testing"

	"wsitiler/internal/models"
)

// testGeometry returns the geometry of a 2x2 finest level over three levels
func testGeometry() models.PyramidGeometry {
	return models.PyramidGeometry{
		LevelCount: 3,
		Grid: []models.LevelGrid{
			{Cols: 1, Rows: 1},
			{Cols: 1, Rows: 1},
			{Cols: 2, Rows: 2},
		},
		TileSize: 224,
	}
}

func collect(p *Producer) []models.TileJob {
	var jobs []models.TileJob
	for job := range p.Jobs() {
		jobs = append(jobs, job)
	}
	return jobs
}

func TestProducerRowMajor(t *testing.T) {
	base := filepath.Join(t.TempDir(), "slide01")
	p := &Producer{
		Geometry:        testGeometry(),
		BasePath:        base,
		Extension:       "png",
		OnlyFinestLevel: true,
	}

	jobs := collect(p)
	if err := p.Err(); err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	want := []models.TileAddress{
		{Level: 2, Col: 0, Row: 0},
		{Level: 2, Col: 1, Row: 0},
		{Level: 2, Col: 0, Row: 1},
		{Level: 2, Col: 1, Row: 1},
	}
	if len(jobs) != len(want) {
		t.Fatalf("Expected %d jobs, got %d", len(want), len(jobs))
	}
	for i, job := range jobs {
		if job.Address != want[i] {
			t.Errorf("Job %d: expected %v, got %v", i, want[i], job.Address)
		}
		if job.HasAssociated {
			t.Errorf("Job %d: expected a main image job", i)
		}
	}

	if got, want := jobs[1].OutputPath, filepath.Join(base, "slide", "2", "1_0.png"); got != want {
		t.Errorf("Expected output path %s, got %s", want, got)
	}
	if got, want := jobs[1].RejectedPath, filepath.Join(base, "slide", "2", "rejected", "1_0.png"); got != want {
		t.Errorf("Expected rejected path %s, got %s", want, got)
	}
	if p.Total() != 4 || p.Skipped() != 0 {
		t.Errorf("Expected total 4 skipped 0, got %d and %d", p.Total(), p.Skipped())
	}

	if _, err := os.Stat(filepath.Join(base, "slide", "2")); err != nil {
		t.Errorf("Expected level directory to exist: %v", err)
	}
	if _, err := os.Stat(filepath.Join(base, "slide", "2", "rejected")); !os.IsNotExist(err) {
		t.Errorf("Expected no rejected directory without save-rejected, got %v", err)
	}
}

func TestProducerAllLevels(t *testing.T) {
	p := &Producer{
		Geometry:     testGeometry(),
		BasePath:     t.TempDir(),
		Extension:    "jpeg",
		SaveRejected: true,
	}
	jobs := collect(p)
	if len(jobs) != 6 {
		t.Fatalf("Expected 6 jobs across all levels, got %d", len(jobs))
	}
	if p.TotalAddresses() != 6 || p.Total() != 6 {
		t.Errorf("Expected 6 addresses, got %d (total %d)", p.TotalAddresses(), p.Total())
	}
	if jobs[0].Address.Level != 0 || jobs[5].Address.Level != 2 {
		t.Errorf("Expected levels in ascending order, got %v first and %v last", jobs[0].Address, jobs[5].Address)
	}
	for level := 0; level < 3; level++ {
		dir := filepath.Join(p.LevelDir(level), "rejected")
		if _, err := os.Stat(dir); err != nil {
			t.Errorf("Expected rejected directory %s: %v", dir, err)
		}
	}
}

func TestProducerIdempotence(t *testing.T) {
	p := &Producer{
		Geometry:        testGeometry(),
		BasePath:        t.TempDir(),
		Associated:      "label",
		HasAssociated:   true,
		Extension:       "png",
		OnlyFinestLevel: true,
	}

	first := collect(p)
	for _, job := range first {
		if err := os.WriteFile(job.OutputPath, []byte("tile"), 0644); err != nil {
			t.Fatal(err)
		}
	}

	if again := collect(p); len(again) != 0 {
		t.Fatalf("Expected no jobs once every tile exists, got %d", len(again))
	}
	if p.Total() != 4 || p.Skipped() != 4 {
		t.Errorf("Expected total 4 skipped 4, got %d and %d", p.Total(), p.Skipped())
	}

	missing := first[2]
	if err := os.Remove(missing.OutputPath); err != nil {
		t.Fatal(err)
	}
	retry := collect(p)
	if len(retry) != 1 {
		t.Fatalf("Expected exactly one job after deleting one tile, got %d", len(retry))
	}
	if retry[0].Address != missing.Address || retry[0].Associated != "label" {
		t.Errorf("Expected job for %v of label, got %+v", missing.Address, retry[0])
	}
}

func TestProducerEarlyStop(t *testing.T) {
	p := &Producer{
		Geometry:        testGeometry(),
		BasePath:        t.TempDir(),
		Extension:       "png",
		OnlyFinestLevel: true,
	}
	n := 0
	for range p.Jobs() {
		n++
		if n == 2 {
			break
		}
	}
	if n != 2 || p.Total() != 2 {
		t.Errorf("Expected enumeration to stop after 2 jobs, got %d jobs and total %d", n, p.Total())
	}
}

func TestProducerProgress(t *testing.T) {
	var calls, last, total int
	p := &Producer{
		Geometry:        testGeometry(),
		BasePath:        t.TempDir(),
		Extension:       "png",
		OnlyFinestLevel: true,
		Progress: func(completed, all int, message string) {
			calls++
			last, total = completed, all
		},
	}
	collect(p)
	if calls != 4 || last != 4 || total != 4 {
		t.Errorf("Expected 4 progress calls ending at 4/4, got %d calls ending at %d/%d", calls, last, total)
	}
}

func TestRotatedPath(t *testing.T) {
	got := RotatedPath(filepath.Join("out", "slide", "9", "1_0.png"), 3)
	want := filepath.Join("out", "slide", "9", "1_0_3.png")
	if got != want {
		t.Errorf("Expected %s, got %s", want, got)
	}
}
