package tiler

import (
	"fmt"
	"iter"
	"os"
	"path/filepath"
	"strconv"

	"wsitiler/internal/fsutil"
	"wsitiler/internal/models"
)

// Producer enumerates the tile jobs of one image
type Producer struct {
	Geometry models.PyramidGeometry

	// BasePath is the output base of the image; tiles go below BasePath/<image name>
	BasePath string

	// Associated names the associated image, if HasAssociated is set
	Associated    string
	HasAssociated bool

	// Extension is the tile file extension without the dot
	Extension string

	OnlyFinestLevel bool
	SaveRejected    bool

	// Progress, if set, is called once per enumerated address
	Progress Progress

	total   int
	skipped int
	err     error
}

// ImageName returns the directory name of the image below BasePath
func (p *Producer) ImageName() string {
	if p.HasAssociated {
		return p.Associated
	}
	return models.MainImageName
}

// Levels returns the levels enumerated by Jobs, in order
func (p *Producer) Levels() []int {
	finest := p.Geometry.FinestLevel()
	if p.OnlyFinestLevel {
		return []int{finest}
	}
	levels := make([]int, 0, p.Geometry.LevelCount)
	for level := 0; level <= finest; level++ {
		levels = append(levels, level)
	}
	return levels
}

// TotalAddresses returns the number of addresses Jobs visits
func (p *Producer) TotalAddresses() int {
	if p.OnlyFinestLevel {
		return p.Geometry.Grid[p.Geometry.FinestLevel()].Count()
	}
	return p.Geometry.TotalTiles()
}

// LevelDir returns the directory holding the tiles of level
func (p *Producer) LevelDir(level int) string {
	return filepath.Join(p.BasePath, p.ImageName(), strconv.Itoa(level))
}

// TilePath returns the output path of the tile at addr
func (p *Producer) TilePath(addr models.TileAddress) string {
	return filepath.Join(p.LevelDir(addr.Level), tileFileName(addr, p.Extension))
}

// RejectedPath returns the path a rejected tile at addr is kept at
func (p *Producer) RejectedPath(addr models.TileAddress) string {
	return filepath.Join(p.LevelDir(addr.Level), "rejected", tileFileName(addr, p.Extension))
}

func tileFileName(addr models.TileAddress, ext string) string {
	return fmt.Sprintf("%d_%d.%s", addr.Col, addr.Row, ext)
}

// Jobs returns the jobs for every address whose output file is missing.
// Levels are visited in Levels order and each level in row-major order.
// Every call starts a new enumeration and resets the counters.
func (p *Producer) Jobs() iter.Seq[models.TileJob] {
	return func(yield func(models.TileJob) bool) {
		p.total, p.skipped, p.err = 0, 0, nil
		all := p.TotalAddresses()

		for _, level := range p.Levels() {
			if err := os.MkdirAll(p.LevelDir(level), 0755); err != nil {
				p.err = fmt.Errorf("failed to create level directory: %w", err)
				return
			}
			if p.SaveRejected {
				rejected := filepath.Join(p.LevelDir(level), "rejected")
				if err := os.MkdirAll(rejected, 0755); err != nil {
					p.err = fmt.Errorf("failed to create rejected directory: %w", err)
					return
				}
			}

			grid := p.Geometry.Grid[level]
			for row := 0; row < grid.Rows; row++ {
				for col := 0; col < grid.Cols; col++ {
					addr := models.TileAddress{Level: level, Col: col, Row: row}
					p.total++

					out := p.TilePath(addr)
					exists, err := fsutil.Exists(out)
					if err != nil {
						p.err = err
						return
					}
					if p.Progress != nil {
						p.Progress(p.total, all, "")
					}
					if exists {
						p.skipped++
						continue
					}

					job := models.TileJob{
						Associated:    p.Associated,
						HasAssociated: p.HasAssociated,
						Address:       addr,
						OutputPath:    out,
						RejectedPath:  p.RejectedPath(addr),
					}
					if !yield(job) {
						return
					}
				}
			}
		}
	}
}

// Total returns the number of addresses visited by the last enumeration
func (p *Producer) Total() int {
	return p.total
}

// Skipped returns the number of addresses skipped by the last enumeration
// because their output already existed
func (p *Producer) Skipped() int {
	return p.skipped
}

// Err returns the error that ended the last enumeration early, if any
func (p *Producer) Err() error {
	return p.err
}
