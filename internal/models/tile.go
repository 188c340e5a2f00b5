package models

import (
	"fmt"
	"image"
)

// TileAddress identifies one tile within one pyramid level of one image.
type TileAddress struct {
	// Level is the pyramid level; higher levels have higher resolution
	Level int

	// Col and Row index the tile grid of the level
	Col int
	Row int
}

func (a TileAddress) String() string {
	return fmt.Sprintf("%d/%d_%d", a.Level, a.Col, a.Row)
}

// TileJob is one unit of work handed from the producer to a worker
type TileJob struct {
	// Associated names the associated image the tile belongs to.
	// It is empty when HasAssociated is false, meaning the main slide image.
	Associated    string
	HasAssociated bool

	// Address is the tile's position in the image pyramid
	Address TileAddress

	// OutputPath is where an accepted tile is written
	OutputPath string

	// RejectedPath is where a rejected tile is written when rejected tiles are kept
	RejectedPath string
}

// ImageName returns the name used for the job's image in logs and metrics.
func (j TileJob) ImageName() string {
	if !j.HasAssociated {
		return MainImageName
	}
	return j.Associated
}

// MainImageName is the image name used for the main slide image.
const MainImageName = "slide"

// LevelGrid holds the tile grid dimensions of a single pyramid level
type LevelGrid struct {
	Cols int
	Rows int
}

// Count returns the number of addressable tiles in the level
func (g LevelGrid) Count() int {
	return g.Cols * g.Rows
}

// PyramidGeometry describes the tiling of one image
type PyramidGeometry struct {
	// LevelCount is the number of pyramid levels
	LevelCount int

	// Grid holds the tile grid per level, indexed by level
	Grid []LevelGrid

	// Dimensions holds the pixel size of each level, indexed by level
	Dimensions []image.Point

	// TileSize is the edge length of the unique content of a tile
	TileSize int

	// Overlap is the number of context pixels added on each side shared with a neighbour
	Overlap int
}

// FinestLevel returns the index of the highest resolution level
func (g PyramidGeometry) FinestLevel() int {
	return g.LevelCount - 1
}

// TotalTiles returns the number of tiles across all levels
func (g PyramidGeometry) TotalTiles() int {
	total := 0
	for _, grid := range g.Grid {
		total += grid.Count()
	}
	return total
}

// RejectReason explains why a tile was rejected
type RejectReason int

const (
	NotRejected RejectReason = iota
	RejectTruncated
	RejectBackground
)

func (r RejectReason) String() string {
	switch r {
	case RejectTruncated:
		return "truncated"
	case RejectBackground:
		return "background"
	default:
		return "none"
	}
}

// Verdict is the quality classification of one extracted tile
type Verdict struct {
	Accepted bool

	// ForegroundArea is the summed area of the largest bright regions in pixels
	ForegroundArea float64

	// MeanIntensity is the mean grayscale intensity of the tile in [0, 255]
	MeanIntensity float64

	Reason RejectReason
}

// Outcome is how a worker finished a queue message
type Outcome string

const (
	OutcomeAccepted Outcome = "accepted"
	OutcomeRejected Outcome = "rejected"
	OutcomeFailed   Outcome = "failed"
)

// MessageKind tags the variant held by a Message
type MessageKind int

const (
	KindJob MessageKind = iota
	KindStop
)

// Message is the value carried by the work queue: either a job or a stop signal.
type Message struct {
	Kind MessageKind
	Job  TileJob
}

// JobMessage wraps a job for the work queue
func JobMessage(job TileJob) Message {
	return Message{Kind: KindJob, Job: job}
}

// StopMessage returns the message that tells one worker to exit
func StopMessage() Message {
	return Message{Kind: KindStop}
}

// IsStop reports whether the message is a stop signal
func (m Message) IsStop() bool {
	return m.Kind == KindStop
}
