package tiler

import (
	"fmt"
	"image"
	"io"
	"log"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/disintegration/imaging"

	"wsitiler/internal/fsutil"
	"wsitiler/internal/models"
	"wsitiler/pkg/deepzoom"
	"wsitiler/pkg/filter"
	"wsitiler/pkg/queue"
	"wsitiler/pkg/slide"
)

// WorkerConfig holds what a worker needs to turn jobs into tile files
type WorkerConfig struct {
	SlidePath string
	Open      slide.Opener

	TileSize    int
	Overlap     int
	LimitBounds bool

	Format  imaging.Format
	Quality int

	Rotate       bool
	SaveRejected bool

	// Verbose logs the verdict of every rejected tile
	Verbose bool

	// Filter classifies tiles; nil disables rejection
	Filter *filter.Filter
}

// rotations maps the angle tag of a rotated variant to its transform.
// Tags 2, 3 and 4 are 90, 180 and 270 degrees counter-clockwise.
var rotations = []struct {
	tag    int
	rotate func(image.Image) *image.NRGBA
}{
	{2, imaging.Rotate90},
	{3, imaging.Rotate180},
	{4, imaging.Rotate270},
}

// Worker takes messages from a queue until it receives a stop message.
// It owns its slide handle, opened on the first job.
type Worker struct {
	id      int
	cfg     *WorkerConfig
	queue   *queue.Queue
	tally   *Tally
	metrics *Metrics
	logger  *log.Logger

	handle slide.Handle

	gen           *deepzoom.Generator
	genAssociated string
	genIsAssoc    bool
}

// NewWorker creates a worker reading from q. tally and metrics may be nil.
func NewWorker(id int, cfg *WorkerConfig, q *queue.Queue, tally *Tally, metrics *Metrics, logger *log.Logger) *Worker {
	if logger == nil {
		logger = log.Default()
	}
	return &Worker{
		id:      id,
		cfg:     cfg,
		queue:   q,
		tally:   tally,
		metrics: metrics,
		logger:  logger,
	}
}

// Run processes messages until a stop message arrives. Every message taken
// from the queue is acknowledged exactly once.
func (w *Worker) Run() {
	defer w.close()
	for {
		msg := w.queue.Get()
		w.metrics.setQueueDepth(w.queue.Len())
		if msg.IsStop() {
			w.ack()
			return
		}
		w.handleJob(msg.Job)
	}
}

func (w *Worker) ack() {
	if err := w.queue.TaskDone(); err != nil {
		w.logger.Printf("Worker %d: %v", w.id, err)
	}
}

func (w *Worker) handleJob(job models.TileJob) {
	start := time.Now()
	defer w.ack()

	outcome := models.OutcomeFailed
	defer func() {
		if r := recover(); r != nil {
			w.logger.Printf("Worker %d: panic on tile %s %v: %v", w.id, job.ImageName(), job.Address, r)
			outcome = models.OutcomeFailed
		}
		w.tally.Add(job.ImageName(), job.HasAssociated, outcome)
		w.metrics.observeOutcome(job.ImageName(), outcome, time.Since(start).Seconds())
	}()

	var err error
	outcome, err = w.process(job)
	if err != nil {
		w.logger.Printf("Worker %d: tile %s %v failed: %v", w.id, job.ImageName(), job.Address, err)
	}
}

func (w *Worker) process(job models.TileJob) (models.Outcome, error) {
	gen, err := w.generator(job)
	if err != nil {
		return models.OutcomeFailed, err
	}

	tile, err := gen.Tile(job.Address)
	if err != nil {
		return models.OutcomeFailed, err
	}

	if w.cfg.Filter != nil {
		verdict := w.cfg.Filter.Classify(tile)
		if !verdict.Accepted {
			if w.cfg.Verbose {
				w.logger.Printf("Worker %d: rejected tile %s %v (%s, bright area %.0f, mean intensity %.1f)",
					w.id, job.ImageName(), job.Address, verdict.Reason, verdict.ForegroundArea, verdict.MeanIntensity)
			}
			if w.cfg.SaveRejected {
				if err := w.save(tile, job.RejectedPath); err != nil {
					return models.OutcomeFailed, err
				}
			}
			return models.OutcomeRejected, nil
		}
	}

	// rotated variants go first so an existing base tile implies a complete set
	if w.cfg.Rotate {
		for _, r := range rotations {
			if err := w.save(r.rotate(tile), RotatedPath(job.OutputPath, r.tag)); err != nil {
				return models.OutcomeFailed, err
			}
		}
	}
	if err := w.save(tile, job.OutputPath); err != nil {
		return models.OutcomeFailed, err
	}
	return models.OutcomeAccepted, nil
}

// generator returns the pyramid generator for the job's image, reusing the
// previous one while consecutive jobs target the same image
func (w *Worker) generator(job models.TileJob) (*deepzoom.Generator, error) {
	if w.gen != nil && w.genIsAssoc == job.HasAssociated && w.genAssociated == job.Associated {
		return w.gen, nil
	}

	if w.handle == nil {
		h, err := w.cfg.Open(w.cfg.SlidePath)
		if err != nil {
			return nil, fmt.Errorf("failed to open slide: %w", err)
		}
		w.handle = h
	}

	img := w.handle.Main()
	if job.HasAssociated {
		var err error
		img, err = w.handle.Associated(job.Associated)
		if err != nil {
			return nil, err
		}
	}

	gen, err := deepzoom.NewGenerator(img, w.cfg.TileSize, w.cfg.Overlap, w.cfg.LimitBounds)
	if err != nil {
		w.gen = nil
		return nil, err
	}
	w.gen, w.genAssociated, w.genIsAssoc = gen, job.Associated, job.HasAssociated
	return gen, nil
}

func (w *Worker) save(img image.Image, path string) error {
	return fsutil.WriteFileAtomic(path, func(out io.Writer) error {
		return imaging.Encode(out, img, w.cfg.Format, imaging.JPEGQuality(w.cfg.Quality))
	})
}

func (w *Worker) close() {
	if w.handle == nil {
		return
	}
	if err := w.handle.Close(); err != nil {
		w.logger.Printf("Worker %d: failed to close slide: %v", w.id, err)
	}
	w.handle = nil
	w.gen = nil
}

// RotatedPath returns the path of the rotated variant of a tile
func RotatedPath(path string, tag int) string {
	ext := filepath.Ext(path)
	return fmt.Sprintf("%s_%d%s", strings.TrimSuffix(path, ext), tag, ext)
}

// Tally counts job outcomes per image. It is safe for concurrent use.
type Tally struct {
	mu     sync.Mutex
	counts map[tallyKey]int
}

type tallyKey struct {
	image      string
	associated bool
	outcome    models.Outcome
}

// NewTally creates an empty tally
func NewTally() *Tally {
	return &Tally{counts: map[tallyKey]int{}}
}

// Add records one outcome for an image
func (t *Tally) Add(image string, associated bool, outcome models.Outcome) {
	if t == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.counts[tallyKey{image, associated, outcome}]++
}

// Count returns the number of outcomes recorded for an image
func (t *Tally) Count(image string, associated bool, outcome models.Outcome) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.counts[tallyKey{image, associated, outcome}]
}
