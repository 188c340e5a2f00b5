// Package tiler turns whole-slide images into Deep Zoom tile trees.
//
// A SlideTiler drives one slide: it enumerates the missing tiles of the main
// image and of every associated image, feeds them through a bounded queue to
// a fixed pool of workers, and writes a descriptor per image once all of that
// image's tiles are done.
package tiler

import (
	"errors"
	"fmt"
	"log"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"
	"unicode"

	"github.com/disintegration/imaging"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"

	"wsitiler/internal/models"
	"wsitiler/pkg/config"
	"wsitiler/pkg/deepzoom"
	"wsitiler/pkg/filter"
	"wsitiler/pkg/queue"
	"wsitiler/pkg/slide"
)

// State is the lifecycle stage of a SlideTiler
type State int

const (
	StateIdle State = iota
	StateRunningMain
	StateRunningAssociated
	StateShuttingDown
	StateDone
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRunningMain:
		return "running main image"
	case StateRunningAssociated:
		return "running associated image"
	case StateShuttingDown:
		return "shutting down"
	case StateDone:
		return "done"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Params holds the inputs of one slide run
type Params struct {
	// SlidePath is the slide file opened by the driver and by every worker
	SlidePath string

	// OutputBase is the output base of the main image. The main image's
	// descriptor is OutputBase.dzi; associated images live below it.
	OutputBase string

	// Config carries the tiling, filter, output and worker settings
	Config *config.Config

	// Open opens slides; nil selects slide.Open
	Open slide.Opener

	// Metrics, Logger and Progress are optional
	Metrics  *Metrics
	Logger   *log.Logger
	Progress Progress
}

// ImageResult summarizes the tiling of one image
type ImageResult struct {
	// Name is the image name; the main image is models.MainImageName
	Name       string
	Associated bool

	BasePath       string
	DescriptorPath string

	Total    int
	Skipped  int
	Queued   int
	Accepted int
	Rejected int
	Failed   int

	// DZI is the descriptor written for the image
	DZI string

	Elapsed time.Duration
	Err     error
}

// Result summarizes a slide run
type Result struct {
	Images []ImageResult

	// DZI holds the descriptor of every finished image keyed by slide.dzi or <slug>.dzi
	DZI map[string]string
}

// SlideTiler tiles the main image and every associated image of one slide
type SlideTiler struct {
	params *Params
	cfg    *config.Config
	logger *log.Logger

	handle  slide.Handle
	queue   *queue.Queue
	pool    *Pool
	tally   *Tally
	workers *WorkerConfig

	mu         sync.Mutex
	state      State
	assocIndex int
}

// NewSlideTiler validates the configuration and opens the slide. No worker
// runs until Run is called.
func NewSlideTiler(params *Params) (*SlideTiler, error) {
	if params.Config == nil {
		return nil, fmt.Errorf("%w: no configuration", config.ErrInvalidConfig)
	}
	cfg := params.Config
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if params.OutputBase == "" {
		return nil, fmt.Errorf("%w: output base is required", config.ErrInvalidConfig)
	}

	open := params.Open
	if open == nil {
		open = slide.Open
	}
	logger := params.Logger
	if logger == nil {
		logger = log.Default()
	}

	format, err := imaging.FormatFromExtension(cfg.Extension())
	if err != nil {
		return nil, fmt.Errorf("%w: %v", config.ErrInvalidConfig, err)
	}

	handle, err := open(params.SlidePath)
	if err != nil {
		return nil, fmt.Errorf("failed to open slide %s: %w", params.SlidePath, err)
	}

	q, err := queue.New(2 * cfg.Processing.NumWorkers)
	if err != nil {
		handle.Close()
		return nil, err
	}

	wc := &WorkerConfig{
		SlidePath:    params.SlidePath,
		Open:         open,
		TileSize:     cfg.UsableTileSize(),
		Overlap:      cfg.Overlap(),
		LimitBounds:  cfg.Tiling.LimitBounds,
		Format:       format,
		Quality:      cfg.Output.Quality,
		Rotate:       cfg.Output.Rotate,
		SaveRejected: cfg.Output.SaveRejected,
		Verbose:      cfg.Output.Verbose,
	}
	if cfg.Filter.Reject {
		wc.Filter = filter.New(wc.TileSize, wc.Overlap, cfg.Filter.Threshold, cfg.ForegroundLimit())
	}

	t := &SlideTiler{
		params:  params,
		cfg:     cfg,
		logger:  logger,
		handle:  handle,
		queue:   q,
		tally:   NewTally(),
		workers: wc,
	}
	t.pool = NewPool(cfg.Processing.NumWorkers, func(id int) *Worker {
		return NewWorker(id, wc, q, t.tally, params.Metrics, logger)
	})
	return t, nil
}

// State returns the current lifecycle stage
func (t *SlideTiler) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// AssociatedIndex returns the index of the associated image being tiled
// while State is StateRunningAssociated
func (t *SlideTiler) AssociatedIndex() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.assocIndex
}

func (t *SlideTiler) setState(s State, index int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.state = s
	t.assocIndex = index
}

// Run tiles the main image and then every associated image in name order.
// A failing image does not stop the others; their errors are joined and
// returned once every worker has exited.
func (t *SlideTiler) Run() (*Result, error) {
	if t.State() != StateIdle {
		return nil, errors.New("slide tiler has already run")
	}

	res := &Result{DZI: map[string]string{}}
	var errs []error

	if t.cfg.Output.Verbose {
		t.logger.Printf("Starting %d workers, queue capacity %d", t.pool.Size(), t.queue.Cap())
	}
	t.pool.Start()
	t.setState(StateRunningMain, 0)

	func() {
		// shutdown must happen even if an image panics
		defer func() {
			if r := recover(); r != nil {
				errs = append(errs, fmt.Errorf("tiling aborted: %v", r))
			}
		}()

		ir := t.runImage("", false)
		res.add(ir)
		if ir.Err != nil {
			errs = append(errs, ir.Err)
		}

		for i, name := range t.handle.AssociatedNames() {
			t.setState(StateRunningAssociated, i)
			ir := t.runImage(name, true)
			res.add(ir)
			if ir.Err != nil {
				errs = append(errs, ir.Err)
			}
		}
	}()

	if err := t.shutdown(); err != nil {
		errs = append(errs, err)
	}
	return res, errors.Join(errs...)
}

// Close releases the slide of a tiler that was never run
func (t *SlideTiler) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state != StateIdle {
		return nil
	}
	t.state = StateDone
	return t.handle.Close()
}

func (r *Result) add(ir ImageResult) {
	r.Images = append(r.Images, ir)
	if ir.DZI != "" {
		r.DZI[DescriptorKey(ir.Name, ir.Associated)] = ir.DZI
	}
}

func (t *SlideTiler) shutdown() error {
	t.setState(StateShuttingDown, 0)
	for i := 0; i < t.pool.Size(); i++ {
		t.queue.Put(models.StopMessage())
	}
	t.queue.Join()
	t.pool.Wait()
	t.params.Metrics.setQueueDepth(0)

	err := t.handle.Close()
	t.setState(StateDone, 0)
	if err != nil {
		return fmt.Errorf("failed to close slide: %w", err)
	}
	return nil
}

// runImage enumerates, queues and drains the tiles of one image and writes
// its descriptor
func (t *SlideTiler) runImage(name string, associated bool) ImageResult {
	start := time.Now()
	ir := ImageResult{Name: models.MainImageName, Associated: associated, BasePath: t.params.OutputBase}
	if associated {
		ir.Name = name
		ir.BasePath = filepath.Join(t.params.OutputBase, Slugify(name))
	}
	ir.DescriptorPath = ir.BasePath + ".dzi"

	img := t.handle.Main()
	if associated {
		var err error
		img, err = t.handle.Associated(name)
		if err != nil {
			ir.Err = fmt.Errorf("image %s: %w", name, err)
			return ir
		}
	}

	gen, err := deepzoom.NewGenerator(img, t.workers.TileSize, t.workers.Overlap, t.workers.LimitBounds)
	if err != nil {
		ir.Err = fmt.Errorf("image %s: %w", ir.Name, err)
		return ir
	}

	producer := &Producer{
		Geometry:        gen.Geometry(),
		BasePath:        ir.BasePath,
		Associated:      name,
		HasAssociated:   associated,
		Extension:       t.cfg.Extension(),
		OnlyFinestLevel: t.cfg.Tiling.OnlyFinestLevel,
		SaveRejected:    t.cfg.Output.SaveRejected,
		Progress:        t.params.Progress,
	}

	t.report(0, 0, fmt.Sprintf("Tiling %s", ir.Name))
	for job := range producer.Jobs() {
		t.queue.Put(models.JobMessage(job))
		t.params.Metrics.setQueueDepth(t.queue.Len())
		ir.Queued++
	}
	// queued jobs must drain before the descriptor is written or the image is abandoned
	t.queue.Join()

	ir.Total = producer.Total()
	ir.Skipped = producer.Skipped()
	ir.Accepted = t.tally.Count(ir.Name, associated, models.OutcomeAccepted)
	ir.Rejected = t.tally.Count(ir.Name, associated, models.OutcomeRejected)
	ir.Failed = t.tally.Count(ir.Name, associated, models.OutcomeFailed)
	t.params.Metrics.addSkipped(ir.Name, ir.Skipped)

	if err := producer.Err(); err != nil {
		ir.Err = fmt.Errorf("image %s: %w", ir.Name, err)
		return ir
	}

	data, err := gen.DZI(t.cfg.Extension())
	if err != nil {
		ir.Err = fmt.Errorf("image %s: %w", ir.Name, err)
		return ir
	}
	if err := deepzoom.WriteDescriptor(ir.DescriptorPath, data); err != nil {
		ir.Err = fmt.Errorf("image %s: %w", ir.Name, err)
		return ir
	}
	ir.DZI = string(data)
	ir.Elapsed = time.Since(start)

	t.report(0, 0, fmt.Sprintf("Tiling completed on %s in: %v", ir.Name, ir.Elapsed.Round(time.Millisecond)))
	if t.cfg.Output.Verbose {
		t.logger.Printf("%s: %d tiles, %d skipped, %d accepted, %d rejected, %d failed",
			ir.Name, ir.Total, ir.Skipped, ir.Accepted, ir.Rejected, ir.Failed)
	}
	return ir
}

func (t *SlideTiler) report(completed, total int, message string) {
	if t.params.Progress != nil {
		t.params.Progress(completed, total, message)
	}
}

var slugInvalid = regexp.MustCompile(`[^a-z0-9]+`)

// Slugify turns an associated image name into a file name: lower case ASCII
// letters and digits, with every other run of characters replaced by '_'.
// Accents are stripped and letters without an ASCII form are dropped.
func Slugify(text string) string {
	t := transform.Chain(
		norm.NFKD,
		runes.Remove(runes.In(unicode.Mn)),
		runes.Remove(runes.Predicate(func(r rune) bool { return r > unicode.MaxASCII })),
	)
	s, _, err := transform.String(t, strings.ToLower(text))
	if err != nil {
		s = strings.ToLower(text)
	}
	return slugInvalid.ReplaceAllString(s, "_")
}

// DescriptorKey returns the key of an image's descriptor in Result.DZI
func DescriptorKey(name string, associated bool) string {
	if !associated {
		return models.MainImageName + ".dzi"
	}
	return Slugify(name) + ".dzi"
}
