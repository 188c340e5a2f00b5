package main

import (
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"wsitiler/pkg/config"
	"wsitiler/pkg/slide"
	"wsitiler/pkg/tiler"
)

func main() {
	// Parse command line arguments
	input := flag.String("input", "", "Slide file or directory containing slides (default: input.dir from config)")
	output := flag.String("output", "", "Output directory for tiles (default: output.dir from config)")
	configPath := flag.String("config", "", "Path to a YAML configuration file")
	workers := flag.Int("workers", 0, "Number of tile workers (default: all available cores)")
	format := flag.String("format", "", "Tile image format: png or jpeg")
	tileSize := flag.Int("tile-size", 0, "Nominal tile edge length in pixels")
	stride := flag.Int("stride", 0, "Distance between neighbouring tile origins in pixels")
	onlyFinest := flag.Bool("only-finest", true, "Only tile the highest resolution level")
	rotate := flag.Bool("rotate", false, "Also write 90, 180 and 270 degree rotations of accepted tiles")
	saveRejected := flag.Bool("save-rejected", false, "Keep rejected tiles in a rejected/ directory")
	noReject := flag.Bool("no-reject", false, "Disable background rejection")
	metricsAddr := flag.String("metrics-addr", "", "Serve Prometheus metrics on this address, e.g. :9090")
	writeConfig := flag.String("write-config", "", "Write the effective configuration to this path and exit")
	initConfig := flag.String("init-config", "", "Write the default configuration to this path and exit")
	flag.Parse()

	if *initConfig != "" {
		if err := config.CreateDefaultConfigFile(*initConfig); err != nil {
			log.Fatalf("Failed to write configuration: %v", err)
		}
		fmt.Printf("Default configuration written to %s\n", *initConfig)
		return
	}

	// .env is optional
	_ = godotenv.Load()

	cfg, err := loadConfig(*configPath)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	set := map[string]bool{}
	flag.Visit(func(f *flag.Flag) { set[f.Name] = true })
	if set["input"] {
		cfg.Input.Dir = *input
	}
	if set["output"] {
		cfg.Output.Dir = *output
	}
	if set["workers"] {
		cfg.Processing.NumWorkers = *workers
	}
	if set["format"] {
		cfg.Output.Format = *format
	}
	if set["tile-size"] {
		cfg.Tiling.TileSize = *tileSize
		if !set["stride"] {
			cfg.Tiling.Stride = *tileSize
		}
	}
	if set["stride"] {
		cfg.Tiling.Stride = *stride
	}
	if set["only-finest"] {
		cfg.Tiling.OnlyFinestLevel = *onlyFinest
	}
	if set["rotate"] {
		cfg.Output.Rotate = *rotate
	}
	if set["save-rejected"] {
		cfg.Output.SaveRejected = *saveRejected
	}
	if set["no-reject"] {
		cfg.Filter.Reject = !*noReject
	}
	if set["metrics-addr"] {
		cfg.Processing.MetricsAddr = *metricsAddr
	}

	if *writeConfig != "" {
		if err := config.SaveConfig(cfg, *writeConfig); err != nil {
			log.Fatalf("Failed to write configuration: %v", err)
		}
		fmt.Printf("Configuration written to %s\n", *writeConfig)
		return
	}

	if err := cfg.Validate(); err != nil {
		log.Fatalf("%v", err)
	}

	slides, err := findSlides(cfg.Input.Dir, cfg.Input.Patterns)
	if err != nil {
		log.Fatalf("Failed to list slides: %v", err)
	}
	if len(slides) == 0 {
		log.Printf("No slides found in %s", cfg.Input.Dir)
		flag.Usage()
		os.Exit(1)
	}

	fmt.Println("================================")
	fmt.Println("WHOLE SLIDE IMAGE TILER")
	fmt.Println("Deep Zoom tiling with background rejection")
	fmt.Println("================================")
	fmt.Printf("Slides: %d\n", len(slides))
	fmt.Printf("Output: %s\n", cfg.Output.Dir)
	fmt.Printf("Tile size: %d (stride %d, overlap %d)\n", cfg.Tiling.TileSize, cfg.Tiling.Stride, cfg.Overlap())
	fmt.Printf("Workers: %d\n\n", cfg.Processing.NumWorkers)

	reg := prometheus.NewRegistry()
	metrics := tiler.NewMetrics(reg)
	if cfg.Processing.MetricsAddr != "" {
		reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
		go serveMetrics(cfg.Processing.MetricsAddr, reg)
	}

	startTime := time.Now()
	var failed []string
	for _, path := range slides {
		if err := processSlide(path, cfg, metrics); err != nil {
			log.Printf("Slide %s failed: %v", path, err)
			failed = append(failed, path)
		}
	}

	fmt.Printf("\nTiled %d of %d slides in %.2f seconds\n",
		len(slides)-len(failed), len(slides), time.Since(startTime).Seconds())
	if len(failed) > 0 {
		fmt.Println("Failed slides:")
		for _, path := range failed {
			fmt.Printf("- %s\n", path)
		}
		os.Exit(1)
	}
}

// loadConfig reads the configuration file, if any, and applies environment overrides
func loadConfig(path string) (*config.Config, error) {
	cfg := config.DefaultConfig()
	if path != "" {
		var err error
		cfg, err = config.LoadConfig(path)
		if err != nil {
			return nil, err
		}
	}
	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	return cfg, nil
}

// findSlides returns input itself if it is a file, or the files in input
// matching any of patterns, sorted and without duplicates
func findSlides(input string, patterns []string) ([]string, error) {
	info, err := os.Stat(input)
	if err != nil {
		return nil, err
	}
	if !info.IsDir() {
		if !slide.IsSupported(input) {
			return nil, fmt.Errorf("%w: %s", slide.ErrUnsupportedFormat, input)
		}
		return []string{input}, nil
	}

	seen := map[string]bool{}
	var slides []string
	for _, pattern := range patterns {
		matches, err := filepath.Glob(filepath.Join(input, pattern))
		if err != nil {
			return nil, fmt.Errorf("bad pattern %q: %w", pattern, err)
		}
		for _, m := range matches {
			if !seen[m] && slide.IsSupported(m) {
				seen[m] = true
				slides = append(slides, m)
			}
		}
	}
	sort.Strings(slides)
	return slides, nil
}

// outputBase returns the output base of a slide: its file name without
// extension below outDir
func outputBase(outDir, slidePath string) string {
	name := filepath.Base(slidePath)
	return filepath.Join(outDir, strings.TrimSuffix(name, filepath.Ext(name)))
}

func processSlide(path string, cfg *config.Config, metrics *tiler.Metrics) error {
	runID := uuid.New().String()
	logger := log.New(os.Stderr, fmt.Sprintf("[%s] ", runID), log.LstdFlags)
	logger.Printf("Tiling %s", path)

	params := &tiler.Params{
		SlidePath:  path,
		OutputBase: outputBase(cfg.Output.Dir, path),
		Config:     cfg,
		Metrics:    metrics,
		Logger:     logger,
	}
	if cfg.Output.Verbose {
		params.Progress = tiler.ConsoleProgress(os.Stdout)
	}

	st, err := tiler.NewSlideTiler(params)
	if err != nil {
		return err
	}

	res, err := st.Run()
	if res != nil {
		var accepted, rejected, failed int
		for _, ir := range res.Images {
			accepted += ir.Accepted
			rejected += ir.Rejected
			failed += ir.Failed
		}
		logger.Printf("%d images: %d accepted, %d rejected, %d failed tiles", len(res.Images), accepted, rejected, failed)
	}
	if err != nil {
		return err
	}
	logger.Printf("Tiling completed successfully")
	return nil
}

func serveMetrics(addr string, reg *prometheus.Registry) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	log.Printf("Serving metrics on %s/metrics", addr)
	if err := http.ListenAndServe(addr, mux); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Printf("Metrics server stopped: %v", err)
	}
}
