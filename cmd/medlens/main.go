// Package main implements medlens, a console tool that reads medicine labels
// from a camera and looks up combined-use contraindications for them.
//
// Frames are captured from a local camera, text is detected and burned into
// the frame, and on exit the selected (or last seen) label text is queried
// against the DUR service.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"gocv.io/x/gocv"

	"github.com/clalos/medlens/internal/annotate"
	"github.com/clalos/medlens/internal/capture"
	"github.com/clalos/medlens/internal/config"
	"github.com/clalos/medlens/internal/detect"
	"github.com/clalos/medlens/internal/dur"
	"github.com/clalos/medlens/internal/pipeline"
)

const windowName = "OCR Result"

// Config holds the application configuration parsed from command-line flags.
type Config struct {
	Camera        int
	Languages     []string
	GPU           bool
	EASTModel     string
	FontPath      string
	FontSize      int
	Display       string
	ConfigPath    string
	Lookup        bool
	Rows          int
	DumpDir       string
	Snapshot      string
	ReadRetries   int
	Buffer        int
	StatsInterval time.Duration
	LogFormat     string
	Verbose       bool
}

// parseFlags parses command-line arguments and returns the application configuration.
func parseFlags() (*Config, error) {
	// Create a new FlagSet to avoid global flag conflicts in tests
	fs := flag.NewFlagSet("std", flag.ContinueOnError)

	var (
		camera        = fs.Int("camera", 0, "Camera device index")
		lang          = fs.String("lang", "ko", "Detection languages (comma-separated)")
		gpu           = fs.Bool("gpu", true, "Prefer the accelerated detector")
		eastModel     = fs.String("east-model", "", "EAST text detection model for the accelerated detector")
		font          = fs.String("font", "assets/NoonnuBasicGothicRegular.ttf", "TrueType font for labels")
		fontSize      = fs.Int("font-size", annotate.DefaultFontSize, "Label font size in pixels")
		display       = fs.String("display", "none", "Display mode: none or window")
		configPath    = fs.String("config", "config.yaml", "Config file holding DECODING_KEY")
		lookup        = fs.Bool("lookup", false, "Query DUR contraindications on exit")
		rows          = fs.Int("rows", 50, "Number of DUR rows to request")
		dump          = fs.String("dump", "", "Directory for raw and pretty DUR responses")
		snapshot      = fs.String("snapshot", "", "Write the last annotated frame to this image file on exit")
		readRetries   = fs.Int("read-retries", 0, "Consecutive frame read failures tolerated before stopping")
		buffer        = fs.Int("buffer", 4, "Event buffer size")
		statsInterval = fs.Duration("stats-interval", 0, "Interval for periodic pipeline stats (0 disables)")
		logfmt        = fs.String("logfmt", "json", "Log format: json or kv")
		verbose       = fs.Bool("verbose", false, "Enable debug logging")
	)

	if err := fs.Parse(os.Args[1:]); err != nil {
		return nil, err
	}

	if *logfmt != "json" && *logfmt != "kv" {
		return nil, fmt.Errorf("logfmt must be 'json' or 'kv'")
	}

	if *display != "none" && *display != "window" {
		return nil, fmt.Errorf("display must be 'none' or 'window'")
	}

	if *fontSize <= 0 {
		return nil, fmt.Errorf("font-size must be positive")
	}

	if *buffer < 1 {
		return nil, fmt.Errorf("buffer must be at least 1")
	}

	if *readRetries < 0 {
		return nil, fmt.Errorf("read-retries must not be negative")
	}

	if *rows < 1 {
		return nil, fmt.Errorf("rows must be at least 1")
	}

	var langs []string
	for _, l := range strings.Split(*lang, ",") {
		if l = strings.TrimSpace(l); l != "" {
			langs = append(langs, l)
		}
	}
	if len(langs) == 0 {
		return nil, fmt.Errorf("lang must name at least one language")
	}

	return &Config{
		Camera:        *camera,
		Languages:     langs,
		GPU:           *gpu,
		EASTModel:     *eastModel,
		FontPath:      *font,
		FontSize:      *fontSize,
		Display:       *display,
		ConfigPath:    *configPath,
		Lookup:        *lookup,
		Rows:          *rows,
		DumpDir:       *dump,
		Snapshot:      *snapshot,
		ReadRetries:   *readRetries,
		Buffer:        *buffer,
		StatsInterval: *statsInterval,
		LogFormat:     *logfmt,
		Verbose:       *verbose,
	}, nil
}

// setupLogger configures structured logging based on the specified format.
func setupLogger(format string, verbose bool) *slog.Logger {
	var handler slog.Handler

	opts := &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}
	if verbose {
		opts.Level = slog.LevelDebug
	}

	switch format {
	case "json":
		handler = slog.NewJSONHandler(os.Stdout, opts)
	case "kv":
		handler = slog.NewTextHandler(os.Stdout, opts)
	default:
		handler = slog.NewJSONHandler(os.Stdout, opts)
	}

	return slog.New(handler)
}

// loadAPIKey returns the DUR service key. A missing or unreadable config is
// reported and yields an empty key.
func loadAPIKey(path string, logger *slog.Logger) string {
	f, err := config.Load(path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		logger.Warn("Config file not found, DUR lookup needs MEDLENS_DECODING_KEY", "path", path)
	case err != nil:
		logger.Warn("Failed to load config", "path", path, "error", err)
	}
	return config.APIKey(f)
}

// selection collects label texts saved with the 's' key in the window.
type selection struct {
	mu    sync.Mutex
	items []string
}

func (s *selection) save(text string) bool {
	text = strings.TrimSpace(text)
	if text == "" {
		return false
	}
	s.mu.Lock()
	s.items = append(s.items, text)
	s.mu.Unlock()
	return true
}

func (s *selection) list() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.items...)
}

// keyHandler saves the frame's primary text on 's' and requests shutdown on 'q'.
func keyHandler(sel *selection, cancel context.CancelFunc, logger *slog.Logger) pipeline.KeyHandler {
	return func(key int, f *annotate.AnnotatedFrame) {
		switch key {
		case 's':
			text, ok := f.Primary()
			if !ok {
				logger.Info("No text detected in the current frame")
				return
			}
			if !sel.save(text) {
				logger.Info("Ignoring blank text")
				return
			}
			logger.Info("Saved item", "item", strings.TrimSpace(text))
		case 'q':
			logger.Info("Quit requested from window")
			cancel()
		}
	}
}

// consumeResult is what the consumer kept from the event stream.
type consumeResult struct {
	lastPrimary string
	frames      int
	errors      int
	snapshot    *gocv.Mat
}

// consume reads events until ctx is done or the channel is closed. When
// keepSnapshot is set the last annotated image is cloned into the result.
func consume(ctx context.Context, events <-chan pipeline.Event, keepSnapshot bool, logger *slog.Logger) consumeResult {
	var res consumeResult
	for {
		select {
		case <-ctx.Done():
			return res
		case ev, ok := <-events:
			if !ok {
				return res
			}
			switch ev.Kind {
			case pipeline.EventFrameReady:
				res.frames++
				if text, ok := ev.Frame.Primary(); ok {
					if text != res.lastPrimary {
						logger.Info("Detected text", "frame_index", ev.Index, "text", text, "count", len(ev.Frame.Texts))
					}
					res.lastPrimary = text
				}
				if keepSnapshot {
					if res.snapshot != nil {
						res.snapshot.Close()
					}
					img := ev.Frame.Image.Clone()
					res.snapshot = &img
				}
			case pipeline.EventError:
				res.errors++
				logger.Error("Camera/OCR error", "frame_index", ev.Index, "error", ev.Message)
			}
			ev.Close()
		}
	}
}

// drain closes every event left in the channel once the producer has stopped.
func drain(events <-chan pipeline.Event) {
	for ev := range events {
		ev.Close()
	}
}

// lookupItems picks the saved items, or the last seen text when none were saved.
func lookupItems(saved []string, lastPrimary string) []string {
	if len(saved) > 0 {
		return saved
	}
	if text := strings.TrimSpace(lastPrimary); text != "" {
		return []string{text}
	}
	return nil
}

// printRecords writes records as a tab-separated table.
func printRecords(w io.Writer, item string, records []dur.Record) {
	fmt.Fprintf(w, "# %s\n", item)
	if len(records) == 0 {
		fmt.Fprintln(w, "No results found.")
		return
	}
	fmt.Fprintln(w, "Ingredient\tProduct Name\tReason for Contraindication")
	for _, r := range records {
		fmt.Fprintf(w, "%s\t%s\t%s\n", r.Ingredient, r.Product, r.Reason)
	}
	fmt.Fprintf(w, "Added %d results.\n", len(records))
}

func runLookup(ctx context.Context, cfg *Config, key string, items []string, logger *slog.Logger) error {
	if len(items) == 0 {
		logger.Info("No item selected, skipping DUR lookup")
		return nil
	}
	client, err := dur.NewClient(key, dur.WithRows(cfg.Rows), dur.WithLogger(logger))
	if err != nil {
		return err
	}

	var errs []error
	for _, item := range items {
		logger.Info("Requesting DUR combined-use contraindications", "item", item)
		records, resp, err := client.Lookup(ctx, item)
		if cfg.DumpDir != "" && resp != nil {
			if pretty, derr := dur.WriteDiagnostics(cfg.DumpDir, resp); derr != nil {
				logger.Warn("Failed to write DUR diagnostics", "dir", cfg.DumpDir, "error", derr)
			} else {
				logger.Info("Saved DUR response", "dir", cfg.DumpDir, "pretty", pretty)
			}
		}
		if err != nil {
			logger.Error("DUR lookup failed", "item", item, "error", err)
			errs = append(errs, err)
			continue
		}
		printRecords(os.Stdout, item, records)
	}
	return errors.Join(errs...)
}

// releaseSource releases a source that never reached the pipeline.
func releaseSource(src pipeline.FrameSource, logger *slog.Logger) {
	if err := src.Release(); err != nil {
		logger.Warn("Failed to release frame source", "error", err)
	}
}

func run(ctx context.Context, cfg *Config, logger *slog.Logger) error {
	key := loadAPIKey(cfg.ConfigPath, logger)
	if cfg.Lookup && key == "" {
		return dur.ErrMissingKey
	}

	// Open the camera first; without it there is nothing to do
	src, err := capture.Open(cfg.Camera, capture.Options{Logger: logger})
	if err != nil {
		return err
	}

	// Create detector, falling back to CPU when acceleration is unavailable
	det, err := detect.Init(detect.Options{
		Languages:         cfg.Languages,
		PreferAccelerated: cfg.GPU,
		Logger:            logger,
	}, detect.EngineFactory(cfg.EASTModel))
	if err != nil {
		releaseSource(src, logger)
		return err
	}
	defer det.Close()

	ann := annotate.New(annotate.Options{
		FontPath: cfg.FontPath,
		FontSize: cfg.FontSize,
		Logger:   logger,
	})

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	sel := &selection{}
	sink := pipeline.NoDisplay
	if cfg.Display == "window" {
		sink = pipeline.NewWindowSink(windowName, keyHandler(sel, cancel, logger))
	}

	p := pipeline.New(src, det, ann, pipeline.Options{
		Buffer:        cfg.Buffer,
		ReadRetries:   cfg.ReadRetries,
		StatsInterval: cfg.StatsInterval,
		Sink:          sink,
		Logger:        logger,
	})
	// Start producer and consume until interrupted or the pipeline stops
	if err := p.Start(); err != nil {
		return err
	}
	logger.Info("Capturing", "run_id", p.RunID(), "camera", cfg.Camera, "accelerated", det.Accelerated())

	res := consume(ctx, p.Events(), cfg.Snapshot != "", logger)
	if !p.Stop() {
		logger.Warn("Pipeline still finishing its last iteration")
	}
	<-p.Done()
	drain(p.Events())

	if res.snapshot != nil {
		if gocv.IMWrite(cfg.Snapshot, *res.snapshot) {
			logger.Info("Saved snapshot", "path", cfg.Snapshot)
		} else {
			logger.Warn("Failed to save snapshot", "path", cfg.Snapshot)
		}
		res.snapshot.Close()
	}

	logger.Info("Capture finished", "frames", res.frames, "errors", res.errors, "last_text", res.lastPrimary)

	if !cfg.Lookup {
		return nil
	}
	lookupCtx, lookupCancel := context.WithTimeout(context.Background(), 2*dur.DefaultTimeout)
	defer lookupCancel()
	return runLookup(lookupCtx, cfg, key, lookupItems(sel.list(), res.lastPrimary), logger)
}

func main() {
	config, err := parseFlags()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error parsing flags: %v\n", err)
		os.Exit(1)
	}

	logger := setupLogger(config.LogFormat, config.Verbose)
	slog.SetDefault(logger)

	logger.Info("Starting medlens",
		"camera", config.Camera,
		"languages", config.Languages,
		"gpu", config.GPU,
		"display", config.Display,
		"lookup", config.Lookup,
		"log_format", config.LogFormat,
	)

	// Create context for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle interrupt signals
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	go func() {
		<-sigChan
		logger.Info("Received shutdown signal, stopping...")
		cancel()
	}()

	// Open the camera, run the pipeline and look up the result
	if err := run(ctx, config, logger); err != nil {
		logger.Error("medlens failed", "error", err)
		os.Exit(1)
	}

	logger.Info("medlens stopped")
}
