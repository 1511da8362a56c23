package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"sort"
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	"mriviewer/pkg/config"
	"mriviewer/pkg/platform"
	"mriviewer/pkg/render"
	"mriviewer/pkg/resolver"
	"mriviewer/pkg/viewer"
	"mriviewer/pkg/visualization"
)

// options holds the parsed command line
type options struct {
	manifestPath string
	inputDir     string
	baseURL      string
	patientID    string
	studyID      string
	seriesID     string
	frame        int
	hideOverlay  bool
	snapshotPath string
	slicesDir    string
	timeout      time.Duration
}

func main() {
	// Parse command line arguments
	var o options
	configPath := flag.String("config", "mriviewer.yaml", "Configuration file (defaults are used when missing)")
	writeConfig := flag.Bool("write-config", false, "Write the default configuration to -config and exit")
	flag.StringVar(&o.manifestPath, "manifest", "", "YAML manifest describing patients, studies and series")
	flag.StringVar(&o.inputDir, "input", "", "Directory laid out as <patient>/<study>/<series>/ with one image per slice")
	flag.StringVar(&o.baseURL, "base-url", "", "PACS gateway serving /api/pacs/viewer-images/")
	flag.StringVar(&o.patientID, "patient", "", "Patient id")
	flag.StringVar(&o.studyID, "study", "", "Study id")
	flag.StringVar(&o.seriesID, "series", "", "Series id")
	flag.IntVar(&o.frame, "frame", 0, "Frame shown in the snapshot")
	flag.BoolVar(&o.hideOverlay, "hide-overlay", false, "Hide the segmentation overlay in the snapshot")
	flag.StringVar(&o.snapshotPath, "snapshot", "snapshot.jpg", "Output JPEG of the rendered viewport")
	flag.StringVar(&o.slicesDir, "slices-dir", "", "Save every rendered frame of the series to this directory")
	flag.DurationVar(&o.timeout, "timeout", 2*time.Minute, "Maximum time to wait for the viewer")
	flag.Parse()

	if *writeConfig {
		if err := config.CreateDefaultConfigFile(*configPath); err != nil {
			log.Fatalf("Failed to write configuration: %v", err)
		}
		fmt.Printf("Default configuration written to %s\n", *configPath)
		return
	}

	// Validate inputs
	if o.seriesID == "" || (o.manifestPath == "" && o.inputDir == "" && o.baseURL == "") {
		flag.Usage()
		os.Exit(1)
	}

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	p, err := platform.New(cfg, platform.Options{})
	if err != nil {
		log.Fatalf("Failed to create platform: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	err = run(ctx, p, o)
	stop()
	if shutdownErr := p.Shutdown(); shutdownErr != nil {
		log.Printf("Warning: platform shutdown reported errors: %v", shutdownErr)
	}
	if err != nil {
		log.Fatalf("%v", err)
	}

	fmt.Println("\nMetrics:")
	printMetrics(p)
}

// run resolves the series, shows it in a viewer and writes the requested
// images. The viewer is closed on every return path; p is left to the caller.
func run(ctx context.Context, p *platform.Platform, o options) error {
	if err := p.Init(); err != nil {
		return fmt.Errorf("failed to initialize platform: %w", err)
	}
	cfg := p.Config
	ctx, cancel := context.WithTimeout(ctx, o.timeout)
	defer cancel()

	r, err := newResolver(o.manifestPath, o.inputDir, o.baseURL, cfg, p)
	if err != nil {
		return fmt.Errorf("failed to open series source: %w", err)
	}
	refs, err := r.ResolveSeries(ctx, o.patientID, o.studyID, o.seriesID)
	if err != nil {
		return fmt.Errorf("failed to resolve series: %w", err)
	}

	fmt.Println("================================")
	fmt.Printf("Series %s (%s): %d frames", refs.SeriesID, refs.ImageType, refs.Base.Len())
	if refs.HasMask() {
		fmt.Printf(", %d mask frames", refs.Mask.Len())
	}
	fmt.Println()
	fmt.Println("================================")

	v, err := viewer.New(p, viewer.Options{Name: "viewer-" + refs.SeriesID})
	if err != nil {
		return fmt.Errorf("failed to create viewer: %w", err)
	}
	defer func() {
		if err := v.Close(); err != nil {
			log.Printf("Warning: teardown reported errors: %v", err)
		}
	}()

	surface := render.NewOffscreenSurface(cfg.Viewport.Width, cfg.Viewport.Height)
	startTime := time.Now()
	if err := v.Mount(surface, refs); err != nil {
		return fmt.Errorf("failed to mount viewer: %w", err)
	}
	st, err := v.Wait(ctx)
	if err != nil {
		return fmt.Errorf("viewer did not settle: %w", err)
	}
	fmt.Printf("Viewer %s after %.2f seconds\n", st, time.Since(startTime).Seconds())
	if st.State != viewer.Ready {
		return fmt.Errorf("viewer failed: %s", st)
	}

	if o.hideOverlay && refs.HasMask() {
		if err := v.SetOverlayVisible(ctx, false); err != nil {
			log.Printf("Warning: failed to hide overlay: %v", err)
		}
	}
	if err := writeSnapshot(ctx, v, o.frame, o.snapshotPath, cfg.Output.SnapshotQuality); err != nil {
		return fmt.Errorf("failed to write snapshot: %w", err)
	}

	if o.slicesDir != "" {
		if err := writeSlices(ctx, v, o.slicesDir, cfg.Output.SnapshotQuality); err != nil {
			log.Printf("Warning: failed to save slices: %v", err)
		}
	}
	return nil
}

func newResolver(manifestPath, inputDir, baseURL string, cfg *config.Config, p *platform.Platform) (resolver.Resolver, error) {
	switch {
	case manifestPath != "":
		m, err := resolver.LoadManifest(manifestPath, p.Metadata)
		if err != nil {
			return nil, err
		}
		return m, nil
	case inputDir != "":
		return &resolver.DirectoryResolver{
			Root:         inputDir,
			PixelSpacing: cfg.Loader.PixelSpacing,
			SliceGap:     cfg.Loader.SliceGap,
			Metadata:     p.Metadata,
		}, nil
	}
	return &resolver.ViewerImagesResolver{BaseURL: baseURL, ImageType: "MR"}, nil
}

func writeSnapshot(ctx context.Context, v *viewer.Controller, frame int, path string, quality int) error {
	vp, err := v.Viewport()
	if err != nil {
		return err
	}
	if err := visualization.SaveSlice(ctx, vp, frame, path, quality); err != nil {
		return err
	}
	info, err := os.Stat(path)
	if err != nil {
		return err
	}
	fmt.Printf("Frame %d of %d saved to %s (%s)\n", vp.ImageIndex()+1, vp.Stack().Len(), path, humanize.Bytes(uint64(info.Size())))
	return nil
}

func writeSlices(ctx context.Context, v *viewer.Controller, dir string, quality int) error {
	vp, err := v.Viewport()
	if err != nil {
		return err
	}
	paths, err := visualization.SaveSliceSequence(ctx, vp, dir, quality)
	if err != nil {
		return err
	}
	var total uint64
	for _, p := range paths {
		if info, err := os.Stat(p); err == nil {
			total += uint64(info.Size())
		}
	}
	fmt.Printf("%d slices saved to %s (%s)\n", len(paths), dir, humanize.Bytes(total))
	return nil
}

// printMetrics lists every counter and gauge sample of the platform registry
func printMetrics(p *platform.Platform) {
	families, err := p.Registry.Gather()
	if err != nil {
		log.Printf("Warning: failed to gather metrics: %v", err)
		return
	}
	var lines []string
	for _, mf := range families {
		for _, m := range mf.GetMetric() {
			var labels []string
			for _, l := range m.GetLabel() {
				labels = append(labels, l.GetName()+"="+l.GetValue())
			}
			name := mf.GetName()
			if len(labels) > 0 {
				name += "{" + strings.Join(labels, ",") + "}"
			}
			switch {
			case m.GetCounter() != nil:
				lines = append(lines, fmt.Sprintf("- %s: %s", name, humanize.Comma(int64(m.GetCounter().GetValue()))))
			case m.GetGauge() != nil:
				lines = append(lines, fmt.Sprintf("- %s: %s", name, humanize.Comma(int64(m.GetGauge().GetValue()))))
			case m.GetHistogram() != nil:
				h := m.GetHistogram()
				lines = append(lines, fmt.Sprintf("- %s: %d samples, %.3fs total", name, h.GetSampleCount(), h.GetSampleSum()))
			}
		}
	}
	sort.Strings(lines)
	for _, l := range lines {
		fmt.Println(l)
	}
}

