// soho-download - Download SOHO particle data from CDAWeb and Kiel
//
// Data sources:
//   - CDAWeb: CELIAS, COSTEP-EPHIN and ERNE daily CDF files
//   - Kiel: COSTEP-EPHIN level 2 rl2 text files (-ephin)
//
// Build: CGO_ENABLED=0 go build -ldflags="-s -w" -o build/soho-download ./cmd/soho-download

package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/KI7MT/soho-loader/internal/cdaweb"
	"github.com/KI7MT/soho-loader/internal/common"
	"github.com/KI7MT/soho-loader/internal/download"
	"github.com/KI7MT/soho-loader/soho"
)

// Version can be overridden at build time via -ldflags
var Version = "1.0.0"

func main() {
	configPath := flag.String("config", "", "YAML config file (SOHO_* variables override it)")
	dataset := flag.String("dataset", "", "CDAWeb dataset id")
	start := flag.String("start", "", "First day (YYYY-MM-DD)")
	end := flag.String("end", "", "Last day (YYYY-MM-DD), defaults to -start")
	destDir := flag.String("dest", "", "Destination directory (default <data_dir>/cdaweb or <data_dir>/ephin)")
	ephin := flag.Bool("ephin", false, "Download EPHIN rl2 files from Kiel instead of CDAWeb")
	parallel := flag.Int("parallel", 0, "Concurrent downloads (default max_conn)")
	timeout := flag.Duration("timeout", 0, "HTTP timeout per request (default http_timeout)")
	listSources := flag.Bool("list", false, "List supported datasets")
	showConfig := flag.Bool("show-config", false, "Print the effective configuration and exit")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "soho-download v%s - SOHO Data Downloader\n\n", Version)
		fmt.Fprintf(os.Stderr, "Usage: %s [OPTIONS]\n\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "Downloads SOHO CELIAS, EPHIN and ERNE files for a date range.\n\n")
		flag.PrintDefaults()
		fmt.Fprintf(os.Stderr, "\nDatasets:\n")
		for _, d := range soho.Datasets() {
			fmt.Fprintf(os.Stderr, "  %-28s %s\n", d.ID, d.Description)
		}
	}

	flag.Parse()

	if *listSources {
		fmt.Printf("Supported SOHO datasets:\n\n")
		for _, d := range soho.Datasets() {
			fmt.Printf("  %-28s %s\n", d.ID, d.Description)
		}
		return
	}

	cfg, err := common.Load(*configPath)
	if err != nil {
		fatal(err)
	}
	if *timeout > 0 {
		cfg.HTTPTimeout = *timeout
	}
	if *parallel > 0 {
		cfg.MaxConn = *parallel
	}
	if *showConfig {
		out, err := cfg.YAML()
		if err != nil {
			fatal(err)
		}
		fmt.Print(out)
		return
	}

	if *start == "" || (!*ephin && *dataset == "") {
		flag.Usage()
		os.Exit(2)
	}
	from, err := soho.ParseDate(*start)
	if err != nil {
		fatal(err)
	}
	to := from
	if *end != "" {
		if to, err = soho.ParseDate(*end); err != nil {
			fatal(err)
		}
	}

	log, err := common.NewLogger(cfg.Logging.Level, cfg.Logging.Format)
	if err != nil {
		fatal(err)
	}
	stats := common.NewStats()
	loader, err := soho.New(soho.WithConfig(cfg), soho.WithLogger(log), soho.WithStats(stats))
	if err != nil {
		fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		fmt.Println("\nShutdown requested...")
		cancel()
	}()

	dest := *destDir
	source := *dataset
	if *ephin {
		source = "EPHIN rl2 (Kiel)"
		if dest == "" {
			dest = cfg.EphinDir()
		}
	} else if dest == "" {
		dest = cfg.CDAWebDir()
	}

	fmt.Println("=========================================================")
	fmt.Printf("SOHO Download v%s\n", Version)
	fmt.Println("=========================================================")
	fmt.Printf("Source:      %s\n", source)
	fmt.Printf("Range:       %s to %s\n", from.Format("2006-01-02"), to.Format("2006-01-02"))
	fmt.Printf("Destination: %s\n", dest)
	fmt.Printf("Parallel:    %d\n", cfg.MaxConn)
	fmt.Printf("Timeout:     %v\n", cfg.HTTPTimeout)
	fmt.Println()

	stats.StartReporter(log, 10*time.Second)
	startTime := time.Now()
	failed := 0

	if *ephin {
		for day := from; !day.After(to); day = day.AddDate(0, 0, 1) {
			if ctx.Err() != nil {
				break
			}
			path, err := loader.DownloadEphin(ctx, day, dest)
			switch {
			case errors.Is(err, download.ErrNotFound):
			case err != nil:
				fmt.Printf("  ERROR: %v\n", err)
				failed++
			default:
				fmt.Printf("  %s\n", path)
			}
		}
	} else {
		// The search end is exclusive; include the whole last day.
		paths, err := loader.Download(ctx, soho.Request{
			Dataset: *dataset,
			Start:   from,
			End:     to.AddDate(0, 0, 1),
			Dir:     dest,
		})
		switch {
		case errors.Is(err, cdaweb.ErrNoResults):
			fmt.Printf("  No %s files between %s and %s\n", *dataset, from.Format("2006-01-02"), to.Format("2006-01-02"))
		case err != nil:
			fmt.Printf("  ERROR: %v\n", err)
			failed++
		default:
			for _, p := range paths {
				fmt.Printf("  %s\n", p)
			}
		}
	}
	stats.StopReporter()

	elapsed := time.Since(startTime)

	fmt.Println()
	fmt.Println("=========================================================")
	fmt.Println("Download Summary")
	fmt.Println("=========================================================")
	fmt.Printf("Downloaded: %d files (%d bytes)\n", stats.FilesDownloaded.Load(), stats.BytesDownloaded.Load())
	fmt.Printf("Skipped:    %d files\n", stats.FilesSkipped.Load())
	fmt.Printf("Failed:     %d files\n", stats.FilesFailed.Load())
	fmt.Printf("Elapsed:    %v\n", elapsed.Round(time.Millisecond))
	fmt.Println("=========================================================")

	if failed > 0 {
		os.Exit(1)
	}
}

func fatal(err error) {
	fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	os.Exit(1)
}
