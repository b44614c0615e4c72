// soho-load - Load, clean and export SOHO particle data
//
// Runs the full loader (download, parse, fill value cleaning, timestamp
// positioning, resampling) and writes the result to Parquet or Excel.
// ERNE channel ranges can be combined into one intensity with -avg.
//
// Build: CGO_ENABLED=0 go build -ldflags="-s -w" -o build/soho-load ./cmd/soho-load

package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/KI7MT/soho-loader/internal/common"
	"github.com/KI7MT/soho-loader/internal/export"
	"github.com/KI7MT/soho-loader/series"
	"github.com/KI7MT/soho-loader/soho"
)

// Version can be overridden at build time via -ldflags
var Version = "1.0.0"

func main() {
	configPath := flag.String("config", "", "YAML config file (SOHO_* variables override it)")
	dataset := flag.String("dataset", "", "CDAWeb dataset id")
	ephin := flag.Bool("ephin", false, "Load EPHIN rl2 files from Kiel instead of a CDAWeb dataset")
	allColumns := flag.Bool("all-columns", false, "Keep EPHIN housekeeping columns")
	start := flag.String("start", "", "Start date (YYYY-MM-DD)")
	end := flag.String("end", "", "End date (YYYY-MM-DD), defaults to -start")
	dir := flag.String("dir", "", "Download directory")
	resample := flag.String("resample", "", "Resample width, e.g. 1min, 5T, 1h")
	position := flag.String("pos", "", "Timestamp position: center or start")
	avg := flag.String("avg", "", "Average ERNE channels m,n into one column")
	species := flag.String("species", "p", "Species for -avg: he or p")
	out := flag.String("out", "", "Output file (.parquet or .xlsx)")
	channelsCSV := flag.String("channels-csv", "", "Write the ERNE channel table of -species to this CSV file")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "soho-load v%s - SOHO Particle Data Loader\n\n", Version)
		fmt.Fprintf(os.Stderr, "Usage: %s [OPTIONS]\n\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "Loads a SOHO dataset into a cleaned time series and exports it.\n\n")
		flag.PrintDefaults()
		fmt.Fprintf(os.Stderr, "\nExamples:\n")
		fmt.Fprintf(os.Stderr, "  %s -dataset SOHO_ERNE-HED_L2-1MIN -start 2021-04-17 -pos center -resample 10min -avg 0,2 -out hed.parquet\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "  %s -ephin -start 2021-04-17 -end 2021-04-18 -out ephin.xlsx\n", os.Args[0])
	}

	flag.Parse()

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

	cfg, err := common.Load(*configPath)
	if err != nil {
		fatal(err)
	}
	log, err := common.NewLogger(cfg.Logging.Level, cfg.Logging.Format)
	if err != nil {
		fatal(err)
	}
	loader, err := soho.New(soho.WithConfig(cfg), soho.WithLogger(log))
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

	source := *dataset
	if *ephin {
		source = "SOHO COSTEP-EPHIN rl2"
	}

	fmt.Println("=========================================================")
	fmt.Printf("SOHO Load v%s\n", Version)
	fmt.Println("=========================================================")
	fmt.Printf("Source:   %s\n", source)
	fmt.Printf("Range:    %s to %s\n", from.Format("2006-01-02"), to.Format("2006-01-02"))
	fmt.Printf("Position: %s\n", orDefault(*position, "native"))
	fmt.Printf("Resample: %s\n", orDefault(*resample, "none"))
	fmt.Println()

	startTime := time.Now()
	meta := map[string]string{"source": source}
	var table *series.Table

	if *ephin {
		epDir := *dir
		if epDir == "" {
			epDir = cfg.EphinDir()
		}
		res, err := loader.LoadEphin(ctx, soho.EphinRequest{
			Start:      from,
			End:        to,
			Dir:        epDir,
			Resample:   *resample,
			Position:   *position,
			AllColumns: *allColumns,
		})
		if err != nil {
			fatal(err)
		}
		table = res.Table
		for k, v := range res.Labels {
			meta[k] = v
		}
		fmt.Printf("Files:         %d\n", len(res.Files))
		fmt.Printf("Mode:          %d\n", res.Mode)
		fmt.Printf("Ring off rows: %d\n", res.RingOffRows)
	} else {
		t, md, err := loader.Load(ctx, soho.Request{
			Dataset:  *dataset,
			Start:    from,
			End:      to.AddDate(0, 0, 1),
			Dir:      *dir,
			Resample: *resample,
			Position: *position,
		})
		if err != nil {
			fatal(err)
		}
		table = t
		if md != nil {
			if err := useMetadata(table, md, meta, *avg, *species, *channelsCSV); err != nil {
				fatal(err)
			}
		} else if *avg != "" || *channelsCSV != "" {
			fatal(fmt.Errorf("%s has no channel tables; -avg and -channels-csv need ERNE HED or LED", *dataset))
		}
	}

	if *out != "" && !table.IsEmpty() {
		if err := export.WriteFile(*out, table, meta); err != nil {
			fatal(err)
		}
		fmt.Printf("Wrote:         %s\n", *out)
	}

	elapsed := time.Since(startTime)

	fmt.Println()
	fmt.Println("=========================================================")
	fmt.Println("Load Summary")
	fmt.Println("=========================================================")
	fmt.Printf("Rows:    %d\n", table.Len())
	fmt.Printf("Columns: %d\n", len(table.Columns()))
	if table.Len() > 0 {
		fmt.Printf("First:   %s\n", table.Index[0].Format(time.RFC3339))
		fmt.Printf("Last:    %s\n", table.Index[table.Len()-1].Format(time.RFC3339))
	}
	fmt.Printf("Elapsed: %v\n", elapsed.Round(time.Millisecond))
	fmt.Println("=========================================================")
}

// useMetadata adds channel labels to meta, appends the averaged column when
// avg is "m,n" and writes the channel table CSV when csvPath is set.
func useMetadata(t *series.Table, md *soho.Metadata, meta map[string]string, avg, species, csvPath string) error {
	sp, err := soho.ParseSpecies(species)
	if err != nil {
		return err
	}
	channels := md.Proton.Channels
	if sp == soho.Helium {
		channels = md.Helium.Channels
	}
	for _, c := range channels.Channels {
		meta[fmt.Sprintf("%s_%d", sp, c.Index)] = c.Label
	}

	if csvPath != "" {
		if err := os.MkdirAll(filepath.Dir(csvPath), 0755); err != nil {
			return err
		}
		f, err := os.Create(csvPath)
		if err != nil {
			return err
		}
		if err := channels.WriteCSV(f); err != nil {
			f.Close()
			return err
		}
		if err := f.Close(); err != nil {
			return err
		}
	}

	if avg == "" || t.IsEmpty() {
		return nil
	}
	first, last, err := parseRange(avg)
	if err != nil {
		return err
	}
	flux, label, err := soho.AverageFlux(t, channels, first, last, species, md.Sensor)
	if err != nil {
		return err
	}
	name := fmt.Sprintf("%s_avg_%d_%d", sp, first, last)
	if err := t.AddColumn(name, flux); err != nil {
		return err
	}
	meta[name] = label
	fmt.Printf("Average:       %s (%s)\n", name, label)
	return nil
}

func parseRange(s string) (int, int, error) {
	parts := strings.Split(s, ",")
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("channel range %q: want m,n", s)
	}
	var out [2]int
	for i, p := range parts {
		v, err := strconv.Atoi(strings.TrimSpace(p))
		if err != nil {
			return 0, 0, fmt.Errorf("channel range %q: %w", s, err)
		}
		out[i] = v
	}
	return out[0], out[1], nil
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}

func fatal(err error) {
	fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	os.Exit(1)
}
