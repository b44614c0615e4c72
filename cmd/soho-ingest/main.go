// soho-ingest - SOHO particle data ingestion into ClickHouse
//
// Loads a CDAWeb dataset or EPHIN rl2 range through the soho loader and
// inserts the cleaned series in long form (time, column, value). ERNE channel
// tables go to a separate table.
//
// Build: CGO_ENABLED=0 go build -ldflags="-s -w" -o build/soho-ingest ./cmd/soho-ingest

package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/KI7MT/soho-loader/internal/common"
	"github.com/KI7MT/soho-loader/internal/store"
	"github.com/KI7MT/soho-loader/series"
	"github.com/KI7MT/soho-loader/soho"
)

// Version can be overridden at build time via -ldflags
var Version = "1.0.0"

func main() {
	configPath := flag.String("config", "", "YAML config file (SOHO_* variables override it)")
	chHost := flag.String("ch-host", "", "ClickHouse address (default clickhouse.host)")
	chDB := flag.String("ch-db", "", "ClickHouse database (default clickhouse.database)")
	dataset := flag.String("dataset", "", "CDAWeb dataset id")
	ephin := flag.Bool("ephin", false, "Ingest EPHIN rl2 files from Kiel")
	start := flag.String("start", "", "Start date (YYYY-MM-DD)")
	end := flag.String("end", "", "End date (YYYY-MM-DD), defaults to -start")
	resample := flag.String("resample", "", "Resample width, e.g. 1min, 5T, 1h")
	position := flag.String("pos", "center", "Timestamp position: center or start")
	create := flag.Bool("create", false, "Create database and tables before insert")
	truncate := flag.Bool("truncate", false, "Delete stored rows of the dataset before insert")
	metricsAddr := flag.String("metrics-addr", "", "Serve Prometheus metrics on this address, e.g. :9108")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "soho-ingest v%s - SOHO Particle Data Ingester\n\n", Version)
		fmt.Fprintf(os.Stderr, "Usage: %s [OPTIONS]\n\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "Loads SOHO CELIAS, EPHIN or ERNE data and inserts it into ClickHouse.\n\n")
		flag.PrintDefaults()
		fmt.Fprintf(os.Stderr, "\nTables:\n")
		fmt.Fprintf(os.Stderr, "  %-13s load_id, dataset, time, column, value\n", store.ObservationsTable)
		fmt.Fprintf(os.Stderr, "  %-13s ERNE channel bounds per species\n", store.ChannelsTable)
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
	if *chHost != "" {
		cfg.ClickHouse.Host = *chHost
	}
	if *chDB != "" {
		cfg.ClickHouse.Database = *chDB
	}
	log, err := common.NewLogger(cfg.Logging.Level, cfg.Logging.Format)
	if err != nil {
		fatal(err)
	}

	stats := common.NewStats()
	if *metricsAddr != "" {
		reg := prometheus.NewRegistry()
		if err := stats.Register(reg); err != nil {
			fatal(err)
		}
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
		go func() {
			if err := http.ListenAndServe(*metricsAddr, mux); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.WithError(err).Error("metrics server stopped")
			}
		}()
	}

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
		log.Info("Shutdown requested...")
		cancel()
	}()

	name, err := datasetKey(*dataset, *ephin)
	if err != nil {
		fatal(err)
	}
	loadID := uuid.New()

	common.Banner(log, fmt.Sprintf("SOHO Ingest v%s", Version))
	log.Infof("Dataset:  %s", name)
	log.Infof("Range:    %s to %s", from.Format("2006-01-02"), to.Format("2006-01-02"))
	log.Infof("Target:   %s/%s", cfg.ClickHouse.Host, cfg.ClickHouse.Database)
	log.Infof("Load ID:  %s", loadID)

	startTime := time.Now()

	var table *series.Table
	var meta *soho.Metadata
	if *ephin {
		res, err := loader.LoadEphin(ctx, soho.EphinRequest{
			Start:    from,
			End:      to,
			Dir:      cfg.EphinDir(),
			Resample: *resample,
			Position: *position,
		})
		if err != nil {
			fatal(err)
		}
		table = res.Table
	} else {
		table, meta, err = loader.Load(ctx, soho.Request{
			Dataset:  name,
			Start:    from,
			End:      to.AddDate(0, 0, 1),
			Resample: *resample,
			Position: *position,
		})
		if err != nil {
			fatal(err)
		}
	}
	if table.IsEmpty() {
		log.Warn("Nothing to ingest")
		return
	}

	log.Infof("Connecting to ClickHouse at %s...", cfg.ClickHouse.Host)
	w, err := store.Dial(ctx, cfg.ClickHouse, log)
	if err != nil {
		fatal(err)
	}
	defer w.Close()

	if *create {
		for _, stmt := range store.Schema(cfg.ClickHouse.Database) {
			if err := w.Exec(ctx, stmt); err != nil {
				fatal(fmt.Errorf("create schema: %w", err))
			}
		}
	}
	if *truncate {
		log.Infof("Deleting stored rows of %s...", name)
		if err := w.Truncate(ctx, name); err != nil {
			log.WithError(err).Warn("truncate failed")
		}
	}

	rows, err := w.WriteTable(ctx, loadID, name, table)
	if err != nil {
		fatal(fmt.Errorf("insert after %d rows: %w", rows, err))
	}

	channelRows := 0
	if meta != nil {
		cw, err := store.OpenChannels(ctx, cfg.ClickHouse)
		if err != nil {
			fatal(err)
		}
		channelRows, err = cw.Write(ctx, loadID, meta)
		cw.Close()
		if err != nil {
			fatal(fmt.Errorf("insert channels: %w", err))
		}
	}

	elapsed := time.Since(startTime)

	common.Banner(log, "Final Statistics")
	log.Infof("Files:         %d downloaded, %d cached", stats.FilesDownloaded.Load(), stats.FilesSkipped.Load())
	log.Infof("Parsed Rows:   %d", stats.RowsParsed.Load())
	log.Infof("Inserted Rows: %d", rows)
	log.Infof("Channel Rows:  %d", channelRows)
	log.Infof("Elapsed:       %v", elapsed.Round(time.Millisecond))
	log.Infof("Rate:          %.0f rows/sec", float64(rows)/elapsed.Seconds())
	log.Info("=========================================================")
}

// ephinKey stores EPHIN rl2 loads, which have no CDAWeb dataset id.
const ephinKey = "SOHO_COSTEP-EPHIN_RL2"

// datasetKey returns the canonical dataset id rows are stored under, so that
// -dataset soho_erne-hed_l2-1min and SOHO_ERNE-HED_L2-1MIN share one key.
func datasetKey(dataset string, ephin bool) (string, error) {
	if ephin {
		return ephinKey, nil
	}
	info, err := soho.LookupDataset(dataset)
	if err != nil {
		return "", err
	}
	return info.ID, nil
}

func fatal(err error) {
	fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	os.Exit(1)
}
