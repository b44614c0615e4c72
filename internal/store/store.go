// Package store writes loaded SOHO tables and channel tables to ClickHouse.
//
// Observations go in long form, one row per timestamp and column, through the
// ch-go native protocol. Channel descriptions are small and use the
// clickhouse-go driver.
package store

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/ClickHouse/ch-go"
	"github.com/ClickHouse/ch-go/proto"
	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/KI7MT/soho-loader/internal/common"
	"github.com/KI7MT/soho-loader/series"
	"github.com/KI7MT/soho-loader/soho"
)

// Table names inside the configured database.
const (
	ObservationsTable = "observations"
	ChannelsTable     = "channels"
)

// BatchSize is the number of rows sent per native insert.
const BatchSize = 100_000

// Schema returns the statements creating the database and both tables.
func Schema(database string) []string {
	return []string{
		fmt.Sprintf("CREATE DATABASE IF NOT EXISTS %s", database),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s.%s (
    load_id  UUID,
    dataset  LowCardinality(String),
    time     DateTime64(9, 'UTC'),
    column   LowCardinality(String),
    value    Float64
) ENGINE = MergeTree
PARTITION BY toYYYYMM(time)
ORDER BY (dataset, column, time)`, database, ObservationsTable),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s.%s (
    load_id  UUID,
    dataset  LowCardinality(String),
    species  LowCardinality(String),
    channel  UInt16,
    label    String,
    lower_e  Float64,
    upper_e  Float64,
    de       Float64,
    mean_e   Float64
) ENGINE = ReplacingMergeTree
ORDER BY (dataset, species, channel)`, database, ChannelsTable),
	}
}

// =============================================================================
// Observations (ch-go)
// =============================================================================

// ObservationBatch holds column data for a native insert.
type ObservationBatch struct {
	LoadID  *proto.ColUUID
	Dataset *proto.ColStr
	Time    *proto.ColDateTime64
	Column  *proto.ColStr
	Value   *proto.ColFloat64
}

func NewObservationBatch() *ObservationBatch {
	return &ObservationBatch{
		LoadID:  new(proto.ColUUID),
		Dataset: new(proto.ColStr),
		Time:    new(proto.ColDateTime64).WithPrecision(proto.PrecisionNano),
		Column:  new(proto.ColStr),
		Value:   new(proto.ColFloat64),
	}
}

func (b *ObservationBatch) Reset() {
	b.LoadID.Reset()
	b.Dataset.Reset()
	b.Time.Reset()
	b.Column.Reset()
	b.Value.Reset()
}

func (b *ObservationBatch) Len() int {
	return b.Value.Rows()
}

func (b *ObservationBatch) Input() proto.Input {
	return proto.Input{
		{Name: "load_id", Data: b.LoadID},
		{Name: "dataset", Data: b.Dataset},
		{Name: "time", Data: b.Time},
		{Name: "column", Data: b.Column},
		{Name: "value", Data: b.Value},
	}
}

func (b *ObservationBatch) Add(loadID uuid.UUID, dataset string, ts time.Time, column string, v float64) {
	b.LoadID.Append(loadID)
	b.Dataset.Append(dataset)
	b.Time.Append(ts)
	b.Column.Append(column)
	b.Value.Append(v)
}

// Writer inserts observation tables with ch-go.
type Writer struct {
	conn  *ch.Client
	table string
	log   *logrus.Logger
	batch *ObservationBatch
}

// Dial connects to the native port described by cfg.
func Dial(ctx context.Context, cfg common.ClickHouseConfig, log *logrus.Logger) (*Writer, error) {
	conn, err := ch.Dial(ctx, ch.Options{
		Address:     cfg.Host,
		Database:    cfg.Database,
		User:        cfg.User,
		Password:    cfg.Password,
		Compression: ch.CompressionLZ4,
	})
	if err != nil {
		return nil, fmt.Errorf("clickhouse connect %s: %w", cfg.Host, err)
	}
	return &Writer{
		conn:  conn,
		table: fmt.Sprintf("%s.%s", cfg.Database, ObservationsTable),
		log:   log,
		batch: NewObservationBatch(),
	}, nil
}

func (w *Writer) Close() error {
	return w.conn.Close()
}

// Exec runs a statement without input, such as one from Schema.
func (w *Writer) Exec(ctx context.Context, query string) error {
	return w.conn.Do(ctx, ch.Query{Body: query})
}

// Truncate removes every stored row of dataset.
func (w *Writer) Truncate(ctx context.Context, dataset string) error {
	return w.Exec(ctx, fmt.Sprintf("ALTER TABLE %s DELETE WHERE dataset = '%s'", w.table, escape(dataset)))
}

// WriteTable inserts every finite cell of t and returns the number of rows
// written. NaN cells are not stored.
func (w *Writer) WriteTable(ctx context.Context, loadID uuid.UUID, dataset string, t *series.Table) (int, error) {
	total := 0
	err := appendTable(w.batch, loadID, dataset, t, func() error {
		n := w.batch.Len()
		if err := w.flush(ctx); err != nil {
			return err
		}
		total += n
		return nil
	})
	if err != nil {
		return total, err
	}
	n := w.batch.Len()
	if err := w.flush(ctx); err != nil {
		return total, err
	}
	return total + n, nil
}

func (w *Writer) flush(ctx context.Context) error {
	if w.batch.Len() == 0 {
		return nil
	}
	defer w.batch.Reset()
	query := fmt.Sprintf("INSERT INTO %s (load_id, dataset, time, column, value) VALUES", w.table)
	start := time.Now()
	if err := w.conn.Do(ctx, ch.Query{Body: query, Input: w.batch.Input()}); err != nil {
		return err
	}
	w.log.WithFields(logrus.Fields{
		"rows":    w.batch.Len(),
		"elapsed": time.Since(start).Round(time.Millisecond),
	}).Debug("batch inserted")
	return nil
}

// appendTable adds t to b column by column, calling flush whenever b reaches
// BatchSize.
func appendTable(b *ObservationBatch, loadID uuid.UUID, dataset string, t *series.Table, flush func() error) error {
	for _, c := range t.Columns() {
		values, _ := t.Column(c)
		for i, v := range values {
			if math.IsNaN(v) || math.IsInf(v, 0) {
				continue
			}
			b.Add(loadID, dataset, t.Index[i], c, v)
			if b.Len() >= BatchSize {
				if err := flush(); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

// =============================================================================
// Channels (clickhouse-go)
// =============================================================================

// ChannelRow is one row of ChannelsTable.
type ChannelRow struct {
	LoadID  uuid.UUID `ch:"load_id"`
	Dataset string    `ch:"dataset"`
	Species string    `ch:"species"`
	Channel uint16    `ch:"channel"`
	Label   string    `ch:"label"`
	LowerE  float64   `ch:"lower_e"`
	UpperE  float64   `ch:"upper_e"`
	DE      float64   `ch:"de"`
	MeanE   float64   `ch:"mean_e"`
}

// ChannelRows flattens both channel tables of m.
func ChannelRows(loadID uuid.UUID, m *soho.Metadata) []ChannelRow {
	if m == nil {
		return nil
	}
	var rows []ChannelRow
	for _, ct := range []soho.ChannelTable{m.Helium.Channels, m.Proton.Channels} {
		for _, c := range ct.Channels {
			rows = append(rows, ChannelRow{
				LoadID:  loadID,
				Dataset: m.Dataset,
				Species: string(ct.Species),
				Channel: uint16(c.Index),
				Label:   c.Label,
				LowerE:  c.LowerE,
				UpperE:  c.UpperE,
				DE:      c.DE,
				MeanE:   c.MeanE,
			})
		}
	}
	return rows
}

// ChannelWriter stores channel tables with clickhouse-go.
type ChannelWriter struct {
	conn  driver.Conn
	table string
}

// OpenChannels connects to the native port described by cfg.
func OpenChannels(ctx context.Context, cfg common.ClickHouseConfig) (*ChannelWriter, error) {
	conn, err := clickhouse.Open(&clickhouse.Options{
		Addr: []string{cfg.Host},
		Auth: clickhouse.Auth{
			Database: cfg.Database,
			Username: cfg.User,
			Password: cfg.Password,
		},
		Settings: clickhouse.Settings{
			"max_execution_time": 60,
		},
		Compression: &clickhouse.Compression{
			Method: clickhouse.CompressionLZ4,
		},
		MaxOpenConns:    1,
		MaxIdleConns:    1,
		ConnMaxLifetime: time.Hour,
	})
	if err != nil {
		return nil, err
	}
	if err := conn.Ping(ctx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("clickhouse ping %s: %w", cfg.Host, err)
	}
	return &ChannelWriter{conn: conn, table: fmt.Sprintf("%s.%s", cfg.Database, ChannelsTable)}, nil
}

func (w *ChannelWriter) Close() error {
	return w.conn.Close()
}

// Write inserts the channel tables of m. A nil m writes nothing.
func (w *ChannelWriter) Write(ctx context.Context, loadID uuid.UUID, m *soho.Metadata) (int, error) {
	rows := ChannelRows(loadID, m)
	if len(rows) == 0 {
		return 0, nil
	}
	batch, err := w.conn.PrepareBatch(ctx, fmt.Sprintf("INSERT INTO %s", w.table))
	if err != nil {
		return 0, err
	}
	for i := range rows {
		if err := batch.AppendStruct(&rows[i]); err != nil {
			batch.Abort()
			return 0, err
		}
	}
	if err := batch.Send(); err != nil {
		return 0, err
	}
	return len(rows), nil
}

func escape(s string) string {
	out := make([]rune, 0, len(s))
	for _, r := range s {
		if r == '\'' || r == '\\' {
			out = append(out, '\\')
		}
		out = append(out, r)
	}
	return string(out)
}
