// Package export writes every stored result to a CSV artifact and, once the
// artifact is safely written, can flush the result sink.
package export

import (
	"bytes"
	"context"
	"encoding/csv"
	"fmt"
	"regexp"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/gridcrawler/internal/harvest"
)

// Header is the column layout of the export.
var Header = []string{"Name", "City", "State", "Category", "Website"}

// "..., Austin, TX 78701, USA" -> TX
var usState = regexp.MustCompile(`,\s*[^,]+,\s*([A-Z]{2})\s+\d{5}(?:-\d{4})?\b`)

// Result describes a written export.
type Result struct {
	Name string
	URI  string
	Rows int
}

// Exporter renders the result sink through a BlobStore.
type Exporter struct {
	sink   harvest.ResultSink
	blobs  harvest.BlobStore
	clock  harvest.Clock
	logger *zap.Logger
}

// New constructs an Exporter.
func New(sink harvest.ResultSink, blobs harvest.BlobStore, clock harvest.Clock, logger *zap.Logger) *Exporter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Exporter{sink: sink, blobs: blobs, clock: clock, logger: logger.Named("export")}
}

// DefaultName is output_YYYYMMDD_HHMMSS.csv for t.
func DefaultName(t time.Time) string {
	return "output_" + t.Format("20060102_150405") + ".csv"
}

// Export writes all results under name (DefaultName when empty). It returns
// harvest.ErrNoRecords when the sink is empty.
func (e *Exporter) Export(ctx context.Context, name string) (Result, error) {
	records, err := e.sink.List(ctx)
	if err != nil {
		return Result{}, fmt.Errorf("list results: %w", err)
	}
	if len(records) == 0 {
		return Result{}, harvest.ErrNoRecords
	}
	if strings.TrimSpace(name) == "" {
		name = DefaultName(e.clock.Now())
	}

	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	if err := w.Write(Header); err != nil {
		return Result{}, fmt.Errorf("write header: %w", err)
	}
	for _, rec := range records {
		if err := w.Write(Row(rec)); err != nil {
			return Result{}, fmt.Errorf("write row %s: %w", rec.ExternalID, err)
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return Result{}, fmt.Errorf("flush csv: %w", err)
	}

	uri, err := e.blobs.PutObject(ctx, name, "text/csv; charset=utf-8", &buf)
	if err != nil {
		return Result{}, fmt.Errorf("write export %s: %w", name, err)
	}
	res := Result{Name: name, URI: uri, Rows: len(records)}
	e.logger.Info("export written", zap.String("uri", uri), zap.Int("rows", res.Rows))
	return res, nil
}

// Finish exports and then, if confirm agrees, truncates the sink. The sink is
// never flushed when the export fails or confirm declines.
func (e *Exporter) Finish(ctx context.Context, name string, confirm func(Result) (bool, error)) (Result, bool, error) {
	res, err := e.Export(ctx, name)
	if err != nil {
		return Result{}, false, err
	}
	ok, err := confirm(res)
	if err != nil {
		return res, false, fmt.Errorf("confirm flush: %w", err)
	}
	if !ok {
		e.logger.Info("flush declined, results kept", zap.String("uri", res.URI))
		return res, false, nil
	}
	if err := e.sink.TruncateAll(ctx); err != nil {
		return res, false, fmt.Errorf("truncate results: %w", err)
	}
	e.logger.Info("result sink flushed", zap.Int("rows", res.Rows))
	return res, true, nil
}

// Row renders one record in Header order. Website falls back to the maps URL.
func Row(rec harvest.ResultRecord) []string {
	website := rec.Website
	if website == "" {
		website = rec.MapsURL
	}
	return []string{rec.Name, rec.City, ExtractState(rec.Address), rec.Category, website}
}

// ExtractState returns the two-letter state of a US-style address, or "".
func ExtractState(address string) string {
	m := usState.FindStringSubmatch(address)
	if m == nil {
		return ""
	}
	return m[1]
}
