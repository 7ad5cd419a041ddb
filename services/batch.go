package services

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/Yulian302/lfusys-services-ingest/apperror"
	"github.com/Yulian302/lfusys-services-ingest/logging"
	"github.com/Yulian302/lfusys-services-ingest/metrics"
	"github.com/Yulian302/lfusys-services-ingest/models"
	"github.com/Yulian302/lfusys-services-ingest/store"
)

const (
	DefaultBatchSize = 1000
	dateAddedColumn  = "date_added"
)

var missingValues = map[string]struct{}{
	"": {}, "NA": {}, "N/A": {}, "n/a": {}, "NaN": {}, "nan": {}, "-NaN": {}, "-nan": {},
	"null": {}, "NULL": {}, "None": {}, "#N/A": {}, "#NA": {}, "<NA>": {}, "NA/NA": {},
	"-1.#IND": {}, "1.#QNAN": {}, "-1.#QNAN": {}, "#N/A N/A": {},
}

var dateLayouts = []string{
	"2006-01-02",
	time.RFC3339,
	"2006-01-02 15:04:05",
	"January 2, 2006",
	"Jan 2, 2006",
	"01/02/2006",
}

// BatchReport summarizes one ingest run.
type BatchReport struct {
	Rows          int
	Batches       int
	FailedBatches int
	Inserted      int64
	// Aborted is set when the artifact could not be read to the end.
	Aborted bool
}

func (r *BatchReport) Failed() bool {
	return r.FailedBatches > 0
}

func (r *BatchReport) Summary() string {
	return fmt.Sprintf("%d of %d batches failed", r.FailedBatches, r.Batches)
}

// BatchProcessor streams a merged CSV artifact into the catalog.
type BatchProcessor struct {
	catalog     store.CatalogStore
	batchSize   int
	dateColumns map[string]struct{}

	logger  logging.Logger
	metrics *metrics.Metrics
}

func NewBatchProcessor(catalog store.CatalogStore, batchSize int, dateColumns []string, l logging.Logger, m *metrics.Metrics) *BatchProcessor {
	if batchSize < 1 {
		batchSize = DefaultBatchSize
	}
	if len(dateColumns) == 0 {
		dateColumns = []string{dateAddedColumn}
	}

	cols := make(map[string]struct{}, len(dateColumns))
	for _, c := range dateColumns {
		cols[c] = struct{}{}
	}

	return &BatchProcessor{
		catalog:     catalog,
		batchSize:   batchSize,
		dateColumns: cols,
		logger:      l,
		metrics:     m,
	}
}

// Process inserts the artifact in batches. A failed batch is counted and
// the remaining batches are still attempted. The returned error is only set
// when the artifact cannot be read at all.
func (p *BatchProcessor) Process(ctx context.Context, uploadID, path string) (*BatchReport, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, apperror.Wrap(apperror.ErrStorage, err)
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.FieldsPerRecord = -1

	header, err := r.Read()
	if errors.Is(err, io.EOF) {
		return nil, apperror.Validation("artifact for upload %s is empty", uploadID)
	}
	if err != nil {
		return nil, apperror.Validation("read header: %v", err)
	}
	header = normalizeHeader(header)

	report := &BatchReport{}
	batch := make([]models.CatalogRecord, 0, p.batchSize)

	flush := func() {
		if len(batch) == 0 {
			return
		}
		report.Batches++

		n, err := p.catalog.InsertBatch(ctx, batch)
		p.metrics.BatchInserted(len(batch), err)
		if err != nil {
			report.FailedBatches++
			p.logger.Error("batch insert failed",
				"upload_id", uploadID,
				"batch", report.Batches,
				"rows", len(batch),
				"error", err,
			)
		} else {
			report.Inserted += n
			p.logger.Debug("batch inserted", "upload_id", uploadID, "batch", report.Batches, "rows", len(batch), "new_rows", n)
		}
		batch = batch[:0]
	}

	for {
		if err := ctx.Err(); err != nil {
			flush()
			report.Aborted = true
			report.FailedBatches++
			report.Batches++
			return report, nil
		}

		rec, err := r.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err == nil && len(rec) > len(header) {
			line, _ := r.FieldPos(0)
			err = fmt.Errorf("line %d: %d fields, header has %d", line, len(rec), len(header))
		}
		if err != nil {
			// everything read so far is still ingested
			flush()
			p.logger.Error("malformed csv, aborting remaining read", "upload_id", uploadID, "error", err)
			report.Aborted = true
			report.Batches++
			report.FailedBatches++
			return report, nil
		}

		if isHeaderRow(rec, header) {
			continue
		}

		report.Rows++
		batch = append(batch, p.buildRecord(uploadID, report.Rows, header, rec))
		if len(batch) == p.batchSize {
			flush()
		}
	}
	flush()

	p.logger.Info("artifact ingested",
		"upload_id", uploadID,
		"rows", report.Rows,
		"batches", report.Batches,
		"failed_batches", report.FailedBatches,
		"inserted", report.Inserted,
	)
	return report, nil
}

const utf8BOM = "\uFEFF"

func normalizeHeader(header []string) []string {
	out := make([]string, len(header))
	for i, h := range header {
		h = strings.TrimSpace(h)
		if i == 0 {
			h = strings.TrimPrefix(h, utf8BOM)
		}
		out[i] = h
	}
	return out
}

func isHeaderRow(rec, header []string) bool {
	if len(rec) != len(header) {
		return false
	}
	for i := range rec {
		v := strings.TrimSpace(rec[i])
		if i == 0 {
			v = strings.TrimPrefix(v, utf8BOM)
		}
		if v != header[i] {
			return false
		}
	}
	return true
}

func (p *BatchProcessor) buildRecord(uploadID string, rowNumber int, header, rec []string) models.CatalogRecord {
	record := models.CatalogRecord{
		UploadID:  uploadID,
		RowNumber: rowNumber,
		Data:      make(map[string]any, len(header)),
	}

	for i, col := range header {
		var raw string
		if i < len(rec) {
			raw = rec[i]
		}

		if _, ok := p.dateColumns[col]; ok {
			t, ok := parseDate(raw)
			if !ok {
				record.Data[col] = nil
				continue
			}
			record.Data[col] = t.Format(time.RFC3339)
			if col == dateAddedColumn {
				record.DateAdded = &t
			}
			continue
		}

		record.Data[col] = coerceValue(raw)
	}
	return record
}

func isMissing(v string) bool {
	_, ok := missingValues[strings.TrimSpace(v)]
	return ok
}

// coerceValue maps missing markers to nil and numeric text to numbers.
func coerceValue(raw string) any {
	if isMissing(raw) {
		return nil
	}

	v := strings.TrimSpace(raw)
	if i, err := strconv.ParseInt(v, 10, 64); err == nil {
		return i
	}
	if f, err := strconv.ParseFloat(v, 64); err == nil && !math.IsInf(f, 0) && !math.IsNaN(f) {
		return f
	}
	return raw
}

func parseDate(raw string) (time.Time, bool) {
	if isMissing(raw) {
		return time.Time{}, false
	}

	v := strings.TrimSpace(raw)
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, v); err == nil {
			return t.UTC(), true
		}
	}
	return time.Time{}, false
}
