package main

import (
	"bytes"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
)

// splitCSV cuts r into chunks of at most rowsPerChunk data rows. Only the
// first chunk carries the header. Quoted fields spanning lines stay intact.
func splitCSV(r io.Reader, rowsPerChunk int) ([][]byte, error) {
	if rowsPerChunk < 1 {
		return nil, fmt.Errorf("rows per chunk must be at least 1, got %d", rowsPerChunk)
	}

	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1

	header, err := cr.Read()
	if errors.Is(err, io.EOF) {
		return nil, errors.New("csv file is empty")
	}
	if err != nil {
		return nil, fmt.Errorf("read header: %w", err)
	}

	var (
		chunks [][]byte
		buf    bytes.Buffer
		rows   int
	)
	w := csv.NewWriter(&buf)
	if err := w.Write(header); err != nil {
		return nil, err
	}

	flush := func() error {
		w.Flush()
		if err := w.Error(); err != nil {
			return err
		}
		chunks = append(chunks, bytes.Clone(buf.Bytes()))
		buf.Reset()
		rows = 0
		return nil
	}

	for {
		rec, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read row: %w", err)
		}

		if err := w.Write(rec); err != nil {
			return nil, err
		}
		rows++
		if rows == rowsPerChunk {
			if err := flush(); err != nil {
				return nil, err
			}
		}
	}

	if rows > 0 || len(chunks) == 0 {
		if err := flush(); err != nil {
			return nil, err
		}
	}
	return chunks, nil
}
