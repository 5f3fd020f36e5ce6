package metrics

import (
	"context"
	"encoding/csv"
	"fmt"
	"os"
	"sort"
	"strconv"
	"sync"
)

var csvHeader = []string{"run_id", "kind", "step", "key", "value"}

// CSVSink writes records in long format, one row per value
type CSVSink struct {
	mu     sync.Mutex
	file   *os.File
	writer *csv.Writer
}

func NewCSVSink(path string) (*CSVSink, error) {
	file, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("failed to create csv file: %w", err)
	}
	writer := csv.NewWriter(file)
	if err := writer.Write(csvHeader); err != nil {
		file.Close()
		return nil, fmt.Errorf("failed to write csv header: %w", err)
	}
	return &CSVSink{file: file, writer: writer}, nil
}

func (s *CSVSink) Log(ctx context.Context, rec Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, key := range sortedKeys(rec.Values) {
		row := []string{
			rec.RunID,
			rec.Kind,
			strconv.Itoa(rec.Step),
			key,
			strconv.FormatFloat(rec.Values[key], 'g', -1, 64),
		}
		if err := s.writer.Write(row); err != nil {
			return fmt.Errorf("failed to write csv row: %w", err)
		}
	}
	s.writer.Flush()
	return s.writer.Error()
}

func (s *CSVSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.writer.Flush()
	if err := s.writer.Error(); err != nil {
		s.file.Close()
		return err
	}
	return s.file.Close()
}

func sortedKeys(values map[string]float64) []string {
	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
