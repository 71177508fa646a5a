package pipeline

import (
	"errors"
	"fmt"
	"sync"

	"github.com/aluiziolira/go-scrape-catalog/models"
)

// MultiWriter fans each batch out to several writers, e.g. CSV and JSONL side by side.
type MultiWriter struct {
	writers []OutputWriter
	names   []string
	mu      sync.Mutex
}

// NewDualWriter creates a writer producing both CSV and JSONL output.
func NewDualWriter(csvFilename, jsonFilename string) (*MultiWriter, error) {
	csvWriter, err := NewCSVWriter(csvFilename)
	if err != nil {
		return nil, fmt.Errorf("failed to create CSV writer: %w", err)
	}

	jsonWriter, err := NewJSONWriter(jsonFilename)
	if err != nil {
		csvWriter.Close()
		return nil, fmt.Errorf("failed to create JSON writer: %w", err)
	}

	return &MultiWriter{
		writers: []OutputWriter{csvWriter, jsonWriter},
		names:   []string{"CSV", "JSON"},
	}, nil
}

// NewMultiWriter combines arbitrary writers, e.g. a file writer plus Postgres.
func NewMultiWriter(writers map[string]OutputWriter, order ...string) *MultiWriter {
	dw := &MultiWriter{}
	for _, name := range order {
		if w, ok := writers[name]; ok && w != nil {
			dw.writers = append(dw.writers, w)
			dw.names = append(dw.names, name)
		}
	}
	return dw
}

// Write writes products to every underlying writer.
func (dw *MultiWriter) Write(products []*models.Product) error {
	dw.mu.Lock()
	defer dw.mu.Unlock()

	for i, w := range dw.writers {
		if err := w.Write(products); err != nil {
			return fmt.Errorf("%s write failed: %w", dw.names[i], err)
		}
	}
	return nil
}

// Close closes every writer, reporting all failures.
func (dw *MultiWriter) Close() error {
	dw.mu.Lock()
	defer dw.mu.Unlock()

	var errs []error
	for i, w := range dw.writers {
		if err := w.Close(); err != nil {
			errs = append(errs, fmt.Errorf("%s close failed: %w", dw.names[i], err))
		}
	}
	return errors.Join(errs...)
}

// Validate validates every output.
func (dw *MultiWriter) Validate() error {
	var errs []error
	for i, w := range dw.writers {
		if err := w.Validate(); err != nil {
			errs = append(errs, fmt.Errorf("%s validation failed: %w", dw.names[i], err))
		}
	}
	return errors.Join(errs...)
}
