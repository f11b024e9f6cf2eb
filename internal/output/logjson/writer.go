package logjson

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"sfbridge/internal/logger"
	"sfbridge/pkg/models"
)

// Writer outputs log batches to a JSON lines file.
type Writer struct {
	file    *os.File
	encoder *json.Encoder
	mu      sync.Mutex
}

// NewWriter creates a JSONL writer for log batches.
func NewWriter(path string) (*Writer, error) {
	dir := filepath.Dir(path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create output directory: %w", err)
		}
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open output file: %w", err)
	}

	logger.Infof("Log JSON writer initialized: %s", path)
	return &Writer{
		file:    f,
		encoder: json.NewEncoder(f),
	}, nil
}

// WriteBatches appends a set of batches, one JSON object per line.
func (w *Writer) WriteBatches(batches []models.LogBatch) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	for _, batch := range batches {
		if err := w.encoder.Encode(batch); err != nil {
			return fmt.Errorf("failed to encode log batch: %w", err)
		}
	}
	return nil
}

// Close closes the output file.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.file != nil {
		return w.file.Close()
	}
	return nil
}
