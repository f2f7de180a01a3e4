// Package output writes the per-run artifact set: the raw event log, the
// Darwin Core CSVs, the archive descriptor and manifest, and the final
// DwC-A bundle.
package output

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"os"

	"github.com/devvyn/herbarium-specimen-tools/pkg/api"
)

// EventWriter appends raw.jsonl lines.
type EventWriter struct {
	file *os.File
}

// NewEventWriter opens the event log at path. With appendMode the existing
// log is extended, which resume relies on.
func NewEventWriter(path string, appendMode bool) (*EventWriter, error) {
	flags := os.O_CREATE | os.O_WRONLY
	if appendMode {
		flags |= os.O_APPEND
	} else {
		flags |= os.O_TRUNC
	}
	file, err := os.OpenFile(path, flags, 0o644)
	if err != nil {
		return nil, fmt.Errorf("could not open event log %s: %w", path, err)
	}
	return &EventWriter{file: file}, nil
}

// Append writes one event as a JSON line.
func (w *EventWriter) Append(event api.Event) error {
	raw, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("could not serialize event: %w", err)
	}
	if _, err := w.file.Write(append(raw, '\n')); err != nil {
		return fmt.Errorf("could not append event: %w", err)
	}
	return nil
}

// Close closes the log.
func (w *EventWriter) Close() error {
	return w.file.Close()
}

// ReadEvents loads every event from a raw.jsonl file.
func ReadEvents(path string) ([]api.Event, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("could not open event log %s: %w", path, err)
	}
	defer file.Close()
	var events []api.Event
	decoder := json.NewDecoder(file)
	for decoder.More() {
		var event api.Event
		if err := decoder.Decode(&event); err != nil {
			return nil, fmt.Errorf("corrupt event log %s: %w", path, err)
		}
		events = append(events, event)
	}
	return events, nil
}

// CSVWriter writes rows under a fixed column order. Missing fields
// serialize as empty strings; unknown fields are ignored.
type CSVWriter struct {
	file    *os.File
	writer  *csv.Writer
	columns []string
}

// NewCSVWriter opens a CSV at path with the given column order. A fresh
// file gets the header; in append mode an existing file is extended
// without repeating it.
func NewCSVWriter(path string, columns []string, appendMode bool) (*CSVWriter, error) {
	flags := os.O_CREATE | os.O_WRONLY
	if appendMode {
		flags |= os.O_APPEND
	} else {
		flags |= os.O_TRUNC
	}
	needHeader := true
	if appendMode {
		if info, err := os.Stat(path); err == nil && info.Size() > 0 {
			needHeader = false
		}
	}
	file, err := os.OpenFile(path, flags, 0o644)
	if err != nil {
		return nil, fmt.Errorf("could not open %s: %w", path, err)
	}
	w := &CSVWriter{file: file, writer: csv.NewWriter(file), columns: columns}
	if needHeader {
		if err := w.writer.Write(columns); err != nil {
			file.Close()
			return nil, fmt.Errorf("could not write header to %s: %w", path, err)
		}
	}
	return w, nil
}

// WriteRecord writes one row from a field map.
func (w *CSVWriter) WriteRecord(fields map[string]string) error {
	row := make([]string, len(w.columns))
	for n, column := range w.columns {
		row[n] = fields[column]
	}
	if err := w.writer.Write(row); err != nil {
		return fmt.Errorf("could not write row: %w", err)
	}
	return nil
}

// Close flushes and closes the file.
func (w *CSVWriter) Close() error {
	w.writer.Flush()
	if err := w.writer.Error(); err != nil {
		w.file.Close()
		return fmt.Errorf("could not flush rows: %w", err)
	}
	return w.file.Close()
}
