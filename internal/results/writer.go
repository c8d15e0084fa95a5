// Package results persists per-packet records and run summaries to the
// configured sinks.
package results

import (
	"encoding/json"
	"errors"
	"io"
	"os"

	"iotharness/internal/metrics"
)

// Writer is a result sink. Implementations may also satisfy BatchWriter
// to receive whole record sets at once.
type Writer interface {
	WriteRecord(metrics.Record) error
	WriteSummary(metrics.Summary) error
	Close() error
}

// BatchWriter is an optional upgrade for sinks with cheap bulk inserts.
type BatchWriter interface {
	WriteRecords([]metrics.Record) error
}

// WriteAll delivers records through the batch path when the sink
// supports it, one at a time otherwise.
func WriteAll(w Writer, records []metrics.Record) error {
	if bw, ok := w.(BatchWriter); ok {
		return bw.WriteRecords(records)
	}
	for _, r := range records {
		if err := w.WriteRecord(r); err != nil {
			return err
		}
	}
	return nil
}

// StdoutWriter prints records and the summary as JSON lines.
type StdoutWriter struct {
	enc *json.Encoder
}

func NewStdoutWriter() *StdoutWriter {
	return &StdoutWriter{enc: json.NewEncoder(os.Stdout)}
}

// NewJSONWriter writes JSON lines to an arbitrary destination; tests
// use it with a buffer.
func NewJSONWriter(w io.Writer) *StdoutWriter {
	return &StdoutWriter{enc: json.NewEncoder(w)}
}

func (w *StdoutWriter) WriteRecord(r metrics.Record) error   { return w.enc.Encode(r) }
func (w *StdoutWriter) WriteSummary(s metrics.Summary) error { return w.enc.Encode(s) }
func (w *StdoutWriter) Close() error                         { return nil }

// FileWriter writes records to a JSONL file and the summary to a
// sibling <path>.summary.json.
type FileWriter struct {
	path string
	file *os.File
	enc  *json.Encoder
}

func NewFileWriter(path string) (*FileWriter, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, err
	}
	return &FileWriter{path: path, file: f, enc: json.NewEncoder(f)}, nil
}

func (w *FileWriter) WriteRecord(r metrics.Record) error { return w.enc.Encode(r) }

func (w *FileWriter) WriteSummary(s metrics.Summary) error {
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(w.path+".summary.json", data, 0o644)
}

func (w *FileWriter) Close() error { return w.file.Close() }

// MultiWriter fans out to several sinks and keeps going past individual
// failures; one dead sink must not lose the run's results elsewhere.
type MultiWriter struct {
	writers []Writer
}

func NewMultiWriter(writers ...Writer) *MultiWriter {
	return &MultiWriter{writers: writers}
}

func (m *MultiWriter) WriteRecord(r metrics.Record) error {
	var errs error
	for _, w := range m.writers {
		errs = errors.Join(errs, w.WriteRecord(r))
	}
	return errs
}

// WriteRecords lets each sink take its preferred path.
func (m *MultiWriter) WriteRecords(records []metrics.Record) error {
	var errs error
	for _, w := range m.writers {
		errs = errors.Join(errs, WriteAll(w, records))
	}
	return errs
}

func (m *MultiWriter) WriteSummary(s metrics.Summary) error {
	var errs error
	for _, w := range m.writers {
		errs = errors.Join(errs, w.WriteSummary(s))
	}
	return errs
}

func (m *MultiWriter) Close() error {
	var errs error
	for _, w := range m.writers {
		errs = errors.Join(errs, w.Close())
	}
	return errs
}
