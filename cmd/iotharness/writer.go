package main

import (
	"errors"
	"fmt"
	"log/slog"

	"iotharness/internal/metrics"
	"iotharness/internal/results"
	"iotharness/internal/scenario"
)

// newWriters builds the result sink stack from the scenario. The
// returned cleanup closes every sink.
func newWriters(sc *scenario.Scenario, runID string) (results.Writer, func(), error) {
	var writers []results.Writer
	for i, sink := range sc.Results {
		w, err := newWriter(sink, runID)
		if err != nil {
			for _, opened := range writers {
				opened.Close()
			}
			return nil, nil, fmt.Errorf("result sink %d (%s): %w", i, sink.Kind, err)
		}
		writers = append(writers, w)
	}
	if len(writers) == 0 {
		writers = append(writers, results.NewStdoutWriter())
	}

	mw := results.NewMultiWriter(writers...)
	return mw, func() { mw.Close() }, nil
}

func newWriter(sink scenario.ResultSink, runID string) (results.Writer, error) {
	switch sink.Kind {
	case "stdout":
		return results.NewStdoutWriter(), nil
	case "jsonl":
		return results.NewFileWriter(sink.Path)
	case "kafka":
		return results.NewKafkaWriter(sink.Brokers, sink.Topic, runID), nil
	case "greptime":
		db := sink.Database
		if db == "" {
			db = "public"
		}
		return results.NewGreptimeWriter(sink.Endpoint, db, runID)
	default:
		return nil, fmt.Errorf("unknown sink kind %q", sink.Kind)
	}
}

// writeResults flushes the aggregator's records and summary to the
// sinks and logs the headline numbers.
func writeResults(w results.Writer, agg *metrics.Aggregator, logger *slog.Logger) error {
	var errs error
	if err := results.WriteAll(w, agg.Records()); err != nil {
		errs = errors.Join(errs, err)
	}
	s := agg.Summary()
	if err := w.WriteSummary(s); err != nil {
		errs = errors.Join(errs, err)
	}
	logger.Info("run summary",
		"run_id", s.RunID,
		"sent", s.Sent,
		"received", s.Received,
		"lost", s.Lost,
		"loss_rate", fmt.Sprintf("%.4f", s.LossRate),
		"p50_ms", s.Latency.Median,
		"p95_ms", s.Latency.P95,
		"throughput_rps", fmt.Sprintf("%.1f", s.ThroughputRPS),
		"failure", s.Failure)
	return errs
}
