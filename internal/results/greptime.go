package results

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"time"

	greptime "github.com/GreptimeTeam/greptimedb-ingester-go"
	"github.com/GreptimeTeam/greptimedb-ingester-go/table"
	"github.com/GreptimeTeam/greptimedb-ingester-go/table/types"

	"iotharness/internal/metrics"
)

// GreptimeWriter stores packet timings and run summaries in GreptimeDB
// for later analysis across runs. Tables are auto-created by the
// ingester on first write.
type GreptimeWriter struct {
	client *greptime.Client
	runID  string
}

// NewGreptimeWriter connects to GreptimeDB. endpoint is "host" or
// "host:port"; without a port the client's default gRPC port is used.
func NewGreptimeWriter(endpoint, database, runID string) (*GreptimeWriter, error) {
	cfg := greptime.NewConfig(endpoint)
	if h, p, err := net.SplitHostPort(endpoint); err == nil {
		port, err := strconv.Atoi(p)
		if err != nil {
			return nil, fmt.Errorf("greptime endpoint %q: bad port: %w", endpoint, err)
		}
		cfg = greptime.NewConfig(h).WithPort(port)
	}
	cfg = cfg.WithDatabase(database)

	client, err := greptime.NewClient(cfg)
	if err != nil {
		return nil, err
	}
	return &GreptimeWriter{client: client, runID: runID}, nil
}

func (w *GreptimeWriter) WriteRecord(r metrics.Record) error {
	return w.WriteRecords([]metrics.Record{r})
}

// WriteRecords inserts timing rows in one batch.
func (w *GreptimeWriter) WriteRecords(records []metrics.Record) error {
	if len(records) == 0 {
		return nil
	}

	tbl, err := table.New("packet_timings")
	if err != nil {
		return err
	}
	if err := firstErr(
		tbl.AddTagColumn("run_id", types.STRING),
		tbl.AddTagColumn("node_id", types.STRING),
		tbl.AddFieldColumn("seq", types.INT64),
		tbl.AddFieldColumn("latency_ms", types.FLOAT64),
		tbl.AddFieldColumn("status", types.STRING),
		tbl.AddFieldColumn("sent_at", types.TIMESTAMP_MICROSECOND),
		tbl.AddTimestampColumn("ts", types.TIMESTAMP_MICROSECOND),
	); err != nil {
		return err
	}

	for _, r := range records {
		status := "lost"
		latency := 0.0
		// Lost records index at send time; received ones at arrival.
		ts := time.UnixMicro(int64(r.SentAtUS))
		if r.Received {
			status = "received"
			ts = time.UnixMicro(int64(r.ReceivedAtUS))
			if r.ReceivedAtUS >= r.SentAtUS {
				latency = float64(r.ReceivedAtUS-r.SentAtUS) / 1000.0
			}
		}
		err := tbl.AddRow(w.runID, r.NodeID, int64(r.Seq), latency, status,
			time.UnixMicro(int64(r.SentAtUS)), ts)
		if err != nil {
			return err
		}
	}

	_, err = w.client.Write(context.Background(), tbl)
	return err
}

func (w *GreptimeWriter) WriteSummary(s metrics.Summary) error {
	tbl, err := table.New("run_summaries")
	if err != nil {
		return err
	}
	if err := firstErr(
		tbl.AddTagColumn("run_id", types.STRING),
		tbl.AddFieldColumn("sent", types.INT64),
		tbl.AddFieldColumn("received", types.INT64),
		tbl.AddFieldColumn("lost", types.INT64),
		tbl.AddFieldColumn("loss_rate", types.FLOAT64),
		tbl.AddFieldColumn("p50_ms", types.FLOAT64),
		tbl.AddFieldColumn("p95_ms", types.FLOAT64),
		tbl.AddFieldColumn("p99_ms", types.FLOAT64),
		tbl.AddFieldColumn("throughput_rps", types.FLOAT64),
		tbl.AddFieldColumn("failure", types.STRING),
		tbl.AddTimestampColumn("ts", types.TIMESTAMP_MICROSECOND),
	); err != nil {
		return err
	}

	err = tbl.AddRow(s.RunID, int64(s.Sent), int64(s.Received), int64(s.Lost),
		s.LossRate, s.Latency.Median, s.Latency.P95, s.Latency.P99,
		s.ThroughputRPS, s.Failure, time.Now())
	if err != nil {
		return err
	}

	_, err = w.client.Write(context.Background(), tbl)
	return err
}

func (w *GreptimeWriter) Close() error { return nil }

func firstErr(errs ...error) error {
	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}
