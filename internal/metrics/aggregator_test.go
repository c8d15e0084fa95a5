package metrics

import (
	"math"
	"testing"
	"time"
)

func TestNoLossWhenAllReceived(t *testing.T) {
	agg := NewAggregator("run-1", time.Second)
	const n = 100
	agg.RecordSent(n)
	base := uint64(1_700_000_000_000_000)
	for i := 0; i < n; i++ {
		agg.Ingest(Record{
			Seq:          uint32(i),
			NodeID:       "node-a",
			SentAtUS:     base + uint64(i)*1000,
			ReceivedAtUS: base + uint64(i)*1000 + 2500,
			Received:     true,
		})
	}
	s := agg.Summary()
	if s.Sent != n || s.Received != n {
		t.Fatalf("sent/received = %d/%d, want %d/%d", s.Sent, s.Received, n, n)
	}
	if s.LossRate != 0 {
		t.Errorf("loss rate = %v, want 0", s.LossRate)
	}
	if math.Abs(s.Latency.Median-2.5) > 0.001 {
		t.Errorf("median latency = %v ms, want 2.5", s.Latency.Median)
	}
}

func TestTotalLoss(t *testing.T) {
	agg := NewAggregator("run-1", time.Second)
	agg.RecordSent(40)
	for i := 0; i < 40; i++ {
		agg.Ingest(Record{Seq: uint32(i), NodeID: "node-a", SentAtUS: uint64(i), Received: false})
	}
	s := agg.Summary()
	if s.Received != 0 {
		t.Errorf("received = %d, want 0", s.Received)
	}
	if s.LossRate != 1.0 {
		t.Errorf("loss rate = %v, want 1.0", s.LossRate)
	}
}

func TestOutOfOrderAndDuplicateIngestion(t *testing.T) {
	agg := NewAggregator("run-1", time.Second)
	agg.RecordSent(3)
	base := uint64(1_700_000_000_000_000)

	// Receipts arrive in reverse sequence order, one duplicated, and a
	// loss marker arrives after its receipt.
	agg.Ingest(Record{Seq: 2, NodeID: "n", SentAtUS: base, ReceivedAtUS: base + 100, Received: true})
	agg.Ingest(Record{Seq: 0, NodeID: "n", SentAtUS: base, ReceivedAtUS: base + 300, Received: true})
	agg.Ingest(Record{Seq: 0, NodeID: "n", SentAtUS: base, ReceivedAtUS: base + 900, Received: true})
	agg.Ingest(Record{Seq: 2, NodeID: "n", SentAtUS: base, Received: false})

	s := agg.Summary()
	if s.Received != 2 {
		t.Fatalf("received = %d, want 2", s.Received)
	}
	if s.Lost != 1 {
		t.Fatalf("lost = %d, want 1", s.Lost)
	}
	recs := agg.Records()
	if len(recs) != 2 {
		t.Fatalf("record count = %d, want 2", len(recs))
	}
	// Duplicate must not have overwritten the first receipt.
	if recs[0].ReceivedAtUS != base+300 {
		t.Errorf("seq 0 received_at = %d, want %d", recs[0].ReceivedAtUS, base+300)
	}
}

func TestClockOffsetCorrection(t *testing.T) {
	// Both timestamps of a record come from node clocks. A node stamping
	// both ends must see its latency unchanged whatever its skew, and a
	// record stamped across two differently skewed clocks must land on
	// the true latency once both are shifted into coordinator time.
	base := uint64(1_700_000_000_000_000)

	cases := []struct {
		name          string
		senderOffset  int64
		recvOffset    int64
		recvBy        string
		sentRaw       uint64
		recvRaw       uint64
		wantLatencyMS float64
	}{
		{
			name:          "same host, no skew",
			recvBy:        "",
			sentRaw:       base,
			recvRaw:       base + 10_000,
			wantLatencyMS: 10,
		},
		{
			name:          "same host, 50ms behind coordinator",
			senderOffset:  50_000,
			recvBy:        "",
			sentRaw:       base - 50_000,
			recvRaw:       base - 50_000 + 10_000,
			wantLatencyMS: 10,
		},
		{
			name:          "same host, 50ms ahead of coordinator",
			senderOffset:  -50_000,
			recvBy:        "",
			sentRaw:       base + 50_000,
			recvRaw:       base + 50_000 + 10_000,
			wantLatencyMS: 10,
		},
		{
			name:          "sender behind, receiver on coordinator time",
			senderOffset:  50_000,
			recvBy:        "server",
			sentRaw:       base - 50_000, // coordinator time: base
			recvRaw:       base + 10_000,
			wantLatencyMS: 10,
		},
		{
			name:          "sender ahead, receiver behind",
			senderOffset:  -30_000,
			recvOffset:    20_000,
			recvBy:        "server",
			sentRaw:       base + 30_000, // coordinator time: base
			recvRaw:       base + 10_000 - 20_000,
			wantLatencyMS: 10,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			agg := NewAggregator("run-1", time.Second)
			agg.SetOffset("sender", tc.senderOffset)
			agg.SetOffset("server", tc.recvOffset)
			agg.IngestBatch("sender", 1, []Record{{
				Seq:          0,
				NodeID:       "sender",
				SentAtUS:     tc.sentRaw,
				ReceivedAtUS: tc.recvRaw,
				ReceivedBy:   tc.recvBy,
				Received:     true,
			}})
			s := agg.Summary()
			if s.Received != 1 {
				t.Fatalf("received = %d, want 1 (sample must not be discarded)", s.Received)
			}
			if math.Abs(s.Latency.Min-tc.wantLatencyMS) > 0.001 {
				t.Errorf("corrected latency = %v ms, want %v", s.Latency.Min, tc.wantLatencyMS)
			}
		})
	}
}

func TestCrossNodeReceiptUpgradesSenderLossMarker(t *testing.T) {
	// In a distributed run the sending node reports its loss markers and
	// the serving node reports the receipts. After both batches merge,
	// the sender's record must be the one upgraded, not a record in the
	// server's own sequence space.
	agg := NewAggregator("run-1", time.Second)
	base := uint64(1_700_000_000_000_000)

	agg.IngestBatch("node-2", 1, []Record{{
		Seq: 0, NodeID: "node-2", SentAtUS: base, Received: false,
	}})
	agg.IngestBatch("node-1", 0, []Record{{
		Seq: 0, NodeID: "node-2", SentAtUS: base, ReceivedAtUS: base + 5_000,
		ReceivedBy: "node-1", Received: true,
	}})

	s := agg.Summary()
	if s.Sent != 1 || s.Received != 1 || s.Lost != 0 {
		t.Fatalf("sent/received/lost = %d/%d/%d, want 1/1/0", s.Sent, s.Received, s.Lost)
	}
	recs := agg.Records()
	if len(recs) != 1 || recs[0].NodeID != "node-2" || !recs[0].Received {
		t.Fatalf("merged records = %+v, want one received record owned by node-2", recs)
	}
}

func TestFailurePreservesPartialMetrics(t *testing.T) {
	agg := NewAggregator("run-1", time.Second)
	agg.RecordSent(10)
	base := uint64(1_700_000_000_000_000)
	for i := 0; i < 4; i++ {
		agg.Ingest(Record{Seq: uint32(i), NodeID: "n", SentAtUS: base, ReceivedAtUS: base + 1000, Received: true})
	}
	agg.Fail("plugin udp on node-a: unexpected exit")
	agg.Finalize()

	s := agg.Summary()
	if s.Failure == "" {
		t.Error("summary missing failure reason")
	}
	if s.Received != 4 {
		t.Errorf("partial received = %d, want 4", s.Received)
	}
}

func TestLatencyPercentiles(t *testing.T) {
	agg := NewAggregator("run-1", time.Second)
	agg.RecordSent(100)
	base := uint64(1_700_000_000_000_000)
	// Latencies 1ms..100ms.
	for i := 1; i <= 100; i++ {
		agg.Ingest(Record{
			Seq:          uint32(i),
			NodeID:       "n",
			SentAtUS:     base,
			ReceivedAtUS: base + uint64(i)*1000,
			Received:     true,
		})
	}
	s := agg.Summary()
	if s.Latency.Min != 1 || s.Latency.Max != 100 {
		t.Errorf("min/max = %v/%v, want 1/100", s.Latency.Min, s.Latency.Max)
	}
	if s.Latency.P95 < 94 || s.Latency.P95 > 97 {
		t.Errorf("p95 = %v, want ≈96", s.Latency.P95)
	}
	if s.Latency.Median < 49 || s.Latency.Median > 52 {
		t.Errorf("median = %v, want ≈51", s.Latency.Median)
	}
}

func TestThroughputWindows(t *testing.T) {
	agg := NewAggregator("run-1", time.Second)
	agg.RecordSent(20)
	base := uint64(1_700_000_000_000_000)
	// 10 receipts in one second, 10 in the next.
	for i := 0; i < 20; i++ {
		agg.Ingest(Record{
			Seq:          uint32(i),
			NodeID:       "n",
			SentAtUS:     base,
			ReceivedAtUS: base + uint64(i/10)*1_000_000 + uint64(i%10)*1000,
			Received:     true,
		})
	}
	s := agg.Summary()
	if len(s.Windows) != 2 {
		t.Fatalf("window count = %d, want 2", len(s.Windows))
	}
	for i, w := range s.Windows {
		if w.Received != 10 {
			t.Errorf("window %d received = %d, want 10", i, w.Received)
		}
		if w.RPS != 10 {
			t.Errorf("window %d rps = %v, want 10", i, w.RPS)
		}
	}
}
