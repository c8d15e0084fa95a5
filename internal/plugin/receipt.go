package plugin

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"iotharness/internal/metrics"
)

// ParseReceipts reads a passive plugin's receipt log: one line per
// received packet, "seq recv_time_us". Blank lines and comment lines
// starting with '#' are skipped; anything else malformed is an error, so
// a truncated or corrupt log fails loudly instead of skewing loss.
func ParseReceipts(r io.Reader, nodeID string) ([]metrics.Record, error) {
	var out []metrics.Record
	sc := bufio.NewScanner(r)
	line := 0
	for sc.Scan() {
		line++
		text := strings.TrimSpace(sc.Text())
		if text == "" || strings.HasPrefix(text, "#") {
			continue
		}
		fields := strings.Fields(text)
		if len(fields) != 2 {
			return nil, fmt.Errorf("receipt log line %d: want \"seq recv_time_us\", got %q", line, text)
		}
		seq, err := strconv.ParseUint(fields[0], 10, 32)
		if err != nil {
			return nil, fmt.Errorf("receipt log line %d: seq: %w", line, err)
		}
		recv, err := strconv.ParseUint(fields[1], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("receipt log line %d: recv_time_us: %w", line, err)
		}
		out = append(out, metrics.Record{
			Seq:          uint32(seq),
			NodeID:       nodeID,
			ReceivedAtUS: recv,
			Received:     true,
		})
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("receipt log: %w", err)
	}
	return out, nil
}

// ParseReceiptFile is ParseReceipts over a file path. A missing file is
// not an error: a passive run where nothing arrived leaves no log.
func ParseReceiptFile(path, nodeID string) ([]metrics.Record, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	defer f.Close()
	return ParseReceipts(f, nodeID)
}
