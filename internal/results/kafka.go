package results

import (
	"context"
	"encoding/json"
	"time"

	"github.com/segmentio/kafka-go"

	"iotharness/internal/metrics"
)

// KafkaWriter streams records to a per-run topic so downstream
// consumers can watch a run live instead of waiting for the summary.
type KafkaWriter struct {
	writer *kafka.Writer
}

// DefaultTopic names the per-run results topic.
func DefaultTopic(runID string) string {
	return "iotharness.results." + runID
}

// NewKafkaWriter connects a producer to the given brokers. An empty
// topic falls back to the per-run default.
func NewKafkaWriter(brokers []string, topic, runID string) *KafkaWriter {
	if topic == "" {
		topic = DefaultTopic(runID)
	}
	return &KafkaWriter{
		writer: kafka.NewWriter(kafka.WriterConfig{
			Brokers:      brokers,
			Topic:        topic,
			Balancer:     &kafka.LeastBytes{},
			BatchTimeout: 100 * time.Millisecond,
		}),
	}
}

func (w *KafkaWriter) WriteRecord(r metrics.Record) error {
	return w.WriteRecords([]metrics.Record{r})
}

// WriteRecords produces one message per record, keyed by node so a
// node's records stay ordered within a partition.
func (w *KafkaWriter) WriteRecords(records []metrics.Record) error {
	if len(records) == 0 {
		return nil
	}
	msgs := make([]kafka.Message, 0, len(records))
	for _, r := range records {
		value, err := json.Marshal(r)
		if err != nil {
			return err
		}
		msgs = append(msgs, kafka.Message{
			Key:   []byte(r.NodeID),
			Value: value,
		})
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	return w.writer.WriteMessages(ctx, msgs...)
}

func (w *KafkaWriter) WriteSummary(s metrics.Summary) error {
	value, err := json.Marshal(s)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	return w.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte("summary"),
		Value: value,
	})
}

func (w *KafkaWriter) Close() error { return w.writer.Close() }
