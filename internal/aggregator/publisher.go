package aggregator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/lumigraph/lumigraph/internal/config"
)

// ErrPublishFailed is returned when a dirty-pattern event could not be
// published. Publish failures never fail the aggregator's own upsert: the
// SqlPattern row is the durable source of truth, the event is only a
// low-latency nudge for the LLM Extractor stage driver.
var ErrPublishFailed = errors.New("dirty pattern publish failed")

// DirtyPatternEvent announces that sql_hash just transitioned into PENDING
// and is eligible for claiming by the LLM Extractor.
type DirtyPatternEvent struct {
	SQLHash  string    `json:"sql_hash"`
	Reason   string    `json:"reason"` // "new_pattern" or "reanalysis"
	Observed time.Time `json:"observed_at"`
}

// DirtyPatternPublisher publishes DirtyPatternEvent messages to Kafka. It is
// an optimization, not a correctness requirement: ClaimPendingExtraction's
// `FOR UPDATE SKIP LOCKED` poll is the authoritative work queue, so a
// publisher that is down or slow only adds latency, never lost work.
type DirtyPatternPublisher struct {
	writer *kafka.Writer
}

// PublisherConfig configures the Kafka topic a DirtyPatternPublisher writes to.
type PublisherConfig struct {
	Brokers []string
	Topic   string
}

// LoadPublisherConfig reads Kafka broker/topic configuration from the
// environment, following the same getter helpers the rest of the module
// uses for env-sourced configuration.
func LoadPublisherConfig() *PublisherConfig {
	return &PublisherConfig{
		Brokers: config.ParseCommaSeparatedList(config.GetEnvStr("KAFKA_BROKERS", "localhost:9092")),
		Topic:   config.GetEnvStr("KAFKA_DIRTY_PATTERN_TOPIC", "lineage.sql-patterns.dirty"),
	}
}

// NewDirtyPatternPublisher builds a publisher for cfg.Topic across cfg.Brokers.
func NewDirtyPatternPublisher(cfg *PublisherConfig) *DirtyPatternPublisher {
	return &DirtyPatternPublisher{
		writer: &kafka.Writer{
			Addr:         kafka.TCP(cfg.Brokers...),
			Topic:        cfg.Topic,
			Balancer:     &kafka.Hash{},
			BatchTimeout: 50 * time.Millisecond,
			RequiredAcks: kafka.RequireOne,
		},
	}
}

// Publish announces sqlHash became dirty-for-analysis. Keyed by sql_hash so
// repeated dirty events for the same pattern land on the same partition and
// preserve relative order.
func (p *DirtyPatternPublisher) Publish(ctx context.Context, event DirtyPatternEvent) error {
	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("%w: marshal event for %s: %w", ErrPublishFailed, event.SQLHash, err)
	}

	err = p.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(event.SQLHash),
		Value: body,
		Time:  event.Observed,
	})
	if err != nil {
		return fmt.Errorf("%w: write message for %s: %w", ErrPublishFailed, event.SQLHash, err)
	}

	return nil
}

// Close flushes and closes the underlying Kafka writer.
func (p *DirtyPatternPublisher) Close() error {
	return p.writer.Close()
}
