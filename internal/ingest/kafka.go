package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"github.com/segmentio/kafka-go"

	"threatwatch/internal/broadcast"
	"threatwatch/internal/config"
	"threatwatch/internal/logging"
	"threatwatch/internal/metrics"
	"threatwatch/internal/model"
	"threatwatch/internal/normalize"
	"threatwatch/internal/pipeline"
)

var ErrBrokerUnavailable = errors.New("kafka brokers unavailable")

type messageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Consumer reads events from Kafka and runs them through the pipeline. Its
// messages reach live clients through the relay, never directly.
type Consumer struct {
	cfg       *config.Manager
	proc      Processor
	relay     broadcast.Publisher
	metrics   *metrics.Metrics
	logger    *slog.Logger
	probe     func(ctx context.Context, brokers []string) error
	newReader func(cfg config.KafkaConfig) messageReader
}

func NewConsumer(cfg *config.Manager, proc Processor, relay broadcast.Publisher, m *metrics.Metrics, logger *slog.Logger) *Consumer {
	if logger == nil {
		logger = logging.Discard()
	}
	return &Consumer{
		cfg:       cfg,
		proc:      proc,
		relay:     relay,
		metrics:   m,
		logger:    logging.Component(logger, "kafka"),
		probe:     probeBrokers,
		newReader: newKafkaReader,
	}
}

func newKafkaReader(cfg config.KafkaConfig) messageReader {
	return kafka.NewReader(kafka.ReaderConfig{
		Brokers:        cfg.Brokers,
		Topic:          cfg.Topic,
		GroupID:        cfg.GroupID,
		MinBytes:       1e3,
		MaxBytes:       10e6,
		MaxWait:        time.Second,
		ReadBackoffMin: 100 * time.Millisecond,
		ReadBackoffMax: time.Second,
	})
}

func probeBrokers(ctx context.Context, brokers []string) error {
	dialer := &kafka.Dialer{Timeout: 5 * time.Second, DualStack: true}
	var lastErr error
	for _, broker := range brokers {
		conn, err := dialer.DialContext(ctx, "tcp", broker)
		if err != nil {
			lastErr = err
			continue
		}
		_, err = conn.ReadPartitions()
		conn.Close()
		if err != nil {
			lastErr = fmt.Errorf("read partitions from %s: %w", broker, err)
			continue
		}
		return nil
	}
	if lastErr == nil {
		lastErr = errors.New("no brokers configured")
	}
	return lastErr
}

// Run blocks until ctx is done. It returns ErrBrokerUnavailable when the
// brokers stay unreachable for every connect attempt; the direct ingest path
// is unaffected by that.
func (c *Consumer) Run(ctx context.Context) error {
	current := c.cfg.Get().Ingest.Kafka
	if !current.Enabled {
		c.logger.Info("kafka ingest disabled")
		return nil
	}
	if err := c.connect(ctx, current); err != nil {
		return err
	}
	c.logger.Info("kafka ingest enabled", "brokers", current.Brokers, "topic", current.Topic, "group_id", current.GroupID)

	reader := c.newReader(current)
	defer reader.Close()
	for {
		m, err := reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			c.metrics.ConsumerError("fetch")
			c.logger.Warn("kafka read error", "error", err)
			if !BackoffSleep(ctx, 0) {
				return nil
			}
			continue
		}
		c.handle(ctx, m)
		if err := reader.CommitMessages(ctx, m); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			c.metrics.ConsumerError("commit")
			c.logger.Warn("kafka commit failed", "partition", m.Partition, "offset", m.Offset, "error", err)
		}
	}
}

func (c *Consumer) connect(ctx context.Context, cfg config.KafkaConfig) error {
	attempts := max(1, cfg.ConnectRetries)
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		lastErr = c.probe(ctx, cfg.Brokers)
		if lastErr == nil {
			return nil
		}
		c.logger.Warn("kafka brokers unreachable", "attempt", attempt, "max_attempts", attempts, "error", lastErr)
		if attempt == attempts {
			break
		}
		if !BackoffSleep(ctx, cfg.RetryDelay) {
			return ctx.Err()
		}
	}
	c.logger.Error("kafka unavailable, durable path disabled", "brokers", cfg.Brokers, "attempts", attempts, "error", lastErr)
	return fmt.Errorf("%w after %d attempts: %w", ErrBrokerUnavailable, attempts, lastErr)
}

// handle processes one record. Failures, panics included, are logged; the
// record is still committed by the caller.
func (c *Consumer) handle(ctx context.Context, m kafka.Message) {
	defer func() {
		if r := recover(); r != nil {
			c.metrics.ConsumerError("panic")
			c.logger.Error("kafka record handler panicked", "partition", m.Partition, "offset", m.Offset, "panic", r,
				"stack", string(debug.Stack()))
		}
	}()
	wire, id, err := normalize.Decode(m.Value)
	if err != nil {
		c.metrics.ConsumerError("decode")
		c.logger.Warn("kafka decode error", "partition", m.Partition, "offset", m.Offset, "error", err)
		return
	}
	ev, err := normalize.Normalize(wire, id, NormalizeOptions(c.cfg.Get()))
	if err != nil {
		c.metrics.ConsumerError("normalize")
		c.logger.Warn("kafka normalize error", "partition", m.Partition, "offset", m.Offset, "error", err)
		return
	}
	out := c.proc.Handle(ctx, ev, pipeline.PathQueue, c.relay)
	if out.Result != nil && out.Result.Err != nil {
		c.metrics.ConsumerError("correlate")
	}
}

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Producer writes REST-ingested events to Kafka for the durable path.
type Producer struct {
	writer messageWriter
	logger *slog.Logger
}

func NewProducer(cfg config.KafkaConfig, logger *slog.Logger) *Producer {
	if logger == nil {
		logger = logging.Discard()
	}
	logger = logging.Component(logger, "kafka-producer")
	return &Producer{
		writer: &kafka.Writer{
			Addr:         kafka.TCP(cfg.Brokers...),
			Topic:        cfg.Topic,
			Balancer:     &kafka.Hash{},
			MaxAttempts:  3,
			BatchTimeout: 10 * time.Millisecond,
			RequiredAcks: kafka.RequireOne,
		},
		logger: logger,
	}
}

// Publish writes ev keyed by tenant so one tenant's events stay ordered.
func (p *Producer) Publish(ctx context.Context, ev model.Event) error {
	value, err := normalize.Encode(ev)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	if err := p.writer.WriteMessages(ctx, kafka.Message{Key: []byte(ev.TenantID), Value: value}); err != nil {
		return fmt.Errorf("write kafka message: %w", err)
	}
	p.logger.Debug("event queued", "event_id", ev.EventID, "tenant_id", ev.TenantID)
	return nil
}

func (p *Producer) Close() error {
	return p.writer.Close()
}
