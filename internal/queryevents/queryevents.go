// Package queryevents publishes one summary event per finished /query stream
// to Kafka.
package queryevents

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/IBM/sarama"

	"github.com/nikmarch/overturemaps-duckdb/internal/core/model"
	"github.com/nikmarch/overturemaps-duckdb/internal/logger"
	"github.com/nikmarch/overturemaps-duckdb/internal/stream"
)

type Event struct {
	RequestID  string    `json:"request_id,omitempty"`
	Files      int       `json:"files"`
	Rows       int       `json:"rows"`
	Limit      int       `json:"limit"`
	Errors     int       `json:"errors"`
	Retries    int       `json:"retries"`
	DurationMS int64     `json:"duration_ms"`
	Aborted    bool      `json:"aborted,omitempty"`
	TS         time.Time `json:"ts"`
}

type Publisher struct {
	topic   string
	events  chan Event
	prod    sarama.AsyncProducer
	log     *slog.Logger
	stopped chan struct{}
	now     func() time.Time
}

func NewPublisher(brokers []string, topic string, queueSize int, log *slog.Logger) (*Publisher, error) {
	cfg := sarama.NewConfig()
	cfg.Version = sarama.V2_5_0_0
	cfg.Producer.Return.Errors = true
	cfg.Producer.Return.Successes = false
	cfg.Producer.RequiredAcks = sarama.WaitForLocal

	prod, err := sarama.NewAsyncProducer(brokers, cfg)
	if err != nil {
		return nil, fmt.Errorf("queryevents: create async producer: %w", err)
	}
	return newWithProducer(prod, topic, queueSize, log), nil
}

func newWithProducer(prod sarama.AsyncProducer, topic string, queueSize int, log *slog.Logger) *Publisher {
	if queueSize <= 0 {
		queueSize = 1024
	}
	if log == nil {
		log = slog.Default()
	}
	p := &Publisher{
		topic:   topic,
		events:  make(chan Event, queueSize),
		prod:    prod,
		log:     log,
		stopped: make(chan struct{}),
		now:     time.Now,
	}

	go func() {
		defer close(p.stopped)
		for ev := range p.events {
			b, err := json.Marshal(ev)
			if err != nil {
				p.log.Warn("queryevents: marshal error", "err", err)
				continue
			}
			msg := &sarama.ProducerMessage{
				Topic: p.topic,
				Value: sarama.ByteEncoder(b),
			}
			if ev.RequestID != "" {
				msg.Key = sarama.StringEncoder(ev.RequestID)
			}
			p.prod.Input() <- msg
		}
	}()

	go func() {
		for err := range p.prod.Errors() {
			if err != nil {
				p.log.Warn("queryevents: producer error", "err", err)
			}
		}
	}()

	return p
}

// Publish never blocks; events are dropped when the queue is full.
func (p *Publisher) Publish(ev Event) {
	select {
	case p.events <- ev:
	default:
		p.log.Debug("queryevents: queue full, dropping event")
	}
}

// QueryDone turns a stream summary into an event.
func (p *Publisher) QueryDone(ctx context.Context, q model.QueryRequest, sum stream.Summary, err error) {
	p.Publish(Event{
		RequestID:  logger.RequestID(ctx),
		Files:      len(q.Files),
		Rows:       sum.Rows,
		Limit:      q.Limit,
		Errors:     sum.Errors,
		Retries:    sum.Retries,
		DurationMS: sum.Duration.Milliseconds(),
		Aborted:    err != nil,
		TS:         p.now().UTC(),
	})
}

func (p *Publisher) Close() error {
	close(p.events)
	<-p.stopped

	if err := p.prod.Close(); err != nil {
		return fmt.Errorf("queryevents: close producer: %w", err)
	}
	return nil
}
