// Package kafka consumes index invalidation events from a Kafka consumer
// group and clears the matching cached file indexes.
package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/IBM/sarama"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/nikmarch/overturemaps-duckdb/internal/cache/keys"
	"github.com/nikmarch/overturemaps-duckdb/internal/core/model"
)

// Clearer drops the cached index of a coordinate. index.Service implements it.
type Clearer interface {
	Clear(ctx context.Context, coord model.Coordinate) error
}

type Runner struct {
	log      *slog.Logger
	cfg      InvalidationConfig
	clearer  Clearer
	ms       *metricSet
	ver      *versionDedupe
	assigned atomic.Bool
	assignMu sync.RWMutex
	assign   map[int32]struct{}
	wg       sync.WaitGroup
	cancel   context.CancelFunc
	now      func() time.Time
}

type Options struct {
	Logger   *slog.Logger
	Register prometheus.Registerer
	// DedupeSize bounds the number of coordinates whose last version is kept.
	DedupeSize int
}

func New(cfg InvalidationConfig, c Clearer, opts Options) *Runner {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Runner{
		log:     opts.Logger,
		cfg:     cfg,
		clearer: c,
		ms:      newMetricSet(opts.Register),
		ver:     newVersionDedupe(opts.DedupeSize),
		assign:  map[int32]struct{}{},
		now:     time.Now,
	}
}

// Enabled reports whether Start will join a consumer group.
func (r *Runner) Enabled() bool {
	return r.cfg.Enabled && r.cfg.Driver == DriverKafka
}

func (r *Runner) Start(ctx context.Context) error {
	if !r.Enabled() {
		r.log.Info("invalidation runner disabled", "driver", r.cfg.Driver, "enabled", r.cfg.Enabled)
		return nil
	}
	if r.clearer == nil {
		return errors.New("kafka runner: clearer dependency is required")
	}

	cfg, err := r.cfg.sarama()
	if err != nil {
		return err
	}
	group, err := sarama.NewConsumerGroup(r.cfg.Brokers, r.cfg.GroupID, cfg)
	if err != nil {
		return fmt.Errorf("consumer group: %w", err)
	}

	ctx, cancel := context.WithCancel(ctx)
	r.cancel = cancel

	h := &groupHandler{
		setup: func(sess sarama.ConsumerGroupSession) {
			r.setAssignment(sess.Claims())
		},
		cleanup: func(sarama.ConsumerGroupSession) {
			r.setAssignment(nil)
		},
		process: r.handleMessage,
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		defer func() {
			if err := group.Close(); err != nil {
				r.log.Error("kafka consumer group close", "err", err)
			}
		}()

		for {
			if err := group.Consume(ctx, []string{r.cfg.Topic}, h); err != nil {
				r.log.Error("kafka consume error", "err", err)
				select {
				case <-time.After(2 * time.Second):
				case <-ctx.Done():
					return
				}
			}
			if ctx.Err() != nil {
				return
			}
		}
	}()

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		for err := range group.Errors() {
			r.log.Error("kafka group error", "err", err)
		}
	}()

	r.log.Info("kafka invalidation runner started",
		"topic", r.cfg.Topic, "group", r.cfg.GroupID, "brokers", r.cfg.Brokers)
	return nil
}

func (r *Runner) Stop() {
	if r.cancel != nil {
		r.cancel()
	}
	r.wg.Wait()
	r.log.Info("kafka invalidation runner stopped")
}

func (r *Runner) setAssignment(claims map[string][]int32) {
	r.assignMu.Lock()
	defer r.assignMu.Unlock()
	r.assign = map[int32]struct{}{}
	for _, parts := range claims {
		for _, p := range parts {
			r.assign[p] = struct{}{}
		}
	}
	r.assigned.Store(claims != nil)
}

// Readiness reports whether the group session holds a partition assignment.
func (r *Runner) Readiness() (ready bool, partitions []int32) {
	if !r.assigned.Load() {
		return false, nil
	}
	r.assignMu.RLock()
	defer r.assignMu.RUnlock()
	for p := range r.assign {
		partitions = append(partitions, p)
	}
	sort.Slice(partitions, func(i, j int) bool { return partitions[i] < partitions[j] })
	return true, partitions
}

// handleMessage applies one event. Malformed events are counted and skipped
// so they cannot wedge the partition; a failed Clear is returned and the
// message is redelivered.
func (r *Runner) handleMessage(ctx context.Context, msg *sarama.ConsumerMessage) error {
	start := r.now()
	defer func() { r.ms.proc.Observe(r.now().Sub(start).Seconds()) }()

	if !msg.Timestamp.IsZero() {
		r.ms.lagGauge.Set(start.Sub(msg.Timestamp).Seconds())
	}

	var ev ClearEvent
	if err := json.Unmarshal(msg.Value, &ev); err != nil {
		r.ms.msgs.WithLabelValues("invalid").Inc()
		r.log.Warn("invalidation decode failed", "offset", msg.Offset, "partition", msg.Partition, "err", err)
		return nil
	}
	if err := ev.Validate(); err != nil {
		r.ms.msgs.WithLabelValues("invalid").Inc()
		r.log.Warn("invalidation event rejected", "offset", msg.Offset, "partition", msg.Partition, "err", err)
		return nil
	}

	coord := ev.Coordinate()
	key := keys.Index(coord)
	if !r.ver.newer(key, ev.Version) {
		r.ms.msgs.WithLabelValues("ok").Inc()
		r.ms.apply.WithLabelValues("skip_version").Inc()
		return nil
	}
	if err := r.clearer.Clear(ctx, coord); err != nil {
		r.ms.msgs.WithLabelValues("error").Inc()
		return fmt.Errorf("clear %s: %w", coord, err)
	}
	r.ver.record(key, ev.Version)
	r.ms.msgs.WithLabelValues("ok").Inc()
	r.ms.apply.WithLabelValues("clear").Inc()
	r.log.Info("index invalidated", "coordinate", coord.String(), "version", ev.Version)
	return nil
}

type groupHandler struct {
	setup   func(sarama.ConsumerGroupSession)
	cleanup func(sarama.ConsumerGroupSession)
	process func(context.Context, *sarama.ConsumerMessage) error
}

func (h *groupHandler) Setup(sess sarama.ConsumerGroupSession) error {
	if h.setup != nil {
		h.setup(sess)
	}
	return nil
}

func (h *groupHandler) Cleanup(sess sarama.ConsumerGroupSession) error {
	if h.cleanup != nil {
		h.cleanup(sess)
	}
	return nil
}

func (h *groupHandler) ConsumeClaim(sess sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	ctx := sess.Context()
	for msg := range claim.Messages() {
		if err := h.process(ctx, msg); err != nil {
			return err
		}
		sess.MarkMessage(msg, "")
	}
	return nil
}
