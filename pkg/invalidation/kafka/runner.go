package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/IBM/sarama"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/mohammed-shakir/geocell-index/internal/core/model"
	"github.com/mohammed-shakir/geocell-index/internal/invalidation"
	"github.com/mohammed-shakir/geocell-index/internal/mapper/geocell"
	"github.com/mohammed-shakir/geocell-index/internal/store"
)

// Runner consumes change events and evicts the affected cells from a local
// cell cache, so cached lookups on this instance see writes made elsewhere.
type Runner struct {
	log       *slog.Logger
	cfg       InvalidationConfig
	cache     store.Invalidator
	namespace string
	ms        *runnerMetrics
	ver       *versionDedupe
	assigned  atomic.Bool
	assignMu  sync.RWMutex
	assign    map[int32]struct{}
	wg        sync.WaitGroup
	cancel    context.CancelFunc
}

type Options struct {
	Logger   *slog.Logger
	Register prometheus.Registerer
	// Namespace limits eviction to events from one index. Empty accepts all.
	Namespace string
}

func New(cfg InvalidationConfig, c store.Invalidator, opts Options) *Runner {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Runner{
		log:       opts.Logger,
		cfg:       cfg,
		cache:     c,
		namespace: opts.Namespace,
		ms:        newRunnerMetrics(opts.Register),
		ver:       newVersionDedupe(8192),
		assign:    map[int32]struct{}{},
	}
}

func (r *Runner) Start(ctx context.Context) error {
	if r.cfg.Driver != DriverKafka || !r.cfg.Enabled {
		r.log.Info("invalidation runner disabled", "driver", r.cfg.Driver, "enabled", r.cfg.Enabled)
		return nil
	}
	if r.cache == nil {
		return errors.New("kafka runner: cache dependency is required")
	}

	cfg, err := r.cfg.Sarama()
	if err != nil {
		return fmt.Errorf("kafka config: %w", err)
	}
	cfg.Consumer.Group.Session.Timeout = r.cfg.SessionTimeout
	cfg.Consumer.Group.Heartbeat.Interval = r.cfg.Heartbeat
	cfg.Consumer.Group.Rebalance.Timeout = r.cfg.RebalanceTimeout
	if r.cfg.InitialOldest {
		cfg.Consumer.Offsets.Initial = sarama.OffsetOldest
	} else {
		cfg.Consumer.Offsets.Initial = sarama.OffsetNewest
	}
	cfg.Consumer.Return.Errors = true

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
	r.ms.partitions.Set(float64(len(r.assign)))
}

func (r *Runner) Readiness() (ready bool, partitions []int32) {
	if !r.assigned.Load() {
		return false, nil
	}
	r.assignMu.RLock()
	defer r.assignMu.RUnlock()
	for p := range r.assign {
		partitions = append(partitions, p)
	}
	return true, partitions
}

func (r *Runner) handleMessage(_ context.Context, msg *sarama.ConsumerMessage) error {
	start := time.Now()

	r.ms.sawMessage(msg.Timestamp)

	// entity events carry an id, wire events only cells
	var head struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(msg.Value, &head); err != nil {
		r.ms.rejected()
		return fmt.Errorf("decode: %w", err)
	}

	if head.ID == "" {
		var w WireEvent
		if err := json.Unmarshal(msg.Value, &w); err != nil {
			r.ms.rejected()
			return fmt.Errorf("decode wire event: %w", err)
		}
		err := r.applyWire(w)
		r.ms.handled(w.Op, err, time.Since(start))
		return err
	}

	var ev invalidation.Event
	if err := json.Unmarshal(msg.Value, &ev); err != nil {
		r.ms.rejected()
		return fmt.Errorf("decode: %w", err)
	}
	if err := ev.Validate(); err != nil {
		r.ms.rejected()
		return fmt.Errorf("validate: %w", err)
	}
	err := r.applyEvent(ev)
	r.ms.handled(ev.Op, err, time.Since(start))
	return err
}

func (r *Runner) foreign(ns string) bool {
	if r.namespace != "" && ns != r.namespace {
		r.ms.skipped("namespace")
		return true
	}
	return false
}

func (r *Runner) applyEvent(ev invalidation.Event) error {
	if r.foreign(ev.Namespace) {
		return nil
	}
	// redeliveries of the same change carry the same timestamp
	if !r.ver.shouldApply(invalidation.MessageKey(ev), uint64(ev.TS.UnixNano())) {
		r.ms.skipped("version")
		return nil
	}
	n := r.cache.InvalidateCells(model.Cells(ev.Cells))
	r.ms.evicted(n)
	r.log.Debug("evicted cells", "id", ev.ID, "op", ev.Op, "cells", len(ev.Cells), "pages", n)
	return nil
}

func (r *Runner) applyWire(w WireEvent) error {
	if r.foreign(w.Namespace) {
		return nil
	}
	if len(w.Cells) == 0 {
		return errors.New("wire event without cells")
	}
	var cells model.Cells
	for _, c := range w.Cells {
		if _, err := geocell.Decode(c); err != nil {
			return fmt.Errorf("cell %q: %w", c, err)
		}
		if !r.ver.shouldApply(w.Namespace+"/cell/"+c, w.Version) {
			r.ms.skipped("version")
			continue
		}
		cells = append(cells, c)
	}
	if len(cells) == 0 {
		return nil
	}
	n := r.cache.InvalidateCells(cells)
	r.ms.evicted(n)
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
