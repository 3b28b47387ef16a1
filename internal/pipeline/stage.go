// Package pipeline runs a transform over a share-queue topic with a fixed
// pool of competing workers.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/rzbill/sharepipe/internal/codec"
	"github.com/rzbill/sharepipe/internal/queue"
	"github.com/rzbill/sharepipe/pkg/log"
)

// Output is one record a transform wants published.
type Output struct {
	Key   string
	Value []byte
}

// Transform maps one input record to zero or more outputs. It must be a pure
// function of the record so redelivery yields the same outputs.
type Transform func(ctx context.Context, rec queue.Record) ([]Output, error)

// Observer receives per-stage counters. metrics.Metrics implements it.
type Observer interface {
	Polled(stage string, n int)
	Accepted(stage string)
	Released(stage, reason string)
	Published(stage string, n int)
	ObserveTransform(stage string, d time.Duration)
}

type noopObserver struct{}

func (noopObserver) Polled(string, int)                     {}
func (noopObserver) Accepted(string)                        {}
func (noopObserver) Released(string, string)                {}
func (noopObserver) Published(string, int)                  {}
func (noopObserver) ObserveTransform(string, time.Duration) {}

// Release reasons.
const (
	ReasonDecode    = "decode"
	ReasonTransport = "transport"
	ReasonShutdown  = "shutdown"
	ReasonError     = "error"
)

// Config names a stage and sizes its pool.
type Config struct {
	Name       string
	InputTopic string
	// OutputTopic is empty for terminal stages.
	OutputTopic string
	Group       string
	Workers     int
	PollTimeout time.Duration
	// AckTimeout bounds each acknowledgment. Default 5s.
	AckTimeout time.Duration
}

// Option customises a Stage.
type Option func(*Stage)

func WithLogger(l log.Logger) Option { return func(s *Stage) { s.logger = l } }

func WithObserver(o Observer) Option { return func(s *Stage) { s.obs = o } }

// Stage is a pool of workers sharing one group on one input topic and one
// producer for the output topic.
type Stage struct {
	cfg       Config
	transport queue.Transport
	producer  queue.Producer
	transform Transform
	logger    log.Logger
	obs       Observer
}

// New validates cfg. producer may be nil only for terminal stages.
func New(cfg Config, transport queue.Transport, producer queue.Producer, transform Transform, opts ...Option) (*Stage, error) {
	if cfg.Name == "" || cfg.InputTopic == "" || cfg.Group == "" {
		return nil, errors.New("pipeline: name, input topic and group are required")
	}
	if transport == nil || transform == nil {
		return nil, errors.New("pipeline: transport and transform are required")
	}
	if cfg.OutputTopic != "" && producer == nil {
		return nil, fmt.Errorf("pipeline %s: producer required for output topic %s", cfg.Name, cfg.OutputTopic)
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = 100 * time.Millisecond
	}
	if cfg.AckTimeout <= 0 {
		cfg.AckTimeout = 5 * time.Second
	}
	s := &Stage{cfg: cfg, transport: transport, producer: producer, transform: transform, obs: noopObserver{}}
	for _, o := range opts {
		o(s)
	}
	if s.logger == nil {
		s.logger = log.NewLogger(log.WithOutput(log.NullOutput{}))
	}
	s.logger = s.logger.WithComponent("pipeline").With(log.Str("stage", cfg.Name))
	return s, nil
}

// Config returns the effective configuration.
func (s *Stage) Config() Config { return s.cfg }

// Run starts the pool and blocks until ctx is cancelled or a worker fails to
// start. Each worker releases the unprocessed rest of its batch on
// cancellation.
func (s *Stage) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < s.cfg.Workers; i++ {
		n := i
		g.Go(func() error { return s.runWorker(gctx, n) })
	}
	s.logger.Info("stage started",
		log.Str("input", s.cfg.InputTopic), log.Str("output", s.cfg.OutputTopic),
		log.Str("group", s.cfg.Group), log.Int("workers", s.cfg.Workers))
	err := g.Wait()
	s.logger.Info("stage stopped")
	return err
}

func (s *Stage) runWorker(ctx context.Context, n int) error {
	c, err := s.transport.NewConsumer(s.cfg.Group)
	if err != nil {
		return fmt.Errorf("stage %s worker %d: %w", s.cfg.Name, n, err)
	}
	defer c.Close()
	if err := c.Subscribe(ctx, s.cfg.InputTopic); err != nil {
		return fmt.Errorf("stage %s worker %d: %w", s.cfg.Name, n, err)
	}
	w := &worker{stage: s, consumer: c, logger: s.logger.With(log.Int("worker", n))}
	w.loop(ctx)
	return nil
}

type worker struct {
	stage    *Stage
	consumer queue.Consumer
	logger   log.Logger
}

func (w *worker) loop(ctx context.Context) {
	s := w.stage
	for ctx.Err() == nil {
		recs, err := w.consumer.Poll(ctx, s.cfg.PollTimeout)
		if len(recs) > 0 {
			s.obs.Polled(s.cfg.Name, len(recs))
		}
		for i, rec := range recs {
			if ctx.Err() != nil {
				w.releaseAll(ctx, recs[i:])
				return
			}
			w.handle(ctx, rec)
		}
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			w.logger.Warn("poll failed", log.Err(err))
			// fixed pause so an unreachable broker does not spin the loop
			select {
			case <-ctx.Done():
				return
			case <-time.After(s.cfg.PollTimeout):
			}
		}
	}
}

func (w *worker) handle(ctx context.Context, rec queue.Record) {
	s := w.stage
	start := time.Now()
	outs, err := s.transform(ctx, rec)
	s.obs.ObserveTransform(s.cfg.Name, time.Since(start))
	if err != nil {
		reason := classify(err)
		w.logger.Warn("transform failed, releasing record",
			log.Str("topic", rec.Topic), log.Str("key", rec.Key), log.Str("id", rec.ID),
			log.Int("delivery", rec.DeliveryCount), log.Str("reason", reason), log.Err(err))
		w.ack(ctx, rec, queue.Release, reason)
		return
	}

	if s.cfg.OutputTopic != "" {
		for _, o := range outs {
			if err := s.producer.Send(ctx, s.cfg.OutputTopic, o.Key, o.Value); err != nil {
				reason := classify(err)
				w.logger.Warn("publish failed, releasing record",
					log.Str("topic", rec.Topic), log.Str("id", rec.ID), log.Str("reason", reason), log.Err(err))
				w.ack(ctx, rec, queue.Release, reason)
				return
			}
		}
		s.obs.Published(s.cfg.Name, len(outs))
	}
	w.ack(ctx, rec, queue.Accept, "")
	w.logger.Debug("record processed", log.Str("key", rec.Key), log.Str("id", rec.ID), log.Int("outputs", len(outs)))
}

// ack acknowledges on a context that survives shutdown so in-flight
// outcomes are still reported.
func (w *worker) ack(ctx context.Context, rec queue.Record, ack queue.AckType, reason string) {
	s := w.stage
	actx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.AckTimeout)
	defer cancel()
	if err := w.consumer.Acknowledge(actx, rec, ack); err != nil {
		w.logger.Warn("acknowledge failed", log.Str("id", rec.ID), log.Str("ack", ack.String()), log.Err(err))
		return
	}
	if ack == queue.Accept {
		s.obs.Accepted(s.cfg.Name)
	} else {
		s.obs.Released(s.cfg.Name, reason)
	}
}

func (w *worker) releaseAll(ctx context.Context, recs []queue.Record) {
	for _, rec := range recs {
		w.ack(ctx, rec, queue.Release, ReasonShutdown)
	}
	if len(recs) > 0 {
		w.logger.Info("released unprocessed records on shutdown", log.Int("count", len(recs)))
	}
}

func classify(err error) string {
	var te *queue.TransportError
	switch {
	case codec.IsDecodeError(err):
		return ReasonDecode
	case errors.As(err, &te):
		return ReasonTransport
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return ReasonShutdown
	default:
		return ReasonError
	}
}
