package coordinator

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"math/rand"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/rzbill/sharepipe/internal/cache"
	"github.com/rzbill/sharepipe/internal/config"
	"github.com/rzbill/sharepipe/internal/iot"
	"github.com/rzbill/sharepipe/internal/pipeline"
	"github.com/rzbill/sharepipe/internal/queue"
	"github.com/rzbill/sharepipe/internal/resources"
	"github.com/rzbill/sharepipe/pkg/log"
)

// AlertsObserver receives every alert-subsystem counter. metrics.Metrics
// implements it.
type AlertsObserver interface {
	pipeline.Observer
	iot.LookupObserver
	iot.GeneratorObserver
	iot.FilterObserver
}

// AlertsOptions configure the alert subsystem.
type AlertsOptions struct {
	Config    config.AlertsConfig
	Transport queue.Transport
	// Store backs the recipient directory. Defaults to an in-process LRU
	// sized by Config.
	Store cache.Store[[]iot.Recipient]
	// Resources holds the recipient list. Defaults to the embedded set.
	Resources  fs.FS
	AckTimeout time.Duration
	Logger     log.Logger
	Observer   AlertsObserver
}

// Alerts populates the recipient directory, then runs the generator and the
// processor pool.
type Alerts struct {
	opts      AlertsOptions
	dir       *iot.Directory
	devices   []string
	gen       *iot.Generator
	producer  queue.Producer
	processor *pipeline.Stage
	logger    log.Logger
}

func NewAlerts(opts AlertsOptions) (*Alerts, error) {
	if opts.Transport == nil {
		return nil, errors.New("coordinator: transport is required")
	}
	if opts.Logger == nil {
		opts.Logger = log.NewLogger(log.WithOutput(log.NullOutput{}))
	}
	if opts.Resources == nil {
		opts.Resources = resources.FS()
	}
	cfg := opts.Config
	if opts.Store == nil {
		opts.Store = cache.NewLRU[[]iot.Recipient](cache.Options{
			MaxEntries: cfg.CacheSize,
			TTL:        config.Millis(cfg.CacheTTLMs),
		})
	}
	filter, err := iot.NewFilter(cfg.Filter)
	if err != nil {
		return nil, err
	}

	// A nil AlertsObserver must reach the iot constructors as untyped nil.
	var (
		lookups   iot.LookupObserver
		generated iot.GeneratorObserver
		filtered  iot.FilterObserver
	)
	stageOpts := []pipeline.Option{pipeline.WithLogger(opts.Logger)}
	genOpts := []iot.GeneratorOption{iot.WithGeneratorLogger(opts.Logger)}
	if opts.Observer != nil {
		lookups, generated, filtered = opts.Observer, opts.Observer, opts.Observer
		stageOpts = append(stageOpts, pipeline.WithObserver(opts.Observer))
		genOpts = append(genOpts, iot.WithGeneratorObserver(generated))
	}

	dir := iot.NewDirectory(opts.Store, opts.Logger, lookups)
	devices := iot.DeviceIDs(cfg.Devices)

	producer, err := opts.Transport.NewProducer("alert-generator")
	if err != nil {
		return nil, err
	}
	gen, err := iot.NewGenerator(iot.GeneratorConfig{
		Topic:    cfg.Topic,
		Devices:  devices,
		Interval: config.Millis(cfg.IntervalMs),
		Duration: config.Millis(cfg.DurationMs),
		Seed:     cfg.Seed,
	}, producer, dir, genOpts...)
	if err != nil {
		_ = producer.Close()
		return nil, err
	}

	proc := iot.NewProcessor(filter, opts.Logger, filtered)
	stage, err := pipeline.New(pipeline.Config{
		Name:        StageAlerts,
		InputTopic:  cfg.Topic,
		Group:       cfg.Group,
		Workers:     cfg.Processors,
		PollTimeout: config.Millis(cfg.PollTimeoutMs),
		AckTimeout:  opts.AckTimeout,
	}, opts.Transport, nil, proc.Transform, stageOpts...)
	if err != nil {
		_ = producer.Close()
		return nil, err
	}
	return &Alerts{
		opts:      opts,
		dir:       dir,
		devices:   devices,
		gen:       gen,
		producer:  producer,
		processor: stage,
		logger:    opts.Logger.WithComponent("coordinator.alerts"),
	}, nil
}

// Topics lists the alert topic.
func (a *Alerts) Topics() []string { return []string{a.opts.Config.Topic} }

// Directory exposes the recipient directory.
func (a *Alerts) Directory() *iot.Directory { return a.dir }

// Populate subscribes every device to random recipients from the resource
// set.
func (a *Alerts) Populate(ctx context.Context) error {
	recipients, err := iot.LoadRecipients(a.opts.Resources, resources.Recipients)
	if err != nil {
		return err
	}
	seed := a.opts.Config.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	rng := rand.New(rand.NewSource(seed))
	assigned := iot.AssignRecipients(rng, a.devices, recipients, a.opts.Config.MinRecipients, a.opts.Config.MaxRecipients)
	for _, d := range a.devices {
		if err := a.dir.Subscribe(ctx, d, assigned[d]); err != nil {
			return fmt.Errorf("subscribe %s: %w", d, err)
		}
	}
	a.logger.Info("recipient directory populated",
		log.Int("devices", len(a.devices)), log.Int("recipients", len(recipients)))
	return nil
}

// Run populates the directory, then runs the generator and the processor
// pool. The generator stops after its duration; processors run until ctx
// ends. A population failure is returned before anything starts.
func (a *Alerts) Run(ctx context.Context) error {
	if err := a.Populate(ctx); err != nil {
		_ = a.producer.Close()
		return fmt.Errorf("populate recipients: %w", err)
	}
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return a.gen.Run(gctx) })
	g.Go(func() error { return a.processor.Run(gctx) })
	return g.Wait()
}
