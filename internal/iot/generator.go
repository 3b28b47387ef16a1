package iot

import (
	"context"
	"errors"
	"math/rand"
	"time"

	"golang.org/x/time/rate"

	"github.com/rzbill/sharepipe/internal/codec"
	"github.com/rzbill/sharepipe/internal/queue"
	"github.com/rzbill/sharepipe/pkg/log"
)

// GeneratorConfig sizes an alert generator.
type GeneratorConfig struct {
	Topic   string
	Devices []string
	// Interval between alerts. Default 100ms.
	Interval time.Duration
	// Duration bounds the run. Zero runs until the context ends.
	Duration time.Duration
	// Seed drives device, type and message choice. Zero seeds from the clock.
	Seed int64
}

// GeneratorObserver counts generated alerts.
type GeneratorObserver interface {
	AlertGenerated(alertType string)
}

type noopGenerated struct{}

func (noopGenerated) AlertGenerated(string) {}

// GeneratorOption customises a Generator.
type GeneratorOption func(*Generator)

func WithGeneratorLogger(l log.Logger) GeneratorOption {
	return func(g *Generator) { g.logger = l }
}

func WithGeneratorObserver(o GeneratorObserver) GeneratorOption {
	return func(g *Generator) { g.obs = o }
}

// WithClock overrides the timestamp source.
func WithClock(now func() time.Time) GeneratorOption {
	return func(g *Generator) { g.now = now }
}

// Generator publishes random alerts for known devices at a fixed rate.
type Generator struct {
	cfg      GeneratorConfig
	producer queue.Producer
	dir      *Directory
	rng      *rand.Rand
	limiter  *rate.Limiter
	now      func() time.Time
	logger   log.Logger
	obs      GeneratorObserver
}

func NewGenerator(cfg GeneratorConfig, producer queue.Producer, dir *Directory, opts ...GeneratorOption) (*Generator, error) {
	if cfg.Topic == "" {
		return nil, errors.New("iot: generator topic is required")
	}
	if len(cfg.Devices) == 0 {
		return nil, errors.New("iot: generator needs at least one device")
	}
	if producer == nil || dir == nil {
		return nil, errors.New("iot: generator needs a producer and a directory")
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 100 * time.Millisecond
	}
	seed := cfg.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	g := &Generator{
		cfg:      cfg,
		producer: producer,
		dir:      dir,
		rng:      rand.New(rand.NewSource(seed)),
		limiter:  rate.NewLimiter(rate.Every(cfg.Interval), 1),
		now:      time.Now,
		logger:   log.NewLogger(log.WithOutput(log.NullOutput{})),
		obs:      noopGenerated{},
	}
	for _, o := range opts {
		o(g)
	}
	g.logger = g.logger.WithComponent("iot.generator")
	return g, nil
}

// Next builds the next alert without publishing it.
func (g *Generator) Next(ctx context.Context) Alert {
	device := g.cfg.Devices[g.rng.Intn(len(g.cfg.Devices))]
	return NewAlert(g.rng, device, g.dir.Recipients(ctx, device), g.now())
}

// Run publishes alerts until Duration elapses or ctx ends, then closes the
// producer. Send failures are logged and skipped.
func (g *Generator) Run(ctx context.Context) error {
	defer g.producer.Close()

	runCtx := ctx
	if g.cfg.Duration > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, g.cfg.Duration)
		defer cancel()
	}

	g.logger.Info("generator started",
		log.Str("topic", g.cfg.Topic),
		log.Int("devices", len(g.cfg.Devices)),
		log.Dur("interval", g.cfg.Interval),
		log.Dur("duration", g.cfg.Duration))

	sent := 0
	for {
		// Wait fails early once the next token would land past the deadline.
		if err := g.limiter.Wait(runCtx); err != nil {
			break
		}
		alert := g.Next(runCtx)
		b, err := codec.Encode(alert)
		if err != nil {
			return err
		}
		if err := g.producer.Send(runCtx, g.cfg.Topic, alert.DeviceID, b); err != nil {
			if runCtx.Err() != nil {
				break
			}
			g.logger.Warn("alert publish failed", log.Str("deviceId", alert.DeviceID), log.Err(err))
			continue
		}
		sent++
		g.obs.AlertGenerated(string(alert.AlertType))
		g.logger.Debug("alert generated",
			log.Str("deviceId", alert.DeviceID),
			log.Str("alertType", string(alert.AlertType)),
			log.Int("recipients", len(alert.Recipients)))
	}
	g.logger.Info("generator finished", log.Int("sent", sent))
	return nil
}
