package runcmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"golang.org/x/sync/errgroup"

	"github.com/rzbill/sharepipe/internal/cache"
	cfgpkg "github.com/rzbill/sharepipe/internal/config"
	"github.com/rzbill/sharepipe/internal/coordinator"
	"github.com/rzbill/sharepipe/internal/iot"
	"github.com/rzbill/sharepipe/internal/metrics"
	"github.com/rzbill/sharepipe/internal/runtime"
	httpserver "github.com/rzbill/sharepipe/internal/server/http"
	logpkg "github.com/rzbill/sharepipe/pkg/log"
)

// Mode selects which subsystems Run starts.
type Mode string

const (
	ModeAll    Mode = "all"
	ModeCohort Mode = "cohort"
	ModeAlerts Mode = "alerts"
)

// DataDirDefault resolves to the platform data directory.
const DataDirDefault = "default"

type Options struct {
	Config cfgpkg.Config
	Mode   Mode
	// Logger overrides the logger built from Config.Log.
	Logger logpkg.Logger
}

// NewLogger builds the process logger from cfg, falling back to a text
// logger at the parsed level when cfg is unusable.
func NewLogger(cfg logpkg.Config) logpkg.Logger {
	l, err := logpkg.ApplyConfig(&cfg)
	if err == nil {
		return l
	}
	lvl := logpkg.InfoLevel
	if p, e := logpkg.ParseLevel(cfg.Level); e == nil {
		lvl = p
	}
	return logpkg.NewLogger(logpkg.WithLevel(lvl), logpkg.WithFormatter(&logpkg.TextFormatter{}), logpkg.WithRedactions(cfg.Redact...))
}

// ResolveDataDir maps DataDirDefault to a "store" directory under the
// platform data directory.
func ResolveDataDir(dir string) string {
	if dir == DataDirDefault {
		return filepath.Join(cfgpkg.DefaultDataDir(), "store")
	}
	return dir
}

type process struct {
	cfg     cfgpkg.Config
	logger  logpkg.Logger
	metrics *metrics.Metrics
	rt      *runtime.Runtime
	closers []func() error
}

func start(opts Options) (*process, error) {
	cfg := opts.Config
	cfg.DataDir = ResolveDataDir(cfg.DataDir)
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	logger := opts.Logger
	if logger == nil {
		logger = NewLogger(cfg.Log)
	}
	// pebble and kafka-go log through the standard library
	logpkg.RedirectStdLog(logger)

	m := metrics.New()
	rt, err := runtime.Open(runtime.Options{Config: cfg, Logger: logger, Metrics: m})
	if err != nil {
		return nil, err
	}
	return &process{cfg: cfg, logger: logger, metrics: m, rt: rt}, nil
}

func (p *process) close() error {
	var errs []error
	for i := len(p.closers) - 1; i >= 0; i-- {
		errs = append(errs, p.closers[i]())
	}
	errs = append(errs, p.rt.Close())
	return errors.Join(errs...)
}

func (p *process) recipientStore(ctx context.Context) (cache.Store[[]iot.Recipient], error) {
	a := p.cfg.Alerts
	opts := cache.Options{MaxEntries: a.CacheSize, TTL: cfgpkg.Millis(a.CacheTTLMs)}
	if a.CacheBackend != cfgpkg.CacheRedis {
		return cache.NewLRU[[]iot.Recipient](opts), nil
	}
	s := cache.NewRedisStore[[]iot.Recipient](cache.RedisOptions{
		Addr:     p.cfg.Redis.Addr,
		Password: p.cfg.Redis.Password,
		DB:       p.cfg.Redis.DB,
		Prefix:   p.cfg.Redis.Prefix,
		Timeout:  cfgpkg.Millis(p.cfg.Redis.TimeoutMs),
		Options:  opts,
	})
	if err := s.Ping(ctx); err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("redis %s: %w", p.cfg.Redis.Addr, err)
	}
	p.closers = append(p.closers, s.Close)
	return s, nil
}

func (p *process) cohort() (*coordinator.Cohort, error) {
	return coordinator.NewCohort(coordinator.CohortOptions{
		Config:    p.cfg.Cohort,
		Transport: p.rt.Transport(),
		Logger:    p.logger,
		Observer:  p.metrics,
	})
}

func (p *process) alerts(ctx context.Context) (*coordinator.Alerts, error) {
	store, err := p.recipientStore(ctx)
	if err != nil {
		return nil, err
	}
	return coordinator.NewAlerts(coordinator.AlertsOptions{
		Config:    p.cfg.Alerts,
		Transport: p.rt.Transport(),
		Store:     store,
		Logger:    p.logger,
		Observer:  p.metrics,
	})
}

// ensureTopics provisions topics on the embedded broker always and on Kafka
// when configured to.
func (p *process) ensureTopics(ctx context.Context, topics []string) error {
	if p.rt.TransportName() == cfgpkg.TransportKafka && !p.cfg.Kafka.EnsureTopics {
		return nil
	}
	return p.rt.EnsureTopics(ctx, topics...)
}

// Run starts the selected subsystems and the admin server and blocks until
// ctx is cancelled or a subsystem fails. Storage closes after every worker
// has stopped.
func Run(ctx context.Context, opts Options) error {
	sctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()
	if opts.Mode == "" {
		opts.Mode = ModeAll
	}

	p, err := start(opts)
	if err != nil {
		return err
	}
	defer p.close()

	p.logger.Info("Starting sharepipe",
		logpkg.Str("mode", string(opts.Mode)),
		logpkg.Str("transport", p.rt.TransportName()),
		logpkg.Str("admin", p.cfg.AdminAddr),
		logpkg.Str("level", p.cfg.Log.Level),
		logpkg.Str("format", p.cfg.Log.Format),
	)

	var runners []func(context.Context) error
	var topics []string
	if opts.Mode == ModeAll || opts.Mode == ModeCohort {
		c, err := p.cohort()
		if err != nil {
			return err
		}
		runners = append(runners, c.Run)
		topics = append(topics, c.Topics()...)
	}
	if opts.Mode == ModeAll || opts.Mode == ModeAlerts {
		a, err := p.alerts(sctx)
		if err != nil {
			return err
		}
		runners = append(runners, a.Run)
		topics = append(topics, a.Topics()...)
	}
	if len(runners) == 0 {
		return fmt.Errorf("unknown mode %q", opts.Mode)
	}
	if err := p.ensureTopics(sctx, topics); err != nil {
		return fmt.Errorf("ensure topics: %w", err)
	}

	g, gctx := errgroup.WithContext(sctx)
	if p.cfg.AdminAddr != "" {
		hsrv := httpserver.New(p.rt, p.metrics.Handler(), p.logger)
		g.Go(func() error {
			if err := hsrv.ListenAndServe(gctx, p.cfg.AdminAddr); err != nil && gctx.Err() == nil {
				p.logger.Error("admin server error", logpkg.Err(err))
				return fmt.Errorf("admin server: %w", err)
			}
			return nil
		})
	}
	for _, r := range runners {
		r := r
		g.Go(func() error { return r(gctx) })
	}
	err = g.Wait()
	p.logger.Info("sharepipe stopped", logpkg.Err(err))
	return err
}

// ErrEphemeralSeed is returned by Seed when the embedded broker would keep
// the events in memory only.
var ErrEphemeralSeed = errors.New("seed needs a data dir for the local transport; events would be lost on exit")

// Seed publishes the cohort seed events and returns how many were sent.
func Seed(ctx context.Context, opts Options) (int, error) {
	if opts.Config.Transport != cfgpkg.TransportKafka && opts.Config.DataDir == "" {
		return 0, ErrEphemeralSeed
	}
	p, err := start(opts)
	if err != nil {
		return 0, err
	}
	defer p.close()
	c, err := p.cohort()
	if err != nil {
		return 0, err
	}
	defer c.Close()
	if err := p.ensureTopics(ctx, c.Topics()[:1]); err != nil {
		return 0, err
	}
	return c.Seed(ctx)
}

// EnsureTopics creates every topic the subsystems use and returns their
// names.
func EnsureTopics(ctx context.Context, opts Options) ([]string, error) {
	p, err := start(opts)
	if err != nil {
		return nil, err
	}
	defer p.close()
	c := p.cfg
	topics := []string{c.Cohort.LoadTopic, c.Cohort.FileTopic, c.Cohort.MemberTopic, c.Alerts.Topic}
	if err := p.rt.EnsureTopics(ctx, topics...); err != nil {
		return nil, err
	}
	return topics, nil
}
