package runtime

import (
	"context"
	"errors"
	"fmt"

	cfgpkg "github.com/rzbill/sharepipe/internal/config"
	"github.com/rzbill/sharepipe/internal/queue"
	"github.com/rzbill/sharepipe/internal/queue/kafka"
	"github.com/rzbill/sharepipe/internal/queue/local"
	"github.com/rzbill/sharepipe/internal/sharequeue"
	pebblestore "github.com/rzbill/sharepipe/internal/storage/pebble"
	"github.com/rzbill/sharepipe/pkg/log"
)

// Options for building the Runtime.
type Options struct {
	Config cfgpkg.Config
	Logger log.Logger
	// Metrics observes storage latencies. Optional.
	Metrics pebblestore.MetricsHook
}

// Runtime wires storage, the embedded broker and the configured transport
// for a single process.
type Runtime struct {
	db        *pebblestore.DB
	broker    *sharequeue.Broker
	transport queue.Transport
	kafka     *kafka.Transport
	config    cfgpkg.Config
	logger    log.Logger
}

// Open initializes storage and the transport selected by opts.Config.
// An empty DataDir keeps the broker in memory.
func Open(opts Options) (*Runtime, error) {
	cfg := opts.Config
	logger := opts.Logger
	if logger == nil {
		logger = log.NewLogger(log.WithOutput(log.NullOutput{}))
	}
	logger = logger.WithComponent("runtime")

	fsync, err := cfg.FsyncMode()
	if err != nil {
		return nil, err
	}
	db, err := pebblestore.Open(pebblestore.Options{
		DataDir:  cfg.DataDir,
		InMemory: cfg.DataDir == "",
		Fsync:    fsync,
		Metrics:  opts.Metrics,
	})
	if err != nil {
		return nil, fmt.Errorf("open storage: %w", err)
	}

	rt := &Runtime{db: db, config: cfg, logger: logger}
	rt.broker = sharequeue.NewBroker(db, sharequeue.Options{
		LeaseDuration: cfgpkg.Millis(cfg.Queue.LeaseMs),
		MaxDeliveries: cfg.Queue.MaxDeliveries,
		SweepInterval: cfgpkg.Millis(cfg.Queue.SweepIntervalMs),
		SweepBatch:    cfg.Queue.SweepBatch,
		Logger:        opts.Logger,
	})

	switch cfg.Transport {
	case cfgpkg.TransportKafka:
		maxDeliveries := cfg.Queue.MaxDeliveries
		if maxDeliveries == 0 {
			maxDeliveries = sharequeue.DefaultMaxDeliveries
		}
		kt, err := kafka.New(kafka.Options{
			Brokers:        cfg.Kafka.Brokers,
			MaxDeliveries:  maxDeliveries,
			MaxPollRecords: cfg.Queue.MaxPollRecords,
			Logger:         opts.Logger,
		})
		if err != nil {
			_ = rt.closeStorage()
			return nil, err
		}
		rt.kafka = kt
		rt.transport = kt
	case "", cfgpkg.TransportLocal:
		rt.broker.StartSweeper()
		rt.transport = local.New(rt.broker, local.Options{
			MaxPollRecords: cfg.Queue.MaxPollRecords,
			Logger:         opts.Logger,
		})
	default:
		_ = rt.closeStorage()
		return nil, fmt.Errorf("unknown transport %q", cfg.Transport)
	}

	where := cfg.DataDir
	if where == "" {
		where = "memory"
	}
	logger.Info("runtime opened", log.Str("transport", rt.TransportName()), log.Str("dataDir", where))
	return rt, nil
}

// Close releases the transport, the broker and storage.
func (r *Runtime) Close() error {
	var errs []error
	if r.transport != nil {
		errs = append(errs, r.transport.Close())
	}
	errs = append(errs, r.closeStorage())
	return errors.Join(errs...)
}

func (r *Runtime) closeStorage() error {
	var errs []error
	if r.broker != nil {
		errs = append(errs, r.broker.Close())
	}
	if r.db != nil {
		errs = append(errs, r.db.Close())
		r.db = nil
	}
	return errors.Join(errs...)
}

// CheckHealth performs a simple health check.
func (r *Runtime) CheckHealth(ctx context.Context) error {
	if r.db == nil {
		return errors.New("db not open")
	}
	return r.db.Ping(ctx)
}

// EnsureTopics creates topics up front: on the embedded broker directly,
// on Kafka through the controller.
func (r *Runtime) EnsureTopics(ctx context.Context, names ...string) error {
	if r.kafka != nil {
		specs := make([]kafka.TopicSpec, 0, len(names))
		for _, n := range names {
			specs = append(specs, kafka.TopicSpec{
				Name:              n,
				Partitions:        r.config.Kafka.Partitions,
				ReplicationFactor: r.config.Kafka.ReplicationFactor,
			})
		}
		return r.kafka.EnsureTopics(ctx, specs...)
	}
	for _, n := range names {
		if _, err := r.broker.Topic(n); err != nil {
			return err
		}
	}
	return nil
}

// Transport returns the configured queue transport.
func (r *Runtime) Transport() queue.Transport { return r.transport }

// TransportName is "local" or "kafka".
func (r *Runtime) TransportName() string {
	if r.kafka != nil {
		return cfgpkg.TransportKafka
	}
	return cfgpkg.TransportLocal
}

// Broker exposes the embedded broker. It carries no traffic when the
// transport is kafka.
func (r *Runtime) Broker() *sharequeue.Broker { return r.broker }

// DB exposes the underlying DB for advanced operations (internal use only).
func (r *Runtime) DB() *pebblestore.DB { return r.db }

// Config returns the runtime configuration.
func (r *Runtime) Config() cfgpkg.Config { return r.config }
