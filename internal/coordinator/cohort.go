package coordinator

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/rzbill/sharepipe/internal/codec"
	"github.com/rzbill/sharepipe/internal/cohort"
	"github.com/rzbill/sharepipe/internal/config"
	"github.com/rzbill/sharepipe/internal/pipeline"
	"github.com/rzbill/sharepipe/internal/queue"
	"github.com/rzbill/sharepipe/internal/resources"
	"github.com/rzbill/sharepipe/pkg/log"
)

// Stage names, used as metric labels.
const (
	StageUpdateEvents = "update-events"
	StageFileProcess  = "file-process"
	StageAlerts       = "alert-processor"
)

// CohortOptions configure the cohort pipeline.
type CohortOptions struct {
	Config    config.CohortConfig
	Transport queue.Transport
	// Resources holds the seed list and cohort files. Defaults to
	// Config.ResourceDir when set, else the embedded set.
	Resources  fs.FS
	AckTimeout time.Duration
	Logger     log.Logger
	Observer   pipeline.Observer
	// Now stamps seed events. Defaults to time.Now.
	Now func() time.Time
}

// Cohort runs update events through file commands into member commands.
type Cohort struct {
	opts     CohortOptions
	producer queue.Producer
	updates  *pipeline.Stage
	files    *pipeline.Stage
	logger   log.Logger
}

func NewCohort(opts CohortOptions) (*Cohort, error) {
	if opts.Transport == nil {
		return nil, errors.New("coordinator: transport is required")
	}
	if opts.Logger == nil {
		opts.Logger = log.NewLogger(log.WithOutput(log.NullOutput{}))
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Resources == nil {
		if opts.Config.ResourceDir != "" {
			opts.Resources = os.DirFS(opts.Config.ResourceDir)
		} else {
			opts.Resources = resources.FS()
		}
	}
	cfg := opts.Config

	producer, err := opts.Transport.NewProducer("cohort-pipeline")
	if err != nil {
		return nil, err
	}
	stageOpts := []pipeline.Option{pipeline.WithLogger(opts.Logger)}
	if opts.Observer != nil {
		stageOpts = append(stageOpts, pipeline.WithObserver(opts.Observer))
	}

	updates, err := pipeline.New(pipeline.Config{
		Name:        StageUpdateEvents,
		InputTopic:  cfg.LoadTopic,
		OutputTopic: cfg.FileTopic,
		Group:       cfg.LoadGroup,
		Workers:     cfg.LoadWorkers,
		PollTimeout: config.Millis(cfg.PollTimeoutMs),
		AckTimeout:  opts.AckTimeout,
	}, opts.Transport, producer, cohort.UpdateTransform, stageOpts...)
	if err != nil {
		_ = producer.Close()
		return nil, err
	}
	fp := cohort.NewFileProcessor(cohort.NewFSLoader(opts.Resources), opts.Logger)
	files, err := pipeline.New(pipeline.Config{
		Name:        StageFileProcess,
		InputTopic:  cfg.FileTopic,
		OutputTopic: cfg.MemberTopic,
		Group:       cfg.FileGroup,
		Workers:     cfg.FileWorkers,
		PollTimeout: config.Millis(cfg.PollTimeoutMs),
		AckTimeout:  opts.AckTimeout,
	}, opts.Transport, producer, fp.Transform, stageOpts...)
	if err != nil {
		_ = producer.Close()
		return nil, err
	}
	return &Cohort{
		opts:     opts,
		producer: producer,
		updates:  updates,
		files:    files,
		logger:   opts.Logger.WithComponent("coordinator.cohort"),
	}, nil
}

// Topics lists every topic the pipeline touches.
func (c *Cohort) Topics() []string {
	return []string{c.opts.Config.LoadTopic, c.opts.Config.FileTopic, c.opts.Config.MemberTopic}
}

// Publish sends update events to the load topic keyed by customer and cohort.
func (c *Cohort) Publish(ctx context.Context, events ...cohort.UpdateEvent) error {
	for _, e := range events {
		key, err := cohort.EncodeKey(e.Key())
		if err != nil {
			return err
		}
		value, err := codec.Encode(e)
		if err != nil {
			return err
		}
		c.logger.Info("sending update event",
			log.Str("topic", c.opts.Config.LoadTopic),
			log.Str("customerId", e.CustomerID), log.Str("cohortId", e.CohortID),
			log.Int("files", len(e.FileLocations)))
		if err := c.producer.Send(ctx, c.opts.Config.LoadTopic, key, value); err != nil {
			return fmt.Errorf("seed %s/%s: %w", e.CustomerID, e.CohortID, err)
		}
	}
	return nil
}

// Seed publishes one update event per customer/cohort pair of the resource
// set and returns how many were sent.
func (c *Cohort) Seed(ctx context.Context) (int, error) {
	pairs, err := cohort.LoadCustomerCohorts(c.opts.Resources, resources.CustomerCohorts)
	if err != nil {
		return 0, err
	}
	events := cohort.SeedEvents(pairs, c.opts.Config.FilesPerCohort, c.opts.Now())
	if err := c.Publish(ctx, events...); err != nil {
		return 0, err
	}
	return len(events), nil
}

// Run seeds when configured, then runs both stages until ctx ends. The
// shared producer is closed on return.
func (c *Cohort) Run(ctx context.Context) error {
	defer c.producer.Close()
	if c.opts.Config.Seed {
		n, err := c.Seed(ctx)
		if err != nil {
			return err
		}
		c.logger.Info("seeded update events", log.Int("events", n))
	}
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return c.updates.Run(gctx) })
	g.Go(func() error { return c.files.Run(gctx) })
	return g.Wait()
}

// Close releases the producer without running.
func (c *Cohort) Close() error { return c.producer.Close() }
