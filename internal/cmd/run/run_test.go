package runcmd

import (
	"context"
	"errors"
	"net"
	"path/filepath"
	"strings"
	"testing"
	"time"

	cfgpkg "github.com/rzbill/sharepipe/internal/config"
	logpkg "github.com/rzbill/sharepipe/pkg/log"
)

func testOptions(mode Mode) Options {
	cfg := cfgpkg.Default()
	cfg.AdminAddr = "127.0.0.1:0"
	cfg.Cohort.LoadWorkers = 1
	cfg.Cohort.FileWorkers = 2
	cfg.Cohort.PollTimeoutMs = 20
	cfg.Alerts.Processors = 1
	cfg.Alerts.PollTimeoutMs = 20
	cfg.Alerts.IntervalMs = 10
	cfg.Alerts.DurationMs = 50
	return Options{
		Config: cfg,
		Mode:   mode,
		Logger: logpkg.NewLogger(logpkg.WithOutput(logpkg.NullOutput{})),
	}
}

func TestResolveDataDir(t *testing.T) {
	if got := ResolveDataDir(""); got != "" {
		t.Fatalf("empty dir resolved to %q", got)
	}
	if got := ResolveDataDir("/custom/data"); got != "/custom/data" {
		t.Fatalf("custom dir resolved to %q", got)
	}
	got := ResolveDataDir(DataDirDefault)
	if filepath.Base(got) != "store" || got == "store" {
		t.Fatalf("default dir resolved to %q", got)
	}
}

func TestNewLoggerFallsBack(t *testing.T) {
	l := NewLogger(logpkg.Config{Level: "debug", Format: "yaml"})
	if l == nil || l.GetLevel() != logpkg.DebugLevel {
		t.Fatalf("fallback logger level = %v", l.GetLevel())
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	for _, mode := range []Mode{ModeAll, ModeCohort, ModeAlerts} {
		t.Run(string(mode), func(t *testing.T) {
			ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
			defer cancel()
			done := make(chan error, 1)
			go func() { done <- Run(ctx, testOptions(mode)) }()
			select {
			case err := <-done:
				if err != nil {
					t.Fatalf("run: %v", err)
				}
			case <-time.After(10 * time.Second):
				t.Fatalf("run did not stop")
			}
		})
	}
}

func TestRunFailsWhenAdminAddrTaken(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer l.Close()
	opts := testOptions(ModeCohort)
	opts.Config.AdminAddr = l.Addr().String()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	err = Run(ctx, opts)
	if err == nil || !strings.Contains(err.Error(), "admin server") {
		t.Fatalf("err = %v", err)
	}
	if ctx.Err() != nil {
		t.Fatalf("run only stopped at the deadline")
	}
}

func TestRunRejectsBadInput(t *testing.T) {
	opts := testOptions(ModeAll)
	opts.Config.Transport = "carrier-pigeon"
	if err := Run(context.Background(), opts); err == nil || !strings.Contains(err.Error(), "invalid configuration") {
		t.Fatalf("err = %v", err)
	}
	opts = testOptions("everything")
	if err := Run(context.Background(), opts); err == nil {
		t.Fatalf("unknown mode accepted")
	}
}

func TestSeedAndEnsureTopics(t *testing.T) {
	if _, err := Seed(context.Background(), testOptions(ModeCohort)); !errors.Is(err, ErrEphemeralSeed) {
		t.Fatalf("in-memory seed: want ErrEphemeralSeed, got %v", err)
	}
	opts := testOptions(ModeCohort)
	opts.Config.DataDir = t.TempDir()
	n, err := Seed(context.Background(), opts)
	if err != nil {
		t.Fatalf("seed: %v", err)
	}
	if n != 4 {
		t.Fatalf("seeded %d", n)
	}
	topics, err := EnsureTopics(context.Background(), testOptions(ModeAll))
	if err != nil {
		t.Fatalf("ensure: %v", err)
	}
	if strings.Join(topics, ",") != "cohort-load,cohort-file-process,cohort-member-command,iot-alerts" {
		t.Fatalf("topics = %v", topics)
	}
}

func TestSeedPersistsAcrossRuns(t *testing.T) {
	opts := testOptions(ModeCohort)
	opts.Config.DataDir = t.TempDir()
	opts.Config.Fsync = "always"
	if _, err := Seed(context.Background(), opts); err != nil {
		t.Fatalf("seed: %v", err)
	}
	p, err := start(opts)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer p.close()
	tp, err := p.rt.Broker().Topic(opts.Config.Cohort.LoadTopic)
	if err != nil {
		t.Fatalf("topic: %v", err)
	}
	if n, err := tp.Retained(); err != nil || n != 4 {
		t.Fatalf("retained = %d, %v", n, err)
	}
}
