package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	runcmd "github.com/rzbill/sharepipe/internal/cmd/run"
	cfgpkg "github.com/rzbill/sharepipe/internal/config"
	"github.com/rzbill/sharepipe/internal/queue/kafka"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:          "sharepipe",
		Short:        "Share-group event pipelines",
		Long:         "sharepipe runs a two-stage cohort pipeline and an IoT alert fan-out over competing-consumer queues.",
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().String("config", os.Getenv("SHAREPIPE_CONFIG"), "Config file (JSON or YAML)")
	rootCmd.PersistentFlags().String("log-level", "", "Log level: debug|info|warn|error")
	rootCmd.PersistentFlags().String("log-format", "", "Log format: text|json")

	rootCmd.AddCommand(
		newRunCommand("run", "Run the cohort pipeline and the alert subsystem", runcmd.ModeAll),
		newRunCommand("cohort", "Run the cohort pipeline only", runcmd.ModeCohort),
		newRunCommand("alerts", "Run the alert subsystem only", runcmd.ModeAlerts),
		newSeedCommand(),
		newTopicsCommand(),
		newStatsCommand(),
	)
	return rootCmd
}

func addTransportFlags(cmd *cobra.Command) {
	cmd.Flags().String("transport", "", "Queue transport: local|kafka")
	cmd.Flags().String("data-dir", "", `Embedded broker directory (empty keeps it in memory, "default" uses the OS data directory)`)
	cmd.Flags().String("brokers", "", "Comma separated Kafka brokers")
	cmd.Flags().String("fsync", "", "Fsync mode: always|interval|never")
}

func newRunCommand(use, short string, mode runcmd.Mode) *cobra.Command {
	cmd := &cobra.Command{
		Use:   use,
		Short: short,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer cancel()
			if err := runcmd.Run(ctx, runcmd.Options{Config: cfg, Mode: mode}); err != nil {
				return fmt.Errorf("%s: %w", use, err)
			}
			// brief delay to allow logs flush
			time.Sleep(100 * time.Millisecond)
			return nil
		},
	}
	addTransportFlags(cmd)
	cmd.Flags().String("admin-addr", "", "Admin HTTP listen address (empty string from config disables it)")
	cmd.Flags().Duration("alert-duration", 0, "How long the alert generator runs (0 keeps the configured value)")
	cmd.Flags().Bool("no-seed", false, "Do not publish the cohort seed events on start")
	return cmd
}

func newSeedCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "seed",
		Short: "Publish the cohort seed events and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			n, err := runcmd.Seed(cmd.Context(), runcmd.Options{Config: cfg})
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "published %d update events to %s\n", n, cfg.Cohort.LoadTopic)
			return nil
		},
	}
	addTransportFlags(cmd)
	return cmd
}

func newTopicsCommand() *cobra.Command {
	topicsCmd := &cobra.Command{Use: "topics", Short: "Topic operations"}
	ensureCmd := &cobra.Command{
		Use:   "ensure",
		Short: "Create every topic the pipelines use",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			if cfg.Transport == cfgpkg.TransportKafka {
				cfg.Kafka.EnsureTopics = true
			}
			topics, err := runcmd.EnsureTopics(cmd.Context(), runcmd.Options{Config: cfg})
			if err != nil {
				return err
			}
			for _, t := range topics {
				fmt.Fprintln(cmd.OutOrStdout(), t)
			}
			return nil
		},
	}
	addTransportFlags(ensureCmd)
	topicsCmd.AddCommand(ensureCmd)
	return topicsCmd
}

// loadConfig layers defaults, .env, the config file, SHAREPIPE_* variables
// and finally explicit flags.
func loadConfig(cmd *cobra.Command) (cfgpkg.Config, error) {
	if err := cfgpkg.LoadDotEnv(); err != nil {
		return cfgpkg.Config{}, err
	}
	path, _ := cmd.Flags().GetString("config")
	cfg, err := cfgpkg.Load(path)
	if err != nil {
		return cfgpkg.Config{}, err
	}
	cfgpkg.FromEnv(&cfg)

	flags := cmd.Flags()
	if flags.Changed("log-level") {
		cfg.Log.Level, _ = flags.GetString("log-level")
	}
	if flags.Changed("log-format") {
		cfg.Log.Format, _ = flags.GetString("log-format")
	}
	if flags.Changed("transport") {
		cfg.Transport, _ = flags.GetString("transport")
	}
	if flags.Changed("data-dir") {
		cfg.DataDir, _ = flags.GetString("data-dir")
	}
	if flags.Changed("fsync") {
		cfg.Fsync, _ = flags.GetString("fsync")
	}
	if flags.Changed("brokers") {
		v, _ := flags.GetString("brokers")
		cfg.Kafka.Brokers = kafka.SplitBrokers(v)
	}
	if flags.Lookup("admin-addr") != nil && flags.Changed("admin-addr") {
		cfg.AdminAddr, _ = flags.GetString("admin-addr")
	}
	if flags.Lookup("alert-duration") != nil && flags.Changed("alert-duration") {
		d, _ := flags.GetDuration("alert-duration")
		cfg.Alerts.DurationMs = d.Milliseconds()
	}
	if flags.Lookup("no-seed") != nil && flags.Changed("no-seed") {
		noSeed, _ := flags.GetBool("no-seed")
		cfg.Cohort.Seed = !noSeed
	}
	return cfg, cfg.Validate()
}
