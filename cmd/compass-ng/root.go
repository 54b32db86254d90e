package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"compass-ng/internal/config"
	"compass-ng/internal/logging"
	"compass-ng/internal/web"
)

// logBufferLines bounds the in-memory log served at /api/logs.
const logBufferLines = 2000

func newRootCmd() *cobra.Command {
	var logLevel string

	root := &cobra.Command{
		Use:   "compass-ng",
		Short: "Compass heading and destination bearing service",
		Long: `compass-ng fuses device orientation sensors into a smoothed compass heading
and points at a chosen destination.

The serve command hosts the compass page, which streams the browser's sensors
over a websocket. Server-side sensors can come from the simulator, a recorded
sensor log or MQTT.`,
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&logLevel, "log-level", "warn", "log level for one-shot commands (debug, info, warn, error)")

	newLogger := func() (*zap.Logger, error) {
		return logging.New(logLevel, false)
	}

	root.AddCommand(
		newServeCmd(),
		newBearingCmd(),
		newRecordCmd(newLogger),
		newReplayCmd(newLogger),
		newLogSummaryCmd(),
	)
	return root
}

func newServeCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the compass web service",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configPath)
			if err != nil {
				return fmt.Errorf("config load failed: %w", err)
			}
			return runServe(cmd.Context(), cfg)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "path to YAML config (defaults apply when empty)")
	return cmd
}

func loadConfig(path string) (config.Config, error) {
	if path == "" {
		var cfg config.Config
		err := config.DefaultAndValidate(&cfg)
		return cfg, err
	}
	return config.Load(path)
}

func runServe(ctx context.Context, cfg config.Config) error {
	if ctx == nil {
		ctx = context.Background()
	}
	logs := web.NewLogBuffer(logBufferLines)
	log, err := logging.New(cfg.Log.Level, cfg.Log.Development, logs)
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	rt, err := newServeRuntime(cfg, log, logs)
	if err != nil {
		log.Error("startup failed", zap.Error(err))
		return err
	}
	defer rt.Close()

	if err := rt.Start(ctx); err != nil {
		log.Error("startup failed", zap.Error(err))
		return err
	}
	info := rt.staticInfo()
	log.Info("compass-ng starting",
		zap.Strings("sources", info.Sources),
		zap.Strings("sinks", info.Sinks),
		zap.String("location_source", info.LocationSource),
		zap.Bool("server_compass", rt.compass != nil),
	)
	if rt.compass == nil && cfg.Destination.IsSet() {
		log.Warn("destination ignored: no server-side sensor source configured")
	}

	err = rt.Run(ctx)
	log.Info("compass-ng stopping")
	return err
}
