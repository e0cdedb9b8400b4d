package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/life-stream-dev/life-stream-go-mqtt-broker/internal/config"
	"github.com/life-stream-dev/life-stream-go-mqtt-broker/internal/database"
	"github.com/life-stream-dev/life-stream-go-mqtt-broker/internal/event"
	"github.com/life-stream-dev/life-stream-go-mqtt-broker/internal/logger"
	"github.com/life-stream-dev/life-stream-go-mqtt-broker/internal/metrics"
	"github.com/life-stream-dev/life-stream-go-mqtt-broker/internal/mqtt"
	"github.com/life-stream-dev/life-stream-go-mqtt-broker/internal/server"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the broker until SIGINT or SIGTERM",
	RunE:  runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("error occured while reading config: %w", err)
	}
	log, loggerShutdown := logger.Init(*cfg)
	log.Debug("Application initializing...")

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	fail := func(msg string, err error) error {
		logger.Fatal(log, msg, "error", err)
		_ = loggerShutdown.Invoke(context.Background())
		return fmt.Errorf("%s: %w", msg, err)
	}

	persister, err := database.Open(ctx, cfg.Database, cfg.AppName, log)
	if err != nil {
		return fail("Error occured while initializing database", err)
	}

	var recorder metrics.Recorder = metrics.NopRecorder{}
	if cfg.Metrics.ListenAddress != "" {
		if recorder, err = metrics.NewPromRecorder(prometheus.DefaultRegisterer); err != nil {
			_ = persister.Close(context.Background())
			return fail("Error occured while registering metrics", err)
		}
	}

	broker := server.New(server.Options{
		Config:    cfg.Broker,
		Logger:    log,
		Persister: persister,
		Metrics:   recorder,
	})
	broker.SetOnMessage(func(msg mqtt.Message) {
		log.Info("Local message", "topic", msg.Topic, "qos", msg.QoS, "payload", string(msg.Payload))
	})
	if err := broker.Start(cfg.Broker.BindAddress); err != nil {
		_ = persister.Close(context.Background())
		return fail("MQTT server start error", err)
	}

	cleaner := event.NewCleaner(log)
	cleaner.Add(event.CallableFunc(broker.Stop))
	cleaner.Add(database.NewDBCloseCallback(persister, log))

	g, gctx := errgroup.WithContext(ctx)
	if cfg.Metrics.ListenAddress != "" {
		g.Go(func() error {
			return metrics.Serve(gctx, cfg.Metrics.ListenAddress, prometheus.DefaultGatherer, log)
		})
	}
	g.Go(func() error {
		return cleaner.Run(gctx, loggerShutdown)
	})
	return g.Wait()
}
