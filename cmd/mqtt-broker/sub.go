package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/life-stream-dev/life-stream-go-mqtt-broker/internal/client"
	"github.com/life-stream-dev/life-stream-go-mqtt-broker/internal/config"
	"github.com/life-stream-dev/life-stream-go-mqtt-broker/internal/logger"
)

var (
	subFilters []string
	subQoS     uint8
)

var subCmd = &cobra.Command{
	Use:   "sub",
	Short: "Subscribe through the configured broker and print messages until interrupted",
	Args:  cobra.NoArgs,
	RunE:  runSub,
}

func init() {
	subCmd.Flags().StringArrayVarP(&subFilters, "filter", "f", nil, "topic filter, repeatable (defaults to client.subscriptions)")
	subCmd.Flags().Uint8VarP(&subQoS, "qos", "q", 0, "QoS level for --filter subscriptions")
	rootCmd.AddCommand(subCmd)
}

// subscriptionsFor builds the subscription list from the flags, falling back to the configured list.
func subscriptionsFor(filters []string, qos uint8, fallback []config.Subscription) ([]config.Subscription, error) {
	if len(filters) == 0 {
		if len(fallback) == 0 {
			return nil, fmt.Errorf("no filter given and client.subscriptions is empty")
		}
		return config.CopySubscriptions(fallback), nil
	}
	subs := make([]config.Subscription, 0, len(filters))
	for _, filter := range filters {
		sub := config.Subscription{Filter: filter, QoS: qos}
		if err := sub.Validate(); err != nil {
			return nil, err
		}
		subs = append(subs, sub)
	}
	return subs, nil
}

func runSub(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("error occured while reading config: %w", err)
	}
	subs, err := subscriptionsFor(subFilters, subQoS, cfg.Client.Subscriptions)
	if err != nil {
		return err
	}
	cfg.Client.Subscriptions = subs

	log, loggerShutdown := logger.Init(*cfg)
	defer func() { _ = loggerShutdown.Invoke(context.Background()) }()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	out := cmd.OutOrStdout()
	cl := client.New(cfg.Client, log)
	cl.SetOnMessage(func(topic string, payload []byte) {
		_, _ = fmt.Fprintf(out, "%s %s\n", topic, payload)
	})
	if err := cl.ConnectBroker(cfg.Client.Broker, uint16(cfg.Client.KeepAlive)); err != nil {
		return err
	}
	defer cl.Disconnect()

	<-ctx.Done()
	return nil
}
