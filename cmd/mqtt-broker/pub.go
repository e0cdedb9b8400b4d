package main

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/life-stream-dev/life-stream-go-mqtt-broker/internal/client"
	"github.com/life-stream-dev/life-stream-go-mqtt-broker/internal/config"
	"github.com/life-stream-dev/life-stream-go-mqtt-broker/internal/logger"
	"github.com/life-stream-dev/life-stream-go-mqtt-broker/internal/topic"
)

var (
	pubTopic  string
	pubQoS    uint8
	pubRetain bool
)

var pubCmd = &cobra.Command{
	Use:   "pub <message>",
	Short: "Publish one message through the configured broker",
	Args:  cobra.ExactArgs(1),
	RunE:  runPub,
}

func init() {
	pubCmd.Flags().StringVarP(&pubTopic, "topic", "t", "", "topic to publish to")
	pubCmd.Flags().Uint8VarP(&pubQoS, "qos", "q", 0, "QoS level (0, 1 or 2)")
	pubCmd.Flags().BoolVarP(&pubRetain, "retain", "r", false, "set the retain flag")
	_ = pubCmd.MarkFlagRequired("topic")
	rootCmd.AddCommand(pubCmd)
}

func runPub(_ *cobra.Command, args []string) error {
	if err := topic.ValidateName(pubTopic); err != nil {
		return err
	}
	if pubQoS > 2 {
		return fmt.Errorf("invalid qos %d", pubQoS)
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("error occured while reading config: %w", err)
	}
	log, loggerShutdown := logger.Init(*cfg)
	defer func() { _ = loggerShutdown.Invoke(context.Background()) }()

	cl := client.New(cfg.Client, log)
	if err := cl.ConnectBroker(cfg.Client.Broker, uint16(cfg.Client.KeepAlive)); err != nil {
		return err
	}
	defer cl.Disconnect()

	return cl.Publish(pubTopic, payloadArg(args[0]), pubQoS, pubRetain)
}

// payloadArg keeps valid JSON documents untouched and everything else as a plain string.
func payloadArg(arg string) any {
	if json.Valid([]byte(arg)) {
		return json.RawMessage(arg)
	}
	return arg
}
