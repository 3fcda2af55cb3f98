// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package main

import (
	"os"
	"os/signal"
	"syscall"
	"time"

	"code.hybscloud.com/evbus"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "evbus-consumer",
		Short: "Connects to an evbus producer and logs delivered datagrams",
		Long:  "evbus-consumer registers with a running producer, replays any live transitions, and then prints every datagram it receives.",
		RunE:  execConsumer,
	}

	flags := rootCmd.Flags()
	flags.String("tag", "", "shared-memory and control-channel tag (required, must match the producer)")
	flags.String("socket-dir", "", "directory for control-channel sockets (default: OS temp dir, must match the producer)")
	flags.String("mode", "serial", "delivery mode: serial or partitioned")
	flags.Int("partition", 0, "requested round-robin lane when --mode=partitioned")
	flags.Duration("discovery-timeout", 30*time.Second, "how long to wait for the producer to appear")
	flags.String("log-file", "", "rotating log file path (default: stderr)")
	flags.String("log-level", "info", "log level: debug, info, warn, error")

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func execConsumer(cmd *cobra.Command, _ []string) error {
	v := viper.New()
	v.SetEnvPrefix("EVBUS")
	v.AutomaticEnv()
	if err := v.BindPFlags(cmd.Flags()); err != nil {
		return err
	}

	if err := evbus.InitLogging(evbus.LogConfig{
		File:       v.GetString("log-file"),
		MaxSizeMB:  100,
		MaxBackups: 5,
		Level:      v.GetString("log-level"),
	}); err != nil {
		return err
	}

	mode := evbus.ModeSerial
	if v.GetString("mode") == "partitioned" {
		mode = evbus.ModePartitioned
	}

	client, err := evbus.Connect(evbus.ClientConfig{
		Tag:              v.GetString("tag"),
		SocketDir:        v.GetString("socket-dir"),
		Mode:             mode,
		Partition:        v.GetInt("partition"),
		DiscoveryTimeout: v.GetDuration("discovery-timeout"),
	})
	if err != nil {
		return err
	}
	defer client.Close()

	log.Info().Int("consumer_id", client.ConsumerID()).Msg("evbus: registered")

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	return client.Run(ctx, func(d evbus.Datagram) {
		log.Info().
			Str("service", d.Service.String()).
			Int("bytes", len(d.Payload)).
			Msg("evbus: datagram delivered")
	})
}
