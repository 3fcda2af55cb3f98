// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package main

import (
	"os"
	"os/signal"
	"syscall"

	"code.hybscloud.com/evbus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "evbus-producer",
		Short: "Runs an evbus producer over a shared-memory buffer pool",
		Long:  "evbus-producer owns the shared buffer pool for a tag and distributes submitted datagrams to registered consumers.",
		RunE:  execProducer,
	}

	flags := rootCmd.Flags()
	flags.String("tag", "", "shared-memory and control-channel tag (required)")
	flags.Int("nev", 16, "number of event buffers")
	flags.Int("ntr", 8, "number of transition buffers")
	flags.Int("bufsize", 1<<20, "size in bytes of every buffer")
	flags.Int("nq", 1, "number of round-robin partition lanes")
	flags.Int("max-consumers", evbus.MaxConsumers, "maximum live consumers")
	flags.String("socket-dir", "", "directory for control-channel sockets and the pool file (default: OS temp dir)")
	flags.String("log-file", "", "rotating log file path (default: stderr)")
	flags.String("log-level", "info", "log level: debug, info, warn, error")
	flags.Bool("unlink-on-exit", false, "remove the shared-memory backing file on shutdown")

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func execProducer(cmd *cobra.Command, _ []string) error {
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

	cfg := evbus.Config{
		Tag:          v.GetString("tag"),
		Nev:          v.GetInt("nev"),
		Ntr:          v.GetInt("ntr"),
		BufSize:      v.GetInt("bufsize"),
		Nq:           v.GetInt("nq"),
		MaxConsumers: v.GetInt("max-consumers"),
		SocketDir:    v.GetString("socket-dir"),
	}

	srv, err := evbus.NewServer(cfg)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	srv.Run(ctx)

	return srv.Shutdown(v.GetBool("unlink-on-exit"))
}
