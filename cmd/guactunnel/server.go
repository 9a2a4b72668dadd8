package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	gtshare "github.com/sammck-go/guactunnel/share"
)

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Run the websocket tunnel server",
	RunE:  runServer,
}

func init() {
	f := serverCmd.Flags()
	f.StringP("config", "c", "", "YAML configuration file")
	f.String("listen", "", "HTTP listen address (overrides config)")
	f.String("guacd-host", "", "guacd host (overrides config)")
	f.Int("guacd-port", 0, "guacd port (overrides config)")
	f.String("credentials", "", "credential file (overrides config)")
	f.String("redis", "", "redis address; selects the redis credential source")
	f.String("endpoints", "", "endpoint source: static, libvirt or both (overrides config)")
	rootCmd.AddCommand(serverCmd)
}

func runServer(cmd *cobra.Command, args []string) error {
	f := cmd.Flags()
	path, _ := f.GetString("config")
	cfg, err := gtshare.LoadConfig(path)
	if err != nil {
		return err
	}
	if v, _ := f.GetString("listen"); v != "" {
		cfg.Listen = v
	}
	if v, _ := f.GetString("guacd-host"); v != "" {
		cfg.Guacd.Host = v
	}
	if v, _ := f.GetInt("guacd-port"); v != 0 {
		cfg.Guacd.Port = v
	}
	if v, _ := f.GetString("credentials"); v != "" {
		cfg.Credentials.Source = gtshare.CredentialSourceFile
		cfg.Credentials.File = v
	}
	if v, _ := f.GetString("redis"); v != "" {
		cfg.Credentials.Source = gtshare.CredentialSourceRedis
		cfg.Credentials.Redis.Addr = v
	}
	if v, _ := f.GetString("endpoints"); v != "" {
		cfg.Endpoints.Source = v
	}

	lg, err := newLogger(cmd, "server", cfg.LogLevel)
	if err != nil {
		return err
	}
	s, err := gtshare.NewServer(lg, cfg)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	err = s.Run(ctx)
	if errors.Is(err, context.Canceled) {
		lg.ILogf("shut down")
		return nil
	}
	return err
}
