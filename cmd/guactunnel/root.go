package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/sammck-go/guactunnel/pkg/logger"
	gtshare "github.com/sammck-go/guactunnel/share"
)

var rootCmd = &cobra.Command{
	Use:   "guactunnel",
	Short: "guactunnel bridges browser websockets to guacd",
	Long: `guactunnel accepts Guacamole websocket connections from browsers, maps each
browser's credential to a VM display, and relays the session to guacd.`,
	Version:       gtshare.BuildVersion,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().String("log-level", "", "log level: error, warning, info, debug, trace")
}

// newLogger creates the process logger. The flag wins over the configured level.
func newLogger(cmd *cobra.Command, prefix, configured string) (logger.Logger, error) {
	name, _ := cmd.Flags().GetString("log-level")
	if name == "" {
		name = configured
	}
	if name == "" {
		name = "info"
	}
	var lvl logger.LogLevel
	if err := lvl.FromString(name); err != nil {
		return nil, err
	}
	return logger.New(logger.WithPrefix(prefix), logger.WithLogLevel(lvl))
}
