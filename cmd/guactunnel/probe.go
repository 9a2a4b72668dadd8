package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	gtshare "github.com/sammck-go/guactunnel/share"
)

var probeCmd = &cobra.Command{
	Use:   "probe <tunnel-url>",
	Short: "Open a session like a browser would and report the result",
	Args:  cobra.ExactArgs(1),
	RunE:  runProbe,
}

func init() {
	f := probeCmd.Flags()
	f.String("credential", "", "VM credential")
	f.Int("width", 0, "display width")
	f.Int("height", 0, "display height")
	f.Int("max-retry-count", 0, "retries after the first attempt; -1 retries forever")
	f.Duration("max-retry-interval", 30*time.Second, "maximum wait between retries")
	f.Duration("timeout", time.Minute, "overall probe timeout")
	rootCmd.AddCommand(probeCmd)
}

func runProbe(cmd *cobra.Command, args []string) error {
	f := cmd.Flags()
	var cfg gtshare.ProbeConfig
	cfg.URL = args[0]
	cfg.Credential, _ = f.GetString("credential")
	cfg.Width, _ = f.GetInt("width")
	cfg.Height, _ = f.GetInt("height")
	cfg.MaxRetryCount, _ = f.GetInt("max-retry-count")
	cfg.MaxRetryInterval, _ = f.GetDuration("max-retry-interval")
	timeout, _ := f.GetDuration("timeout")

	lg, err := newLogger(cmd, "probe", "")
	if err != nil {
		return err
	}
	p, err := gtshare.NewProbe(lg, cfg)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
	defer cancel()
	res, err := p.Run(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s\nconnect %s, keepalive rtt %s, attempts %d\n",
		res.First, res.Connect, res.KeepaliveRTT, res.Attempts)
	return nil
}
