package main

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/sammck-go/guactunnel/pkg/secret"
	gtshare "github.com/sammck-go/guactunnel/share"
)

var sealCmd = &cobra.Command{
	Use:   "seal [password]",
	Short: "Seal a credential password for the credential file or redis",
	Long: `Seal prints the enc:: form of a password, sealed with the secret from
--config or $GUACTUNNEL_SECRET. With no argument the password is read from stdin.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runSeal,
}

func init() {
	sealCmd.Flags().StringP("config", "c", "", "YAML configuration file")
	rootCmd.AddCommand(sealCmd)
}

func runSeal(cmd *cobra.Command, args []string) error {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := gtshare.LoadConfig(path)
	if err != nil {
		return err
	}
	var plain string
	if len(args) == 1 {
		plain = args[0]
	} else {
		line, err := bufio.NewReader(os.Stdin).ReadString('\n')
		if err != nil && line == "" {
			return fmt.Errorf("reading password: %w", err)
		}
		plain = strings.TrimRight(line, "\r\n")
	}
	sealed, err := secret.NewBox(cfg.ResolvedSecret()).Seal(plain)
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), sealed)
	return nil
}
