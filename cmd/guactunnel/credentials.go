package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/sammck-go/guactunnel/pkg/resolve"
	"github.com/sammck-go/guactunnel/pkg/secret"
	gtshare "github.com/sammck-go/guactunnel/share"
)

var credentialsCmd = &cobra.Command{
	Use:   "credentials",
	Short: "Manage credentials in the redis credential store",
}

var credentialsPutCmd = &cobra.Command{
	Use:   "put <vm-id> <name> <password>",
	Short: "Store a credential; the password is sealed",
	Args:  cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := redisStore(cmd)
		if err != nil {
			return err
		}
		defer s.Close()
		return s.Put(cmd.Context(), resolve.Credential{VMID: args[0], Name: args[1], Password: args[2]})
	},
}

var credentialsDeleteCmd = &cobra.Command{
	Use:   "delete <vm-id> <name>",
	Short: "Remove a credential",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := redisStore(cmd)
		if err != nil {
			return err
		}
		defer s.Close()
		return s.Delete(cmd.Context(), args[0], args[1])
	},
}

var credentialsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List stored credentials without passwords",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := redisStore(cmd)
		if err != nil {
			return err
		}
		defer s.Close()
		creds, err := s.List(cmd.Context())
		if err != nil {
			return err
		}
		for _, c := range creds {
			fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\n", c.VMID, c.Name)
		}
		return nil
	},
}

func init() {
	pf := credentialsCmd.PersistentFlags()
	pf.StringP("config", "c", "", "YAML configuration file")
	pf.String("redis", "", "redis address (overrides config)")
	credentialsCmd.AddCommand(credentialsPutCmd, credentialsDeleteCmd, credentialsListCmd)
	rootCmd.AddCommand(credentialsCmd)
}

func redisStore(cmd *cobra.Command) (*resolve.RedisCredentialStore, error) {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := gtshare.LoadConfig(path)
	if err != nil {
		return nil, err
	}
	if v, _ := cmd.Flags().GetString("redis"); v != "" {
		cfg.Credentials.Redis.Addr = v
	}
	lg, err := newLogger(cmd, "credentials", cfg.LogLevel)
	if err != nil {
		return nil, err
	}
	r := cfg.Credentials.Redis
	return resolve.NewRedisCredentialStore(lg, r.Addr, r.Password, r.DB,
		resolve.WithRedisPrefix(r.Prefix),
		resolve.WithOpener(secret.NewBox(cfg.ResolvedSecret())),
	), nil
}
