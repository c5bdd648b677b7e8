package main

import (
	"fmt"
	"os"
	"time"

	"flowtomanual/agent/internal/config"
	"flowtomanual/agent/pkg/auth"
	"flowtomanual/agent/pkg/utils"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath string
	v := viper.New()

	root := &cobra.Command{
		Use:           "ftm-agent",
		Short:         "Local FlowToManual capture agent",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(*cobra.Command, []string) {
			config.Configure(v, configPath)
		},
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to ftm-agent.yaml")

	root.AddCommand(newServeCmd(v), newTokenCmd(v), newHashCodeCmd())
	return root
}

func newServeCmd(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Attach to Chrome and serve the agent API",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(v)
			if err != nil {
				return err
			}
			return serve(cmd.Context(), cfg)
		},
	}

	flags := cmd.Flags()
	flags.String("port", "", "API listen port")
	flags.String("log-level", "", "debug, info, warn or error")
	flags.String("chrome-remote-url", "", "DevTools endpoint of an already running Chrome")
	flags.Bool("headless", false, "launch Chrome headless")

	for key, name := range map[string]string{
		"server.port":       "port",
		"log.level":         "log-level",
		"chrome.remote_url": "chrome-remote-url",
		"chrome.headless":   "headless",
	} {
		cobra.CheckErr(v.BindPFlag(key, flags.Lookup(name)))
	}
	return cmd
}

func newTokenCmd(v *viper.Viper) *cobra.Command {
	var (
		clientID string
		expire   time.Duration
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Print an agent API token",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(v)
			if err != nil {
				return err
			}
			auth.InitJWT(cfg.JWT.Secret)

			seconds := int(expire.Seconds())
			if seconds <= 0 {
				seconds = cfg.JWT.ExpireTime
			}
			token, err := auth.GenerateToken(clientID, seconds)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
	cmd.Flags().StringVar(&clientID, "client", "cli", "client id carried by the token")
	cmd.Flags().DurationVar(&expire, "expire", 0, "token lifetime (defaults to jwt.expire_time)")
	return cmd
}

func newHashCodeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "hash-code <code>",
		Short: "Print the bcrypt hash to use as auth.pairing_code_hash",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			hash, err := utils.HashPassword(args[0])
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), hash)
			return nil
		},
	}
}
