package main

import (
	"fmt"
	"os"

	"github.com/matheus3301/wppcache/internal/config"
	"github.com/matheus3301/wppcache/internal/daemon"
	"github.com/matheus3301/wppcache/internal/session"
	"github.com/spf13/cobra"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var sessionFlag, logLevel string
	cmd := &cobra.Command{
		Use:           "wppd",
		Short:         "Session daemon serving the record store over a Unix socket",
		SilenceUsage:  true,
		SilenceErrors: true,
		Args:          cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(session.ConfigPath())
			if err != nil {
				return err
			}
			sessionName := session.Resolve(sessionFlag, cfg)
			if err := session.ValidateName(sessionName); err != nil {
				return err
			}
			if logLevel == "" {
				logLevel = cfg.LogLevel
			}

			app := fx.New(
				daemon.Module(daemon.Params{SessionName: sessionName, LogLevel: logLevel}),
				fx.WithLogger(func(logger *zap.Logger) fxevent.Logger {
					return &fxevent.ZapLogger{Logger: logger.Named("fx")}
				}),
			)
			if err := app.Err(); err != nil {
				return err
			}
			app.Run()
			return nil
		},
	}
	cmd.Flags().StringVar(&sessionFlag, "session", "", "session name (overrides config default)")
	cmd.Flags().StringVar(&logLevel, "log-level", "", "log level (overrides config log_level)")
	return cmd
}
