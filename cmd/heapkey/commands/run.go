/*
Author: KleaSCM
Email: KleaSCM@gmail.com
File: run.go
Description: The interactive extraction run. Loads configuration and the application profile,
wires logging and the operator console, and drives the pipeline until it completes, fails or
is interrupted.
*/

package commands

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"github.com/kleascm/heapkey/pkg/console"
	"github.com/kleascm/heapkey/pkg/pipeline"
	"github.com/kleascm/heapkey/pkg/profile"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// Run returns the RunE of the extraction command.
func Run(v *viper.Viper) func(cmd *cobra.Command, args []string) error {
	return func(cmd *cobra.Command, args []string) error {
		cfg, err := LoadConfig(v)
		if err != nil {
			return err
		}
		p, err := profile.Load(cfg.Profile)
		if err != nil {
			return err
		}

		logger, err := SetupLogging(cfg)
		if err != nil {
			return err
		}
		defer logger.Close()

		con := console.New(cmd.OutOrStdout(), cmd.InOrStdin())
		if path := logger.Path(); path != "" {
			con.Info("Logging to %s", path)
		}

		ctx, cancel := context.WithCancel(cmd.Context())
		defer cancel()

		// Handle signals for graceful shutdown
		c := make(chan os.Signal, 1)
		signal.Notify(c, os.Interrupt, syscall.SIGTERM)
		defer signal.Stop(c)
		go func() {
			select {
			case <-c:
				con.Warning("Interrupt received, stopping...")
				cancel()
			case <-ctx.Done():
			}
		}()

		runID := uuid.NewString()
		pl, err := pipeline.New(cfg, p, pipeline.Options{
			Console: con,
			Log:     logger.ForRun(runID),
			RunID:   runID,
		})
		if err != nil {
			return err
		}
		_, err = pl.Run(ctx)
		return err
	}
}
