/*
Author: KleaSCM
Email: KleaSCM@gmail.com
File: main.go
Description: Command-line interface for heapkey. The root command runs the interactive
extraction; sub-commands list profiles, check the host and summarise run logs. Every flag has
a default, so a plain `heapkey` performs a complete run.
*/

package main

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/kleascm/heapkey/cmd/heapkey/commands"
	"github.com/kleascm/heapkey/pkg/config"
	"github.com/kleascm/heapkey/pkg/pipeline"
	"github.com/kleascm/heapkey/pkg/profile"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

func main() {
	v := viper.New()
	rootCmd := newRootCommand(v)

	if err := rootCmd.Execute(); err != nil {
		// Stage failures were already reported on the console.
		var se *pipeline.StageError
		if !errors.As(err, &se) {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		}
		os.Exit(pipeline.ExitCode(err))
	}
}

func newRootCommand(v *viper.Viper) *cobra.Command {
	run := commands.Run(v)
	rootCmd := &cobra.Command{
		Use:   "heapkey",
		Short: "heapkey - recover mobile app session credentials from an Android emulator",
		Long: `heapkey boots an Android emulator, installs and launches the target application,
waits for you to log in, then captures the application's memory and extracts its session
credentials. Results are written as an env file and a readable report.`,
		Version:       "1.0.0",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          run,
	}

	// Add persistent flags
	flags := rootCmd.PersistentFlags()
	flags.String("config", "", "Configuration file path")
	flags.String("profile", profile.Default, "Application profile name or YAML file")
	flags.String("work-dir", ".", "Directory holding the application package")
	flags.String("output-dir", ".", "Directory for the env file and report")
	flags.String("android-home", "", "Android SDK root (default: auto-detect)")
	flags.String("adb", "", "adb binary (default: from the SDK)")
	flags.String("emulator", "", "emulator binary (default: from the SDK)")
	flags.String("avd", "", "AVD name (default: from the profile)")
	flags.String("system-image", "", "System image package (default: from the profile)")
	flags.String("serial", "", "Device serial (default: the first emulator)")

	// Add logging-specific flags
	flags.String("log-level", "info", "Logging level (debug, info, warn, error)")
	flags.String("log-format", "custom", "Log format (text, json, custom)")
	flags.String("log-dir", "logs", "Log output directory")
	flags.Int("log-max-files", 20, "Maximum number of run logs to keep")

	// Add run flags
	runFlags := rootCmd.PersistentFlags()
	runFlags.Duration("boot-timeout", 420*time.Second, "Emulator boot budget")
	runFlags.Duration("capture-timeout", 300*time.Second, "Memory copy budget per window")
	runFlags.Duration("extract-timeout", 180*time.Second, "Pattern extraction budget")
	runFlags.String("extract-mode", "remote", "Where patterns run (remote, local)")
	runFlags.Bool("enrich", true, "Query the account API with the recovered token")
	runFlags.String("locale", "", "Locale sent to the account API")
	runFlags.Bool("broker-probe", true, "Test the recovered MQTT credentials")
	runFlags.String("summary-dir", "runs", "Directory for JSON run summaries")
	runFlags.String("stop-emulator", config.StopAsk, "Stop the emulator at the end (ask, yes, no)")

	if err := commands.BindFlags(v, rootCmd); err != nil {
		panic(err)
	}

	rootCmd.AddCommand(&cobra.Command{
		Use:   "run",
		Short: "Run an interactive extraction (default)",
		RunE:  run,
	})
	rootCmd.AddCommand(&cobra.Command{
		Use:   "profiles",
		Short: "List built-in application profiles",
		RunE:  commands.ListProfiles,
	})
	rootCmd.AddCommand(&cobra.Command{
		Use:   "check",
		Short: "Check the SDK, AVD, package and host before a run",
		RunE:  commands.PerformSelfCheck(v),
	})

	logsCmd := &cobra.Command{
		Use:   "logs",
		Short: "Summarise run logs",
		RunE:  commands.ShowLogs(v),
	}
	logsCmd.Flags().Bool("latest", false, "Only analyse the most recent run")
	rootCmd.AddCommand(logsCmd)

	return rootCmd
}
