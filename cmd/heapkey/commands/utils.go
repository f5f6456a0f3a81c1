/*
Author: KleaSCM
Email: KleaSCM@gmail.com
File: utils.go
Description: Shared utilities for the heapkey commands. Provides configuration loading, logging
setup and flag binding used by every command implementation.
*/

package commands

import (
	"fmt"
	"io"
	"os"

	"github.com/kleascm/heapkey/pkg/config"
	"github.com/kleascm/heapkey/pkg/logging"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// FlagKeys maps persistent flag names to configuration keys.
var FlagKeys = map[string]string{
	"config":          "config",
	"profile":         "profile",
	"work-dir":        "work_dir",
	"output-dir":      "output_dir",
	"android-home":    "android_home",
	"adb":             "adb_path",
	"emulator":        "emulator_path",
	"avd":             "avd_name",
	"system-image":    "system_image",
	"serial":          "device_serial",
	"boot-timeout":    "boot.timeout",
	"capture-timeout": "capture.timeout",
	"extract-timeout": "extract.timeout",
	"extract-mode":    "extract.mode",
	"enrich":          "enrich.enabled",
	"locale":          "enrich.locale",
	"broker-probe":    "broker.probe",
	"summary-dir":     "summary.dir",
	"stop-emulator":   "stop_emulator",
	"log-level":       "log_level",
	"log-format":      "log_format",
	"log-dir":         "log_dir",
	"log-max-files":   "log_max_files",
}

// BindFlags binds every flag of cmd listed in FlagKeys to v. Unset flags leave lower layers
// (defaults, config file, environment) in charge.
func BindFlags(v *viper.Viper, cmd *cobra.Command) error {
	for name, key := range FlagKeys {
		flag := cmd.PersistentFlags().Lookup(name)
		if flag == nil {
			flag = cmd.Flags().Lookup(name)
		}
		if flag == nil {
			continue
		}
		if err := v.BindPFlag(key, flag); err != nil {
			return fmt.Errorf("failed to bind flag %s: %w", name, err)
		}
	}
	return nil
}

// LoadConfig loads configuration from defaults, file, environment and flags
func LoadConfig(v *viper.Viper) (*config.Config, error) {
	cfg, err := config.Load(v)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	return cfg, nil
}

// SetupLogging configures the logging system. Entries are mirrored to stderr at debug level,
// or always when there is no log directory.
func SetupLogging(cfg *config.Config) (*logging.Logger, error) {
	var console io.Writer
	if cfg.LogDir == "" || cfg.LogLevel == string(logging.LogLevelDebug) {
		console = os.Stderr
	}
	logger, err := logging.NewLogger(cfg.Logger(console))
	if err != nil {
		return nil, fmt.Errorf("failed to setup logging: %w", err)
	}
	return logger, nil
}
