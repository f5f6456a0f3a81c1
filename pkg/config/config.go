/*
Author: KleaSCM
Email: KleaSCM@gmail.com
File: config.go
Description: Run configuration. Values are layered defaults, optional YAML config file,
HEAPKEY_* environment variables and command-line flags, all resolved through one viper
instance into an explicit Config value that is handed to the pipeline.
*/

package config

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/kleascm/heapkey/pkg/extract"
	"github.com/kleascm/heapkey/pkg/logging"
	"github.com/kleascm/heapkey/pkg/profile"
	"github.com/kleascm/heapkey/pkg/readiness"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment override, e.g. HEAPKEY_BOOT_TIMEOUT.
const EnvPrefix = "HEAPKEY"

// Emulator shutdown policies for the end of a run.
const (
	StopAsk = "ask"
	StopYes = "yes"
	StopNo  = "no"
)

// EnrichConfig controls the online enrichment stage.
type EnrichConfig struct {
	Enabled bool
	Timeout time.Duration
	Locale  string
}

// BrokerConfig controls the broker probe.
type BrokerConfig struct {
	Probe   bool
	Timeout time.Duration
}

// SummaryConfig controls the JSON run summary.
type SummaryConfig struct {
	Enabled        bool
	Dir            string
	IncludeSecrets bool
}

// Config is everything a run needs besides the profile itself.
type Config struct {
	Profile      string
	WorkDir      string
	OutputDir    string
	AndroidHome  string
	ADBPath      string
	EmulatorPath string
	AVDName      string
	SystemImage  string
	DeviceSerial string

	Boot           readiness.Config
	RootSettle     time.Duration
	CaptureTimeout time.Duration
	ExtractTimeout time.Duration
	ExtractMode    extract.Mode

	Enrich  EnrichConfig
	Broker  BrokerConfig
	Summary SummaryConfig

	LogLevel     string
	LogFormat    string
	LogDir       string
	LogMaxFiles  int
	StopEmulator string
}

// SetDefaults registers every key with its default.
func SetDefaults(v *viper.Viper) {
	boot := readiness.DefaultConfig()

	v.SetDefault("profile", profile.Default)
	v.SetDefault("work_dir", ".")
	v.SetDefault("output_dir", ".")
	v.SetDefault("android_home", "")
	v.SetDefault("adb_path", "")
	v.SetDefault("emulator_path", "")
	v.SetDefault("avd_name", "")
	v.SetDefault("system_image", "")
	v.SetDefault("device_serial", "")

	v.SetDefault("boot.wait_for_device", boot.WaitForDevice)
	v.SetDefault("boot.poll_interval", boot.PollInterval)
	v.SetDefault("boot.timeout", boot.Timeout)
	v.SetDefault("boot.grace", boot.Grace)
	v.SetDefault("root_settle", 3*time.Second)

	v.SetDefault("capture.timeout", 300*time.Second)
	v.SetDefault("extract.timeout", extract.DefaultTimeout)
	v.SetDefault("extract.mode", string(extract.ModeRemote))

	v.SetDefault("enrich.enabled", true)
	v.SetDefault("enrich.timeout", 15*time.Second)
	v.SetDefault("enrich.locale", "")

	v.SetDefault("broker.probe", true)
	v.SetDefault("broker.timeout", 10*time.Second)

	v.SetDefault("summary.enabled", true)
	v.SetDefault("summary.dir", "runs")
	v.SetDefault("summary.include_secrets", false)

	v.SetDefault("log_level", string(logging.LogLevelInfo))
	v.SetDefault("log_format", string(logging.LogFormatCustom))
	v.SetDefault("log_dir", "logs")
	v.SetDefault("log_max_files", 20)
	v.SetDefault("stop_emulator", StopAsk)
}

// Load resolves v into a Config. A config file named by the "config" key is read first;
// environment variables with EnvPrefix override it.
func Load(v *viper.Viper) (*Config, error) {
	SetDefaults(v)

	if file := v.GetString("config"); file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	mode, err := extract.ParseMode(v.GetString("extract.mode"))
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		Profile:      v.GetString("profile"),
		WorkDir:      v.GetString("work_dir"),
		OutputDir:    v.GetString("output_dir"),
		AndroidHome:  v.GetString("android_home"),
		ADBPath:      v.GetString("adb_path"),
		EmulatorPath: v.GetString("emulator_path"),
		AVDName:      v.GetString("avd_name"),
		SystemImage:  v.GetString("system_image"),
		DeviceSerial: v.GetString("device_serial"),
		Boot: readiness.Config{
			WaitForDevice: v.GetDuration("boot.wait_for_device"),
			PollInterval:  v.GetDuration("boot.poll_interval"),
			Timeout:       v.GetDuration("boot.timeout"),
			Grace:         v.GetDuration("boot.grace"),
		},
		RootSettle:     v.GetDuration("root_settle"),
		CaptureTimeout: v.GetDuration("capture.timeout"),
		ExtractTimeout: v.GetDuration("extract.timeout"),
		ExtractMode:    mode,
		Enrich: EnrichConfig{
			Enabled: v.GetBool("enrich.enabled"),
			Timeout: v.GetDuration("enrich.timeout"),
			Locale:  v.GetString("enrich.locale"),
		},
		Broker: BrokerConfig{
			Probe:   v.GetBool("broker.probe"),
			Timeout: v.GetDuration("broker.timeout"),
		},
		Summary: SummaryConfig{
			Enabled:        v.GetBool("summary.enabled"),
			Dir:            v.GetString("summary.dir"),
			IncludeSecrets: v.GetBool("summary.include_secrets"),
		},
		LogLevel:     strings.ToLower(v.GetString("log_level")),
		LogFormat:    strings.ToLower(v.GetString("log_format")),
		LogDir:       v.GetString("log_dir"),
		LogMaxFiles:  v.GetInt("log_max_files"),
		StopEmulator: strings.ToLower(v.GetString("stop_emulator")),
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects non-positive bounds and unknown enumerations.
func (c *Config) Validate() error {
	if err := c.Boot.Validate(); err != nil {
		return fmt.Errorf("boot: %w", err)
	}
	for name, d := range map[string]time.Duration{
		"capture.timeout": c.CaptureTimeout,
		"extract.timeout": c.ExtractTimeout,
		"enrich.timeout":  c.Enrich.Timeout,
		"broker.timeout":  c.Broker.Timeout,
	} {
		if d <= 0 {
			return fmt.Errorf("%s must be positive, got %s", name, d)
		}
	}
	if c.RootSettle < 0 {
		return fmt.Errorf("root_settle must not be negative")
	}
	if _, err := extract.ParseMode(string(c.ExtractMode)); err != nil {
		return err
	}
	switch c.StopEmulator {
	case StopAsk, StopYes, StopNo:
	default:
		return fmt.Errorf("stop_emulator must be ask, yes or no, got %q", c.StopEmulator)
	}
	if c.WorkDir == "" || c.OutputDir == "" {
		return fmt.Errorf("work_dir and output_dir must not be empty")
	}
	// An empty log_dir is allowed when a console stream is attached at run time.
	return c.Logger(io.Discard).Validate()
}

// Logger builds the logging configuration. console receives a copy of every entry when set.
func (c *Config) Logger(console io.Writer) *logging.LoggerConfig {
	cfg := &logging.LoggerConfig{
		Level:     logging.LogLevel(c.LogLevel),
		Format:    logging.LogFormat(c.LogFormat),
		OutputDir: c.LogDir,
		MaxFiles:  c.LogMaxFiles,
		Timestamp: true,
		Caller:    c.LogLevel == string(logging.LogLevelDebug),
	}
	if console != nil {
		cfg.Console = console
		cfg.Colors = false
	}
	return cfg
}

// ApplyProfile fills device settings the operator left empty from the profile.
func (c *Config) ApplyProfile(p *profile.Profile) {
	if c.AVDName == "" {
		c.AVDName = p.AVD
	}
	if c.SystemImage == "" {
		c.SystemImage = p.SystemImage
	}
	if c.Enrich.Locale != "" {
		p.Enrich.Locale = c.Enrich.Locale
	}
	if c.Enrich.Timeout > 0 && p.Enrich.Timeout == 0 {
		p.Enrich.Timeout = c.Enrich.Timeout
	}
}
