/*
Author: KleaSCM
Email: KleaSCM@gmail.com
File: utilities.go
Description: Utility commands for heapkey. Provides the profile listing, the pre-flight
self-check and the run log summary.
*/

package commands

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/kleascm/heapkey/pkg/config"
	"github.com/kleascm/heapkey/pkg/lifecycle"
	"github.com/kleascm/heapkey/pkg/logging"
	"github.com/kleascm/heapkey/pkg/mobile"
	"github.com/kleascm/heapkey/pkg/profile"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/mem"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

const gib = 1 << 30

// ListProfiles lists the built-in application profiles
func ListProfiles(cmd *cobra.Command, args []string) error {
	out := cmd.OutOrStdout()
	fmt.Fprintln(out, "heapkey - Available Profiles")
	fmt.Fprintln(out, "============================")
	fmt.Fprintln(out)

	for i, name := range profile.Names() {
		p, err := profile.Builtin(name)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "%d. %s\n", i+1, p.Name)
		fmt.Fprintf(out, "   Application: %s (%s)\n", p.Title, p.Package)
		fmt.Fprintf(out, "   Package file: %s\n", p.APK.File)
		fmt.Fprintf(out, "   AVD: %s\n", p.AVD)
		fields := make([]string, 0, len(p.Patterns.Fields))
		for _, f := range p.Patterns.Fields {
			fields = append(fields, f.Name)
		}
		fmt.Fprintf(out, "   Fields: %s\n", strings.Join(fields, ", "))
		fmt.Fprintln(out)
	}

	fmt.Fprintln(out, "Use --profile to select one, or pass a path to a profile YAML file")
	return nil
}

// selfCheck carries state shared between checks.
type selfCheck struct {
	v   *viper.Viper
	cfg *config.Config
	p   *profile.Profile
	sdk *mobile.SDK

	devices []mobile.DeviceEntry
}

// PerformSelfCheck validates the host before a run
func PerformSelfCheck(v *viper.Viper) func(cmd *cobra.Command, args []string) error {
	return func(cmd *cobra.Command, args []string) error {
		out := cmd.OutOrStdout()
		fmt.Fprintln(out, "heapkey - System Self-Check")
		fmt.Fprintln(out, "===========================")
		fmt.Fprintln(out)

		s := &selfCheck{v: v}
		checks := []struct {
			name     string
			function func() error
		}{
			{"Configuration", s.checkConfiguration},
			{"Android SDK", s.checkSDK},
			{"System Image", s.checkSystemImage},
			{"Virtual Device", s.checkAVD},
			{"Application Package", s.checkPackage},
			{"ADB Server", s.checkDevices},
			{"System Resources", checkSystemResources},
			{"Disk Space", s.checkDiskSpace},
			{"Output Permissions", s.checkOutputPermissions},
		}

		passed := 0
		total := len(checks)
		for _, check := range checks {
			fmt.Fprintf(out, "%-22s ", check.name+"...")
			if err := check.function(); err != nil {
				fmt.Fprintf(out, "FAILED: %v\n", err)
			} else {
				fmt.Fprintln(out, "PASSED")
				passed++
			}
		}

		for _, d := range s.devices {
			fmt.Fprintf(out, "  attached: %s (%s)\n", d.Serial, d.State)
		}

		fmt.Fprintln(out)
		fmt.Fprintf(out, "Results: %d/%d checks passed\n", passed, total)
		if passed == total {
			fmt.Fprintln(out, "All checks passed. Ready to extract.")
			return nil
		}
		fmt.Fprintln(out, "Some checks failed. Please address the issues before running.")
		return fmt.Errorf("%d/%d checks failed", total-passed, total)
	}
}

var errSkipped = fmt.Errorf("skipped, configuration not loaded")

func (s *selfCheck) checkConfiguration() error {
	cfg, err := LoadConfig(s.v)
	if err != nil {
		return err
	}
	p, err := profile.Load(cfg.Profile)
	if err != nil {
		return err
	}
	cfg.ApplyProfile(p)
	s.cfg, s.p = cfg, p
	return nil
}

func (s *selfCheck) checkSDK() error {
	if s.cfg == nil {
		return errSkipped
	}
	sdk, err := mobile.DiscoverSDK(s.cfg.AndroidHome)
	if err != nil {
		return err
	}
	if s.cfg.ADBPath != "" {
		sdk.ADB = s.cfg.ADBPath
	}
	if s.cfg.EmulatorPath != "" {
		sdk.Emulator = s.cfg.EmulatorPath
	}
	if err := sdk.Require(); err != nil {
		return err
	}
	s.sdk = sdk
	return nil
}

func (s *selfCheck) checkSystemImage() error {
	if s.sdk == nil {
		return fmt.Errorf("skipped, no SDK")
	}
	if !s.sdk.HasSystemImage(s.cfg.SystemImage) {
		return fmt.Errorf("%w: %s", mobile.ErrSystemImageMissing, s.cfg.SystemImage)
	}
	return nil
}

// checkAVD passes when the AVD exists or can be created from an installed system image.
func (s *selfCheck) checkAVD() error {
	if s.cfg == nil {
		return errSkipped
	}
	if mobile.AVDExists(mobile.AVDHome(), s.cfg.AVDName) {
		return nil
	}
	if s.sdk != nil && s.sdk.HasSystemImage(s.cfg.SystemImage) {
		return nil
	}
	return fmt.Errorf("AVD %s missing and cannot be created", s.cfg.AVDName)
}

func (s *selfCheck) checkPackage() error {
	if s.cfg == nil {
		return errSkipped
	}
	_, err := lifecycle.LocatePackage(s.cfg.WorkDir, s.p)
	return err
}

// checkSystemResources validates CPU and memory for running an emulator
func checkSystemResources() error {
	if cores := runtime.NumCPU(); cores < 2 {
		return fmt.Errorf("insufficient CPU cores: %d (minimum 2 recommended)", cores)
	}
	vm, err := mem.VirtualMemory()
	if err != nil {
		return fmt.Errorf("failed to read memory: %w", err)
	}
	if vm.Total < 4*gib {
		return fmt.Errorf("insufficient memory: %d GB (minimum 4 GB recommended)", vm.Total/gib)
	}
	return nil
}

// checkDiskSpace validates free space where the emulator and artifacts live
func (s *selfCheck) checkDiskSpace() error {
	dir := "."
	if s.cfg != nil {
		dir = s.cfg.OutputDir
	}
	usage, err := disk.Usage(dir)
	if err != nil {
		return fmt.Errorf("failed to check filesystem: %w", err)
	}
	if usage.Free < 5*gib {
		return fmt.Errorf("low disk space: %d GB available (recommended 5+ GB)", usage.Free/gib)
	}
	return nil
}

// checkOutputPermissions validates that credentials can be written
func (s *selfCheck) checkOutputPermissions() error {
	dir := "."
	if s.cfg != nil {
		dir = s.cfg.OutputDir
	}
	f, err := os.CreateTemp(dir, ".heapkey_write_test_*")
	if err != nil {
		return fmt.Errorf("cannot write to %s: %w", dir, err)
	}
	f.Close()
	return os.Remove(f.Name())
}

// ShowLogs summarises the run logs
func ShowLogs(v *viper.Viper) func(cmd *cobra.Command, args []string) error {
	return func(cmd *cobra.Command, args []string) error {
		cfg, err := LoadConfig(v)
		if err != nil {
			return err
		}
		if cfg.LogDir == "" {
			return fmt.Errorf("no log directory configured")
		}
		latest, _ := cmd.Flags().GetBool("latest")
		return writeLogReport(cmd.OutOrStdout(), logging.NewLogManager(cfg.LogDir, cfg.LogMaxFiles), latest)
	}
}

func writeLogReport(out io.Writer, manager *logging.LogManager, latest bool) error {
	stats, err := manager.GetLogStats()
	if err != nil {
		return err
	}
	if stats.TotalFiles == 0 {
		fmt.Fprintln(out, "No run logs found")
		return nil
	}
	fmt.Fprintf(out, "Run logs: %d (%d KB)\n", stats.TotalFiles, stats.TotalSize/1024)
	fmt.Fprintf(out, "Oldest: %s\n", stats.OldestFile.Format(time.DateTime))
	fmt.Fprintf(out, "Newest: %s\n\n", stats.NewestFile.Format(time.DateTime))

	var files []string
	if latest {
		files = []string{stats.Latest}
		fmt.Fprintf(out, "Latest: %s\n", filepath.Base(stats.Latest))
	}
	analysis, err := manager.AnalyzeLogs(files...)
	if err != nil {
		return err
	}
	fmt.Fprintln(out, analysis.GetLogSummary())
	return nil
}

// checkDevices confirms adb answers. Attached devices are informational.
func (s *selfCheck) checkDevices() error {
	if s.sdk == nil {
		return fmt.Errorf("skipped, no SDK")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	devices, err := mobile.NewADBChannel(s.sdk.ADB, s.cfg.DeviceSerial, nil, nil).Devices(ctx)
	if err != nil {
		return err
	}
	s.devices = devices
	return nil
}
