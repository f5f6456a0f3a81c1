/*
Author: KleaSCM
Email: KleaSCM@gmail.com
File: setup.go
Description: Setup stage. Resolves the Android SDK, makes sure a bootable AVD exists and builds
the device control channel and emulator launcher the rest of the run uses.
*/

package pipeline

import (
	"context"
	"path/filepath"

	"github.com/kleascm/heapkey/pkg/config"
	"github.com/kleascm/heapkey/pkg/mobile"
	"github.com/sirupsen/logrus"
)

// Device is what setup hands to the later stages.
type Device struct {
	Channel  mobile.Channel
	Launcher mobile.Launcher
	// AAPT inspects package files. Empty skips inspection.
	AAPT string
	// Created is set when setup had to create the AVD.
	Created bool
}

// SetupFunc provisions the device for a run.
type SetupFunc func(ctx context.Context, cfg *config.Config, log logrus.FieldLogger) (*Device, error)

// SDKSetup is the production SetupFunc. A nil runner means mobile.ExecRunner.
func SDKSetup(runner mobile.Runner) SetupFunc {
	if runner == nil {
		runner = mobile.ExecRunner{}
	}
	return func(ctx context.Context, cfg *config.Config, log logrus.FieldLogger) (*Device, error) {
		sdk, err := mobile.DiscoverSDK(cfg.AndroidHome)
		if err != nil {
			return nil, err
		}
		if cfg.ADBPath != "" {
			sdk.ADB = cfg.ADBPath
		}
		if cfg.EmulatorPath != "" {
			sdk.Emulator = cfg.EmulatorPath
		}
		if err := sdk.Require(); err != nil {
			return nil, err
		}
		log.WithFields(logrus.Fields{"sdk": sdk.Root, "adb": sdk.ADB}).Info("Android SDK resolved")

		created, err := mobile.NewProvisioner(sdk, "", runner, log).EnsureAVD(ctx, cfg.AVDName, cfg.SystemImage)
		if err != nil {
			return nil, err
		}

		ch := mobile.NewADBChannel(sdk.ADB, cfg.DeviceSerial, runner, log)
		ch.RootSettle = cfg.RootSettle

		return &Device{
			Channel:  ch,
			Launcher: mobile.NewEmulator(sdk.Emulator, cfg.AVDName, emulatorLog(cfg), sdk.Env(), log),
			AAPT:     sdk.AAPT,
			Created:  created,
		}, nil
	}
}

// emulatorLog is where the emulator's output goes.
func emulatorLog(cfg *config.Config) string {
	return filepath.Join(cfg.WorkDir, "emulator.log")
}
