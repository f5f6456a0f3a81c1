/*
Author: KleaSCM
Email: KleaSCM@gmail.com
File: main_test.go
Description: Tests for the command tree: flag binding precedence and the utility commands.
*/

package main

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/kleascm/heapkey/pkg/config"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFlagsOverrideEnvironment(t *testing.T) {
	t.Setenv("HEAPKEY_STOP_EMULATOR", "yes")
	t.Setenv("HEAPKEY_BOOT_TIMEOUT", "1m")

	v := viper.New()
	root := newRootCommand(v)
	require.NoError(t, root.PersistentFlags().Set("boot-timeout", "10m"))
	require.NoError(t, root.PersistentFlags().Set("extract-mode", "local"))
	require.NoError(t, root.PersistentFlags().Set("enrich", "false"))

	cfg, err := config.Load(v)
	require.NoError(t, err)
	assert.Equal(t, 10*time.Minute, cfg.Boot.Timeout)
	assert.Equal(t, "local", string(cfg.ExtractMode))
	assert.False(t, cfg.Enrich.Enabled)
	assert.Equal(t, config.StopYes, cfg.StopEmulator)
	assert.True(t, cfg.Broker.Probe)
}

func TestProfilesCommand(t *testing.T) {
	root := newRootCommand(viper.New())
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetArgs([]string{"profiles"})

	require.NoError(t, root.Execute())
	assert.Contains(t, out.String(), "1. dji-fly")
	assert.Contains(t, out.String(), "2. dji-home")
	assert.Contains(t, out.String(), "Application: DJI Fly (dji.go.v5)")
}

func TestLogsCommand(t *testing.T) {
	dir := t.TempDir()
	log := "2024-01-01 10:00:01.000 INFO [readiness] Stage completed run_id=a\n" +
		"2024-01-01 10:00:04.000 ERROR [capture] Stage failed run_id=a\n" +
		"2024-01-01 10:00:06.000 INFO Run finished valid=false\n"
	require.NoError(t, os.WriteFile(filepath.Join(dir, "heapkey_2024-01-01_10-00-00.log"), []byte(log), 0600))

	root := newRootCommand(viper.New())
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetArgs([]string{"logs", "--log-dir", dir, "--latest"})

	require.NoError(t, root.Execute())
	assert.Contains(t, out.String(), "Run logs: 1")
	assert.Contains(t, out.String(), "Latest: heapkey_2024-01-01_10-00-00.log")
	assert.Contains(t, out.String(), "Failed capture: 1")
}

func TestLogsCommandEmptyDirectory(t *testing.T) {
	root := newRootCommand(viper.New())
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetArgs([]string{"logs", "--log-dir", t.TempDir()})

	require.NoError(t, root.Execute())
	assert.Contains(t, out.String(), "No run logs found")
}
