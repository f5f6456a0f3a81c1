/*
Author: KleaSCM
Email: KleaSCM@gmail.com
File: sdk.go
Description: Android SDK discovery and AVD provisioning. Locates the SDK root and its tools,
checks the system image, and creates the virtual device when it does not exist yet. Installing
the SDK itself is left to the operator; missing pieces are reported with guidance.
*/

package mobile

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

var (
	// ErrSDKNotFound is returned when no Android SDK root can be located.
	ErrSDKNotFound = errors.New("android SDK not found")
	// ErrToolMissing is returned when a required SDK tool is missing.
	ErrToolMissing = errors.New("SDK tool missing")
	// ErrSystemImageMissing is returned when the AVD's system image is not installed.
	ErrSystemImageMissing = errors.New("system image not installed")
	// ErrAVDCreateFailed is returned when avdmanager could not create the device.
	ErrAVDCreateFailed = errors.New("failed to create AVD")
)

// SDK holds the resolved tool paths.
type SDK struct {
	Root       string
	ADB        string
	Emulator   string
	AVDManager string
	AAPT       string
}

// SDKCandidates lists SDK roots in priority order: explicit, ANDROID_HOME, ANDROID_SDK_ROOT,
// then the usual Android Studio locations.
func SDKCandidates(explicit string, getenv func(string) string, home string) []string {
	var out []string
	for _, c := range []string{explicit, getenv("ANDROID_HOME"), getenv("ANDROID_SDK_ROOT")} {
		if c != "" {
			out = append(out, c)
		}
	}
	if home != "" {
		out = append(out,
			filepath.Join(home, "Library", "Android", "sdk"),
			filepath.Join(home, "Android", "Sdk"),
		)
	}
	return append(out, "/opt/android-sdk")
}

// DiscoverSDK resolves the SDK root and tool paths. Tools missing from the SDK fall back to PATH.
func DiscoverSDK(explicit string) (*SDK, error) {
	home, _ := os.UserHomeDir()
	var root string
	for _, c := range SDKCandidates(explicit, os.Getenv, home) {
		if st, err := os.Stat(c); err == nil && st.IsDir() {
			root = c
			break
		}
	}
	if root == "" {
		return nil, fmt.Errorf("%w: set ANDROID_HOME or install Android Studio (https://developer.android.com/studio)", ErrSDKNotFound)
	}
	sdk := &SDK{
		Root:       root,
		ADB:        firstExisting(filepath.Join(root, "platform-tools", "adb"), "adb"),
		Emulator:   firstExisting(filepath.Join(root, "emulator", "emulator"), "emulator"),
		AVDManager: firstExisting(filepath.Join(root, "cmdline-tools", "latest", "bin", "avdmanager"), filepath.Join(root, "tools", "bin", "avdmanager"), "avdmanager"),
		AAPT:       firstExisting(latestBuildTool(root, "aapt"), "aapt"),
	}
	return sdk, nil
}

func firstExisting(candidates ...string) string {
	for _, c := range candidates {
		if c == "" {
			continue
		}
		if filepath.IsAbs(c) {
			if _, err := os.Stat(c); err == nil {
				return c
			}
			continue
		}
		if p, err := exec.LookPath(c); err == nil {
			return p
		}
	}
	return ""
}

func latestBuildTool(root, tool string) string {
	matches, _ := filepath.Glob(filepath.Join(root, "build-tools", "*", tool))
	if len(matches) == 0 {
		return ""
	}
	sort.Strings(matches)
	return matches[len(matches)-1]
}

// Env returns the environment the emulator and avdmanager need.
func (s *SDK) Env() []string {
	return []string{"ANDROID_HOME=" + s.Root, "ANDROID_SDK_ROOT=" + s.Root}
}

// Require checks that the tools needed to boot a device are present.
func (s *SDK) Require() error {
	var missing []string
	if s.ADB == "" {
		missing = append(missing, "platform-tools/adb")
	}
	if s.Emulator == "" {
		missing = append(missing, "emulator/emulator")
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: %s under %s", ErrToolMissing, strings.Join(missing, ", "), s.Root)
	}
	return nil
}

// SystemImageDir maps "system-images;android-34;google_apis;arm64-v8a" to its directory.
func (s *SDK) SystemImageDir(image string) string {
	return filepath.Join(append([]string{s.Root}, strings.Split(image, ";")...)...)
}

// HasSystemImage reports whether image is installed.
func (s *SDK) HasSystemImage(image string) bool {
	st, err := os.Stat(s.SystemImageDir(image))
	return err == nil && st.IsDir()
}

// AVDHome returns the directory holding AVD definitions.
func AVDHome() string {
	if dir := os.Getenv("ANDROID_AVD_HOME"); dir != "" {
		return dir
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".android", "avd")
}

// AVDExists reports whether an AVD definition exists in avdHome.
func AVDExists(avdHome, name string) bool {
	_, err := os.Stat(filepath.Join(avdHome, name+".ini"))
	return err == nil
}

// Provisioner ensures a bootable AVD exists.
type Provisioner struct {
	SDK     *SDK
	AVDHome string
	Device  string // hardware profile passed to avdmanager

	runner Runner
	log    logrus.FieldLogger
}

// NewProvisioner creates a provisioner. A nil runner means ExecRunner.
func NewProvisioner(sdk *SDK, avdHome string, runner Runner, log logrus.FieldLogger) *Provisioner {
	if runner == nil {
		runner = ExecRunner{}
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	if avdHome == "" {
		avdHome = AVDHome()
	}
	return &Provisioner{SDK: sdk, AVDHome: avdHome, Device: "pixel_6", runner: runner, log: log}
}

// EnsureAVD creates the AVD when it does not exist. It reports whether a new AVD was created.
func (p *Provisioner) EnsureAVD(ctx context.Context, name, image string) (bool, error) {
	if AVDExists(p.AVDHome, name) {
		return false, nil
	}
	if !p.SDK.HasSystemImage(image) {
		return false, fmt.Errorf("%w: %s (install it with sdkmanager %q)", ErrSystemImageMissing, p.SDK.SystemImageDir(image), image)
	}
	if p.SDK.AVDManager == "" {
		return false, fmt.Errorf("%w: cmdline-tools/latest/bin/avdmanager under %s", ErrToolMissing, p.SDK.Root)
	}

	base := []string{"create", "avd", "-n", name, "-k", image, "--device", p.Device}
	attempts := [][]string{base, append(append([]string(nil), base...), "--force")}
	for i, args := range attempts {
		ctx, cancel := context.WithTimeout(ctx, 2*time.Minute)
		// avdmanager asks whether to create a custom hardware profile.
		_, stderr, code, err := p.runner.Run(ctx, "no\n", p.SDK.AVDManager, args...)
		cancel()
		p.log.WithFields(logrus.Fields{"attempt": i + 1, "exit": code}).Debug("avdmanager create avd")
		if err != nil {
			p.log.WithError(err).Warn("avdmanager failed")
		} else if code != 0 {
			p.log.WithField("stderr", truncate(strings.TrimSpace(string(stderr)), 200)).Warn("avdmanager exited non-zero")
		}
		if AVDExists(p.AVDHome, name) {
			return true, nil
		}
	}
	return false, fmt.Errorf("%w %q; try: avdmanager create avd -n %s -k '%s' --device %s", ErrAVDCreateFailed, name, name, image, p.Device)
}
