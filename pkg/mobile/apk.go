/*
Author: KleaSCM
Email: KleaSCM@gmail.com
File: apk.go
Description: APK inspection with `aapt dump badging`. Recovers the package id, version and
launchable activity of a local package file for self-checks and as a launch fallback.
*/

package mobile

import (
	"bufio"
	"context"
	"fmt"
	"strings"
)

// APKInfo is what aapt reports about a package file.
type APKInfo struct {
	PackageName        string
	Version            string
	Label              string
	LaunchableActivity string
	Permissions        []string
}

// InspectAPK runs aapt against path.
func InspectAPK(ctx context.Context, runner Runner, aapt, path string) (*APKInfo, error) {
	if runner == nil {
		runner = ExecRunner{}
	}
	stdout, stderr, code, err := runner.Run(ctx, "", aapt, "dump", "badging", path)
	if err != nil {
		return nil, fmt.Errorf("aapt failed: %w", err)
	}
	if code != 0 {
		return nil, fmt.Errorf("aapt failed: exit %d: %s", code, strings.TrimSpace(string(stderr)))
	}
	return ParseBadging(string(stdout)), nil
}

// ParseBadging parses `aapt dump badging` output.
func ParseBadging(output string) *APKInfo {
	info := &APKInfo{}
	scanner := bufio.NewScanner(strings.NewReader(output))
	scanner.Buffer(make([]byte, 64*1024), 1<<20)
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case strings.HasPrefix(line, "package: "):
			for _, f := range strings.Fields(line) {
				if v, ok := attr(f, "name="); ok {
					info.PackageName = v
				}
				if v, ok := attr(f, "versionName="); ok {
					info.Version = v
				}
			}
		case strings.HasPrefix(line, "uses-permission: "):
			for _, f := range strings.Fields(line) {
				if v, ok := attr(f, "name="); ok {
					info.Permissions = append(info.Permissions, v)
				}
			}
		case strings.HasPrefix(line, "launchable-activity: "):
			for _, f := range strings.Fields(line) {
				if v, ok := attr(f, "name="); ok && info.LaunchableActivity == "" {
					info.LaunchableActivity = v
				}
			}
		case strings.HasPrefix(line, "application-label:"):
			info.Label = strings.Trim(strings.TrimPrefix(line, "application-label:"), "'\"")
		}
	}
	return info
}

func attr(field, prefix string) (string, bool) {
	if !strings.HasPrefix(field, prefix) {
		return "", false
	}
	return strings.Trim(field[len(prefix):], "'\""), true
}

// Component returns the activity as an `am start -n` component, or "".
func (i *APKInfo) Component() string {
	if i.PackageName == "" || i.LaunchableActivity == "" {
		return ""
	}
	return i.PackageName + "/" + i.LaunchableActivity
}
