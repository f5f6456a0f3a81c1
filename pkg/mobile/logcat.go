/*
Author: KleaSCM
Email: KleaSCM@gmail.com
File: logcat.go
Description: Crash collection from the device log. Parses `logcat -d` for fatal exceptions,
ANRs and process terminations that mention an application id, so a missing target process can
be reported with its last crash.
*/

package mobile

import (
	"bufio"
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"
)

var (
	crashRegex = regexp.MustCompile(`FATAL EXCEPTION|ANR in|Process \d+ terminated|java\.lang\.[A-Za-z]+Exception`)
	timeRegex  = regexp.MustCompile(`^(\d{2}-\d{2} \d{2}:\d{2}:\d{2}\.\d{3})`)
)

// CrashReport is one crash found in the device log.
type CrashReport struct {
	PackageName string
	Timestamp   time.Time
	Message     string
	StackTrace  string
	Logs        []string
}

// CollectCrashes reads the device log and returns crashes mentioning packageName.
func CollectCrashes(ctx context.Context, ch Channel, packageName string) ([]*CrashReport, error) {
	res, err := ch.Execute(ctx, "logcat -d -t 2000", 30*time.Second)
	if err != nil {
		return nil, fmt.Errorf("logcat failed: %w", err)
	}
	return ParseCrashes(res.Stdout, packageName), nil
}

// ParseCrashes groups crash headers with the lines that follow them.
func ParseCrashes(output, packageName string) []*CrashReport {
	var reports []*CrashReport
	var current *CrashReport
	scanner := bufio.NewScanner(strings.NewReader(output))
	for scanner.Scan() {
		line := scanner.Text()
		if crashRegex.MatchString(line) && strings.Contains(line, packageName) {
			if current != nil {
				reports = append(reports, current)
			}
			current = &CrashReport{PackageName: packageName, Message: line, Logs: []string{line}}
			if m := timeRegex.FindStringSubmatch(line); len(m) == 2 {
				if t, err := time.Parse("01-02 15:04:05.000", m[1]); err == nil {
					current.Timestamp = t
				}
			}
			continue
		}
		if current == nil {
			continue
		}
		current.Logs = append(current.Logs, line)
		if strings.Contains(line, "at ") {
			current.StackTrace += strings.TrimSpace(line) + "\n"
		}
	}
	if current != nil {
		reports = append(reports, current)
	}
	return reports
}
