/*
Author: KleaSCM
Email: KleaSCM@gmail.com
File: utils.go
Description: Run log management: retention of old run logs, directory statistics and a summary
of stage outcomes recorded in the logs.
*/

package logging

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// LogManager prunes and inspects a log directory
type LogManager struct {
	logDir   string
	maxFiles int
}

// NewLogManager creates a new log manager
func NewLogManager(logDir string, maxFiles int) *LogManager {
	return &LogManager{logDir: logDir, maxFiles: maxFiles}
}

func (lm *LogManager) files() ([]string, error) {
	files, err := filepath.Glob(filepath.Join(lm.logDir, FilePrefix+"*.log"))
	if err != nil {
		return nil, fmt.Errorf("failed to glob log files: %w", err)
	}
	// Names embed the start time, so lexical order is chronological.
	sort.Strings(files)
	return files, nil
}

// CleanupOldLogs removes the oldest run logs beyond the retention count
func (lm *LogManager) CleanupOldLogs() error {
	files, err := lm.files()
	if err != nil {
		return err
	}
	if lm.maxFiles <= 0 || len(files) <= lm.maxFiles {
		return nil
	}
	for _, f := range files[:len(files)-lm.maxFiles] {
		if err := os.Remove(f); err != nil {
			return fmt.Errorf("failed to remove file %s: %w", f, err)
		}
	}
	return nil
}

// LogStats holds statistics about log files
type LogStats struct {
	TotalFiles int       `json:"total_files"`
	TotalSize  int64     `json:"total_size"`
	OldestFile time.Time `json:"oldest_file"`
	NewestFile time.Time `json:"newest_file"`
	Latest     string    `json:"latest"`
}

// GetLogStats returns statistics about log files
func (lm *LogManager) GetLogStats() (*LogStats, error) {
	files, err := lm.files()
	if err != nil {
		return nil, err
	}
	stats := &LogStats{TotalFiles: len(files)}
	for _, file := range files {
		info, err := os.Stat(file)
		if err != nil {
			continue
		}
		stats.TotalSize += info.Size()
		if stats.OldestFile.IsZero() || info.ModTime().Before(stats.OldestFile) {
			stats.OldestFile = info.ModTime()
		}
		if info.ModTime().After(stats.NewestFile) {
			stats.NewestFile = info.ModTime()
		}
	}
	if len(files) > 0 {
		stats.Latest = files[len(files)-1]
	}
	return stats, nil
}

// LogAnalysis summarises the entries of one or more run logs
type LogAnalysis struct {
	LogFiles      int            `json:"log_files"`
	TotalLines    int64          `json:"total_lines"`
	DebugCount    int64          `json:"debug_count"`
	InfoCount     int64          `json:"info_count"`
	WarningCount  int64          `json:"warning_count"`
	ErrorCount    int64          `json:"error_count"`
	Runs          int64          `json:"runs"`
	FailedStages  map[string]int `json:"failed_stages"`
	WarnedStages  map[string]int `json:"warned_stages"`
	StagesCleared int64          `json:"stages_cleared"`
}

// AnalyzeLogs reads the given files, or every run log in the directory when none are given
func (lm *LogManager) AnalyzeLogs(files ...string) (*LogAnalysis, error) {
	if len(files) == 0 {
		var err error
		if files, err = lm.files(); err != nil {
			return nil, err
		}
	}
	analysis := &LogAnalysis{
		LogFiles:     len(files),
		FailedStages: make(map[string]int),
		WarnedStages: make(map[string]int),
	}
	for _, file := range files {
		if err := analyzeFile(file, analysis); err != nil {
			return nil, fmt.Errorf("failed to analyze file %s: %w", file, err)
		}
	}
	return analysis, nil
}

func analyzeFile(path string, analysis *LogAnalysis) error {
	file, err := os.Open(path)
	if err != nil {
		return err
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 64*1024), 1<<20)
	for scanner.Scan() {
		analyzeLine(scanner.Text(), analysis)
	}
	return scanner.Err()
}

func analyzeLine(line string, analysis *LogAnalysis) {
	analysis.TotalLines++

	switch {
	case strings.Contains(line, "DEBUG"):
		analysis.DebugCount++
	case strings.Contains(line, "INFO"):
		analysis.InfoCount++
	case strings.Contains(line, "WARN"):
		analysis.WarningCount++
	case strings.Contains(line, "ERROR"):
		analysis.ErrorCount++
	}

	switch {
	case strings.Contains(line, "Stage failed"):
		analysis.FailedStages[stageOf(line)]++
	case strings.Contains(line, "Stage completed with warnings"):
		analysis.WarnedStages[stageOf(line)]++
	case strings.Contains(line, "Stage completed"):
		analysis.StagesCleared++
	case strings.Contains(line, "Run finished"):
		analysis.Runs++
	}
}

// stageOf recovers the stage from a `[stage]` prefix, a stage= field or a JSON stage key.
func stageOf(line string) string {
	if i := strings.Index(line, `"stage":"`); i >= 0 {
		rest := line[i+len(`"stage":"`):]
		if j := strings.Index(rest, `"`); j >= 0 {
			return rest[:j]
		}
	}
	if i := strings.Index(line, "stage="); i >= 0 {
		rest := line[i+len("stage="):]
		if j := strings.IndexAny(rest, " \t"); j >= 0 {
			rest = rest[:j]
		}
		return strings.Trim(rest, `"`)
	}
	for _, f := range strings.Fields(line) {
		if strings.HasPrefix(f, "[") && strings.HasSuffix(f, "]") && !strings.Contains(f, ":") {
			return strings.Trim(f, "[]")
		}
	}
	return "unknown"
}

// GetLogSummary returns a summary of the log analysis
func (la *LogAnalysis) GetLogSummary() string {
	var b strings.Builder
	fmt.Fprintf(&b, "Log Analysis Summary:\n")
	fmt.Fprintf(&b, "  Files: %d\n", la.LogFiles)
	fmt.Fprintf(&b, "  Total Lines: %d\n", la.TotalLines)
	fmt.Fprintf(&b, "  Runs: %d\n", la.Runs)
	fmt.Fprintf(&b, "  Warnings: %d\n", la.WarningCount)
	fmt.Fprintf(&b, "  Errors: %d\n", la.ErrorCount)
	fmt.Fprintf(&b, "  Stages Cleared: %d", la.StagesCleared)
	for _, kind := range []struct {
		title string
		m     map[string]int
	}{{"Failed", la.FailedStages}, {"Warned", la.WarnedStages}} {
		names := make([]string, 0, len(kind.m))
		for n := range kind.m {
			names = append(names, n)
		}
		sort.Strings(names)
		for _, n := range names {
			fmt.Fprintf(&b, "\n  %s %s: %d", kind.title, n, kind.m[n])
		}
	}
	return b.String()
}
