/*
Author: KleaSCM
Email: KleaSCM@gmail.com
File: persist.go
Description: Persistence of a Credential Record: the env-style file consumed by downstream
tools, the human-readable report, and a JSON run summary. Files are regenerated in full on
every run and written atomically.
*/

package persist

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"text/template"
	"time"

	"github.com/kleascm/heapkey/pkg/profile"
	"github.com/kleascm/heapkey/pkg/record"
)

// TimestampLayout is used in file headers.
const TimestampLayout = "2006-01-02 15:04:05"

// labelWidth is the minimum column where report values start.
const labelWidth = 16

var (
	envTmpl    = template.Must(template.New("env").Parse(envTemplate))
	reportTmpl = template.Must(template.New("report").Funcs(template.FuncMap{
		"bar":    func() string { return strings.Repeat("=", 80) },
		"upper":  strings.ToUpper,
		"dashes": func(s string) string { return strings.Repeat("-", len([]rune(s))) },
	}).Parse(reportTemplate))
)

type envVar struct {
	Key   string
	Value string
}

// RenderEnv renders the env file for rec.
func RenderEnv(rec *record.Record, p *profile.Profile, now time.Time) (string, error) {
	data := struct {
		Title, Timestamp, Profile string
		Vars                      []envVar
	}{Title: p.Title, Timestamp: now.Format(TimestampLayout), Profile: p.Name}

	for _, v := range p.Output.Env {
		value := v.Value
		if v.Field != "" {
			if got, ok := rec.Get(v.Field); ok {
				value = got.String()
			}
		}
		data.Vars = append(data.Vars, envVar{Key: v.Key, Value: sanitize(value)})
	}

	var buf bytes.Buffer
	if err := envTmpl.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("failed to render env file: %w", err)
	}
	return buf.String(), nil
}

// sanitize keeps a value on one line.
func sanitize(v string) string {
	return strings.NewReplacer("\r", "", "\n", " ").Replace(v)
}

// WriteEnv writes the env file to path, owner-readable only.
func WriteEnv(path string, rec *record.Record, p *profile.Profile, now time.Time) error {
	content, err := RenderEnv(rec, p, now)
	if err != nil {
		return err
	}
	return writeAtomic(path, []byte(content), 0600)
}

// RenderReport renders the human-readable report.
func RenderReport(rec *record.Record, p *profile.Profile, now time.Time) (string, error) {
	type section struct {
		Title string
		Lines []string
	}
	data := struct {
		Title, Timestamp, Usage string
		Sections                []section
	}{
		Title:     p.Title,
		Timestamp: now.Format(TimestampLayout),
		Usage:     strings.TrimRight(p.Output.Usage, "\n"),
	}
	for _, s := range p.Output.Report {
		data.Sections = append(data.Sections, section{Title: s.Title, Lines: sectionLines(rec, s)})
	}

	var buf bytes.Buffer
	if err := reportTmpl.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("failed to render report: %w", err)
	}
	return buf.String(), nil
}

// WriteReport writes the report to path.
func WriteReport(path string, rec *record.Record, p *profile.Profile, now time.Time) (string, error) {
	content, err := RenderReport(rec, p, now)
	if err != nil {
		return "", err
	}
	return content, writeAtomic(path, []byte(content), 0600)
}

func sectionLines(rec *record.Record, s profile.Section) []string {
	longest := 0
	for _, row := range s.Rows {
		longest = max(longest, len(row.Label)+1)
	}
	width := labelWidth
	if longest > labelWidth-2 {
		width = longest + 5
	}
	indent := strings.Repeat(" ", width)

	var lines []string
	for _, row := range s.Rows {
		prefix := indent
		if row.Label != "" {
			prefix = fmt.Sprintf("%-*s", width, row.Label+":")
		}
		values := rowValues(rec, row)
		for i, v := range values {
			if i == 0 {
				lines = append(lines, prefix+v)
				continue
			}
			lines = append(lines, indent+v)
		}
	}
	return lines
}

func rowValues(rec *record.Record, row profile.Row) []string {
	if row.Value != "" {
		return []string{row.Value}
	}
	switch row.Format {
	case profile.FormatFlag:
		yes, no := row.Yes, row.No
		if yes == "" {
			yes = "✓ Yes"
		}
		if no == "" {
			no = "✗ No"
		}
		switch rec.Scalar(row.Field) {
		case "true":
			return []string{yes}
		case "":
			if row.Unset != "" {
				return []string{row.Unset}
			}
		}
		return []string{no}
	case profile.FormatList:
		if list := rec.List(row.Field); len(list) > 0 {
			return list
		}
	default:
		if v := rec.Scalar(row.Field); v != "" {
			return []string{v}
		}
	}
	if row.Default != "" {
		return []string{row.Default}
	}
	return []string{record.NotFound}
}

// Summary is the JSON run summary.
type Summary struct {
	RunID     string         `json:"run_id"`
	Profile   string         `json:"profile"`
	Timestamp time.Time      `json:"timestamp"`
	Valid     bool           `json:"valid"`
	Stages    []StageResult  `json:"stages"`
	Fields    []string       `json:"fields"`
	Record    *record.Record `json:"record,omitempty"`
	Files     []string       `json:"files,omitempty"`
}

// StageResult is one pipeline stage in the summary.
type StageResult struct {
	Stage    string        `json:"stage"`
	Status   string        `json:"status"`
	Duration time.Duration `json:"duration_ns"`
	Error    string        `json:"error,omitempty"`
}

// WriteSummary writes s as JSON under dir, named by timestamp and run id. Secrets are left out
// unless includeRecord is set.
func WriteSummary(dir string, s Summary, includeRecord bool) (string, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("failed to create summary directory: %w", err)
	}
	if !includeRecord {
		s.Record = nil
	}

	// 2024-06-11_01-30-00_dji-fly_<run id>.json
	name := fmt.Sprintf("%s_%s_%s.json", s.Timestamp.Format("2006-01-02_15-04-05"), s.Profile, s.RunID)
	path := filepath.Join(dir, name)

	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to marshal summary: %w", err)
	}
	if err := writeAtomic(path, data, 0600); err != nil {
		return "", err
	}
	return path, nil
}

func writeAtomic(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create %s: %w", dir, err)
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	if err := tmp.Chmod(perm); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to chmod %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close %s: %w", path, err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	return nil
}
