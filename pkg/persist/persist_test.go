/*
Author: KleaSCM
Email: KleaSCM@gmail.com
File: persist_test.go
Description: Golden tests for the env file and report, plus summary and file mode checks.
Regenerate fixtures with `go test ./pkg/persist -update`.
*/

package persist_test

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/kleascm/heapkey/pkg/persist"
	"github.com/kleascm/heapkey/pkg/profile"
	"github.com/kleascm/heapkey/pkg/record"
	"github.com/sebdah/goldie/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const token = "US_golden0123456789abcdefghijklmnopqrstuvwxyzABCDEFGHIJ"

var extractedAt = time.Date(2024, 6, 11, 1, 30, 0, 0, time.UTC)

func newGoldie(t *testing.T) *goldie.Goldie {
	return goldie.New(t, goldie.WithFixtureDir("testdata/golden"), goldie.WithNameSuffix(".golden"))
}

func flyRecord() *record.Record {
	rec := record.New()
	rec.Set(record.UserToken, token)
	rec.Set(record.UserID, "1234567890123")
	rec.Set(record.UserEmail, "pilot@example.com")
	rec.Set(record.UserName, "SkyPilot")
	rec.Set(record.DroneSN, "1581F5FHD23456")
	rec.Append(record.APIURLs, "https://a.dji.com/x", 20)
	rec.Append(record.APIURLs, "https://b.djicdn.com/y", 20)
	rec.Append(record.DeviceUUID, "0a1b2c3d-0000-4000-8000-00000000abcd", 3)
	rec.Set(record.AccountOK, "true")
	rec.Set(record.FlightsOK, "false")
	return rec
}

func homeRecord() *record.Record {
	rec := record.New()
	rec.Set(record.UserToken, token)
	rec.Set(record.UserID, "123456789012345678")
	rec.Set(record.DeviceSN, "1ABCD23456789")
	rec.Set(record.PairUUID, "ROMO-A1B2C3")
	rec.Set(record.MQTTDomain, "mqtt.example.com")
	rec.Set(record.MQTTPort, "8883")
	rec.Set(record.BrokerOK, "true")
	return rec
}

func TestGoldenArtifacts(t *testing.T) {
	cases := map[string]*record.Record{
		"dji-fly":  flyRecord(),
		"dji-home": homeRecord(),
	}
	for name, rec := range cases {
		t.Run(name, func(t *testing.T) {
			p, err := profile.Builtin(name)
			require.NoError(t, err)
			g := newGoldie(t)

			report, err := persist.RenderReport(rec, p, extractedAt)
			require.NoError(t, err)
			g.Assert(t, name+"-report", []byte(report))

			env, err := persist.RenderEnv(rec, p, extractedAt)
			require.NoError(t, err)
			g.Assert(t, name+"-env", []byte(env))
		})
	}
}

func TestReportDefaults(t *testing.T) {
	p, err := profile.Builtin("dji-fly")
	require.NoError(t, err)
	rec := record.New()
	rec.Set(record.UserToken, token)

	report, err := persist.RenderReport(rec, p, extractedAt)
	require.NoError(t, err)
	assert.Contains(t, report, "User Email:     Not found\n")
	assert.Contains(t, report, "                None discovered\n")
	assert.Contains(t, report, "Account Info:       ✗ Not verified\n")
}

func TestBrokerFlagStates(t *testing.T) {
	p, err := profile.Builtin("dji-home")
	require.NoError(t, err)

	tests := []struct {
		name  string
		value string
		want  string
	}{
		{"connected", "true", "✓ Connected"},
		{"rejected", "false", "✗ Rejected"},
		{"not probed", "", "Not tested"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := record.New()
			rec.Set(record.UserToken, token)
			if tt.value != "" {
				rec.Set(record.BrokerOK, tt.value)
			}
			report, err := persist.RenderReport(rec, p, extractedAt)
			require.NoError(t, err)
			assert.Regexp(t, `Reachable:\s+`+tt.want+"\n", report)
		})
	}
}

func TestWriteEnvIsPrivateAndRegenerated(t *testing.T) {
	p, err := profile.Builtin("dji-home")
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), "out", ".env")

	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
	require.NoError(t, os.WriteFile(path, []byte("STALE=1\n"), 0644))
	require.NoError(t, persist.WriteEnv(path, homeRecord(), p, extractedAt))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.NotContains(t, string(data), "STALE")
	assert.Contains(t, string(data), "DJI_DEVICE_SN=1ABCD23456789\n")

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())

	entries, err := os.ReadDir(filepath.Dir(path))
	require.NoError(t, err)
	assert.Len(t, entries, 1, "no temp files left behind")
}

func TestEnvValuesStayOnOneLine(t *testing.T) {
	p, err := profile.Builtin("dji-fly")
	require.NoError(t, err)
	rec := record.New()
	rec.Set(record.UserToken, token)
	rec.Set(record.UserEmail, "a@b.co\nINJECTED=1")

	env, err := persist.RenderEnv(rec, p, extractedAt)
	require.NoError(t, err)
	for _, line := range strings.Split(env, "\n") {
		assert.False(t, strings.HasPrefix(line, "INJECTED="))
	}
}

func TestWriteReport(t *testing.T) {
	p, err := profile.Builtin("dji-fly")
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), p.Output.ReportFile)

	content, err := persist.WriteReport(path, flyRecord(), p, extractedAt)
	require.NoError(t, err)
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, content, string(data))
}

func TestWriteSummary(t *testing.T) {
	dir := t.TempDir()
	s := persist.Summary{
		RunID:     "0b6c",
		Profile:   "dji-fly",
		Timestamp: extractedAt,
		Valid:     true,
		Stages:    []persist.StageResult{{Stage: "readiness", Status: "ok", Duration: time.Second}},
		Fields:    flyRecord().Fields(),
		Record:    flyRecord(),
	}

	path, err := persist.WriteSummary(dir, s, false)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "2024-06-11_01-30-00_dji-fly_0b6c.json"), path)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	var decoded map[string]any
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, "0b6c", decoded["run_id"])
	assert.NotContains(t, decoded, "record", "secrets excluded by default")
	assert.NotContains(t, string(data), token)

	path, err = persist.WriteSummary(dir, s, true)
	require.NoError(t, err)
	data, err = os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), token)
}
