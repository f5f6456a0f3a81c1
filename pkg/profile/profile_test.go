/*
Author: KleaSCM
Email: KleaSCM@gmail.com
File: profile_test.go
Description: Tests for the built-in profiles and their pattern sets over synthetic captures.
*/

package profile_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/kleascm/heapkey/pkg/profile"
	"github.com/kleascm/heapkey/pkg/record"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var token = "US_" + strings.Repeat("aB3_-", 10) + "xy"

func TestBuiltinProfilesLoad(t *testing.T) {
	assert.Equal(t, []string{"dji-fly", "dji-home"}, profile.Names())

	for _, name := range profile.Names() {
		p, err := profile.Builtin(name)
		require.NoError(t, err, name)
		assert.Equal(t, name, p.Name)
		assert.NotEmpty(t, p.Windows)
		_, ok := p.Patterns.Field(record.UserToken)
		assert.True(t, ok, "%s must extract the user token", name)
	}

	fly, err := profile.Load("")
	require.NoError(t, err)
	assert.Equal(t, "dji.go.v5", fly.Package)
	assert.Equal(t, 8*time.Second, fly.Settle)
	assert.False(t, fly.APK.AllowAny)
	assert.Equal(t, 800, fly.Windows[0].CountMiB)

	home, err := profile.Load("dji-home")
	require.NoError(t, err)
	assert.Equal(t, 5*time.Second, home.Settle)
	assert.Equal(t, 500, home.Windows[0].CountMiB)
	assert.Equal(t, "com.dji.home/.MainActivity", home.Activity)
	assert.Equal(t, 8883, home.Broker.DefaultPort)
}

func TestUnknownProfile(t *testing.T) {
	_, err := profile.Load("dji-mimo")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "dji-fly")
}

func TestLoadFromFileRejectsUnknownKeys(t *testing.T) {
	dir := t.TempDir()
	good := filepath.Join(dir, "custom.yaml")
	require.NoError(t, os.WriteFile(good, []byte(`
name: custom
package: com.example.app
apk: {file: app.apk}
windows: [{skip_mib: 0, count_mib: 64}]
patterns:
  fields:
    - name: user_token
      matchers: [{pattern: 'tok_[a-z0-9]{8}'}]
output: {env_file: .env.custom, report_file: custom.txt}
`), 0644))
	p, err := profile.Load(good)
	require.NoError(t, err)
	assert.Equal(t, "custom", p.Title)

	bad := filepath.Join(dir, "bad.yaml")
	require.NoError(t, os.WriteFile(bad, []byte("name: bad\npackge: typo\n"), 0644))
	_, err = profile.Load(bad)
	assert.Error(t, err)
}

func TestFlyPatterns(t *testing.T) {
	p, err := profile.Builtin("dji-fly")
	require.NoError(t, err)

	text := strings.Join([]string{
		`{"uid": "1234567890123", "nickname": "SkyPilot"}`,
		`{"user_id":9876543210987}`,
		"contact pilot@example.com",
		`"device_sn": "1581F5FHD23456"`,
		`"model_name": "DJI Mini 4 Pro"`,
		"Bearer " + token,
		"https://active.dji.com/app/api/v1/member/info",
		"https://active.dji.com/app/api/v1/member/info",
		"http://cdn.djicdn.com/a.png",
		"00000000-1111-2222-3333-444444444444",
		"55555555-6666-7777-8888-999999999999",
	}, "\n")

	rec := p.Patterns.ExtractText(text)
	assert.True(t, rec.Valid())
	assert.Equal(t, token, rec.Scalar(record.UserToken))
	// user_id's first matcher wins over the earlier "uid" line.
	assert.Equal(t, "9876543210987", rec.Scalar(record.UserID))
	assert.Equal(t, "SkyPilot", rec.Scalar(record.UserName))
	assert.Equal(t, "pilot@example.com", rec.Scalar(record.UserEmail))
	assert.Equal(t, "1581F5FHD23456", rec.Scalar(record.DroneSN))
	assert.Equal(t, "DJI Mini 4 Pro", rec.Scalar(record.DroneModel))
	assert.Equal(t, []string{
		"http://cdn.djicdn.com/a.png",
		"https://active.dji.com/app/api/v1/member/info",
	}, rec.List(record.APIURLs))
	assert.Len(t, rec.List(record.DeviceUUID), 2)
	assert.False(t, rec.Has(record.AccountToken))
}

func TestHomePatterns(t *testing.T) {
	p, err := profile.Builtin("dji-home")
	require.NoError(t, err)

	text := strings.Join([]string{
		"flutter.user_id",
		"123456789012345678",
		"flutter.user_email",
		"owner@example.com",
		"djiuser_abc123",
		token,
		"1ABCD23456789 1ABCD23456789 2WXYZ98765432",
		"ROMO-A1B2C3",
		"things-access-us.iot.djigate.com",
		"flutter._deviceUUIDKey",
		"0a1b2c3d-0000-4000-8000-00000000abcd",
	}, "\n")

	rec := p.Patterns.ExtractText(text)
	assert.True(t, rec.Valid())
	assert.Equal(t, "123456789012345678", rec.Scalar(record.UserID))
	assert.Equal(t, "owner@example.com", rec.Scalar(record.UserEmail))
	assert.Equal(t, "djiuser_abc123", rec.Scalar(record.UserName))
	assert.Equal(t, "1ABCD23456789", rec.Scalar(record.DeviceSN), "most frequent candidate wins")
	assert.Equal(t, "ROMO-A1B2C3", rec.Scalar(record.PairUUID))
	assert.Equal(t, "things-access-us.iot.djigate.com", rec.Scalar(record.IoTURL))
	assert.Equal(t, "0a1b2c3d-0000-4000-8000-00000000abcd", rec.Scalar(record.DeviceUUID))
}

func TestHomeStructuredSerialBeatsHeuristic(t *testing.T) {
	p, err := profile.Builtin("dji-home")
	require.NoError(t, err)
	text := token + "\n2WXYZ98765432 2WXYZ98765432\n{\"sn\":\"9QRST11112222\"}\n"
	rec := p.Patterns.ExtractText(text)
	assert.Equal(t, "9QRST11112222", rec.Scalar(record.DeviceSN))
}
