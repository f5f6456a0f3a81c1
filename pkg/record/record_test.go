/*
Author: KleaSCM
Email: KleaSCM@gmail.com
File: record_test.go
Description: Tests for the Credential Record merge policy.
*/

package record_test

import (
	"encoding/json"
	"testing"

	"github.com/kleascm/heapkey/pkg/record"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSetIsFirstWriterWins(t *testing.T) {
	rec := record.New()
	assert.True(t, rec.Set(record.UserID, "1234567890"))
	assert.False(t, rec.Set(record.UserID, "9999999999"))
	assert.Equal(t, "1234567890", rec.Scalar(record.UserID))

	// blank values never claim a field
	assert.False(t, rec.Set(record.UserEmail, "   "))
	assert.False(t, rec.Has(record.UserEmail))
	assert.True(t, rec.Set(record.UserEmail, "pilot@example.com"))
}

func TestFillIsIdempotent(t *testing.T) {
	rec := record.New()
	rec.Set(record.UserName, "djiuser_local")

	for i := 0; i < 2; i++ {
		rec.Fill(record.UserName, "RemoteName")
		rec.Fill(record.MQTTDomain, "broker.example.com")
	}
	assert.Equal(t, "djiuser_local", rec.Scalar(record.UserName))
	assert.Equal(t, "broker.example.com", rec.Scalar(record.MQTTDomain))
}

func TestAppendDeduplicatesAndCaps(t *testing.T) {
	rec := record.New()
	for _, v := range []string{"a", "b", "a", "c", "d"} {
		rec.Append(record.DeviceUUID, v, 3)
	}
	assert.Equal(t, []string{"a", "b", "c"}, rec.List(record.DeviceUUID))

	v, ok := rec.Get(record.DeviceUUID)
	require.True(t, ok)
	assert.Equal(t, record.List, v.Kind)
	assert.Equal(t, "a,b,c", v.String())
}

func TestFillListOnlyWhenEmpty(t *testing.T) {
	rec := record.New()
	assert.True(t, rec.FillList(record.APIURLs, []string{"https://a", "https://a", "https://b"}, 0))
	assert.False(t, rec.FillList(record.APIURLs, []string{"https://c"}, 0))
	assert.Equal(t, []string{"https://a", "https://b"}, rec.List(record.APIURLs))
}

func TestValidityAndDisplay(t *testing.T) {
	rec := record.New()
	assert.False(t, rec.Valid())
	assert.Equal(t, record.NotFound, rec.Display(record.DeviceSN))

	rec.Set(record.UserToken, "US_abc")
	assert.True(t, rec.Valid())
	assert.Equal(t, []string{record.UserToken}, rec.Fields())
	assert.Equal(t, 1, rec.Len())
}

func TestMarshalJSON(t *testing.T) {
	rec := record.New()
	rec.Set(record.UserToken, "US_abc")
	rec.Append(record.APIURLs, "https://x.djigate.com", 0)

	data, err := json.Marshal(rec)
	require.NoError(t, err)
	assert.JSONEq(t, `{"api_urls":["https://x.djigate.com"],"user_token":"US_abc"}`, string(data))
}

func TestMask(t *testing.T) {
	token := "US_" + "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ"
	assert.Equal(t, "US_abcdefghijklmnopq...QRSTUVWXYZ", record.Mask(token))
	assert.Equal(t, "short", record.Mask("short"))
}
