/*
Author: KleaSCM
Email: KleaSCM@gmail.com
File: enrich_test.go
Description: Tests for envelope decoding and the enrichment client against httptest servers.
*/

package enrich_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/kleascm/heapkey/pkg/enrich"
	"github.com/kleascm/heapkey/pkg/record"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const token = "US_abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ"

func TestDecodeShapes(t *testing.T) {
	data, err := enrich.Decode([]byte(`{"result":{"code":0,"message":"ok"},"data":{"uid":1234567890123456789}}`))
	require.NoError(t, err)
	assert.Equal(t, "1234567890123456789", data.(map[string]any)["uid"].(interface{ String() string }).String())

	data, err = enrich.Decode([]byte(`{"code":0,"message":"ok","data":[{"sn":"1ABC"}]}`))
	require.NoError(t, err)
	assert.Len(t, data, 1)

	_, err = enrich.Decode([]byte(`{"result":{"code":401,"message":"token expired"}}`))
	require.Error(t, err)
	assert.ErrorIs(t, err, enrich.ErrAPI)
	assert.Contains(t, err.Error(), "token expired")

	_, err = enrich.Decode([]byte(`{"code":3,"message":"denied"}`))
	var apiErr *enrich.APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, "3", apiErr.Code)

	_, err = enrich.Decode([]byte(`{"data":{}}`))
	assert.ErrorIs(t, err, enrich.ErrAPI, "missing code is not success")

	_, err = enrich.Decode([]byte(`<html>`))
	assert.Error(t, err)
	assert.NotErrorIs(t, err, enrich.ErrAPI)
}

type recorded struct {
	mu      sync.Mutex
	headers map[string]http.Header
}

func (r *recorded) add(path string, h http.Header) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.headers[path] = h.Clone()
}

func newServer(t *testing.T, bodies map[string]string) (*httptest.Server, *recorded) {
	rec := &recorded{headers: make(map[string]http.Header)}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec.add(r.URL.Path, r.Header)
		body, ok := bodies[r.URL.Path]
		if !ok {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)
	return srv, rec
}

func TestFlyEnrichment(t *testing.T) {
	srv, seen := newServer(t, map[string]string{
		"/member/info": `{"result":{"code":0},"data":{"nickname":"SkyPilot","uid":1234567890123456,"email":"pilot@example.com"}}`,
		"/devices":     `{"code":0,"data":[{"name":"no serial"},{"sn":"1581F5FHD2","model_name":"DJI Mini 4 Pro"}]}`,
		"/flights":     `{"code":0,"data":{"flights":[{"id":1},{"id":2}]}}`,
	})
	cfg := enrich.Config{Locale: "en_US", UserAgent: "DJIFly", Endpoints: []enrich.Endpoint{
		{Kind: enrich.KindMember, URL: srv.URL + "/member/info"},
		{Kind: enrich.KindDevices, URL: srv.URL + "/devices", SerialField: record.DroneSN, NameField: record.DroneModel},
		{Kind: enrich.KindFlights, URL: srv.URL + "/flights?page=1&page_size=5", Bearer: true},
	}}
	require.NoError(t, cfg.Validate())

	rec := record.New()
	rec.Set(record.UserToken, token)
	rec.Set(record.UserName, "djiuser_local")

	outcomes := enrich.NewClient(cfg, srv.Client(), nil).Enrich(context.Background(), rec)
	require.Len(t, outcomes, 3)
	for _, o := range outcomes {
		assert.True(t, o.OK, "%s: %v", o.Kind, o.Err)
	}

	assert.Equal(t, "djiuser_local", rec.Scalar(record.UserName), "memory values are never overwritten")
	assert.Equal(t, "1234567890123456", rec.Scalar(record.UserID))
	assert.Equal(t, "pilot@example.com", rec.Scalar(record.UserEmail))
	assert.Equal(t, "true", rec.Scalar(record.AccountOK))
	assert.Equal(t, "1581F5FHD2", rec.Scalar(record.DroneSN))
	assert.Equal(t, "DJI Mini 4 Pro", rec.Scalar(record.DroneModel))
	assert.Equal(t, "true", rec.Scalar(record.FlightsOK))
	assert.Equal(t, "2", rec.Scalar(record.RecentFlights))

	member := seen.headers["/member/info"]
	assert.Equal(t, token, member.Get("x-member-token"))
	assert.Equal(t, "en_US", member.Get("X-DJI-locale"))
	assert.Equal(t, "DJIFly", member.Get("User-Agent"))
	assert.Empty(t, member.Get("Authorization"))
	assert.Equal(t, "Bearer "+token, seen.headers["/flights"].Get("Authorization"))
}

func TestHomeEnrichment(t *testing.T) {
	srv, seen := newServer(t, map[string]string{
		"/users/auth/token": `{"result":{"code":0},"data":{"mqtt_domain":"mqtt.example.com","mqtt_port":8883,"user_uuid":"u-1","password":"p"}}`,
		"/homes":            `{"result":{"code":0},"data":{"homes":[{"devices":[]},{"devices":[{"device_sn":"1ABCD23456789","name":"Romo"}]}]}}`,
	})
	cfg := enrich.Config{Locale: "en_US", Endpoints: []enrich.Endpoint{
		{Kind: enrich.KindBrokerToken, URL: srv.URL + "/users/auth/token?reason=mqtt"},
		{Kind: enrich.KindHomes, URL: srv.URL + "/homes", SerialField: record.DeviceSN, NameField: record.DeviceName},
	}}

	rec := record.New()
	rec.Set(record.UserToken, token)
	enrich.NewClient(cfg, srv.Client(), nil).Enrich(context.Background(), rec)

	assert.Equal(t, "mqtt.example.com", rec.Scalar(record.MQTTDomain))
	assert.Equal(t, "8883", rec.Scalar(record.MQTTPort))
	assert.Equal(t, "u-1", rec.Scalar(record.MQTTUserUUID))
	assert.Equal(t, "p", rec.Scalar(record.MQTTPassword))
	assert.Equal(t, "true", rec.Scalar(record.APIWorking))
	assert.Equal(t, "1ABCD23456789", rec.Scalar(record.DeviceSN))
	assert.Equal(t, "Romo", rec.Scalar(record.DeviceName))
	assert.Contains(t, seen.headers, "/homes")
}

func TestDeviceListingSkippedWhenSerialKnown(t *testing.T) {
	srv, seen := newServer(t, map[string]string{"/homes": `{"code":0,"data":{"homes":[]}}`})
	cfg := enrich.Config{Endpoints: []enrich.Endpoint{
		{Kind: enrich.KindHomes, URL: srv.URL + "/homes", SerialField: record.DeviceSN},
	}}
	rec := record.New()
	rec.Set(record.UserToken, token)
	rec.Set(record.DeviceSN, "1ABCD23456789")

	outcomes := enrich.NewClient(cfg, srv.Client(), nil).Enrich(context.Background(), rec)
	require.Len(t, outcomes, 1)
	assert.True(t, outcomes[0].Skipped)
	assert.Empty(t, seen.headers)
}

// A rejected token leaves memory-derived fields alone and enrichment-only fields absent.
func TestRejectedTokenKeepsLocalFields(t *testing.T) {
	rejected := `{"result":{"code":401,"message":"token expired"}}`
	srv, _ := newServer(t, map[string]string{
		"/member/info":      rejected,
		"/users/auth/token": rejected,
		"/flights":          rejected,
	})
	cfg := enrich.Config{Endpoints: []enrich.Endpoint{
		{Kind: enrich.KindMember, URL: srv.URL + "/member/info"},
		{Kind: enrich.KindBrokerToken, URL: srv.URL + "/users/auth/token"},
		{Kind: enrich.KindFlights, URL: srv.URL + "/flights"},
	}}

	rec := record.New()
	rec.Set(record.UserToken, token)
	rec.Set(record.UserID, "123456789012345")

	outcomes := enrich.NewClient(cfg, srv.Client(), nil).Enrich(context.Background(), rec)
	require.Len(t, outcomes, 3)
	for _, o := range outcomes {
		assert.False(t, o.OK)
		assert.ErrorIs(t, o.Err, enrich.ErrAPI)
	}
	assert.Equal(t, token, rec.Scalar(record.UserToken))
	assert.Equal(t, "123456789012345", rec.Scalar(record.UserID))
	assert.Equal(t, record.NotFound, rec.Display(record.UserName))
	assert.Equal(t, record.NotFound, rec.Display(record.MQTTDomain))
	assert.Equal(t, record.NotFound, rec.Display(record.AccountOK))
	assert.Equal(t, "false", rec.Scalar(record.APIWorking))
	assert.Equal(t, "false", rec.Scalar(record.FlightsOK))
}

func TestEnrichWithoutToken(t *testing.T) {
	srv, seen := newServer(t, nil)
	cfg := enrich.Config{Endpoints: []enrich.Endpoint{{Kind: enrich.KindMember, URL: srv.URL + "/member/info"}}}
	assert.Nil(t, enrich.NewClient(cfg, srv.Client(), nil).Enrich(context.Background(), record.New()))
	assert.Empty(t, seen.headers)
}

func TestUnreachableServerIsWarnOnly(t *testing.T) {
	srv, _ := newServer(t, nil)
	url := srv.URL
	srv.Close()

	cfg := enrich.Config{Endpoints: []enrich.Endpoint{{Kind: enrich.KindMember, URL: url + "/member/info"}}}
	rec := record.New()
	rec.Set(record.UserToken, token)
	outcomes := enrich.NewClient(cfg, nil, nil).Enrich(context.Background(), rec)
	require.Len(t, outcomes, 1)
	assert.Error(t, outcomes[0].Err)
	assert.True(t, rec.Valid())
}

func TestConfigValidate(t *testing.T) {
	assert.Error(t, enrich.Config{Endpoints: []enrich.Endpoint{{Kind: "bogus", URL: "https://x"}}}.Validate())
	assert.Error(t, enrich.Config{Endpoints: []enrich.Endpoint{{Kind: enrich.KindDevices, URL: "https://x"}}}.Validate())
	assert.Error(t, enrich.Config{Endpoints: []enrich.Endpoint{{Kind: enrich.KindMember}}}.Validate())
}
