/*
Author: KleaSCM
Email: KleaSCM@gmail.com
File: client.go
Description: Enrichment Client. Calls the vendor's HTTPS API with the extracted session token
to recover account, broker and device metadata. Every call is optional and warn-only, and
results only ever fill fields the extraction left empty.
*/

package enrich

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/kleascm/heapkey/pkg/record"
	"github.com/sirupsen/logrus"
)

// Kind names an endpoint's role.
type Kind string

const (
	KindMember      Kind = "member"
	KindBrokerToken Kind = "broker_token"
	KindDevices     Kind = "devices"
	KindHomes       Kind = "homes"
	KindFlights     Kind = "flights"
)

// Endpoint is one enrichment call.
type Endpoint struct {
	Kind   Kind   `yaml:"kind" json:"kind"`
	URL    string `yaml:"url" json:"url"`
	Bearer bool   `yaml:"bearer,omitempty" json:"bearer,omitempty"`
	// SerialField and NameField name the record fields a device listing fills.
	SerialField string `yaml:"serial_field,omitempty" json:"serial_field,omitempty"`
	NameField   string `yaml:"name_field,omitempty" json:"name_field,omitempty"`
}

// Config describes the API surface of one application.
type Config struct {
	Locale    string        `yaml:"locale" json:"locale"`
	UserAgent string        `yaml:"user_agent,omitempty" json:"user_agent,omitempty"`
	Timeout   time.Duration `yaml:"timeout,omitempty" json:"timeout,omitempty"`
	Endpoints []Endpoint    `yaml:"endpoints" json:"endpoints"`
}

// Validate rejects endpoints the client cannot handle.
func (c Config) Validate() error {
	for _, ep := range c.Endpoints {
		if ep.URL == "" {
			return fmt.Errorf("endpoint %q has no URL", ep.Kind)
		}
		switch ep.Kind {
		case KindMember, KindBrokerToken, KindFlights:
		case KindDevices, KindHomes:
			if ep.SerialField == "" {
				return fmt.Errorf("endpoint %q needs serial_field", ep.Kind)
			}
		default:
			return fmt.Errorf("unknown endpoint kind %q", ep.Kind)
		}
	}
	return nil
}

// Outcome is the result of one call.
type Outcome struct {
	Kind    Kind
	OK      bool
	Skipped bool
	Detail  string
	Err     error
}

// Client performs enrichment calls.
type Client struct {
	cfg  Config
	http *http.Client
	log  logrus.FieldLogger
}

// NewClient creates a client. A nil httpClient gets one bounded by cfg.Timeout (30s default).
func NewClient(cfg Config, httpClient *http.Client, log logrus.FieldLogger) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.Timeout}
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Client{cfg: cfg, http: httpClient, log: log}
}

// Enrich runs every configured call in order. It never fails: problems are logged and returned
// as outcomes.
func (c *Client) Enrich(ctx context.Context, rec *record.Record) []Outcome {
	token := rec.Scalar(record.UserToken)
	if token == "" {
		c.log.Warn("No user token, skipping enrichment")
		return nil
	}

	var outcomes []Outcome
	for _, ep := range c.cfg.Endpoints {
		out := c.call(ctx, ep, token, rec)
		entry := c.log.WithFields(logrus.Fields{"endpoint": ep.Kind, "ok": out.OK})
		switch {
		case out.Skipped:
			entry.Debug("Enrichment call skipped")
		case out.Err != nil:
			entry.WithError(out.Err).Warn("Enrichment call failed")
		default:
			entry.WithField("detail", out.Detail).Info("Enrichment call finished")
		}
		outcomes = append(outcomes, out)
		if ctx.Err() != nil {
			break
		}
	}
	return outcomes
}

func (c *Client) call(ctx context.Context, ep Endpoint, token string, rec *record.Record) Outcome {
	out := Outcome{Kind: ep.Kind}

	// Device listings only run when memory did not yield a serial.
	if (ep.Kind == KindDevices || ep.Kind == KindHomes) && rec.Has(ep.SerialField) {
		out.Skipped = true
		return out
	}

	data, err := c.get(ctx, ep, token)
	if err != nil {
		out.Err = err
		switch ep.Kind {
		case KindBrokerToken:
			rec.Fill(record.APIWorking, "false")
		case KindFlights:
			rec.Fill(record.FlightsOK, "false")
		}
		return out
	}

	switch ep.Kind {
	case KindMember:
		out.Detail = applyMember(rec, data)
	case KindBrokerToken:
		out.Detail = applyBrokerToken(rec, data)
	case KindDevices:
		out.Detail = applyDevices(rec, ep, objects(data))
	case KindHomes:
		var devices []map[string]any
		for _, home := range objects(object(data)["homes"]) {
			devices = append(devices, objects(home["devices"])...)
		}
		out.Detail = applyDevices(rec, ep, devices)
	case KindFlights:
		out.Detail = applyFlights(rec, data)
	}
	out.OK = true
	return out
}

func (c *Client) get(ctx context.Context, ep Endpoint, token string) (any, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ep.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("invalid request for %s: %w", ep.Kind, err)
	}
	req.Header.Set("x-member-token", token)
	if c.cfg.Locale != "" {
		req.Header.Set("X-DJI-locale", c.cfg.Locale)
	}
	if c.cfg.UserAgent != "" {
		req.Header.Set("User-Agent", c.cfg.UserAgent)
	}
	if ep.Bearer {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	data, err := Decode(body)
	if err != nil {
		return nil, fmt.Errorf("HTTP %d: %w", resp.StatusCode, err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected HTTP status %d", resp.StatusCode)
	}
	return data, nil
}

func applyMember(rec *record.Record, data any) string {
	member := object(data)
	rec.Fill(record.AccountOK, "true")
	if member == nil {
		return "account verified"
	}
	rec.Fill(record.UserName, str(member, "nickname"))
	rec.Fill(record.UserID, str(member, "uid", "user_id"))
	rec.Fill(record.UserEmail, str(member, "email"))
	return "account verified"
}

func applyBrokerToken(rec *record.Record, data any) string {
	m := object(data)
	rec.Fill(record.APIWorking, "true")
	if m == nil {
		return "no broker data"
	}
	rec.Fill(record.MQTTDomain, str(m, "mqtt_domain"))
	rec.Fill(record.MQTTPort, str(m, "mqtt_port"))
	rec.Fill(record.MQTTUserUUID, str(m, "user_uuid"))
	rec.Fill(record.MQTTPassword, str(m, "password", "token"))
	return "broker credentials retrieved"
}

func applyDevices(rec *record.Record, ep Endpoint, devices []map[string]any) string {
	for _, d := range devices {
		sn := str(d, "sn", "serial_number", "device_sn")
		if sn == "" {
			continue
		}
		rec.Fill(ep.SerialField, sn)
		if ep.NameField != "" {
			rec.Fill(ep.NameField, str(d, "model_name", "product_type", "name"))
		}
		return fmt.Sprintf("device %s", sn)
	}
	return "no devices"
}

func applyFlights(rec *record.Record, data any) string {
	flights, ok := data.([]any)
	if !ok {
		flights, _ = object(data)["flights"].([]any)
	}
	rec.Fill(record.FlightsOK, "true")
	rec.Fill(record.RecentFlights, fmt.Sprint(len(flights)))
	return fmt.Sprintf("%d recent flights", len(flights))
}
