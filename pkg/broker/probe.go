/*
Author: KleaSCM
Email: KleaSCM@gmail.com
File: probe.go
Description: Broker connectivity probe. When enrichment returned broker credentials, performs a
single MQTT CONNECT over TLS to confirm they are accepted, then disconnects. The outcome is
recorded as a flag on the Credential Record and never fails the run.
*/

package broker

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
	"github.com/kleascm/heapkey/pkg/record"
	"github.com/sirupsen/logrus"
)

// ErrNoBroker is returned when the record carries no broker address.
var ErrNoBroker = errors.New("no broker address known")

// ErrNoCredentials is returned when enrichment produced no broker login.
var ErrNoCredentials = errors.New("no broker credentials known")

// ErrTimeout is returned when the CONNECT handshake does not complete in time.
var ErrTimeout = errors.New("broker connect timed out")

// Target is a broker endpoint plus credentials.
type Target struct {
	Scheme   string // tls (default) or tcp
	Host     string
	Port     int
	Username string
	Password string
}

// URL renders the broker URL understood by the MQTT client.
func (t Target) URL() string {
	scheme := t.Scheme
	if scheme == "" {
		scheme = "tls"
	}
	return fmt.Sprintf("%s://%s", scheme, net.JoinHostPort(t.Host, strconv.Itoa(t.Port)))
}

// ConnectFunc performs one connect/disconnect cycle.
type ConnectFunc func(ctx context.Context, t Target, timeout time.Duration) error

// Probe checks broker reachability.
type Probe struct {
	Timeout       time.Duration
	DefaultDomain string
	DefaultPort   int
	Scheme        string

	connect ConnectFunc
	log     logrus.FieldLogger
}

// NewProbe creates a probe backed by the paho MQTT client.
func NewProbe(timeout time.Duration, defaultPort int, log logrus.FieldLogger) *Probe {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if defaultPort <= 0 {
		defaultPort = 8883
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Probe{Timeout: timeout, DefaultPort: defaultPort, connect: Connect, log: log}
}

// WithConnect replaces the connect implementation.
func (p *Probe) WithConnect(fn ConnectFunc) *Probe {
	p.connect = fn
	return p
}

// TargetFor builds the broker target from the record's enrichment fields.
func (p *Probe) TargetFor(rec *record.Record) (Target, error) {
	host := rec.Scalar(record.MQTTDomain)
	if host == "" {
		host = p.DefaultDomain
	}
	if host == "" {
		return Target{}, ErrNoBroker
	}
	if !rec.Has(record.MQTTUserUUID) && !rec.Has(record.MQTTPassword) {
		return Target{}, ErrNoCredentials
	}
	port := p.DefaultPort
	if s := rec.Scalar(record.MQTTPort); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n <= 0 || n > 65535 {
			return Target{}, fmt.Errorf("invalid broker port %q", s)
		}
		port = n
	}
	return Target{
		Scheme:   p.Scheme,
		Host:     host,
		Port:     port,
		Username: rec.Scalar(record.MQTTUserUUID),
		Password: rec.Scalar(record.MQTTPassword),
	}, nil
}

// Run probes the broker named in rec and records the result. It returns the probe error for
// reporting; callers treat it as a warning.
func (p *Probe) Run(ctx context.Context, rec *record.Record) error {
	target, err := p.TargetFor(rec)
	if err != nil {
		return err
	}
	log := p.log.WithField("broker", target.URL())

	if err := p.connect(ctx, target, p.Timeout); err != nil {
		rec.Fill(record.BrokerOK, "false")
		log.WithError(err).Warn("Broker probe failed")
		return err
	}
	rec.Fill(record.BrokerOK, "true")
	log.Info("Broker accepted credentials")
	return nil
}

// Connect performs a CONNECT/DISCONNECT cycle with the paho client.
func Connect(ctx context.Context, t Target, timeout time.Duration) error {
	opts := mqtt.NewClientOptions().
		AddBroker(t.URL()).
		SetClientID("heapkey-probe-" + uuid.NewString()[:8]).
		SetConnectTimeout(timeout).
		SetAutoReconnect(false).
		SetConnectRetry(false).
		SetCleanSession(true)
	if t.Username != "" {
		opts.SetUsername(t.Username)
	}
	if t.Password != "" {
		opts.SetPassword(t.Password)
	}
	if t.Scheme == "" || t.Scheme == "tls" || t.Scheme == "ssl" {
		opts.SetTLSConfig(&tls.Config{ServerName: t.Host, MinVersion: tls.VersionTLS12})
	}

	client := mqtt.NewClient(opts)
	token := client.Connect()

	select {
	case <-token.Done():
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(timeout):
		return ErrTimeout
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("connect %s: %w", t.URL(), err)
	}
	client.Disconnect(250)
	return nil
}
