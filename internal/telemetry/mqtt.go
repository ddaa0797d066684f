// Package telemetry forwards gameplay and server events to an MQTT broker.
package telemetry

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"fmt"
	"os"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/bastion-project/bastion/internal/config"
	"github.com/bastion-project/bastion/internal/events"
	"github.com/bastion-project/bastion/internal/util"
)

// Topic suffixes below the configured prefix.
const (
	TopicMatch           = "match"
	TopicServerHeartbeat = "server/heartbeat"
	TopicServerShutdown  = "server/shutdown"
	TopicServerLag       = "server/lag"
)

const publishTimeout = 5 * time.Second

// publisher is the part of mqtt.Client the sink uses.
type publisher interface {
	IsConnected() bool
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
}

// MQTTSink subscribes to the event bus and publishes each event as a JSON
// envelope. Publishing never blocks the emitter: broker acknowledgements
// are awaited on their own goroutine and failures are logged once per
// window.
type MQTTSink struct {
	client  mqtt.Client
	pub     publisher
	prefix  string
	server  string
	version string
	logger  zerolog.Logger
	failLog rate.Sometimes

	// Metadata included in every message
	metadata map[string]interface{}
}

// Envelope is the JSON document published for every event.
type Envelope struct {
	Event     string                 `json:"event"`
	Source    string                 `json:"source,omitempty"`
	Seq       uint64                 `json:"seq,omitempty"`
	Server    string                 `json:"server"`
	Version   string                 `json:"version"`
	Timestamp string                 `json:"timestamp"`
	Host      map[string]interface{} `json:"host,omitempty"`
	Payload   interface{}            `json:"payload"`
}

// NewMQTTSink builds the client from configuration. It does not connect.
func NewMQTTSink(cfg *config.Config, version string) (*MQTTSink, error) {
	mqttCfg := cfg.GetApplicationData().MQTT
	if !mqttCfg.Enabled {
		return nil, fmt.Errorf("MQTT is disabled")
	}
	serverName := cfg.GetServerData().Name

	sysInfo := util.GetSystemInfo()
	sink := newSink(nil, mqttCfg.TopicPrefix, serverName, version)
	sink.metadata = map[string]interface{}{
		"hostname":  sysInfo.Hostname,
		"platform":  sysInfo.Platform,
		"cpu_cores": sysInfo.CPUCores,
		"memory_mb": sysInfo.TotalMemory,
	}

	scheme := "tcp"
	if mqttCfg.UseTLS {
		scheme = "ssl"
	}
	opts := mqtt.NewClientOptions()
	opts.AddBroker(fmt.Sprintf("%s://%s:%d", scheme, mqttCfg.BrokerURL, mqttCfg.Port))

	if mqttCfg.ClientID != "" {
		opts.SetClientID(mqttCfg.ClientID)
	} else {
		opts.SetClientID(fmt.Sprintf("bastion-%s-%s", serverName, sysInfo.Hostname))
	}

	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetMaxReconnectInterval(30 * time.Second)
	opts.SetKeepAlive(60 * time.Second)
	opts.SetCleanSession(false)
	opts.SetOrderMatters(false)

	if mqttCfg.UseTLS {
		tlsConfig, err := buildTLS(mqttCfg)
		if err != nil {
			return nil, err
		}
		opts.SetTLSConfig(tlsConfig)
	}

	opts.SetOnConnectHandler(func(mqtt.Client) {
		sink.logger.Info().Msg("MQTT connected")
	})
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		sink.logger.Warn().Err(err).Msg("MQTT connection lost")
	})

	sink.client = mqtt.NewClient(opts)
	sink.pub = sink.client
	return sink, nil
}

func newSink(pub publisher, prefix, server, version string) *MQTTSink {
	if prefix == "" {
		prefix = "bastion"
	}
	return &MQTTSink{
		pub:     pub,
		prefix:  prefix,
		server:  server,
		version: version,
		logger:  util.ComponentLogger("mqtt"),
		failLog: rate.Sometimes{Interval: 30 * time.Second},
	}
}

func buildTLS(c config.MQTTConfig) (*tls.Config, error) {
	tlsConfig := &tls.Config{MinVersion: tls.VersionTLS12}

	if c.CertFile != "" && c.KeyFile != "" {
		cert, err := tls.LoadX509KeyPair(c.CertFile, c.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load MQTT TLS certificate: %w", err)
		}
		tlsConfig.Certificates = []tls.Certificate{cert}
	}
	if c.CAFile != "" {
		pem, err := os.ReadFile(c.CAFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read MQTT CA file: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("no certificates in %s", c.CAFile)
		}
		tlsConfig.RootCAs = pool
	}
	return tlsConfig, nil
}

// Connect dials the broker. With connect-retry enabled the client keeps
// trying in the background after ctx expires.
func (s *MQTTSink) Connect(ctx context.Context) error {
	s.logger.Info().Str("prefix", s.prefix).Msg("connecting to MQTT broker")
	token := s.client.Connect()
	select {
	case <-token.Done():
		if err := token.Error(); err != nil {
			return fmt.Errorf("MQTT connect failed: %w", err)
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Attach subscribes the sink to every event it forwards.
func (s *MQTTSink) Attach(bus *events.EventBus) {
	forward := append([]events.EventType{}, events.GameplayEvents...)
	forward = append(forward,
		events.EventSessionCreated,
		events.EventSessionClosed,
		events.EventPlayerConnection,
		events.EventBonusInvalidated,
		events.EventLongTick,
		events.EventHeartbeat,
		events.EventShutdown,
	)
	for _, t := range forward {
		bus.Subscribe(t, "mqtt."+string(t), s.onEvent)
	}
}

func (s *MQTTSink) onEvent(_ context.Context, event events.Event) error {
	s.publish(s.topic(event.Type), event)
	return nil
}

// topic maps an event to its MQTT topic.
func (s *MQTTSink) topic(t events.EventType) string {
	switch t {
	case events.EventHeartbeat:
		return s.prefix + "/" + TopicServerHeartbeat
	case events.EventShutdown:
		return s.prefix + "/" + TopicServerShutdown
	case events.EventLongTick:
		return s.prefix + "/" + TopicServerLag
	default:
		return s.prefix + "/" + TopicMatch + "/" + string(t)
	}
}

func (s *MQTTSink) publish(topic string, event events.Event) {
	if s.pub == nil || !s.pub.IsConnected() {
		return
	}

	data, err := json.Marshal(Envelope{
		Event:     string(event.Type),
		Source:    event.Source,
		Seq:       event.Seq,
		Server:    s.server,
		Version:   s.version,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Host:      s.metadata,
		Payload:   event.Payload,
	})
	if err != nil {
		s.logger.Warn().Err(err).Str("topic", topic).Msg("failed to marshal MQTT message")
		return
	}

	token := s.pub.Publish(topic, 1, false, data)
	go func() {
		if !token.WaitTimeout(publishTimeout) {
			s.failed(topic, fmt.Errorf("publish timed out"))
			return
		}
		if err := token.Error(); err != nil {
			s.failed(topic, err)
		}
	}()
}

func (s *MQTTSink) failed(topic string, err error) {
	s.failLog.Do(func() {
		s.logger.Warn().Err(err).Str("topic", topic).Msg("MQTT publish failed")
	})
}

// PublishShutdown announces the server is going away.
func (s *MQTTSink) PublishShutdown(reason string) {
	s.publish(s.topic(events.EventShutdown), events.Event{
		Type:    events.EventShutdown,
		Source:  "server",
		Payload: map[string]string{"reason": reason},
	})
}

// Close disconnects after giving in-flight publishes a moment to finish.
func (s *MQTTSink) Close() {
	if s.client == nil {
		return
	}
	s.client.Disconnect(500)
	s.logger.Info().Msg("MQTT disconnected")
}
