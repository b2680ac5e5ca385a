// Package telemetry publishes session lifecycle events to an MQTT broker.
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

	"github.com/forge-project/forge/internal/config"
	"github.com/forge-project/forge/internal/events"
	"github.com/forge-project/forge/internal/util"
)

// Topic suffixes, appended to the configured prefix.
const (
	TopicDaemonStatus      = "daemon/status"
	TopicSessionTransition = "session/transition"
	TopicSessionRejected   = "session/rejected"
	TopicSessionError      = "session/error"
	TopicHost              = "host"
	TopicDiscoveryServer   = "discovery/server"
	TopicHealthWarning     = "health/warning"
)

// publisher is the subset of mqtt.Client used for publishing.
type publisher interface {
	IsConnected() bool
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
}

// MQTTHandler forwards bus events to the broker.
type MQTTHandler struct {
	cfg      config.MQTTConfig
	eventBus *events.EventBus
	client   mqtt.Client
	pub      publisher
	logger   zerolog.Logger

	metadata map[string]interface{}
}

// NewMQTTHandler creates the handler and its client. It does not connect.
func NewMQTTHandler(cfg *config.Config, eventBus *events.EventBus) (*MQTTHandler, error) {
	mqttCfg := cfg.GetApplicationData().MQTT
	if !mqttCfg.Enabled {
		return nil, fmt.Errorf("MQTT is disabled")
	}

	h := newHandler(mqttCfg, eventBus)

	scheme := "tcp"
	if mqttCfg.UseTLS {
		scheme = "ssl"
	}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(fmt.Sprintf("%s://%s:%d", scheme, mqttCfg.BrokerURL, mqttCfg.Port))

	clientID := mqttCfg.ClientID
	if clientID == "" {
		clientID = fmt.Sprintf("forge-%s", h.metadata["hostname"])
	}
	opts.SetClientID(clientID)
	opts.SetAutoReconnect(true)
	opts.SetMaxReconnectInterval(30 * time.Second)
	opts.SetKeepAlive(60 * time.Second)
	opts.SetCleanSession(true)

	offline, _ := json.Marshal(h.buildMessage(map[string]string{"status": "offline"}))
	opts.SetWill(h.topic(TopicDaemonStatus), string(offline), 1, true)

	if mqttCfg.UseTLS {
		tlsConfig := &tls.Config{MinVersion: tls.VersionTLS12}
		if mqttCfg.CAFile != "" {
			pem, err := os.ReadFile(mqttCfg.CAFile)
			if err != nil {
				return nil, fmt.Errorf("failed to read MQTT CA file: %w", err)
			}
			pool := x509.NewCertPool()
			if !pool.AppendCertsFromPEM(pem) {
				return nil, fmt.Errorf("no certificates found in %s", mqttCfg.CAFile)
			}
			tlsConfig.RootCAs = pool
		}
		opts.SetTLSConfig(tlsConfig)
	}

	opts.SetOnConnectHandler(func(client mqtt.Client) {
		h.logger.Info().Msg("MQTT connected")
		h.publish(TopicDaemonStatus, true, map[string]string{"status": "online"})
	})
	opts.SetConnectionLostHandler(func(client mqtt.Client, err error) {
		h.logger.Warn().Err(err).Msg("MQTT connection lost")
	})

	h.client = mqtt.NewClient(opts)
	h.pub = h.client
	return h, nil
}

func newHandler(cfg config.MQTTConfig, eventBus *events.EventBus) *MQTTHandler {
	sysInfo := util.GetSystemInfo()
	return &MQTTHandler{
		cfg:      cfg,
		eventBus: eventBus,
		logger:   util.ComponentLogger("telemetry"),
		metadata: map[string]interface{}{
			"hostname":    sysInfo.Hostname,
			"platform":    sysInfo.Platform,
			"app_version": util.Version,
		},
	}
}

// Start connects, forwards events until ctx is done, then disconnects.
func (h *MQTTHandler) Start(ctx context.Context) error {
	h.logger.Info().
		Str("broker", h.cfg.BrokerURL).
		Int("port", h.cfg.Port).
		Msg("connecting to MQTT broker")

	token := h.client.Connect()
	if token.Wait() && token.Error() != nil {
		return fmt.Errorf("MQTT connect failed: %w", token.Error())
	}

	h.subscribeEvents()
	defer h.unsubscribeEvents()

	<-ctx.Done()

	h.PublishShutdown()
	h.client.Disconnect(5000)
	h.logger.Info().Msg("MQTT disconnected")
	return nil
}

var forwarded = map[events.EventType]struct {
	topic    string
	retained bool
}{
	events.EventSessionTransition: {TopicSessionTransition, false},
	events.EventRequestRejected:   {TopicSessionRejected, false},
	events.EventSessionError:      {TopicSessionError, false},
	events.EventHostPublic:        {TopicHost, true},
	events.EventHostPrivate:       {TopicHost, true},
	events.EventServerDiscovered:  {TopicDiscoveryServer, false},
	events.EventHealthWarning:     {TopicHealthWarning, false},
}

func (h *MQTTHandler) subscribeEvents() {
	for t := range forwarded {
		h.eventBus.Subscribe(t, "mqtt."+string(t), h.onEvent)
	}
}

func (h *MQTTHandler) unsubscribeEvents() {
	for t := range forwarded {
		h.eventBus.Unsubscribe(t, "mqtt."+string(t))
	}
}

func (h *MQTTHandler) onEvent(ctx context.Context, event events.Event) error {
	route, ok := forwarded[event.Type]
	if !ok {
		return nil
	}

	payload := event.Payload
	switch event.Type {
	case events.EventHostPublic:
		payload = map[string]interface{}{"public": true, "server": event.Payload}
	case events.EventHostPrivate:
		payload = map[string]interface{}{"public": false}
	}

	h.publish(route.topic, route.retained, map[string]interface{}{
		"event":   string(event.Type),
		"source":  event.Source,
		"time":    event.Time.UTC().Format(time.RFC3339Nano),
		"payload": payload,
	})
	return nil
}

func (h *MQTTHandler) topic(suffix string) string {
	if h.cfg.TopicPrefix == "" {
		return suffix
	}
	return h.cfg.TopicPrefix + "/" + suffix
}

// publish sends payload as JSON at QoS 1. It is a no-op while disconnected.
func (h *MQTTHandler) publish(suffix string, retained bool, payload interface{}) {
	if h.pub == nil || !h.pub.IsConnected() {
		return
	}

	topic := h.topic(suffix)
	data, err := json.Marshal(h.buildMessage(payload))
	if err != nil {
		h.logger.Warn().Err(err).Str("topic", topic).Msg("failed to marshal MQTT message")
		return
	}

	token := h.pub.Publish(topic, 1, retained, data)
	go func() {
		if !token.WaitTimeout(10*time.Second) || token.Error() != nil {
			h.logger.Warn().Err(token.Error()).Str("topic", topic).Msg("MQTT publish failed")
		}
	}()
}

func (h *MQTTHandler) buildMessage(payload interface{}) map[string]interface{} {
	msg := make(map[string]interface{}, len(h.metadata)+2)
	for k, v := range h.metadata {
		msg[k] = v
	}
	msg["payload"] = payload
	msg["timestamp"] = time.Now().UTC().Format(time.RFC3339)
	return msg
}

// PublishShutdown marks the daemon offline on the retained status topic.
func (h *MQTTHandler) PublishShutdown() {
	h.publish(TopicDaemonStatus, true, map[string]string{"status": "offline"})
}
