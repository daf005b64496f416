package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

const mqttConnectTimeout = 5 * time.Second

// MQTTNotifier publishes motion events as JSON to an MQTT topic.
type MQTTNotifier struct {
	client    mqtt.Client
	topic     string
	qos       byte
	logger    *slog.Logger
	published atomic.Int64
}

// NewMQTTNotifier wraps an already configured client.
func NewMQTTNotifier(client mqtt.Client, cfg MQTTConfig, logger *slog.Logger) *MQTTNotifier {
	return &MQTTNotifier{
		client: client,
		topic:  cfg.Topic,
		qos:    cfg.QoS,
		logger: logger,
	}
}

// ConnectMQTT connects to cfg.Broker. The client reconnects on its own after
// a lost connection; publishes made meanwhile fail and are logged by the
// dispatcher.
func ConnectMQTT(ctx context.Context, cfg MQTTConfig, logger *slog.Logger) (*MQTTNotifier, error) {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(fmt.Sprintf("tcp://%s", cfg.Broker))
	opts.SetClientID(cfg.ClientID)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(2 * time.Second)
	opts.SetMaxReconnectInterval(30 * time.Second)

	opts.OnConnect = func(mqtt.Client) {
		logger.Info("MQTT connection established", "broker", cfg.Broker, "client_id", cfg.ClientID)
	}
	opts.OnConnectionLost = func(_ mqtt.Client, err error) {
		logger.Warn("MQTT connection lost, will auto-reconnect", "broker", cfg.Broker, "error", err)
	}

	client := mqtt.NewClient(opts)
	logger.Info("Connecting to MQTT broker", "broker", cfg.Broker)

	ctx, cancel := context.WithTimeout(ctx, mqttConnectTimeout)
	defer cancel()
	if err := waitToken(ctx, client.Connect()); err != nil {
		client.Disconnect(0)
		return nil, fmt.Errorf("mqtt connection to %s failed: %w", cfg.Broker, err)
	}

	return NewMQTTNotifier(client, cfg, logger), nil
}

// waitToken waits for t to complete or ctx to end.
func waitToken(ctx context.Context, t mqtt.Token) error {
	select {
	case <-t.Done():
		return t.Error()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Name implements AlertReporter.
func (n *MQTTNotifier) Name() string { return "mqtt" }

// Report implements AlertReporter.
func (n *MQTTNotifier) Report(ctx context.Context, a *Alert) error {
	if !n.client.IsConnectionOpen() {
		return errors.New("mqtt not connected")
	}

	payload, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("failed to marshal alert: %w", err)
	}

	if err := waitToken(ctx, n.client.Publish(n.topic, n.qos, false, payload)); err != nil {
		return fmt.Errorf("publish to %s failed: %w", n.topic, err)
	}

	n.published.Add(1)
	n.logger.Debug("Alert published", "topic", n.topic, "qos", n.qos, "size", len(payload))
	return nil
}

// Published returns how many alerts were delivered.
func (n *MQTTNotifier) Published() int64 {
	return n.published.Load()
}

// Close disconnects, giving in-flight messages a moment to go out.
func (n *MQTTNotifier) Close() {
	n.client.Disconnect(250)
}
