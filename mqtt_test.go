package main

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeToken completes when done is closed.
type fakeToken struct {
	done chan struct{}
	err  error
}

func completedToken(err error) *fakeToken {
	t := &fakeToken{done: make(chan struct{}), err: err}
	close(t.done)
	return t
}

func (t *fakeToken) Wait() bool { <-t.done; return true }

func (t *fakeToken) WaitTimeout(d time.Duration) bool {
	select {
	case <-t.done:
		return true
	case <-time.After(d):
		return false
	}
}

func (t *fakeToken) Done() <-chan struct{} { return t.done }
func (t *fakeToken) Error() error { return t.err }

// fakeMQTTClient records publishes. Methods it does not override panic.
type fakeMQTTClient struct {
	mqtt.Client
	connected bool
	token     mqtt.Token

	topic   string
	qos     byte
	payload []byte
}

func (c *fakeMQTTClient) IsConnectionOpen() bool { return c.connected }

func (c *fakeMQTTClient) Publish(topic string, qos byte, retained bool, payload any) mqtt.Token {
	c.topic = topic
	c.qos = qos
	c.payload = payload.([]byte)
	return c.token
}

func TestMQTTNotifierReport(t *testing.T) {
	client := &fakeMQTTClient{connected: true, token: completedToken(nil)}
	n := NewMQTTNotifier(client, MQTTConfig{Topic: "home/motion", QoS: 1}, testLogger())

	a := newTestAlert()
	a.SnapshotPath = "/tmp/home_surveillance/x.jpg"
	require.NoError(t, n.Report(t.Context(), a))

	assert.Equal(t, "home/motion", client.topic)
	assert.Equal(t, byte(1), client.qos)
	assert.Equal(t, int64(1), n.Published())

	var got alertPayload
	require.NoError(t, json.Unmarshal(client.payload, &got))
	assert.Equal(t, a.ID.String(), got.ID)
	assert.Equal(t, a.Region, got.Region)
	assert.Equal(t, uint64(42), got.FrameSeq)
	assert.Equal(t, a.SnapshotPath, got.Snapshot)
}

func TestMQTTNotifierErrors(t *testing.T) {
	tests := []struct {
		name   string
		client *fakeMQTTClient
	}{
		{
			name:   "not connected",
			client: &fakeMQTTClient{connected: false},
		},
		{
			name:   "publish error",
			client: &fakeMQTTClient{connected: true, token: completedToken(errors.New("not authorised"))},
		},
		{
			name:   "publish never completes",
			client: &fakeMQTTClient{connected: true, token: &fakeToken{done: make(chan struct{})}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			n := NewMQTTNotifier(tt.client, MQTTConfig{Topic: "home/motion"}, testLogger())

			ctx, cancel := context.WithTimeout(t.Context(), 50*time.Millisecond)
			defer cancel()

			assert.Error(t, n.Report(ctx, newTestAlert()))
			assert.Zero(t, n.Published())
		})
	}
}
