package mqtt

import (
	"context"
	"testing"
	"time"

	"github.com/eclipse/paho.golang/paho"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMatchTopic(t *testing.T) {
	tests := []struct {
		filter, topic string
		want          bool
	}{
		{"iov/v1/updater/edge/phase", "iov/v1/updater/edge/phase", true},
		{"iov/v1/updater/edge/command/+", "iov/v1/updater/edge/command/rollback", true},
		{"iov/v1/updater/edge/command/+", "iov/v1/updater/edge/command", false},
		{"iov/v1/updater/edge/command/+", "iov/v1/updater/edge/command/rollback/x", false},
		{"iov/v1/updater/+/phase", "iov/v1/updater/edge/events/x", false},
		{"iov/v1/updater/#", "iov/v1/updater/edge/events/rollback.completed", true},
		{"iov/v1/updater/#", "iov/v1/updater", true},
		{"iov/v1/updater/edge", "iov/v1/updater/edge/phase", false},
		{"iov/v1/+/edge/phase", "iov/v1/updater", false},
		{"$share/ops/iov/v1/updater/+/phase", "iov/v1/updater/edge/phase", true},
	}

	for _, tt := range tests {
		t.Run(tt.filter+"|"+tt.topic, func(t *testing.T) {
			assert.Equal(t, tt.want, matchTopic(tt.filter, tt.topic))
		})
	}
}

func TestValidFilter(t *testing.T) {
	assert.NoError(t, validFilter("iov/v1/updater/+/command/#"))
	assert.NoError(t, validFilter("$share/ops/iov/v1/updater/+/phase"))
	assert.Error(t, validFilter(""))
	assert.Error(t, validFilter("iov/#/phase"))
	assert.Error(t, validFilter("iov/v1+/phase"))
}

func TestNewClientValidatesConfig(t *testing.T) {
	_, err := NewClient(nil)
	assert.Error(t, err)

	_, err = NewClient(&ClientConfig{})
	assert.Error(t, err)

	_, err = NewClient(&ClientConfig{BrokerURL: "tcp://localhost:1883", WillTopic: "x", WillQoS: 3})
	assert.Error(t, err)

	c, err := NewClient(&ClientConfig{BrokerURL: "tcp://localhost:1883"})
	require.NoError(t, err)
	assert.ErrorIs(t, c.Publish(context.Background(), "x", 1, false, nil), errNotStarted)
	assert.ErrorIs(t, c.Subscribe(context.Background(), "x/+", 1, nil), errNotStarted)
}

func TestDispatchRoutesToMatchingHandlers(t *testing.T) {
	c := &pahoClient{cfg: &ClientConfig{}, ctx: context.Background(), subs: map[string]subscription{}}

	got := make(chan string, 2)
	c.subs["iov/v1/updater/edge/command/+"] = subscription{qos: 1, handler: func(_ context.Context, topic string, payload []byte) {
		got <- topic + " " + string(payload)
	}}
	c.subs["iov/v1/updater/other/command/+"] = subscription{qos: 1, handler: func(context.Context, string, []byte) {
		t.Error("handler for another instance called")
	}}

	ok, err := c.dispatch(paho.PublishReceived{Packet: &paho.Publish{
		Topic:   "iov/v1/updater/edge/command/check",
		Payload: []byte("{}"),
	}})
	require.NoError(t, err)
	assert.True(t, ok)

	select {
	case msg := <-got:
		assert.Equal(t, "iov/v1/updater/edge/command/check {}", msg)
	case <-time.After(time.Second):
		t.Fatal("handler not called")
	}

	// unmatched topics are acknowledged and dropped
	ok, err = c.dispatch(paho.PublishReceived{Packet: &paho.Publish{Topic: "iov/v1/updater/edge/phase"}})
	require.NoError(t, err)
	assert.True(t, ok)
}
