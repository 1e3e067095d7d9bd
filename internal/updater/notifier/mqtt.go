// Package notifier forwards bus events to an MQTT broker so fleet
// dashboards can follow each instance, and optionally accepts operator
// commands on the instance's command topic.
package notifier

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/autopeer-io/updater/internal/updater/core"
	"github.com/autopeer-io/updater/internal/updater/core/model"
	"github.com/autopeer-io/updater/pkg/log"
	pkgmqtt "github.com/autopeer-io/updater/pkg/mqtt"
	"github.com/autopeer-io/updater/pkg/mqtt/topic"
)

const publishTimeout = 5 * time.Second

// PhasePayload is the retained message on the phase topic.
type PhasePayload struct {
	Phase   model.Phase `json:"phase"`
	Version string      `json:"version,omitempty"`
	Time    time.Time   `json:"time"`
}

// OfflinePayload is registered as the will message on the phase topic.
func OfflinePayload() []byte {
	return []byte(`{"phase":"offline"}`)
}

// MQTTNotifier publishes each bus event on its own topic and keeps the
// retained phase topic current.
type MQTTNotifier struct {
	client    pkgmqtt.Client
	topics    *topic.TopicBuilder
	instance  string
	events    <-chan core.Event
	commander Commander
	log       log.Logger
}

// NewMQTTNotifier returns a notifier for instance that drains events.
// It owns client and starts it in Start.
func NewMQTTNotifier(client pkgmqtt.Client, topics *topic.TopicBuilder, instance string, events <-chan core.Event) *MQTTNotifier {
	return &MQTTNotifier{
		client:   client,
		topics:   topics,
		instance: instance,
		events:   events,
		log:      log.WithName("notifier").WithValues("instance", instance),
	}
}

// WithCommands routes the instance's command topic to c.
func (n *MQTTNotifier) WithCommands(c Commander) *MQTTNotifier {
	n.commander = c
	return n
}

// Start connects and forwards events until ctx is done or the
// subscription closes. Publish failures are logged and dropped.
func (n *MQTTNotifier) Start(ctx context.Context) error {
	if err := n.client.Start(ctx); err != nil {
		return err
	}
	defer func() {
		dctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
		defer cancel()
		n.client.Disconnect(dctx)
	}()

	if n.commander != nil {
		filter := n.topics.CommandWildcard(n.instance)
		if err := n.client.Subscribe(ctx, filter, 1, n.handleCommand); err != nil {
			return fmt.Errorf("subscribe to commands: %w", err)
		}
		n.log.Info("Accepting remote commands", "filter", filter)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case e, ok := <-n.events:
			if !ok {
				return nil
			}
			n.forward(ctx, e)
		}
	}
}

func (n *MQTTNotifier) forward(ctx context.Context, e core.Event) {
	pctx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()

	if e.Type == core.EventPhaseChanged {
		payload, err := json.Marshal(PhasePayload{Phase: e.Phase, Version: e.Version, Time: e.Time})
		if err != nil {
			n.log.Error(err, "Failed to marshal phase")
			return
		}
		if err := n.client.Publish(pctx, n.topics.Phase(n.instance), 1, true, payload); err != nil {
			n.log.Warn("Failed to publish phase", "phase", e.Phase, "error", err)
		}
	}

	payload, err := json.Marshal(e)
	if err != nil {
		n.log.Error(err, "Failed to marshal event", "type", e.Type)
		return
	}
	t := n.topics.Event(n.instance, string(e.Type))
	if err := n.client.Publish(pctx, t, 1, false, payload); err != nil {
		n.log.Warn("Failed to publish event", "topic", t, "error", err)
		return
	}
	n.log.Debug("Event published", "topic", t)
}
