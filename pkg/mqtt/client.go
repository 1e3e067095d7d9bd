package mqtt

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/eclipse/paho.golang/autopaho"
	"github.com/eclipse/paho.golang/paho"

	"github.com/autopeer-io/updater/pkg/log"
)

const (
	reconnectBackoff = 3 * time.Second
	subscribeTimeout = 10 * time.Second
)

var errNotStarted = errors.New("mqtt client not started")

type subscription struct {
	qos     byte
	handler MessageHandler
}

type pahoClient struct {
	cfg *ClientConfig
	cm  *autopaho.ConnectionManager
	ctx context.Context

	up atomic.Bool

	mu   sync.RWMutex
	subs map[string]subscription
}

// NewClient validates cfg and returns an unstarted client.
func NewClient(cfg *ClientConfig) (Client, error) {
	if cfg == nil {
		return nil, fmt.Errorf("mqtt config is required")
	}
	setDefaultConfig(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid mqtt config: %w", err)
	}
	return &pahoClient{cfg: cfg, subs: make(map[string]subscription)}, nil
}

func (c *pahoClient) Start(ctx context.Context) error {
	broker, err := url.Parse(c.cfg.BrokerURL)
	if err != nil {
		return err
	}

	c.ctx = ctx
	cm, err := autopaho.NewConnection(ctx, autopaho.ClientConfig{
		ServerUrls:                    []*url.URL{broker},
		KeepAlive:                     c.cfg.KeepAlive,
		CleanStartOnInitialConnection: c.cfg.CleanStart,
		SessionExpiryInterval:         c.cfg.SessionExpiry,
		ReconnectBackoff:              autopaho.NewConstantBackoff(reconnectBackoff),
		ConnectTimeout:                c.cfg.ConnectTimeout,
		ConnectUsername:               c.cfg.Username,
		ConnectPassword:               []byte(c.cfg.Password),
		TlsCfg:                        &tls.Config{InsecureSkipVerify: c.cfg.InsecureSkipVerify},
		WillMessage:                   c.willMessage(),
		ClientConfig: paho.ClientConfig{
			ClientID:           c.cfg.ClientID,
			OnClientError:      c.onClientError,
			OnServerDisconnect: c.onServerDisconnect,
			OnPublishReceived:  []func(paho.PublishReceived) (bool, error){c.dispatch},
		},
		OnConnectionUp: c.onConnectionUp,
		OnConnectError: c.onConnectError,
	})
	if err != nil {
		return err
	}
	c.cm = cm
	log.Info("MQTT client started", "broker", c.cfg.BrokerURL, "clientID", c.cfg.ClientID)
	return nil
}

func (c *pahoClient) Disconnect(ctx context.Context) {
	if c.cm == nil {
		return
	}
	_ = c.cm.Disconnect(ctx)
	c.up.Store(false)
	log.Info("MQTT client disconnected")
}

func (c *pahoClient) Publish(ctx context.Context, topic string, qos int, retain bool, payload []byte) error {
	if c.cm == nil {
		return errNotStarted
	}
	_, err := c.cm.Publish(ctx, &paho.Publish{
		Topic:   topic,
		QoS:     byte(qos),
		Retain:  retain,
		Payload: payload,
	})
	return err
}

func (c *pahoClient) Subscribe(ctx context.Context, filter string, qos int, handler MessageHandler) error {
	if c.cm == nil {
		return errNotStarted
	}
	if err := validFilter(filter); err != nil {
		return err
	}

	c.mu.Lock()
	c.subs[filter] = subscription{qos: byte(qos), handler: handler}
	c.mu.Unlock()

	// Otherwise onConnectionUp sends it.
	if !c.up.Load() {
		log.Debug("MQTT subscription deferred until connected", "filter", filter)
		return nil
	}
	if _, err := c.cm.Subscribe(ctx, &paho.Subscribe{
		Subscriptions: []paho.SubscribeOptions{{Topic: filter, QoS: byte(qos)}},
	}); err != nil {
		return fmt.Errorf("subscribe %s: %w", filter, err)
	}
	log.Info("MQTT subscribed", "filter", filter)
	return nil
}

func (c *pahoClient) AwaitConnection(ctx context.Context) error {
	if c.cm == nil {
		return errNotStarted
	}
	return c.cm.AwaitConnection(ctx)
}

// onConnectionUp sends every registered filter in one SUBSCRIBE.
func (c *pahoClient) onConnectionUp(cm *autopaho.ConnectionManager, _ *paho.Connack) {
	c.up.Store(true)
	log.Info("MQTT connection established", "broker", c.cfg.BrokerURL)

	c.mu.RLock()
	opts := make([]paho.SubscribeOptions, 0, len(c.subs))
	for filter, s := range c.subs {
		opts = append(opts, paho.SubscribeOptions{Topic: filter, QoS: s.qos})
	}
	c.mu.RUnlock()
	if len(opts) == 0 {
		return
	}

	ctx, cancel := context.WithTimeout(c.ctx, subscribeTimeout)
	defer cancel()
	if _, err := cm.Subscribe(ctx, &paho.Subscribe{Subscriptions: opts}); err != nil {
		log.Error(err, "MQTT subscribe after connect failed", "filters", len(opts))
	}
}

func (c *pahoClient) onConnectError(err error) {
	c.up.Store(false)
	log.Warn("MQTT connect failed, retrying", "broker", c.cfg.BrokerURL, "error", err)
}

func (c *pahoClient) onClientError(err error) {
	c.up.Store(false)
	log.Error(err, "MQTT client error")
}

func (c *pahoClient) onServerDisconnect(d *paho.Disconnect) {
	c.up.Store(false)
	log.Warn("MQTT broker closed the connection", "reason", d.Properties.ReasonString)
}

// dispatch hands a received message to every matching handler on its own
// goroutine. Reception is always acknowledged.
func (c *pahoClient) dispatch(p paho.PublishReceived) (bool, error) {
	handlers := c.handlersFor(p.Packet.Topic)
	if len(handlers) == 0 {
		log.Debug("MQTT message without handler", "topic", p.Packet.Topic)
		return true, nil
	}
	for _, h := range handlers {
		go h(c.ctx, p.Packet.Topic, p.Packet.Payload)
	}
	return true, nil
}

func (c *pahoClient) handlersFor(topic string) []MessageHandler {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var out []MessageHandler
	for filter, s := range c.subs {
		if matchTopic(filter, topic) {
			out = append(out, s.handler)
		}
	}
	return out
}

func (c *pahoClient) willMessage() *paho.WillMessage {
	if c.cfg.WillTopic == "" {
		return nil
	}
	return &paho.WillMessage{
		Topic:   c.cfg.WillTopic,
		Payload: c.cfg.WillPayload,
		QoS:     c.cfg.WillQoS,
		Retain:  c.cfg.WillRetain,
	}
}

// validFilter rejects filters a broker would refuse: empty levels are
// allowed, wildcards must fill a whole level and "#" must come last.
func validFilter(filter string) error {
	if filter == "" {
		return errors.New("empty topic filter")
	}
	levels := strings.Split(shareless(filter), "/")
	for i, l := range levels {
		switch {
		case l == "#" && i != len(levels)-1:
			return fmt.Errorf("topic filter %q: # must be the last level", filter)
		case l != "#" && l != "+" && strings.ContainsAny(l, "#+"):
			return fmt.Errorf("topic filter %q: wildcard must fill a level", filter)
		}
	}
	return nil
}

// matchTopic reports whether topic is selected by filter. A trailing "#"
// also matches its parent level.
func matchTopic(filter, topic string) bool {
	filter = shareless(filter)
	for {
		fl, frest, fmore := strings.Cut(filter, "/")
		if fl == "#" {
			return true
		}
		tl, trest, tmore := strings.Cut(topic, "/")
		if fl != "+" && fl != tl {
			return false
		}
		switch {
		case !fmore && !tmore:
			return true
		case !tmore:
			return frest == "#"
		case !fmore:
			return false
		}
		filter, topic = frest, trest
	}
}

// shareless strips a "$share/<group>/" prefix.
func shareless(filter string) string {
	if rest, ok := strings.CutPrefix(filter, "$share/"); ok {
		if _, f, ok := strings.Cut(rest, "/"); ok {
			return f
		}
	}
	return filter
}
