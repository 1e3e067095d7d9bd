package mqtt

import (
	"context"
)

// MessageHandler processes one message received on a subscribed filter.
type MessageHandler func(ctx context.Context, topic string, payload []byte)

// Client is the broker connection used by the updater daemon.
type Client interface {
	// Start dials the broker in the background and returns immediately.
	// Reconnects are automatic until ctx is done.
	Start(ctx context.Context) error

	// Disconnect closes the connection. The will message is not sent.
	Disconnect(ctx context.Context)

	// Publish sends payload to topic. It fails while the connection is down.
	Publish(ctx context.Context, topic string, qos int, retain bool, payload []byte) error

	// Subscribe routes messages matching filter to handler. The filter is
	// sent now when connected and again on every reconnect.
	Subscribe(ctx context.Context, filter string, qos int, handler MessageHandler) error

	// AwaitConnection blocks until the broker accepted the connection.
	AwaitConnection(ctx context.Context) error
}
