// Package channel provides an in-memory transport on watermill's gochannel.
// Every subscriber of a topic receives every message, so service-addressed
// requests fan out to all sessions of the service and the first reply wins.
package channel

import (
	"context"
	"sync"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"

	"github.com/drblury/flowrpc/transport"
)

// TransportName is the name used to register this transport.
const TransportName = "channel"

// OutputChannelBuffer is the per-subscription buffer of the gochannel.
const OutputChannelBuffer = 256

// Factory allows overriding the channel creation for testing.
var Factory = func(cfg gochannel.Config, logger watermill.LoggerAdapter) (message.Publisher, message.Subscriber) {
	pubSub := gochannel.NewGoChannel(cfg, logger)
	return pubSub, pubSub
}

var (
	sharedOnce sync.Once
	sharedPub  message.Publisher
	sharedSub  message.Subscriber
)

func init() {
	transport.RegisterWithCapabilities(TransportName, Build, transport.ChannelCapabilities)
}

// Build returns a view of the process-wide gochannel so that every channel
// built in this process shares one bus. Closing the view leaves the bus open;
// subscriptions end when their context is cancelled.
func Build(ctx context.Context, cfg transport.Config, logger watermill.LoggerAdapter) (transport.Transport, error) {
	sharedOnce.Do(func() {
		sharedPub, sharedSub = Factory(gochannel.Config{OutputChannelBuffer: OutputChannelBuffer}, logger)
	})
	return transport.Transport{
		Publisher:  view{Publisher: sharedPub},
		Subscriber: subscriberView{Subscriber: sharedSub},
	}, nil
}

// New builds a private gochannel bus, for tests that must not share state.
func New(logger watermill.LoggerAdapter) transport.Transport {
	pub, sub := Factory(gochannel.Config{OutputChannelBuffer: OutputChannelBuffer}, logger)
	return transport.Transport{Publisher: pub, Subscriber: sub}
}

// Capabilities returns the capabilities of this transport.
func Capabilities() transport.Capabilities {
	return transport.ChannelCapabilities
}

type view struct {
	message.Publisher
}

func (view) Close() error { return nil }

type subscriberView struct {
	message.Subscriber
}

func (subscriberView) Close() error { return nil }
