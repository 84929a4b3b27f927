package transport

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTransportCloseClosesBoth(t *testing.T) {
	pub := &stubPublisher{}
	sub := &stubSubscriber{}
	assert.NoError(t, Transport{Publisher: pub, Subscriber: sub}.Close())
	assert.Equal(t, 1, pub.closed)
	assert.Equal(t, 1, sub.closed)
}

func TestTransportCloseSharedPubSubOnce(t *testing.T) {
	ps := &stubPubSub{}
	assert.NoError(t, Transport{Publisher: ps, Subscriber: ps}.Close())
	assert.Equal(t, 1, ps.stubPublisher.closed)
}

func TestTransportCloseEmpty(t *testing.T) {
	assert.NoError(t, Transport{}.Close())
}

func TestConfigInterfaceSatisfied(t *testing.T) {
	var cfg Config = &stubConfig{pubSubSystem: "mock"}
	assert.Equal(t, "mock", cfg.GetPubSubSystem())
	assert.Equal(t, "billing", cfg.GetConsumerGroup())
}
