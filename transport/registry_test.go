package transport

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubConfig struct {
	pubSubSystem string
}

func (m *stubConfig) GetPubSubSystem() string       { return m.pubSubSystem }
func (m *stubConfig) GetConsumerGroup() string      { return "billing" }
func (m *stubConfig) GetKafkaBrokers() []string     { return nil }
func (m *stubConfig) GetRabbitMQURL() string        { return "" }
func (m *stubConfig) GetNATSURL() string            { return "" }
func (m *stubConfig) GetHTTPServerAddress() string  { return "" }
func (m *stubConfig) GetHTTPPublisherURL() string   { return "" }
func (m *stubConfig) GetSQLiteFile() string         { return "" }
func (m *stubConfig) GetPostgresURL() string        { return "" }
func (m *stubConfig) GetAWSRegion() string          { return "" }
func (m *stubConfig) GetAWSAccountID() string       { return "" }
func (m *stubConfig) GetAWSAccessKeyID() string     { return "" }
func (m *stubConfig) GetAWSSecretAccessKey() string { return "" }
func (m *stubConfig) GetAWSEndpoint() string        { return "" }

type stubPublisher struct{ closed int }

func (m *stubPublisher) Publish(topic string, messages ...*message.Message) error { return nil }
func (m *stubPublisher) Close() error {
	m.closed++
	return nil
}

type stubSubscriber struct{ closed int }

func (m *stubSubscriber) Subscribe(ctx context.Context, topic string) (<-chan *message.Message, error) {
	ch := make(chan *message.Message)
	close(ch)
	return ch, nil
}

func (m *stubSubscriber) Close() error {
	m.closed++
	return nil
}

type stubPubSub struct {
	stubPublisher
	stubSubscriber
}

func (s *stubPubSub) Close() error {
	s.stubPublisher.closed++
	return nil
}

func stubBuilder(ctx context.Context, cfg Config, logger watermill.LoggerAdapter) (Transport, error) {
	return Transport{Publisher: &stubPublisher{}, Subscriber: &stubSubscriber{}}, nil
}

func TestRegistryRegisterAndBuild(t *testing.T) {
	reg := NewRegistry()
	assert.Empty(t, reg.Names())

	var gotLogger watermill.LoggerAdapter
	reg.Register("Test-Transport", func(ctx context.Context, cfg Config, logger watermill.LoggerAdapter) (Transport, error) {
		gotLogger = logger
		return stubBuilder(ctx, cfg, logger)
	})
	assert.True(t, reg.Has("test-transport"))
	assert.Equal(t, "Test-Transport", reg.GetCapabilities("test-transport").Name)

	tr, err := reg.Build(context.Background(), &stubConfig{pubSubSystem: "TEST-transport"}, nil)
	require.NoError(t, err)
	assert.NotNil(t, tr.Publisher)
	assert.NotNil(t, tr.Subscriber)
	assert.NotNil(t, gotLogger, "a nil logger is replaced with a nop logger")
}

func TestRegistryRegisterWithCapabilities(t *testing.T) {
	reg := NewRegistry()
	reg.RegisterWithCapabilities("mock", stubBuilder, MockCapabilities)

	caps := reg.GetCapabilities("mock")
	assert.True(t, caps.CompetingConsumers)
	assert.False(t, caps.FansOutRequests())

	unknown := reg.GetCapabilities("unknown")
	assert.Equal(t, "unknown", unknown.Name)
	assert.True(t, unknown.FansOutRequests())
}

func TestRegistryBuildErrors(t *testing.T) {
	reg := NewRegistry()

	_, err := reg.Build(context.Background(), nil, nil)
	assert.ErrorContains(t, err, "config is required")

	_, err = reg.Build(context.Background(), &stubConfig{pubSubSystem: "missing"}, nil)
	assert.ErrorContains(t, err, "unknown transport")

	boom := errors.New("builder error")
	reg.Register("failing", func(context.Context, Config, watermill.LoggerAdapter) (Transport, error) {
		return Transport{}, boom
	})
	_, err = reg.Build(context.Background(), &stubConfig{pubSubSystem: "failing"}, nil)
	assert.ErrorIs(t, err, boom)
	assert.ErrorContains(t, err, "build failing transport")
}

func TestRegistryNamesAreSorted(t *testing.T) {
	reg := NewRegistry()
	for _, name := range []string{"sqlite", "aws", "kafka"} {
		reg.Register(name, stubBuilder)
	}
	assert.Equal(t, []string{"aws", "kafka", "sqlite"}, reg.Names())
}

func TestRegistryConcurrentAccess(t *testing.T) {
	reg := NewRegistry()
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				reg.Register("transport", stubBuilder)
				reg.Has("transport")
				reg.Names()
				reg.GetCapabilities("transport")
			}
		}()
	}
	wg.Wait()
	assert.True(t, reg.Has("transport"))
}

func TestPackageLevelRegistration(t *testing.T) {
	RegisterWithCapabilities("test-pkg-caps-transport", stubBuilder, Capabilities{Name: "test-pkg-caps-transport", Durable: true})
	assert.True(t, DefaultRegistry.Has("test-pkg-caps-transport"))
	assert.True(t, GetCapabilities("test-pkg-caps-transport").Durable)

	Register("test-pkg-transport", stubBuilder)
	tr, err := Build(context.Background(), &stubConfig{pubSubSystem: "test-pkg-transport"}, nil)
	require.NoError(t, err)
	assert.NoError(t, tr.Close())
}
