package transport

// Capabilities describes the delivery semantics of a transport backend.
// The Channel inspects them to warn about degraded request routing.
type Capabilities struct {
	// Name is the human-readable name of the transport.
	Name string

	// CompetingConsumers indicates that several subscribers of one topic share
	// its messages, each message reaching exactly one of them. When false every
	// subscriber receives every message and service-addressed requests are
	// handled by all sessions of the service.
	CompetingConsumers bool

	// Durable indicates messages survive a restart of the broker or process.
	Durable bool

	// SupportsOrdering indicates the transport preserves publish order per topic.
	SupportsOrdering bool

	// SupportsAck indicates the transport supports explicit message acknowledgment.
	SupportsAck bool

	// SupportsNack indicates the transport redelivers negatively acknowledged messages.
	SupportsNack bool

	// MaxMessageSize is the maximum message size in bytes (0 = unlimited/unknown).
	MaxMessageSize int64
}

// SupportsReliableDelivery returns true if the transport supports at-least-once
// delivery semantics (ack + nack).
func (c Capabilities) SupportsReliableDelivery() bool {
	return c.SupportsAck && c.SupportsNack
}

// FansOutRequests reports whether a service-addressed request reaches every
// session of the service instead of a single one.
func (c Capabilities) FansOutRequests() bool {
	return !c.CompetingConsumers
}

// Predefined capability sets for the built-in transports.
var (
	// MockCapabilities for the in-memory round-robin test transport.
	MockCapabilities = Capabilities{
		Name:               "mock",
		CompetingConsumers: true,
		SupportsOrdering:   true,
		SupportsAck:        true,
		SupportsNack:       true,
	}

	// ChannelCapabilities for the in-memory watermill gochannel transport.
	ChannelCapabilities = Capabilities{
		Name:             "channel",
		SupportsOrdering: true,
		SupportsAck:      true,
		SupportsNack:     true,
	}

	// KafkaCapabilities for Apache Kafka transport.
	KafkaCapabilities = Capabilities{
		Name:               "kafka",
		CompetingConsumers: true,
		Durable:            true,
		SupportsOrdering:   true,
		SupportsAck:        true,
		MaxMessageSize:     1048576,
	}

	// RabbitMQCapabilities for RabbitMQ/AMQP transport.
	RabbitMQCapabilities = Capabilities{
		Name:               "rabbitmq",
		CompetingConsumers: true,
		Durable:            true,
		SupportsOrdering:   true,
		SupportsAck:        true,
		SupportsNack:       true,
	}

	// NATSCapabilities for NATS Core transport with queue groups.
	NATSCapabilities = Capabilities{
		Name:               "nats",
		CompetingConsumers: true,
		MaxMessageSize:     1048576,
	}

	// NATSJetStreamCapabilities for NATS JetStream transport.
	NATSJetStreamCapabilities = Capabilities{
		Name:               "nats-jetstream",
		CompetingConsumers: true,
		Durable:            true,
		SupportsOrdering:   true,
		SupportsAck:        true,
		SupportsNack:       true,
		MaxMessageSize:     1048576,
	}

	// AWSCapabilities for AWS SNS/SQS transport.
	AWSCapabilities = Capabilities{
		Name:               "aws",
		CompetingConsumers: true,
		Durable:            true,
		SupportsAck:        true,
		SupportsNack:       true,
		MaxMessageSize:     262144,
	}

	// SQLiteCapabilities for the SQLite backed queue.
	SQLiteCapabilities = Capabilities{
		Name:               "sqlite",
		CompetingConsumers: true,
		Durable:            true,
		SupportsOrdering:   true,
		SupportsAck:        true,
		SupportsNack:       true,
	}

	// PostgresCapabilities for the PostgreSQL backed queue.
	PostgresCapabilities = Capabilities{
		Name:               "postgres",
		CompetingConsumers: true,
		Durable:            true,
		SupportsOrdering:   true,
		SupportsAck:        true,
		SupportsNack:       true,
	}

	// HTTPCapabilities for HTTP-based transport.
	HTTPCapabilities = Capabilities{
		Name:               "http",
		CompetingConsumers: true,
	}
)

// GetCapabilities returns the capabilities registered for a transport name.
// Returns a Capabilities value carrying only the name if the transport is unknown.
func GetCapabilities(transportName string) Capabilities {
	return DefaultRegistry.GetCapabilities(transportName)
}
