// Package flowrpc adds request/reply semantics on top of one-way message
// transports. A Channel publishes requests to a service queue, correlates the
// replies that come back on its own inbox and fails every call with a precise
// reason: a timeout, an unreachable peer, an admission rejection or a remote
// handler fault.
//
// Four mechanisms cooperate inside a Channel:
//   - a pending registry correlates replies to callers and drops late ones
//   - a liveness graph demotes silent sessions to flatlined and evicts them
//     one heartbeat interval later, failing the calls they were serving
//   - an admission throttle bounds the requests a session serves at once
//   - a round-robin dispatch table hands requests to the registered handlers
//
// # Transports
//
// The transport is read from Config.PubSubSystem:
//   - mock: in-process hub with competing consumers and loss injection
//   - channel: in-memory Go channels
//   - kafka: consumer groups over Sarama
//   - rabbitmq: AMQP durable queues
//   - aws: SNS topics fanned into SQS queues, LocalStack supported
//   - nats and nats-jetstream: core NATS or JetStream durable consumers
//   - http: webhook style delivery
//   - sqlite and postgres: SQL backed queues with retries and a dead table
//
// # Usage
//
// Create a Channel with NewChannel, register handlers with Handle, HandleJSON
// or HandleProto, and run it with Start. Any Channel can call others with Call,
// Go, CallJSON or CallProto; a Channel without handlers only calls and never
// competes for requests.
//
// Metrics go to Prometheus when Config.MetricsEnabled is set, and
// Config.MonitorEnabled serves /api/stats and /api/peers as JSON.
package flowrpc
