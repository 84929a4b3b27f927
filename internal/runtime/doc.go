/*
Package runtime provides the request/reply reliability layer of flowrpc.

# Architecture Overview

A Channel runs on a watermill publisher and subscriber built by the transport
registry. Every message it sends is an envelope: the payload plus metadata
naming the kind, correlation id and sending session. Four mechanisms turn
those one-way envelopes into awaitable calls:

  - pending/: correlates replies with outstanding calls and bounds every wait
  - liveness/: classifies remote sessions from their heartbeats
  - throttle/: bounds concurrently served requests, FIFO fair
  - dispatch/: round-robin consumer tables per destination

# Package Structure

## Channel (channel.go)

The Channel struct is the composition root that wires together:
  - Message router (Watermill) with the middleware chain
  - Publisher and subscriber connections
  - A circuit breaker on the publish path
  - HTTP servers for metrics and the monitor endpoints

## Calls (client.go, server.go, heartbeat.go)

  - client.go: Go, Call and the reply inbox
  - server.go: Handle, admission and serving of requests
  - heartbeat.go: heartbeats to waiting callers and the liveness Sweep

## Typed payloads (codec.go)

CallJSON, HandleJSON, CallProto and HandleProto wrap the byte level API with
the builders of the handlers/ sub-package.

## Middleware (middleware.go)

  - LogMessages: Debug logging of inbound envelopes
  - Tracer: OpenTelemetry spans
  - Metrics: Watermill router metrics and the Prometheus endpoint
  - PoisonQueue: Forwarding of unprocessable envelopes
  - Recoverer: Panic recovery

## Monitoring (metrics.go, monitor.go)

Prometheus collectors for calls, served requests, liveness, pending calls and
the throttle, plus JSON endpoints for Stats and Peers.

# Topics

With prefix P, a service S and a session X:

	P.S.requests      shared request queue of S
	P.S.X.requests    requests addressed to session X
	P.S.X.replies     replies, faults, acceptances and heartbeats for X

# Usage Example

	server, err := runtime.NewChannel(ctx, &configpkg.Config{ServiceName: "orders", PubSubSystem: "nats", NATSURL: url}, logger, runtime.ChannelDependencies{})
	_, err = server.Handle("orders.get", getOrder)
	go server.Start(ctx)

	reply, err := client.Call(ctx, runtime.ServiceTarget("orders"), "orders.get", payload, runtime.WithTimeout(time.Second))
*/
package runtime
