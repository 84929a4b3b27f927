package runtime

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/drblury/flowrpc/internal/runtime/liveness"
	metadatapkg "github.com/drblury/flowrpc/internal/runtime/metadata"
)

func TestTargetString(t *testing.T) {
	assert.Equal(t, "billing", ServiceTarget("billing").String())
	assert.Equal(t, "billing/s1", SessionTarget("billing", "s1").String())
	assert.Equal(t, SessionTarget("billing", "s1"), parseTarget("billing/s1"))
	assert.Equal(t, ServiceTarget("billing"), parseTarget("billing"))
}

func TestTopicNames(t *testing.T) {
	tp := topics{prefix: "P"}
	assert.Equal(t, "P.billing.requests", tp.requests(ServiceTarget("billing")))
	assert.Equal(t, "P.billing.s1.requests", tp.requests(SessionTarget("billing", "s1")))
	assert.Equal(t, "P.billing.s1.replies", tp.replies(liveness.SessionKey{Service: "billing", Session: "s1"}))
}

func TestRequestEnvelope(t *testing.T) {
	e := envelope{self: liveness.SessionKey{Service: "orders", Session: "o1"}}
	deadline := time.Date(2030, 1, 2, 3, 4, 5, 6, time.UTC)
	msg := e.request("c1", "charge", "P.orders.o1.replies", deadline, []byte("{}"),
		metadatapkg.Metadata{"tenant": "acme", metadatapkg.KeyKind: "forged"})

	md := metadatapkg.FromWatermill(msg.Metadata)
	assert.Equal(t, metadatapkg.KindRequest, md.Kind())
	assert.Equal(t, "c1", md.CorrelationID())
	assert.Equal(t, "charge", md[metadatapkg.KeyOperation])
	assert.Equal(t, "P.orders.o1.replies", md[metadatapkg.KeyReplyTo])
	service, session := md.Sender()
	assert.Equal(t, "orders", service)
	assert.Equal(t, "o1", session)
	got, ok := md.Deadline()
	assert.True(t, ok)
	assert.True(t, deadline.Equal(got))
	assert.Equal(t, metadatapkg.Metadata{"tenant": "acme"}, md.UserValues())
	assert.NotEmpty(t, msg.UUID)
}

func TestFaultAndControlEnvelopes(t *testing.T) {
	e := envelope{self: liveness.SessionKey{Service: "billing", Session: "b1"}}

	fault := metadatapkg.FromWatermill(e.fault("c1", "handler", "nope").Metadata)
	assert.Equal(t, metadatapkg.KindFault, fault.Kind())
	assert.Equal(t, "handler", fault[metadatapkg.KeyFaultKind])
	assert.Equal(t, "nope", fault[metadatapkg.KeyFaultMessage])

	accepted := metadatapkg.FromWatermill(e.accepted("c1").Metadata)
	assert.Equal(t, metadatapkg.KindAccepted, accepted.Kind())
	assert.Equal(t, "c1", accepted.CorrelationID())

	heartbeat := metadatapkg.FromWatermill(e.heartbeat().Metadata)
	assert.Equal(t, metadatapkg.KindHeartbeat, heartbeat.Kind())
	assert.Empty(t, heartbeat.CorrelationID())

	request := e.request("c2", "op", "inbox", time.Time{}, nil, nil)
	_, ok := metadatapkg.FromWatermill(request.Metadata).Deadline()
	assert.False(t, ok)
}
