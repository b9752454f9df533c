package app

import (
	"net"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/vladislavdragonenkov/checkout/internal/domain"
	"github.com/vladislavdragonenkov/checkout/internal/service/outbox"
)

func TestOutboxTransport_LogsWithoutBrokers(t *testing.T) {
	transport := newOutboxTransport(validConfig(), testLogger())
	defer transport.Close()

	require.IsType(t, &outbox.LogPublisher{}, transport.publisher)
	require.Nil(t, transport.dlq)
	require.Nil(t, transport.probe)
	require.NoError(t, transport.publisher.Publish(t.Context(), domain.OutboxMessage{
		ID:          "evt-1",
		EventType:   domain.EventOrderNotification,
		AggregateID: "order-1",
		Payload:     []byte(`{}`),
	}))
}

func TestOutboxTransport_FallsBackWhenKafkaIsDown(t *testing.T) {
	cfg := validConfig()
	// порт 1 на loopback закрыт, соединение отклоняется сразу
	cfg.KafkaBrokers = "127.0.0.1:1"

	transport := newOutboxTransport(cfg, testLogger())
	require.Nil(t, transport.producer)
	require.IsType(t, &outbox.LogPublisher{}, transport.publisher)
	require.Nil(t, transport.probe)

	transport.Close()
	var none *outboxTransport
	none.Close()
}

func TestBrokerDialCheck(t *testing.T) {
	require.Error(t, brokerDialCheck([]string{"127.0.0.1:1"})(t.Context()))

	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer lis.Close()
	go func() {
		if conn, err := lis.Accept(); err == nil {
			_ = conn.Close()
		}
	}()
	require.NoError(t, brokerDialCheck([]string{"127.0.0.1:1", lis.Addr().String()})(t.Context()))
}
