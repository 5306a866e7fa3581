package amqpbroker

import (
	"context"
	"testing"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/telemetryrelay/broker"
	"github.com/c360/telemetryrelay/errors"
)

func TestPublishing_RoundTrip(t *testing.T) {
	frame := broker.Frame{
		Topic:    "laps",
		StreamID: "stream-1",
		Kind:     broker.FrameSamples,
		Feed:     "engine",
		Seq:      7,
		Encoding: "json",
		Payload:  []byte(`{"a":1}`),
	}

	pub := EncodePublishing(frame)
	assert.Equal(t, amqp.Persistent, pub.DeliveryMode)
	assert.Equal(t, "stream-1/7", pub.MessageId)

	decoded, err := DecodeDelivery("laps", pub.Headers, pub.Body)
	require.NoError(t, err)
	assert.Equal(t, frame, decoded)
}

func TestDecodeDelivery_AcceptsInt32Sequence(t *testing.T) {
	headers := amqp.Table{HeaderStream: "s", HeaderKind: "session", HeaderSeq: int32(3), HeaderEncoding: "json"}
	frame, err := DecodeDelivery("t", headers, nil)
	require.NoError(t, err)
	assert.Equal(t, uint64(3), frame.Seq)
	assert.Equal(t, broker.FrameSession, frame.Kind)
}

func TestDecodeDelivery_Malformed(t *testing.T) {
	_, err := DecodeDelivery("t", amqp.Table{HeaderStream: "s", HeaderKind: "data", HeaderSeq: "x"}, nil)
	assert.ErrorIs(t, err, errors.ErrInvalidData)

	_, err = DecodeDelivery("t", amqp.Table{HeaderStream: "s", HeaderKind: "nope", HeaderSeq: int64(1)}, nil)
	assert.ErrorIs(t, err, errors.ErrInvalidData)

	_, err = DecodeDelivery("t", amqp.Table{HeaderKind: "data", HeaderSeq: int64(1)}, nil)
	assert.ErrorIs(t, err, errors.ErrInvalidData)
}

func TestQueueName(t *testing.T) {
	assert.Equal(t, "models.laps", QueueName("models", "laps"))
}

func TestDial_RequiresURL(t *testing.T) {
	_, err := Dial("")
	assert.ErrorIs(t, err, errors.ErrMissingConfig)
}

func TestClosedTransport(t *testing.T) {
	tr := New(nil)
	require.NoError(t, tr.Close(t.Context()))

	_, err := tr.OpenOutputTopic(t.Context(), "laps")
	assert.ErrorIs(t, err, errors.ErrAlreadyStopped)
	_, err = tr.OpenOutputTopic(t.Context(), "")
	assert.ErrorIs(t, err, errors.ErrInvalidConfig)
}

func TestDisconnectedTransport(t *testing.T) {
	tr := New(nil)
	_, err := tr.Subscribe(t.Context(), "laps", "", func(_ context.Context, _ broker.Frame) error { return nil })
	require.Error(t, err)
	assert.True(t, errors.IsTransient(err))
}
