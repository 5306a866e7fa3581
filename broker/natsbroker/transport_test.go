package natsbroker

import (
	"testing"

	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/telemetryrelay/broker"
	"github.com/c360/telemetryrelay/errors"
	"github.com/c360/telemetryrelay/natsclient"
)

func newTransport(t *testing.T, opts ...Option) *Transport {
	t.Helper()
	client, err := natsclient.NewClient("nats://127.0.0.1:4222")
	require.NoError(t, err)
	tr, err := New(client, opts...)
	require.NoError(t, err)
	return tr
}

func TestNew_Validation(t *testing.T) {
	_, err := New(nil)
	assert.ErrorIs(t, err, errors.ErrMissingConfig)

	client, err := natsclient.NewClient("nats://127.0.0.1:4222")
	require.NoError(t, err)
	_, err = New(client, WithPrefix("bad.prefix"))
	assert.ErrorIs(t, err, errors.ErrInvalidConfig)
}

func TestNaming(t *testing.T) {
	tr := newTransport(t, WithPrefix("relay"))

	assert.Equal(t, "RELAY_CAR-DATA", tr.StreamName("car-data"))
	assert.Equal(t, "relay.car-data.run_1_lap_2", tr.Subject("car-data", "run.1 lap*2"))
}

func TestMsg_RoundTrip(t *testing.T) {
	tr := newTransport(t)
	frame := broker.Frame{
		Topic:    "laps",
		StreamID: "stream-1",
		Kind:     broker.FrameData,
		Feed:     "chassis",
		Seq:      42,
		Encoding: "cbor",
		Payload:  []byte{1, 2, 3},
	}

	msg := tr.EncodeMsg(frame)
	assert.Equal(t, "telemetry.laps.stream-1", msg.Subject)
	assert.Equal(t, "stream-1/42", msg.Header.Get(nats.MsgIdHdr))

	decoded, err := DecodeMsg("laps", msg.Header, msg.Data)
	require.NoError(t, err)
	assert.Equal(t, frame, decoded)
}

func TestDecodeMsg_Malformed(t *testing.T) {
	header := nats.Header{}
	header.Set(HeaderStream, "s")
	header.Set(HeaderKind, "data")
	header.Set(HeaderSeq, "not-a-number")

	_, err := DecodeMsg("t", header, nil)
	assert.ErrorIs(t, err, errors.ErrInvalidData)

	header.Set(HeaderKind, "unknown")
	_, err = DecodeMsg("t", header, nil)
	assert.ErrorIs(t, err, errors.ErrInvalidData)

	header.Set(HeaderKind, "data")
	header.Set(HeaderSeq, "1")
	header.Del(HeaderStream)
	_, err = DecodeMsg("t", header, nil)
	assert.ErrorIs(t, err, errors.ErrInvalidData)
}

func TestOpenOutputTopic_RejectsInvalidTopic(t *testing.T) {
	tr := newTransport(t)
	_, err := tr.OpenOutputTopic(t.Context(), "a.b")
	assert.ErrorIs(t, err, errors.ErrInvalidConfig)
}

func TestOpenOutputTopic_NotConnected(t *testing.T) {
	tr := newTransport(t)
	_, err := tr.OpenOutputTopic(t.Context(), "laps")
	require.Error(t, err)
	assert.True(t, errors.IsTransient(err))
}
