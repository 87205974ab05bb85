package protocol

import (
	"bytes"
	"encoding/binary"
	"io"
	"testing"

	"github.com/fxamacker/cbor/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	packet := ChatPacket{Sender: "alice", Content: "hello there", Timestamp: 1700000000}

	cases := []struct {
		name string
		msg  Message
	}{
		{"chat", Chat(packet)},
		{"join", Join{Username: "alice", Password: "hunter22"}},
		{"heartbeat", Heartbeat{}},
		{"history request", HistoryRequest(1700000001)},
		{"history response", HistoryResponse{packet, {Sender: SystemSender, Content: "alice joined.\n", Timestamp: 1700000002}}},
		{"empty history response", HistoryResponse{}},
		{"error", ErrUsernameTaken},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			frame, err := Encode(tc.msg)
			require.NoError(t, err)

			got, n, err := Decode(frame)
			require.NoError(t, err)
			assert.Equal(t, len(frame), n)
			assert.Equal(t, tc.msg, got)
		})
	}
}

func TestFrameHeaderHoldsPayloadLength(t *testing.T) {
	msgs := []Message{
		Heartbeat{},
		Chat(ChatPacket{Sender: "bob", Content: "x", Timestamp: 7}),
		ErrInternal,
		HistoryRequest(0),
	}
	for _, m := range msgs {
		frame, err := Encode(m)
		require.NoError(t, err)
		require.GreaterOrEqual(t, len(frame), 4)
		assert.Equal(t, uint32(len(frame)-4), binary.BigEndian.Uint32(frame[:4]))
	}
}

func TestDecodeReassemblesSplitFrames(t *testing.T) {
	first := Chat(ChatPacket{Sender: "alice", Content: "hi", Timestamp: 42})
	second := Message(Heartbeat{})

	f1, err := Encode(first)
	require.NoError(t, err)
	f2, err := Encode(second)
	require.NoError(t, err)
	both := append(append([]byte{}, f1...), f2...)

	for split := 0; split <= len(both); split++ {
		var buf []byte
		var got []Message

		feed := func(chunk []byte) {
			buf = append(buf, chunk...)
			for {
				m, n, err := Decode(buf)
				require.NoError(t, err, "split at %d", split)
				if n == 0 {
					return
				}
				buf = buf[n:]
				got = append(got, m)
			}
		}
		feed(both[:split])
		feed(both[split:])

		require.Len(t, got, 2, "split at %d", split)
		assert.Equal(t, first, got[0], "split at %d", split)
		assert.Equal(t, second, got[1], "split at %d", split)
		assert.Empty(t, buf, "split at %d", split)
	}
}

func TestDecodeIncompleteBuffer(t *testing.T) {
	frame, err := Encode(Join{Username: "alice", Password: "pw"})
	require.NoError(t, err)

	// Not even a full header yet.
	m, n, err := Decode(frame[:3])
	require.NoError(t, err)
	assert.Nil(t, m)
	assert.Zero(t, n)

	// Header present, payload still short.
	m, n, err = Decode(frame[:len(frame)-1])
	require.NoError(t, err)
	assert.Nil(t, m)
	assert.Zero(t, n)
}

func TestDecodeRejectsOversizedHeader(t *testing.T) {
	var buf [8]byte
	binary.BigEndian.PutUint32(buf[:4], MaxFrameLen+1)
	_, _, err := Decode(buf[:])
	assert.ErrorIs(t, err, ErrFrameTooLarge)
}

func TestDecodeRejectsGarbagePayload(t *testing.T) {
	frame := []byte{0, 0, 0, 3, 0xff, 0xff, 0xff}
	_, _, err := Decode(frame)
	assert.Error(t, err)
}

func TestDecodePayloadUnknownKind(t *testing.T) {
	raw, err := cbor.Marshal(envelope{Kind: 99})
	require.NoError(t, err)
	_, err = DecodePayload(raw)
	assert.Error(t, err)
}

func TestDecodePayloadUnknownErrorCode(t *testing.T) {
	payload, err := cbor.Marshal(uint8(200))
	require.NoError(t, err)
	raw, err := cbor.Marshal(envelope{Kind: KindError, Payload: payload})
	require.NoError(t, err)
	_, err = DecodePayload(raw)
	assert.Error(t, err)
}

func TestReaderWriterStream(t *testing.T) {
	var network bytes.Buffer

	w := NewWriter(&network)
	require.NoError(t, w.WriteMessage(Join{Username: "alice", Password: "pw"}))
	require.NoError(t, w.WriteMessage(HistoryRequest(99)))

	r := NewReader(&network)
	m, err := r.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, Join{Username: "alice", Password: "pw"}, m)

	m, err = r.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, HistoryRequest(99), m)

	_, err = r.ReadMessage()
	assert.ErrorIs(t, err, io.EOF)
}

func TestReaderTruncatedFrame(t *testing.T) {
	frame, err := Encode(Chat(ChatPacket{Sender: "alice", Content: "hi", Timestamp: 1}))
	require.NoError(t, err)

	r := NewReader(bytes.NewReader(frame[:len(frame)-1]))
	_, err = r.ReadMessage()
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)
}
