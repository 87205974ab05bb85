package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

// Kind tags the message variant inside an encoded payload.
type Kind uint8

const (
	KindChat Kind = iota + 1
	KindJoin
	KindHeartbeat
	KindHistoryRequest
	KindHistoryResponse
	KindError
)

// MaxFrameLen bounds a single frame's payload. A peer announcing anything
// larger is misbehaving and gets disconnected.
const MaxFrameLen = 16 << 20

// ErrFrameTooLarge reports a length header above MaxFrameLen.
var ErrFrameTooLarge = errors.New("protocol: frame exceeds maximum length")

type envelope struct {
	Kind    Kind            `cbor:"k"`
	Payload cbor.RawMessage `cbor:"p,omitempty"`
}

// EncodePayload encodes m without the length prefix. This is the form
// published on the cluster pub/sub channel.
func EncodePayload(m Message) ([]byte, error) {
	var (
		env envelope
		err error
	)
	switch v := m.(type) {
	case Chat:
		env.Kind = KindChat
		env.Payload, err = cbor.Marshal(ChatPacket(v))
	case Join:
		env.Kind = KindJoin
		env.Payload, err = cbor.Marshal(v)
	case Heartbeat:
		env.Kind = KindHeartbeat
	case HistoryRequest:
		env.Kind = KindHistoryRequest
		env.Payload, err = cbor.Marshal(int64(v))
	case HistoryResponse:
		env.Kind = KindHistoryResponse
		env.Payload, err = cbor.Marshal([]ChatPacket(v))
	case ChatError:
		env.Kind = KindError
		env.Payload, err = cbor.Marshal(uint8(v))
	default:
		return nil, fmt.Errorf("protocol: cannot encode %T", m)
	}
	if err != nil {
		return nil, fmt.Errorf("protocol: encoding %T payload: %w", m, err)
	}
	return cbor.Marshal(env)
}

// DecodePayload reverses EncodePayload.
func DecodePayload(b []byte) (Message, error) {
	var env envelope
	if err := cbor.Unmarshal(b, &env); err != nil {
		return nil, fmt.Errorf("protocol: decoding envelope: %w", err)
	}
	switch env.Kind {
	case KindChat:
		var p ChatPacket
		if err := cbor.Unmarshal(env.Payload, &p); err != nil {
			return nil, fmt.Errorf("protocol: decoding chat payload: %w", err)
		}
		return Chat(p), nil
	case KindJoin:
		var j Join
		if err := cbor.Unmarshal(env.Payload, &j); err != nil {
			return nil, fmt.Errorf("protocol: decoding join payload: %w", err)
		}
		return j, nil
	case KindHeartbeat:
		return Heartbeat{}, nil
	case KindHistoryRequest:
		var ts int64
		if err := cbor.Unmarshal(env.Payload, &ts); err != nil {
			return nil, fmt.Errorf("protocol: decoding history request payload: %w", err)
		}
		return HistoryRequest(ts), nil
	case KindHistoryResponse:
		var packets []ChatPacket
		if err := cbor.Unmarshal(env.Payload, &packets); err != nil {
			return nil, fmt.Errorf("protocol: decoding history response payload: %w", err)
		}
		return HistoryResponse(packets), nil
	case KindError:
		var code uint8
		if err := cbor.Unmarshal(env.Payload, &code); err != nil {
			return nil, fmt.Errorf("protocol: decoding error payload: %w", err)
		}
		e := ChatError(code)
		if e < ErrNetwork || e > ErrInternal {
			return nil, fmt.Errorf("protocol: unknown chat error code %d", code)
		}
		return e, nil
	default:
		return nil, fmt.Errorf("protocol: unknown message kind %d", env.Kind)
	}
}

// Encode produces a complete frame: u32 big-endian payload length followed
// by the payload bytes.
func Encode(m Message) ([]byte, error) {
	payload, err := EncodePayload(m)
	if err != nil {
		return nil, err
	}
	frame := make([]byte, 4+len(payload))
	binary.BigEndian.PutUint32(frame[:4], uint32(len(payload)))
	copy(frame[4:], payload)
	return frame, nil
}

// Decode parses one frame from the front of buf. It returns the number of
// bytes consumed; n == 0 with a nil error means buf does not yet hold a
// complete frame and the caller should keep accumulating.
func Decode(buf []byte) (Message, int, error) {
	if len(buf) < 4 {
		return nil, 0, nil
	}
	length := binary.BigEndian.Uint32(buf[:4])
	if length > MaxFrameLen {
		return nil, 0, ErrFrameTooLarge
	}
	if uint32(len(buf)-4) < length {
		return nil, 0, nil
	}
	m, err := DecodePayload(buf[4 : 4+length])
	if err != nil {
		return nil, 0, err
	}
	return m, 4 + int(length), nil
}
