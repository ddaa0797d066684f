package protocol

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/pierrec/lz4/v4"
	"github.com/vmihailenco/msgpack/v5"
)

var (
	// ErrMalformedPacket is returned for frames that are too short or whose
	// payload cannot be decoded.
	ErrMalformedPacket = errors.New("malformed packet")

	// ErrUnknownMessageType is returned when a tag is not in the catalogue.
	ErrUnknownMessageType = errors.New("unknown message type")
)

// Payload flag byte.
const (
	payloadRaw byte = 0
	payloadLZ4 byte = 1
)

// CompressThreshold is the smallest serialized payload worth compressing.
const CompressThreshold = 64

// MinFrameSize is the tag byte plus the payload flag.
const MinFrameSize = 2

// Encode serializes m as [tag][flag][body]. The body is msgpack with structs
// encoded as arrays, LZ4 block-compressed when it is at least
// CompressThreshold bytes and compression shrinks it.
func Encode(m Message) ([]byte, error) {
	if m == nil {
		return nil, errors.New("encode: nil message")
	}

	var buf bytes.Buffer
	enc := msgpack.NewEncoder(&buf)
	enc.UseArrayEncodedStructs(true)
	if err := enc.Encode(m); err != nil {
		return nil, fmt.Errorf("encode %s: %w", m.Type(), err)
	}
	raw := buf.Bytes()

	if len(raw) >= CompressThreshold {
		if frame, ok := compressFrame(m.Type(), raw); ok {
			return frame, nil
		}
	}

	frame := make([]byte, 0, MinFrameSize+len(raw))
	frame = append(frame, byte(m.Type()), payloadRaw)
	return append(frame, raw...), nil
}

func compressFrame(t MessageType, raw []byte) ([]byte, bool) {
	dst := make([]byte, lz4.CompressBlockBound(len(raw)))
	n, err := lz4.CompressBlock(raw, dst, nil)
	if err != nil || n == 0 {
		return nil, false
	}

	var hdr [binary.MaxVarintLen32]byte
	hl := binary.PutUvarint(hdr[:], uint64(len(raw)))
	if MinFrameSize+hl+n >= MinFrameSize+len(raw) {
		return nil, false
	}

	frame := make([]byte, 0, MinFrameSize+hl+n)
	frame = append(frame, byte(t), payloadLZ4)
	frame = append(frame, hdr[:hl]...)
	return append(frame, dst[:n]...), true
}

// Decode splits the type tag from the payload without deserializing it.
func Decode(frame []byte) (MessageType, []byte, error) {
	if len(frame) < MinFrameSize {
		return 0, nil, fmt.Errorf("%w: %d bytes", ErrMalformedPacket, len(frame))
	}
	return MessageType(frame[0]), frame[1:], nil
}

// DecodeAs fully deserializes a payload returned by Decode.
func DecodeAs[T Message](payload []byte) (T, error) {
	var out T
	raw, err := inflate(payload)
	if err != nil {
		return out, err
	}
	if err := msgpack.Unmarshal(raw, &out); err != nil {
		return out, fmt.Errorf("%w: %s: %v", ErrMalformedPacket, out.Type(), err)
	}
	return out, nil
}

func inflate(payload []byte) ([]byte, error) {
	if len(payload) < 1 {
		return nil, fmt.Errorf("%w: empty payload", ErrMalformedPacket)
	}

	switch payload[0] {
	case payloadRaw:
		return payload[1:], nil
	case payloadLZ4:
		size, hl := binary.Uvarint(payload[1:])
		if hl <= 0 || size == 0 || size > MaxPayloadSize {
			return nil, fmt.Errorf("%w: bad compressed size", ErrMalformedPacket)
		}
		raw := make([]byte, size)
		n, err := lz4.UncompressBlock(payload[1+hl:], raw)
		if err != nil {
			return nil, fmt.Errorf("%w: lz4: %v", ErrMalformedPacket, err)
		}
		if uint64(n) != size {
			return nil, fmt.Errorf("%w: lz4 size %d != %d", ErrMalformedPacket, n, size)
		}
		return raw, nil
	default:
		return nil, fmt.Errorf("%w: payload flag %#x", ErrMalformedPacket, payload[0])
	}
}

// Unmarshal decodes a payload into the concrete message for t.
func Unmarshal(t MessageType, payload []byte) (Message, error) {
	switch t {
	case TypeConnect:
		return as[Connect](payload)
	case TypeConnectAck:
		return as[ConnectAck](payload)
	case TypeDisconnect:
		return as[Disconnect](payload)
	case TypePing:
		return as[Ping](payload)
	case TypePong:
		return as[Pong](payload)
	case TypeAuthRequest:
		return as[AuthRequest](payload)
	case TypeAuthResponse:
		return as[AuthResponse](payload)
	case TypePlayerInput:
		return as[PlayerInput](payload)
	case TypePlayerInputAck:
		return as[PlayerInputAck](payload)
	case TypeStateSnapshot:
		return as[StateSnapshot](payload)
	case TypeEntityUpdate:
		return as[EntityUpdate](payload)
	case TypeEntitySpawn:
		return as[EntitySpawn](payload)
	case TypeEntityDestroy:
		return as[EntityDestroy](payload)
	case TypeTowerBuild:
		return as[TowerBuild](payload)
	case TypeTowerUpgrade:
		return as[TowerUpgrade](payload)
	case TypeTowerSell:
		return as[TowerSell](payload)
	case TypeAbilityUse:
		return as[AbilityUse](payload)
	case TypeItemCollect:
		return as[ItemCollect](payload)
	case TypeActionAck:
		return as[ActionAck](payload)
	case TypeMatchStart:
		return as[MatchStart](payload)
	case TypeMatchEnd:
		return as[MatchEnd](payload)
	case TypeWaveStart:
		return as[WaveStart](payload)
	case TypeWaveEnd:
		return as[WaveEnd](payload)
	case TypeReadyState:
		return as[ReadyState](payload)
	case TypeChat:
		return as[ChatMessage](payload)
	case TypeError:
		return as[Error](payload)
	default:
		return nil, fmt.Errorf("%w: %#02x", ErrUnknownMessageType, byte(t))
	}
}

// DecodeMessage is Decode followed by Unmarshal.
func DecodeMessage(frame []byte) (Message, error) {
	t, payload, err := Decode(frame)
	if err != nil {
		return nil, err
	}
	return Unmarshal(t, payload)
}

func as[T Message](payload []byte) (Message, error) {
	m, err := DecodeAs[T](payload)
	if err != nil {
		return nil, err
	}
	return m, nil
}
