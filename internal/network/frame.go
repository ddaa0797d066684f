package network

import (
	"errors"
	"fmt"

	"github.com/bastion-project/bastion/internal/protocol"
)

/*
Datagram format (little-endian):

	protoID   uint32
	kind      uint8
	peer      uint32   assigned id, 0 before accept
	body...

Bodies by kind:

	connect      -
	accept       -              (peer carries the assigned id)
	unreliable   message frame
	reliable     seq uint32, message frame
	ack          seq uint32
	ping, pong   nanos uint64
	disconnect   reason null_str
*/

// ProtoID must lead every datagram; anything else is dropped unread.
const ProtoID uint32 = 0xB5710A03

type frameKind uint8

const (
	kindConnect frameKind = iota + 1
	kindAccept
	kindUnreliable
	kindReliable
	kindAck
	kindPing
	kindPong
	kindDisconnect
)

const headerSize = 4 + 1 + 4

var errBadProtoID = errors.New("bad protocol id")

type frame struct {
	kind    frameKind
	peer    PeerID
	seq     uint32
	nanos   uint64
	reason  string
	payload []byte
}

func encodeFrame(f frame) []byte {
	b := protocol.NewPacketBuilder()
	b.WriteUint32(ProtoID).WriteByte(byte(f.kind)).WriteUint32(uint32(f.peer))

	switch f.kind {
	case kindUnreliable:
		b.WriteBytes(f.payload)
	case kindReliable:
		b.WriteUint32(f.seq).WriteBytes(f.payload)
	case kindAck:
		b.WriteUint32(f.seq)
	case kindPing, kindPong:
		b.WriteUint64(f.nanos)
	case kindDisconnect:
		b.WriteNullString(f.reason)
	}
	return b.Build()
}

func decodeFrame(data []byte) (frame, error) {
	var f frame
	if len(data) < headerSize {
		return f, fmt.Errorf("short datagram: %d bytes", len(data))
	}

	r := protocol.NewPacketReader(data)
	id, _ := r.ReadUint32()
	if id != ProtoID {
		return f, errBadProtoID
	}
	kind, _ := r.ReadByte()
	peer, _ := r.ReadUint32()
	f.kind = frameKind(kind)
	f.peer = PeerID(peer)

	var err error
	switch f.kind {
	case kindConnect, kindAccept:
	case kindUnreliable:
		f.payload = r.Remaining()
	case kindReliable:
		if f.seq, err = r.ReadUint32(); err != nil {
			return f, err
		}
		f.payload = r.Remaining()
	case kindAck:
		f.seq, err = r.ReadUint32()
	case kindPing, kindPong:
		f.nanos, err = r.ReadUint64()
	case kindDisconnect:
		f.reason, err = r.ReadNullString()
	default:
		return f, fmt.Errorf("unknown frame kind %d", kind)
	}
	return f, err
}
