package protocol

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// PacketReader reads the little-endian fields written by PacketBuilder.
type PacketReader struct {
	r *bytes.Reader
}

// NewPacketReader wraps data for sequential reads.
func NewPacketReader(data []byte) *PacketReader {
	return &PacketReader{r: bytes.NewReader(data)}
}

// ReadByte reads a single byte.
func (p *PacketReader) ReadByte() (byte, error) {
	b, err := p.r.ReadByte()
	if err != nil {
		return 0, fmt.Errorf("read byte: %w", err)
	}
	return b, nil
}

// ReadUint16 reads a little-endian uint16.
func (p *PacketReader) ReadUint16() (uint16, error) {
	var v uint16
	if err := binary.Read(p.r, binary.LittleEndian, &v); err != nil {
		return 0, fmt.Errorf("read uint16: %w", err)
	}
	return v, nil
}

// ReadUint32 reads a little-endian uint32.
func (p *PacketReader) ReadUint32() (uint32, error) {
	var v uint32
	if err := binary.Read(p.r, binary.LittleEndian, &v); err != nil {
		return 0, fmt.Errorf("read uint32: %w", err)
	}
	return v, nil
}

// ReadUint64 reads a little-endian uint64.
func (p *PacketReader) ReadUint64() (uint64, error) {
	var v uint64
	if err := binary.Read(p.r, binary.LittleEndian, &v); err != nil {
		return 0, fmt.Errorf("read uint64: %w", err)
	}
	return v, nil
}

// ReadNullString reads bytes up to and excluding a zero terminator.
func (p *PacketReader) ReadNullString() (string, error) {
	var buf bytes.Buffer
	for {
		b, err := p.r.ReadByte()
		if err != nil {
			return "", fmt.Errorf("read string: %w", err)
		}
		if b == 0 {
			return buf.String(), nil
		}
		buf.WriteByte(b)
	}
}

// Remaining consumes and returns the unread tail.
func (p *PacketReader) Remaining() []byte {
	n := p.r.Len()
	if n == 0 {
		return nil
	}
	rest := make([]byte, n)
	p.r.Read(rest)
	return rest
}

// Len returns the number of unread bytes.
func (p *PacketReader) Len() int {
	return p.r.Len()
}
