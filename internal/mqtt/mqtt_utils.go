package mqtt

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// MaxRemainingLength is the largest value the four byte remaining length field can carry.
const MaxRemainingLength = 268435455

// payloadChunk is the largest body allocated up front.
const payloadChunk = 64 * 1024

var (
	ErrRemainingLengthTooLong = errors.New("the remaining length exceeds the 4 byte limit")
	ErrPacketTooLarge         = errors.New("packet exceeds the maximum allowed size")
)

func UInt16ToByte(number uint16) []byte {
	result := make([]byte, 2)
	binary.BigEndian.PutUint16(result, number)
	return result
}

func ByteToUInt16(bytes []byte) uint16 {
	if len(bytes) < 2 {
		return 0
	}
	return binary.BigEndian.Uint16(bytes)
}

func ReadByte(r io.Reader) (byte, error) {
	var b [1]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, err
	}
	return b[0], nil
}

// ReadPacket reads one control packet. maxSize bounds the remaining length; zero means the protocol maximum.
func ReadPacket(r io.Reader, maxSize int) (*Packet, error) {
	typeAndFlags, err := ReadByte(r)
	if err != nil {
		return nil, err
	}

	remaining, err := DecodeRemainingLength(r)
	if err != nil {
		return nil, err
	}
	if maxSize > 0 && remaining > maxSize {
		return nil, fmt.Errorf("%w: %d > %d", ErrPacketTooLarge, remaining, maxSize)
	}

	header := &FixedHeader{
		Type:            PacketType(typeAndFlags >> 4),
		Flags:           typeAndFlags & 0x0F,
		RemainingLength: remaining,
	}

	if !ValidateFlags(header.Type, header.Flags) {
		return nil, fmt.Errorf("flags %d of %s packet is not valid", header.Flags, header.Type.String())
	}

	payload, err := readPayload(r, remaining)
	if err != nil {
		return nil, err
	}

	return &Packet{
		Header: header,
		Payload: &Payload{
			Context:    payload,
			ContextLen: len(payload),
			CurrentPtr: 0,
		},
	}, nil
}

// readPayload reads exactly n bytes. Large bodies are buffered as they arrive so a header
// announcing a huge length costs nothing until the bytes are actually sent.
func readPayload(r io.Reader, n int) ([]byte, error) {
	if n <= payloadChunk {
		payload := make([]byte, n)
		if _, err := io.ReadFull(r, payload); err != nil {
			return nil, err
		}
		return payload, nil
	}
	var buf bytes.Buffer
	buf.Grow(payloadChunk)
	read, err := buf.ReadFrom(io.LimitReader(r, int64(n)))
	if err != nil {
		return nil, err
	}
	if read < int64(n) {
		return nil, io.ErrUnexpectedEOF
	}
	return buf.Bytes(), nil
}

func DecodeRemainingLength(r io.Reader) (int, error) {
	multiplier := 1
	value := 0
	for i := 0; i < 4; i++ {
		encodedByte, err := ReadByte(r)
		if err != nil {
			return 0, err
		}
		value += int(encodedByte&127) * multiplier
		multiplier *= 128
		if (encodedByte & 128) == 0 {
			return value, nil
		}
	}
	return 0, ErrRemainingLengthTooLong
}

func EncodeRemainingLength(x int) []byte {
	if x == 0 {
		return []byte{0}
	}
	var buf [4]byte
	i := 0
	for x > 0 && i < 4 {
		buf[i] = byte(x % 128)
		if x /= 128; x > 0 {
			buf[i] |= 128
		}
		i++
	}
	return buf[:i]
}

// ValidateFlags reports whether flags are legal for the packet type. Unknown types are rejected.
func ValidateFlags(pt PacketType, flags byte) bool {
	allowed, ok := allowedFlags[pt]
	if !ok {
		return false
	}
	if required, ok := requiredFlags[pt]; ok {
		return flags == required
	}
	return (flags & ^allowed) == 0
}

func (p *Payload) CheckRemainingLength() bool {
	return p.CurrentPtr < p.ContextLen
}

// Remaining returns the number of unread bytes.
func (p *Payload) Remaining() int {
	return p.ContextLen - p.CurrentPtr
}
