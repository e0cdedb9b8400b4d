package mqtt

import (
	"bytes"
	"encoding/binary"
	"errors"
	"io"
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRemainingLength(t *testing.T) {
	tests := []struct {
		input  int
		expect []byte
	}{
		{0, []byte{0x00}},
		{64, []byte{0x40}},
		{127, []byte{0x7F}},
		{128, []byte{0x80, 0x01}},
		{321, []byte{0xC1, 0x02}},
		{268435455, []byte{0xFF, 0xFF, 0xFF, 0x7F}},
	}

	for _, tt := range tests {
		encoded := EncodeRemainingLength(tt.input)
		if !bytes.Equal(encoded, tt.expect) {
			t.Errorf("input=%d expect=%x got=%x", tt.input, tt.expect, encoded)
		}

		decoded, _ := DecodeRemainingLength(bytes.NewReader(encoded))
		if decoded != tt.input {
			t.Errorf("input=%d decoded=%d", tt.input, decoded)
		}
	}
}

func TestDecodeRemainingLengthTooLong(t *testing.T) {
	_, err := DecodeRemainingLength(bytes.NewReader([]byte{0xFF, 0xFF, 0xFF, 0xFF, 0x01}))
	assert.ErrorIs(t, err, ErrRemainingLengthTooLong)
}

func TestByteToUInt16(t *testing.T) {
	tests := []struct {
		input  []byte
		expect uint16
	}{
		{[]byte{0x00, 0x00}, 0},
		{[]byte{0x01, 0x00}, 256},
		{[]byte{0xAF, 0x89}, 44937},
		{[]byte{0x01}, 0},
	}
	for _, tt := range tests {
		number := ByteToUInt16(tt.input)
		if number != tt.expect {
			t.Errorf("input=%x expect=%d got=%d", tt.input, tt.expect, number)
		}
	}
	assert.Equal(t, uint16(44937), binary.BigEndian.Uint16(UInt16ToByte(44937)))
}

func TestReadPacket(t *testing.T) {
	raw := []byte{0x82, 0x06, 0x00, 0x0A, 0x00, 0x01, 'a', 0x01}
	packet, err := ReadPacket(bytes.NewReader(raw), 0)
	require.NoError(t, err)
	assert.Equal(t, SUBSCRIBE, packet.Header.Type)
	assert.Equal(t, byte(0x02), packet.Header.Flags)
	assert.Equal(t, 6, packet.Header.RemainingLength)
	assert.Equal(t, 6, packet.Payload.Remaining())
}

func TestReadPacketRejects(t *testing.T) {
	_, err := ReadPacket(bytes.NewReader([]byte{0x80, 0x00}), 0)
	assert.Error(t, err, "SUBSCRIBE without reserved flag")

	_, err = ReadPacket(bytes.NewReader([]byte{0x30, 0x05, 0x00}), 4)
	assert.True(t, errors.Is(err, ErrPacketTooLarge))

	_, err = ReadPacket(bytes.NewReader([]byte{0x30, 0x05, 0x00}), 0)
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)

	_, err = ReadPacket(bytes.NewReader(nil), 0)
	assert.ErrorIs(t, err, io.EOF)
}

func TestReadPacketLargeBody(t *testing.T) {
	body := bytes.Repeat([]byte{'x'}, 3*payloadChunk+17)
	raw := append([]byte{0x30}, EncodeRemainingLength(len(body))...)
	raw = append(raw, body...)

	packet, err := ReadPacket(bytes.NewReader(raw), 0)
	require.NoError(t, err)
	assert.Equal(t, body, packet.Payload.Context)
}

func TestReadPacketAnnouncedLengthIsNotPreallocated(t *testing.T) {
	raw := append([]byte{0x10}, EncodeRemainingLength(MaxRemainingLength)...)
	raw = append(raw, make([]byte, 32)...)

	var before, after runtime.MemStats
	runtime.ReadMemStats(&before)
	_, err := ReadPacket(bytes.NewReader(raw), 0)
	runtime.ReadMemStats(&after)

	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)
	assert.Less(t, after.TotalAlloc-before.TotalAlloc, uint64(1<<20))
}
