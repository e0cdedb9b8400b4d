package packet

import (
	"errors"
	"fmt"

	"github.com/life-stream-dev/life-stream-go-mqtt-broker/internal/mqtt"
)

var ErrMalformedPacket = errors.New("malformed packet")

type FieldPayload struct {
	PayloadLength int
	Payload       []byte
}

func readPacketByte(payload *mqtt.Payload) (byte, error) {
	startByte := payload.CurrentPtr
	if startByte >= payload.ContextLen {
		return 0, fmt.Errorf("%w: invalid packet context length", ErrMalformedPacket)
	}
	payload.CurrentPtr++
	return payload.Context[startByte], nil
}

func readPacketBytes(payload *mqtt.Payload, length int) ([]byte, error) {
	if length < 0 {
		return nil, fmt.Errorf("%w: invalid reading length %d", ErrMalformedPacket, length)
	}
	end := payload.CurrentPtr + length
	if end > payload.ContextLen {
		return nil, fmt.Errorf("%w: invalid packet context length", ErrMalformedPacket)
	}
	data := payload.Context[payload.CurrentPtr:end]
	payload.CurrentPtr = end
	return data, nil
}

func readUint16(payload *mqtt.Payload) (uint16, error) {
	data, err := readPacketBytes(payload, 2)
	if err != nil {
		return 0, err
	}
	return mqtt.ByteToUInt16(data), nil
}

// readPacketPayload reads a two byte length prefixed field.
func readPacketPayload(payload *mqtt.Payload) (FieldPayload, error) {
	startByte := payload.CurrentPtr
	contextLen := payload.ContextLen
	if startByte+1 >= contextLen {
		return FieldPayload{}, fmt.Errorf("%w: insufficient bytes for length", ErrMalformedPacket)
	}
	length := int(mqtt.ByteToUInt16(payload.Context[startByte : startByte+2]))
	end := startByte + 2 + length
	if end > contextLen {
		return FieldPayload{}, fmt.Errorf("%w: payload length %d exceeds buffer (len=%d)", ErrMalformedPacket, length, contextLen)
	}
	payload.CurrentPtr = end
	return FieldPayload{
		PayloadLength: length,
		Payload:       payload.Context[startByte+2 : end],
	}, nil
}

func appendField(buf []byte, field []byte) []byte {
	buf = append(buf, mqtt.UInt16ToByte(uint16(len(field)))...)
	return append(buf, field...)
}

// assemble prefixes a variable header and payload with its fixed header.
func assemble(typeAndFlags byte, body []byte) []byte {
	packet := make([]byte, 0, 1+4+len(body))
	packet = append(packet, typeAndFlags)
	packet = append(packet, mqtt.EncodeRemainingLength(len(body))...)
	return append(packet, body...)
}
