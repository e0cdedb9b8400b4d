package packet

import (
	"fmt"

	"github.com/life-stream-dev/life-stream-go-mqtt-broker/internal/mqtt"
)

// Publish is a decoded PUBLISH packet.
type Publish struct {
	Message  mqtt.Message
	PacketID uint16
	Dup      bool
}

func NewPublishPacket(message mqtt.Message, packetID uint16, dup bool) []byte {
	typeAndFlags := byte(mqtt.PUBLISH) << 4
	if dup && message.QoS > 0 {
		typeAndFlags |= 0x08
	}
	typeAndFlags |= message.QoS << 1
	if message.Retain {
		typeAndFlags |= 0x01
	}

	body := make([]byte, 0, 2+len(message.Topic)+2+len(message.Payload))
	body = appendField(body, []byte(message.Topic))
	if message.QoS > 0 {
		body = append(body, mqtt.UInt16ToByte(packetID)...)
	}
	body = append(body, message.Payload...)
	return assemble(typeAndFlags, body)
}

func ParsePublishPacket(packet *mqtt.Packet) (*Publish, error) {
	flags := packet.Header.Flags
	result := &Publish{
		Dup: flags&0x08 != 0,
		Message: mqtt.Message{
			QoS:    (flags & 0x06) >> 1,
			Retain: flags&0x01 != 0,
		},
	}

	if result.Message.QoS == 0 && result.Dup {
		return nil, fmt.Errorf("%w: when QoS level set to 0, dup flag must be 0 either", ErrMalformedPacket)
	}
	if result.Message.QoS > mqtt.ExactlyOnce {
		return nil, fmt.Errorf("%w: the QoS level must not be 3", ErrMalformedPacket)
	}

	topicName, err := readPacketPayload(packet.Payload)
	if err != nil {
		return nil, fmt.Errorf("error occured when reading topic name: %w", err)
	}
	result.Message.Topic = string(topicName.Payload)

	if result.Message.QoS > 0 {
		result.PacketID, err = readUint16(packet.Payload)
		if err != nil {
			return nil, fmt.Errorf("error occured when reading packet ID: %w", err)
		}
		if result.PacketID == 0 {
			return nil, fmt.Errorf("%w: packet ID must not be 0", ErrMalformedPacket)
		}
	}

	content, err := readPacketBytes(packet.Payload, packet.Payload.Remaining())
	if err != nil {
		return nil, fmt.Errorf("error occured when reading payload: %w", err)
	}
	result.Message.Payload = content

	return result, nil
}
