package packet

import (
	"fmt"

	"github.com/life-stream-dev/life-stream-go-mqtt-broker/internal/mqtt"
)

type UnSubscribePacketPayloads struct {
	PacketID uint16
	Filters  []string
}

func NewUnSubAckPacket(packetID uint16) []byte {
	return NewAckPacket(mqtt.UNSUBACK, packetID)
}

func ParseUnSubscribePacket(packet *mqtt.Packet) (*UnSubscribePacketPayloads, error) {
	result := &UnSubscribePacketPayloads{}

	packetID, err := readUint16(packet.Payload)
	if err != nil {
		return nil, fmt.Errorf("error occured when reading packet ID: %w", err)
	}
	result.PacketID = packetID

	for packet.Payload.CheckRemainingLength() {
		topicFilter, err := readPacketPayload(packet.Payload)
		if err != nil {
			return nil, fmt.Errorf("error occured when reading topic filter: %w", err)
		}
		result.Filters = append(result.Filters, string(topicFilter.Payload))
	}

	if len(result.Filters) == 0 {
		return nil, fmt.Errorf("%w: UNSUBSCRIBE without topic filters", ErrMalformedPacket)
	}
	return result, nil
}
