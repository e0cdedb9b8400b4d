package packet

import (
	"fmt"

	"github.com/life-stream-dev/life-stream-go-mqtt-broker/internal/mqtt"
)

// NewAckPacket builds PUBACK, PUBREC, PUBREL, PUBCOMP or UNSUBACK, which all carry just a packet ID.
func NewAckPacket(packetType mqtt.PacketType, packetID uint16) []byte {
	typeAndFlags := byte(packetType) << 4
	if packetType == mqtt.PUBREL {
		typeAndFlags |= 0x02
	}
	return assemble(typeAndFlags, mqtt.UInt16ToByte(packetID))
}

// ParseAckPacket returns the packet ID of a PUBACK, PUBREC, PUBREL or PUBCOMP packet.
func ParseAckPacket(packet *mqtt.Packet) (uint16, error) {
	if packet.Header.RemainingLength != 2 {
		return 0, fmt.Errorf("%w: %s remaining length must be 2, got %d", ErrMalformedPacket, packet.Header.Type, packet.Header.RemainingLength)
	}
	return readUint16(packet.Payload)
}
