package packet

import (
	"fmt"

	"github.com/life-stream-dev/life-stream-go-mqtt-broker/internal/mqtt"
)

type SubscribeState byte

const (
	SuccessQos0 SubscribeState = iota
	SuccessQos1
	SuccessQos2
	Failure SubscribeState = 0x80
)

// Subscription is one (filter, QoS) pair requested in a SUBSCRIBE packet.
type Subscription struct {
	Filter string
	QoS    byte
}

type SubscribePacketPayloads struct {
	PacketID      uint16
	Subscriptions []Subscription
}

func NewSubAckPacket(packetID uint16, states []SubscribeState) []byte {
	body := make([]byte, 0, 2+len(states))
	body = append(body, mqtt.UInt16ToByte(packetID)...)
	for _, state := range states {
		body = append(body, byte(state))
	}
	return assemble(byte(mqtt.SUBACK)<<4, body)
}

func ParseSubscribePacket(packet *mqtt.Packet) (*SubscribePacketPayloads, error) {
	result := &SubscribePacketPayloads{}

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
		qos, err := readPacketByte(packet.Payload)
		if err != nil {
			return nil, fmt.Errorf("error occured when reading qos level: %w", err)
		}
		if qos > mqtt.ExactlyOnce {
			return nil, fmt.Errorf("%w: requested QoS byte %#x", ErrMalformedPacket, qos)
		}
		result.Subscriptions = append(result.Subscriptions, Subscription{
			Filter: string(topicFilter.Payload),
			QoS:    qos,
		})
	}

	if len(result.Subscriptions) == 0 {
		return nil, fmt.Errorf("%w: SUBSCRIBE without topic filters", ErrMalformedPacket)
	}
	return result, nil
}
