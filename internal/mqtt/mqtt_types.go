// Package mqtt holds the MQTT 3.1.1 wire primitives shared by the codec and the broker.
package mqtt

// PacketType is the MQTT control packet type carried in the high nibble of the fixed header.
type PacketType byte

const (
	CONNECT     PacketType = iota + 1 // client requests a connection
	CONNACK                           // connection acknowledgement
	PUBLISH                           // publish message
	PUBACK                            // QoS 1 acknowledgement
	PUBREC                            // QoS 2, step one
	PUBREL                            // QoS 2, step two
	PUBCOMP                           // QoS 2, step three
	SUBSCRIBE                         // subscribe request
	SUBACK                            // subscribe acknowledgement
	UNSUBSCRIBE                       // unsubscribe request
	UNSUBACK                          // unsubscribe acknowledgement
	PINGREQ                           // heartbeat request
	PINGRESP                          // heartbeat response
	DISCONNECT                        // client is disconnecting
)

var PacketTypeMap = map[PacketType]string{
	CONNECT:     "CONNECT",
	CONNACK:     "CONNACK",
	PUBLISH:     "PUBLISH",
	PUBACK:      "PUBACK",
	PUBREC:      "PUBREC",
	PUBREL:      "PUBREL",
	PUBCOMP:     "PUBCOMP",
	SUBSCRIBE:   "SUBSCRIBE",
	SUBACK:      "SUBACK",
	UNSUBSCRIBE: "UNSUBSCRIBE",
	UNSUBACK:    "UNSUBACK",
	PINGREQ:     "PINGREQ",
	PINGRESP:    "PINGRESP",
	DISCONNECT:  "DISCONNECT",
}

func (packetType PacketType) String() string {
	if name, ok := PacketTypeMap[packetType]; ok {
		return name
	}
	return "UNKNOWN"
}

// allowedFlags is the set of fixed header flag bits each packet type may carry.
var allowedFlags = map[PacketType]byte{
	CONNECT:     0x00,
	CONNACK:     0x00,
	PUBLISH:     0x0F,
	PUBACK:      0x00,
	PUBREC:      0x00,
	PUBREL:      0x02,
	PUBCOMP:     0x00,
	SUBSCRIBE:   0x02,
	SUBACK:      0x00,
	UNSUBSCRIBE: 0x02,
	UNSUBACK:    0x00,
	PINGREQ:     0x00,
	PINGRESP:    0x00,
	DISCONNECT:  0x00,
}

// requiredFlags lists types whose reserved flags are fixed rather than merely allowed.
var requiredFlags = map[PacketType]byte{
	PUBREL:      0x02,
	SUBSCRIBE:   0x02,
	UNSUBSCRIBE: 0x02,
}

type FixedHeader struct {
	Type            PacketType
	Flags           byte
	RemainingLength int
}

// Payload is a read cursor over the variable header and payload of a packet.
type Payload struct {
	Context    []byte
	ContextLen int
	CurrentPtr int
}

type Packet struct {
	Header  *FixedHeader
	Payload *Payload
}

type QoS = byte

const (
	AtMostOnce  QoS = 0
	AtLeastOnce QoS = 1
	ExactlyOnce QoS = 2
)

// MinQoS returns the lower of two QoS levels.
func MinQoS(a, b QoS) QoS {
	if a < b {
		return a
	}
	return b
}

// Message is an application message as it travels through the broker.
// It is treated as immutable once published.
type Message struct {
	Topic   string
	Payload []byte
	QoS     QoS
	Retain  bool
}

// Copy returns a message with its own payload buffer.
func (m Message) Copy() Message {
	if m.Payload != nil {
		payload := make([]byte, len(m.Payload))
		copy(payload, m.Payload)
		m.Payload = payload
	}
	return m
}
