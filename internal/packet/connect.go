package packet

import (
	"errors"
	"fmt"

	"github.com/life-stream-dev/life-stream-go-mqtt-broker/internal/mqtt"
)

type ConnectRespType byte

const (
	Accepted ConnectRespType = iota
	UnacceptableProtocol
	IdentifierRejected
	ServerUnavailable
	BadUsernameOrPassword
	NotAuthorized
)

var connectRespNames = map[ConnectRespType]string{
	Accepted:              "accepted",
	UnacceptableProtocol:  "unacceptable protocol version",
	IdentifierRejected:    "identifier rejected",
	ServerUnavailable:     "server unavailable",
	BadUsernameOrPassword: "bad username or password",
	NotAuthorized:         "not authorized",
}

func (c ConnectRespType) String() string {
	return connectRespNames[c]
}

const (
	protocolName  = "MQTT"
	protocolLevel = 0x04
)

// ConnectPacketFlag holds the decoded connect flags byte.
type ConnectPacketFlag struct {
	UsernameFlag    bool
	PasswordFlag    bool
	WillRetain      bool
	WillQoS         byte
	WillMessageFlag bool
	CleanSession    bool
}

// Connect is a decoded CONNECT packet.
type Connect struct {
	Flags         ConnectPacketFlag
	ProtocolLevel byte
	ClientID      string
	KeepAlive     uint16
	Username      string
	Password      []byte
	Will          *mqtt.Message
}

func NewConnectAckPacket(sessionPresent bool, returnCode ConnectRespType) []byte {
	if sessionPresent && returnCode == Accepted {
		return []byte{0x20, 0x02, 0x01, byte(returnCode)}
	}
	return []byte{0x20, 0x02, 0x00, byte(returnCode)}
}

// ParseConnectPacket decodes the variable header and payload of a CONNECT packet.
// When the returned response is not nil it must be sent to the client before closing.
func ParseConnectPacket(packet *mqtt.Packet) (*Connect, []byte, error) {
	payload := packet.Payload
	result := &Connect{}

	protocolString, err := readPacketPayload(payload)
	if err != nil {
		return nil, nil, fmt.Errorf("unable to read protocol string: %w", err)
	}
	if string(protocolString.Payload) != protocolName {
		return nil, nil, fmt.Errorf("%w: incorrect protocol string %q", ErrMalformedPacket, string(protocolString.Payload))
	}

	protocolVersion, err := readPacketByte(payload)
	if err != nil {
		return nil, nil, fmt.Errorf("unable to read protocol version: %w", err)
	}
	result.ProtocolLevel = protocolVersion
	if protocolVersion != protocolLevel {
		return nil, NewConnectAckPacket(false, UnacceptableProtocol), fmt.Errorf("protocol version %d does not match", protocolVersion)
	}

	connectFlag, err := readPacketByte(payload)
	if err != nil {
		return nil, nil, fmt.Errorf("unable to read connect flag: %w", err)
	}
	if connectFlag&0x01 != 0 {
		return nil, nil, fmt.Errorf("%w: reserved connect flag is set", ErrMalformedPacket)
	}

	result.Flags = ConnectPacketFlag{
		UsernameFlag:    connectFlag&0x80 != 0,
		PasswordFlag:    connectFlag&0x40 != 0,
		WillRetain:      connectFlag&0x20 != 0,
		WillQoS:         (connectFlag & 0x18) >> 3,
		WillMessageFlag: connectFlag&0x04 != 0,
		CleanSession:    connectFlag&0x02 != 0,
	}
	flags := result.Flags

	if !flags.WillMessageFlag && (flags.WillRetain || flags.WillQoS != 0) {
		return nil, nil, fmt.Errorf("%w: will retain and will QoS must be 0 without a will message", ErrMalformedPacket)
	}
	if flags.WillQoS > mqtt.ExactlyOnce {
		return nil, nil, fmt.Errorf("%w: will QoS must not be 3", ErrMalformedPacket)
	}
	if flags.PasswordFlag && !flags.UsernameFlag {
		return nil, nil, fmt.Errorf("%w: password flag set without username flag", ErrMalformedPacket)
	}

	result.KeepAlive, err = readUint16(payload)
	if err != nil {
		return nil, nil, fmt.Errorf("unable to read keep alive time: %w", err)
	}

	clientID, err := readPacketPayload(payload)
	if err != nil {
		return nil, nil, fmt.Errorf("client ID: %w", err)
	}
	result.ClientID = string(clientID.Payload)

	if flags.WillMessageFlag {
		willTopic, err := readPacketPayload(payload)
		if err != nil {
			return nil, nil, fmt.Errorf("will topic: %w", err)
		}
		willContent, err := readPacketPayload(payload)
		if err != nil {
			return nil, nil, fmt.Errorf("will content: %w", err)
		}
		result.Will = &mqtt.Message{
			Topic:   string(willTopic.Payload),
			Payload: willContent.Payload,
			QoS:     flags.WillQoS,
			Retain:  flags.WillRetain,
		}
	}

	if flags.UsernameFlag {
		username, err := readPacketPayload(payload)
		if err != nil {
			return nil, nil, fmt.Errorf("username: %w", err)
		}
		result.Username = string(username.Payload)
	}

	if flags.PasswordFlag {
		password, err := readPacketPayload(payload)
		if err != nil {
			return nil, nil, fmt.Errorf("password: %w", err)
		}
		result.Password = password.Payload
	}

	if payload.CheckRemainingLength() {
		return nil, nil, errors.New("unexpected trailing bytes in CONNECT packet")
	}

	return result, nil, nil
}
