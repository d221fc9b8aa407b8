package mqttbroker

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strings"
)

const (
	packetConnect     = 1
	packetPublish     = 3
	packetSubscribe   = 8
	packetUnsubscribe = 10
	packetPingReq     = 12
	packetDisconnect  = 14
)

const (
	connAckAccepted      = 0x00
	connAckBadProtocol   = 0x01
	connAckNotAuthorized = 0x05
)

const (
	flagWill       = 1 << 2
	flagWillQoS    = 3 << 3
	flagWillRetain = 1 << 5
	flagPassword   = 1 << 6
	flagUsername   = 1 << 7
)

var errProtocolLevel = errors.New("unsupported protocol level")

type connectRequest struct {
	clientID string
	username string
	password string
}

func parseConnect(payload []byte) (connectRequest, error) {
	rd := bytesReader(payload)

	protoName, err := rd.readString()
	if err != nil {
		return connectRequest{}, fmt.Errorf("read protocol name: %w", err)
	}
	if protoName != "MQTT" {
		return connectRequest{}, fmt.Errorf("unsupported protocol %q", protoName)
	}

	level, err := rd.readByte()
	if err != nil {
		return connectRequest{}, fmt.Errorf("read protocol level: %w", err)
	}
	if level != 4 { // MQTT 3.1.1
		return connectRequest{}, fmt.Errorf("%w %d", errProtocolLevel, level)
	}

	flags, err := rd.readByte()
	if err != nil {
		return connectRequest{}, fmt.Errorf("read connect flags: %w", err)
	}
	if flags&(flagWill|flagWillQoS|flagWillRetain) != 0 || flags&0x01 != 0 {
		return connectRequest{}, fmt.Errorf("unsupported connect flags %08b", flags)
	}

	if _, err := rd.readUint16(); err != nil { // keep alive
		return connectRequest{}, fmt.Errorf("read keepalive: %w", err)
	}

	var req connectRequest
	if req.clientID, err = rd.readString(); err != nil {
		return connectRequest{}, fmt.Errorf("read client id: %w", err)
	}
	if flags&flagUsername != 0 {
		if req.username, err = rd.readString(); err != nil {
			return connectRequest{}, fmt.Errorf("read username: %w", err)
		}
	}
	if flags&flagPassword != 0 {
		if req.password, err = rd.readString(); err != nil {
			return connectRequest{}, fmt.Errorf("read password: %w", err)
		}
	}
	return req, nil
}

func connAck(code byte) []byte {
	return []byte{0x20, 0x02, 0x00, code}
}

func parseSubscribe(payload []byte) (uint16, []string, error) {
	rd := bytesReader(payload)

	packetID, err := rd.readUint16()
	if err != nil {
		return 0, nil, fmt.Errorf("read packet id: %w", err)
	}

	filters := make([]string, 0, 1)
	for rd.remaining() > 0 {
		filter, err := rd.readString()
		if err != nil {
			return 0, nil, fmt.Errorf("read topic: %w", err)
		}
		if rd.remaining() == 0 {
			return 0, nil, fmt.Errorf("missing qos byte")
		}
		if _, err := rd.readByte(); err != nil {
			return 0, nil, fmt.Errorf("read qos: %w", err)
		}
		if !validFilter(filter) {
			return 0, nil, fmt.Errorf("invalid topic filter %q", filter)
		}
		filters = append(filters, filter)
	}
	if len(filters) == 0 {
		return 0, nil, fmt.Errorf("subscribe without topics")
	}
	return packetID, filters, nil
}

func parseUnsubscribe(payload []byte) (uint16, []string, error) {
	rd := bytesReader(payload)
	packetID, err := rd.readUint16()
	if err != nil {
		return 0, nil, fmt.Errorf("read packet id: %w", err)
	}
	var filters []string
	for rd.remaining() > 0 {
		f, err := rd.readString()
		if err != nil {
			return 0, nil, fmt.Errorf("read topic: %w", err)
		}
		filters = append(filters, f)
	}
	return packetID, filters, nil
}

func parsePublish(header byte, payload []byte) (PublishMessage, error) {
	qos := (header >> 1) & 0x03
	if qos != 0 {
		return PublishMessage{}, fmt.Errorf("unsupported qos %d", qos)
	}

	rd := bytesReader(payload)
	topic, err := rd.readString()
	if err != nil {
		return PublishMessage{}, fmt.Errorf("read topic: %w", err)
	}
	if strings.ContainsAny(topic, "+#") {
		return PublishMessage{}, fmt.Errorf("wildcard in publish topic %q", topic)
	}

	if rd.remaining() == 0 {
		return PublishMessage{Topic: topic, Payload: nil}, nil
	}

	data := rd.readBytes(rd.remaining())
	return PublishMessage{Topic: topic, Payload: data}, nil
}

// validFilter accepts '+' only as a whole level and '#' only as the last level.
func validFilter(filter string) bool {
	if filter == "" {
		return false
	}
	levels := strings.Split(filter, "/")
	for i, l := range levels {
		if strings.Contains(l, "#") && (l != "#" || i != len(levels)-1) {
			return false
		}
		if strings.Contains(l, "+") && l != "+" {
			return false
		}
	}
	return true
}

// topicMatches applies MQTT wildcard rules of filter to a concrete topic.
func topicMatches(filter, topic string) bool {
	if filter == topic {
		return true
	}
	fl := strings.Split(filter, "/")
	tl := strings.Split(topic, "/")
	for i, f := range fl {
		if f == "#" {
			return true
		}
		if i >= len(tl) {
			return false
		}
		if f != "+" && f != tl[i] {
			return false
		}
	}
	return len(fl) == len(tl)
}

func buildPublishPacket(topic string, payload []byte) ([]byte, error) {
	topicLen := len(topic)
	if topicLen > 65535 {
		return nil, fmt.Errorf("topic too long")
	}

	remaining := 2 + topicLen + len(payload)
	remainingBytes := encodeRemainingLength(remaining)

	packet := make([]byte, 0, 1+len(remainingBytes)+remaining)
	packet = append(packet, 0x30)
	packet = append(packet, remainingBytes...)
	packet = append(packet, byte(topicLen>>8), byte(topicLen&0xFF))
	packet = append(packet, topic...)
	packet = append(packet, payload...)
	return packet, nil
}

func buildSubAck(packetID uint16, topics int) ([]byte, error) {
	if topics <= 0 {
		return nil, fmt.Errorf("no topics to ack")
	}
	remaining := 2 + topics
	remainingBytes := encodeRemainingLength(remaining)
	packet := make([]byte, 0, 1+len(remainingBytes)+remaining)
	packet = append(packet, 0x90)
	packet = append(packet, remainingBytes...)
	packet = append(packet, byte(packetID>>8), byte(packetID&0xFF))
	for i := 0; i < topics; i++ {
		packet = append(packet, 0x00)
	}
	return packet, nil
}

type bytesReader []byte

func (b *bytesReader) readByte() (byte, error) {
	if len(*b) == 0 {
		return 0, io.EOF
	}
	v := (*b)[0]
	*b = (*b)[1:]
	return v, nil
}

func (b *bytesReader) readUint16() (uint16, error) {
	if len(*b) < 2 {
		return 0, io.EOF
	}
	v := uint16((*b)[0])<<8 | uint16((*b)[1])
	*b = (*b)[2:]
	return v, nil
}

func (b *bytesReader) readString() (string, error) {
	l, err := b.readUint16()
	if err != nil {
		return "", err
	}
	if len(*b) < int(l) {
		return "", io.ErrUnexpectedEOF
	}
	s := string((*b)[:l])
	*b = (*b)[l:]
	return s, nil
}

func (b *bytesReader) readBytes(n int) []byte {
	if len(*b) < n {
		n = len(*b)
	}
	out := make([]byte, n)
	copy(out, (*b)[:n])
	*b = (*b)[n:]
	return out
}

func (b *bytesReader) remaining() int {
	return len(*b)
}

func readVarInt(r *bufio.Reader) (int, error) {
	multiplier := 1
	value := 0
	for i := 0; i < 4; i++ {
		digit, err := r.ReadByte()
		if err != nil {
			return 0, err
		}
		value += int(digit&127) * multiplier
		if digit&128 == 0 {
			return value, nil
		}
		multiplier *= 128
	}
	return 0, fmt.Errorf("malformed remaining length")
}

func encodeRemainingLength(length int) []byte {
	if length < 0 {
		length = 0
	}

	var encoded []byte
	for {
		digit := byte(length % 128)
		length /= 128
		if length > 0 {
			digit |= 0x80
		}
		encoded = append(encoded, digit)
		if length == 0 {
			break
		}
	}
	return encoded
}
