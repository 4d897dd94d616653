package protocol

import (
	"encoding/binary"
	"errors"
	"io"
)

// FrameHeaderLen is the fixed message frame prefix: opcode plus
// little-endian payload length.
const FrameHeaderLen = 5

// MaxPayloadBytes bounds decode-side allocation for one message.
const MaxPayloadBytes = 8 * 1024 * 1024

var (
	ErrUnknownOpCode   = errors.New("protocol: unknown opcode")
	ErrPayloadTooLarge = errors.New("protocol: payload too large")
	ErrTruncated       = errors.New("protocol: truncated data")
)

// Message is one complete wire message.
type Message struct {
	Op      OpCode
	Payload []byte
}

// WireSize returns the encoded length of the message including the frame.
func (m Message) WireSize() int {
	return FrameHeaderLen + len(m.Payload)
}

// Marshal encodes the message into a fresh buffer.
func (m Message) Marshal() ([]byte, error) {
	if !m.Op.Known() {
		return nil, ErrUnknownOpCode
	}
	if len(m.Payload) > MaxPayloadBytes {
		return nil, ErrPayloadTooLarge
	}
	buf := make([]byte, FrameHeaderLen+len(m.Payload))
	buf[0] = byte(m.Op)
	binary.LittleEndian.PutUint32(buf[1:5], uint32(len(m.Payload)))
	copy(buf[FrameHeaderLen:], m.Payload)
	return buf, nil
}

// WriteMessage frames and writes one message to w.
func WriteMessage(w io.Writer, m Message) error {
	buf, err := m.Marshal()
	if err != nil {
		return err
	}
	_, err = w.Write(buf)
	return err
}

// ReadMessage reads exactly one framed message from r.
func ReadMessage(r io.Reader) (Message, error) {
	var head [FrameHeaderLen]byte
	if _, err := io.ReadFull(r, head[:]); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return Message{}, ErrTruncated
		}
		return Message{}, err
	}
	op := OpCode(head[0])
	if !op.Known() {
		return Message{}, ErrUnknownOpCode
	}
	payloadLen := binary.LittleEndian.Uint32(head[1:5])
	if payloadLen > MaxPayloadBytes {
		return Message{}, ErrPayloadTooLarge
	}
	payload := make([]byte, payloadLen)
	if payloadLen > 0 {
		if _, err := io.ReadFull(r, payload); err != nil {
			return Message{}, ErrTruncated
		}
	}
	return Message{Op: op, Payload: payload}, nil
}

// ParseDatagram decodes a single message carried in one packet. Trailing
// bytes beyond the framed length are rejected.
func ParseDatagram(buf []byte) (Message, error) {
	if len(buf) < FrameHeaderLen {
		return Message{}, ErrTruncated
	}
	op := OpCode(buf[0])
	if !op.Known() {
		return Message{}, ErrUnknownOpCode
	}
	payloadLen := binary.LittleEndian.Uint32(buf[1:5])
	if payloadLen > MaxPayloadBytes {
		return Message{}, ErrPayloadTooLarge
	}
	if int(payloadLen) != len(buf)-FrameHeaderLen {
		return Message{}, ErrTruncated
	}
	payload := make([]byte, payloadLen)
	copy(payload, buf[FrameHeaderLen:])
	return Message{Op: op, Payload: payload}, nil
}

// MessageParser reassembles framed messages from a byte stream that
// arrives in arbitrary chunks.
type MessageParser struct {
	buf      []byte
	messages []Message
}

// Parse appends data and extracts every complete message available.
func (p *MessageParser) Parse(data []byte) error {
	p.buf = append(p.buf, data...)
	for {
		if len(p.buf) < FrameHeaderLen {
			return nil
		}
		op := OpCode(p.buf[0])
		if !op.Known() {
			return ErrUnknownOpCode
		}
		payloadLen := binary.LittleEndian.Uint32(p.buf[1:5])
		if payloadLen > MaxPayloadBytes {
			return ErrPayloadTooLarge
		}
		total := FrameHeaderLen + int(payloadLen)
		if len(p.buf) < total {
			return nil
		}
		payload := make([]byte, payloadLen)
		copy(payload, p.buf[FrameHeaderLen:total])
		p.messages = append(p.messages, Message{Op: op, Payload: payload})
		p.buf = p.buf[total:]
	}
}

// Empty reports whether no parsed message is waiting.
func (p *MessageParser) Empty() bool {
	return len(p.messages) == 0
}

// Front returns the oldest parsed message without removing it.
func (p *MessageParser) Front() Message {
	return p.messages[0]
}

// Pop removes and returns the oldest parsed message.
func (p *MessageParser) Pop() Message {
	m := p.messages[0]
	p.messages = p.messages[1:]
	return m
}

// Push re-queues a message at the back of the parsed queue.
func (p *MessageParser) Push(m Message) {
	p.messages = append(p.messages, m)
}

// Len returns the number of parsed messages waiting.
func (p *MessageParser) Len() int {
	return len(p.messages)
}
