// Package protocol implements the control-connection wire format shared by the
// coordinator and the workers.
//
// Every message is framed as a 4-byte big-endian header length, a UTF-8 JSON
// header object and an optional binary payload whose exact size is declared by
// the header's bin_size field.
package protocol

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"slices"
)

const (
	// DefaultMaxHeaderBytes bounds the JSON header of a single message
	DefaultMaxHeaderBytes = 1 << 20
	// DefaultMaxPayloadBytes bounds the binary payload of a single message
	DefaultMaxPayloadBytes = 4 << 30

	lengthPrefixSize = 4

	// payloadChunk is how much payload is read per step, so a declared
	// bin_size is only allocated as the bytes actually arrive
	payloadChunk = 1 << 20
)

// ErrClosed is returned when the peer closed the connection before or during
// a message. It marks a normal end of stream, not a protocol violation.
var ErrClosed = errors.New("connection closed")

// ProtocolError reports a malformed message. It is fatal to the connection it
// was read from.
type ProtocolError struct {
	Reason string
	Err    error
}

func (e *ProtocolError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("protocol error: %s: %v", e.Reason, e.Err)
	}
	return "protocol error: " + e.Reason
}

func (e *ProtocolError) Unwrap() error {
	return e.Err
}

// IsProtocolError reports whether err is (or wraps) a *ProtocolError
func IsProtocolError(err error) bool {
	var pe *ProtocolError
	return errors.As(err, &pe)
}

// Limits caps the sizes accepted by Read. Zero values select the defaults.
type Limits struct {
	MaxHeaderBytes  int
	MaxPayloadBytes int64
}

func (l Limits) withDefaults() Limits {
	if l.MaxHeaderBytes <= 0 {
		l.MaxHeaderBytes = DefaultMaxHeaderBytes
	}
	if l.MaxPayloadBytes <= 0 {
		l.MaxPayloadBytes = DefaultMaxPayloadBytes
	}
	return l
}

// envelope holds the two fields every header carries
type envelope struct {
	Type    MessageType `json:"type"`
	BinSize int64       `json:"bin_size"`
}

// Message is one decoded frame
type Message struct {
	Type    MessageType
	Header  json.RawMessage
	Payload []byte
}

// Decode unmarshals the raw header into a typed body such as *Assign
func (m *Message) Decode(v any) error {
	if err := json.Unmarshal(m.Header, v); err != nil {
		return &ProtocolError{Reason: fmt.Sprintf("invalid %s header", m.Type), Err: err}
	}
	return nil
}

// EncodeHeader builds the JSON header for msgType. Fields of body (which may be
// nil) are merged with the type discriminator and bin_size.
func EncodeHeader(msgType MessageType, body any, binSize int) ([]byte, error) {
	fields := make(map[string]json.RawMessage)
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal %s body: %w", msgType, err)
		}
		if err := json.Unmarshal(raw, &fields); err != nil {
			return nil, fmt.Errorf("%s body must encode as a JSON object: %w", msgType, err)
		}
	}

	typeJSON, _ := json.Marshal(string(msgType))
	sizeJSON, _ := json.Marshal(binSize)
	fields["type"] = typeJSON
	fields["bin_size"] = sizeJSON

	return json.Marshal(fields)
}

// Write frames and writes a single message. The caller serializes concurrent
// writers; see Conn.
func Write(w io.Writer, msgType MessageType, body any, payload []byte) error {
	header, err := EncodeHeader(msgType, body, len(payload))
	if err != nil {
		return err
	}

	frame := make([]byte, lengthPrefixSize+len(header))
	binary.BigEndian.PutUint32(frame, uint32(len(header))) // #nosec G115 -- header is bounded by json size
	copy(frame[lengthPrefixSize:], header)

	if _, err := w.Write(frame); err != nil {
		return fmt.Errorf("failed to write %s header: %w", msgType, err)
	}
	if len(payload) > 0 {
		if _, err := w.Write(payload); err != nil {
			return fmt.Errorf("failed to write %s payload: %w", msgType, err)
		}
	}
	return nil
}

// Read reads exactly one message. A connection closed at any point yields
// ErrClosed; malformed input yields a *ProtocolError.
func Read(r io.Reader, limits Limits) (*Message, error) {
	limits = limits.withDefaults()

	var prefix [lengthPrefixSize]byte
	if err := readFull(r, prefix[:]); err != nil {
		return nil, err
	}

	headerLen := binary.BigEndian.Uint32(prefix[:])
	if headerLen == 0 {
		return nil, &ProtocolError{Reason: "empty header"}
	}
	if uint64(headerLen) > uint64(limits.MaxHeaderBytes) {
		return nil, &ProtocolError{Reason: fmt.Sprintf("header length %d exceeds limit %d", headerLen, limits.MaxHeaderBytes)}
	}

	header := make([]byte, headerLen)
	if err := readFull(r, header); err != nil {
		return nil, err
	}

	var env envelope
	if err := json.Unmarshal(header, &env); err != nil {
		return nil, &ProtocolError{Reason: "malformed header", Err: err}
	}
	if env.Type == "" {
		return nil, &ProtocolError{Reason: "header missing type"}
	}
	if env.BinSize < 0 {
		return nil, &ProtocolError{Reason: fmt.Sprintf("negative bin_size %d", env.BinSize)}
	}
	if env.BinSize > limits.MaxPayloadBytes {
		return nil, &ProtocolError{Reason: fmt.Sprintf("bin_size %d exceeds limit %d", env.BinSize, limits.MaxPayloadBytes)}
	}

	msg := &Message{Type: env.Type, Header: json.RawMessage(header)}
	if env.BinSize > 0 {
		payload, err := readPayload(r, env.BinSize)
		if err != nil {
			return nil, err
		}
		msg.Payload = payload
	}
	return msg, nil
}

// readPayload reads exactly size bytes, growing the buffer chunk by chunk
func readPayload(r io.Reader, size int64) ([]byte, error) {
	buf := make([]byte, 0, min(size, payloadChunk))
	for int64(len(buf)) < size {
		n := int(min(size-int64(len(buf)), payloadChunk))
		buf = slices.Grow(buf, n)
		if err := readFull(r, buf[len(buf):len(buf)+n]); err != nil {
			return nil, err
		}
		buf = buf[:len(buf)+n]
	}
	return buf, nil
}

// readFull retries short reads until buf is filled, mapping any end of stream
// to ErrClosed
func readFull(r io.Reader, buf []byte) error {
	if _, err := io.ReadFull(r, buf); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return ErrClosed
		}
		return err
	}
	return nil
}
