package transport

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/danmuck/token_ring/src/api/message"
	"google.golang.org/protobuf/encoding/protowire"
)

const (
	idSize    = 4
	FrameSize = idSize + message.HeaderLength + message.BodyLength

	CodecFixed = "fixed"
	CodecProto = "proto"
)

var (
	ErrDesync    = errors.New("frame desynchronized")
	ErrMalformed = errors.New("malformed frame")
)

// Coder moves messages across a link. Decode returns io.EOF only when the
// link closed on a frame boundary; a frame cut short is ErrDesync.
type Coder interface {
	Encode(*message.Message) ([]byte, error)
	Decode(io.Reader) (*message.Message, error)
}

// NewCoder returns the coder registered under name.
func NewCoder(name string) (Coder, error) {
	switch name {
	case "", CodecFixed:
		return FixedCoder{}, nil
	case CodecProto:
		return ProtoCoder{}, nil
	default:
		return nil, fmt.Errorf("unknown codec %q", name)
	}
}

// FixedCoder writes every message as a FrameSize block: big-endian int32 id,
// then the tag and body buffers, NUL padded.
type FixedCoder struct{}

func (c FixedCoder) Encode(m *message.Message) ([]byte, error) {
	if err := m.Validate(); err != nil {
		return nil, err
	}
	out := make([]byte, FrameSize)
	binary.BigEndian.PutUint32(out[:idSize], uint32(m.ID))
	copy(out[idSize:idSize+message.HeaderLength], m.Tag)
	copy(out[idSize+message.HeaderLength:], m.Body)
	return out, nil
}

func (c FixedCoder) Decode(r io.Reader) (*message.Message, error) {
	buf := make([]byte, FrameSize)
	n, err := io.ReadFull(r, buf)
	if err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, fmt.Errorf("%w: read %d of %d bytes", ErrDesync, n, FrameSize)
		}
		return nil, err
	}

	m := &message.Message{
		ID:   int32(binary.BigEndian.Uint32(buf[:idSize])),
		Tag:  string(cString(buf[idSize : idSize+message.HeaderLength])),
		Body: append([]byte(nil), cString(buf[idSize+message.HeaderLength:])...),
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return m, nil
}

// cString returns b up to its first NUL byte.
func cString(b []byte) []byte {
	if i := bytes.IndexByte(b, 0); i >= 0 {
		return b[:i]
	}
	return b
}

// protobuf field numbers for ProtoCoder
const (
	fieldID   protowire.Number = 1
	fieldTag  protowire.Number = 2
	fieldBody protowire.Number = 3
)

// ProtoCoder writes a 2-byte big-endian length header followed by the message
// as protobuf wire fields.
type ProtoCoder struct{}

func (c ProtoCoder) Encode(m *message.Message) ([]byte, error) {
	if err := m.Validate(); err != nil {
		return nil, err
	}
	payload := protowire.AppendTag(nil, fieldID, protowire.VarintType)
	payload = protowire.AppendVarint(payload, uint64(uint32(m.ID)))
	if m.Tag != message.BlankTag {
		payload = protowire.AppendTag(payload, fieldTag, protowire.BytesType)
		payload = protowire.AppendString(payload, m.Tag)
	}
	if len(m.Body) > 0 {
		payload = protowire.AppendTag(payload, fieldBody, protowire.BytesType)
		payload = protowire.AppendBytes(payload, m.Body)
	}

	out := make([]byte, 2, 2+len(payload))
	binary.BigEndian.PutUint16(out, uint16(len(payload)))
	return append(out, payload...), nil
}

func (c ProtoCoder) Decode(r io.Reader) (*message.Message, error) {
	hdr := make([]byte, 2)
	n, err := io.ReadFull(r, hdr)
	if err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, fmt.Errorf("%w: read %d of 2 header bytes", ErrDesync, n)
		}
		return nil, err
	}

	length := int(binary.BigEndian.Uint16(hdr))
	payload := make([]byte, length)
	n, err = io.ReadFull(r, payload)
	if err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, fmt.Errorf("%w: read %d of %d payload bytes", ErrDesync, n, length)
		}
		return nil, err
	}

	m := &message.Message{}
	for len(payload) > 0 {
		num, typ, tn := protowire.ConsumeTag(payload)
		if tn < 0 {
			return nil, fmt.Errorf("%w: %v", ErrMalformed, protowire.ParseError(tn))
		}
		payload = payload[tn:]

		var vn int
		switch {
		case num == fieldID && typ == protowire.VarintType:
			var v uint64
			v, vn = protowire.ConsumeVarint(payload)
			m.ID = int32(uint32(v))
		case num == fieldTag && typ == protowire.BytesType:
			var v []byte
			v, vn = protowire.ConsumeBytes(payload)
			m.Tag = string(v)
		case num == fieldBody && typ == protowire.BytesType:
			var v []byte
			v, vn = protowire.ConsumeBytes(payload)
			m.Body = append([]byte(nil), v...)
		default:
			vn = protowire.ConsumeFieldValue(num, typ, payload)
		}
		if vn < 0 {
			return nil, fmt.Errorf("%w: %v", ErrMalformed, protowire.ParseError(vn))
		}
		payload = payload[vn:]
	}

	if err := m.Validate(); err != nil {
		return nil, err
	}
	return m, nil
}
