// Package frame is the length-prefixed record format of the stream backend.
// Each record carries one application payload with its delivery mode and, for
// ordered modes, its resolved stream position.
package frame

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

const (
	Magic          uint32 = 0x4D494B31
	Version        uint16 = 1
	FixedHeaderLen        = 22
)

// Mode is the delivery mode tag of a record.
type Mode uint8

const (
	ModeReliableOrdered Mode = iota + 1
	ModeReliableUnordered
	ModeUnreliable
)

func (m Mode) String() string {
	switch m {
	case ModeReliableOrdered:
		return "reliable_ordered"
	case ModeReliableUnordered:
		return "reliable_unordered"
	case ModeUnreliable:
		return "unreliable"
	default:
		return fmt.Sprintf("mode(%d)", uint8(m))
	}
}

var (
	ErrShortHeader     = errors.New("frame: short fixed header")
	ErrBadMagic        = errors.New("frame: bad magic")
	ErrVersion         = errors.New("frame: unsupported version")
	ErrUnknownMode     = errors.New("frame: unknown delivery mode")
	ErrPayloadTooLarge = errors.New("frame: payload too large")
)

// Header is the fixed record header.
type Header struct {
	Magic      uint32
	Version    uint16
	Mode       Mode
	Stream     uint16
	Ordinal    uint64
	PayloadLen uint32
}

// Frame is one complete record.
type Frame struct {
	Header  Header
	Payload []byte
}

// Limits constrains frame decode/encode memory use.
type Limits struct {
	MaxPayloadBytes uint32
}

func DefaultLimits() Limits {
	return Limits{
		MaxPayloadBytes: 1 << 20,
	}
}

func ReadFrame(r io.Reader, limits Limits) (Frame, error) {
	var fixed [FixedHeaderLen]byte
	if _, err := io.ReadFull(r, fixed[:]); err != nil {
		if errors.Is(err, io.EOF) {
			return Frame{}, io.EOF
		}
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return Frame{}, ErrShortHeader
		}
		return Frame{}, err
	}

	h, err := DecodeHeader(fixed[:])
	if err != nil {
		return Frame{}, err
	}
	if h.PayloadLen > limits.MaxPayloadBytes {
		return Frame{}, ErrPayloadTooLarge
	}

	payload := make([]byte, h.PayloadLen)
	if h.PayloadLen > 0 {
		if _, err := io.ReadFull(r, payload); err != nil {
			return Frame{}, err
		}
	}
	return Frame{Header: h, Payload: payload}, nil
}

// WriteFrame writes header and payload in a single Write so concurrent
// writers serialized by the caller never interleave partial records.
func WriteFrame(w io.Writer, f Frame, limits Limits) error {
	if uint64(len(f.Payload)) > uint64(limits.MaxPayloadBytes) {
		return ErrPayloadTooLarge
	}
	h := f.Header
	h.Magic = Magic
	h.Version = Version
	h.PayloadLen = uint32(len(f.Payload))

	buf := make([]byte, 0, FixedHeaderLen+len(f.Payload))
	buf = append(buf, EncodeHeader(h)...)
	buf = append(buf, f.Payload...)
	_, err := w.Write(buf)
	return err
}

func EncodeHeader(h Header) []byte {
	buf := make([]byte, FixedHeaderLen)
	binary.BigEndian.PutUint32(buf[0:4], h.Magic)
	binary.BigEndian.PutUint16(buf[4:6], h.Version)
	buf[6] = byte(h.Mode)
	binary.BigEndian.PutUint16(buf[8:10], h.Stream)
	binary.BigEndian.PutUint64(buf[10:18], h.Ordinal)
	binary.BigEndian.PutUint32(buf[18:22], h.PayloadLen)
	return buf
}

func DecodeHeader(b []byte) (Header, error) {
	if len(b) != FixedHeaderLen {
		return Header{}, fmt.Errorf("frame: invalid fixed header length: %d", len(b))
	}
	h := Header{
		Magic:      binary.BigEndian.Uint32(b[0:4]),
		Version:    binary.BigEndian.Uint16(b[4:6]),
		Mode:       Mode(b[6]),
		Stream:     binary.BigEndian.Uint16(b[8:10]),
		Ordinal:    binary.BigEndian.Uint64(b[10:18]),
		PayloadLen: binary.BigEndian.Uint32(b[18:22]),
	}
	if h.Magic != Magic {
		return Header{}, fmt.Errorf("%w: %#x", ErrBadMagic, h.Magic)
	}
	if h.Version != Version {
		return Header{}, fmt.Errorf("%w: %d", ErrVersion, h.Version)
	}
	if h.Mode < ModeReliableOrdered || h.Mode > ModeUnreliable {
		return Header{}, fmt.Errorf("%w: %d", ErrUnknownMode, h.Mode)
	}
	return h, nil
}
