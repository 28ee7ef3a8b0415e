package gram

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math"
)

var be = binary.BigEndian

// Message is one datagram worth of units under a single association token.
type Message struct {
	Token uint32
	Units []Unit
}

// Size is the encoded length of m.
func (m Message) Size() int {
	n := HeaderLen
	for _, u := range m.Units {
		n += EncodedLen(u)
	}
	return n
}

// Encode serializes m. It never returns a frame longer than MTU.
func Encode(m Message) ([]byte, error) {
	size := m.Size()
	if size > MTU {
		return nil, fmt.Errorf("%w: %d bytes", ErrMessageTooLarge, size)
	}
	if len(m.Units) > math.MaxUint16 {
		return nil, fmt.Errorf("%w: %d units", ErrMessageTooLarge, len(m.Units))
	}
	buf := make([]byte, 0, size)
	buf = be.AppendUint32(buf, m.Token)
	buf = be.AppendUint16(buf, uint16(len(m.Units)))
	for _, u := range m.Units {
		buf = append(buf, byte(u.Kind()))
		buf = be.AppendUint16(buf, uint16(u.bodyLen()))
		buf = u.appendBody(buf)
	}
	return buf, nil
}

// Decode parses exactly one Message from b. Decoded byte fields never alias b.
func Decode(b []byte) (Message, error) {
	if len(b) > MTU {
		return Message{}, fmt.Errorf("%w: %d bytes", ErrMessageTooLarge, len(b))
	}
	if len(b) < HeaderLen {
		return Message{}, ErrTruncated
	}
	m := Message{Token: be.Uint32(b[0:4])}
	count := int(be.Uint16(b[4:6]))
	i := HeaderLen
	if count > 0 {
		m.Units = make([]Unit, 0, count)
	}
	for n := 0; n < count; n++ {
		if len(b)-i < UnitHeaderLen {
			return Message{}, ErrTruncated
		}
		kind := Kind(b[i])
		l := int(be.Uint16(b[i+1 : i+3]))
		i += UnitHeaderLen
		if len(b)-i < l {
			return Message{}, ErrTruncated
		}
		u, err := decodeUnit(kind, b[i:i+l])
		if err != nil {
			return Message{}, err
		}
		m.Units = append(m.Units, u)
		i += l
	}
	if i != len(b) {
		return Message{}, ErrTrailingBytes
	}
	return m, nil
}

func decodeUnit(kind Kind, body []byte) (Unit, error) {
	switch kind {
	case KindInit:
		if len(body) != initLen {
			return nil, bodyErr(kind, len(body))
		}
		return Init{Token: be.Uint32(body[0:4]), Seq: be.Uint32(body[4:8])}, nil
	case KindInitAck:
		if len(body) < initLen {
			return nil, bodyErr(kind, len(body))
		}
		return InitAck{
			Token:  be.Uint32(body[0:4]),
			Seq:    be.Uint32(body[4:8]),
			Cookie: clone(body[initLen:]),
		}, nil
	case KindCookieEcho:
		return CookieEcho{Cookie: clone(body)}, nil
	case KindCookieAck:
		if len(body) != 0 {
			return nil, bodyErr(kind, len(body))
		}
		return CookieAck{}, nil
	case KindData:
		if len(body) < dataFixedLen {
			return nil, bodyErr(kind, len(body))
		}
		return Data{
			TSN:     be.Uint32(body[0:4]),
			Stream:  be.Uint16(body[4:6]),
			Ordinal: be.Uint64(body[6:14]),
			Payload: clone(body[dataFixedLen:]),
		}, nil
	case KindAck:
		if len(body) != tokenLen {
			return nil, bodyErr(kind, len(body))
		}
		return Ack{TSN: be.Uint32(body)}, nil
	case KindShutdown:
		if len(body) != 0 {
			return nil, bodyErr(kind, len(body))
		}
		return Shutdown{}, nil
	case KindShutdownAck:
		if len(body) != 0 {
			return nil, bodyErr(kind, len(body))
		}
		return ShutdownAck{}, nil
	case KindHeartbeat:
		if len(body) != tokenLen {
			return nil, bodyErr(kind, len(body))
		}
		return Heartbeat{Nonce: be.Uint32(body)}, nil
	case KindHeartbeatAck:
		if len(body) != tokenLen {
			return nil, bodyErr(kind, len(body))
		}
		return HeartbeatAck{Nonce: be.Uint32(body)}, nil
	default:
		return nil, fmt.Errorf("%w: %d", ErrUnknownUnit, uint8(kind))
	}
}

func bodyErr(kind Kind, got int) error {
	return fmt.Errorf("%w: %s body=%d", ErrBodyLength, kind, got)
}

func clone(b []byte) []byte {
	if len(b) == 0 {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}

// Equal reports whether a and b encode identically. Nil and empty byte fields compare equal.
func Equal(a, b Message) bool {
	if a.Token != b.Token || len(a.Units) != len(b.Units) {
		return false
	}
	for i := range a.Units {
		if !UnitEqual(a.Units[i], b.Units[i]) {
			return false
		}
	}
	return true
}

func UnitEqual(a, b Unit) bool {
	if a.Kind() != b.Kind() || a.bodyLen() != b.bodyLen() {
		return false
	}
	return bytes.Equal(a.appendBody(nil), b.appendBody(nil))
}
