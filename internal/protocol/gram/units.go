package gram

import "fmt"

const (
	// MTU bounds every encoded Message.
	MTU = 1400

	HeaderLen     = 6
	UnitHeaderLen = 3

	dataFixedLen = 14
	initLen      = 8
	tokenLen     = 4

	// MaxPayload is the largest Data payload that fits a Message carrying only that unit.
	MaxPayload = MTU - HeaderLen - UnitHeaderLen - dataFixedLen
)

// Kind identifies a unit on the wire.
type Kind uint8

const (
	KindInit Kind = iota + 1
	KindInitAck
	KindCookieEcho
	KindCookieAck
	KindData
	KindAck
	KindShutdown
	KindShutdownAck
	KindHeartbeat
	KindHeartbeatAck
)

func (k Kind) String() string {
	switch k {
	case KindInit:
		return "init"
	case KindInitAck:
		return "init_ack"
	case KindCookieEcho:
		return "cookie_echo"
	case KindCookieAck:
		return "cookie_ack"
	case KindData:
		return "data"
	case KindAck:
		return "ack"
	case KindShutdown:
		return "shutdown"
	case KindShutdownAck:
		return "shutdown_ack"
	case KindHeartbeat:
		return "heartbeat"
	case KindHeartbeatAck:
		return "heartbeat_ack"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// Unit is one protocol message nested in a Message. The set of implementations
// is closed; consumers switch over the concrete types below.
type Unit interface {
	Kind() Kind
	bodyLen() int
	appendBody(dst []byte) []byte
}

// Init opens a handshake. Token is zero until a token is negotiated.
type Init struct {
	Token uint32
	Seq   uint32
}

// InitAck answers Init with the responder's token, sequence number and a stateless cookie.
type InitAck struct {
	Token  uint32
	Seq    uint32
	Cookie []byte
}

// CookieEcho returns the InitAck cookie unmodified.
type CookieEcho struct {
	Cookie []byte
}

// CookieAck completes the handshake.
type CookieAck struct{}

// Data carries one ordered payload on a stream.
type Data struct {
	TSN     uint32
	Stream  uint16
	Ordinal uint64
	Payload []byte
}

// Ack acknowledges one Data unit by transmission sequence number.
type Ack struct {
	TSN uint32
}

// Shutdown announces close intent.
type Shutdown struct{}

// ShutdownAck confirms a Shutdown.
type ShutdownAck struct{}

// Heartbeat checks that an idle association is still alive.
type Heartbeat struct {
	Nonce uint32
}

// HeartbeatAck answers a Heartbeat with the same nonce.
type HeartbeatAck struct {
	Nonce uint32
}

// StreamPosition locates a Data unit in its stream.
type StreamPosition struct {
	Stream  uint16
	Ordinal uint64
}

func (d Data) Position() StreamPosition {
	return StreamPosition{Stream: d.Stream, Ordinal: d.Ordinal}
}

func (Init) Kind() Kind         { return KindInit }
func (InitAck) Kind() Kind      { return KindInitAck }
func (CookieEcho) Kind() Kind   { return KindCookieEcho }
func (CookieAck) Kind() Kind    { return KindCookieAck }
func (Data) Kind() Kind         { return KindData }
func (Ack) Kind() Kind          { return KindAck }
func (Shutdown) Kind() Kind     { return KindShutdown }
func (ShutdownAck) Kind() Kind  { return KindShutdownAck }
func (Heartbeat) Kind() Kind    { return KindHeartbeat }
func (HeartbeatAck) Kind() Kind { return KindHeartbeatAck }

func (Init) bodyLen() int         { return initLen }
func (u InitAck) bodyLen() int    { return initLen + len(u.Cookie) }
func (u CookieEcho) bodyLen() int { return len(u.Cookie) }
func (CookieAck) bodyLen() int    { return 0 }
func (u Data) bodyLen() int       { return dataFixedLen + len(u.Payload) }
func (Ack) bodyLen() int          { return tokenLen }
func (Shutdown) bodyLen() int     { return 0 }
func (ShutdownAck) bodyLen() int  { return 0 }
func (Heartbeat) bodyLen() int    { return tokenLen }
func (HeartbeatAck) bodyLen() int { return tokenLen }

func (u Init) appendBody(dst []byte) []byte {
	dst = be.AppendUint32(dst, u.Token)
	return be.AppendUint32(dst, u.Seq)
}

func (u InitAck) appendBody(dst []byte) []byte {
	dst = be.AppendUint32(dst, u.Token)
	dst = be.AppendUint32(dst, u.Seq)
	return append(dst, u.Cookie...)
}

func (u CookieEcho) appendBody(dst []byte) []byte { return append(dst, u.Cookie...) }
func (CookieAck) appendBody(dst []byte) []byte    { return dst }

func (u Data) appendBody(dst []byte) []byte {
	dst = be.AppendUint32(dst, u.TSN)
	dst = be.AppendUint16(dst, u.Stream)
	dst = be.AppendUint64(dst, u.Ordinal)
	return append(dst, u.Payload...)
}

func (u Ack) appendBody(dst []byte) []byte          { return be.AppendUint32(dst, u.TSN) }
func (Shutdown) appendBody(dst []byte) []byte       { return dst }
func (ShutdownAck) appendBody(dst []byte) []byte    { return dst }
func (u Heartbeat) appendBody(dst []byte) []byte    { return be.AppendUint32(dst, u.Nonce) }
func (u HeartbeatAck) appendBody(dst []byte) []byte { return be.AppendUint32(dst, u.Nonce) }

// EncodedLen is the on-wire size of u including its unit header.
func EncodedLen(u Unit) int {
	return UnitHeaderLen + u.bodyLen()
}
