package conn

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"time"

	"github.com/danmuck/miknet/internal/protocol/gram"
)

type State int

const (
	Closed State = iota
	InitSent
	CookieEchoed
	Established
	Closing
)

func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case InitSent:
		return "init_sent"
	case CookieEchoed:
		return "cookie_echoed"
	case Established:
		return "established"
	case Closing:
		return "closing"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

type Role int

const (
	RoleInitiator Role = iota
	RoleResponder
)

func (r Role) String() string {
	if r == RoleResponder {
		return "responder"
	}
	return "initiator"
}

// Delivery is one payload released to the application in stream order.
type Delivery struct {
	Position gram.StreamPosition
	Payload  []byte
}

// Env receives every side effect of a Machine. Calls happen on the goroutine
// that called Handle.
type Env interface {
	// Transmit writes one encoded datagram to the peer.
	Transmit(b []byte) error
	// Bind reports the negotiated association token.
	Bind(token uint32)
	Established()
	Deliver(d Delivery)
	// Closed is called exactly once. err is nil for an orderly close.
	Closed(err error)
}

// Source supplies random tokens and initial sequence numbers.
type Source interface {
	Uint32() uint32
}

type cryptoSource struct{}

func (cryptoSource) Uint32() uint32 {
	var b [4]byte
	if _, err := rand.Read(b[:]); err != nil {
		panic(fmt.Sprintf("conn: read random: %v", err))
	}
	return binary.BigEndian.Uint32(b[:])
}

// CryptoSource draws from crypto/rand.
func CryptoSource() Source {
	return cryptoSource{}
}

// nonZero draws until the value is usable as a token.
func nonZero(src Source) uint32 {
	for {
		if v := src.Uint32(); v != 0 {
			return v
		}
	}
}

type DropReason string

const (
	DropInvalid       DropReason = "invalid_message"
	DropToken         DropReason = "token_mismatch"
	DropUnexpected    DropReason = "unexpected_unit"
	DropClosed        DropReason = "closed"
	DropStaleTimer    DropReason = "stale_timer"
	DropReorderWindow DropReason = "reorder_window"
)

// Stats are per-connection counters.
type Stats struct {
	Dropped     map[DropReason]int
	Retransmits int
	Delivered   int
	Duplicates  int
	Sent        int
}

// Snapshot is the protocol state visible to tests and the admin surface.
type Snapshot struct {
	ID          string
	Role        Role
	State       State
	Token       uint32
	LocalSeq    uint32
	PeerSeq     uint32
	NextTSN     uint32
	Outstanding int
	Backlog     int
	Buffered    int
	LastInbound time.Time
}

// reorder holds one stream's receive side.
type reorder struct {
	next     uint64
	buffered map[uint64][]byte
}

func newReorder() *reorder {
	return &reorder{next: 1, buffered: make(map[uint64][]byte)}
}
