// Package event defines the closed set of inputs a connection reacts to.
package event

import (
	"github.com/danmuck/miknet/internal/protocol/gram"
	"github.com/danmuck/miknet/internal/protocol/timer"
)

// Event is one input to a connection. Implementations are limited to this package.
type Event interface {
	isEvent()
}

// Call is an application request carried by Api.
type Call interface {
	isCall()
}

// Send queues Payload for reliable ordered delivery on Stream.
type Send struct {
	Stream  uint16
	Payload []byte
}

type Disconnect struct{}

type Connect struct{}

// Api is an application call.
type Api struct {
	Call Call
}

// Message is a decoded inbound datagram.
type Message struct {
	Message gram.Message
}

// Unit is one unit of an inbound Message, tagged with the Message token.
type Unit struct {
	Token uint32
	Unit  gram.Unit
}

// Timer is a timer firing. It may be stale.
type Timer struct {
	Key timer.Key
}

// InvalidMessage marks a datagram that failed to decode.
type InvalidMessage struct {
	Err error
}

func (Send) isCall()       {}
func (Disconnect) isCall() {}
func (Connect) isCall()    {}

func (Api) isEvent()            {}
func (Message) isEvent()        {}
func (Unit) isEvent()           {}
func (Timer) isEvent()          {}
func (InvalidMessage) isEvent() {}

// FromDatagram decodes b. Decode failures become InvalidMessage, never an error.
func FromDatagram(b []byte) Event {
	m, err := gram.Decode(b)
	if err != nil {
		return InvalidMessage{Err: err}
	}
	return Message{Message: m}
}

// Expand fans m out into one Unit event per unit, in wire order.
func Expand(m gram.Message) []Event {
	out := make([]Event, 0, len(m.Units))
	for _, u := range m.Units {
		out = append(out, Unit{Token: m.Token, Unit: u})
	}
	return out
}
