package event

import (
	"errors"
	"testing"

	"github.com/danmuck/miknet/internal/protocol/gram"
	"github.com/danmuck/miknet/internal/testutil/testlog"
)

func TestFromDatagramDecodesMessage(t *testing.T) {
	testlog.Start(t)
	in := gram.Message{Token: 42, Units: []gram.Unit{gram.CookieEcho{Cookie: []byte{1, 2}}, gram.Ack{TSN: 3}}}
	b, err := gram.Encode(in)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	ev, ok := FromDatagram(b).(Message)
	if !ok {
		t.Fatalf("expected Message event")
	}
	if !gram.Equal(ev.Message, in) {
		t.Fatalf("decoded message mismatch: %+v", ev.Message)
	}
}

func TestFromDatagramMarksDecodeFailure(t *testing.T) {
	testlog.Start(t)
	ev, ok := FromDatagram([]byte{0xde, 0xad}).(InvalidMessage)
	if !ok {
		t.Fatalf("expected InvalidMessage event")
	}
	if !errors.Is(ev.Err, gram.ErrTruncated) {
		t.Fatalf("expected truncated cause, got %v", ev.Err)
	}
}

func TestExpandPreservesOrderAndToken(t *testing.T) {
	testlog.Start(t)
	m := gram.Message{Token: 7, Units: []gram.Unit{gram.Init{Seq: 1}, gram.CookieAck{}, gram.Shutdown{}}}
	events := Expand(m)
	if len(events) != 3 {
		t.Fatalf("expected 3 events, got %d", len(events))
	}
	for i, ev := range events {
		u, ok := ev.(Unit)
		if !ok {
			t.Fatalf("event %d is %T", i, ev)
		}
		if u.Token != 7 || u.Unit.Kind() != m.Units[i].Kind() {
			t.Fatalf("event %d mismatch: %+v", i, u)
		}
	}
}
