package frame

import (
	"bytes"
	"errors"
	"io"
	"testing"

	"github.com/danmuck/miknet/internal/testutil/testlog"
)

func TestReadWriteFrameRoundTrip(t *testing.T) {
	testlog.Start(t)
	in := Frame{
		Header:  Header{Mode: ModeReliableOrdered, Stream: 7, Ordinal: 42},
		Payload: []byte("ping"),
	}
	var buf bytes.Buffer
	if err := WriteFrame(&buf, in, DefaultLimits()); err != nil {
		t.Fatalf("write frame: %v", err)
	}
	if buf.Len() != FixedHeaderLen+4 {
		t.Fatalf("record length = %d", buf.Len())
	}
	out, err := ReadFrame(&buf, DefaultLimits())
	if err != nil {
		t.Fatalf("read frame: %v", err)
	}
	if out.Header.Magic != Magic || out.Header.Mode != ModeReliableOrdered || out.Header.Stream != 7 || out.Header.Ordinal != 42 {
		t.Fatalf("header mismatch: got=%+v", out.Header)
	}
	if !bytes.Equal(out.Payload, in.Payload) {
		t.Fatalf("payload mismatch")
	}
	if _, err := ReadFrame(&buf, DefaultLimits()); !errors.Is(err, io.EOF) {
		t.Fatalf("expected io.EOF at end of stream, got %v", err)
	}
}

func TestReadFrameMalformedHeaderIsDeterministic(t *testing.T) {
	testlog.Start(t)
	_, err := ReadFrame(bytes.NewReader([]byte{1, 2, 3}), DefaultLimits())
	if !errors.Is(err, ErrShortHeader) {
		t.Fatalf("expected ErrShortHeader, got %v", err)
	}
}

func TestReadFrameRejectsBadHeaders(t *testing.T) {
	testlog.Start(t)
	cases := []struct {
		name string
		h    Header
		want error
	}{
		{name: "magic", h: Header{Magic: 1, Version: Version, Mode: ModeReliableOrdered}, want: ErrBadMagic},
		{name: "version", h: Header{Magic: Magic, Version: 9, Mode: ModeReliableOrdered}, want: ErrVersion},
		{name: "mode", h: Header{Magic: Magic, Version: Version, Mode: 0}, want: ErrUnknownMode},
		{name: "payload", h: Header{Magic: Magic, Version: Version, Mode: ModeUnreliable, PayloadLen: 1 << 30}, want: ErrPayloadTooLarge},
	}
	for _, tc := range cases {
		_, err := ReadFrame(bytes.NewReader(EncodeHeader(tc.h)), DefaultLimits())
		if !errors.Is(err, tc.want) {
			t.Fatalf("%s: expected %v, got %v", tc.name, tc.want, err)
		}
	}
}

func TestWriteFrameEnforcesLimit(t *testing.T) {
	testlog.Start(t)
	err := WriteFrame(io.Discard, Frame{Header: Header{Mode: ModeReliableOrdered}, Payload: make([]byte, 9)}, Limits{MaxPayloadBytes: 8})
	if !errors.Is(err, ErrPayloadTooLarge) {
		t.Fatalf("expected ErrPayloadTooLarge, got %v", err)
	}
}
