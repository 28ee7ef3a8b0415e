// Package cookie issues and verifies stateless handshake cookies.
//
// A cookie carries everything the responder needs to build the association and
// a keyed BLAKE2b MAC over those fields and the peer address. Verification is pure
// recomputation; nothing is stored between InitAck and CookieEcho.
package cookie

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/crypto/blake2b"
)

const (
	Version = 1

	SecretLen = 32
	fieldsLen = 1 + 8 + 4*4
	macLen    = blake2b.Size256
	Len       = fieldsLen + macLen

	// MaxSkew tolerates issue times slightly ahead of the verifier's clock.
	MaxSkew = 2 * time.Second
)

var (
	ErrMalformed = errors.New("cookie: malformed")
	ErrForged    = errors.New("cookie: integrity check failed")
	ErrExpired   = errors.New("cookie: expired")
	ErrSecretLen = errors.New("cookie: secret must be 32 bytes")
)

var (
	secretOnce sync.Once
	secret     [SecretLen]byte
)

// Secret returns the process-wide cookie secret, generated on first use and
// never modified afterwards.
func Secret() []byte {
	secretOnce.Do(func() {
		if _, err := rand.Read(secret[:]); err != nil {
			panic(fmt.Sprintf("cookie: read random secret: %v", err))
		}
	})
	out := make([]byte, SecretLen)
	copy(out, secret[:])
	return out
}

// Params are the association values bound into a cookie.
type Params struct {
	Peer      string
	InitToken uint32
	InitSeq   uint32
	Token     uint32
	Seq       uint32
	IssuedAt  time.Time
}

// Jar mints and checks cookies under one secret. It is immutable and safe for
// concurrent use.
type Jar struct {
	key      [SecretLen]byte
	lifetime time.Duration
}

func NewJar(secret []byte, lifetime time.Duration) (*Jar, error) {
	if len(secret) != SecretLen {
		return nil, ErrSecretLen
	}
	j := &Jar{lifetime: lifetime}
	copy(j.key[:], secret)
	return j, nil
}

func (j *Jar) Lifetime() time.Duration {
	return j.lifetime
}

// Issue returns the cookie for p.
func (j *Jar) Issue(p Params) []byte {
	buf := make([]byte, 0, Len)
	buf = append(buf, Version)
	buf = binary.BigEndian.AppendUint64(buf, uint64(p.IssuedAt.UnixMilli()))
	buf = binary.BigEndian.AppendUint32(buf, p.InitToken)
	buf = binary.BigEndian.AppendUint32(buf, p.InitSeq)
	buf = binary.BigEndian.AppendUint32(buf, p.Token)
	buf = binary.BigEndian.AppendUint32(buf, p.Seq)
	return append(buf, j.mac(buf, p.Peer)...)
}

// Verify recomputes the MAC for peer and returns the bound parameters.
func (j *Jar) Verify(peer string, c []byte, now time.Time) (Params, error) {
	if len(c) != Len || c[0] != Version {
		return Params{}, ErrMalformed
	}
	fields := c[:fieldsLen]
	if subtle.ConstantTimeCompare(j.mac(fields, peer), c[fieldsLen:]) != 1 {
		return Params{}, ErrForged
	}
	p := Params{
		Peer:      peer,
		IssuedAt:  time.UnixMilli(int64(binary.BigEndian.Uint64(fields[1:9]))),
		InitToken: binary.BigEndian.Uint32(fields[9:13]),
		InitSeq:   binary.BigEndian.Uint32(fields[13:17]),
		Token:     binary.BigEndian.Uint32(fields[17:21]),
		Seq:       binary.BigEndian.Uint32(fields[21:25]),
	}
	age := now.Sub(p.IssuedAt)
	if age < -MaxSkew || (j.lifetime > 0 && age > j.lifetime) {
		return Params{}, fmt.Errorf("%w: age=%v", ErrExpired, age)
	}
	return p, nil
}

func (j *Jar) mac(fields []byte, peer string) []byte {
	h, err := blake2b.New256(j.key[:])
	if err != nil {
		// only fails for keys longer than 64 bytes
		panic(err)
	}
	h.Write(fields)
	h.Write([]byte(peer))
	return h.Sum(nil)
}
