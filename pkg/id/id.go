package id

import (
	"bytes"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"sync"
	"time"
)

// ID names one stored record. The big-endian layout [ms:8][seq:8] makes
// byte order equal publish order.
type ID [16]byte

// ErrInvalidID is returned when bytes or text do not encode an ID.
var ErrInvalidID = errors.New("id: invalid identifier")

// New assembles an ID from its parts.
func New(ms int64, seq uint64) ID {
	var i ID
	binary.BigEndian.PutUint64(i[:8], uint64(ms))
	binary.BigEndian.PutUint64(i[8:], seq)
	return i
}

func (i ID) Ms() int64   { return int64(binary.BigEndian.Uint64(i[:8])) }
func (i ID) Seq() uint64 { return binary.BigEndian.Uint64(i[8:]) }

// Time is the millisecond component as a time.
func (i ID) Time() time.Time { return time.UnixMilli(i.Ms()) }

func (i ID) IsZero() bool { return i == ID{} }

// String is 32 lowercase hex digits.
func (i ID) String() string { return hex.EncodeToString(i[:]) }

// Compare orders IDs by byte value.
func (i ID) Compare(o ID) int { return bytes.Compare(i[:], o[:]) }

// FromBytes copies a 16-byte slice, typically a key suffix.
func FromBytes(b []byte) (ID, error) {
	var i ID
	if len(b) != len(i) {
		return ID{}, ErrInvalidID
	}
	copy(i[:], b)
	return i, nil
}

// Parse decodes String's output.
func Parse(s string) (ID, error) {
	if len(s) != 32 {
		return ID{}, ErrInvalidID
	}
	b, err := hex.DecodeString(s)
	if err != nil {
		return ID{}, ErrInvalidID
	}
	return FromBytes(b)
}

// Generator hands out strictly increasing IDs. When the clock stalls or
// steps back it keeps the last millisecond and bumps the sequence.
type Generator struct {
	mu    sync.Mutex
	last  ID
	clock func() int64
}

// Option customises a Generator.
type Option func(*Generator)

// WithClock replaces the millisecond clock.
func WithClock(clock func() int64) Option { return func(g *Generator) { g.clock = clock } }

func NewGenerator(opts ...Option) *Generator {
	g := &Generator{clock: func() int64 { return time.Now().UnixMilli() }}
	for _, o := range opts {
		o(g)
	}
	return g
}

func (g *Generator) Next() ID {
	g.mu.Lock()
	defer g.mu.Unlock()
	ms, seq := g.clock(), uint64(0)
	if last := g.last.Ms(); ms <= last {
		ms, seq = last, g.last.Seq()+1
		if seq == 0 {
			// sequence wrapped; borrow the next millisecond
			ms++
		}
	}
	g.last = New(ms, seq)
	return g.last
}

// Observe makes every later Next sort after i. Stores call it with the
// highest persisted ID on reopen.
func (g *Generator) Observe(i ID) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if i.Compare(g.last) > 0 {
		g.last = i
	}
}
