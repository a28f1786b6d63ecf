// Package timekey implements the 128-bit ordering key used for messages.
//
// A Key is an Urbit @da: the high word counts whole seconds from the @da
// epoch and the low word holds the binary fraction of the second. Keys
// minted by a Generator are strictly increasing within a process, so two
// messages written in the same millisecond still sort in creation order.
package timekey

import (
	"encoding/binary"
	"math/big"
	"math/bits"
	"strings"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
)

// unixEpochHi is the high word of the @da value for 1970-01-01T00:00:00Z.
const unixEpochHi uint64 = 0x8000000cce9e0d80

// Size is the length of the binary encoding produced by Bytes.
const Size = 16

// ErrMalformedKey marks text that is not a valid @ud rendering of a key.
var ErrMalformedKey = errors.New("malformed time key")

// Key is a 128-bit @da value.
type Key struct {
	Hi uint64
	Lo uint64
}

// Zero is the smallest key.
var Zero = Key{}

// Max is the largest key.
var Max = Key{Hi: ^uint64(0), Lo: ^uint64(0)}

// FromUint64 returns the key whose numeric value is n.
func FromUint64(n uint64) Key { return Key{Lo: n} }

// FromUnixMilli converts milliseconds since the unix epoch into a @da key.
func FromUnixMilli(ms int64) Key {
	if ms < 0 {
		ms = 0
	}
	u := uint64(ms)
	frac, _ := bits.Div64(u%1000, 0, 1000)
	return Key{Hi: unixEpochHi + u/1000, Lo: frac}
}

// FromTime converts t into a @da key at millisecond precision.
func FromTime(t time.Time) Key { return FromUnixMilli(t.UnixMilli()) }

// UnixMilli returns the key's wall clock time in milliseconds. Keys before
// the unix epoch report 0.
func (k Key) UnixMilli() int64 {
	if k.Hi < unixEpochHi {
		return 0
	}
	ms, rem := bits.Mul64(k.Lo, 1000)
	if rem != 0 {
		ms++
	}
	return int64((k.Hi-unixEpochHi)*1000 + ms)
}

// Time returns the key's wall clock time.
func (k Key) Time() time.Time { return time.UnixMilli(k.UnixMilli()).UTC() }

// Compare returns -1, 0 or +1 when a is less than, equal to or greater than b.
func Compare(a, b Key) int {
	switch {
	case a.Hi < b.Hi:
		return -1
	case a.Hi > b.Hi:
		return 1
	case a.Lo < b.Lo:
		return -1
	case a.Lo > b.Lo:
		return 1
	}
	return 0
}

// Less reports whether k sorts before o.
func (k Key) Less(o Key) bool { return Compare(k, o) < 0 }

// Equal reports whether k and o are the same instant.
func (k Key) Equal(o Key) bool { return k == o }

// IsZero reports whether k is the zero key.
func (k Key) IsZero() bool { return k.Hi == 0 && k.Lo == 0 }

// Next returns k+1, saturating at Max.
func (k Key) Next() Key {
	if k == Max {
		return k
	}
	lo, carry := bits.Add64(k.Lo, 1, 0)
	return Key{Hi: k.Hi + carry, Lo: lo}
}

// Bytes returns the big-endian encoding of k. Byte order matches Compare.
func (k Key) Bytes() []byte {
	b := make([]byte, Size)
	binary.BigEndian.PutUint64(b[:8], k.Hi)
	binary.BigEndian.PutUint64(b[8:], k.Lo)
	return b
}

// FromBytes decodes a key produced by Bytes.
func FromBytes(b []byte) (Key, error) {
	if len(b) != Size {
		return Key{}, errors.Mark(errors.Newf("time key must be %d bytes, got %d", Size, len(b)), ErrMalformedKey)
	}
	return Key{Hi: binary.BigEndian.Uint64(b[:8]), Lo: binary.BigEndian.Uint64(b[8:])}, nil
}

func (k Key) big() *big.Int {
	n := new(big.Int).SetUint64(k.Hi)
	n.Lsh(n, 64)
	return n.Or(n, new(big.Int).SetUint64(k.Lo))
}

// UD renders k as an Urbit @ud: decimal digits grouped in threes with dots.
func (k Key) UD() string {
	digits := k.big().String()
	head := len(digits) % 3
	if head == 0 {
		head = 3
	}
	var sb strings.Builder
	sb.Grow(len(digits) + len(digits)/3)
	sb.WriteString(digits[:head])
	for i := head; i < len(digits); i += 3 {
		sb.WriteByte('.')
		sb.WriteString(digits[i : i+3])
	}
	return sb.String()
}

func (k Key) String() string { return k.UD() }

// MarshalText implements encoding.TextMarshaler using the @ud form.
func (k Key) MarshalText() ([]byte, error) { return []byte(k.UD()), nil }

// UnmarshalText implements encoding.TextUnmarshaler.
func (k *Key) UnmarshalText(b []byte) error {
	parsed, err := ParseUD(string(b))
	if err != nil {
		return err
	}
	*k = parsed
	return nil
}

// ParseUD parses an @ud rendering. Undotted decimal is accepted as well.
func ParseUD(s string) (Key, error) {
	if s == "" {
		return Key{}, errors.Mark(errors.New("empty time key"), ErrMalformedKey)
	}
	groups := strings.Split(s, ".")
	if len(groups) > 1 {
		if len(groups[0]) == 0 || len(groups[0]) > 3 || (groups[0][0] == '0') {
			return Key{}, errors.Mark(errors.Newf("bad leading group in %q", s), ErrMalformedKey)
		}
		for _, g := range groups[1:] {
			if len(g) != 3 {
				return Key{}, errors.Mark(errors.Newf("bad digit group in %q", s), ErrMalformedKey)
			}
		}
	}
	n, ok := new(big.Int).SetString(strings.Join(groups, ""), 10)
	if !ok || n.Sign() < 0 {
		return Key{}, errors.Mark(errors.Newf("not a decimal number: %q", s), ErrMalformedKey)
	}
	if n.BitLen() > 128 {
		return Key{}, errors.Mark(errors.Newf("time key overflows 128 bits: %q", s), ErrMalformedKey)
	}
	lo := new(big.Int).And(n, new(big.Int).SetUint64(^uint64(0))).Uint64()
	hi := new(big.Int).Rsh(n, 64).Uint64()
	return Key{Hi: hi, Lo: lo}, nil
}

// Generator mints strictly increasing keys from the wall clock.
type Generator struct {
	mu   sync.Mutex
	last Key
	now  func() time.Time
}

// NewGenerator returns a generator reading time.Now.
func NewGenerator() *Generator { return &Generator{now: time.Now} }

// NewGeneratorWithClock returns a generator reading the given clock.
func NewGeneratorWithClock(now func() time.Time) *Generator { return &Generator{now: now} }

// Next returns a key for the current instant. When the clock has not moved
// past the previously issued key the result is the previous key plus one.
func (g *Generator) Next() Key {
	now := time.Now
	if g.now != nil {
		now = g.now
	}
	return g.At(now())
}

// At returns a key for t that is greater than every key issued so far.
func (g *Generator) At(t time.Time) Key {
	k := FromTime(t)
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.last.Less(k) {
		k = g.last.Next()
	}
	g.last = k
	return k
}
