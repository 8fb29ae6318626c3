// Package msgid generates and validates the 16-byte message identifiers carried in every frame.
package msgid

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"
	"sync"

	"github.com/google/uuid"
)

// Len is the wire length of an identifier.
const Len = 16

// ID is a 16-byte message identifier in UUID layout.
type ID [Len]byte

// Nil is the all-zero identifier. Kinds may accept it as "no correlation expected".
var Nil ID

func (id ID) String() string {
	return uuid.UUID(id).String()
}

func (id ID) IsZero() bool {
	return id == Nil
}

// Bytes returns a copy of the identifier bytes.
func (id ID) Bytes() []byte {
	out := make([]byte, Len)
	copy(out, id[:])
	return out
}

// UUID converts id to a google/uuid value.
func (id ID) UUID() uuid.UUID {
	return uuid.UUID(id)
}

// MarshalText renders the canonical hyphenated form so ids read well in JSON and logs.
func (id ID) MarshalText() ([]byte, error) {
	return []byte(id.String()), nil
}

func (id *ID) UnmarshalText(b []byte) error {
	parsed, err := Parse(string(b))
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}

// FromBytes copies b into an ID. b must be exactly Len bytes.
func FromBytes(b []byte) (ID, error) {
	if len(b) != Len {
		return Nil, fmt.Errorf("msgid: invalid length %d", len(b))
	}
	var id ID
	copy(id[:], b)
	return id, nil
}

// Parse accepts the hyphenated UUID form or 32 hex digits.
func Parse(s string) (ID, error) {
	if len(s) == 2*Len {
		var id ID
		if _, err := hex.Decode(id[:], []byte(s)); err != nil {
			return Nil, fmt.Errorf("msgid: parse %q: %w", s, err)
		}
		return id, nil
	}
	u, err := uuid.Parse(s)
	if err != nil {
		return Nil, fmt.Errorf("msgid: parse %q: %w", s, err)
	}
	return ID(u), nil
}

// Validate reports whether b is a well-formed identifier. With strict set, the
// RFC 4122 variant and version 4 bits must also be present.
func Validate(b []byte, strict bool) bool {
	if len(b) != Len {
		return false
	}
	if !strict {
		return true
	}
	return hasV4Bits(b)
}

// Valid is Validate for an already-sized identifier.
func (id ID) Valid(strict bool) bool {
	return Validate(id[:], strict)
}

func hasV4Bits(b []byte) bool {
	return b[6]>>4 == 4 && b[8]&0xc0 == 0x80
}

// Provider generates version 4 identifiers from an explicit random source.
type Provider struct {
	rand   io.Reader
	locked bool
	mu     sync.Mutex
}

// NewProvider returns a provider reading entropy from r. A nil r selects
// crypto/rand, which is safe for concurrent use; any other reader is
// serialized because seeded generators are not.
func NewProvider(r io.Reader) *Provider {
	if r == nil {
		return &Provider{rand: rand.Reader}
	}
	return &Provider{rand: r, locked: true}
}

// Generate returns a fresh identifier. It panics only if the random source fails.
func (p *Provider) Generate() ID {
	if p.locked {
		p.mu.Lock()
		defer p.mu.Unlock()
	}
	u, err := uuid.NewRandomFromReader(p.rand)
	if err != nil {
		panic(fmt.Sprintf("msgid: random source failed: %v", err))
	}
	return ID(u)
}

var (
	defaultOnce     sync.Once
	defaultProvider *Provider
)

// Default returns the process-wide provider over crypto/rand, created on first use.
func Default() *Provider {
	defaultOnce.Do(func() {
		defaultProvider = NewProvider(nil)
	})
	return defaultProvider
}
