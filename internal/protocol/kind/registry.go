package kind

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/danmuck/framebus/internal/protocol/frame"
	"github.com/rs/zerolog/log"
)

var (
	ErrUnknownKind   = errors.New("kind: unknown kind")
	ErrDuplicateKind = errors.New("kind: duplicate kind")
	ErrInvalidEntry  = errors.New("kind: invalid entry")
)

// Decoder turns a raw payload into the typed value for one kind.
type Decoder interface {
	Decode(raw []byte) (any, error)
}

type DecoderFunc func(raw []byte) (any, error)

func (f DecoderFunc) Decode(raw []byte) (any, error) {
	return f(raw)
}

// Entry is one registered kind.
type Entry struct {
	Kind        frame.Kind
	Name        string
	Decoder     Decoder
	AllowZeroID bool
}

// Policy decides what re-registering a kind does.
type Policy int

const (
	// PolicyFailFast rejects re-registration with ErrDuplicateKind.
	PolicyFailFast Policy = iota
	// PolicyReplace overwrites the prior entry. Meant for catalogue hot-reload.
	PolicyReplace
)

func (p Policy) String() string {
	switch p {
	case PolicyFailFast:
		return "fail-fast"
	case PolicyReplace:
		return "replace"
	default:
		return fmt.Sprintf("policy(%d)", int(p))
	}
}

// ParsePolicy reads "fail-fast" or "replace". Empty means fail-fast.
func ParsePolicy(raw string) (Policy, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "", "fail-fast", "failfast":
		return PolicyFailFast, nil
	case "replace":
		return PolicyReplace, nil
	default:
		return PolicyFailFast, fmt.Errorf("%w: duplicate policy %q", ErrInvalidEntry, raw)
	}
}

type Option func(*Registry)

func WithPolicy(p Policy) Option {
	return func(r *Registry) {
		r.policy = p
	}
}

type EntryOption func(*Entry)

// AllowZeroID marks the kind as accepting the all-zero id ("no correlation expected").
func AllowZeroID() EntryOption {
	return func(e *Entry) {
		e.AllowZeroID = true
	}
}

// Registry maps kind codes to decoders. Lookups read an immutable snapshot, so
// registration at runtime never exposes a partially updated map.
type Registry struct {
	policy Policy
	mu     sync.Mutex
	snap   atomic.Pointer[map[frame.Kind]Entry]
}

func NewRegistry(opts ...Option) *Registry {
	r := &Registry{}
	for _, opt := range opts {
		opt(r)
	}
	empty := make(map[frame.Kind]Entry)
	r.snap.Store(&empty)
	return r
}

func (r *Registry) Policy() Policy {
	return r.policy
}

// Register associates k with a decoder and display name.
func (r *Registry) Register(k frame.Kind, name string, dec Decoder, opts ...EntryOption) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return fmt.Errorf("%w: kind %s missing name", ErrInvalidEntry, k)
	}
	if dec == nil {
		return fmt.Errorf("%w: kind %s missing decoder", ErrInvalidEntry, k)
	}
	entry := Entry{Kind: k, Name: name, Decoder: dec}
	for _, opt := range opts {
		opt(&entry)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	cur := *r.snap.Load()
	if prev, ok := cur[k]; ok {
		if r.policy != PolicyReplace {
			log.Error().Str("kind", k.String()).Str("name", name).Str("registered", prev.Name).
				Msg("kind.Registry.Register duplicate")
			return fmt.Errorf("%w: %s already registered as %q", ErrDuplicateKind, k, prev.Name)
		}
		log.Warn().Str("kind", k.String()).Str("name", name).Str("replaced", prev.Name).
			Msg("kind.Registry.Register replace")
	}
	next := make(map[frame.Kind]Entry, len(cur)+1)
	for key, e := range cur {
		next[key] = e
	}
	next[k] = entry
	r.snap.Store(&next)
	log.Debug().Str("kind", k.String()).Str("name", name).Msg("kind.Registry.Register ok")
	return nil
}

// MustRegister is Register for static startup tables; it panics on error.
func (r *Registry) MustRegister(k frame.Kind, name string, dec Decoder, opts ...EntryOption) {
	if err := r.Register(k, name, dec, opts...); err != nil {
		panic(err)
	}
}

// Lookup returns the entry for k or ErrUnknownKind.
func (r *Registry) Lookup(k frame.Kind) (Entry, error) {
	e, ok := (*r.snap.Load())[k]
	if !ok {
		return Entry{}, fmt.Errorf("%w: %s", ErrUnknownKind, k)
	}
	return e, nil
}

func (r *Registry) Has(k frame.Kind) bool {
	_, ok := (*r.snap.Load())[k]
	return ok
}

func (r *Registry) Len() int {
	return len(*r.snap.Load())
}

// List returns entries ordered by kind code.
func (r *Registry) List() []Entry {
	cur := *r.snap.Load()
	out := make([]Entry, 0, len(cur))
	for _, e := range cur {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Kind.Uint32() < out[j].Kind.Uint32()
	})
	return out
}
