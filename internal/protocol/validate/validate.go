// Package validate turns raw frame payloads into typed messages using the kind registry.
package validate

import (
	"errors"
	"fmt"

	"github.com/danmuck/framebus/internal/protocol/frame"
	"github.com/danmuck/framebus/internal/protocol/kind"
	"github.com/danmuck/framebus/internal/protocol/msgid"
)

var (
	ErrZeroID    = errors.New("validate: zero message id")
	ErrInvalidID = errors.New("validate: invalid message id")
)

// Message is a decoded, validated payload tagged with its kind.
type Message struct {
	Kind    frame.Kind
	Name    string
	ID      msgid.ID
	Payload any
}

type Lookuper interface {
	Lookup(k frame.Kind) (kind.Entry, error)
}

// Validator checks payloads against registered decoders. It never mutates the registry.
type Validator struct {
	reg Lookuper
}

func New(reg Lookuper) *Validator {
	return &Validator{reg: reg}
}

// Validate decodes raw for kind k. An unregistered kind fails with
// kind.ErrUnknownKind before the payload is looked at.
func (v *Validator) Validate(k frame.Kind, raw []byte) (Message, error) {
	entry, err := v.reg.Lookup(k)
	if err != nil {
		return Message{}, err
	}
	return decode(entry, raw)
}

// ValidateFrame is Validate plus the message id rules of the kind.
func (v *Validator) ValidateFrame(f frame.Frame, strictIDs bool) (Message, error) {
	entry, err := v.reg.Lookup(f.Kind)
	if err != nil {
		return Message{}, err
	}
	if err := CheckID(entry, f.ID, strictIDs); err != nil {
		return Message{}, err
	}
	msg, err := decode(entry, f.Payload)
	if err != nil {
		return Message{}, err
	}
	msg.ID = f.ID
	return msg, nil
}

// CheckID enforces the identifier discipline for one kind.
func CheckID(entry kind.Entry, id msgid.ID, strict bool) error {
	if id.IsZero() {
		if entry.AllowZeroID {
			return nil
		}
		return fmt.Errorf("%w: kind %s (%s)", ErrZeroID, entry.Kind, entry.Name)
	}
	if !id.Valid(strict) {
		return fmt.Errorf("%w: %s for kind %s", ErrInvalidID, id, entry.Kind)
	}
	return nil
}

func decode(entry kind.Entry, raw []byte) (Message, error) {
	payload, err := entry.Decoder.Decode(raw)
	if err != nil {
		return Message{}, err
	}
	return Message{Kind: entry.Kind, Name: entry.Name, Payload: payload}, nil
}
