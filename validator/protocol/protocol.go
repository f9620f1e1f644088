// Package protocol defines the wire messages the validator exchanges with
// the facilitator and with miners. Messages are JSON envelopes discriminated
// by a message_type field; parsing validates required fields before any
// handler sees the message.
package protocol

import (
	"github.com/go-playground/validator/v10"
	jsoniter "github.com/json-iterator/go"
	"github.com/pkg/errors"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

var validate = validator.New()

// Message is any wire message with a type discriminator.
type Message interface {
	MessageType() string
	setType(string)
}

// Typed carries the wire discriminator. Every message embeds it; Marshal
// stamps it so senders never set it by hand.
type Typed struct {
	Type string `json:"message_type"`
}

func (t *Typed) setType(v string) { t.Type = v }

type envelope struct {
	MessageType string `json:"message_type"`
}

// decodeAs unmarshals raw into msg and checks its validation tags.
func decodeAs(raw []byte, msg Message) (Message, error) {
	if err := json.Unmarshal(raw, msg); err != nil {
		return nil, errors.Wrapf(err, "could not decode %s", msg.MessageType())
	}
	if err := validate.Struct(msg); err != nil {
		return nil, errors.Wrapf(err, "invalid %s", msg.MessageType())
	}
	return msg, nil
}

// peekType returns the message_type discriminator of a raw message.
func peekType(raw []byte) (string, error) {
	env := envelope{}
	if err := json.Unmarshal(raw, &env); err != nil {
		return "", errors.Wrap(err, "could not decode message envelope")
	}
	if env.MessageType == "" {
		return "", errors.New("message has no message_type")
	}
	return env.MessageType, nil
}

// Marshal stamps the discriminator and serializes a message for the wire.
func Marshal(msg Message) ([]byte, error) {
	msg.setType(msg.MessageType())
	raw, err := json.Marshal(msg)
	if err != nil {
		return nil, errors.Wrapf(err, "could not encode %s", msg.MessageType())
	}
	return raw, nil
}
