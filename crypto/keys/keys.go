// Package keys implements the validator's signing oracle: an ed25519 hotkey
// identified on chain by its ss58 address. Receipts and facilitator
// authentication are signed with it; receipt verification accepts any ss58
// address and checks the signature against the embedded public key.
package keys

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"strings"

	"github.com/forgenet/forge/config/params"
	"github.com/forgenet/forge/encoding/ss58"
	"github.com/pkg/errors"
)

// Keypair is an ed25519 account keypair addressable by ss58.
type Keypair struct {
	pub  ed25519.PublicKey
	priv ed25519.PrivateKey
	addr string
}

// Generate creates a fresh random keypair.
func Generate() (*Keypair, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, errors.Wrap(err, "could not generate ed25519 key")
	}
	return fromParts(pub, priv)
}

// FromSeed derives a keypair from a 32-byte seed.
func FromSeed(seed []byte) (*Keypair, error) {
	if len(seed) != ed25519.SeedSize {
		return nil, errors.Errorf("seed must be %d bytes, got %d", ed25519.SeedSize, len(seed))
	}
	priv := ed25519.NewKeyFromSeed(seed)
	pub, ok := priv.Public().(ed25519.PublicKey)
	if !ok {
		return nil, errors.New("unexpected public key type")
	}
	return fromParts(pub, priv)
}

func fromParts(pub ed25519.PublicKey, priv ed25519.PrivateKey) (*Keypair, error) {
	addr, err := ss58.Encode(pub, params.ForgeNetworkConfig().SS58Prefix)
	if err != nil {
		return nil, err
	}
	return &Keypair{pub: pub, priv: priv, addr: addr}, nil
}

// Address returns the keypair's ss58 address (the hotkey identity).
func (k *Keypair) Address() string {
	return k.addr
}

// PublicKey returns the raw 32-byte public key.
func (k *Keypair) PublicKey() []byte {
	out := make([]byte, len(k.pub))
	copy(out, k.pub)
	return out
}

// Seed returns the 32-byte private seed, for keystore persistence.
func (k *Keypair) Seed() []byte {
	return k.priv.Seed()
}

// Sign signs a payload, returning the 0x-prefixed hex signature used on the
// receipt wire format.
func (k *Keypair) Sign(payload []byte) string {
	return "0x" + hex.EncodeToString(ed25519.Sign(k.priv, payload))
}

// Verify checks a 0x-prefixed hex signature over payload against the ss58
// address that allegedly produced it.
func Verify(address string, payload []byte, signature string) error {
	pub, _, err := ss58.Decode(address)
	if err != nil {
		return errors.Wrap(err, "could not decode signer address")
	}
	raw, err := hex.DecodeString(strings.TrimPrefix(signature, "0x"))
	if err != nil {
		return errors.Wrap(err, "could not decode signature hex")
	}
	if len(raw) != ed25519.SignatureSize {
		return errors.Errorf("signature must be %d bytes, got %d", ed25519.SignatureSize, len(raw))
	}
	if !ed25519.Verify(pub, payload, raw) {
		return errors.New("signature verification failed")
	}
	return nil
}
