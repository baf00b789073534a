// Package did manages decentralized identities for message authorship.
// Identities use the did:key method over ed25519: the identifier embeds
// the public key itself, so signatures verify without a registry or a
// network lookup.
package did

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/mr-tron/base58"
)

const (
	// keyPrefix is the did:key method prefix.
	keyPrefix = "did:key:"
	// multibaseBase58 marks a base58btc multibase payload.
	multibaseBase58 = 'z'
)

// multicodecEd25519 is the varint multicodec header for ed25519 public keys.
var multicodecEd25519 = []byte{0xed, 0x01}

// KeyPair holds an identity and its key material. Callers own secure
// storage of the private half; nothing in this package logs key bytes or
// embeds them in error text.
type KeyPair struct {
	DID        string `json:"did"`
	PublicKey  []byte `json:"public_key"`
	PrivateKey []byte `json:"private_key"`
}

// Generate creates a new ed25519 identity.
func Generate() (*KeyPair, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate keypair: %w", err)
	}
	id, err := FromPublicKey(pub)
	if err != nil {
		return nil, err
	}
	return &KeyPair{DID: id, PublicKey: pub, PrivateKey: priv}, nil
}

// FromPublicKey derives the did:key identifier for a known ed25519
// public key.
func FromPublicKey(pub []byte) (string, error) {
	if len(pub) != ed25519.PublicKeySize {
		return "", errors.New("public key must be 32 bytes")
	}
	payload := make([]byte, 0, len(multicodecEd25519)+len(pub))
	payload = append(payload, multicodecEd25519...)
	payload = append(payload, pub...)
	return keyPrefix + string(multibaseBase58) + base58.Encode(payload), nil
}

// Sign signs data with an ed25519 private key.
func Sign(privateKey, data []byte) ([]byte, error) {
	if len(privateKey) != ed25519.PrivateKeySize {
		return nil, errors.New("private key must be 64 bytes")
	}
	return ed25519.Sign(ed25519.PrivateKey(privateKey), data), nil
}

// Verify reports whether signature over data was produced by the key
// embedded in id. Every failure mode returns false; it never panics and
// never returns an error.
func Verify(id string, signature, data []byte) bool {
	pub, err := parse(id)
	if err != nil {
		return false
	}
	return ed25519.Verify(pub, data, signature)
}

// parse extracts the ed25519 public key embedded in a did:key identifier.
func parse(id string) (ed25519.PublicKey, error) {
	rest, ok := strings.CutPrefix(id, keyPrefix)
	if !ok {
		return nil, errors.New("not a did:key identifier")
	}
	if len(rest) < 2 || rest[0] != multibaseBase58 {
		return nil, errors.New("unsupported multibase encoding")
	}
	payload, err := base58.Decode(rest[1:])
	if err != nil {
		return nil, fmt.Errorf("decode multibase payload: %w", err)
	}
	if len(payload) != len(multicodecEd25519)+ed25519.PublicKeySize ||
		payload[0] != multicodecEd25519[0] || payload[1] != multicodecEd25519[1] {
		return nil, errors.New("not an ed25519 did:key")
	}
	return ed25519.PublicKey(payload[2:]), nil
}

// Export serializes a keypair, private key included, for backup or
// transfer to another device. Treat the output as a secret.
func Export(kp *KeyPair) ([]byte, error) {
	if kp == nil {
		return nil, errors.New("nil keypair")
	}
	return json.Marshal(kp)
}

// Import parses an exported keypair and revalidates it: key lengths, the
// private/public pairing, and the identifier against the public key.
// Tampered exports are rejected.
func Import(data []byte) (*KeyPair, error) {
	var kp KeyPair
	if err := json.Unmarshal(data, &kp); err != nil {
		return nil, fmt.Errorf("parse keypair: %w", err)
	}
	if len(kp.PublicKey) != ed25519.PublicKeySize {
		return nil, errors.New("public key must be 32 bytes")
	}
	if len(kp.PrivateKey) != ed25519.PrivateKeySize {
		return nil, errors.New("private key must be 64 bytes")
	}
	derived := ed25519.PrivateKey(kp.PrivateKey).Public().(ed25519.PublicKey)
	if !derived.Equal(ed25519.PublicKey(kp.PublicKey)) {
		return nil, errors.New("private key does not match public key")
	}
	want, err := FromPublicKey(kp.PublicKey)
	if err != nil {
		return nil, err
	}
	if kp.DID != want {
		return nil, errors.New("identifier does not match public key")
	}
	return &kp, nil
}
