package ledger

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/x509"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
)

// Role names what a key authorises within a distribution.
type Role string

const (
	// RoleSubmitPayer pays for submitting schedule transactions.
	RoleSubmitPayer Role = "submit-payer"
	// RoleTransferPayer pays for the scheduled transfers.
	RoleTransferPayer Role = "transfer-payer"
	// RoleTreasury authorises debits from the treasury.
	RoleTreasury Role = "treasury"
)

// Signer adds signatures to transactions.
type Signer interface {
	Sign(tx *Transaction) error
}

// ParsePrivateKey decodes a hex ed25519 private key: either PKCS#8 DER
// (302e0201...) or a raw 32-byte seed. A 0x prefix is tolerated.
func ParsePrivateKey(text string) (ed25519.PrivateKey, error) {
	text = strings.TrimPrefix(strings.TrimSpace(text), "0x")
	raw, err := hex.DecodeString(text)
	if err != nil {
		return nil, fmt.Errorf("ledger: private key: %w", err)
	}
	switch len(raw) {
	case ed25519.SeedSize:
		return ed25519.NewKeyFromSeed(raw), nil
	case ed25519.PrivateKeySize:
		key := ed25519.PrivateKey(raw)
		if !key.Public().(ed25519.PublicKey).Equal(ed25519.PublicKey(raw[32:])) {
			return nil, errors.New("ledger: private key: public half does not match seed")
		}
		return key, nil
	}
	parsed, err := x509.ParsePKCS8PrivateKey(raw)
	if err != nil {
		return nil, fmt.Errorf("ledger: private key: %w", err)
	}
	key, ok := parsed.(ed25519.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("ledger: private key: unsupported type %T", parsed)
	}
	return key, nil
}

// ParsePublicKey decodes a hex ed25519 public key: PKIX DER (302a3005...) or
// 32 raw bytes.
func ParsePublicKey(text string) (ed25519.PublicKey, error) {
	text = strings.TrimPrefix(strings.TrimSpace(text), "0x")
	raw, err := hex.DecodeString(text)
	if err != nil {
		return nil, fmt.Errorf("ledger: public key: %w", err)
	}
	if len(raw) == ed25519.PublicKeySize {
		return ed25519.PublicKey(raw), nil
	}
	parsed, err := x509.ParsePKIXPublicKey(raw)
	if err != nil {
		return nil, fmt.Errorf("ledger: public key: %w", err)
	}
	key, ok := parsed.(ed25519.PublicKey)
	if !ok {
		return nil, fmt.Errorf("ledger: public key: unsupported type %T", parsed)
	}
	return key, nil
}

// EncodePrivateKey renders key as PKCS#8 DER hex.
func EncodePrivateKey(key ed25519.PrivateKey) string {
	der, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		panic(fmt.Sprintf("ledger: marshal ed25519 key: %v", err))
	}
	return hex.EncodeToString(der)
}

// EncodePublicKey renders key as PKIX DER hex.
func EncodePublicKey(key ed25519.PublicKey) string {
	der, err := x509.MarshalPKIXPublicKey(key)
	if err != nil {
		panic(fmt.Sprintf("ledger: marshal ed25519 public key: %v", err))
	}
	return hex.EncodeToString(der)
}

// GenerateKey returns a fresh ed25519 private key.
func GenerateKey() (ed25519.PrivateKey, error) {
	_, key, err := ed25519.GenerateKey(rand.Reader)
	return key, err
}

// KeyRing holds the operator's private keys grouped by role.
type KeyRing struct {
	roles map[Role][]ed25519.PrivateKey
}

// NewKeyRing returns an empty key ring.
func NewKeyRing() *KeyRing {
	return &KeyRing{roles: make(map[Role][]ed25519.PrivateKey)}
}

// Add registers key under role. Duplicate keys are ignored.
func (k *KeyRing) Add(role Role, key ed25519.PrivateKey) {
	for _, existing := range k.roles[role] {
		if existing.Equal(key) {
			return
		}
	}
	k.roles[role] = append(k.roles[role], key)
}

// AddHex parses and registers a hex key under role.
func (k *KeyRing) AddHex(role Role, text string) error {
	key, err := ParsePrivateKey(text)
	if err != nil {
		return fmt.Errorf("%s key: %w", role, err)
	}
	k.Add(role, key)
	return nil
}

// Keys returns the keys registered for role.
func (k *KeyRing) Keys(role Role) []ed25519.PrivateKey {
	if k == nil {
		return nil
	}
	return append([]ed25519.PrivateKey(nil), k.roles[role]...)
}

// All returns every distinct key in role order.
func (k *KeyRing) All() []ed25519.PrivateKey {
	if k == nil {
		return nil
	}
	var out []ed25519.PrivateKey
	for _, role := range []Role{RoleSubmitPayer, RoleTransferPayer, RoleTreasury} {
	next:
		for _, key := range k.roles[role] {
			for _, seen := range out {
				if seen.Equal(key) {
					continue next
				}
			}
			out = append(out, key)
		}
	}
	return out
}

// Sign signs tx with every key in the ring.
func (k *KeyRing) Sign(tx *Transaction) error {
	keys := k.All()
	if len(keys) == 0 {
		return errors.New("ledger: key ring is empty")
	}
	for _, key := range keys {
		if err := tx.AddSignature(key); err != nil {
			return err
		}
	}
	return nil
}
