package ledger

import (
	"bytes"
	"crypto/ed25519"
	"encoding/json"
	"errors"
	"fmt"

	"pkt.systems/paydist/internal/amount"
)

// TokenTransfer moves Amount units of Token from one account to another.
type TokenTransfer struct {
	Token  TokenID      `json:"token"`
	From   AccountID    `json:"from"`
	To     AccountID    `json:"to"`
	Amount amount.Units `json:"amount"`
}

// ScheduleCreate asks the network to hold Transfer until every required
// signature arrived. Payer pays the fee of the scheduled transfer.
type ScheduleCreate struct {
	Payer    AccountID     `json:"payer"`
	Memo     string        `json:"memo,omitempty"`
	Transfer TokenTransfer `json:"transfer"`
}

// ScheduleSign adds the transaction's signatures to an existing schedule.
type ScheduleSign struct {
	ScheduleID ScheduleID `json:"schedule_id"`
}

// Body carries exactly one operation.
type Body struct {
	ScheduleCreate *ScheduleCreate `json:"schedule_create,omitempty"`
	ScheduleSign   *ScheduleSign   `json:"schedule_sign,omitempty"`
}

// SignaturePair binds an ed25519 signature to its public key.
type SignaturePair struct {
	PublicKey []byte `json:"public_key"`
	Signature []byte `json:"signature"`
}

// Transaction is the signed unit submitted to a node.
type Transaction struct {
	ID         TransactionID   `json:"id"`
	Node       AccountID       `json:"node"`
	Body       Body            `json:"body"`
	Signatures []SignaturePair `json:"signatures,omitempty"`
}

// Validate checks the transaction carries exactly one operation.
func (tx *Transaction) Validate() error {
	if tx == nil {
		return errors.New("ledger: nil transaction")
	}
	if tx.ID.IsZero() {
		return errors.New("ledger: transaction id required")
	}
	create, sign := tx.Body.ScheduleCreate != nil, tx.Body.ScheduleSign != nil
	if create == sign {
		return errors.New("ledger: transaction body must hold exactly one operation")
	}
	return nil
}

// BodyBytes returns the canonical bytes covered by signatures.
func (tx *Transaction) BodyBytes() ([]byte, error) {
	return json.Marshal(struct {
		ID   TransactionID `json:"id"`
		Node AccountID     `json:"node"`
		Body Body          `json:"body"`
	}{tx.ID, tx.Node, tx.Body})
}

// AddSignature signs the body with key. Signing twice with the same key is a
// no-op.
func (tx *Transaction) AddSignature(key ed25519.PrivateKey) error {
	if len(key) != ed25519.PrivateKeySize {
		return fmt.Errorf("ledger: invalid private key length %d", len(key))
	}
	pub := key.Public().(ed25519.PublicKey)
	if tx.SignedBy(pub) {
		return nil
	}
	body, err := tx.BodyBytes()
	if err != nil {
		return fmt.Errorf("ledger: encode body: %w", err)
	}
	tx.Signatures = append(tx.Signatures, SignaturePair{
		PublicKey: append([]byte(nil), pub...),
		Signature: ed25519.Sign(key, body),
	})
	return nil
}

// SignedBy reports whether pub already contributed a signature.
func (tx *Transaction) SignedBy(pub ed25519.PublicKey) bool {
	for _, sig := range tx.Signatures {
		if bytes.Equal(sig.PublicKey, pub) {
			return true
		}
	}
	return false
}

// VerifiedKeys returns the public keys whose signatures verify against the
// body, and an error naming the first signature that does not.
func (tx *Transaction) VerifiedKeys() ([]ed25519.PublicKey, error) {
	body, err := tx.BodyBytes()
	if err != nil {
		return nil, fmt.Errorf("ledger: encode body: %w", err)
	}
	keys := make([]ed25519.PublicKey, 0, len(tx.Signatures))
	for i, sig := range tx.Signatures {
		if len(sig.PublicKey) != ed25519.PublicKeySize || !ed25519.Verify(sig.PublicKey, body, sig.Signature) {
			return nil, fmt.Errorf("ledger: signature %d does not verify", i)
		}
		keys = append(keys, ed25519.PublicKey(sig.PublicKey))
	}
	return keys, nil
}
