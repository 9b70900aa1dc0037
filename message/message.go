// Package message builds the deterministic digests a counterparty signs to
// approve relay actions. Every digest is a keccak256 over the row's immutable
// fields plus the signer's current ledger nonce and the chain id, so a
// signature can never be replayed for another row, nonce, or network.
package message

import (
	"crypto/ecdsa"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// NewPayment returns the digest approving a new-payment open.
func NewPayment(paymentID common.Hash, purchaseID string, amount *big.Int, currency string, shopID common.Hash, account common.Address, nonce, chainID *big.Int) []byte {
	return crypto.Keccak256(
		paymentID.Bytes(),
		crypto.Keccak256([]byte(purchaseID)),
		pad32(amount),
		crypto.Keccak256([]byte(currency)),
		shopID.Bytes(),
		account.Bytes(),
		pad32(nonce),
		pad32(chainID),
	)
}

// CancelPayment returns the digest approving a payment cancellation.
func CancelPayment(paymentID common.Hash, purchaseID string, account common.Address, nonce, chainID *big.Int) []byte {
	return crypto.Keccak256(
		paymentID.Bytes(),
		crypto.Keccak256([]byte(purchaseID)),
		account.Bytes(),
		pad32(nonce),
		pad32(chainID),
	)
}

// ShopAccount returns the digest approving a shop administrative task.
func ShopAccount(shopID common.Hash, account common.Address, nonce, chainID *big.Int) []byte {
	return crypto.Keccak256(
		shopID.Bytes(),
		account.Bytes(),
		pad32(nonce),
		pad32(chainID),
	)
}

// Sign produces an Ethereum personal-message signature over the digest with
// the recovery id shifted into the 27/28 range contracts expect.
func Sign(digest []byte, key *ecdsa.PrivateKey) ([]byte, error) {
	sig, err := crypto.Sign(accounts.TextHash(digest), key)
	if err != nil {
		return nil, err
	}
	sig[crypto.RecoveryIDOffset] += 27
	return sig, nil
}

// Recover returns the address that produced a Sign signature over digest.
func Recover(digest, sig []byte) (common.Address, error) {
	if len(sig) != crypto.SignatureLength {
		return common.Address{}, fmt.Errorf("signature must be %d bytes, got %d", crypto.SignatureLength, len(sig))
	}
	normalized := make([]byte, len(sig))
	copy(normalized, sig)
	if normalized[crypto.RecoveryIDOffset] >= 27 {
		normalized[crypto.RecoveryIDOffset] -= 27
	}
	pub, err := crypto.SigToPub(accounts.TextHash(digest), normalized)
	if err != nil {
		return common.Address{}, err
	}
	return crypto.PubkeyToAddress(*pub), nil
}

func pad32(x *big.Int) []byte {
	if x == nil {
		x = new(big.Int)
	}
	return common.LeftPadBytes(x.Bytes(), 32)
}
