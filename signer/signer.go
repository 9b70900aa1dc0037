// Package signer locates the private signing capability authorized to act on
// behalf of an account: either a key from the static manager pool loaded at
// startup, or a per-shop delegated key persisted encrypted at rest.
package signer

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"loyaltyrelay/models"
	"loyaltyrelay/storage"
)

// ErrNoSigner is returned when no signing capability resolves for an address.
// Callers skip the row and retry on a later tick.
var ErrNoSigner = errors.New("signer: no signing capability for address")

// Signer pairs an address with its private key.
type Signer struct {
	key     *ecdsa.PrivateKey
	address common.Address
}

// NewSigner wraps a parsed private key.
func NewSigner(key *ecdsa.PrivateKey) *Signer {
	return &Signer{key: key, address: crypto.PubkeyToAddress(key.PublicKey)}
}

// ParseSigner decodes a hex-encoded secp256k1 private key.
func ParseSigner(material string) (*Signer, error) {
	material = strings.TrimPrefix(strings.TrimSpace(material), "0x")
	key, err := crypto.HexToECDSA(material)
	if err != nil {
		return nil, fmt.Errorf("invalid private key material: %w", err)
	}
	return NewSigner(key), nil
}

// Address returns the signer's address.
func (s *Signer) Address() common.Address {
	return s.address
}

// Key exposes the private key for signing.
func (s *Signer) Key() *ecdsa.PrivateKey {
	return s.key
}

// DelegateStore is the subset of the persisted store the resolver reads.
type DelegateStore interface {
	DelegatedKeyByAccount(ctx context.Context, account string) (*models.DelegatedKey, error)
}

// ShopReader reads the on-chain delegator for a shop.
type ShopReader interface {
	DelegatorOf(ctx context.Context, shopID common.Hash) (common.Address, error)
}

// Resolver finds signers for accounts. The manager pool is immutable after
// construction and sorted by address so lookups stay O(log n) as it grows.
type Resolver struct {
	managers []*Signer
	store    DelegateStore
	shops    ShopReader
	cipher   *Cipher
}

// NewResolver builds a resolver over a manager-key pool. store, shops, and
// cipher may be nil when delegated-key resolution is not configured.
func NewResolver(managers []*Signer, store DelegateStore, shops ShopReader, cipher *Cipher) *Resolver {
	pool := make([]*Signer, len(managers))
	copy(pool, managers)
	sort.Slice(pool, func(i, j int) bool {
		return bytes.Compare(pool[i].address.Bytes(), pool[j].address.Bytes()) < 0
	})
	return &Resolver{managers: pool, store: store, shops: shops, cipher: cipher}
}

// FindSigner resolves the signing capability for an account: first the manager
// pool, then the persisted delegated key. A delegated key whose derived address
// does not match the requested account is treated as absent, not as an error.
func (r *Resolver) FindSigner(ctx context.Context, account common.Address) (*Signer, error) {
	if s := r.poolLookup(account); s != nil {
		return s, nil
	}
	if r.store == nil || r.cipher == nil {
		return nil, ErrNoSigner
	}
	record, err := r.store.DelegatedKeyByAccount(ctx, strings.ToLower(account.Hex()))
	if errors.Is(err, storage.ErrNotFound) {
		return nil, ErrNoSigner
	}
	if err != nil {
		return nil, err
	}
	material, err := r.cipher.Decrypt(record.EncryptedKey)
	if err != nil {
		return nil, fmt.Errorf("decrypt delegated key for %s: %w", account.Hex(), err)
	}
	s, err := ParseSigner(material)
	if err != nil {
		return nil, fmt.Errorf("delegated key for %s: %w", account.Hex(), err)
	}
	if s.address != account {
		// Stale or mismatched record: do not trust it.
		return nil, ErrNoSigner
	}
	return s, nil
}

// FindShopSigner resolves the signer authorized to act for a shop by reading
// its on-chain delegator first.
func (r *Resolver) FindShopSigner(ctx context.Context, shopID common.Hash) (*Signer, error) {
	if r.shops == nil {
		return nil, ErrNoSigner
	}
	delegator, err := r.shops.DelegatorOf(ctx, shopID)
	if err != nil {
		return nil, fmt.Errorf("read delegator of shop %s: %w", shopID.Hex(), err)
	}
	if delegator == (common.Address{}) {
		return nil, ErrNoSigner
	}
	return r.FindSigner(ctx, delegator)
}

func (r *Resolver) poolLookup(account common.Address) *Signer {
	want := account.Bytes()
	i := sort.Search(len(r.managers), func(i int) bool {
		return bytes.Compare(r.managers[i].address.Bytes(), want) >= 0
	})
	if i < len(r.managers) && r.managers[i].address == account {
		return r.managers[i]
	}
	return nil
}

// ParseManagerKeys decodes a comma-separated list of hex private keys into a
// manager pool.
func ParseManagerKeys(raw string) ([]*Signer, error) {
	var pool []*Signer
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		s, err := ParseSigner(part)
		if err != nil {
			return nil, err
		}
		pool = append(pool, s)
	}
	if len(pool) == 0 {
		return nil, errors.New("signer: manager key pool is empty")
	}
	return pool, nil
}

// EncodeKey renders a private key as the 0x-prefixed hex Decrypt expects.
func EncodeKey(key *ecdsa.PrivateKey) string {
	return "0x" + hex.EncodeToString(crypto.FromECDSA(key))
}
