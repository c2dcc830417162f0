// Package wallet turns a browser-wallet style connect response into a local
// identity.
//
// The derived identity is a deterministic function of the address string:
// anyone who knows an address can derive the same key. It proves knowledge
// of an address, not control of the wallet's private key, and must be
// replaced by a signature-verified delegation before production use.
package wallet

import (
	"crypto/sha256"
	"errors"
	"strings"

	"github.com/tyler-smith/go-bip39"

	"defi-portal/go-client/internal/identity"
	"defi-portal/go-client/internal/rpcerr"
)

const derivationDomain = "portal/wallet-derived/v1"

var ErrNoAddress = errors.New("no wallet address")

// DeriveIdentity normalizes raw and derives the address identity.
func DeriveIdentity(raw any) (*identity.Ed25519Identity, error) {
	return Match(Normalize(raw),
		func(addr string) result {
			id, err := DeriveFromAddress(addr)
			return result{id: id, err: err}
		},
		func(reason string) result {
			return result{err: rpcerr.New(rpcerr.KindExtraction, "wallet", errors.Join(ErrNoAddress, errors.New(reason)))}
		},
	).unpack()
}

type result struct {
	id  *identity.Ed25519Identity
	err error
}

func (r result) unpack() (*identity.Ed25519Identity, error) { return r.id, r.err }

// DeriveFromAddress maps an address to an Ed25519 identity:
// sha256(domain, address) is used as bip39 entropy, the mnemonic's seed
// feeds identity.DeriveKeys.
func DeriveFromAddress(address string) (*identity.Ed25519Identity, error) {
	addr := CanonicalAddress(address)
	if addr == "" {
		return nil, rpcerr.New(rpcerr.KindExtraction, "wallet", ErrNoAddress)
	}
	h := sha256.New()
	h.Write([]byte(derivationDomain))
	h.Write([]byte{0})
	h.Write([]byte(addr))
	entropy := h.Sum(nil)

	mnemonic, err := bip39.NewMnemonic(entropy)
	if err != nil {
		return nil, err
	}
	keys, err := identity.DeriveKeys(bip39.NewSeed(mnemonic, derivationDomain))
	if err != nil {
		return nil, err
	}
	return identity.FromDerivedKeys(keys)
}

// CanonicalAddress trims the address and lowercases the case-insensitive
// encodings (hex and bech32). Base58 addresses are case-sensitive and kept.
func CanonicalAddress(address string) string {
	addr := strings.TrimSpace(address)
	lower := strings.ToLower(addr)
	for _, prefix := range []string{"0x", "bc1", "tb1", "bcrt1"} {
		if strings.HasPrefix(lower, prefix) {
			return lower
		}
	}
	return addr
}
