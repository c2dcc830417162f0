package identity

import (
	"crypto/ed25519"
	"crypto/sha256"
	"errors"
	"io"

	"github.com/mr-tron/base58/base58"
	"golang.org/x/crypto/blake2b"
	"golang.org/x/crypto/hkdf"
)

const hkdfInfoSigning = "portal/identity/signing/v1"

var ErrInvalidSeed = errors.New("seed material is empty")

func DeriveKeys(seedBytes []byte) (*DerivedKeys, error) {
	if len(seedBytes) == 0 {
		return nil, ErrInvalidSeed
	}
	signingSeed, err := hkdfExpand(seedBytes, hkdfInfoSigning, ed25519.SeedSize)
	if err != nil {
		return nil, err
	}
	signingPriv := ed25519.NewKeyFromSeed(signingSeed)
	signingPub := signingPriv.Public().(ed25519.PublicKey)

	return &DerivedKeys{
		SigningPrivateKey: signingPriv,
		SigningPublicKey:  signingPub,
	}, nil
}

// Fingerprint is a short, log-safe key identifier.
func Fingerprint(publicKey []byte) string {
	if len(publicKey) == 0 {
		return ""
	}
	h := blake2b.Sum256(publicKey)
	return "k1" + base58.Encode(h[:16])
}

func hkdfExpand(seed []byte, info string, outLen int) ([]byte, error) {
	reader := hkdf.New(sha256.New, seed, nil, []byte(info))
	out := make([]byte, outLen)
	if _, err := io.ReadFull(reader, out); err != nil {
		return nil, err
	}
	return out, nil
}
