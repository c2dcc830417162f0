package identity

import (
	"bytes"
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"fmt"

	"defi-portal/go-client/internal/principal"
)

// DER SubjectPublicKeyInfo prefix for Ed25519 (OID 1.3.101.112).
var ed25519DERPrefix = []byte{0x30, 0x2a, 0x30, 0x05, 0x06, 0x03, 0x2b, 0x65, 0x70, 0x03, 0x21, 0x00}

var (
	ErrInvalidPrivateKey = errors.New("invalid ed25519 private key")
	ErrInvalidPublicKey  = errors.New("invalid ed25519 public key")
)

type Ed25519Identity struct {
	priv      ed25519.PrivateKey
	pub       ed25519.PublicKey
	der       []byte
	principal principal.Principal
}

func NewEd25519Identity(privateKey []byte) (*Ed25519Identity, error) {
	if len(privateKey) != ed25519.PrivateKeySize {
		return nil, ErrInvalidPrivateKey
	}
	priv := ed25519.PrivateKey(append([]byte(nil), privateKey...))
	pub := priv.Public().(ed25519.PublicKey)
	der := EncodeEd25519DER(pub)
	return &Ed25519Identity{
		priv:      priv,
		pub:       pub,
		der:       der,
		principal: principal.SelfAuthenticating(der),
	}, nil
}

func FromDerivedKeys(keys *DerivedKeys) (*Ed25519Identity, error) {
	if keys == nil {
		return nil, ErrInvalidPrivateKey
	}
	return NewEd25519Identity(keys.SigningPrivateKey)
}

// GenerateEd25519Identity creates a fresh random key, used for session keys.
func GenerateEd25519Identity() (*Ed25519Identity, error) {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, err
	}
	return NewEd25519Identity(priv)
}

func (i *Ed25519Identity) Principal() principal.Principal { return i.principal }

func (i *Ed25519Identity) PublicKeyDER() []byte { return append([]byte(nil), i.der...) }

func (i *Ed25519Identity) PublicKey() ed25519.PublicKey {
	return append(ed25519.PublicKey(nil), i.pub...)
}

func (i *Ed25519Identity) Sign(msg []byte) ([]byte, error) {
	return ed25519.Sign(i.priv, msg), nil
}

// ExportPrivateKey returns a copy of the private key for persistence.
func (i *Ed25519Identity) ExportPrivateKey() []byte {
	return append([]byte(nil), i.priv...)
}

func EncodeEd25519DER(pub ed25519.PublicKey) []byte {
	out := make([]byte, 0, len(ed25519DERPrefix)+len(pub))
	out = append(out, ed25519DERPrefix...)
	return append(out, pub...)
}

func DecodeEd25519DER(der []byte) (ed25519.PublicKey, error) {
	if len(der) != len(ed25519DERPrefix)+ed25519.PublicKeySize || !bytes.HasPrefix(der, ed25519DERPrefix) {
		return nil, fmt.Errorf("%w: unexpected DER encoding", ErrInvalidPublicKey)
	}
	return ed25519.PublicKey(append([]byte(nil), der[len(ed25519DERPrefix):]...)), nil
}

func Verify(derPublicKey, msg, sig []byte) bool {
	pub, err := DecodeEd25519DER(derPublicKey)
	if err != nil {
		return false
	}
	return ed25519.Verify(pub, msg, sig)
}
