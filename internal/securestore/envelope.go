// Package securestore seals small state snapshots with a passphrase.
//
// Keys come from argon2id with per-envelope parameters; ciphertexts are
// XChaCha20-Poly1305 sealed and bound to a scope naming the store that wrote
// them, so an envelope written by one store does not open in another.
package securestore

import (
	"crypto/rand"
	"encoding/json"
	"errors"
	"strings"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/chacha20poly1305"
)

const (
	envelopeVersion = 2
	saltSize        = 16
	filePrefix      = "PORTALENC2\n"
	kdfName         = "argon2id"
	aadPrefix       = "portal/securestore/v2"
)

var (
	ErrAuthFailed    = errors.New("securestore authentication failed")
	ErrInvalid       = errors.New("securestore envelope is invalid")
	ErrLegacyData    = errors.New("securestore data has an unknown format")
	ErrScopeMismatch = errors.New("securestore envelope belongs to another store")
	ErrKDFParams     = errors.New("securestore key derivation parameters out of range")
)

// KDFParams tunes argon2id. The zero value selects DefaultKDF.
type KDFParams struct {
	Time     uint32 `json:"time"`
	MemoryKB uint32 `json:"memory_kb"`
	Threads  uint8  `json:"threads"`
}

var DefaultKDF = KDFParams{Time: 2, MemoryKB: 64 * 1024, Threads: 1}

// Bounds accepted on decrypt; a tampered header must not make opening a
// file allocate gigabytes.
const (
	minKDFMemoryKB = 8 * 1024
	maxKDFMemoryKB = 1024 * 1024
	maxKDFTime     = 16
)

func (p KDFParams) orDefault() KDFParams {
	if p == (KDFParams{}) {
		return DefaultKDF
	}
	return p
}

func (p KDFParams) validate() error {
	if p.Time == 0 || p.Time > maxKDFTime || p.Threads == 0 ||
		p.MemoryKB < minKDFMemoryKB || p.MemoryKB > maxKDFMemoryKB {
		return ErrKDFParams
	}
	return nil
}

type Envelope struct {
	Version    uint32    `json:"version"`
	Scope      string    `json:"scope"`
	KDF        string    `json:"kdf"`
	Params     KDFParams `json:"kdf_params"`
	Salt       []byte    `json:"salt"`
	Nonce      []byte    `json:"nonce"`
	Ciphertext []byte    `json:"ciphertext"`
}

// Encrypt seals plaintext for scope and returns the prefixed file form.
func Encrypt(passphrase, scope string, params KDFParams, plaintext []byte) ([]byte, error) {
	env, err := EncryptEnvelope(passphrase, scope, params, plaintext)
	if err != nil {
		return nil, err
	}
	raw, err := json.Marshal(env)
	if err != nil {
		return nil, err
	}
	return append([]byte(filePrefix), raw...), nil
}

func EncryptEnvelope(passphrase, scope string, params KDFParams, plaintext []byte) (*Envelope, error) {
	params = params.orDefault()
	if err := params.validate(); err != nil {
		return nil, err
	}
	salt := make([]byte, saltSize)
	if _, err := rand.Read(salt); err != nil {
		return nil, err
	}
	key := deriveKey(passphrase, salt, params)
	defer zeroBytes(key)

	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, chacha20poly1305.NonceSizeX)
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}
	return &Envelope{
		Version:    envelopeVersion,
		Scope:      scope,
		KDF:        kdfName,
		Params:     params,
		Salt:       salt,
		Nonce:      nonce,
		Ciphertext: aead.Seal(nil, nonce, plaintext, additionalData(scope, params)),
	}, nil
}

// Decrypt opens the file form written by Encrypt for the same scope.
func Decrypt(passphrase, scope string, data []byte) ([]byte, error) {
	if !strings.HasPrefix(string(data), filePrefix) {
		return nil, ErrLegacyData
	}
	var env Envelope
	if err := json.Unmarshal(data[len(filePrefix):], &env); err != nil {
		return nil, ErrInvalid
	}
	return DecryptEnvelope(passphrase, scope, &env)
}

func DecryptEnvelope(passphrase, scope string, env *Envelope) ([]byte, error) {
	if env == nil || env.Version != envelopeVersion || env.KDF != kdfName {
		return nil, ErrInvalid
	}
	if env.Scope != scope {
		return nil, ErrScopeMismatch
	}
	if err := env.Params.validate(); err != nil {
		return nil, err
	}
	key := deriveKey(passphrase, env.Salt, env.Params)
	defer zeroBytes(key)

	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, err
	}
	if len(env.Nonce) != aead.NonceSize() {
		return nil, ErrInvalid
	}
	plaintext, err := aead.Open(nil, env.Nonce, env.Ciphertext, additionalData(scope, env.Params))
	if err != nil {
		return nil, ErrAuthFailed
	}
	return plaintext, nil
}

// additionalData authenticates the header fields the ciphertext depends on.
func additionalData(scope string, p KDFParams) []byte {
	b, _ := json.Marshal(struct {
		Prefix string    `json:"p"`
		Scope  string    `json:"s"`
		Params KDFParams `json:"k"`
	}{aadPrefix, scope, p})
	return b
}

func deriveKey(passphrase string, salt []byte, p KDFParams) []byte {
	return argon2.IDKey([]byte(passphrase), salt, p.Time, p.MemoryKB, p.Threads, chacha20poly1305.KeySize)
}

func zeroBytes(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
