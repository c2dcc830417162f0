package securestore

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
)

var ErrNotConfigured = errors.New("securestore path and secret are required")

// File is an encrypted JSON snapshot at Path sealed with Secret. Scope names
// the owning store and is authenticated with every snapshot; KDF zero means
// DefaultKDF.
type File struct {
	Path   string
	Secret string
	Scope  string
	KDF    KDFParams
}

func NewFile(path, secret string) File {
	return File{Path: strings.TrimSpace(path), Secret: strings.TrimSpace(secret)}
}

// WithScope returns a copy of f bound to scope.
func (f File) WithScope(scope string) File {
	f.Scope = scope
	return f
}

func (f File) WithKDF(p KDFParams) File {
	f.KDF = p
	return f
}

func (f File) Configured() bool {
	return f.Path != "" && f.Secret != ""
}

// Load decrypts the snapshot into v. A missing file reports os.ErrNotExist.
func (f File) Load(v any) error {
	if !f.Configured() {
		return ErrNotConfigured
	}
	raw, err := os.ReadFile(f.Path)
	if err != nil {
		return err
	}
	plain, err := Decrypt(f.Secret, f.Scope, raw)
	if err != nil {
		return err
	}
	defer zeroBytes(plain)
	if err := json.Unmarshal(plain, v); err != nil {
		return ErrInvalid
	}
	return nil
}

// Save encrypts v and replaces the snapshot through a temp file rename.
func (f File) Save(v any) error {
	if !f.Configured() {
		return ErrNotConfigured
	}
	payload, err := json.Marshal(v)
	if err != nil {
		return err
	}
	defer zeroBytes(payload)
	encrypted, err := Encrypt(f.Secret, f.Scope, f.KDF, payload)
	if err != nil {
		return err
	}
	dir := filepath.Dir(f.Path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, ".snapshot-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(encrypted); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return err
	}
	if err := tmp.Chmod(0o600); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return err
	}
	return os.Rename(tmpName, f.Path)
}

// Remove deletes the snapshot; a missing file is not an error.
func (f File) Remove() error {
	if f.Path == "" {
		return nil
	}
	if err := os.Remove(f.Path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}
