package principal

import (
	"bytes"
	"crypto/sha256"
	"encoding/base32"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"strings"
)

const (
	MaxLength = 29

	suffixOpaque            = 0x01
	suffixSelfAuthenticated = 0x02
	suffixAnonymous         = 0x04
)

var (
	ErrEmpty            = errors.New("principal text is empty")
	ErrTooLong          = errors.New("principal is too long")
	ErrInvalidEncoding  = errors.New("principal text is not valid base32")
	ErrChecksumMismatch = errors.New("principal checksum mismatch")
	ErrNotCanonical     = errors.New("principal text is not in canonical form")
	ErrNotCanister      = errors.New("principal is not a canister id")
)

var encoding = base32.StdEncoding.WithPadding(base32.NoPadding)

// Principal is an opaque caller or canister identifier.
type Principal struct {
	raw []byte
}

var Anonymous = Principal{raw: []byte{suffixAnonymous}}

// Management is the empty principal addressing the management canister.
var Management = Principal{raw: []byte{}}

func FromBytes(b []byte) (Principal, error) {
	if len(b) > MaxLength {
		return Principal{}, ErrTooLong
	}
	return Principal{raw: append([]byte{}, b...)}, nil
}

// SelfAuthenticating builds the principal controlled by the given DER
// encoded public key.
func SelfAuthenticating(derPublicKey []byte) Principal {
	sum := sha256.Sum224(derPublicKey)
	raw := make([]byte, 0, len(sum)+1)
	raw = append(raw, sum[:]...)
	raw = append(raw, suffixSelfAuthenticated)
	return Principal{raw: raw}
}

func (p Principal) Bytes() []byte {
	return append([]byte(nil), p.raw...)
}

func (p Principal) IsZero() bool {
	return p.raw == nil
}

func (p Principal) IsAnonymous() bool {
	return len(p.raw) == 1 && p.raw[0] == suffixAnonymous
}

func (p Principal) IsSelfAuthenticating() bool {
	return len(p.raw) > 0 && p.raw[len(p.raw)-1] == suffixSelfAuthenticated
}

func (p Principal) Equal(other Principal) bool {
	if p.IsZero() != other.IsZero() {
		return false
	}
	return bytes.Equal(p.raw, other.raw)
}

// String returns the textual form: base32(crc32 || bytes) in groups of five.
func (p Principal) String() string {
	if p.IsZero() {
		return ""
	}
	buf := make([]byte, 4, 4+len(p.raw))
	binary.BigEndian.PutUint32(buf, crc32.ChecksumIEEE(p.raw))
	buf = append(buf, p.raw...)
	encoded := strings.ToLower(encoding.EncodeToString(buf))

	var b strings.Builder
	for i := 0; i < len(encoded); i += 5 {
		if i > 0 {
			b.WriteByte('-')
		}
		end := i + 5
		if end > len(encoded) {
			end = len(encoded)
		}
		b.WriteString(encoded[i:end])
	}
	return b.String()
}

func (p Principal) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

func (p *Principal) UnmarshalText(text []byte) error {
	parsed, err := Parse(string(text))
	if err != nil {
		return err
	}
	*p = parsed
	return nil
}

func Parse(text string) (Principal, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return Principal{}, ErrEmpty
	}
	compact := strings.ToUpper(strings.ReplaceAll(text, "-", ""))
	decoded, err := encoding.DecodeString(compact)
	if err != nil {
		return Principal{}, fmt.Errorf("%w: %v", ErrInvalidEncoding, err)
	}
	if len(decoded) < 4 {
		return Principal{}, ErrInvalidEncoding
	}
	raw := decoded[4:]
	if len(raw) > MaxLength {
		return Principal{}, ErrTooLong
	}
	if binary.BigEndian.Uint32(decoded[:4]) != crc32.ChecksumIEEE(raw) {
		return Principal{}, ErrChecksumMismatch
	}
	p := Principal{raw: append([]byte{}, raw...)}
	if p.String() != strings.ToLower(text) {
		return Principal{}, ErrNotCanonical
	}
	return p, nil
}

// ParseCanisterID parses text and rejects identifiers that can never name a
// callable canister: the management and anonymous principals and
// self-authenticating user principals.
func ParseCanisterID(text string) (Principal, error) {
	p, err := Parse(text)
	if err != nil {
		return Principal{}, err
	}
	switch {
	case len(p.raw) == 0:
		return Principal{}, fmt.Errorf("%w: management canister %q", ErrNotCanister, text)
	case p.IsAnonymous():
		return Principal{}, fmt.Errorf("%w: anonymous principal %q", ErrNotCanister, text)
	case p.IsSelfAuthenticating():
		return Principal{}, fmt.Errorf("%w: user principal %q", ErrNotCanister, text)
	case p.raw[len(p.raw)-1] != suffixOpaque:
		return Principal{}, fmt.Errorf("%w: unexpected principal class in %q", ErrNotCanister, text)
	}
	return p, nil
}
