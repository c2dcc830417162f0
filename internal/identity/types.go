package identity

import (
	"time"

	"defi-portal/go-client/internal/principal"
)

// Identity signs requests on behalf of one principal.
type Identity interface {
	Principal() principal.Principal
	// PublicKeyDER is nil for the anonymous identity.
	PublicKeyDER() []byte
	Sign(msg []byte) ([]byte, error)
}

// Delegator is implemented by identities whose signatures are authorized
// through a delegation rather than the principal's own key.
type Delegator interface {
	Delegation() Delegation
}

type DerivedKeys struct {
	SigningPrivateKey []byte // Ed25519 private key bytes (64)
	SigningPublicKey  []byte // Ed25519 public key bytes (32)
}

// Delegation authorizes SessionPublicKey to sign for the principal of
// UserPublicKey until Expiration. Token is the provider-issued credential
// forwarded with every signed request.
type Delegation struct {
	Token            string
	UserPublicKey    []byte
	SessionPublicKey []byte
	Expiration       time.Time
}

func (d Delegation) Expired(now time.Time) bool {
	return !d.Expiration.IsZero() && !now.Before(d.Expiration)
}
