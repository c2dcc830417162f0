package identity

import (
	"bytes"
	"errors"
	"time"

	"defi-portal/go-client/internal/principal"
)

var (
	ErrDelegationExpired  = errors.New("delegation expired")
	ErrDelegationMismatch = errors.New("delegation does not authorize the session key")
)

// DelegationIdentity signs with a session key that the user's key has
// delegated to. Its principal is the user's, not the session key's.
type DelegationIdentity struct {
	session    *Ed25519Identity
	delegation Delegation
	principal  principal.Principal
}

func NewDelegationIdentity(session *Ed25519Identity, d Delegation, now time.Time) (*DelegationIdentity, error) {
	if session == nil || len(d.UserPublicKey) == 0 {
		return nil, ErrDelegationMismatch
	}
	if !bytes.Equal(session.PublicKeyDER(), d.SessionPublicKey) {
		return nil, ErrDelegationMismatch
	}
	if d.Expired(now) {
		return nil, ErrDelegationExpired
	}
	return &DelegationIdentity{
		session:    session,
		delegation: cloneDelegation(d),
		principal:  principal.SelfAuthenticating(d.UserPublicKey),
	}, nil
}

func (i *DelegationIdentity) Principal() principal.Principal { return i.principal }

// PublicKeyDER returns the user key; requests carry it as sender_pubkey
// while the signature comes from the delegated session key.
func (i *DelegationIdentity) PublicKeyDER() []byte {
	return append([]byte(nil), i.delegation.UserPublicKey...)
}

func (i *DelegationIdentity) Sign(msg []byte) ([]byte, error) {
	return i.session.Sign(msg)
}

func (i *DelegationIdentity) Delegation() Delegation {
	return cloneDelegation(i.delegation)
}

func (i *DelegationIdentity) SessionKey() *Ed25519Identity {
	return i.session
}

func cloneDelegation(d Delegation) Delegation {
	return Delegation{
		Token:            d.Token,
		UserPublicKey:    append([]byte(nil), d.UserPublicKey...),
		SessionPublicKey: append([]byte(nil), d.SessionPublicKey...),
		Expiration:       d.Expiration,
	}
}
