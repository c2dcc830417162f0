package identity

import "defi-portal/go-client/internal/principal"

// Anonymous sends unsigned requests as the anonymous principal.
type Anonymous struct{}

func (Anonymous) Principal() principal.Principal { return principal.Anonymous }

func (Anonymous) PublicKeyDER() []byte { return nil }

func (Anonymous) Sign([]byte) ([]byte, error) { return nil, nil }
