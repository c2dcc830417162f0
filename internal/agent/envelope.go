package agent

import (
	"crypto/sha256"
	"errors"
	"io"

	"github.com/fxamacker/cbor/v2"

	"defi-portal/go-client/internal/identity"
)

const (
	requestTypeQuery = "query"
	requestTypeCall  = "call"

	statusReplied  = "replied"
	statusRejected = "rejected"

	maxResponseBytes = 4 << 20
)

// Signatures cover the domain separator followed by the request id.
var requestDomainSeparator = []byte("\x0Aic-request")

var (
	ErrInvalidEnvelope  = errors.New("invalid request envelope")
	ErrInvalidSignature = errors.New("invalid request signature")
)

var canonicalEnc = mustCanonicalEncMode()

func mustCanonicalEncMode() cbor.EncMode {
	mode, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(err)
	}
	return mode
}

type RequestContent struct {
	RequestType   string `cbor:"request_type"`
	CanisterID    []byte `cbor:"canister_id"`
	MethodName    string `cbor:"method_name"`
	Arg           []byte `cbor:"arg"`
	Sender        []byte `cbor:"sender"`
	Nonce         []byte `cbor:"nonce,omitempty"`
	IngressExpiry uint64 `cbor:"ingress_expiry"`
}

type SenderDelegation struct {
	Token         string `cbor:"token"`
	SessionPubKey []byte `cbor:"session_pubkey"`
	Expiration    uint64 `cbor:"expiration"`
}

type Envelope struct {
	Content          RequestContent    `cbor:"content"`
	SenderPubKey     []byte            `cbor:"sender_pubkey,omitempty"`
	SenderSig        []byte            `cbor:"sender_sig,omitempty"`
	SenderDelegation *SenderDelegation `cbor:"sender_delegation,omitempty"`
}

type Response struct {
	Status        string `cbor:"status"`
	Reply         *Reply `cbor:"reply,omitempty"`
	RejectCode    uint64 `cbor:"reject_code,omitempty"`
	RejectMessage string `cbor:"reject_message,omitempty"`
}

type Reply struct {
	Arg []byte `cbor:"arg"`
}

// RequestID is the sha256 of the canonical CBOR encoding of the content.
func (c RequestContent) RequestID() ([]byte, error) {
	raw, err := canonicalEnc.Marshal(c)
	if err != nil {
		return nil, err
	}
	sum := sha256.Sum256(raw)
	return sum[:], nil
}

func signingPayload(requestID []byte) []byte {
	out := make([]byte, 0, len(requestDomainSeparator)+len(requestID))
	out = append(out, requestDomainSeparator...)
	return append(out, requestID...)
}

func sealEnvelope(id identity.Identity, content RequestContent) (*Envelope, error) {
	env := &Envelope{Content: content}
	pub := id.PublicKeyDER()
	if len(pub) == 0 {
		return env, nil
	}
	requestID, err := content.RequestID()
	if err != nil {
		return nil, err
	}
	sig, err := id.Sign(signingPayload(requestID))
	if err != nil {
		return nil, err
	}
	env.SenderPubKey = pub
	env.SenderSig = sig
	if d, ok := id.(identity.Delegator); ok {
		del := d.Delegation()
		env.SenderDelegation = &SenderDelegation{
			Token:         del.Token,
			SessionPubKey: del.SessionPublicKey,
			Expiration:    uint64(del.Expiration.UnixNano()),
		}
	}
	return env, nil
}

// ReadEnvelope decodes a request envelope as a replica would receive it.
func ReadEnvelope(r io.Reader) (*Envelope, error) {
	var env Envelope
	if err := cbor.NewDecoder(io.LimitReader(r, maxResponseBytes)).Decode(&env); err != nil {
		return nil, errors.Join(ErrInvalidEnvelope, err)
	}
	return &env, nil
}

// Verify checks the envelope signature: against the session key when a
// delegation is attached, otherwise against the sender key.
func (e *Envelope) Verify() error {
	if len(e.SenderPubKey) == 0 {
		if len(e.SenderSig) != 0 {
			return ErrInvalidSignature
		}
		return nil
	}
	requestID, err := e.Content.RequestID()
	if err != nil {
		return err
	}
	signer := e.SenderPubKey
	if e.SenderDelegation != nil {
		signer = e.SenderDelegation.SessionPubKey
	}
	if !identity.Verify(signer, signingPayload(requestID), e.SenderSig) {
		return ErrInvalidSignature
	}
	return nil
}

func EncodeResponse(w io.Writer, resp Response) error {
	return cbor.NewEncoder(w).Encode(resp)
}
