package identity

import (
	"bytes"
	"strings"
	"testing"
	"time"
)

func TestDeriveKeysDeterministic(t *testing.T) {
	seed := []byte("test-seed-material")
	k1, err := DeriveKeys(seed)
	if err != nil {
		t.Fatalf("derive keys 1 failed: %v", err)
	}
	k2, err := DeriveKeys(seed)
	if err != nil {
		t.Fatalf("derive keys 2 failed: %v", err)
	}
	if !bytes.Equal(k1.SigningPublicKey, k2.SigningPublicKey) {
		t.Fatal("signing public keys should be deterministic")
	}
	if _, err := DeriveKeys(nil); err != ErrInvalidSeed {
		t.Fatalf("expected ErrInvalidSeed, got %v", err)
	}
}

func TestEd25519IdentitySignsAndVerifies(t *testing.T) {
	keys, err := DeriveKeys([]byte("seed"))
	if err != nil {
		t.Fatalf("derive keys: %v", err)
	}
	id, err := FromDerivedKeys(keys)
	if err != nil {
		t.Fatalf("identity: %v", err)
	}
	sig, err := id.Sign([]byte("payload"))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if !Verify(id.PublicKeyDER(), []byte("payload"), sig) {
		t.Fatal("signature should verify against DER public key")
	}
	if Verify(id.PublicKeyDER(), []byte("tampered"), sig) {
		t.Fatal("signature should not verify for different payload")
	}
	if !id.Principal().IsSelfAuthenticating() {
		t.Fatal("ed25519 identity should have a self-authenticating principal")
	}
}

func TestDecodeEd25519DERRejectsGarbage(t *testing.T) {
	if _, err := DecodeEd25519DER([]byte{1, 2, 3}); err == nil {
		t.Fatal("expected decode error")
	}
}

func TestAnonymousIdentity(t *testing.T) {
	var a Anonymous
	if !a.Principal().IsAnonymous() {
		t.Fatal("anonymous identity must use the anonymous principal")
	}
	if a.PublicKeyDER() != nil {
		t.Fatal("anonymous identity has no public key")
	}
}

func TestDelegationIdentityUsesUserPrincipal(t *testing.T) {
	user, err := GenerateEd25519Identity()
	if err != nil {
		t.Fatalf("user key: %v", err)
	}
	session, err := GenerateEd25519Identity()
	if err != nil {
		t.Fatalf("session key: %v", err)
	}
	now := time.Now()
	d := Delegation{
		Token:            "token",
		UserPublicKey:    user.PublicKeyDER(),
		SessionPublicKey: session.PublicKeyDER(),
		Expiration:       now.Add(time.Hour),
	}
	id, err := NewDelegationIdentity(session, d, now)
	if err != nil {
		t.Fatalf("delegation identity: %v", err)
	}
	if !id.Principal().Equal(user.Principal()) {
		t.Fatal("delegation identity should act as the user principal")
	}
	sig, _ := id.Sign([]byte("msg"))
	if !Verify(session.PublicKeyDER(), []byte("msg"), sig) {
		t.Fatal("delegation identity should sign with the session key")
	}

	if _, err := NewDelegationIdentity(session, d, now.Add(2*time.Hour)); err != ErrDelegationExpired {
		t.Fatalf("expected ErrDelegationExpired, got %v", err)
	}
	other, _ := GenerateEd25519Identity()
	if _, err := NewDelegationIdentity(other, d, now); err != ErrDelegationMismatch {
		t.Fatalf("expected ErrDelegationMismatch, got %v", err)
	}
}

func TestFingerprintPrefix(t *testing.T) {
	fp := Fingerprint([]byte("public-key"))
	if !strings.HasPrefix(fp, "k1") || len(fp) < 10 {
		t.Fatalf("unexpected fingerprint %q", fp)
	}
	if Fingerprint(nil) != "" {
		t.Fatal("empty key should have empty fingerprint")
	}
}
