package actor

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"

	"github.com/fxamacker/cbor/v2"

	"defi-portal/go-client/internal/agent"
	"defi-portal/go-client/internal/identity"
	"defi-portal/go-client/internal/principal"
	"defi-portal/go-client/internal/rpcerr"
	"defi-portal/go-client/internal/session"
)

const ledgerID = "ryjl3-tyaaa-aaaaa-aaaba-cai"

var ledger = Interface{
	Name: "ledger",
	Methods: map[string]MethodKind{
		"balance":  MethodQuery,
		"transfer": MethodUpdate,
	},
}

type scriptedAgent struct {
	id      identity.Identity
	calls   atomic.Int32
	replies map[string][]byte
	lastArg []byte
}

func (a *scriptedAgent) Principal() principal.Principal { return a.id.Principal() }

func (a *scriptedAgent) Query(_ context.Context, _ principal.Principal, method string, arg []byte) ([]byte, error) {
	a.calls.Add(1)
	a.lastArg = arg
	return a.replies[method], nil
}

func (a *scriptedAgent) Call(_ context.Context, _ principal.Principal, method string, arg []byte) ([]byte, error) {
	a.calls.Add(1)
	a.lastArg = arg
	return a.replies[method], nil
}

func mustCBOR(t *testing.T, v any) []byte {
	t.Helper()
	b, err := cbor.Marshal(v)
	if err != nil {
		t.Fatalf("cbor: %v", err)
	}
	return b
}

func newSessions(t *testing.T, replies map[string][]byte) (*session.Manager, *[]*scriptedAgent) {
	t.Helper()
	var built []*scriptedAgent
	m, err := session.NewManager(session.Options{
		NewAgent: func(id identity.Identity) (agent.Agent, error) {
			a := &scriptedAgent{id: id, replies: replies}
			built = append(built, a)
			return a, nil
		},
	})
	if err != nil {
		t.Fatalf("session manager: %v", err)
	}
	return m, &built
}

func TestBindWithoutSessionMakesNoCalls(t *testing.T) {
	sessions, built := newSessions(t, nil)
	_, err := NewFactory(sessions).Bind(ledgerID, ledger, false)
	if !errors.Is(err, rpcerr.ErrNotAuthenticated) {
		t.Fatalf("expected ErrNotAuthenticated, got %v", err)
	}
	if !rpcerr.IsKind(err, rpcerr.KindNotAuthenticated) {
		t.Fatalf("expected NotAuthenticated kind, got %s", rpcerr.KindOf(err))
	}
	if len(*built) != 0 {
		t.Fatal("refused bind must not create an agent")
	}
}

func TestBindAnonymousWhenAllowed(t *testing.T) {
	sessions, _ := newSessions(t, map[string][]byte{"balance": mustCBOR(t, uint64(42))})
	stub, err := NewFactory(sessions).Bind(ledgerID, ledger, true)
	if err != nil {
		t.Fatalf("bind: %v", err)
	}
	if !stub.Caller().IsAnonymous() {
		t.Fatal("expected anonymous caller")
	}
	got, err := QueryAs[uint64](context.Background(), stub, "balance", nil)
	if err != nil || got != 42 {
		t.Fatalf("balance: %d %v", got, err)
	}
}

func TestQueryRawReturnsReplyBytes(t *testing.T) {
	want := mustCBOR(t, uint64(7))
	sessions, _ := newSessions(t, map[string][]byte{"balance": want})
	stub, _ := NewFactory(sessions).Bind(ledgerID, ledger, true)
	raw, err := stub.QueryRaw(context.Background(), "balance", nil)
	if err != nil {
		t.Fatalf("query raw: %v", err)
	}
	if string(raw) != string(want) {
		t.Fatalf("unexpected raw reply %x", raw)
	}
	if _, err := stub.QueryRaw(context.Background(), "transfer", nil); err == nil {
		t.Fatal("raw query of an update method should fail")
	}
}

type walletStub struct{ id identity.Identity }

func (w walletStub) Connect(context.Context) (identity.Identity, error) { return w.id, nil }

func TestBindPrefersAuthenticatedAgent(t *testing.T) {
	user, err := identity.GenerateEd25519Identity()
	if err != nil {
		t.Fatal(err)
	}
	m, err := session.NewManager(session.Options{
		Wallet: walletStub{id: user},
		NewAgent: func(id identity.Identity) (agent.Agent, error) {
			return &scriptedAgent{id: id}, nil
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := m.Connect(context.Background(), session.ProviderWallet); err != nil {
		t.Fatal(err)
	}
	stub, err := NewFactory(m).Bind(ledgerID, ledger, true)
	if err != nil {
		t.Fatal(err)
	}
	if !stub.Caller().Equal(user.Principal()) {
		t.Fatal("bind should use the authenticated agent even when anonymous is allowed")
	}
}

func TestBindRejectsInvalidCanister(t *testing.T) {
	sessions, built := newSessions(t, nil)
	for _, id := range []string{"", "aaaaa-aa", "2vxsx-fae", "not-a-principal"} {
		if _, err := NewFactory(sessions).Bind(id, ledger, true); !rpcerr.IsKind(err, rpcerr.KindConfig) {
			t.Fatalf("%q: expected config error, got %v", id, err)
		}
	}
	if len(*built) != 0 {
		t.Fatal("invalid canister ids must fail before an agent is built")
	}
}

func TestUpdateResultsPassThrough(t *testing.T) {
	okReply := mustCBOR(t, map[string]any{"ok": uint64(7)})
	errReply := mustCBOR(t, map[string]any{"err": "InsufficientFunds"})

	sessions, _ := newSessions(t, map[string][]byte{"transfer": okReply})
	stub, err := NewFactory(sessions).Bind(ledgerID, ledger, true)
	if err != nil {
		t.Fatal(err)
	}
	res, err := stub.Update(context.Background(), "transfer", map[string]any{"amount": 1})
	if err != nil || !res.IsOk() {
		t.Fatalf("expected ok result, got %+v %v", res, err)
	}
	var block uint64
	if err := res.Decode(&block); err != nil || block != 7 {
		t.Fatalf("decode ok: %d %v", block, err)
	}

	sessions, _ = newSessions(t, map[string][]byte{"transfer": errReply})
	stub, _ = NewFactory(sessions).Bind(ledgerID, ledger, true)
	res, err = stub.Update(context.Background(), "transfer", nil)
	if err != nil {
		t.Fatalf("application rejection must not be a call error: %v", err)
	}
	if res.IsOk() || res.Reason() != "InsufficientFunds" {
		t.Fatalf("expected err result, got %+v", res)
	}
	var appErr *rpcerr.ApplicationError
	if !errors.As(res.Err(), &appErr) || appErr.Method != "transfer" {
		t.Fatalf("expected application error, got %v", res.Err())
	}

	_, err = UpdateAs[uint64](context.Background(), stub, "transfer", nil)
	if !errors.As(err, &appErr) {
		t.Fatalf("UpdateAs should surface the application error, got %v", err)
	}
}

func TestMalformedResult(t *testing.T) {
	sessions, _ := newSessions(t, map[string][]byte{"transfer": mustCBOR(t, map[string]any{"other": 1})})
	stub, _ := NewFactory(sessions).Bind(ledgerID, ledger, true)
	if _, err := stub.Update(context.Background(), "transfer", nil); !errors.Is(err, ErrMalformedResult) {
		t.Fatalf("expected ErrMalformedResult, got %v", err)
	}
}

func TestMethodKindIsEnforced(t *testing.T) {
	sessions, built := newSessions(t, nil)
	stub, _ := NewFactory(sessions).Bind(ledgerID, ledger, true)
	if err := stub.Query(context.Background(), "transfer", nil, nil); err == nil {
		t.Fatal("query of an update method should fail")
	}
	if _, err := stub.Update(context.Background(), "burn", nil); !errors.Is(err, ErrUnknownMethod) {
		t.Fatalf("expected ErrUnknownMethod, got %v", err)
	}
	if (*built)[0].calls.Load() != 0 {
		t.Fatal("rejected invocations must not reach the agent")
	}
}

func TestResultMarshalRoundTripShape(t *testing.T) {
	res, err := OK("done")
	if err != nil {
		t.Fatal(err)
	}
	raw, err := cbor.Marshal(res)
	if err != nil {
		t.Fatal(err)
	}
	back, err := decodeResult(raw)
	if err != nil || !back.IsOk() {
		t.Fatalf("decode: %+v %v", back, err)
	}
	raw, _ = cbor.Marshal(Failed("nope"))
	back, err = decodeResult(raw)
	if err != nil || back.Reason() != "nope" {
		t.Fatalf("decode err: %+v %v", back, err)
	}
}
