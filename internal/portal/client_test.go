package portal

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"defi-portal/go-client/internal/actor"
	"defi-portal/go-client/internal/agent"
	"defi-portal/go-client/internal/config"
	"defi-portal/go-client/internal/executor"
	"defi-portal/go-client/internal/identity"
	"defi-portal/go-client/internal/metrics"
	"defi-portal/go-client/internal/principal"
	"defi-portal/go-client/internal/rpcerr"
	"defi-portal/go-client/internal/securestore"
	"defi-portal/go-client/internal/session"
	"defi-portal/go-client/internal/wallet"
)

const ledgerID = "ryjl3-tyaaa-aaaaa-aaaba-cai"

var ledger = actor.Interface{
	Name: "ledger",
	Methods: map[string]actor.MethodKind{
		"balance":  actor.MethodQuery,
		"transfer": actor.MethodUpdate,
	},
}

// replica scripts agent replies shared by every agent the client builds.
type replica struct {
	calls atomic.Int32
	reply func(n int32, method string) ([]byte, error)
}

type replicaAgent struct {
	id identity.Identity
	r  *replica
}

func (a *replicaAgent) Principal() principal.Principal { return a.id.Principal() }

func (a *replicaAgent) Query(_ context.Context, _ principal.Principal, method string, _ []byte) ([]byte, error) {
	return a.r.reply(a.r.calls.Add(1), method)
}

func (a *replicaAgent) Call(ctx context.Context, canister principal.Principal, method string, arg []byte) ([]byte, error) {
	return a.Query(ctx, canister, method, arg)
}

func (r *replica) factory(id identity.Identity) (agent.Agent, error) {
	return &replicaAgent{id: id, r: r}, nil
}

func testConfig() config.Config {
	cfg := config.Default()
	cfg.Canisters = map[string]string{"ledger": ledgerID}
	cfg.Retry = config.RetryConfig{MaxRetries: 3, InitialDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond, Multiplier: 2}
	cfg.RateLimits["swap"] = config.RateLimit{MaxRequests: 2, Window: time.Minute}
	cfg.CallTimeout = 2 * time.Second
	return cfg
}

func newTestClient(t *testing.T, cfg config.Config, r *replica, opts ...func(*Options)) (*Client, *prometheus.Registry) {
	t.Helper()
	reg := prometheus.NewRegistry()
	o := Options{
		Config:     cfg,
		Logger:     slog.New(slog.NewTextHandler(io.Discard, nil)),
		Registerer: reg,
		NewAgent:   r.factory,
	}
	for _, fn := range opts {
		fn(&o)
	}
	c, err := New(o)
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	return c, reg
}

func mustCBOR(t *testing.T, v any) []byte {
	t.Helper()
	b, err := cbor.Marshal(v)
	if err != nil {
		t.Fatal(err)
	}
	return b
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	cfg := testConfig()
	cfg.Canisters["dex"] = "aaaaa-aa"
	if _, err := New(Options{Config: cfg}); !rpcerr.IsKind(err, rpcerr.KindConfig) {
		t.Fatalf("expected config error, got %v", err)
	}
}

func TestAnonymousQueryByName(t *testing.T) {
	r := &replica{reply: func(int32, string) ([]byte, error) { return mustCBOR(t, uint64(99)), nil }}
	c, _ := newTestClient(t, testConfig(), r)

	var balance uint64
	err := c.Query(context.Background(), Call{Canister: "ledger", Interface: ledger, Method: "balance", AllowAnonymous: true}, &balance)
	if err != nil || balance != 99 {
		t.Fatalf("balance: %d %v", balance, err)
	}
}

func TestUnauthenticatedUpdateMakesNoCalls(t *testing.T) {
	r := &replica{reply: func(int32, string) ([]byte, error) { return nil, nil }}
	c, reg := newTestClient(t, testConfig(), r)

	_, err := c.Update(context.Background(), Call{Canister: "ledger", Interface: ledger, Method: "transfer"})
	if !errors.Is(err, rpcerr.ErrNotAuthenticated) {
		t.Fatalf("expected ErrNotAuthenticated, got %v", err)
	}
	if r.calls.Load() != 0 {
		t.Fatal("no network call should be made without a session")
	}
	if n, _ := testutil.GatherAndCount(reg, "portal_retries_total"); n != 0 {
		t.Fatal("NotAuthenticated must not be retried")
	}
}

func TestTransientFailuresAreRetried(t *testing.T) {
	r := &replica{reply: func(n int32, _ string) ([]byte, error) {
		if n < 3 {
			return nil, rpcerr.Newf(rpcerr.KindUnavailable, "query", "replica returned 503")
		}
		return mustCBOR(t, uint64(5)), nil
	}}
	c, _ := newTestClient(t, testConfig(), r)

	var out uint64
	err := c.Query(context.Background(), Call{Canister: ledgerID, Interface: ledger, Method: "balance", AllowAnonymous: true}, &out)
	if err != nil || out != 5 {
		t.Fatalf("expected success after retries, got %d %v", out, err)
	}
	if v := testutil.ToFloat64(c.metrics.Retries.WithLabelValues("ledger.balance")); v != 2 {
		t.Fatalf("expected 2 retries recorded, got %v", v)
	}
}

func TestExhaustedRetriesReturnOriginalError(t *testing.T) {
	boom := rpcerr.Newf(rpcerr.KindConnection, "query", "connection refused")
	r := &replica{reply: func(int32, string) ([]byte, error) { return nil, boom }}
	c, _ := newTestClient(t, testConfig(), r)

	err := c.Query(context.Background(), Call{Canister: "ledger", Interface: ledger, Method: "balance", AllowAnonymous: true}, nil)
	if err != boom {
		t.Fatalf("expected the last error unchanged, got %v", err)
	}
	if r.calls.Load() != 3 {
		t.Fatalf("expected 3 attempts, got %d", r.calls.Load())
	}
	if v := testutil.ToFloat64(c.metrics.Calls.WithLabelValues("ledger", "balance", metrics.OutcomeError)); v != 1 {
		t.Fatalf("expected one failed call recorded, got %v", v)
	}
}

func TestApplicationErrorIsNotRetried(t *testing.T) {
	r := &replica{reply: func(int32, string) ([]byte, error) {
		return mustCBOR(t, map[string]any{"err": "InsufficientFunds"}), nil
	}}
	c, _ := newTestClient(t, testConfig(), r, withWallet("0x00000000000000000000000000000000000000aa"))
	if _, err := c.Connect(context.Background(), session.ProviderWallet); err != nil {
		t.Fatalf("connect: %v", err)
	}

	res, err := c.Update(context.Background(), Call{Canister: "ledger", Interface: ledger, Method: "transfer", Class: "swap"})
	if err != nil {
		t.Fatalf("application rejection must be data, got %v", err)
	}
	if res.IsOk() || res.Reason() != "InsufficientFunds" {
		t.Fatalf("unexpected result %+v", res)
	}
	if r.calls.Load() != 1 {
		t.Fatalf("expected a single attempt, got %d", r.calls.Load())
	}
	if v := testutil.ToFloat64(c.metrics.Calls.WithLabelValues("ledger", "transfer", metrics.OutcomeApplication)); v != 1 {
		t.Fatalf("expected application outcome recorded, got %v", v)
	}
}

func TestRateLimitDeniesBeforeNetwork(t *testing.T) {
	r := &replica{reply: func(int32, string) ([]byte, error) { return mustCBOR(t, map[string]any{"ok": true}), nil }}
	c, _ := newTestClient(t, testConfig(), r)
	call := Call{Canister: "ledger", Interface: ledger, Method: "balance", Class: "swap", AllowAnonymous: true}

	for i := range 2 {
		if err := c.Query(context.Background(), call, nil); err != nil {
			t.Fatalf("call %d: %v", i, err)
		}
	}
	err := c.Query(context.Background(), call, nil)
	var limited *rpcerr.RateLimitError
	if !errors.As(err, &limited) {
		t.Fatalf("expected RateLimitError, got %v", err)
	}
	if limited.Class != "swap" || limited.RetryAfterSeconds < 1 || limited.RetryAfterSeconds > 60 {
		t.Fatalf("unexpected rate limit error %+v", limited)
	}
	if r.calls.Load() != 2 {
		t.Fatalf("denied call must not reach the network, got %d calls", r.calls.Load())
	}
	if v := testutil.ToFloat64(c.metrics.RateLimitDenials.WithLabelValues("swap")); v != 1 {
		t.Fatalf("expected one denial recorded, got %v", v)
	}

	// Other classes keep their own quota.
	if err := c.Query(context.Background(), Call{Canister: "ledger", Interface: ledger, Method: "balance", Class: "lending", AllowAnonymous: true}, nil); err != nil {
		t.Fatalf("lending should be unaffected: %v", err)
	}
}

func TestCallTimeout(t *testing.T) {
	release := make(chan struct{})
	defer close(release)
	r := &replica{reply: func(int32, string) ([]byte, error) {
		<-release
		return nil, nil
	}}
	cfg := testConfig()
	cfg.CallTimeout = 20 * time.Millisecond
	c, _ := newTestClient(t, cfg, r)

	err := c.Query(context.Background(), Call{Canister: "ledger", Interface: ledger, Method: "balance", AllowAnonymous: true}, nil)
	var timeout *executor.TimeoutError
	if !errors.As(err, &timeout) {
		t.Fatalf("expected TimeoutError, got %v", err)
	}
	if v := testutil.ToFloat64(c.metrics.Timeouts); v != 1 {
		t.Fatalf("expected timeout recorded, got %v", v)
	}
}

func TestTimedOutQueryLeavesOutputUntouched(t *testing.T) {
	release := make(chan struct{})
	replied := make(chan struct{})
	r := &replica{reply: func(int32, string) ([]byte, error) {
		defer close(replied)
		<-release
		return mustCBOR(t, uint64(777)), nil
	}}
	cfg := testConfig()
	cfg.CallTimeout = 20 * time.Millisecond
	c, _ := newTestClient(t, cfg, r)

	var balance uint64
	err := c.Query(context.Background(), Call{Canister: "ledger", Interface: ledger, Method: "balance", AllowAnonymous: true}, &balance)
	var timeout *executor.TimeoutError
	if !errors.As(err, &timeout) {
		t.Fatalf("expected TimeoutError, got %v", err)
	}

	close(release)
	<-replied
	time.Sleep(50 * time.Millisecond)
	if balance != 0 {
		t.Fatalf("abandoned attempt wrote %d into the caller's value", balance)
	}
}

func TestQueryDecodeFailureIsNotRetried(t *testing.T) {
	r := &replica{reply: func(int32, string) ([]byte, error) { return mustCBOR(t, "not a number"), nil }}
	c, _ := newTestClient(t, testConfig(), r)

	var balance uint64
	err := c.Query(context.Background(), Call{Canister: "ledger", Interface: ledger, Method: "balance", AllowAnonymous: true}, &balance)
	if err == nil {
		t.Fatal("expected a decode error")
	}
	if r.calls.Load() != 1 {
		t.Fatalf("decode failures happen after the call and must not retry, got %d calls", r.calls.Load())
	}
}

type walletExt struct{ addr string }

func (w walletExt) Name() string { return "test-wallet" }

func (w walletExt) RequestAccounts(context.Context) (any, error) { return []string{w.addr}, nil }

func TestWalletConnectThroughLookup(t *testing.T) {
	env := wallet.NewEnvironment()
	env.Inject(walletExt{addr: "0xABCDEF0123456789"})
	r := &replica{reply: func(int32, string) ([]byte, error) { return nil, nil }}
	c, _ := newTestClient(t, testConfig(), r, func(o *Options) { o.WalletLookup = env.Lookup("test-wallet") })

	p, err := c.Connect(context.Background(), session.ProviderWallet)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	want, err := wallet.DeriveFromAddress("0xabcdef0123456789")
	if err != nil {
		t.Fatal(err)
	}
	if !p.Equal(want.Principal()) {
		t.Fatal("wallet principal should be derived from the canonical address")
	}
}

func TestWalletWithoutEndpointIsConfigError(t *testing.T) {
	c, _ := newTestClient(t, testConfig(), &replica{})
	if _, err := c.Connect(context.Background(), session.ProviderWallet); !rpcerr.IsKind(err, rpcerr.KindConfig) {
		t.Fatalf("expected config error, got %v", err)
	}
}

func withWallet(addr string) func(*Options) {
	return func(o *Options) {
		env := wallet.NewEnvironment()
		env.Inject(walletExt{addr: addr})
		o.WalletLookup = env.Lookup("test-wallet")
	}
}

func TestSessionFileKDFOverrides(t *testing.T) {
	f := sessionFile(config.SessionStoreConfig{Path: "/tmp/s.enc", Secret: "pw", KDFMemoryKB: 16 * 1024})
	want := securestore.DefaultKDF
	want.MemoryKB = 16 * 1024
	if f.KDF != want {
		t.Fatalf("unexpected kdf params %+v", f.KDF)
	}
	if d := sessionFile(config.SessionStoreConfig{}); d.KDF != securestore.DefaultKDF {
		t.Fatalf("unset tuning should keep defaults, got %+v", d.KDF)
	}
}
