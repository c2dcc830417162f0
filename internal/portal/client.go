// Package portal wires the session, rate limiting, retry and actor layers
// into the client the CLI and embedding applications use.
package portal

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/prometheus/client_golang/prometheus"

	"defi-portal/go-client/internal/actor"
	"defi-portal/go-client/internal/agent"
	"defi-portal/go-client/internal/authclient"
	"defi-portal/go-client/internal/config"
	"defi-portal/go-client/internal/executor"
	"defi-portal/go-client/internal/metrics"
	"defi-portal/go-client/internal/platform/privacylog"
	"defi-portal/go-client/internal/platform/ratelimiter"
	"defi-portal/go-client/internal/principal"
	"defi-portal/go-client/internal/rpcerr"
	"defi-portal/go-client/internal/securestore"
	"defi-portal/go-client/internal/session"
	"defi-portal/go-client/internal/wallet"
)

type Options struct {
	Config config.Config
	Logger *slog.Logger
	// Registerer receives the call metrics; nil leaves them unregistered.
	Registerer prometheus.Registerer
	// Opener presents the identity provider's authorize URL.
	Opener authclient.Opener
	// WalletLookup overrides the wallet configured by endpoint.
	WalletLookup wallet.Lookup
	// NewAgent overrides the HTTP agent factory.
	NewAgent agent.Factory
	Now      func() time.Time
}

type Client struct {
	cfg      config.Config
	logger   *slog.Logger
	sessions *session.Manager
	actors   *actor.Factory
	limiter  *ratelimiter.Limiter
	metrics  *metrics.Metrics
	policy   executor.Policy
}

func New(opts Options) (*Client, error) {
	cfg := opts.Config
	if err := config.Validate(cfg); err != nil {
		return nil, err
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewJSONHandler(os.Stderr, nil))
	}
	logger = slog.New(privacylog.WrapHandler(logger.Handler()))

	newAgent := opts.NewAgent
	if newAgent == nil {
		newAgent = agent.NewFactory(agent.Config{
			Host:              cfg.Host,
			RequestsPerSecond: cfg.OutboundRPS,
			Burst:             cfg.OutboundBurst,
			Logger:            logger,
			Now:               opts.Now,
		})
	}

	auth := authclient.New(authclient.Config{
		ProviderURL:   cfg.IdentityProvider,
		CallbackAddr:  cfg.Login.CallbackAddr,
		MaxTimeToLive: cfg.Login.MaxTTL,
		LoginTimeout:  cfg.Login.Timeout,
		Opener:        opts.Opener,
		Store:         sessionFile(cfg.SessionStore),
		Logger:        logger,
		Now:           opts.Now,
	})

	sessions, err := session.NewManager(session.Options{
		Wallet:    walletConnector(cfg.Wallet, opts.WalletLookup, logger),
		Delegated: auth,
		NewAgent:  newAgent,
		Logger:    logger,
		Now:       opts.Now,
	})
	if err != nil {
		return nil, err
	}

	c := &Client{
		cfg:      cfg,
		logger:   logger,
		sessions: sessions,
		actors:   actor.NewFactory(sessions),
		limiter:  ratelimiter.New(cfg.RateRules()),
		metrics:  metrics.New(opts.Registerer),
		policy:   cfg.RetryPolicy(),
	}
	return c, nil
}

func sessionFile(cfg config.SessionStoreConfig) securestore.File {
	kdf := securestore.DefaultKDF
	if cfg.KDFTime > 0 {
		kdf.Time = cfg.KDFTime
	}
	if cfg.KDFMemoryKB > 0 {
		kdf.MemoryKB = cfg.KDFMemoryKB
	}
	return securestore.NewFile(cfg.Path, cfg.Secret).WithKDF(kdf)
}

// walletConnector returns nil when no wallet is reachable, which makes
// wallet connects fail with a ConfigError.
func walletConnector(cfg config.WalletConfig, lookup wallet.Lookup, logger *slog.Logger) session.WalletConnector {
	if lookup == nil {
		if strings.TrimSpace(cfg.Endpoint) == "" {
			return nil
		}
		env := wallet.NewEnvironment()
		ext := wallet.NewRPCExtension(cfg.Name, cfg.Endpoint, nil)
		env.Inject(ext)
		lookup = env.Lookup(ext.Name())
	}
	return wallet.NewConnector(wallet.ConnectorConfig{
		Lookup:        lookup,
		Method:        cfg.Method,
		DetectTimeout: cfg.DetectTimeout,
		PollInterval:  cfg.PollInterval,
		Logger:        logger,
	})
}

func (c *Client) Sessions() *session.Manager { return c.sessions }

func (c *Client) Config() config.Config { return c.cfg }

// Run sweeps expired rate-limit windows until ctx is done.
func (c *Client) Run(ctx context.Context) {
	c.limiter.Run(ctx, ratelimiter.DefaultSweepInterval)
}

// Connect establishes an identity and reports the winning principal.
func (c *Client) Connect(ctx context.Context, provider session.Provider) (principal.Principal, error) {
	return c.sessions.Connect(ctx, provider)
}

func (c *Client) Disconnect(ctx context.Context) error {
	return c.sessions.Disconnect(ctx)
}

// Restore reinstalls a persisted delegated session.
func (c *Client) Restore(ctx context.Context) (principal.Principal, error) {
	return c.sessions.Restore(ctx)
}

// Call names one canister method invocation.
type Call struct {
	// Canister is a configured canister name or a canister id.
	Canister  string
	Interface actor.Interface
	Method    string
	Arg       any
	// Class selects the rate-limit quota; empty means general.
	Class          string
	AllowAnonymous bool
}

func (call Call) op() string {
	return call.Interface.Name + "." + call.Method
}

// Query runs a query method and decodes the reply into out. Attempts only
// produce raw replies; out is written on the caller's goroutine once the call
// has succeeded, so an attempt abandoned by the timeout never touches it.
func (c *Client) Query(ctx context.Context, call Call, out any) error {
	raw, err := execute(ctx, c, call, func(ctx context.Context, stub *actor.Stub) (cbor.RawMessage, error) {
		return stub.QueryRaw(ctx, call.Method, call.Arg)
	})
	if err != nil || out == nil {
		return err
	}
	if err := cbor.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("%s: decode reply: %w", call.op(), err)
	}
	return nil
}

// Update runs an update method. Application failures are returned as an
// {err} Result, not as an error.
func (c *Client) Update(ctx context.Context, call Call) (actor.Result, error) {
	return execute(ctx, c, call, func(ctx context.Context, stub *actor.Stub) (actor.Result, error) {
		return stub.Update(ctx, call.Method, call.Arg)
	})
}

// execute applies admission, then bind-and-invoke under the retry policy
// and overall timeout.
func execute[T any](ctx context.Context, c *Client, call Call, invoke func(context.Context, *actor.Stub) (T, error)) (T, error) {
	var zero T
	canisterID, err := c.resolveCanister(call.Canister)
	if err != nil {
		return zero, err
	}
	if err := c.admit(call); err != nil {
		return zero, err
	}

	policy := c.policy
	policy.OnRetry = func(attempt int, err error) {
		c.metrics.RecordRetry(call.op())
		c.logger.Warn("portal.call_retry", "op", call.op(), "attempt", attempt, "kind", rpcerr.KindOf(err).String(), "error", err.Error())
	}

	start := time.Now()
	v, err := executor.RetryWithTimeout(ctx, func(ctx context.Context) (T, error) {
		stub, err := c.actors.Bind(canisterID, call.Interface, call.AllowAnonymous)
		if err != nil {
			return zero, err
		}
		return invoke(ctx, stub)
	}, c.cfg.CallTimeout, policy)

	outcome := outcomeOf(v, err)
	c.metrics.RecordCall(call.Interface.Name, call.Method, outcome, time.Since(start))
	if err != nil {
		c.logger.Warn("portal.call_failed", "op", call.op(), "outcome", outcome, "kind", rpcerr.KindOf(err).String(), "error", err.Error())
		return zero, err
	}
	c.logger.Debug("portal.call_completed", "op", call.op(), "outcome", outcome)
	return v, nil
}

func (c *Client) admit(call Call) error {
	subject := ""
	if p, ok := c.sessions.CurrentPrincipal(); ok {
		subject = p.String()
	}
	if err := c.limiter.Check(call.Class, subject); err != nil {
		c.metrics.RecordRateLimitDenial(c.limiter.ClassOf(call.Class))
		c.logger.Info("portal.rate_limited", "op", call.op(), "class", call.Class, "subject", subject)
		return err
	}
	return nil
}

func (c *Client) resolveCanister(nameOrID string) (string, error) {
	if id, ok := c.cfg.Canisters[strings.ToLower(strings.TrimSpace(nameOrID))]; ok {
		return id, nil
	}
	return nameOrID, nil
}

func outcomeOf(v any, err error) string {
	if err == nil {
		if res, ok := v.(actor.Result); ok && !res.IsOk() {
			return metrics.OutcomeApplication
		}
		return metrics.OutcomeOK
	}
	var timeout *executor.TimeoutError
	var limited *rpcerr.RateLimitError
	switch {
	case errors.As(err, &timeout):
		return metrics.OutcomeTimeout
	case errors.As(err, &limited):
		return metrics.OutcomeRateLimited
	default:
		return metrics.OutcomeError
	}
}
