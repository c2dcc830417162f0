package wallet

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"defi-portal/go-client/internal/identity"
	"defi-portal/go-client/internal/rpcerr"
)

const (
	DefaultDetectTimeout = 3 * time.Second
	DefaultPollInterval  = 100 * time.Millisecond
	DefaultAccountMethod = "requestAccounts"
)

var (
	ErrNotInstalled      = rpcerr.New(rpcerr.KindAuth, "wallet", errors.New("wallet extension is not installed"))
	ErrWalletLocked      = rpcerr.New(rpcerr.KindAuth, "wallet", errors.New("wallet is locked; unlock it and retry"))
	ErrUserRejected      = rpcerr.New(rpcerr.KindAuth, "wallet", errors.New("connection request was rejected in the wallet"))
	ErrUnsupportedWallet = rpcerr.New(rpcerr.KindAuth, "wallet", errors.New("wallet exposes no supported connect method"))
)

// Extension is a wallet provider. It must also implement at least one of
// AccountsRequester, MethodRequester or Enabler.
type Extension interface {
	Name() string
}

type AccountsRequester interface {
	RequestAccounts(ctx context.Context) (any, error)
}

type MethodRequester interface {
	Request(ctx context.Context, method string) (any, error)
}

type Enabler interface {
	Enable(ctx context.Context) (any, error)
}

// RequestAddress asks ext for its accounts through the first connect
// method it supports.
func RequestAddress(ctx context.Context, ext Extension, method string) (any, error) {
	if method == "" {
		method = DefaultAccountMethod
	}
	switch e := ext.(type) {
	case AccountsRequester:
		return e.RequestAccounts(ctx)
	case MethodRequester:
		return e.Request(ctx, method)
	case Enabler:
		return e.Enable(ctx)
	default:
		return nil, ErrUnsupportedWallet
	}
}

// Lookup reports the currently injected extension, if any.
type Lookup func() (Extension, bool)

// Detect polls lookup until an extension appears or timeout elapses.
func Detect(ctx context.Context, lookup Lookup, timeout, interval time.Duration) (Extension, error) {
	if lookup == nil {
		return nil, ErrNotInstalled
	}
	if ext, ok := lookup(); ok {
		return ext, nil
	}
	if timeout <= 0 {
		return nil, ErrNotInstalled
	}
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-deadline.C:
			if ext, ok := lookup(); ok {
				return ext, nil
			}
			return nil, ErrNotInstalled
		case <-ticker.C:
			if ext, ok := lookup(); ok {
				return ext, nil
			}
		}
	}
}

// Environment is the set of extensions injected into the running process,
// keyed by name. Extensions may be injected after startup.
type Environment struct {
	mu   sync.RWMutex
	exts map[string]Extension
}

func NewEnvironment() *Environment {
	return &Environment{exts: make(map[string]Extension)}
}

func (e *Environment) Inject(ext Extension) {
	if ext == nil {
		return
	}
	e.mu.Lock()
	e.exts[strings.ToLower(ext.Name())] = ext
	e.mu.Unlock()
}

func (e *Environment) Remove(name string) {
	e.mu.Lock()
	delete(e.exts, strings.ToLower(name))
	e.mu.Unlock()
}

func (e *Environment) Lookup(name string) Lookup {
	key := strings.ToLower(strings.TrimSpace(name))
	return func() (Extension, bool) {
		e.mu.RLock()
		defer e.mu.RUnlock()
		ext, ok := e.exts[key]
		return ext, ok
	}
}

type ConnectorConfig struct {
	Lookup        Lookup
	Method        string
	DetectTimeout time.Duration
	PollInterval  time.Duration
	Logger        *slog.Logger
}

// Connector runs detect, request and derive.
type Connector struct {
	cfg    ConnectorConfig
	logger *slog.Logger
}

func NewConnector(cfg ConnectorConfig) *Connector {
	if cfg.DetectTimeout <= 0 {
		cfg.DetectTimeout = DefaultDetectTimeout
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Connector{cfg: cfg, logger: logger}
}

func (c *Connector) Connect(ctx context.Context) (identity.Identity, error) {
	ext, err := Detect(ctx, c.cfg.Lookup, c.cfg.DetectTimeout, c.cfg.PollInterval)
	if err != nil {
		return nil, err
	}
	raw, err := RequestAddress(ctx, ext, c.cfg.Method)
	if err != nil {
		return nil, err
	}
	id, err := DeriveIdentity(raw)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", ext.Name(), err)
	}
	if addr, ok := Normalize(raw).Address(); ok {
		c.logger.Info("wallet.connected", "wallet", ext.Name(), "wallet_address", addr, "principal", id.Principal().String())
	}
	return id, nil
}
