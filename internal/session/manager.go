// Package session owns the process-wide notion of who the caller is.
//
// Two identity sources can be connected at once: a wallet-derived identity
// and a delegated (federated login) identity. Every lookup re-evaluates
// precedence: a non-anonymous wallet identity wins, then a non-anonymous,
// unexpired delegated identity, otherwise the caller is unauthenticated.
// The agent is memoized against the winning identity and rebuilt whenever
// the winner changes, including a fresh login as the same principal.
package session

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"defi-portal/go-client/internal/agent"
	"defi-portal/go-client/internal/identity"
	"defi-portal/go-client/internal/principal"
	"defi-portal/go-client/internal/rpcerr"
)

type Source int

const (
	SourceNone Source = iota
	SourceDelegated
	SourceWalletDerived
)

func (s Source) String() string {
	switch s {
	case SourceDelegated:
		return "delegated"
	case SourceWalletDerived:
		return "wallet"
	default:
		return "none"
	}
}

// Provider selects the identity source Connect uses.
type Provider string

const (
	ProviderWallet    Provider = "wallet"
	ProviderDelegated Provider = "delegated"
)

func ParseProvider(s string) (Provider, error) {
	switch Provider(s) {
	case ProviderWallet, ProviderDelegated:
		return Provider(s), nil
	default:
		return "", rpcerr.Config("provider", "unknown identity provider %q (want wallet or delegated)", s)
	}
}

// WalletConnector produces the wallet-derived identity.
type WalletConnector interface {
	Connect(ctx context.Context) (identity.Identity, error)
}

// DelegatedLogin runs the federated login. A nil identity with a nil error
// means no session: the provider is absent or the user cancelled.
type DelegatedLogin interface {
	Login(ctx context.Context) (identity.Identity, error)
	Logout(ctx context.Context) error
}

// Restorer is implemented by delegated logins that persist sessions.
type Restorer interface {
	Restore(ctx context.Context) (identity.Identity, error)
}

// Session is a snapshot of the active session.
type Session struct {
	Source    Source
	Principal principal.Principal
	Agent     agent.Agent
}

type Options struct {
	Wallet    WalletConnector
	Delegated DelegatedLogin
	// NewAgent builds agents; required.
	NewAgent agent.Factory
	// CloseAgent tears down a discarded agent. Defaults to io.Closer.
	CloseAgent func(agent.Agent)
	Logger     *slog.Logger
	Now        func() time.Time
}

type Manager struct {
	wallet     WalletConnector
	delegated  DelegatedLogin
	newAgent   agent.Factory
	closeAgent func(agent.Agent)
	logger     *slog.Logger
	now        func() time.Time
	connects   singleflight.Group

	mu                sync.Mutex
	walletIdentity    identity.Identity
	delegatedIdentity identity.Identity
	agent             agent.Agent
	agentIdentity     identity.Identity

	anonOnce  sync.Once
	anonAgent agent.Agent
	anonErr   error
}

func NewManager(opts Options) (*Manager, error) {
	if opts.NewAgent == nil {
		return nil, rpcerr.Config("session", "agent factory is required")
	}
	closeAgent := opts.CloseAgent
	if closeAgent == nil {
		closeAgent = closeIfCloser
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Manager{
		wallet:     opts.Wallet,
		delegated:  opts.Delegated,
		newAgent:   opts.NewAgent,
		closeAgent: closeAgent,
		logger:     logger,
		now:        now,
	}, nil
}

// CurrentPrincipal returns the winning principal; ok is false when the
// caller is unauthenticated.
func (m *Manager) CurrentPrincipal() (principal.Principal, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, _ := m.winnerLocked()
	if id == nil {
		return principal.Principal{}, false
	}
	return id.Principal(), true
}

func (m *Manager) Session() Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, source := m.winnerLocked()
	if id == nil {
		return Session{Source: SourceNone}
	}
	s := Session{Source: source, Principal: id.Principal()}
	if m.agent != nil && sameIdentity(m.agentIdentity, id) {
		s.Agent = m.agent
	}
	return s
}

// Agent returns the agent of the winning identity. With no winner it
// returns the anonymous agent when allowAnonymous is set and
// rpcerr.ErrNotAuthenticated otherwise.
func (m *Manager) Agent(allowAnonymous bool) (agent.Agent, error) {
	m.mu.Lock()
	id, _ := m.winnerLocked()
	if id != nil {
		a, err := m.boundAgentLocked(id)
		m.mu.Unlock()
		return a, err
	}
	m.mu.Unlock()
	if !allowAnonymous {
		return nil, rpcerr.ErrNotAuthenticated
	}
	return m.anonymousAgent()
}

// Connect establishes the identity for provider and returns the principal
// that now wins precedence. Concurrent connects for the same provider share
// one round trip. A zero principal with a nil error means the delegated
// login produced no session.
func (m *Manager) Connect(ctx context.Context, provider Provider) (principal.Principal, error) {
	v, err, shared := m.connects.Do(string(provider), func() (any, error) {
		return m.connect(ctx, provider)
	})
	if shared {
		m.logger.Debug("session.connect_coalesced", "provider", string(provider))
	}
	if err != nil {
		return principal.Principal{}, err
	}
	return v.(principal.Principal), nil
}

func (m *Manager) connect(ctx context.Context, provider Provider) (principal.Principal, error) {
	switch provider {
	case ProviderWallet:
		if m.wallet == nil {
			return principal.Principal{}, rpcerr.Config("wallet", "no wallet connector configured")
		}
		id, err := m.wallet.Connect(ctx)
		if err != nil {
			m.logger.Warn("session.connect_failed", "provider", string(provider), "error", err.Error())
			return principal.Principal{}, err
		}
		return m.install(SourceWalletDerived, id)
	case ProviderDelegated:
		if m.delegated == nil {
			m.logger.Warn("session.delegated_unavailable")
			return principal.Principal{}, nil
		}
		id, err := m.delegated.Login(ctx)
		if err != nil {
			m.logger.Warn("session.connect_failed", "provider", string(provider), "error", err.Error())
			return principal.Principal{}, err
		}
		if id == nil {
			return principal.Principal{}, nil
		}
		return m.install(SourceDelegated, id)
	default:
		return principal.Principal{}, rpcerr.Config("provider", "unknown identity provider %q", string(provider))
	}
}

// Restore reinstalls a persisted delegated session, if any.
func (m *Manager) Restore(ctx context.Context) (principal.Principal, error) {
	r, ok := m.delegated.(Restorer)
	if !ok {
		return principal.Principal{}, nil
	}
	id, err := r.Restore(ctx)
	if err != nil || id == nil {
		return principal.Principal{}, err
	}
	return m.install(SourceDelegated, id)
}

func (m *Manager) install(source Source, id identity.Identity) (principal.Principal, error) {
	if id == nil {
		return principal.Principal{}, errors.New("session: nil identity")
	}
	if !m.usable(id) {
		m.logger.Warn("session.connect_rejected", "source", source.String(), "principal", id.Principal().String())
		return principal.Principal{}, rpcerr.New(rpcerr.KindAuth, source.String(), fmt.Errorf("connected identity is anonymous or expired"))
	}
	m.mu.Lock()
	switch source {
	case SourceWalletDerived:
		m.walletIdentity = id
	case SourceDelegated:
		m.delegatedIdentity = id
	}
	winner, winnerSource := m.winnerLocked()
	m.mu.Unlock()

	m.logger.Info("session.connected", "source", source.String(), "principal", id.Principal().String(), "winner", winnerSource.String())
	if winner == nil {
		return principal.Principal{}, rpcerr.New(rpcerr.KindAuth, source.String(), fmt.Errorf("no usable identity after connect"))
	}
	return winner.Principal(), nil
}

// Disconnect clears both identities and discards the memoized agent. The
// anonymous agent is kept.
func (m *Manager) Disconnect(ctx context.Context) error {
	m.mu.Lock()
	old := m.agent
	m.walletIdentity = nil
	m.delegatedIdentity = nil
	m.agent = nil
	m.agentIdentity = nil
	m.mu.Unlock()

	if old != nil {
		m.closeAgent(old)
	}
	var err error
	if m.delegated != nil {
		err = m.delegated.Logout(ctx)
	}
	m.logger.Info("session.disconnected")
	return err
}

// winnerLocked applies precedence. Callers hold m.mu.
func (m *Manager) winnerLocked() (identity.Identity, Source) {
	if m.usable(m.walletIdentity) {
		return m.walletIdentity, SourceWalletDerived
	}
	if m.usable(m.delegatedIdentity) {
		return m.delegatedIdentity, SourceDelegated
	}
	return nil, SourceNone
}

func (m *Manager) boundAgentLocked(id identity.Identity) (agent.Agent, error) {
	if m.agent != nil && sameIdentity(m.agentIdentity, id) {
		return m.agent, nil
	}
	a, err := m.newAgent(id)
	if err != nil {
		return nil, err
	}
	old := m.agent
	m.agent = a
	m.agentIdentity = id
	if old != nil {
		m.closeAgent(old)
	}
	return a, nil
}

func (m *Manager) anonymousAgent() (agent.Agent, error) {
	m.anonOnce.Do(func() {
		m.anonAgent, m.anonErr = m.newAgent(identity.Anonymous{})
	})
	return m.anonAgent, m.anonErr
}

// usable reports whether id may win precedence: it must name a real
// principal and, when delegated, its delegation must not have expired.
func (m *Manager) usable(id identity.Identity) bool {
	if id == nil {
		return false
	}
	p := id.Principal()
	if p.IsZero() || p.IsAnonymous() {
		return false
	}
	if d, ok := id.(identity.Delegator); ok && d.Delegation().Expired(m.now()) {
		return false
	}
	return true
}

// sameIdentity compares signing material, not just principals: a second
// login as the same user carries a new session key and delegation.
func sameIdentity(a, b identity.Identity) bool {
	if a == nil || b == nil {
		return false
	}
	if !a.Principal().Equal(b.Principal()) || !bytes.Equal(a.PublicKeyDER(), b.PublicKeyDER()) {
		return false
	}
	da, okA := a.(identity.Delegator)
	db, okB := b.(identity.Delegator)
	if okA != okB {
		return false
	}
	if !okA {
		return true
	}
	x, y := da.Delegation(), db.Delegation()
	return x.Token == y.Token &&
		bytes.Equal(x.SessionPublicKey, y.SessionPublicKey) &&
		x.Expiration.Equal(y.Expiration)
}

func closeIfCloser(a agent.Agent) {
	if c, ok := a.(io.Closer); ok {
		_ = c.Close()
	}
}
