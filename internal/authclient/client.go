// Package authclient drives the federated login flow: it generates a
// session key, hands control to the identity provider through an Opener,
// and receives a delegation for that key on a loopback callback.
package authclient

import (
	"context"
	"encoding/base64"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"defi-portal/go-client/internal/identity"
	"defi-portal/go-client/internal/rpcerr"
	"defi-portal/go-client/internal/securestore"
)

const (
	DefaultCallbackAddr  = "127.0.0.1:0"
	DefaultMaxTimeToLive = 8 * time.Hour
	DefaultLoginTimeout  = 5 * time.Minute

	callbackPath       = "/callback"
	userInterruptError = "UserInterrupt"
)

var ErrLoginRejected = errors.New("identity provider rejected the login")

// Opener hands the authorize URL to the user agent.
type Opener func(ctx context.Context, authorizeURL string) error

type Config struct {
	ProviderURL   string
	CallbackAddr  string
	MaxTimeToLive time.Duration
	LoginTimeout  time.Duration
	Opener        Opener
	// Store persists the delegated session between runs when configured.
	Store  securestore.File
	Logger *slog.Logger
	Now    func() time.Time
}

type Client struct {
	cfg    Config
	logger *slog.Logger
	now    func() time.Time
	mu     sync.Mutex
}

func New(cfg Config) *Client {
	if strings.TrimSpace(cfg.CallbackAddr) == "" {
		cfg.CallbackAddr = DefaultCallbackAddr
	}
	if cfg.MaxTimeToLive <= 0 {
		cfg.MaxTimeToLive = DefaultMaxTimeToLive
	}
	if cfg.LoginTimeout <= 0 {
		cfg.LoginTimeout = DefaultLoginTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	cfg.Store = cfg.Store.WithScope(sessionStoreScope)
	return &Client{cfg: cfg, logger: logger, now: now}
}

type callbackResult struct {
	token string
	err   string
}

// Login runs one provider round trip. It returns (nil, nil) when the
// provider endpoint is absent or unusable and when the user cancels; a
// malformed endpoint is a ConfigError and a provider failure an AuthError.
func (c *Client) Login(ctx context.Context) (identity.Identity, error) {
	provider, state, err := classifyEndpoint(c.cfg.ProviderURL)
	if err != nil {
		return nil, err
	}
	switch state {
	case endpointAbsent:
		c.logger.Warn("auth.provider_absent", "variable", providerVariable)
		return nil, nil
	case endpointMisconfigured:
		c.logger.Warn("auth.provider_misconfigured", "variable", providerVariable, "provider", c.cfg.ProviderURL)
		return nil, nil
	}
	if c.cfg.Opener == nil {
		return nil, rpcerr.Config("login.opener", "no opener configured for provider %s", provider.Host)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	sessionKey, err := identity.GenerateEd25519Identity()
	if err != nil {
		return nil, err
	}
	listener, err := net.Listen("tcp", c.cfg.CallbackAddr)
	if err != nil {
		return nil, rpcerr.Config("login.callback_addr", "cannot listen on %s: %v", c.cfg.CallbackAddr, err)
	}
	nonce := uuid.NewString()
	results := make(chan callbackResult, 1)
	srv := &http.Server{
		Handler:           c.callbackHandler(nonce, results),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() { _ = srv.Serve(listener) }()
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		_ = srv.Shutdown(shutdownCtx)
		cancel()
	}()

	redirect := "http://" + listener.Addr().String() + callbackPath
	authorizeURL := buildAuthorizeURL(provider, sessionKey.PublicKeyDER(), redirect, nonce, c.cfg.MaxTimeToLive)
	if err := c.cfg.Opener(ctx, authorizeURL); err != nil {
		return nil, rpcerr.Auth(provider.Host, err)
	}

	waitCtx, cancel := context.WithTimeout(ctx, c.cfg.LoginTimeout)
	defer cancel()
	var res callbackResult
	select {
	case <-waitCtx.Done():
		if errors.Is(ctx.Err(), context.Canceled) {
			return nil, ctx.Err()
		}
		return nil, rpcerr.Newf(rpcerr.KindAuth, provider.Host, "login was not completed within %s", c.cfg.LoginTimeout)
	case res = <-results:
	}

	if res.err != "" {
		if res.err == userInterruptError {
			c.logger.Debug("auth.login_cancelled", "provider", provider.Host)
			return nil, nil
		}
		return nil, rpcerr.Auth(provider.Host, errors.Join(ErrLoginRejected, errors.New(res.err)))
	}

	delegation, err := verifyDelegation(res.token, sessionKey.PublicKeyDER(), provider.Scheme+"://"+provider.Host, c.now)
	if err != nil {
		return nil, rpcerr.Auth(provider.Host, err)
	}
	id, err := identity.NewDelegationIdentity(sessionKey, delegation, c.now())
	if err != nil {
		return nil, rpcerr.Auth(provider.Host, err)
	}
	c.persist(sessionKey, delegation)
	c.logger.Info("auth.login_succeeded", "provider", provider.Host, "principal", id.Principal().String(), "expires_at", delegation.Expiration)
	return id, nil
}

func (c *Client) callbackHandler(nonce string, results chan<- callbackResult) http.Handler {
	mux := http.NewServeMux()
	var once sync.Once
	mux.HandleFunc(callbackPath, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet && r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		if err := r.ParseForm(); err != nil {
			http.Error(w, "invalid callback", http.StatusBadRequest)
			return
		}
		if r.Form.Get("state") != nonce {
			http.Error(w, "unknown login state", http.StatusBadRequest)
			return
		}
		res := callbackResult{token: strings.TrimSpace(r.Form.Get("delegation")), err: strings.TrimSpace(r.Form.Get("error"))}
		if res.token == "" && res.err == "" {
			http.Error(w, "missing delegation", http.StatusBadRequest)
			return
		}
		once.Do(func() { results <- res })
		_, _ = w.Write([]byte("Login complete. You can close this window.\n"))
	})
	return mux
}

func buildAuthorizeURL(provider *url.URL, sessionKeyDER []byte, redirect, nonce string, ttl time.Duration) string {
	u := *provider
	q := u.Query()
	q.Set("session_key", base64.RawURLEncoding.EncodeToString(sessionKeyDER))
	q.Set("redirect_uri", redirect)
	q.Set("state", nonce)
	q.Set("max_time_to_live", strconv.FormatInt(ttl.Nanoseconds(), 10))
	u.RawQuery = q.Encode()
	return u.String()
}
