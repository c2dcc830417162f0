// Package agent sends signed requests to canisters on behalf of one
// identity.
//
// Every request is a CBOR envelope posted to
// {host}/api/v2/canister/{canister}/{query|call}. Failures are tagged with
// rpcerr kinds at the point they are observed: connection, timeout and
// 5xx/429 responses are transport kinds; 4xx responses and canister rejects
// are KindRejected.
package agent

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"syscall"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"defi-portal/go-client/internal/identity"
	"defi-portal/go-client/internal/principal"
	"defi-portal/go-client/internal/rpcerr"
)

const (
	DefaultHost              = "https://icp-api.io"
	DefaultIngressExpiry     = 4 * time.Minute
	DefaultRequestsPerSecond = 20
	DefaultBurst             = 40
	DefaultRequestTimeout    = 30 * time.Second

	contentTypeCBOR = "application/cbor"
	requestIDHeader = "X-Request-Id"
)

// Reject codes reported by the replica.
const (
	RejectSysFatal           = 1
	RejectSysTransient       = 2
	RejectDestinationInvalid = 3
	RejectCanisterReject     = 4
	RejectCanisterError      = 5
)

// Agent is the transport bound to one identity.
type Agent interface {
	Principal() principal.Principal
	Query(ctx context.Context, canisterID principal.Principal, method string, arg []byte) ([]byte, error)
	Call(ctx context.Context, canisterID principal.Principal, method string, arg []byte) ([]byte, error)
}

// Factory builds an agent for an identity.
type Factory func(id identity.Identity) (Agent, error)

type Config struct {
	Host              string
	HTTPClient        *http.Client
	RequestsPerSecond float64
	Burst             int
	IngressExpiry     time.Duration
	Logger            *slog.Logger
	Now               func() time.Time
}

func (c Config) withDefaults() Config {
	if strings.TrimSpace(c.Host) == "" {
		c.Host = DefaultHost
	}
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: DefaultRequestTimeout}
	}
	if c.RequestsPerSecond <= 0 {
		c.RequestsPerSecond = DefaultRequestsPerSecond
	}
	if c.Burst <= 0 {
		c.Burst = DefaultBurst
	}
	if c.IngressExpiry <= 0 {
		c.IngressExpiry = DefaultIngressExpiry
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	return c
}

type HTTPAgent struct {
	id      identity.Identity
	baseURL *url.URL
	client  *http.Client
	pacer   *rate.Limiter
	expiry  time.Duration
	logger  *slog.Logger
	now     func() time.Time
}

func New(id identity.Identity, cfg Config) (*HTTPAgent, error) {
	if id == nil {
		return nil, rpcerr.Newf(rpcerr.KindConfig, "agent", "identity is required")
	}
	cfg = cfg.withDefaults()
	base, err := url.Parse(strings.TrimRight(strings.TrimSpace(cfg.Host), "/"))
	if err != nil || (base.Scheme != "http" && base.Scheme != "https") || base.Host == "" {
		return nil, rpcerr.Config("host", "invalid replica host %q", cfg.Host)
	}
	return &HTTPAgent{
		id:      id,
		baseURL: base,
		client:  cfg.HTTPClient,
		pacer:   rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), cfg.Burst),
		expiry:  cfg.IngressExpiry,
		logger:  cfg.Logger,
		now:     cfg.Now,
	}, nil
}

// NewFactory returns a Factory producing HTTP agents that share cfg.
func NewFactory(cfg Config) Factory {
	return func(id identity.Identity) (Agent, error) {
		return New(id, cfg)
	}
}

func (a *HTTPAgent) Principal() principal.Principal { return a.id.Principal() }

func (a *HTTPAgent) Identity() identity.Identity { return a.id }

func (a *HTTPAgent) Query(ctx context.Context, canisterID principal.Principal, method string, arg []byte) ([]byte, error) {
	return a.send(ctx, requestTypeQuery, canisterID, method, arg)
}

func (a *HTTPAgent) Call(ctx context.Context, canisterID principal.Principal, method string, arg []byte) ([]byte, error) {
	return a.send(ctx, requestTypeCall, canisterID, method, arg)
}

// Close releases idle connections held by the agent's client.
func (a *HTTPAgent) Close() error {
	a.client.CloseIdleConnections()
	return nil
}

func (a *HTTPAgent) send(ctx context.Context, requestType string, canisterID principal.Principal, method string, arg []byte) ([]byte, error) {
	op := requestType + " " + method
	if canisterID.IsZero() {
		return nil, rpcerr.Config("canister_id", "canister id is required for %s", method)
	}
	if err := a.pacer.Wait(ctx); err != nil {
		return nil, err
	}

	requestID := uuid.New()
	content := RequestContent{
		RequestType:   requestType,
		CanisterID:    canisterID.Bytes(),
		MethodName:    method,
		Arg:           arg,
		Sender:        a.id.Principal().Bytes(),
		Nonce:         requestID[:],
		IngressExpiry: uint64(a.now().Add(a.expiry).UnixNano()),
	}
	env, err := sealEnvelope(a.id, content)
	if err != nil {
		return nil, rpcerr.New(rpcerr.KindAuth, op, err)
	}
	body, err := cbor.Marshal(env)
	if err != nil {
		return nil, err
	}

	endpoint := a.baseURL.JoinPath("api", "v2", "canister", canisterID.String(), requestType)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint.String(), bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", contentTypeCBOR)
	req.Header.Set(requestIDHeader, requestID.String())

	started := a.now()
	resp, err := a.client.Do(req)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil && errors.Is(ctxErr, context.Canceled) {
			return nil, ctxErr
		}
		return nil, rpcerr.New(transportKind(err), op, err)
	}
	defer resp.Body.Close()
	a.logger.Debug("agent.request", "request_id", requestID.String(), "canister", canisterID.String(), "method", method, "type", requestType, "status", resp.StatusCode, "duration", a.now().Sub(started))

	if kind, failed := statusKind(resp.StatusCode); failed {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, rpcerr.Newf(kind, op, "replica returned %d: %s", resp.StatusCode, strings.TrimSpace(string(detail)))
	}

	var out Response
	if err := cbor.NewDecoder(io.LimitReader(resp.Body, maxResponseBytes)).Decode(&out); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, rpcerr.New(rpcerr.KindNetwork, op, err)
		}
		return nil, rpcerr.Newf(rpcerr.KindRejected, op, "malformed replica response: %v", err)
	}
	switch out.Status {
	case statusReplied:
		if out.Reply == nil {
			return nil, rpcerr.Newf(rpcerr.KindRejected, op, "replied without payload")
		}
		return out.Reply.Arg, nil
	case statusRejected:
		return nil, rejectError(op, out.RejectCode, out.RejectMessage)
	default:
		return nil, rpcerr.Newf(rpcerr.KindRejected, op, "unexpected response status %q", out.Status)
	}
}

func rejectError(op string, code uint64, message string) *rpcerr.Error {
	kind := rpcerr.KindRejected
	if code == RejectSysTransient {
		kind = rpcerr.KindUnavailable
	}
	return rpcerr.Newf(kind, op, "canister rejected call (code %d): %s", code, message)
}

func statusKind(status int) (rpcerr.Kind, bool) {
	switch {
	case status >= 200 && status < 300:
		return rpcerr.KindUnknown, false
	case status == http.StatusTooManyRequests:
		return rpcerr.KindThrottled, true
	case status == http.StatusRequestTimeout || status == http.StatusGatewayTimeout:
		return rpcerr.KindTimeout, true
	case status >= 500:
		return rpcerr.KindUnavailable, true
	default:
		return rpcerr.KindRejected, true
	}
}

func transportKind(err error) rpcerr.Kind {
	if errors.Is(err, context.DeadlineExceeded) {
		return rpcerr.KindTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return rpcerr.KindTimeout
	}
	if errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.ECONNRESET) {
		return rpcerr.KindConnection
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) && opErr.Op == "dial" {
		return rpcerr.KindConnection
	}
	return rpcerr.KindNetwork
}

func (a *HTTPAgent) String() string {
	return fmt.Sprintf("agent(%s@%s)", a.id.Principal(), a.baseURL.Host)
}
