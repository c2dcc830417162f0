// Package actor binds canister interfaces to the agent of the current
// session. Stubs are created per call so they always act as whoever holds
// the session at bind time.
package actor

import (
	"context"
	"errors"
	"fmt"

	"github.com/fxamacker/cbor/v2"

	"defi-portal/go-client/internal/agent"
	"defi-portal/go-client/internal/principal"
	"defi-portal/go-client/internal/rpcerr"
)

type MethodKind int

const (
	MethodQuery MethodKind = iota
	MethodUpdate
)

func (k MethodKind) String() string {
	if k == MethodUpdate {
		return "update"
	}
	return "query"
}

// Interface describes the callable surface of a canister.
type Interface struct {
	Name    string
	Methods map[string]MethodKind
}

func (i Interface) kind(method string) (MethodKind, bool) {
	k, ok := i.Methods[method]
	return k, ok
}

// AgentSource hands out the agent for the current session.
type AgentSource interface {
	Agent(allowAnonymous bool) (agent.Agent, error)
}

var ErrUnknownMethod = errors.New("method is not part of the canister interface")

type Factory struct {
	sessions AgentSource
}

func NewFactory(sessions AgentSource) *Factory {
	return &Factory{sessions: sessions}
}

// Bind returns a stub for canisterID. The authenticated agent is preferred;
// without one the anonymous agent is used only when allowAnonymous is set,
// otherwise Bind fails with rpcerr.ErrNotAuthenticated before any network
// traffic.
func (f *Factory) Bind(canisterID string, iface Interface, allowAnonymous bool) (*Stub, error) {
	id, err := principal.ParseCanisterID(canisterID)
	if err != nil {
		return nil, rpcerr.Config(iface.Name+".canister_id", "invalid canister id %q: %v", canisterID, err)
	}
	a, err := f.sessions.Agent(allowAnonymous)
	if err != nil {
		return nil, err
	}
	return &Stub{canister: id, iface: iface, agent: a}, nil
}

// Stub is a canister interface bound to one agent.
type Stub struct {
	canister principal.Principal
	iface    Interface
	agent    agent.Agent
}

func (s *Stub) Canister() principal.Principal { return s.canister }

func (s *Stub) Caller() principal.Principal { return s.agent.Principal() }

// Query runs a read-only method and decodes its reply into out.
func (s *Stub) Query(ctx context.Context, method string, arg any, out any) error {
	reply, err := s.QueryRaw(ctx, method, arg)
	if err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	if err := cbor.Unmarshal(reply, out); err != nil {
		return fmt.Errorf("%s.%s: decode reply: %w", s.iface.Name, method, err)
	}
	return nil
}

// QueryRaw runs a read-only method and returns the undecoded reply.
func (s *Stub) QueryRaw(ctx context.Context, method string, arg any) (cbor.RawMessage, error) {
	reply, err := s.invoke(ctx, MethodQuery, method, arg)
	if err != nil {
		return nil, err
	}
	return cbor.RawMessage(reply), nil
}

// Update runs a state-changing method. Application failures come back as
// Result.Err, not as an error.
func (s *Stub) Update(ctx context.Context, method string, arg any) (Result, error) {
	reply, err := s.invoke(ctx, MethodUpdate, method, arg)
	if err != nil {
		return Result{}, err
	}
	res, err := decodeResult(reply)
	if err != nil {
		return Result{}, fmt.Errorf("%s.%s: %w", s.iface.Name, method, err)
	}
	res.method = method
	return res, nil
}

func (s *Stub) invoke(ctx context.Context, want MethodKind, method string, arg any) ([]byte, error) {
	kind, ok := s.iface.kind(method)
	if !ok {
		return nil, fmt.Errorf("%s.%s: %w", s.iface.Name, method, ErrUnknownMethod)
	}
	if kind != want {
		return nil, fmt.Errorf("%s.%s is an %s method", s.iface.Name, method, kind)
	}
	payload, err := encodeArg(arg)
	if err != nil {
		return nil, fmt.Errorf("%s.%s: encode argument: %w", s.iface.Name, method, err)
	}
	if kind == MethodUpdate {
		return s.agent.Call(ctx, s.canister, method, payload)
	}
	return s.agent.Query(ctx, s.canister, method, payload)
}

func encodeArg(arg any) ([]byte, error) {
	switch v := arg.(type) {
	case nil:
		return cbor.Marshal([]any{})
	case cbor.RawMessage:
		return v, nil
	default:
		return cbor.Marshal(v)
	}
}
