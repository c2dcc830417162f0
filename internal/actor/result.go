package actor

import (
	"context"
	"errors"
	"fmt"

	"github.com/fxamacker/cbor/v2"

	"defi-portal/go-client/internal/rpcerr"
)

var ErrMalformedResult = errors.New("reply is neither {ok} nor {err}")

type wireResult struct {
	Ok  cbor.RawMessage `cbor:"ok,omitempty"`
	Err *string         `cbor:"err,omitempty"`
}

// Result is the {ok} / {err} variant returned by update methods.
type Result struct {
	ok     cbor.RawMessage
	reason string
	failed bool
	method string
}

func OK(v any) (Result, error) {
	raw, err := cbor.Marshal(v)
	if err != nil {
		return Result{}, err
	}
	return Result{ok: raw}, nil
}

func Failed(reason string) Result { return Result{reason: reason, failed: true} }

func (r Result) IsOk() bool { return !r.failed }

// Reason is the {err} payload; empty for ok results.
func (r Result) Reason() string { return r.reason }

// Raw is the undecoded {ok} payload.
func (r Result) Raw() cbor.RawMessage { return r.ok }

// Decode unpacks the {ok} payload into out.
func (r Result) Decode(out any) error {
	if r.failed {
		return r.Err()
	}
	if len(r.ok) == 0 {
		return nil
	}
	return cbor.Unmarshal(r.ok, out)
}

// Err converts an {err} result to *rpcerr.ApplicationError, nil otherwise.
func (r Result) Err() error {
	if !r.failed {
		return nil
	}
	return &rpcerr.ApplicationError{Method: r.method, Reason: r.reason}
}

// MarshalCBOR writes the variant in the same shape canisters reply with.
func (r Result) MarshalCBOR() ([]byte, error) {
	if r.failed {
		reason := r.reason
		return cbor.Marshal(wireResult{Err: &reason})
	}
	ok := r.ok
	if len(ok) == 0 {
		ok = cbor.RawMessage{0xf6}
	}
	return cbor.Marshal(wireResult{Ok: ok})
}

func decodeResult(raw []byte) (Result, error) {
	var w wireResult
	if err := cbor.Unmarshal(raw, &w); err != nil {
		return Result{}, fmt.Errorf("%w: %v", ErrMalformedResult, err)
	}
	switch {
	case w.Err != nil && len(w.Ok) == 0:
		return Failed(*w.Err), nil
	case w.Err == nil && len(w.Ok) > 0:
		return Result{ok: w.Ok}, nil
	default:
		return Result{}, ErrMalformedResult
	}
}

// QueryAs runs a query and decodes the reply as T.
func QueryAs[T any](ctx context.Context, s *Stub, method string, arg any) (T, error) {
	var out T
	err := s.Query(ctx, method, arg, &out)
	return out, err
}

// UpdateAs runs an update and decodes its {ok} payload as T. An {err}
// result is returned as *rpcerr.ApplicationError.
func UpdateAs[T any](ctx context.Context, s *Stub, method string, arg any) (T, error) {
	var out T
	res, err := s.Update(ctx, method, arg)
	if err != nil {
		return out, err
	}
	if err := res.Decode(&out); err != nil {
		return out, err
	}
	return out, nil
}
