package wallet

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"defi-portal/go-client/internal/rpcerr"
)

// Provider error codes used by wallet JSON-RPC bridges (EIP-1193).
const (
	codeUserRejected = 4001
	codeUnauthorized = 4100
)

// RPCExtension talks JSON-RPC 2.0 over HTTP to a local wallet daemon.
type RPCExtension struct {
	name     string
	endpoint string
	client   *http.Client
}

func NewRPCExtension(name, endpoint string, client *http.Client) *RPCExtension {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	if strings.TrimSpace(name) == "" {
		name = "rpc-wallet"
	}
	return &RPCExtension{name: name, endpoint: strings.TrimSpace(endpoint), client: client}
}

func (e *RPCExtension) Name() string { return e.name }

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      string `json:"id"`
	Method  string `json:"method"`
	Params  []any  `json:"params"`
}

type rpcResponse struct {
	Result json.RawMessage `json:"result"`
	Error  *rpcFailure     `json:"error"`
}

type rpcFailure struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *RPCExtension) Request(ctx context.Context, method string) (any, error) {
	body, err := json.Marshal(rpcRequest{JSONRPC: "2.0", ID: uuid.NewString(), Method: method, Params: []any{}})
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, rpcerr.Config("wallet.endpoint", "invalid wallet endpoint %q: %v", e.endpoint, err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := e.client.Do(req)
	if err != nil {
		if errors.Is(ctx.Err(), context.Canceled) {
			return nil, ctx.Err()
		}
		return nil, rpcerr.New(rpcerr.KindConnection, "wallet", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 256))
		return nil, rpcerr.Newf(rpcerr.KindAuth, "wallet", "wallet bridge returned %d: %s", resp.StatusCode, strings.TrimSpace(string(detail)))
	}
	var out rpcResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&out); err != nil {
		return nil, rpcerr.Newf(rpcerr.KindAuth, "wallet", "malformed wallet response: %v", err)
	}
	if out.Error != nil {
		switch out.Error.Code {
		case codeUserRejected:
			return nil, ErrUserRejected
		case codeUnauthorized:
			return nil, ErrWalletLocked
		default:
			return nil, rpcerr.Newf(rpcerr.KindAuth, "wallet", "wallet error %d: %s", out.Error.Code, out.Error.Message)
		}
	}
	return json.RawMessage(out.Result), nil
}

func (e *RPCExtension) String() string {
	return fmt.Sprintf("%s(%s)", e.name, e.endpoint)
}
