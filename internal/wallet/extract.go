package wallet

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Extraction is the result of normalizing a wallet connect response: either
// an address or the reason none could be found.
type Extraction struct {
	address string
	reason  string
}

func Address(addr string) Extraction { return Extraction{address: addr} }

func ExtractionFailed(reason string) Extraction {
	if reason == "" {
		reason = "no address in wallet response"
	}
	return Extraction{reason: reason}
}

func (e Extraction) Address() (string, bool) {
	return e.address, e.address != ""
}

func (e Extraction) Reason() string { return e.reason }

// Match calls exactly one of the handlers.
func Match[T any](e Extraction, onAddress func(string) T, onFailed func(string) T) T {
	if e.address != "" {
		return onAddress(e.address)
	}
	return onFailed(e.reason)
}

// Normalize extracts the first address from the response shapes wallets
// return on connect: a bare string, a list of strings, an object with an
// "address" field, or an object with an "accounts" list.
func Normalize(raw any) Extraction {
	switch v := raw.(type) {
	case nil:
		return ExtractionFailed("wallet returned no response")
	case string:
		if addr := strings.TrimSpace(v); addr != "" {
			return Address(addr)
		}
		return ExtractionFailed("wallet returned an empty address")
	case []string:
		for _, s := range v {
			if addr := strings.TrimSpace(s); addr != "" {
				return Address(addr)
			}
		}
		return ExtractionFailed("wallet returned no accounts")
	case []any:
		for _, item := range v {
			if s, ok := item.(string); ok && strings.TrimSpace(s) != "" {
				return Address(strings.TrimSpace(s))
			}
		}
		return ExtractionFailed("wallet returned no accounts")
	case map[string]any:
		if addr, ok := v["address"].(string); ok && strings.TrimSpace(addr) != "" {
			return Address(strings.TrimSpace(addr))
		}
		if accounts, ok := v["accounts"]; ok {
			return Normalize(accounts)
		}
		return ExtractionFailed("wallet response object has neither address nor accounts")
	case json.RawMessage:
		return normalizeJSON(v)
	case []byte:
		return normalizeJSON(v)
	default:
		return ExtractionFailed(fmt.Sprintf("unsupported wallet response type %T", raw))
	}
}

func normalizeJSON(raw []byte) Extraction {
	var decoded any
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return ExtractionFailed("wallet response is not valid JSON")
	}
	return Normalize(decoded)
}
