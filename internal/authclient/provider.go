package authclient

import (
	"net/url"
	"strings"

	"defi-portal/go-client/internal/principal"
	"defi-portal/go-client/internal/rpcerr"
)

const providerVariable = "identity_provider"

// Hosts that address canisters through a leading <canister-id>. label.
var canisterHostSuffixes = []string{".raw.icp0.io", ".icp0.io", ".raw.ic0.app", ".ic0.app", ".localhost"}

type endpointState int

const (
	endpointAbsent endpointState = iota
	endpointMisconfigured
	endpointUsable
)

// classifyEndpoint separates absent or unusable provider endpoints, which
// make login resolve to no session, from malformed ones, which are a
// ConfigError: an endpoint that names a canister id that can never be an
// identity provider.
func classifyEndpoint(raw string) (*url.URL, endpointState, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, endpointAbsent, nil
	}
	u, err := url.Parse(raw)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, endpointMisconfigured, nil
	}
	if id := u.Query().Get("canisterId"); id != "" {
		if _, err := principal.ParseCanisterID(id); err != nil {
			return nil, endpointMisconfigured, rpcerr.Config(providerVariable, "provider %q references invalid canister id %q: %v", raw, id, err)
		}
	}
	host := strings.ToLower(u.Hostname())
	for _, suffix := range canisterHostSuffixes {
		if !strings.HasSuffix(host, suffix) {
			continue
		}
		label := strings.TrimSuffix(host, suffix)
		if !looksLikePrincipal(label) {
			break
		}
		if _, err := principal.ParseCanisterID(label); err != nil {
			return nil, endpointMisconfigured, rpcerr.Config(providerVariable, "provider %q references invalid canister id %q: %v", raw, label, err)
		}
		break
	}
	return u, endpointUsable, nil
}

// looksLikePrincipal matches the dashed base32 group shape, so named hosts
// such as identity.ic0.app are not mistaken for canister ids.
func looksLikePrincipal(label string) bool {
	if !strings.Contains(label, "-") {
		return false
	}
	for _, r := range label {
		if (r < 'a' || r > 'z') && (r < '0' || r > '9') && r != '-' {
			return false
		}
	}
	return true
}
