// Package config loads client settings from a YAML or TOML file, applies
// PORTAL_* environment overrides and validates the result.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"defi-portal/go-client/internal/agent"
	"defi-portal/go-client/internal/authclient"
	"defi-portal/go-client/internal/executor"
	"defi-portal/go-client/internal/platform/ratelimiter"
	"defi-portal/go-client/internal/principal"
	"defi-portal/go-client/internal/rpcerr"
	"defi-portal/go-client/internal/wallet"
)

const (
	NetworkIC    = "ic"
	NetworkLocal = "local"

	DefaultLocalHost   = "http://127.0.0.1:4943"
	DefaultCallTimeout = 30 * time.Second

	envPrefix         = "PORTAL_"
	envCanisterPrefix = envPrefix + "CANISTER_"
)

type Config struct {
	Network          string               `yaml:"network" toml:"network" validate:"oneof=ic local"`
	Host             string               `yaml:"host" toml:"host" validate:"required,url"`
	IdentityProvider string               `yaml:"identity_provider" toml:"identity_provider"`
	Canisters        map[string]string    `yaml:"canisters" toml:"canisters"`
	RateLimits       map[string]RateLimit `yaml:"rate_limits" toml:"rate_limits" validate:"dive,keys,oneof=lending swap rewards general,endkeys"`
	Retry            RetryConfig          `yaml:"retry" toml:"retry"`
	CallTimeout      time.Duration        `yaml:"call_timeout" toml:"call_timeout" validate:"gt=0"`
	OutboundRPS      float64              `yaml:"outbound_rps" toml:"outbound_rps" validate:"gt=0"`
	OutboundBurst    int                  `yaml:"outbound_burst" toml:"outbound_burst" validate:"gt=0"`
	SessionStore     SessionStoreConfig   `yaml:"session_store" toml:"session_store"`
	Wallet           WalletConfig         `yaml:"wallet" toml:"wallet"`
	Login            LoginConfig          `yaml:"login" toml:"login"`
}

type RateLimit struct {
	MaxRequests int           `yaml:"max_requests" toml:"max_requests" validate:"gt=0"`
	Window      time.Duration `yaml:"window" toml:"window" validate:"gt=0"`
}

type RetryConfig struct {
	MaxRetries   int           `yaml:"max_retries" toml:"max_retries" validate:"gte=1"`
	InitialDelay time.Duration `yaml:"initial_delay" toml:"initial_delay" validate:"gt=0"`
	MaxDelay     time.Duration `yaml:"max_delay" toml:"max_delay" validate:"gtefield=InitialDelay"`
	Multiplier   float64       `yaml:"multiplier" toml:"multiplier" validate:"gte=1"`
}

type SessionStoreConfig struct {
	Path   string `yaml:"path" toml:"path"`
	Secret string `yaml:"secret" toml:"secret" validate:"required_with=Path"`
	// Argon2id tuning; zero keeps the store default.
	KDFTime     uint32 `yaml:"kdf_time" toml:"kdf_time" validate:"omitempty,max=16"`
	KDFMemoryKB uint32 `yaml:"kdf_memory_kb" toml:"kdf_memory_kb" validate:"omitempty,min=8192,max=1048576"`
}

type WalletConfig struct {
	Name          string        `yaml:"name" toml:"name"`
	Endpoint      string        `yaml:"endpoint" toml:"endpoint" validate:"omitempty,url"`
	Method        string        `yaml:"method" toml:"method"`
	DetectTimeout time.Duration `yaml:"detect_timeout" toml:"detect_timeout" validate:"gt=0"`
	PollInterval  time.Duration `yaml:"poll_interval" toml:"poll_interval" validate:"gt=0"`
}

type LoginConfig struct {
	CallbackAddr string        `yaml:"callback_addr" toml:"callback_addr" validate:"required"`
	MaxTTL       time.Duration `yaml:"max_ttl" toml:"max_ttl" validate:"gt=0"`
	Timeout      time.Duration `yaml:"timeout" toml:"timeout" validate:"gt=0"`
}

func Default() Config {
	rules := ratelimiter.DefaultRules()
	limits := make(map[string]RateLimit, len(rules))
	for class, r := range rules {
		limits[class] = RateLimit{MaxRequests: r.MaxRequests, Window: r.Window}
	}
	return Config{
		Network:    NetworkIC,
		Host:       agent.DefaultHost,
		Canisters:  map[string]string{},
		RateLimits: limits,
		Retry: RetryConfig{
			MaxRetries:   executor.DefaultMaxRetries,
			InitialDelay: executor.DefaultInitialDelay,
			MaxDelay:     executor.DefaultMaxDelay,
			Multiplier:   executor.DefaultBackoffMultiplier,
		},
		CallTimeout:   DefaultCallTimeout,
		OutboundRPS:   agent.DefaultRequestsPerSecond,
		OutboundBurst: agent.DefaultBurst,
		Wallet: WalletConfig{
			Method:        wallet.DefaultAccountMethod,
			DetectTimeout: wallet.DefaultDetectTimeout,
			PollInterval:  wallet.DefaultPollInterval,
		},
		Login: LoginConfig{
			CallbackAddr: authclient.DefaultCallbackAddr,
			MaxTTL:       authclient.DefaultMaxTimeToLive,
			Timeout:      authclient.DefaultLoginTimeout,
		},
	}
}

// Load reads configPath (YAML, or TOML for a .toml extension) over the
// defaults. An empty path tries the conventional locations and falls back
// to defaults when none exist. Environment overrides win over the file.
func Load(configPath string) (Config, error) {
	cfg := Default()

	candidates := []string{configPath}
	if configPath == "" {
		candidates = []string{"configs/portal.yaml", "configs/portal.toml"}
	}
	for _, path := range candidates {
		data, err := os.ReadFile(path)
		if err != nil {
			if configPath == "" && errors.Is(err, os.ErrNotExist) {
				continue
			}
			return Config{}, rpcerr.Config("config", "read %s: %v", path, err)
		}
		if err := decode(path, data, &cfg); err != nil {
			return Config{}, err
		}
		break
	}

	if err := ApplyEnvOverrides(&cfg); err != nil {
		return Config{}, err
	}
	if cfg.Network == NetworkLocal && cfg.Host == agent.DefaultHost {
		cfg.Host = DefaultLocalHost
	}
	if err := Validate(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func decode(path string, data []byte, cfg *Config) error {
	var err error
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		_, err = toml.Decode(string(data), cfg)
	} else {
		err = yaml.Unmarshal(data, cfg)
	}
	if err != nil {
		return rpcerr.Config("config", "parse %s: %v", path, err)
	}
	return nil
}

// ApplyEnvOverrides applies PORTAL_* variables. PORTAL_CANISTER_<NAME>
// sets the canister id registered under the lowercased name.
func ApplyEnvOverrides(cfg *Config) error {
	strs := map[string]*string{
		"NETWORK":           &cfg.Network,
		"HOST":              &cfg.Host,
		"IDENTITY_PROVIDER": &cfg.IdentityProvider,
		"SESSION_STORE":     &cfg.SessionStore.Path,
		"SESSION_SECRET":    &cfg.SessionStore.Secret,
		"WALLET_NAME":       &cfg.Wallet.Name,
		"WALLET_ENDPOINT":   &cfg.Wallet.Endpoint,
		"LOGIN_CALLBACK":    &cfg.Login.CallbackAddr,
	}
	for name, dst := range strs {
		if v, ok := lookupEnv(name); ok {
			*dst = v
		}
	}

	if v, ok := lookupEnv("CALL_TIMEOUT"); ok {
		d, err := time.ParseDuration(v)
		if err != nil {
			return rpcerr.Config(envPrefix+"CALL_TIMEOUT", "invalid duration %q", v)
		}
		cfg.CallTimeout = d
	}
	if v, ok := lookupEnv("OUTBOUND_RPS"); ok {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return rpcerr.Config(envPrefix+"OUTBOUND_RPS", "invalid number %q", v)
		}
		cfg.OutboundRPS = f
	}
	if v, ok := lookupEnv("MAX_RETRIES"); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return rpcerr.Config(envPrefix+"MAX_RETRIES", "invalid integer %q", v)
		}
		cfg.Retry.MaxRetries = n
	}

	for _, kv := range os.Environ() {
		key, value, _ := strings.Cut(kv, "=")
		if !strings.HasPrefix(key, envCanisterPrefix) {
			continue
		}
		name := strings.ToLower(strings.TrimPrefix(key, envCanisterPrefix))
		if name == "" || strings.TrimSpace(value) == "" {
			continue
		}
		if cfg.Canisters == nil {
			cfg.Canisters = map[string]string{}
		}
		cfg.Canisters[name] = strings.TrimSpace(value)
	}
	return nil
}

func lookupEnv(name string) (string, bool) {
	v := strings.TrimSpace(os.Getenv(envPrefix + name))
	return v, v != ""
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("yaml"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// Validate checks field constraints and canister ids. The returned
// ConfigError names the offending variable.
func Validate(cfg Config) error {
	if err := validate.Struct(cfg); err != nil {
		var fieldErrs validator.ValidationErrors
		if errors.As(err, &fieldErrs) && len(fieldErrs) > 0 {
			fe := fieldErrs[0]
			return rpcerr.Config(variableName(fe.Namespace()), "failed %q constraint (value %v)", fe.Tag(), redact(fe))
		}
		return rpcerr.Config("config", "%v", err)
	}
	for name, id := range cfg.Canisters {
		if _, err := principal.ParseCanisterID(id); err != nil {
			return rpcerr.Config("canisters."+name, "invalid canister id %q: %v", id, err)
		}
	}
	if cfg.IdentityProvider != "" && !strings.HasPrefix(cfg.IdentityProvider, "http://") && !strings.HasPrefix(cfg.IdentityProvider, "https://") {
		return rpcerr.Config("identity_provider", "must be an http(s) URL, got %q", cfg.IdentityProvider)
	}
	return nil
}

// CanisterID resolves a configured canister by name.
func (c Config) CanisterID(name string) (string, error) {
	id, ok := c.Canisters[strings.ToLower(name)]
	if !ok {
		return "", rpcerr.Config("canisters."+name, "canister %q is not configured", name)
	}
	return id, nil
}

func (c Config) RateRules() map[string]ratelimiter.Rule {
	rules := make(map[string]ratelimiter.Rule, len(c.RateLimits))
	for class, l := range c.RateLimits {
		rules[class] = ratelimiter.Rule{MaxRequests: l.MaxRequests, Window: l.Window}
	}
	return rules
}

func (c Config) RetryPolicy() executor.Policy {
	return executor.Policy{
		MaxRetries:        c.Retry.MaxRetries,
		InitialDelay:      c.Retry.InitialDelay,
		MaxDelay:          c.Retry.MaxDelay,
		BackoffMultiplier: c.Retry.Multiplier,
	}
}

func variableName(namespace string) string {
	_, rest, found := strings.Cut(namespace, ".")
	if !found {
		return namespace
	}
	return rest
}

func redact(fe validator.FieldError) string {
	if strings.Contains(strings.ToLower(fe.Field()), "secret") {
		return "<redacted>"
	}
	return fmt.Sprint(fe.Value())
}
