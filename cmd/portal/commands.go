package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os/exec"
	"reflect"
	"runtime"
	"strings"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"defi-portal/go-client/internal/actor"
	"defi-portal/go-client/internal/config"
	"defi-portal/go-client/internal/platform/privacylog"
	"defi-portal/go-client/internal/portal"
	"defi-portal/go-client/internal/session"
	"defi-portal/go-client/internal/wallet"
)

const walletWarning = "warning: wallet-derived identities use a placeholder derivation scheme; do not hold production funds with them"

type cli struct {
	stdout io.Writer
	stderr io.Writer

	configPath  string
	metricsAddr string
	logLevel    string
	provider    string
	arg         string
	class       string
	anonymous   bool

	// options adjusts the client before construction; tests use it.
	options func(*portal.Options)
}

func newRootCommand(stdout, stderr io.Writer) *cobra.Command {
	c := &cli{stdout: stdout, stderr: stderr}
	return c.rootCommand()
}

func (c *cli) rootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:           "portal",
		Short:         "Call DeFi canisters as a wallet-derived or delegated identity",
		Version:       fmt.Sprintf("%s (commit %s, built %s)", version, commit, buildDate),
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.SetOut(c.stdout)
	root.SetErr(c.stderr)
	root.PersistentFlags().StringVar(&c.configPath, "config", "", "path to portal.yaml or portal.toml")
	root.PersistentFlags().StringVar(&c.metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address while the command runs")
	root.PersistentFlags().StringVar(&c.logLevel, "log-level", "warn", "log level: debug, info, warn, error")

	whoami := &cobra.Command{
		Use:   "whoami",
		Short: "Print the principal of the active session",
		Args:  cobra.NoArgs,
		RunE:  c.runWhoami,
	}

	login := &cobra.Command{
		Use:   "login",
		Short: "Connect a wallet or log in through the identity provider",
		Args:  cobra.NoArgs,
		RunE:  c.runLogin,
	}
	login.Flags().StringVar(&c.provider, "provider", string(session.ProviderDelegated), "identity source: wallet or delegated")

	logout := &cobra.Command{
		Use:   "logout",
		Short: "Forget the active session",
		Args:  cobra.NoArgs,
		RunE:  c.runLogout,
	}

	derive := &cobra.Command{
		Use:   "derive <wallet-address>",
		Short: "Print the principal a wallet address derives to",
		Args:  cobra.ExactArgs(1),
		RunE:  c.runDerive,
	}

	query := &cobra.Command{
		Use:   "query <canister> <method>",
		Short: "Run a query method and print the reply as JSON",
		Args:  cobra.ExactArgs(2),
		RunE:  c.runQuery,
	}
	update := &cobra.Command{
		Use:   "update <canister> <method>",
		Short: "Run an update method and print the {ok} or {err} result",
		Args:  cobra.ExactArgs(2),
		RunE:  c.runUpdate,
	}
	for _, cmd := range []*cobra.Command{query, update} {
		cmd.Flags().StringVar(&c.arg, "arg", "", "JSON argument")
		cmd.Flags().StringVar(&c.class, "class", "", "rate-limit class: lending, swap, rewards or general")
		cmd.Flags().BoolVar(&c.anonymous, "anonymous", false, "fall back to the anonymous identity without a session")
	}

	root.AddCommand(whoami, login, logout, derive, query, update)
	return root
}

// client loads configuration, builds the portal client and restores any
// persisted session. The returned func releases the metrics server.
func (c *cli) client(ctx context.Context) (*portal.Client, func(), error) {
	cfg, err := config.Load(c.configPath)
	if err != nil {
		return nil, nil, err
	}
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.logLevel)); err != nil {
		return nil, nil, fmt.Errorf("invalid --log-level %q", c.logLevel)
	}
	logger := privacylog.NewLogger(c.stderr, level)

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	opts := portal.Options{
		Config:     cfg,
		Logger:     logger,
		Registerer: reg,
		Opener:     browserOpener(c.stderr),
	}
	if c.options != nil {
		c.options(&opts)
	}
	client, err := portal.New(opts)
	if err != nil {
		return nil, nil, err
	}

	runCtx, cancel := context.WithCancel(ctx)
	go client.Run(runCtx)
	stopMetrics := c.serveMetrics(reg, logger)
	release := func() {
		cancel()
		stopMetrics()
	}

	if _, err := client.Restore(ctx); err != nil {
		logger.Warn("portal.restore_failed", "error", err.Error())
	}
	return client, release, nil
}

func (c *cli) serveMetrics(reg *prometheus.Registry, logger *slog.Logger) func() {
	if strings.TrimSpace(c.metricsAddr) == "" {
		return func() {}
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	srv := &http.Server{Addr: c.metricsAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("portal.metrics_server_failed", "addr", c.metricsAddr, "error", err.Error())
		}
	}()
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	}
}

func (c *cli) runWhoami(cmd *cobra.Command, _ []string) error {
	client, release, err := c.client(cmd.Context())
	if err != nil {
		return err
	}
	defer release()
	s := client.Sessions().Session()
	if s.Source == session.SourceNone {
		fmt.Fprintln(c.stdout, "not authenticated (calls run as the anonymous principal when allowed)")
		return nil
	}
	fmt.Fprintf(c.stdout, "%s (%s)\n", s.Principal, s.Source)
	return nil
}

func (c *cli) runLogin(cmd *cobra.Command, _ []string) error {
	provider, err := session.ParseProvider(c.provider)
	if err != nil {
		return err
	}
	client, release, err := c.client(cmd.Context())
	if err != nil {
		return err
	}
	defer release()
	if provider == session.ProviderWallet {
		fmt.Fprintln(c.stderr, walletWarning)
	}
	p, err := client.Connect(cmd.Context(), provider)
	if err != nil {
		return err
	}
	if p.IsZero() {
		fmt.Fprintln(c.stdout, "no session: identity provider is not configured or the login was cancelled")
		return nil
	}
	fmt.Fprintf(c.stdout, "%s (%s)\n", p, client.Sessions().Session().Source)
	return nil
}

func (c *cli) runLogout(cmd *cobra.Command, _ []string) error {
	client, release, err := c.client(cmd.Context())
	if err != nil {
		return err
	}
	defer release()
	return client.Disconnect(cmd.Context())
}

func (c *cli) runDerive(_ *cobra.Command, args []string) error {
	id, err := wallet.DeriveFromAddress(args[0])
	if err != nil {
		return err
	}
	fmt.Fprintln(c.stderr, walletWarning)
	fmt.Fprintln(c.stdout, id.Principal())
	return nil
}

func (c *cli) runQuery(cmd *cobra.Command, args []string) error {
	call, err := c.call(args[0], args[1], actor.MethodQuery)
	if err != nil {
		return err
	}
	client, release, err := c.client(cmd.Context())
	if err != nil {
		return err
	}
	defer release()

	var reply cbor.RawMessage
	if err := client.Query(cmd.Context(), call, &reply); err != nil {
		return err
	}
	return c.printCBOR(reply)
}

func (c *cli) runUpdate(cmd *cobra.Command, args []string) error {
	call, err := c.call(args[0], args[1], actor.MethodUpdate)
	if err != nil {
		return err
	}
	client, release, err := c.client(cmd.Context())
	if err != nil {
		return err
	}
	defer release()

	res, err := client.Update(cmd.Context(), call)
	if err != nil {
		return err
	}
	raw, err := cbor.Marshal(res)
	if err != nil {
		return err
	}
	if err := c.printCBOR(raw); err != nil {
		return err
	}
	return res.Err()
}

func (c *cli) call(canister, method string, kind actor.MethodKind) (portal.Call, error) {
	arg, err := parseArg(c.arg)
	if err != nil {
		return portal.Call{}, err
	}
	return portal.Call{
		Canister: canister,
		Interface: actor.Interface{
			Name:    canister,
			Methods: map[string]actor.MethodKind{method: kind},
		},
		Method:         method,
		Arg:            arg,
		Class:          c.class,
		AllowAnonymous: c.anonymous,
	}, nil
}

var displayDecMode = func() cbor.DecMode {
	dm, err := cbor.DecOptions{DefaultMapType: reflect.TypeOf(map[string]any{})}.DecMode()
	if err != nil {
		panic(err)
	}
	return dm
}()

func (c *cli) printCBOR(raw []byte) error {
	var v any
	if len(raw) > 0 {
		if err := displayDecMode.Unmarshal(raw, &v); err != nil {
			return fmt.Errorf("decode reply: %w", err)
		}
	}
	enc := json.NewEncoder(c.stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// parseArg decodes a JSON argument, keeping integers integral so they
// encode as CBOR integers.
func parseArg(raw string) (any, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, nil
	}
	dec := json.NewDecoder(bytes.NewReader([]byte(raw)))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, fmt.Errorf("invalid --arg: %w", err)
	}
	return normalizeNumbers(v), nil
}

func normalizeNumbers(v any) any {
	switch x := v.(type) {
	case json.Number:
		if i, err := x.Int64(); err == nil {
			return i
		}
		f, _ := x.Float64()
		return f
	case []any:
		for i := range x {
			x[i] = normalizeNumbers(x[i])
		}
		return x
	case map[string]any:
		for k := range x {
			x[k] = normalizeNumbers(x[k])
		}
		return x
	default:
		return v
	}
}

// browserOpener prints the authorize URL and tries the platform opener.
func browserOpener(stderr io.Writer) func(ctx context.Context, authorizeURL string) error {
	return func(ctx context.Context, authorizeURL string) error {
		fmt.Fprintf(stderr, "Complete the login in your browser:\n  %s\n", authorizeURL)
		var name string
		switch runtime.GOOS {
		case "darwin":
			name = "open"
		case "windows":
			name = "rundll32"
		default:
			name = "xdg-open"
		}
		args := []string{authorizeURL}
		if runtime.GOOS == "windows" {
			args = []string{"url.dll,FileProtocolHandler", authorizeURL}
		}
		if path, err := exec.LookPath(name); err == nil {
			_ = exec.CommandContext(ctx, path, args...).Start()
		}
		return nil
	}
}
