// Command tokengated runs the tokengate OAuth engine as a standalone
// authorization server. Clients are seeded from flags or configuration;
// dynamic registration can be enabled for everything else.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/crypto/bcrypt"

	"github.com/tokengate/tokengate"
	"github.com/tokengate/tokengate/instrumentation"
	"github.com/tokengate/tokengate/storage"
	"github.com/tokengate/tokengate/storage/memory"
)

const envPrefix = "TOKENGATED"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tokengated",
		Short: "Standalone OAuth 2.1 authorization server",
		Long: `tokengated serves the tokengate OAuth 2.1 engine over HTTP:
PKCE-protected authorization-code grants, rotating refresh tokens,
RFC 7009 revocation, RFC 7591 dynamic registration and discovery metadata.

Storage is in-memory; state does not survive a restart.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          runServe,
	}

	flags := cmd.Flags()
	flags.String("addr", ":8080", "listen address")
	flags.String("issuer", "http://localhost:8080", "external base URL of this server")
	flags.Duration("code-ttl", tokengate.DefaultAuthorizationCodeTTL, "authorization code lifetime")
	flags.Duration("access-token-ttl", tokengate.DefaultAccessTokenTTL, "access token lifetime")
	flags.Duration("refresh-token-ttl", tokengate.DefaultRefreshTokenTTL, "refresh token lifetime")
	flags.StringSlice("scopes", []string{"read", "write"}, "supported scopes")
	flags.StringSlice("client", nil, "seed client as id|secret|redirect_uri|scope1,scope2 (repeatable; empty secret for public clients)")
	flags.Bool("trust-proxy", false, "trust X-Forwarded-For from upstream proxies")
	flags.Int("trusted-proxy-count", 1, "number of trusted proxies in front of the server")
	flags.Bool("allow-public-registration", false, "allow unauthenticated dynamic client registration")
	flags.String("registration-token", "", "bearer token gating dynamic client registration")
	flags.Bool("otel", false, "enable OpenTelemetry metrics and tracing")
	flags.String("log-level", "info", "log level (debug, info, warn, error)")
	flags.String("log-format", "text", "log format (text, json)")

	if err := viper.BindPFlags(flags); err != nil {
		panic(err)
	}
	viper.SetEnvPrefix(envPrefix)
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()

	return cmd
}

func runServe(cmd *cobra.Command, _ []string) error {
	logger, err := newLogger(viper.GetString("log-level"), viper.GetString("log-format"))
	if err != nil {
		return err
	}
	slog.SetDefault(logger)

	inst, err := instrumentation.New(instrumentation.Config{
		ServiceName: "tokengated",
		Enabled:     viper.GetBool("otel"),
	})
	if err != nil {
		return fmt.Errorf("failed to set up instrumentation: %w", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := inst.Shutdown(ctx); err != nil {
			logger.Warn("instrumentation shutdown failed", "error", err)
		}
	}()

	store := memory.NewStore(memory.WithLogger(logger))
	defer store.Stop()
	if err := store.SetInstrumentation(inst); err != nil {
		return fmt.Errorf("failed to instrument storage: %w", err)
	}

	if err := seedClients(cmd.Context(), store, viper.GetStringSlice("client"), logger); err != nil {
		return err
	}

	provider, err := tokengate.NewProvider(tokengate.Config{
		Issuer:                  viper.GetString("issuer"),
		AuthorizationCodeTTL:    viper.GetDuration("code-ttl"),
		AccessTokenTTL:          viper.GetDuration("access-token-ttl"),
		RefreshTokenTTL:         viper.GetDuration("refresh-token-ttl"),
		SupportedScopes:         viper.GetStringSlice("scopes"),
		TrustProxy:              viper.GetBool("trust-proxy"),
		TrustedProxyCount:       viper.GetInt("trusted-proxy-count"),
		AllowPublicRegistration: viper.GetBool("allow-public-registration"),
		RegistrationAccessToken: viper.GetString("registration-token"),
		Logger:                  logger,
		Instrumentation:         inst,
	}, store, store, store)
	if err != nil {
		return err
	}

	handler := tokengate.NewHandler(provider)
	defer handler.Close()

	mux := http.NewServeMux()
	handler.RegisterRoutes(mux)

	srv := &http.Server{
		Addr:              viper.GetString("addr"),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("tokengated listening",
			"addr", srv.Addr,
			"issuer", viper.GetString("issuer"))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("server failed: %w", err)
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("graceful shutdown failed: %w", err)
	}

	return nil
}

// seedClients parses and stores statically configured clients. Format per
// entry: id|secret|redirect_uri|scope1,scope2. An empty secret makes the
// client public.
func seedClients(ctx context.Context, store *memory.Store, entries []string, logger *slog.Logger) error {
	for _, entry := range entries {
		parts := strings.Split(entry, "|")
		if len(parts) != 4 {
			return fmt.Errorf("invalid client entry %q: want id|secret|redirect_uri|scopes", entry)
		}

		var secretHash string
		if parts[1] != "" {
			hash, err := bcrypt.GenerateFromPassword([]byte(parts[1]), bcrypt.DefaultCost)
			if err != nil {
				return fmt.Errorf("failed to hash secret for client %q: %w", parts[0], err)
			}
			secretHash = string(hash)
		}

		client := &storage.Client{
			ClientID:     parts[0],
			SecretHash:   secretHash,
			RedirectURIs: strings.Split(parts[2], " "),
			Scopes:       strings.Split(parts[3], ","),
			CreatedAt:    time.Now(),
		}
		if err := store.SaveClient(ctx, client); err != nil {
			return fmt.Errorf("failed to seed client %q: %w", client.ClientID, err)
		}

		logger.Info("seeded client",
			"client_id", client.ClientID,
			"public", secretHash == "",
			"scopes", client.Scopes)
	}

	return nil
}

func newLogger(level, format string) (*slog.Logger, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("invalid log level %q", level)
	}

	opts := &slog.HandlerOptions{Level: lvl}
	switch format {
	case "json":
		return slog.New(slog.NewJSONHandler(os.Stderr, opts)), nil
	case "text":
		return slog.New(slog.NewTextHandler(os.Stderr, opts)), nil
	default:
		return nil, fmt.Errorf("invalid log format %q", format)
	}
}
