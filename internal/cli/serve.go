package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/roach88/parley/internal/config"
	"github.com/roach88/parley/internal/identity"
	"github.com/roach88/parley/internal/transport"
	"github.com/roach88/parley/internal/transport/kafkabus"
	"github.com/roach88/parley/internal/transport/memory"
	"github.com/roach88/parley/internal/transport/redisbus"
	"github.com/roach88/parley/internal/transport/wsgateway"
)

const defaultListen = ":8080"

// ServeOptions holds flags for the serve command.
type ServeOptions struct {
	*RootOptions
	ConfigPath string
	Listen     string
	Anonymous  bool
}

// NewServeCommand creates the serve command.
func NewServeCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ServeOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve a backend to websocket clients",
		Long: `Accept websocket clients on /ws and bridge each one onto the configured
backend: an in-process broker (memory), Redis pub/sub or Kafka.

Clients authenticate with a bearer token signed with jwt_secret, and may
only write records they own. --anonymous skips authentication.

Examples:
  parley serve --config ./server.yaml
  parley serve --listen :9000 --anonymous`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(opts, cmd)
		},
	}

	cmd.Flags().StringVarP(&opts.ConfigPath, "config", "c", "", "path to the server config (empty: environment only)")
	cmd.Flags().StringVar(&opts.Listen, "listen", "", "listen address (overrides config; default "+defaultListen+")")
	cmd.Flags().BoolVar(&opts.Anonymous, "anonymous", false, "accept clients without a token")

	return cmd
}

func runServe(opts *ServeOptions, cmd *cobra.Command) error {
	cfg, err := config.Load(opts.ConfigPath)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to load config", err)
	}

	var verify wsgateway.VerifyFunc
	switch {
	case opts.Anonymous:
		slog.Warn("accepting anonymous clients")
	case cfg.JWTSecret == "":
		return NewExitError(ExitCommandError, "jwt_secret is required unless --anonymous is set")
	default:
		verify = identity.NewSigner(cfg.JWTSecret, 0).Verify
	}

	open, closeBackend, err := gatewayBackend(cfg.Transport)
	if err != nil {
		return WrapExitError(ExitCommandError, "invalid backend", err)
	}
	defer func() {
		if err := closeBackend(); err != nil {
			slog.Error("error closing backend", "error", err)
		}
	}()

	addr := opts.Listen
	if addr == "" {
		addr = cfg.Listen
	}
	if addr == "" {
		addr = defaultListen
	}
	srv := &http.Server{
		Addr:              addr,
		Handler:           newServeMux(wsgateway.New(open, verify)),
		ReadHeaderTimeout: 10 * time.Second,
	}

	parent := cmd.Context()
	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		slog.Info("gateway listening", "addr", addr, "backend", cfg.Transport.Kind, "anonymous", verify == nil)
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		return WrapExitError(ExitFailure, "gateway error", err)
	}
	slog.Info("gateway stopped")
	return nil
}

// gatewayBackend returns the per-client connection factory for kind and a
// function releasing whatever the clients share.
func gatewayBackend(cfg config.Transport) (func() transport.Transport, func() error, error) {
	switch cfg.Kind {
	case "", config.TransportMemory:
		broker := memory.NewBroker()
		return func() transport.Transport { return broker.Connect() }, broker.Close, nil

	case config.TransportRedis:
		rc := redisbus.Config{Addr: cfg.Addr, Password: cfg.Password, DB: cfg.DB, Prefix: cfg.Prefix}
		return func() transport.Transport { return redisbus.New(rc) }, noClose, nil

	case config.TransportKafka:
		kc := kafkabus.Config{Brokers: cfg.Brokers, Prefix: cfg.Prefix}
		return func() transport.Transport { return kafkabus.New(kc) }, noClose, nil

	case config.TransportWebSocket:
		return nil, nil, fmt.Errorf("a gateway cannot use a websocket backend")
	}
	return nil, nil, fmt.Errorf("unknown transport kind %q", cfg.Kind)
}

func noClose() error { return nil }

func newServeMux(gateway http.Handler) *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/ws", gateway)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n"))
	})
	return mux
}
