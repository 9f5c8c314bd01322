package cli

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/roach88/parley/internal/config"
	"github.com/roach88/parley/internal/engine"
	"github.com/roach88/parley/internal/store"
)

const shutdownTimeout = 5 * time.Second

// ConnectOptions holds flags for the connect command.
type ConnectOptions struct {
	*RootOptions
	ConfigPath string

	// Options overrides the engine collaborators (for testing). Config is
	// always replaced by the loaded file.
	Options engine.Options
}

// NewConnectCommand creates the connect command.
func NewConnectCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ConnectOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "connect",
		Short: "Sign in and keep the local view in sync",
		Long: `Sign in as the configured user, subscribe to calls, presence and the
configured conversations, and keep them in sync until interrupted.

Commands are read from stdin, one per line (type help for the list).
End of input, quit, SIGINT or SIGTERM sign out cleanly: the user is marked
offline and any call is ended.

Examples:
  parley connect --config ./parley.yaml
  echo "send c1 hello" | parley connect --config ./parley.yaml --verbose`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runConnect(opts, cmd)
		},
	}

	cmd.Flags().StringVarP(&opts.ConfigPath, "config", "c", "", "path to parley.yaml (empty: environment only)")

	return cmd
}

func runConnect(opts *ConnectOptions, cmd *cobra.Command) error {
	cfg, err := config.Load(opts.ConfigPath)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to load config", err)
	}
	if err := cfg.RequireUser(); err != nil {
		return WrapExitError(ExitCommandError, "invalid config", err)
	}

	level := cfg.Log.Level
	if opts.Verbose {
		level = slog.LevelDebug
	}
	format := cfg.Log.Format
	if opts.Format == "json" {
		format = "json"
	}
	setupLogging(cmd.ErrOrStderr(), format, level)
	slog.Debug("config loaded", "config", cfg.String())

	parent := cmd.Context()
	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	engOpts := opts.Options
	engOpts.Config = cfg
	eng, err := engine.New(ctx, engOpts)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to start engine", err)
	}

	unwatch := eng.Store().Watch(logChange)
	defer unwatch()

	// The loop outlives the signal: Shutdown still needs it to publish
	// the offline update and end the call.
	sessionCtx, endSession := context.WithCancel(ctx)
	defer endSession()

	var g errgroup.Group
	g.Go(func() error {
		defer endSession()
		return eng.Run(context.WithoutCancel(ctx))
	})
	g.Go(func() error {
		err := runSession(sessionCtx, eng, cmd.InOrStdin(), cmd.OutOrStdout())

		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		defer cancel()
		if serr := eng.Shutdown(shutdownCtx); serr != nil {
			slog.Warn("shutdown incomplete", "error", serr)
		}
		return err
	})

	if err := g.Wait(); err != nil {
		return WrapExitError(ExitFailure, "engine error", err)
	}
	slog.Info("disconnected")
	return nil
}

// runSession starts the engine and applies stdin commands until quit, end
// of input or ctx is done. Command errors are printed, not returned.
func runSession(ctx context.Context, eng *engine.Engine, in io.Reader, out io.Writer) error {
	if err := eng.Do(ctx, func() error {
		eng.Start()
		return nil
	}); err != nil {
		return ignoreDone(err)
	}

	lines := make(chan string)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(in)
		for sc.Scan() {
			select {
			case lines <- sc.Text():
			case <-ctx.Done():
				return
			}
		}
		if err := sc.Err(); err != nil {
			slog.Warn("reading commands", "error", err)
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			c, err := parseSessionCommand(line)
			if err != nil {
				fmt.Fprintf(out, "error: %v\n", err)
				continue
			}
			if c == nil {
				continue
			}
			if c.name == "quit" {
				return nil
			}
			err = eng.Do(ctx, func() error { return c.apply(eng, out) })
			switch {
			case errors.Is(err, engine.ErrStopped) || errors.Is(err, context.Canceled):
				return nil
			case err != nil:
				fmt.Fprintf(out, "error: %v\n", err)
			default:
				fmt.Fprintln(out, "ok")
			}
		}
	}
}

func ignoreDone(err error) error {
	if errors.Is(err, engine.ErrStopped) || errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func logChange(c store.Change) {
	attrs := []any{"kind", c.Kind}
	if c.ConversationID != "" {
		attrs = append(attrs, "conversation_id", c.ConversationID)
	}
	if c.UserID != "" {
		attrs = append(attrs, "user_id", c.UserID)
	}
	if c.Key != "" {
		attrs = append(attrs, "key", c.Key)
	}
	slog.Info("store changed", attrs...)
}
