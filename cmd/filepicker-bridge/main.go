package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alexjbarnes/filepicker-bridge/internal/backend"
	"github.com/alexjbarnes/filepicker-bridge/internal/config"
	"github.com/alexjbarnes/filepicker-bridge/internal/logging"
	"github.com/alexjbarnes/filepicker-bridge/internal/origin"
	"github.com/alexjbarnes/filepicker-bridge/internal/server"
	"github.com/alexjbarnes/filepicker-bridge/internal/state"
	"github.com/alexjbarnes/filepicker-bridge/internal/token"
	"github.com/tidwall/gjson"
	"golang.org/x/sync/errgroup"
)

var Version = "dev"

func main() {
	// Session maintenance subcommands.
	if len(os.Args) > 1 {
		switch os.Args[1] {
		case "store-credential":
			exitOnError(storeCredential(os.Args[2:], os.Stdin))
			return
		case "clear-session":
			exitOnError(clearSession(os.Args[2:]))
			return
		case "list-sessions":
			exitOnError(listSessions())
			return
		}
	}

	exitOnError(run())
}

func exitOnError(err error) {
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// storeCredential writes the OAuth token blob read from stdin into a
// session, under the key the bridge looks up for the configured provider.
func storeCredential(args []string, in io.Reader) error {
	if len(args) != 1 || args[0] == "" {
		return fmt.Errorf("usage: filepicker-bridge store-credential <session> < token.json")
	}

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	picker, err := config.LoadPickerConfig(cfg.PickerConfigPath)
	if err != nil {
		return err
	}

	blob, err := io.ReadAll(io.LimitReader(in, 1<<20))
	if err != nil {
		return fmt.Errorf("reading credential: %w", err)
	}

	if !gjson.ValidBytes(blob) {
		return fmt.Errorf("credential is not valid JSON")
	}

	if at := gjson.GetBytes(blob, "access_token"); at.Type != gjson.String || at.Str == "" {
		fmt.Fprintln(os.Stderr, "warning: credential has no access_token; the bridge will discard it")
	}

	appState, err := state.LoadAt(cfg.StatePath)
	if err != nil {
		return fmt.Errorf("loading state: %w", err)
	}
	defer appState.Close()

	key := token.CredentialKey(picker.OpenIDConnect.Authority, picker.OpenIDConnect.ClientID)
	if err := appState.Session(args[0]).SetCredential(key, blob); err != nil {
		return err
	}

	fmt.Fprintf(os.Stderr, "stored %s for session %s\n", key, args[0])

	return nil
}

func clearSession(args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: filepicker-bridge clear-session <session>")
	}

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	appState, err := state.LoadAt(cfg.StatePath)
	if err != nil {
		return fmt.Errorf("loading state: %w", err)
	}
	defer appState.Close()

	return appState.DeleteSession(args[0])
}

func listSessions() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	appState, err := state.LoadAt(cfg.StatePath)
	if err != nil {
		return fmt.Errorf("loading state: %w", err)
	}
	defer appState.Close()

	ids, err := appState.Sessions()
	if err != nil {
		return err
	}

	for _, id := range ids {
		fmt.Println(id)
	}

	return nil
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := logging.NewLogger(cfg.Environment, cfg.LogLevel)

	picker, err := config.LoadPickerConfig(cfg.PickerConfigPath)
	if err != nil {
		return err
	}

	allowList, err := config.LoadAllowedOrigins(cfg.AllowedOriginsPath)
	if err != nil {
		return err
	}

	validator := origin.NewValidator(allowList)
	if validator.Len() == 0 {
		logger.Warn("allowed origins list is empty, every bridge request will be rejected")
	}

	appState, err := state.LoadAt(cfg.StatePath)
	if err != nil {
		return fmt.Errorf("loading state: %w", err)
	}
	defer appState.Close()

	logger.Info("filepicker-bridge starting",
		slog.String("version", Version),
		slog.String("listen", cfg.ListenAddr),
		slog.String("server", picker.Server),
		slog.Int("allowed_origins", validator.Len()),
		slog.Int("public_link_duration", cfg.PublicLinkDuration),
	)

	mux := server.NewMux(server.MuxConfig{
		Picker:          picker,
		Validator:       validator,
		State:           appState,
		Backend:         backend.NewClient(picker.Server, nil, cfg.BackendTimeout),
		DefaultDuration: cfg.PublicLinkDuration,
		Logger:          logger,
	})

	srv := newBridgeServer(cfg.ListenAddr, mux)

	ln, err := net.Listen("tcp", cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", cfg.ListenAddr, err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return srv.serve(ln)
	})

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		// Returns once every bridge handler is done with appState.
		return srv.shutdown(shutdownCtx)
	})

	return g.Wait()
}
