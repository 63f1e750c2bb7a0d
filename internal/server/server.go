// Package server exposes the bridge over HTTP: a health check and the
// WebSocket endpoint an embedding iframe connects to.
package server

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/alexjbarnes/filepicker-bridge/internal/backend"
	"github.com/alexjbarnes/filepicker-bridge/internal/bridge"
	"github.com/alexjbarnes/filepicker-bridge/internal/config"
	apperr "github.com/alexjbarnes/filepicker-bridge/internal/errors"
	"github.com/alexjbarnes/filepicker-bridge/internal/links"
	"github.com/alexjbarnes/filepicker-bridge/internal/origin"
	"github.com/alexjbarnes/filepicker-bridge/internal/state"
	"github.com/alexjbarnes/filepicker-bridge/internal/token"
	"github.com/coder/websocket"
	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
)

// MuxConfig holds dependencies shared by every bridge connection.
type MuxConfig struct {
	Picker    *config.PickerConfig
	Validator *origin.Validator
	State     *state.State
	Backend   *backend.Client
	// DefaultDuration is the public link lifetime in days when the page
	// does not pass publicLinkDuration.
	DefaultDuration int
	Logger          *slog.Logger
}

// NewMux builds the router with the health check and the bridge endpoint.
func NewMux(cfg MuxConfig) http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(accessLog(cfg.Logger))
	r.Use(chimw.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.Write([]byte("ok"))
	})
	r.Get("/bridge", HandleBridge(cfg))

	return r
}

func accessLog(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)

			defer func() {
				logger.Debug("request",
					slog.String("request_id", chimw.GetReqID(r.Context())),
					slog.String("method", r.Method),
					slog.String("path", r.URL.Path),
					slog.Int("status", ww.Status()),
					slog.Int64("duration_ms", time.Since(start).Milliseconds()),
				)
			}()

			next.ServeHTTP(ww, r)
		})
	}
}

// HandleBridge validates the page parameters and origin, upgrades to a
// WebSocket, establishes the initial token and then feeds selection frames
// into a per-connection bridge. Parameter errors are 400. A rejected
// origin, or an Origin header that differs from the claimed origin, is
// 403. All of these happen before the upgrade, so no message is sent.
func HandleBridge(cfg MuxConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		logger := cfg.Logger.With(
			slog.String("conn_id", uuid.NewString()),
			slog.String("request_id", chimw.GetReqID(r.Context())),
		)

		params, err := config.ParseParams(r.URL.Query(), cfg.DefaultDuration)
		if err != nil {
			logger.Info("rejecting bridge request", slog.String("error", err.Error()))
			http.Error(w, err.Error(), http.StatusBadRequest)

			return
		}

		embedOrigin, err := cfg.Validator.Validate(params.Origin)
		if err != nil {
			status := http.StatusForbidden
			if errors.Is(err, apperr.ErrConfig) {
				status = http.StatusBadRequest
			}

			logger.Warn("rejecting bridge request", slog.String("origin", params.Origin), slog.String("error", err.Error()))
			http.Error(w, http.StatusText(status), status)

			return
		}

		// The page's own Origin header must be the origin it claims. A
		// request without one is not from a browser page and is refused.
		headerOrigin, err := origin.Normalize(r.Header.Get("Origin"))
		if err != nil || headerOrigin != embedOrigin {
			logger.Warn("rejecting bridge request, origin header mismatch",
				slog.String("origin", embedOrigin),
				slog.String("origin_header", r.Header.Get("Origin")),
			)
			http.Error(w, http.StatusText(http.StatusForbidden), http.StatusForbidden)

			return
		}

		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
			// Origin was matched exactly above.
			InsecureSkipVerify: true,
		})
		if err != nil {
			logger.Warn("websocket upgrade failed", slog.String("error", err.Error()))
			return
		}
		defer conn.CloseNow()

		logger = logger.With(slog.String("origin", embedOrigin), slog.String("session", params.Session))
		logger.Info("bridge connected",
			slog.Bool("public_link", params.PublicLink),
			slog.Int("public_link_duration", params.PublicLinkDuration),
			slog.Bool("debug", params.Debug),
		)

		sess := newSession(conn, logger)

		tokens := token.NewManager(token.ManagerConfig{
			Store:     cfg.State.Session(params.Session),
			Prober:    cfg.Backend,
			Parent:    sess,
			Authority: cfg.Picker.OpenIDConnect.Authority,
			ClientID:  cfg.Picker.OpenIDConnect.ClientID,
		}, logger)

		ctx := r.Context()

		if res := tokens.Token(ctx); res.State == token.Reset {
			logger.Info("initial token rejected, page asked to reload")
			return
		}

		b := bridge.New(bridge.Config{
			Server:     cfg.Picker.Server,
			PublicLink: params.PublicLink,
			Duration:   params.PublicLinkDuration,
			Debug:      params.Debug,
		}, sess, tokens, links.NewResolver(cfg.Backend, logger), logger)
		defer b.Close()

		if err := sess.serve(ctx, b); err != nil {
			logger.Info("bridge connection ended", slog.String("error", err.Error()))
			return
		}

		logger.Info("bridge disconnected")
	}
}
