// Package bridge sequences one embedding page's selection events: clear
// the parent, refresh the token, resolve links, deliver. A newer selection
// cancels the one in flight, and the old task is fenced before the new one
// speaks, so the parent's final state always belongs to the latest event.
package bridge

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"

	apperr "github.com/alexjbarnes/filepicker-bridge/internal/errors"
	"github.com/alexjbarnes/filepicker-bridge/internal/models"
	"github.com/alexjbarnes/filepicker-bridge/internal/token"
)

// Parent receives messages for the embedding page.
type Parent interface {
	Notify(ctx context.Context, msg models.Message) error
}

// TokenSource refreshes the access token. *token.Manager satisfies this
// interface.
type TokenSource interface {
	Token(ctx context.Context) token.Result
}

// Resolver turns paths into URLs. *links.Resolver satisfies this
// interface.
type Resolver interface {
	Resolve(ctx context.Context, snap models.Snapshot, paths []string) ([]string, error)
}

// cacheDumper is implemented by resolvers that can expose their public
// link cache for debug logging.
type cacheDumper interface {
	Cached() map[string]string
}

// Config is the per-page configuration. It is copied into a
// models.Snapshot at the start of every resolution.
type Config struct {
	Server     string
	PublicLink bool
	// Duration is the public link lifetime in days.
	Duration int
	Debug    bool
}

// Phase names the steps of one selection, for logging.
type Phase string

const (
	PhaseClearing   Phase = "clearing"
	PhaseRefreshing Phase = "refreshing"
	PhaseResolving  Phase = "resolving"
	PhaseDelivered  Phase = "delivered"
	// PhaseEmpty is the error terminal: the parent stays cleared.
	PhaseEmpty Phase = "delivering_empty"
)

// Bridge processes selection events for one page.
type Bridge struct {
	cfg      Config
	parent   Parent
	tokens   TokenSource
	resolver Resolver
	logger   *slog.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
	seq    uint64

	// halted is set once a reload was requested or Close was called.
	// Later selections are ignored. It is atomic because tasks set it
	// while Submit may hold mu waiting for them.
	halted atomic.Bool
}

func New(cfg Config, parent Parent, tokens TokenSource, resolver Resolver, logger *slog.Logger) *Bridge {
	return &Bridge{
		cfg:      cfg,
		parent:   parent,
		tokens:   tokens,
		resolver: resolver,
		logger:   logger,
	}
}

// Submit starts processing sel. A selection already in flight is
// cancelled and Submit waits for its goroutine to return before starting
// the new one, so the old task can no longer send anything once the new
// task's clearing message goes out. ctx bounds the new task.
func (b *Bridge) Submit(ctx context.Context, sel models.Selection) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.halted.Load() {
		b.logger.Debug("selection ignored, bridge halted")
		return
	}

	b.stopLocked()

	b.seq++
	taskCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	b.cancel, b.done = cancel, done

	go func(seq uint64) {
		defer close(done)
		defer cancel()
		b.process(taskCtx, seq, sel)
	}(b.seq)
}

// stopLocked cancels the in-flight task and waits for it. b.mu must be
// held; tasks never take b.mu.
func (b *Bridge) stopLocked() {
	if b.cancel == nil {
		return
	}

	b.cancel()
	<-b.done
	b.cancel, b.done = nil, nil
}

// Wait blocks until the in-flight selection, if any, has finished.
func (b *Bridge) Wait() {
	b.mu.Lock()
	done := b.done
	b.mu.Unlock()

	if done != nil {
		<-done
	}
}

// Close cancels the in-flight selection, waits for it and ignores all
// later ones.
func (b *Bridge) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.halted.Store(true)
	b.stopLocked()
}

// Halted reports whether the bridge stopped accepting selections.
func (b *Bridge) Halted() bool {
	return b.halted.Load()
}

func (b *Bridge) process(ctx context.Context, seq uint64, sel models.Selection) {
	logger := b.logger.With(slog.Uint64("selection", seq))
	paths := sel.Paths()

	logger.Debug("selection received", slog.String("phase", string(PhaseClearing)), slog.Int("files", len(paths)))

	if err := b.parent.Notify(ctx, models.Clear()); err != nil {
		logger.Warn("sending clear message", slog.String("error", err.Error()))
		return
	}

	if ctx.Err() != nil {
		logger.Debug("selection superseded", slog.String("phase", string(PhaseClearing)))
		return
	}

	// Snapshot before any network call so a concurrent change of
	// configuration cannot leak into this resolution.
	snap := models.Snapshot{
		Server:     b.cfg.Server,
		PublicLink: b.cfg.PublicLink,
		Duration:   b.cfg.Duration,
	}

	res := b.tokens.Token(ctx)
	switch res.State {
	case token.Valid:
		snap.Token = res.Token
	case token.Reset:
		// The token manager has cleared the parent and requested a
		// reload. Nothing else is sent from this page.
		logger.Info("access token reset, waiting for reload", slog.String("phase", string(PhaseRefreshing)))
		b.halted.Store(true)

		return
	case token.Canceled:
		logger.Debug("selection superseded", slog.String("phase", string(PhaseRefreshing)))
		return
	default:
		logger.Warn("no stored credential, selection left unresolved", slog.String("phase", string(PhaseEmpty)))
		return
	}

	files, err := b.resolver.Resolve(ctx, snap, paths)
	if err != nil {
		if ctx.Err() != nil {
			logger.Debug("selection superseded", slog.String("phase", string(PhaseResolving)))
			return
		}

		attrs := []any{slog.String("phase", string(PhaseEmpty)), slog.String("error", err.Error())}
		if errors.Is(err, apperr.ErrLinkCreation) {
			logger.Error("public link creation failed, selection discarded", attrs...)
		} else {
			logger.Error("resolving selection", attrs...)
		}

		return
	}

	if b.cfg.Debug && snap.PublicLink {
		if d, ok := b.resolver.(cacheDumper); ok {
			logger.Info("public link cache", slog.Any("links", d.Cached()))
		}
	}

	if ctx.Err() != nil {
		logger.Debug("selection superseded", slog.String("phase", string(PhaseResolving)))
		return
	}

	msg := models.Message{Files: files, Ready: true}
	if b.cfg.Debug {
		logger.Info("sending message to parent", slog.Any("files", msg.Files))
	}

	if err := b.parent.Notify(ctx, msg); err != nil {
		logger.Warn("delivering files", slog.String("error", err.Error()))
		return
	}

	logger.Debug("selection delivered", slog.String("phase", string(PhaseDelivered)), slog.Int("files", len(files)))
}
