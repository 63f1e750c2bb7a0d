// Package token owns the access token lifecycle of one embedding page:
// read the credential the external OAuth flow stored, prove it still works
// with a live probe, and on rejection clear it and force the page to
// re-run the OAuth flow.
package token

//go:generate mockgen -source=token.go -destination=mock_token_test.go -package=token

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/alexjbarnes/filepicker-bridge/internal/backend"
	apperr "github.com/alexjbarnes/filepicker-bridge/internal/errors"
	"github.com/alexjbarnes/filepicker-bridge/internal/models"
	"github.com/tidwall/gjson"
)

// CredentialStore is the page's session storage. *state.Session
// satisfies this interface.
type CredentialStore interface {
	Credential(key string) ([]byte, error)
	DeleteCredential(key string) error
}

// Prober checks a token against the backend. *backend.Client satisfies
// this interface.
type Prober interface {
	Probe(ctx context.Context, token string) error
}

// Parent is the embedding page as seen from the token manager.
type Parent interface {
	Notify(ctx context.Context, msg models.Message) error
	Reload(ctx context.Context) error
}

// State is the outcome of a token refresh.
type State int

const (
	// NoCredential means nothing is stored. No network call was made.
	NoCredential State = iota
	// Valid means the probe accepted the token.
	Valid
	// Reset means the credential was rejected or unusable. It has been
	// cleared, the parent told to drop its files, and a reload requested.
	Reset
	// Canceled means ctx ended before the probe finished. Nothing was
	// cleared.
	Canceled
)

func (s State) String() string {
	switch s {
	case NoCredential:
		return "no_credential"
	case Valid:
		return "valid"
	case Reset:
		return "reset"
	case Canceled:
		return "canceled"
	}

	return "unknown"
}

// Result carries the token when State is Valid.
type Result struct {
	Token string
	State State
}

// CredentialKey is the session storage key the OAuth flow writes the
// token blob under.
func CredentialKey(authority, clientID string) string {
	return "oc_oAuthuser:" + authority + ":" + clientID
}

// Manager refreshes the token of one page.
type Manager struct {
	store  CredentialStore
	prober Prober
	parent Parent
	key    string
	logger *slog.Logger
}

// ManagerConfig holds the collaborators of a Manager.
type ManagerConfig struct {
	Store     CredentialStore
	Prober    Prober
	Parent    Parent
	Authority string
	ClientID  string
}

func NewManager(cfg ManagerConfig, logger *slog.Logger) *Manager {
	return &Manager{
		store:  cfg.Store,
		prober: cfg.Prober,
		parent: cfg.Parent,
		key:    CredentialKey(cfg.Authority, cfg.ClientID),
		logger: logger,
	}
}

// Token reads the stored credential and probes it. It never fails: a
// rejected token degrades to Reset after the credential is cleared, the
// parent is sent an empty not-ready message, and a reload is requested.
//
// A failed probe cannot tell an expired token from a network outage, so
// every failure counts as rejection and nothing is retried.
func (m *Manager) Token(ctx context.Context) Result {
	blob, err := m.store.Credential(m.key)
	if err != nil {
		m.logger.Warn("reading stored credential", slog.String("error", err.Error()))
		return Result{State: NoCredential}
	}

	if blob == nil {
		m.logger.Debug("no stored credential")
		return Result{State: NoCredential}
	}

	tok := gjson.GetBytes(blob, "access_token")
	if tok.Type != gjson.String || tok.Str == "" {
		m.logger.Warn("stored credential has no access_token")
		m.reset(ctx)

		return Result{State: Reset}
	}

	if err := m.prober.Probe(ctx, tok.Str); err != nil {
		if ctx.Err() != nil {
			return Result{State: Canceled}
		}

		err = fmt.Errorf("%w: %w", apperr.ErrAuthInvalid, err)
		m.logger.Info("access token rejected",
			slog.String("error", err.Error()),
			slog.Bool("transient", backend.IsTransient(err)),
		)
		m.reset(ctx)

		return Result{State: Reset}
	}

	return Result{Token: tok.Str, State: Valid}
}

// reset clears the credential, tells the parent its files are stale and
// requests a reload, in that order. Failures are logged; the reload is
// attempted regardless.
func (m *Manager) reset(ctx context.Context) {
	if err := m.store.DeleteCredential(m.key); err != nil {
		m.logger.Warn("clearing stored credential", slog.String("error", err.Error()))
	}

	if err := m.parent.Notify(ctx, models.Clear()); err != nil {
		m.logger.Warn("notifying parent before reload", slog.String("error", err.Error()))
	}

	if err := m.parent.Reload(ctx); err != nil {
		m.logger.Warn("requesting reload", slog.String("error", err.Error()))
	}
}
