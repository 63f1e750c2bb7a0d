package server

//go:generate mockgen -source=session.go -destination=mock_session_test.go -package=server -mock_names=wsConn=MockWSConn,submitter=MockSubmitter

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/alexjbarnes/filepicker-bridge/internal/models"
	"github.com/coder/websocket"
	"github.com/tidwall/gjson"
)

const (
	// StatusReauthenticate closes the bridge socket when the stored token
	// was rejected. The embedding page reloads so the OAuth flow re-runs.
	StatusReauthenticate websocket.StatusCode = 4001

	// writeTimeout bounds a single outbound frame.
	writeTimeout = 10 * time.Second

	// maxInboundBytes caps a selection frame.
	maxInboundBytes = 1 << 20
)

var errNotSelection = errors.New("not a selection event")

// wsConn abstracts the WebSocket connection so the session can be tested
// without a real peer. *websocket.Conn satisfies this interface.
type wsConn interface {
	Read(ctx context.Context) (websocket.MessageType, []byte, error)
	Write(ctx context.Context, typ websocket.MessageType, p []byte) error
	Close(code websocket.StatusCode, reason string) error
	SetReadLimit(n int64)
}

// submitter receives parsed selections. *bridge.Bridge satisfies this
// interface.
type submitter interface {
	Submit(ctx context.Context, sel models.Selection)
}

// session is the messaging channel to one embedding page. It implements
// both the bridge's and the token manager's view of the parent.
type session struct {
	conn   wsConn
	logger *slog.Logger

	// writeMu keeps frames whole when the token manager and the bridge
	// write at the same time.
	writeMu sync.Mutex
}

func newSession(conn wsConn, logger *slog.Logger) *session {
	conn.SetReadLimit(maxInboundBytes)
	return &session{conn: conn, logger: logger}
}

// Notify sends msg as one JSON text frame. Cancellation of ctx does not
// interrupt a frame once started: coder/websocket tears the connection
// down when a write's context ends, so the write runs on a detached
// context bounded by writeTimeout.
func (s *session) Notify(ctx context.Context, msg models.Message) error {
	if msg.Files == nil {
		msg.Files = []string{}
	}

	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshalling message: %w", err)
	}

	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), writeTimeout)
	defer cancel()

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if err := s.conn.Write(wctx, websocket.MessageText, data); err != nil {
		return fmt.Errorf("writing message: %w", err)
	}

	return nil
}

// Reload closes the socket with StatusReauthenticate.
func (s *session) Reload(_ context.Context) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	return s.conn.Close(StatusReauthenticate, "reauthenticate")
}

// serve reads selection frames until the connection ends and hands them to
// sub. Frames that are not selection events are logged and skipped. A
// normal or reauthenticate close returns nil.
func (s *session) serve(ctx context.Context, sub submitter) error {
	for {
		typ, data, err := s.conn.Read(ctx)
		if err != nil {
			switch websocket.CloseStatus(err) {
			case websocket.StatusNormalClosure, websocket.StatusGoingAway, StatusReauthenticate:
				return nil
			}

			if ctx.Err() != nil {
				return nil
			}

			return fmt.Errorf("reading frame: %w", err)
		}

		if typ != websocket.MessageText {
			s.logger.Debug("ignoring binary frame")
			continue
		}

		sel, err := parseSelection(data)
		if err != nil {
			s.logger.Warn("ignoring frame", slog.String("error", err.Error()))
			continue
		}

		sub.Submit(ctx, sel)
	}
}

// parseSelection decodes {"type":"update","resources":[{"path":...}]}.
// Every resource must carry a string path.
func parseSelection(data []byte) (models.Selection, error) {
	if !gjson.ValidBytes(data) {
		return models.Selection{}, fmt.Errorf("%w: invalid JSON", errNotSelection)
	}

	if typ := gjson.GetBytes(data, "type").Str; typ != "update" {
		return models.Selection{}, fmt.Errorf("%w: type %q", errNotSelection, typ)
	}

	resources := gjson.GetBytes(data, "resources")
	if !resources.IsArray() {
		return models.Selection{}, fmt.Errorf("%w: resources must be an array", errNotSelection)
	}

	var sel models.Selection

	for i, r := range resources.Array() {
		p := r.Get("path")
		if p.Type != gjson.String || p.Str == "" {
			return models.Selection{}, fmt.Errorf("%w: resource %d has no path", errNotSelection, i)
		}

		sel.Resources = append(sel.Resources, models.Resource{Path: p.Str})
	}

	return sel, nil
}
