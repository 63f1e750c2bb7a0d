// Package links turns selected file paths into URLs the embedding page can
// use: either a direct WebDAV URL carrying the access token, or a public
// share link minted once per path and cached for the page lifetime.
package links

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"path"
	"strings"
	"sync"
	"time"

	apperr "github.com/alexjbarnes/filepicker-bridge/internal/errors"
	"github.com/alexjbarnes/filepicker-bridge/internal/models"
)

const (
	webdavPrefix      = "/remote.php/webdav"
	publicFilesPrefix = "/remote.php/dav/public-files/"
)

// ShareCreator mints a public link share and returns its token.
// *backend.Client satisfies this interface.
type ShareCreator interface {
	CreatePublicShare(ctx context.Context, token, path string, expire time.Time) (string, error)
}

// Resolver resolves selections for one embedding page. Its public link
// cache grows for the lifetime of the page and is never evicted; the
// server enforces link expiry.
type Resolver struct {
	shares ShareCreator
	logger *slog.Logger
	now    func() time.Time

	// mu serializes public resolutions so two selections can never
	// create a share for the same uncached path.
	mu    sync.Mutex
	cache map[string]string
}

// NewResolver creates a resolver with an empty cache.
func NewResolver(shares ShareCreator, logger *slog.Logger) *Resolver {
	return &Resolver{
		shares: shares,
		logger: logger,
		now:    time.Now,
		cache:  make(map[string]string),
	}
}

// escapePath escapes each segment of p, keeping the separators.
func escapePath(p string) string {
	segments := strings.Split(p, "/")
	for i, s := range segments {
		segments[i] = url.PathEscape(s)
	}

	return strings.Join(segments, "/")
}

// Direct builds server + "/remote.php/webdav" + path + "?access_token=" +
// token for every path. It performs no I/O. Each path segment is
// percent-escaped and the token is query-escaped, so a path containing a
// space, '#' or '?' (or a token containing '+' or '=') does not appear
// verbatim in the URL. Paths are otherwise used byte for byte.
func Direct(paths []string, server, token string) []string {
	server = strings.TrimRight(server, "/")

	files := make([]string, 0, len(paths))
	for _, p := range paths {
		files = append(files, server+webdavPrefix+escapePath(p)+"?access_token="+url.QueryEscape(token))
	}

	return files
}

// PublicURL builds the public-files URL for a share token and the file
// the share points at.
func PublicURL(server, shareToken, filePath string) string {
	return strings.TrimRight(server, "/") + publicFilesPrefix + url.PathEscape(shareToken) + "/" + url.PathEscape(path.Base(filePath))
}

// Resolve dispatches on snap.PublicLink.
func (r *Resolver) Resolve(ctx context.Context, snap models.Snapshot, paths []string) ([]string, error) {
	if !snap.PublicLink {
		return Direct(paths, snap.Server, snap.Token), nil
	}

	return r.Public(ctx, snap, paths)
}

// Public returns a public link for every path, in input order. Paths seen
// before are answered from the cache; each new path costs exactly one
// share creation. Any failure fails the whole batch. Links created before
// the failure stay cached, since the shares exist server-side, but are not
// returned.
func (r *Resolver) Public(ctx context.Context, snap models.Snapshot, paths []string) ([]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	expire := r.now().AddDate(0, 0, snap.Duration)

	files := make([]string, 0, len(paths))
	for _, p := range paths {
		if link, ok := r.cache[p]; ok {
			files = append(files, link)
			continue
		}

		if err := ctx.Err(); err != nil {
			return nil, err
		}

		shareToken, err := r.shares.CreatePublicShare(ctx, snap.Token, p, expire)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}

			return nil, fmt.Errorf("%w: %s: %w", apperr.ErrLinkCreation, p, err)
		}

		link := PublicURL(snap.Server, shareToken, p)
		r.cache[p] = link
		files = append(files, link)

		r.logger.Debug("public link created", slog.String("path", p), slog.String("link", link))
	}

	return files, nil
}

// Cached returns a copy of the public link cache.
func (r *Resolver) Cached() map[string]string {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make(map[string]string, len(r.cache))
	for k, v := range r.cache {
		out[k] = v
	}

	return out
}
