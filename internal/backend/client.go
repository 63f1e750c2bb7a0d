// Package backend talks to the two cloud-storage endpoints the bridge
// needs: a WebDAV PROPFIND used as an access token probe, and the OCS
// sharing API used to mint public links.
package backend

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
	"unicode/utf8"

	apperr "github.com/alexjbarnes/filepicker-bridge/internal/errors"
	"github.com/beevik/etree"
	"golang.org/x/oauth2"
)

// TransientError wraps an error that is likely temporary. The bridge never
// retries on it, since a network failure and a rejected token look the same
// to the page, but it is kept distinct for logging.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string { return e.Err.Error() }
func (e *TransientError) Unwrap() error { return e.Err }

// IsTransient reports whether err (or any error in its chain) is a
// TransientError.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

const (
	webdavPath = "/remote.php/webdav"
	sharesPath = "/ocs/v1.php/apps/files_sharing/api/v1/shares"

	// ShareTypePublicLink is the OCS share type for anonymous links.
	ShareTypePublicLink = 3

	// PermissionRead grants read-only access.
	PermissionRead = 1

	// maxRedirects is the maximum number of HTTP redirects to follow
	// before giving up, matching the default net/http limit.
	maxRedirects = 10

	// defaultTimeout applies when no custom client is provided.
	defaultTimeout = 30 * time.Second

	// maxAPIResponseBytes caps response body reads.
	maxAPIResponseBytes = 1024 * 1024

	// expireDateLayout is the ISO-8601 calendar date accepted by OCS.
	expireDateLayout = "2006-01-02"
)

// Client talks to a single cloud-storage server.
type Client struct {
	httpClient *http.Client
	baseURL    string
}

// sameHostRedirectPolicy follows redirects only when the target host
// matches the original request host, so the bearer token and the
// access_token query parameter never reach a third-party domain.
func sameHostRedirectPolicy(req *http.Request, via []*http.Request) error {
	if len(via) >= maxRedirects {
		return errors.New("stopped after 10 redirects")
	}

	if len(via) > 0 {
		origHost := via[0].URL.Host
		if req.URL.Host != origHost {
			return fmt.Errorf("redirect to different host blocked: %s -> %s", origHost, req.URL.Host)
		}
	}

	return nil
}

// NewClient creates a client for the server at baseURL. If httpClient is
// nil, a client with the given timeout (30 seconds when zero) and the
// same-host redirect policy is created.
func NewClient(baseURL string, httpClient *http.Client, timeout time.Duration) *Client {
	if httpClient == nil {
		if timeout <= 0 {
			timeout = defaultTimeout
		}

		httpClient = &http.Client{
			Timeout:       timeout,
			CheckRedirect: sameHostRedirectPolicy,
		}
	}

	return &Client{
		httpClient: httpClient,
		baseURL:    strings.TrimRight(baseURL, "/"),
	}
}

// BaseURL returns the server base URL without a trailing slash.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// sanitizeResponseBody truncates and sanitizes a response body for
// inclusion in error messages. Limits to 256 bytes and replaces
// non-printable characters to prevent log injection.
func sanitizeResponseBody(body []byte) string {
	const maxLen = 256
	if len(body) > maxLen {
		body = body[:maxLen]
	}

	var clean []byte

	for len(body) > 0 {
		r, size := utf8.DecodeRune(body)
		if r == utf8.RuneError && size <= 1 {
			clean = append(clean, '?')
			body = body[1:]

			continue
		}

		if r < 0x20 && r != '\n' && r != '\r' && r != '\t' {
			clean = append(clean, '?')
		} else {
			clean = append(clean, body[:size]...)
		}

		body = body[size:]
	}

	return string(clean)
}

// do sends req and returns the capped response body. Transport failures
// are wrapped in TransientError; every failure wraps ErrAPIRequest.
func (c *Client) do(req *http.Request) (int, []byte, error) {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, nil, &TransientError{Err: fmt.Errorf("%w: %s %s: %w", apperr.ErrAPIRequest, req.Method, req.URL.Path, err)}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxAPIResponseBytes))
	if err != nil {
		return resp.StatusCode, nil, fmt.Errorf("%w: reading response from %s: %w", apperr.ErrAPIRequest, req.URL.Path, err)
	}

	return resp.StatusCode, body, nil
}

// Probe issues a depth-0 PROPFIND on the WebDAV root carrying token as the
// access_token query parameter. Any outcome other than a 2xx response is
// an error; callers treat every error as a rejected token.
func (c *Client) Probe(ctx context.Context, token string) error {
	endpoint := c.baseURL + webdavPath + "/?access_token=" + url.QueryEscape(token)

	req, err := http.NewRequestWithContext(ctx, "PROPFIND", endpoint, nil)
	if err != nil {
		return fmt.Errorf("creating probe request: %w", err)
	}

	req.Header.Set("Depth", "0")

	status, body, err := c.do(req)
	if err != nil {
		return fmt.Errorf("probing access token: %w", err)
	}

	if status < 200 || status > 299 {
		return fmt.Errorf("%w: probe returned status %d: %s", apperr.ErrAPIResponse, status, sanitizeResponseBody(body))
	}

	return nil
}

// CreatePublicShare creates a read-only public link share for path that
// expires at the start of the given day, and returns the share token.
func (c *Client) CreatePublicShare(ctx context.Context, token, path string, expire time.Time) (string, error) {
	form := url.Values{}
	form.Set("shareType", fmt.Sprint(ShareTypePublicLink))
	form.Set("path", path)
	form.Set("permissions", fmt.Sprint(PermissionRead))
	form.Set("expireDate", expire.Format(expireDateLayout))

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+sharesPath, strings.NewReader(form.Encode()))
	if err != nil {
		return "", fmt.Errorf("creating share request: %w", err)
	}

	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	(&oauth2.Token{AccessToken: token}).SetAuthHeader(req)

	status, body, err := c.do(req)
	if err != nil {
		return "", fmt.Errorf("creating public share for %s: %w", path, err)
	}

	if status != http.StatusOK {
		return "", fmt.Errorf("%w: share API returned status %d: %s", apperr.ErrAPIResponse, status, sanitizeResponseBody(body))
	}

	shareToken, err := parseShareToken(body)
	if err != nil {
		return "", fmt.Errorf("creating public share for %s: %w", path, err)
	}

	return shareToken, nil
}

// parseShareToken extracts the share token from an OCS XML response.
// When the envelope carries a status code it must be 100 (v1) or 200 (v2).
func parseShareToken(body []byte) (string, error) {
	doc := etree.NewDocument()
	if err := doc.ReadFromBytes(body); err != nil {
		return "", fmt.Errorf("%w: parsing share response: %v", apperr.ErrAPIResponse, err)
	}

	if sc := doc.FindElement("//meta/statuscode"); sc != nil {
		code := strings.TrimSpace(sc.Text())
		if code != "100" && code != "200" {
			msg := ""
			if m := doc.FindElement("//meta/message"); m != nil {
				msg = strings.TrimSpace(m.Text())
			}

			return "", fmt.Errorf("%w: share API status %s: %s", apperr.ErrAPIResponse, code, sanitizeResponseBody([]byte(msg)))
		}
	}

	el := doc.FindElement("//token")
	if el == nil {
		return "", fmt.Errorf("%w: share response has no token element", apperr.ErrAPIResponse)
	}

	shareToken := strings.TrimSpace(el.Text())
	if shareToken == "" {
		return "", fmt.Errorf("%w: share response has an empty token", apperr.ErrAPIResponse)
	}

	return shareToken, nil
}
