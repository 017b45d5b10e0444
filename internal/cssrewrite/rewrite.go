package cssrewrite

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"

	"pkt.systems/pageview/schema"
	"pkt.systems/pslog"
)

const (
	defaultTimeout = 15 * time.Second
	defaultMaxSize = 4 << 20
)

var (
	urlRef    = regexp.MustCompile(`url\(\s*(['"]?)([^'")]+)(['"]?)\s*\)`)
	importRef = regexp.MustCompile(`@import\s+(['"])([^'"]+)(['"])`)
)

// ErrTooLarge is returned when a stylesheet exceeds the configured size.
var ErrTooLarge = errors.New("stylesheet too large")

// Rewriter fetches stylesheets and makes their references absolute so they can
// be inlined into the reading view.
type Rewriter struct {
	client  *http.Client
	maxSize int64
}

// Option configures a Rewriter.
type Option func(*Rewriter)

// WithHTTPClient overrides the fetch client.
func WithHTTPClient(client *http.Client) Option {
	return func(r *Rewriter) {
		if client != nil {
			r.client = client
		}
	}
}

// WithMaxSize caps the accepted stylesheet size in bytes.
func WithMaxSize(n int64) Option {
	return func(r *Rewriter) {
		if n > 0 {
			r.maxSize = n
		}
	}
}

// New constructs a Rewriter.
func New(opts ...Option) *Rewriter {
	r := &Rewriter{
		client:  &http.Client{Timeout: defaultTimeout},
		maxSize: defaultMaxSize,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// RewriteCSS fetches params.URL and resolves relative references against
// params.BaseURL, or the stylesheet URL when no base is given.
func (r *Rewriter) RewriteCSS(ctx context.Context, params schema.RewriteCSSParams) (string, error) {
	log := pslog.Ctx(ctx)
	target, err := url.Parse(strings.TrimSpace(params.URL))
	if err != nil || !schema.SupportsURL(target.String()) {
		return "", fmt.Errorf("stylesheet %q: %w", params.URL, schema.ErrUnsupportedURL)
	}
	base := target
	if strings.TrimSpace(params.BaseURL) != "" {
		parsed, err := url.Parse(strings.TrimSpace(params.BaseURL))
		if err != nil {
			return "", fmt.Errorf("base url %q: %w", params.BaseURL, err)
		}
		base = parsed
	}
	started := time.Now()
	body, err := r.fetch(ctx, target.String())
	if err != nil {
		log.Warn("css fetch failed", "url", target.String(), "err", err, "duration_ms", time.Since(started).Milliseconds())
		return "", err
	}
	out := Absolutize(body, base)
	log.Debug("css rewritten", "url", target.String(), "bytes", len(out), "duration_ms", time.Since(started).Milliseconds())
	return out, nil
}

// Absolutize rewrites url() and @import references in css relative to base.
// Data URIs and fragment-only references are left untouched.
func Absolutize(css string, base *url.URL) string {
	if base == nil {
		return css
	}
	css = urlRef.ReplaceAllStringFunc(css, func(match string) string {
		parts := urlRef.FindStringSubmatch(match)
		resolved, ok := resolve(base, parts[2])
		if !ok {
			return match
		}
		return "url(" + parts[1] + resolved + parts[3] + ")"
	})
	return importRef.ReplaceAllStringFunc(css, func(match string) string {
		parts := importRef.FindStringSubmatch(match)
		resolved, ok := resolve(base, parts[2])
		if !ok {
			return match
		}
		return "@import " + parts[1] + resolved + parts[3]
	})
}

func resolve(base *url.URL, ref string) (string, bool) {
	ref = strings.TrimSpace(ref)
	if ref == "" || strings.HasPrefix(ref, "#") {
		return "", false
	}
	lower := strings.ToLower(ref)
	if strings.HasPrefix(lower, "data:") || strings.HasPrefix(lower, "blob:") {
		return "", false
	}
	parsed, err := url.Parse(ref)
	if err != nil {
		return "", false
	}
	return base.ResolveReference(parsed).String(), true
}

func (r *Rewriter) fetch(ctx context.Context, target string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return "", fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "text/css,*/*;q=0.1")

	resp, err := r.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("request %s: %w", target, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
		return "", fmt.Errorf("request %s failed: %s; body=%s", target, resp.Status, strings.TrimSpace(string(body)))
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, r.maxSize+1))
	if err != nil {
		return "", fmt.Errorf("read response: %w", err)
	}
	if int64(len(data)) > r.maxSize {
		return "", ErrTooLarge
	}
	return string(data), nil
}
