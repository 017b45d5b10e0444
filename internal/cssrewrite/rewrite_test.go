package cssrewrite

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"pkt.systems/pageview/schema"
)

func TestAbsolutize(t *testing.T) {
	base, _ := url.Parse("https://cdn.example.com/assets/css/site.css")
	tests := []struct {
		in   string
		want string
	}{
		{`a{background:url(img/bg.png)}`, `a{background:url(https://cdn.example.com/assets/css/img/bg.png)}`},
		{`a{background:url("../font.woff")}`, `a{background:url("https://cdn.example.com/assets/font.woff")}`},
		{`a{background:url('/root.svg')}`, `a{background:url('https://cdn.example.com/root.svg')}`},
		{`a{background:url(data:image/png;base64,AAA)}`, `a{background:url(data:image/png;base64,AAA)}`},
		{`a{filter:url(#blur)}`, `a{filter:url(#blur)}`},
		{`@import "print.css";`, `@import "https://cdn.example.com/assets/css/print.css";`},
		{`a{background:url(https://other.org/x.png)}`, `a{background:url(https://other.org/x.png)}`},
	}
	for _, tc := range tests {
		if got := Absolutize(tc.in, base); got != tc.want {
			t.Fatalf("Absolutize(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestRewriteCSSFetchesAndRewrites(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/styles/main.css" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "text/css")
		_, _ = w.Write([]byte(`body{background:url(bg.png)}`))
	}))
	defer srv.Close()

	rw := New(WithHTTPClient(srv.Client()))
	css, err := rw.RewriteCSS(context.Background(), schema.RewriteCSSParams{URL: srv.URL + "/styles/main.css"})
	if err != nil {
		t.Fatalf("RewriteCSS: %v", err)
	}
	if !strings.Contains(css, srv.URL+"/styles/bg.png") {
		t.Fatalf("expected absolutized reference, got %q", css)
	}
}

func TestRewriteCSSUsesBaseURL(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`p{background:url(x.png)}`))
	}))
	defer srv.Close()

	rw := New()
	css, err := rw.RewriteCSS(context.Background(), schema.RewriteCSSParams{URL: srv.URL + "/a.css", BaseURL: "https://page.example.com/article/"})
	if err != nil {
		t.Fatalf("RewriteCSS: %v", err)
	}
	if css != `p{background:url(https://page.example.com/article/x.png)}` {
		t.Fatalf("unexpected css: %q", css)
	}
}

func TestRewriteCSSErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(strings.Repeat("a", 64)))
	}))
	defer srv.Close()

	if _, err := New().RewriteCSS(context.Background(), schema.RewriteCSSParams{URL: "file:///etc/passwd"}); !errors.Is(err, schema.ErrUnsupportedURL) {
		t.Fatalf("expected unsupported url, got %v", err)
	}
	if _, err := New(WithMaxSize(16)).RewriteCSS(context.Background(), schema.RewriteCSSParams{URL: srv.URL + "/big.css"}); !errors.Is(err, ErrTooLarge) {
		t.Fatalf("expected too large, got %v", err)
	}
	missing := httptest.NewServer(http.NotFoundHandler())
	defer missing.Close()
	if _, err := New().RewriteCSS(context.Background(), schema.RewriteCSSParams{URL: missing.URL + "/gone.css"}); err == nil {
		t.Fatalf("expected error for 404")
	}
}
