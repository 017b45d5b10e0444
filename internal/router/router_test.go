package router

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"pkt.systems/pageview/core"
	"pkt.systems/pageview/schema"
)

type fakeActivation struct {
	mu              sync.Mutex
	enabled         []schema.TabID
	disabled        []schema.TabID
	remoteInstalled []schema.Tab
	enableErr       error
}

func (f *fakeActivation) Enable(_ context.Context, tabID schema.TabID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.enabled = append(f.enabled, tabID)
	return f.enableErr
}

func (f *fakeActivation) Disable(_ context.Context, tabID schema.TabID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.disabled = append(f.disabled, tabID)
	return nil
}

func (f *fakeActivation) RemoteInstall(_ context.Context, tab schema.Tab) (core.Outcome, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.remoteInstalled = append(f.remoteInstalled, tab)
	return core.Outcome{State: schema.StateActive, Injected: true, Trigger: schema.TriggerAutomatic}, nil
}

type fakeRewriter struct {
	release chan struct{}
	err     error
}

func (f *fakeRewriter) RewriteCSS(_ context.Context, params schema.RewriteCSSParams) (string, error) {
	if f.release != nil {
		<-f.release
	}
	if f.err != nil {
		return "", f.err
	}
	return "/* " + params.URL + " */", nil
}

type fakeOptions struct {
	opened int
}

func (f *fakeOptions) OpenOptionsPage(context.Context) error {
	f.opened++
	return nil
}

type fakeDomains map[schema.Domain]schema.DomainSetting

func (f fakeDomains) DomainSetting(_ context.Context, domain schema.Domain) (schema.DomainSetting, error) {
	return f[domain], nil
}

type fixture struct {
	act     *fakeActivation
	rewrite *fakeRewriter
	options *fakeOptions
	router  *Router
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	fx := &fixture{act: &fakeActivation{}, rewrite: &fakeRewriter{}, options: &fakeOptions{}}
	r, err := New(Deps{Activation: fx.act, Rewriter: fx.rewrite, Options: fx.options})
	if err != nil {
		t.Fatalf("new router: %v", err)
	}
	fx.router = r
	return fx
}

func cssMessage(t *testing.T, url string) schema.Message {
	t.Helper()
	params, err := json.Marshal(schema.RewriteCSSParams{URL: url})
	if err != nil {
		t.Fatalf("marshal params: %v", err)
	}
	return schema.Message{Event: schema.EventRewriteCSS, Params: params}
}

func TestDispatchKeepsChannelOpenOnlyForRewriteCSS(t *testing.T) {
	fx := newFixture(t)
	tab := &schema.Tab{ID: "tab1", URL: "https://example.com/a"}
	cases := []struct {
		msg  schema.Message
		want bool
	}{
		{schema.Message{Event: schema.EventEnablePageView, TabID: "tab1"}, false},
		{schema.Message{Event: schema.EventDisablePageView, TabID: "tab1"}, false},
		{schema.Message{Event: schema.EventRequestEnhance}, false},
		{cssMessage(t, "https://example.com/a.css"), true},
		{schema.Message{Event: schema.EventOpenOptionsPage}, false},
		{schema.Message{Event: "somethingElse"}, false},
		{schema.Message{}, false},
	}
	for _, tc := range cases {
		got := fx.router.Dispatch(context.Background(), tc.msg, schema.Sender{Tab: tab}, func(any) {})
		if got != tc.want {
			t.Fatalf("event %q: Dispatch = %v, want %v", tc.msg.Event, got, tc.want)
		}
	}
	fx.router.Wait()
}

func TestDispatchRoutesToHandlers(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	tab := schema.Tab{ID: "tab9", URL: "https://example.com/a"}

	fx.router.Dispatch(ctx, schema.Message{Event: schema.EventEnablePageView, TabID: "tab1"}, schema.Sender{}, nil)
	fx.router.Dispatch(ctx, schema.Message{Event: schema.EventDisablePageView, TabID: "tab2"}, schema.Sender{}, nil)
	fx.router.Dispatch(ctx, schema.Message{Event: schema.EventRequestEnhance}, schema.Sender{Tab: &tab}, nil)
	fx.router.Dispatch(ctx, schema.Message{Event: schema.EventOpenOptionsPage}, schema.Sender{}, nil)

	if len(fx.act.enabled) != 1 || fx.act.enabled[0] != "tab1" {
		t.Fatalf("unexpected enable calls: %v", fx.act.enabled)
	}
	if len(fx.act.disabled) != 1 || fx.act.disabled[0] != "tab2" {
		t.Fatalf("unexpected disable calls: %v", fx.act.disabled)
	}
	if len(fx.act.remoteInstalled) != 1 || fx.act.remoteInstalled[0].ID != "tab9" {
		t.Fatalf("unexpected remote install calls: %v", fx.act.remoteInstalled)
	}
	if fx.options.opened != 1 {
		t.Fatalf("expected options page opened once, got %d", fx.options.opened)
	}
}

func TestRewriteCSSRespondsAfterDispatchReturns(t *testing.T) {
	fx := newFixture(t)
	fx.rewrite.release = make(chan struct{})
	responses := make(chan any, 2)

	keepOpen := fx.router.Dispatch(context.Background(), cssMessage(t, "https://example.com/a.css"), schema.Sender{}, func(payload any) {
		responses <- payload
	})
	if !keepOpen {
		t.Fatalf("expected keep-open for rewriteCss")
	}
	select {
	case <-responses:
		t.Fatalf("response delivered before rewrite finished")
	default:
	}
	close(fx.rewrite.release)
	select {
	case payload := <-responses:
		result, ok := payload.(schema.RewriteCSSResult)
		if !ok || result.CSS != "/* https://example.com/a.css */" {
			t.Fatalf("unexpected response: %#v", payload)
		}
	case <-time.After(time.Second):
		t.Fatalf("no async response")
	}
	fx.router.Wait()
	if len(responses) != 0 {
		t.Fatalf("expected exactly one response")
	}
}

func TestRewriteCSSRespondsWithErrors(t *testing.T) {
	fx := newFixture(t)
	fx.rewrite.err = errors.New("fetch failed")

	var got []schema.RewriteCSSResult
	var mu sync.Mutex
	respond := func(payload any) {
		mu.Lock()
		got = append(got, payload.(schema.RewriteCSSResult))
		mu.Unlock()
	}
	fx.router.Dispatch(context.Background(), cssMessage(t, "https://example.com/a.css"), schema.Sender{}, respond)
	fx.router.Dispatch(context.Background(), schema.Message{Event: schema.EventRewriteCSS, Params: json.RawMessage(`{}`)}, schema.Sender{}, respond)
	fx.router.Wait()

	mu.Lock()
	defer mu.Unlock()
	if len(got) != 2 {
		t.Fatalf("expected two responses, got %d", len(got))
	}
	for _, result := range got {
		if result.Error == "" || result.CSS != "" {
			t.Fatalf("expected error response, got %+v", result)
		}
	}
}

func TestHandleReturnsSyncErrors(t *testing.T) {
	fx := newFixture(t)
	if _, err := fx.router.Handle(context.Background(), schema.Message{Event: schema.EventEnablePageView}, schema.Sender{}, nil); !errors.Is(err, schema.ErrInvalidMessage) {
		t.Fatalf("expected ErrInvalidMessage, got %v", err)
	}
	if _, err := fx.router.Handle(context.Background(), schema.Message{Event: schema.EventRequestEnhance}, schema.Sender{}, nil); !errors.Is(err, schema.ErrMissingSender) {
		t.Fatalf("expected ErrMissingSender, got %v", err)
	}
	fx.act.enableErr = schema.ErrNotPresent
	if _, err := fx.router.Handle(context.Background(), schema.Message{Event: schema.EventEnablePageView, TabID: "tab1"}, schema.Sender{}, nil); !errors.Is(err, schema.ErrNotPresent) {
		t.Fatalf("expected ErrNotPresent, got %v", err)
	}
}

func TestEventsListsRoutes(t *testing.T) {
	fx := newFixture(t)
	want := []schema.EventKind{
		schema.EventDisablePageView,
		schema.EventEnablePageView,
		schema.EventOpenOptionsPage,
		schema.EventRequestEnhance,
		schema.EventRewriteCSS,
	}
	got := fx.router.Events()
	if len(got) != len(want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, got)
		}
	}
}

func TestNewRequiresDeps(t *testing.T) {
	if _, err := New(Deps{}); err == nil {
		t.Fatalf("expected error for missing deps")
	}
}

func enhanceMessage(article bool) schema.Message {
	return schema.Message{Event: schema.EventRequestEnhance, Params: json.RawMessage(fmt.Sprintf(`{"article":%t}`, article))}
}

func TestRequestEnhanceHonorsDomainSetting(t *testing.T) {
	act := &fakeActivation{}
	r, err := New(Deps{
		Activation: act,
		Rewriter:   &fakeRewriter{},
		Options:    &fakeOptions{},
		Domains: fakeDomains{
			"blocked.example": schema.DomainDeny,
			"saved.example":   schema.DomainAllow,
		},
	})
	if err != nil {
		t.Fatalf("new router: %v", err)
	}
	cases := []struct {
		url     string
		msg     schema.Message
		install bool
	}{
		{"https://blocked.example/story", enhanceMessage(true), false},
		{"https://blocked.example/story", schema.Message{Event: schema.EventRequestEnhance}, false},
		{"https://saved.example/front", enhanceMessage(false), true},
		{"https://other.example/story", enhanceMessage(true), true},
		{"https://other.example/front", enhanceMessage(false), false},
		{"https://other.example/legacy", schema.Message{Event: schema.EventRequestEnhance}, true},
	}
	for i, tc := range cases {
		tab := schema.Tab{ID: schema.TabID(fmt.Sprintf("tab%d", i)), URL: tc.url}
		before := len(act.remoteInstalled)
		if _, err := r.Handle(context.Background(), tc.msg, schema.Sender{Tab: &tab}, nil); err != nil {
			t.Fatalf("%s: handle: %v", tc.url, err)
		}
		if got := len(act.remoteInstalled) > before; got != tc.install {
			t.Fatalf("%s (%s): installed = %v, want %v", tc.url, tc.msg.Params, got, tc.install)
		}
	}
}

func TestRequestEnhanceRejectsBadParams(t *testing.T) {
	fx := newFixture(t)
	tab := schema.Tab{ID: "tab1", URL: "https://example.com/a"}
	msg := schema.Message{Event: schema.EventRequestEnhance, Params: json.RawMessage(`{"article":"yes"}`)}
	if _, err := fx.router.Handle(context.Background(), msg, schema.Sender{Tab: &tab}, nil); !errors.Is(err, schema.ErrInvalidMessage) {
		t.Fatalf("expected ErrInvalidMessage, got %v", err)
	}
	if len(fx.act.remoteInstalled) != 0 {
		t.Fatalf("malformed request must not install")
	}
}

func TestCloseRejectsNewMessages(t *testing.T) {
	fx := newFixture(t)
	fx.rewrite.release = make(chan struct{})
	responses := make(chan any, 2)
	respond := func(payload any) { responses <- payload }

	if !fx.router.Dispatch(context.Background(), cssMessage(t, "https://example.com/a.css"), schema.Sender{}, respond) {
		t.Fatalf("expected keep-open before close")
	}
	fx.router.Close()

	keepOpen, err := fx.router.Handle(context.Background(), cssMessage(t, "https://example.com/b.css"), schema.Sender{}, respond)
	if keepOpen || !errors.Is(err, ErrClosed) {
		t.Fatalf("expected closed rejection, got keepOpen=%v err=%v", keepOpen, err)
	}
	select {
	case payload := <-responses:
		if result, ok := payload.(schema.RewriteCSSResult); !ok || result.Error != ErrClosed.Error() {
			t.Fatalf("unexpected rejection payload: %#v", payload)
		}
	default:
		t.Fatalf("rejected async message must still be answered")
	}
	if _, err := fx.router.Handle(context.Background(), schema.Message{Event: schema.EventEnablePageView, TabID: "tab1"}, schema.Sender{}, nil); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected closed rejection for sync route, got %v", err)
	}
	if len(fx.act.enabled) != 0 {
		t.Fatalf("closed router must not run handlers")
	}

	waited := make(chan struct{})
	go func() {
		fx.router.Wait()
		close(waited)
	}()
	select {
	case <-waited:
		t.Fatalf("wait returned before the in-flight rewrite finished")
	case <-time.After(20 * time.Millisecond):
	}
	close(fx.rewrite.release)
	select {
	case <-waited:
	case <-time.After(time.Second):
		t.Fatalf("wait did not return after in-flight rewrite")
	}
	if payload := <-responses; payload.(schema.RewriteCSSResult).CSS == "" {
		t.Fatalf("in-flight rewrite must still respond, got %#v", payload)
	}
}
