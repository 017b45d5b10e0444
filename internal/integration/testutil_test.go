package integration_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"testing"
	"time"

	"pkt.systems/pageview"
	"pkt.systems/pageview/httpapi"
	"pkt.systems/pageview/internal/cdphost"
	"pkt.systems/pageview/internal/router"
	"pkt.systems/pageview/schema"
)

// browserTab is the simulated state of one page.
type browserTab struct {
	tab       schema.Tab
	installed bool
	enabled   bool
	injected  []string
}

// simBrowser stands in for the DevTools host. Injected tabs answer pings and
// follow togglePageView like the bundled content script.
type simBrowser struct {
	mu         sync.Mutex
	tabs       map[schema.TabID]*browserTab
	dispatcher cdphost.Dispatcher
	optionsHit int
}

func newSimBrowser(tabs ...schema.Tab) *simBrowser {
	b := &simBrowser{tabs: make(map[schema.TabID]*browserTab)}
	for _, tab := range tabs {
		b.tabs[tab.ID] = &browserTab{tab: tab}
	}
	return b
}

func (b *simBrowser) SendMessage(_ context.Context, tabID schema.TabID, msg schema.Message) (json.RawMessage, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	t, ok := b.tabs[tabID]
	if !ok {
		return nil, schema.ErrTabNotFound
	}
	if !t.installed {
		return nil, schema.ErrNotPresent
	}
	switch msg.Event {
	case schema.EventPing:
		return json.Marshal(schema.PingReply{PageViewEnabled: t.enabled})
	case schema.EventTogglePageView:
		var params schema.ToggleParams
		_ = json.Unmarshal(msg.Params, &params)
		if params.Enable != nil {
			t.enabled = *params.Enable
		} else {
			t.enabled = !t.enabled
		}
		return nil, nil
	default:
		return nil, fmt.Errorf("content script ignores %s", msg.Event)
	}
}

func (b *simBrowser) ExecuteScript(_ context.Context, tabID schema.TabID, files []string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	t, ok := b.tabs[tabID]
	if !ok {
		return schema.ErrTabNotFound
	}
	t.installed = true
	t.injected = append(t.injected, files...)
	return nil
}

func (b *simBrowser) Tabs(context.Context) ([]schema.Tab, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]schema.Tab, 0, len(b.tabs))
	for _, t := range b.tabs {
		out = append(out, t.tab)
	}
	return out, nil
}

func (b *simBrowser) Tab(_ context.Context, tabID schema.TabID) (schema.Tab, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	t, ok := b.tabs[tabID]
	if !ok {
		return schema.Tab{}, schema.ErrTabNotFound
	}
	return t.tab, nil
}

func (b *simBrowser) OpenOptionsPage(context.Context) error {
	b.mu.Lock()
	b.optionsHit++
	b.mu.Unlock()
	return nil
}

func (b *simBrowser) Start(_ context.Context, d cdphost.Dispatcher) error {
	b.mu.Lock()
	b.dispatcher = d
	b.mu.Unlock()
	return nil
}

// fromTab delivers msg as if the tab's injected code had sent it.
func (b *simBrowser) fromTab(ctx context.Context, tabID schema.TabID, msg schema.Message) (bool, chan any) {
	b.mu.Lock()
	t := b.tabs[tabID]
	d := b.dispatcher
	b.mu.Unlock()
	replies := make(chan any, 1)
	tab := t.tab
	keepOpen := d.Dispatch(ctx, msg, schema.Sender{Tab: &tab}, router.Responder(func(payload any) {
		replies <- payload
	}))
	return keepOpen, replies
}

func (b *simBrowser) state(tabID schema.TabID) browserTab {
	b.mu.Lock()
	defer b.mu.Unlock()
	t := *b.tabs[tabID]
	t.injected = append([]string(nil), t.injected...)
	return t
}

type testDaemon struct {
	baseURL  string
	stateDir string
	browser  *simBrowser
}

func startDaemon(t *testing.T, browser *simBrowser) *testDaemon {
	t.Helper()
	addr := freeAddr(t)
	stateDir := t.TempDir()
	cfg := pageview.ServerConfig{
		StateDir:         stateDir,
		HTTP:             httpapi.Config{Addr: addr, BaseURL: "http://" + addr, AsyncTimeout: 5 * time.Second},
		InjectionMode:    pageview.InjectionAuto,
		InstallType:      schema.InstallNormal,
		Version:          "v0.0.1-test",
		SettingsInterval: time.Hour,
		TelemetryLogFile: stateDir + "/telemetry.jsonl",
	}
	srv, err := pageview.New(cfg, pageview.ServerDeps{Host: browser})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	if err := srv.Start(ctx); err != nil {
		cancel()
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() {
		stopCtx, stopCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer stopCancel()
		_ = srv.Stop(stopCtx)
		cancel()
	})
	d := &testDaemon{baseURL: "http://" + addr, stateDir: stateDir, browser: browser}
	waitForHealthy(t, d.baseURL, 3*time.Second)
	return d
}

func freeAddr(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr := ln.Addr().String()
	_ = ln.Close()
	return addr
}

func waitForHealthy(t *testing.T, baseURL string, timeout time.Duration) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for {
		resp, err := http.Get(baseURL + "/healthz")
		if err == nil {
			_ = resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				return
			}
		}
		if time.Now().After(deadline) {
			t.Fatalf("daemon not healthy after %s: %v", timeout, err)
		}
		time.Sleep(20 * time.Millisecond)
	}
}

func doJSON(t *testing.T, method, url string, body any) *http.Response {
	t.Helper()
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatal(err)
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	return resp
}

func readJSON(t *testing.T, resp *http.Response, out any) {
	t.Helper()
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode >= 300 {
		data, _ := io.ReadAll(resp.Body)
		t.Fatalf("unexpected status %d: %s", resp.StatusCode, string(data))
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		t.Fatalf("decode: %v", err)
	}
}
