package core

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"pkt.systems/pageview/schema"
)

type callLog struct {
	mu    sync.Mutex
	calls []string
}

func (l *callLog) add(format string, args ...any) {
	if l == nil {
		return
	}
	l.mu.Lock()
	l.calls = append(l.calls, fmt.Sprintf(format, args...))
	l.mu.Unlock()
}

func (l *callLog) list() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.calls...)
}

func (l *callLog) count(entry string) int {
	n := 0
	for _, call := range l.list() {
		if call == entry {
			n++
		}
	}
	return n
}

// fakeTab simulates a tab's content script: it answers pings once injected
// and tracks whether the reading view is shown.
type fakeTab struct {
	mu        sync.Mutex
	log       *callLog
	installed bool
	enabled   bool
	signalErr error
	injectErr error
}

func (f *fakeTab) SendMessage(_ context.Context, tabID schema.TabID, msg schema.Message) (json.RawMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	switch msg.Event {
	case schema.EventPing:
		f.log.add("ping %s", tabID)
		if !f.installed {
			return nil, schema.ErrNotPresent
		}
		return json.Marshal(schema.PingReply{PageViewEnabled: f.enabled})
	case schema.EventTogglePageView:
		var params schema.ToggleParams
		_ = json.Unmarshal(msg.Params, &params)
		enable := !f.enabled
		if params.Enable != nil {
			enable = *params.Enable
		}
		if enable {
			f.log.add("enable %s", tabID)
		} else {
			f.log.add("disable %s", tabID)
		}
		if f.signalErr != nil {
			return nil, f.signalErr
		}
		if !f.installed {
			return nil, schema.ErrNotPresent
		}
		f.enabled = enable
		return nil, nil
	default:
		return nil, fmt.Errorf("unexpected event %s", msg.Event)
	}
}

func (f *fakeTab) Inject(_ context.Context, tabID schema.TabID, file string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.log.add("inject %s %s", tabID, file)
	if f.injectErr != nil {
		return f.injectErr
	}
	f.installed = true
	return nil
}

func (f *fakeTab) Mechanism() string { return "fake" }

type fakeSettings struct {
	mu      sync.Mutex
	log     *callLog
	values  map[schema.Domain]schema.DomainSetting
	readErr error
	writes  int
}

func (f *fakeSettings) DomainSetting(_ context.Context, domain schema.Domain) (schema.DomainSetting, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.readErr != nil {
		return "", f.readErr
	}
	return f.values[domain], nil
}

func (f *fakeSettings) SetDomainSetting(_ context.Context, domain schema.Domain, setting schema.DomainSetting) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.values == nil {
		f.values = make(map[schema.Domain]schema.DomainSetting)
	}
	f.values[domain] = setting
	f.writes++
	f.log.add("setting %s=%s", domain, setting)
	return nil
}

type fakeFlags struct {
	mu     sync.Mutex
	log    *callLog
	values map[schema.FeatureFlag]bool
}

func (f *fakeFlags) FeatureFlag(_ context.Context, name schema.FeatureFlag) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if value, ok := f.values[name]; ok {
		return value, nil
	}
	return schema.DefaultFeatureFlags()[name], nil
}

func (f *fakeFlags) SetFeatureFlag(_ context.Context, name schema.FeatureFlag, value bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.values == nil {
		f.values = make(map[schema.FeatureFlag]bool)
	}
	f.values[name] = value
	f.log.add("flag %s=%v", name, value)
	return nil
}

type fakeTelemetry struct {
	log       *callLog
	eventErr  error
	reportErr error
}

func (f *fakeTelemetry) ReportEvent(_ context.Context, name schema.TelemetryName, props map[string]any) error {
	f.log.add("telemetry %s trigger=%v", name, props["trigger"])
	return f.eventErr
}

func (f *fakeTelemetry) ReportSettings(_ context.Context, version string) error {
	f.log.add("report %s", version)
	return f.reportErr
}

type fakeNotifier struct {
	log *callLog
}

func (f *fakeNotifier) NotifyInjectionFailed(_ context.Context, tab schema.Tab, err error) {
	f.log.add("notify %s", tab.ID)
}

type controllerFixture struct {
	log       *callLog
	tab       *fakeTab
	settings  *fakeSettings
	flags     *fakeFlags
	telemetry *fakeTelemetry
	ctrl      *Controller
}

func newControllerFixture() *controllerFixture {
	log := &callLog{}
	fx := &controllerFixture{
		log:       log,
		tab:       &fakeTab{log: log},
		settings:  &fakeSettings{log: log, values: map[schema.Domain]schema.DomainSetting{}},
		flags:     &fakeFlags{log: log, values: map[schema.FeatureFlag]bool{}},
		telemetry: &fakeTelemetry{log: log},
	}
	ctrl, err := NewController(ControllerDeps{
		Messenger: fx.tab,
		Injector:  fx.tab,
		Settings:  fx.settings,
		Flags:     fx.flags,
		Telemetry: fx.telemetry,
		Notifier:  &fakeNotifier{log: log},
	})
	if err != nil {
		panic(err)
	}
	fx.ctrl = ctrl
	return fx
}
