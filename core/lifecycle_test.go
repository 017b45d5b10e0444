package core

import (
	"context"
	"errors"
	"reflect"
	"testing"

	"pkt.systems/pageview/schema"
)

type staticInfo schema.ExtensionInfo

func (s staticInfo) ExtensionInfo(context.Context) (schema.ExtensionInfo, error) {
	return schema.ExtensionInfo(s), nil
}

type memoryVersions struct {
	last string
}

func (m *memoryVersions) LastVersion(context.Context) (string, error) { return m.last, nil }

func (m *memoryVersions) RecordVersion(_ context.Context, version string) error {
	m.last = version
	return nil
}

func TestOnInstalledDevelopmentDisablesMetricsBeforeReport(t *testing.T) {
	log := &callLog{}
	flags := &fakeFlags{log: log}
	hook, err := NewLifecycleHook(staticInfo{Version: "v1.2.0", InstallType: schema.InstallDevelopment}, flags, &fakeTelemetry{log: log})
	if err != nil {
		t.Fatalf("new hook: %v", err)
	}
	if err := hook.OnInstalled(context.Background()); err != nil {
		t.Fatalf("on installed: %v", err)
	}
	want := []string{"flag collect-anonymous-metrics=false", "report v1.2.0"}
	if got := log.list(); !reflect.DeepEqual(got, want) {
		t.Fatalf("calls mismatch:\nwant: %v\ngot:  %v", want, got)
	}
}

func TestOnInstalledNormalLeavesMetricsFlag(t *testing.T) {
	log := &callLog{}
	flags := &fakeFlags{log: log}
	hook, err := NewLifecycleHook(staticInfo{Version: "v1.2.0", InstallType: schema.InstallNormal}, flags, &fakeTelemetry{log: log})
	if err != nil {
		t.Fatalf("new hook: %v", err)
	}
	if err := hook.OnInstalled(context.Background()); err != nil {
		t.Fatalf("on installed: %v", err)
	}
	if _, ok := flags.values[schema.FlagCollectAnonymousMetrics]; ok {
		t.Fatalf("did not expect metrics flag write")
	}
	if got := log.list(); !reflect.DeepEqual(got, []string{"report v1.2.0"}) {
		t.Fatalf("unexpected calls: %v", got)
	}
}

func TestOnInstalledPropagatesReportFailure(t *testing.T) {
	log := &callLog{}
	reportErr := errors.New("sink down")
	hook, err := NewLifecycleHook(staticInfo{Version: "v1"}, &fakeFlags{log: log}, &fakeTelemetry{log: log, reportErr: reportErr})
	if err != nil {
		t.Fatalf("new hook: %v", err)
	}
	if err := hook.OnInstalled(context.Background()); !errors.Is(err, reportErr) {
		t.Fatalf("expected report error, got %v", err)
	}
}

func TestRunInstallHookFiresOnInstallAndUpdateOnly(t *testing.T) {
	log := &callLog{}
	hook, err := NewLifecycleHook(staticInfo{Version: "v1"}, &fakeFlags{log: log}, &fakeTelemetry{log: log})
	if err != nil {
		t.Fatalf("new hook: %v", err)
	}
	versions := &memoryVersions{}
	steps := []struct {
		version string
		want    InstallReason
	}{
		{"v1", ReasonInstall},
		{"v1", ReasonNone},
		{"v2", ReasonUpdate},
		{"v2", ReasonNone},
	}
	for _, step := range steps {
		reason, err := RunInstallHook(context.Background(), hook, versions, step.version)
		if err != nil {
			t.Fatalf("run hook %s: %v", step.version, err)
		}
		if reason != step.want {
			t.Fatalf("version %s: expected %q, got %q", step.version, step.want, reason)
		}
	}
	if got := log.count("report v1"); got != 2 {
		t.Fatalf("expected two reports, got %v", log.list())
	}
	if versions.last != "v2" {
		t.Fatalf("expected recorded v2, got %q", versions.last)
	}
}
