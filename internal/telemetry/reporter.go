package telemetry

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"pkt.systems/pageview/schema"
	"pkt.systems/pslog"
)

// SettingsSource exposes the persisted state summarized by settings reports.
type SettingsSource interface {
	FeatureFlag(ctx context.Context, name schema.FeatureFlag) (bool, error)
	FeatureFlags(ctx context.Context) (map[schema.FeatureFlag]bool, error)
	Domains(ctx context.Context) (map[schema.Domain]schema.DomainSetting, error)
}

// Publisher receives every accepted event.
type Publisher interface {
	Publish(event schema.TelemetryEvent)
}

// Config configures a Reporter.
type Config struct {
	// LogFile receives one JSON event per line when set.
	LogFile string
}

// Reporter stamps, records and publishes telemetry events. Events are dropped
// while the collect-anonymous-metrics flag is off.
type Reporter struct {
	source    SettingsSource
	publisher Publisher
	logFile   string
	now       func() time.Time
	newID     func() string

	mu   sync.Mutex
	last *schema.SettingsReport
}

// New constructs a Reporter.
func New(cfg Config, source SettingsSource, publisher Publisher) (*Reporter, error) {
	if source == nil {
		return nil, errors.New("settings source is required")
	}
	return &Reporter{
		source:    source,
		publisher: publisher,
		logFile:   cfg.LogFile,
		now:       time.Now,
		newID:     uuid.NewString,
	}, nil
}

// ReportEvent records a named event when metrics collection is enabled.
func (r *Reporter) ReportEvent(ctx context.Context, name schema.TelemetryName, props map[string]any) error {
	enabled, err := r.source.FeatureFlag(ctx, schema.FlagCollectAnonymousMetrics)
	if err != nil {
		return err
	}
	if !enabled {
		pslog.Ctx(ctx).Debug("telemetry event dropped", "name", name, "reason", "metrics disabled")
		return nil
	}
	return r.emit(ctx, name, props)
}

// ReportSettings summarizes enabled features keyed by version.
func (r *Reporter) ReportSettings(ctx context.Context, version string) error {
	report, err := r.buildReport(ctx, version)
	if err != nil {
		return err
	}
	r.mu.Lock()
	r.last = &report
	r.mu.Unlock()
	flags := make(map[string]any, len(report.Flags))
	for name, value := range report.Flags {
		flags[string(name)] = value
	}
	return r.ReportEvent(ctx, schema.TelemetryReportSettings, map[string]any{
		"version":         report.Version,
		"allowed_domains": report.AllowedDomains,
		"denied_domains":  report.DeniedDomains,
		"flags":           flags,
	})
}

// NotifyInjectionFailed publishes a local notification for the UI. It is not
// analytics and ignores the metrics flag.
func (r *Reporter) NotifyInjectionFailed(ctx context.Context, tab schema.Tab, err error) {
	if r.publisher == nil {
		return
	}
	r.publisher.Publish(schema.TelemetryEvent{
		ID:   r.newID(),
		Name: schema.TelemetryInjectionFailed,
		Properties: map[string]any{
			"tab":    string(tab.ID),
			"domain": string(tab.Domain()),
			"error":  err.Error(),
		},
		Timestamp: r.now().UTC(),
	})
	pslog.Ctx(ctx).Debug("telemetry injection failure published", "tab", tab.ID)
}

// LastReport returns the most recent settings report, if any.
func (r *Reporter) LastReport() (schema.SettingsReport, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.last == nil {
		return schema.SettingsReport{}, false
	}
	return *r.last, true
}

// Reset drops the cached settings report.
func (r *Reporter) Reset() {
	r.mu.Lock()
	r.last = nil
	r.mu.Unlock()
}

func (r *Reporter) buildReport(ctx context.Context, version string) (schema.SettingsReport, error) {
	flags, err := r.source.FeatureFlags(ctx)
	if err != nil {
		return schema.SettingsReport{}, err
	}
	domains, err := r.source.Domains(ctx)
	if err != nil {
		return schema.SettingsReport{}, err
	}
	report := schema.SettingsReport{Version: version, Flags: flags}
	for _, setting := range domains {
		switch setting {
		case schema.DomainAllow:
			report.AllowedDomains++
		case schema.DomainDeny:
			report.DeniedDomains++
		}
	}
	return report, nil
}

func (r *Reporter) emit(ctx context.Context, name schema.TelemetryName, props map[string]any) error {
	event := schema.TelemetryEvent{
		ID:         r.newID(),
		Name:       name,
		Properties: props,
		Timestamp:  r.now().UTC(),
	}
	if err := r.appendLog(event); err != nil {
		pslog.Ctx(ctx).Warn("telemetry log append failed", "name", name, "err", err)
		return err
	}
	if r.publisher != nil {
		r.publisher.Publish(event)
	}
	pslog.Ctx(ctx).Debug("telemetry event reported", "name", name, "id", event.ID)
	return nil
}

func (r *Reporter) appendLog(event schema.TelemetryEvent) error {
	if r.logFile == "" {
		return nil
	}
	data, err := json.Marshal(event)
	if err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := os.MkdirAll(filepath.Dir(r.logFile), 0o700); err != nil {
		return err
	}
	f, err := os.OpenFile(r.logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return err
	}
	if _, err := f.Write(append(data, '\n')); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}
