package core

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"pkt.systems/pageview/schema"
	"pkt.systems/pslog"
)

// InstallReason tells why the lifecycle hook fires.
type InstallReason string

const (
	ReasonNone    InstallReason = ""
	ReasonInstall InstallReason = "install"
	ReasonUpdate  InstallReason = "update"
)

// VersionRecorder remembers the last version that completed the lifecycle
// hook.
type VersionRecorder interface {
	LastVersion(ctx context.Context) (string, error)
	RecordVersion(ctx context.Context, version string) error
}

// LifecycleHook reacts to install and update events.
type LifecycleHook struct {
	info      ExtensionInfoSource
	flags     FeatureFlags
	telemetry Telemetry
}

// NewLifecycleHook constructs the install/update hook.
func NewLifecycleHook(info ExtensionInfoSource, flags FeatureFlags, telemetry Telemetry) (*LifecycleHook, error) {
	if info == nil || flags == nil || telemetry == nil {
		return nil, errors.New("lifecycle hook requires extension info, flags and telemetry")
	}
	return &LifecycleHook{info: info, flags: flags, telemetry: telemetry}, nil
}

// OnInstalled turns metrics off for development installs, then reports the
// settings summary. The flag write completes before the report starts.
func (h *LifecycleHook) OnInstalled(ctx context.Context) error {
	log := pslog.Ctx(ctx)
	info, err := h.info.ExtensionInfo(ctx)
	if err != nil {
		return fmt.Errorf("extension info: %w", err)
	}
	log = log.With("version", info.Version, "install_type", info.InstallType)
	if info.InstallType == schema.InstallDevelopment {
		if err := h.flags.SetFeatureFlag(ctx, schema.FlagCollectAnonymousMetrics, false); err != nil {
			log.Warn("lifecycle metrics disable failed", "err", err)
			return err
		}
		log.Info("lifecycle metrics disabled", "reason", "development install")
	}
	if err := h.telemetry.ReportSettings(ctx, info.Version); err != nil {
		log.Warn("lifecycle settings report failed", "err", err)
		return err
	}
	log.Info("lifecycle installed hook ok")
	return nil
}

// DetectInstall compares version with the last recorded one.
func DetectInstall(ctx context.Context, recorder VersionRecorder, version string) (InstallReason, error) {
	last, err := recorder.LastVersion(ctx)
	if err != nil {
		return ReasonNone, err
	}
	last = strings.TrimSpace(last)
	switch {
	case last == "":
		return ReasonInstall, nil
	case last != strings.TrimSpace(version):
		return ReasonUpdate, nil
	default:
		return ReasonNone, nil
	}
}

// RunInstallHook fires hook when this start is an install or update and
// records the version once the hook succeeded.
func RunInstallHook(ctx context.Context, hook *LifecycleHook, recorder VersionRecorder, version string) (InstallReason, error) {
	reason, err := DetectInstall(ctx, recorder, version)
	if err != nil {
		return ReasonNone, err
	}
	if reason == ReasonNone {
		pslog.Ctx(ctx).Debug("lifecycle hook skipped", "version", version)
		return reason, nil
	}
	pslog.Ctx(ctx).Info("lifecycle hook firing", "reason", reason, "version", version)
	if err := hook.OnInstalled(ctx); err != nil {
		return reason, err
	}
	return reason, recorder.RecordVersion(ctx, version)
}
