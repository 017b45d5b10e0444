package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"pkt.systems/pageview/core"
	"pkt.systems/pageview/httpapi"
	"pkt.systems/pageview/internal/appconfig"
	"pkt.systems/pageview/internal/cdphost"
	"pkt.systems/pageview/internal/contentscript"
	"pkt.systems/pslog"
)

type tabReport struct {
	ID      string `json:"id" yaml:"id"`
	URL     string `json:"url" yaml:"url"`
	Present bool   `json:"present" yaml:"present"`
	State   string `json:"state" yaml:"state"`
}

func newDoctorCmd() *cobra.Command {
	var cfgPath string
	var remoteURL string
	var format string
	var probeTimeout time.Duration
	cmd := &cobra.Command{
		Use:   "doctor",
		Short: "Check the config, browser connection and tab state",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := pslog.Ctx(cmd.Context())
			cfg, err := appconfig.Load(cfgPath)
			if err != nil {
				return err
			}
			if remoteURL != "" {
				cfg.Browser.RemoteURL = remoteURL
			}
			configPath := cfgPath
			if strings.TrimSpace(configPath) == "" {
				path, err := appconfig.DefaultConfigPath()
				if err != nil {
					return err
				}
				configPath = path
			}
			logger.Info("doctor start", "config", configPath)

			checkPath(logger, "state_dir", cfg.StateDir)
			checkPath(logger, "telemetry_dir", filepath.Dir(cfg.Telemetry.LogFile))
			if _, err := contentscript.Read(cfg.Injection.Script); err != nil {
				return fmt.Errorf("injection.script %q: %w", cfg.Injection.Script, err)
			}
			logger.Info("doctor content script ok", "script", cfg.Injection.Script)

			browserCfg := toBrowserConfig(cfg)
			browserCfg.BootScript = false
			browser, err := cdphost.New(cmd.Context(), browserCfg)
			if err != nil {
				return fmt.Errorf("browser connection failed: %w", err)
			}
			defer browser.Close()
			logger.Info("doctor browser ok", "remote_url", cfg.Browser.RemoteURL)

			injector, err := core.SelectInjector(browser, httpapi.ResourceResolver{BaseURL: cfg.HTTP.PublicBaseURL()})
			if err != nil {
				return err
			}
			logger.Info("doctor injection ok", "mechanism", injector.Mechanism(), "mode", cfg.Injection.Mode)

			reports, err := probeTabs(cmd.Context(), browser, core.NewTabStateProbe(browser), probeTimeout)
			if err != nil {
				return err
			}
			return writeValue(cmd.OutOrStdout(), format, reports)
		},
	}
	cmd.Flags().StringVarP(&cfgPath, "config", "c", "", "path to config file")
	cmd.Flags().StringVar(&remoteURL, "remote-url", "", "DevTools websocket URL of a running browser")
	cmd.Flags().StringVarP(&format, "output", "o", "yaml", "output format: yaml or json")
	cmd.Flags().DurationVar(&probeTimeout, "probe-timeout", 3*time.Second, "per-tab probe timeout")
	return cmd
}

func probeTabs(ctx context.Context, tabs httpapi.TabSource, probe *core.TabStateProbe, timeout time.Duration) ([]tabReport, error) {
	list, err := tabs.Tabs(ctx)
	if err != nil {
		return nil, err
	}
	reports := make([]tabReport, 0, len(list))
	for _, tab := range list {
		probeCtx, cancel := context.WithTimeout(ctx, timeout)
		result := probe.Probe(probeCtx, tab.ID)
		cancel()
		reports = append(reports, tabReport{
			ID:      string(tab.ID),
			URL:     tab.URL,
			Present: result.Present,
			State:   string(result.State),
		})
	}
	return reports, nil
}

func checkPath(logger pslog.Logger, label, value string) {
	if strings.TrimSpace(value) == "" {
		logger.Warn("path empty", "name", label)
		return
	}
	info, err := os.Stat(value)
	if err != nil {
		logger.Warn("path missing", "name", label, "path", value, "err", err)
		return
	}
	mode := info.Mode()
	logger.Info("path ok", "name", label, "path", value, "dir", mode.IsDir())
	if !mode.IsDir() {
		logger.Warn("path not directory", "name", label, "path", value)
	}
}
