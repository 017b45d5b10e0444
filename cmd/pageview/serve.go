package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"pkt.systems/pageview"
	"pkt.systems/pageview/httpapi"
	"pkt.systems/pageview/internal/appconfig"
	"pkt.systems/pageview/internal/cdphost"
	"pkt.systems/pageview/schema"
	"pkt.systems/pslog"
)

func newServeCmd() *cobra.Command {
	var cfgPath string
	var remoteURL string
	var headless bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Attach to the browser and serve the reading view",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := pslog.Ctx(cmd.Context())
			cfg, err := appconfig.Load(cfgPath)
			if err != nil {
				return err
			}
			if remoteURL != "" {
				cfg.Browser.RemoteURL = remoteURL
			}
			if cmd.Flags().Changed("headless") {
				cfg.Browser.Headless = headless
			}

			browser, err := cdphost.New(cmd.Context(), toBrowserConfig(cfg))
			if err != nil {
				return fmt.Errorf("browser connection failed: %w", err)
			}
			defer browser.Close()

			server, err := pageview.New(toServerConfig(cfg), pageview.ServerDeps{
				Host:   browser,
				Logger: logger,
			})
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			go func() {
				<-ctx.Done()
				stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				defer cancel()
				if err := server.Stop(stopCtx); err != nil {
					logger.Warn("server stop failed", "err", err)
				}
			}()
			logger.Info("http server listening", "addr", cfg.HTTP.Addr, "base_url", cfg.HTTP.PublicBaseURL())
			if err := server.Start(ctx); err != nil {
				return err
			}
			return server.Wait()
		},
	}
	cmd.Flags().StringVarP(&cfgPath, "config", "c", "", "path to config file")
	cmd.Flags().StringVar(&remoteURL, "remote-url", "", "DevTools websocket URL of a running browser")
	cmd.Flags().BoolVar(&headless, "headless", false, "launch the browser headless")
	return cmd
}

func toBrowserConfig(cfg appconfig.Config) cdphost.Config {
	return cdphost.Config{
		RemoteURL:   cfg.Browser.RemoteURL,
		ExecPath:    cfg.Browser.ExecPath,
		UserDataDir: cfg.Browser.UserDataDir,
		Headless:    cfg.Browser.Headless,
		ExtraFlags:  cfg.Browser.ExtraFlags,
		OptionsURL:  cfg.OptionsPageURL(),
		BootScript:  cfg.Browser.BootScript,
	}
}

func toServerConfig(cfg appconfig.Config) pageview.ServerConfig {
	return pageview.ServerConfig{
		StateDir: cfg.StateDir,
		HTTP: httpapi.Config{
			Addr:    cfg.HTTP.Addr,
			BaseURL: cfg.HTTP.PublicBaseURL(),
		},
		InjectionMode:    cfg.Injection.Mode,
		InjectionScript:  cfg.Injection.Script,
		GuardReinjection: cfg.Injection.GuardReinjection,
		InstallType:      schema.InstallType(cfg.Extension.InstallType),
		SettingsInterval: time.Duration(cfg.Reports.SettingsIntervalHours) * time.Hour,
		TelemetryLogFile: cfg.Telemetry.LogFile,
	}
}
