package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"pkt.systems/pageview/core"
	"pkt.systems/pageview/internal/contentscript"
	"pkt.systems/pageview/internal/logx"
	"pkt.systems/pageview/internal/router"
	"pkt.systems/pageview/schema"
	"pkt.systems/pslog"
)

// MessageHandler routes messages posted by the UI.
type MessageHandler interface {
	Handle(ctx context.Context, msg schema.Message, sender schema.Sender, respond router.Responder) (bool, error)
}

// TabSource lists the browser's tabs.
type TabSource interface {
	Tabs(ctx context.Context) ([]schema.Tab, error)
	Tab(ctx context.Context, tabID schema.TabID) (schema.Tab, error)
}

// Toggler runs the manual trigger.
type Toggler interface {
	Toggle(ctx context.Context, tab schema.Tab) (core.Outcome, error)
}

// SettingsStore exposes domain preferences and feature flags.
type SettingsStore interface {
	DomainSetting(ctx context.Context, domain schema.Domain) (schema.DomainSetting, error)
	SetDomainSetting(ctx context.Context, domain schema.Domain, setting schema.DomainSetting) error
	Domains(ctx context.Context) (map[schema.Domain]schema.DomainSetting, error)
	FeatureFlags(ctx context.Context) (map[schema.FeatureFlag]bool, error)
	SetFeatureFlag(ctx context.Context, name schema.FeatureFlag, value bool) error
}

// EventSource streams telemetry events.
type EventSource interface {
	Subscribe() (<-chan schema.TelemetryEvent, func())
}

// Deps captures the server's collaborators.
type Deps struct {
	Messages MessageHandler
	Tabs     TabSource
	Toggler  Toggler
	Settings SettingsStore
	Events   EventSource
}

// Server serves the HTTP API, options page and content scripts.
type Server struct {
	cfg  Config
	deps Deps
}

// NewServer constructs an HTTP server.
func NewServer(cfg Config, deps Deps) (*Server, error) {
	switch {
	case deps.Messages == nil:
		return nil, errors.New("message handler is required")
	case deps.Tabs == nil:
		return nil, errors.New("tab source is required")
	case deps.Toggler == nil:
		return nil, errors.New("toggler is required")
	case deps.Settings == nil:
		return nil, errors.New("settings store is required")
	}
	if cfg.AsyncTimeout <= 0 {
		cfg.AsyncTimeout = defaultAsyncTimeout
	}
	return &Server{cfg: cfg, deps: deps}, nil
}

// Handler returns an http.Handler for the server.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(withRequestLogging)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
	})
	r.Get("/options", s.handleOptions)
	r.Get("/content-script/{file}", s.handleContentScript)

	r.Route("/api", func(r chi.Router) {
		r.Post("/message", s.handleMessage)
		r.Get("/tabs", s.handleTabs)
		r.Post("/tabs/{tabID}/toggle", s.handleToggle)
		r.Get("/domains", s.handleDomains)
		r.Get("/domains/{domain}", s.handleGetDomain)
		r.Put("/domains/{domain}", s.handlePutDomain)
		r.Get("/flags", s.handleFlags)
		r.Put("/flags/{name}", s.handlePutFlag)
		r.Get("/telemetry/stream", s.handleTelemetryStream)
	})
	return r
}

func (s *Server) handleMessage(w http.ResponseWriter, r *http.Request) {
	var msg schema.Message
	if err := decodeJSON(r.Body, &msg); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("%w: %v", schema.ErrInvalidMessage, err))
		return
	}
	ctx := r.Context()
	if msg.TabID != "" {
		ctx = logx.ContextWithTab(ctx, msg.TabID)
	}
	replies := make(chan any, 1)
	keepOpen, err := s.deps.Messages.Handle(ctx, msg, schema.Sender{}, func(payload any) {
		replies <- payload
	})
	if err != nil {
		logx.WithEvent(logx.Ctx(ctx), msg.Event).Warn("http message failed", "err", err)
		writeError(w, statusFor(err), err)
		return
	}
	if !keepOpen {
		writeJSON(w, http.StatusAccepted, map[string]any{"async": false})
		return
	}
	timer := time.NewTimer(s.cfg.AsyncTimeout)
	defer timer.Stop()
	select {
	case payload := <-replies:
		writeJSON(w, http.StatusOK, payload)
	case <-timer.C:
		writeError(w, http.StatusGatewayTimeout, errors.New("timed out waiting for reply"))
	case <-r.Context().Done():
	}
}

func (s *Server) handleTabs(w http.ResponseWriter, r *http.Request) {
	tabs, err := s.deps.Tabs.Tabs(r.Context())
	if err != nil {
		pslog.Ctx(r.Context()).Warn("http tabs failed", "err", err)
		writeError(w, http.StatusBadGateway, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"tabs": tabs})
}

func (s *Server) handleToggle(w http.ResponseWriter, r *http.Request) {
	tabID := schema.TabID(chi.URLParam(r, "tabID"))
	ctx := logx.ContextWithTab(r.Context(), tabID)
	tab, err := s.deps.Tabs.Tab(ctx, tabID)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	outcome, err := s.deps.Toggler.Toggle(ctx, tab)
	if err != nil {
		logx.WithTab(ctx, tabID).Warn("http toggle failed", "err", err)
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, outcome)
}

type domainPayload struct {
	Domain  schema.Domain        `json:"domain"`
	Setting schema.DomainSetting `json:"setting"`
}

func (s *Server) handleDomains(w http.ResponseWriter, r *http.Request) {
	domains, err := s.deps.Settings.Domains(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"domains": domains})
}

func (s *Server) handleGetDomain(w http.ResponseWriter, r *http.Request) {
	domain, err := schema.NormalizeDomain(chi.URLParam(r, "domain"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	setting, err := s.deps.Settings.DomainSetting(r.Context(), domain)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, domainPayload{Domain: domain, Setting: setting})
}

func (s *Server) handlePutDomain(w http.ResponseWriter, r *http.Request) {
	domain, err := schema.NormalizeDomain(chi.URLParam(r, "domain"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	var payload struct {
		Setting string `json:"setting"`
	}
	if err := decodeJSON(r.Body, &payload); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	setting, err := schema.ParseDomainSetting(payload.Setting)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := s.deps.Settings.SetDomainSetting(r.Context(), domain, setting); err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	pslog.Ctx(r.Context()).Info("http domain setting updated", "domain", domain, "setting", setting)
	writeJSON(w, http.StatusOK, domainPayload{Domain: domain, Setting: setting})
}

func (s *Server) handleFlags(w http.ResponseWriter, r *http.Request) {
	flags, err := s.deps.Settings.FeatureFlags(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"flags": flags})
}

func (s *Server) handlePutFlag(w http.ResponseWriter, r *http.Request) {
	name, err := schema.NormalizeFeatureFlag(chi.URLParam(r, "name"))
	if err != nil {
		writeError(w, http.StatusNotFound, err)
		return
	}
	var payload struct {
		Value *bool `json:"value"`
	}
	if err := decodeJSON(r.Body, &payload); err != nil || payload.Value == nil {
		writeError(w, http.StatusBadRequest, errors.New("value is required"))
		return
	}
	if err := s.deps.Settings.SetFeatureFlag(r.Context(), name, *payload.Value); err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	pslog.Ctx(r.Context()).Info("http feature flag updated", "flag", name, "value", *payload.Value)
	writeJSON(w, http.StatusOK, map[string]any{"flag": name, "value": *payload.Value})
}

func (s *Server) handleContentScript(w http.ResponseWriter, r *http.Request) {
	data, err := contentscript.Read(chi.URLParam(r, "file"))
	if err != nil {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "text/javascript; charset=utf-8")
	w.Header().Set("Cache-Control", "no-cache")
	_, _ = w.Write(data)
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, schema.ErrInvalidMessage),
		errors.Is(err, schema.ErrMissingSender),
		errors.Is(err, schema.ErrInvalidDomain),
		errors.Is(err, schema.ErrInvalidDomainSetting):
		return http.StatusBadRequest
	case errors.Is(err, schema.ErrTabNotFound), errors.Is(err, schema.ErrUnknownFlag):
		return http.StatusNotFound
	case errors.Is(err, schema.ErrUnsupportedURL):
		return http.StatusUnprocessableEntity
	case errors.Is(err, schema.ErrNotPresent), errors.Is(err, schema.ErrNoInjector):
		return http.StatusBadGateway
	case errors.Is(err, router.ErrClosed):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func decodeJSON(body io.Reader, target any) error {
	decoder := json.NewDecoder(body)
	decoder.DisallowUnknownFields()
	return decoder.Decode(target)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	data, _ := json.Marshal(payload)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(data)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]any{"error": err.Error()})
}
