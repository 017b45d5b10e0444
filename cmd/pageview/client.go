package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"pkt.systems/pageview/internal/appconfig"
)

// daemonClient talks to a running daemon's HTTP API.
type daemonClient struct {
	baseURL string
	http    *http.Client
}

func newDaemonClient(baseURL string) *daemonClient {
	return &daemonClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: 60 * time.Second},
	}
}

type apiError struct {
	Status  int
	Message string
}

func (e *apiError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("daemon returned %d", e.Status)
	}
	return fmt.Sprintf("daemon returned %d: %s", e.Status, e.Message)
}

func (c *daemonClient) do(ctx context.Context, method, path string, body any, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode >= 300 {
		var payload struct {
			Error string `json:"error"`
		}
		_ = json.NewDecoder(io.LimitReader(resp.Body, 64*1024)).Decode(&payload)
		return &apiError{Status: resp.StatusCode, Message: payload.Error}
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func escapePath(value string) string {
	return url.PathEscape(strings.TrimSpace(value))
}

// clientOptions are shared by every command that calls the daemon.
type clientOptions struct {
	cfgPath string
	server  string
	format  string
}

func (o *clientOptions) bind(cmd *cobra.Command) {
	cmd.Flags().StringVarP(&o.cfgPath, "config", "c", "", "path to config file")
	cmd.Flags().StringVar(&o.server, "server", "", "daemon base URL (defaults to the configured address)")
	cmd.Flags().StringVarP(&o.format, "output", "o", "yaml", "output format: yaml or json")
}

func (o *clientOptions) client() (*daemonClient, error) {
	if strings.TrimSpace(o.server) != "" {
		return newDaemonClient(o.server), nil
	}
	cfg, err := appconfig.Load(o.cfgPath)
	if err != nil {
		return nil, err
	}
	return newDaemonClient(cfg.HTTP.PublicBaseURL()), nil
}

func (o *clientOptions) print(w io.Writer, value any) error {
	return writeValue(w, o.format, value)
}

func writeValue(w io.Writer, format string, value any) error {
	switch strings.ToLower(strings.TrimSpace(format)) {
	case "", "yaml":
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(value); err != nil {
			return err
		}
		return enc.Close()
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(value)
	default:
		return errors.New("output must be yaml or json")
	}
}
