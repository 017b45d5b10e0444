package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/spf13/cobra"

	"pkt.systems/pageview/schema"
)

func newTabsCmd() *cobra.Command {
	var opts clientOptions
	cmd := &cobra.Command{
		Use:   "tabs",
		Short: "List browser tabs",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := opts.client()
			if err != nil {
				return err
			}
			var out struct {
				Tabs []schema.Tab `json:"tabs"`
			}
			if err := client.do(cmd.Context(), http.MethodGet, "/api/tabs", nil, &out); err != nil {
				return err
			}
			return opts.print(cmd.OutOrStdout(), out.Tabs)
		},
	}
	opts.bind(cmd)
	return cmd
}

func newToggleCmd() *cobra.Command {
	var opts clientOptions
	cmd := &cobra.Command{
		Use:   "toggle <tab-id>",
		Short: "Toggle the reading view in a tab",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := opts.client()
			if err != nil {
				return err
			}
			var out map[string]any
			if err := client.do(cmd.Context(), http.MethodPost, "/api/tabs/"+escapePath(args[0])+"/toggle", nil, &out); err != nil {
				return err
			}
			return opts.print(cmd.OutOrStdout(), out)
		},
	}
	opts.bind(cmd)
	return cmd
}

func newSendCmd() *cobra.Command {
	var opts clientOptions
	var tabID string
	var params string
	cmd := &cobra.Command{
		Use:   "send <event>",
		Short: "Post a message to the router",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			msg := schema.Message{Event: schema.EventKind(args[0]), TabID: schema.TabID(tabID)}
			if params != "" {
				if !json.Valid([]byte(params)) {
					return errors.New("params must be valid JSON")
				}
				msg.Params = json.RawMessage(params)
			}
			client, err := opts.client()
			if err != nil {
				return err
			}
			var out any
			if err := client.do(cmd.Context(), http.MethodPost, "/api/message", msg, &out); err != nil {
				return err
			}
			return opts.print(cmd.OutOrStdout(), out)
		},
	}
	opts.bind(cmd)
	cmd.Flags().StringVar(&tabID, "tab", "", "target tab id")
	cmd.Flags().StringVar(&params, "params", "", "message params as JSON")
	return cmd
}

func newDomainCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "domain",
		Short: "Inspect and change per-domain preferences",
	}
	cmd.AddCommand(newDomainListCmd(), newDomainGetCmd(), newDomainSetCmd())
	return cmd
}

func newDomainListCmd() *cobra.Command {
	var opts clientOptions
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List stored domain preferences",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := opts.client()
			if err != nil {
				return err
			}
			var out struct {
				Domains map[schema.Domain]schema.DomainSetting `json:"domains"`
			}
			if err := client.do(cmd.Context(), http.MethodGet, "/api/domains", nil, &out); err != nil {
				return err
			}
			return opts.print(cmd.OutOrStdout(), out.Domains)
		},
	}
	opts.bind(cmd)
	return cmd
}

func newDomainGetCmd() *cobra.Command {
	var opts clientOptions
	cmd := &cobra.Command{
		Use:   "get <domain>",
		Short: "Show the preference for a domain",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := opts.client()
			if err != nil {
				return err
			}
			var out map[string]any
			if err := client.do(cmd.Context(), http.MethodGet, "/api/domains/"+escapePath(args[0]), nil, &out); err != nil {
				return err
			}
			return opts.print(cmd.OutOrStdout(), out)
		},
	}
	opts.bind(cmd)
	return cmd
}

func newDomainSetCmd() *cobra.Command {
	var opts clientOptions
	cmd := &cobra.Command{
		Use:   "set <domain> <allow|deny|unset>",
		Short: "Change the preference for a domain",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			setting, err := schema.ParseDomainSetting(args[1])
			if err != nil {
				return err
			}
			client, err := opts.client()
			if err != nil {
				return err
			}
			var out map[string]any
			body := map[string]string{"setting": string(setting)}
			if err := client.do(cmd.Context(), http.MethodPut, "/api/domains/"+escapePath(args[0]), body, &out); err != nil {
				return err
			}
			return opts.print(cmd.OutOrStdout(), out)
		},
	}
	opts.bind(cmd)
	return cmd
}

func newFlagsCmd() *cobra.Command {
	var opts clientOptions
	cmd := &cobra.Command{
		Use:   "flags [name] [true|false]",
		Short: "List feature flags or set one",
		Args: func(cmd *cobra.Command, args []string) error {
			if len(args) != 0 && len(args) != 2 {
				return fmt.Errorf("expected no arguments or <name> <value>, got %d", len(args))
			}
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := opts.client()
			if err != nil {
				return err
			}
			if len(args) == 0 {
				var out struct {
					Flags map[schema.FeatureFlag]bool `json:"flags"`
				}
				if err := client.do(cmd.Context(), http.MethodGet, "/api/flags", nil, &out); err != nil {
					return err
				}
				return opts.print(cmd.OutOrStdout(), out.Flags)
			}
			value, err := strconv.ParseBool(args[1])
			if err != nil {
				return fmt.Errorf("flag value: %w", err)
			}
			var out map[string]any
			if err := client.do(cmd.Context(), http.MethodPut, "/api/flags/"+escapePath(args[0]), map[string]bool{"value": value}, &out); err != nil {
				return err
			}
			return opts.print(cmd.OutOrStdout(), out)
		},
	}
	opts.bind(cmd)
	return cmd
}
