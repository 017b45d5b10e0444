package main

import (
	"github.com/spf13/cobra"

	"pkt.systems/pageview/bootstrap"
	"pkt.systems/pslog"
)

func newInitConfigCmd() *cobra.Command {
	var output string
	var bundleDir string
	var imageTag string
	var sets []string
	var overwrite bool
	cmd := &cobra.Command{
		Use:   "init-config",
		Short: "Write the default config, or a container bundle with --bundle",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := pslog.Ctx(cmd.Context())
			overrides := make([]bootstrap.ConfigOverride, 0, len(sets))
			for _, raw := range sets {
				override, err := bootstrap.ParseOverride(raw)
				if err != nil {
					return err
				}
				overrides = append(overrides, override)
			}
			if bundleDir != "" {
				paths, err := bootstrap.WriteBundle(bundleDir, overwrite, bootstrap.Options{
					ImageTag:  imageTag,
					Overrides: overrides,
				})
				if err != nil {
					return err
				}
				logger.Info("bootstrap wrote", "path", paths.ConfigPath, "name", "config-for-container.yaml")
				logger.Info("bootstrap wrote", "path", paths.ComposePath, "name", "docker-compose.yaml")
				logger.Info("bootstrap wrote", "path", paths.StateDir, "name", "state/")
				return nil
			}
			path, err := bootstrap.WriteHostConfig(output, overwrite, overrides)
			if err != nil {
				return err
			}
			logger.Info("config wrote", "path", path)
			return nil
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", "", "config file path")
	cmd.Flags().StringVar(&bundleDir, "bundle", "", "write a docker compose bundle into this directory")
	cmd.Flags().StringVar(&imageTag, "image-tag", "", "daemon image tag for the bundle")
	cmd.Flags().StringArrayVar(&sets, "set", nil, "config override as path=value (repeatable)")
	cmd.Flags().BoolVar(&overwrite, "force", false, "overwrite existing files")
	return cmd
}
