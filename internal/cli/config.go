package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"brainsched/internal/app"
	"brainsched/internal/config"
)

const redacted = "[redacted]"

// AddConfigCommand adds the config command group to the root command.
func AddConfigCommand(root *cobra.Command, g *GlobalFlags) {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Check and show the config file",
	}
	cmd.AddCommand(newConfigValidateCmd(g), newConfigShowCmd(g))
	root.AddCommand(cmd)
}

func newConfigValidateCmd(g *GlobalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "validate [path]",
		Short: "Check a config file without starting anything",
		Long: `Check a config file without starting anything. Every problem is
reported, not just the first. Defaults to --config.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := g.Config
			if len(args) == 1 {
				path = args[0]
			}
			cfg, err := config.NewManager(path).Parse()
			if err == nil {
				err = app.Validate(cfg)
			}
			if g.Output == OutputJSON {
				out := map[string]any{"path": path, "valid": err == nil}
				if err != nil {
					out["error"] = err.Error()
				}
				if werr := writeJSON(cmd.OutOrStdout(), out); werr != nil {
					return werr
				}
				return err
			}
			if err != nil {
				return fmt.Errorf("%s: %w", path, err)
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "%s: ok\n", path)
			return err
		},
	}
}

func newConfigShowCmd(g *GlobalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Print the config file with secrets redacted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.NewManager(g.Config).Parse()
			if err != nil {
				return err
			}
			redactSecrets(cfg)
			name := g.Config
			if g.Output == OutputJSON {
				name = "config.json"
			}
			data, err := config.Encode(name, cfg)
			if err != nil {
				return err
			}
			_, err = cmd.OutOrStdout().Write(data)
			return err
		},
	}
}

func redactSecrets(cfg *config.Config) {
	if cfg.Telegram.Token != "" {
		cfg.Telegram.Token = redacted
	}
	if cfg.Debug.Token != "" {
		cfg.Debug.Token = redacted
	}
}
