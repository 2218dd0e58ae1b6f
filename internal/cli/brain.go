package cli

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"brainsched/internal/app"
	"brainsched/internal/config"
)

// AddBrainCommand adds the brain command group to the root command.
func AddBrainCommand(root *cobra.Command, g *GlobalFlags) {
	cmd := &cobra.Command{
		Use:   "brain",
		Short: "Inspect and steer brains",
	}
	cmd.AddCommand(newBrainListCmd(g), newBrainAutoCmd(g), newBrainRunCmd(g))
	root.AddCommand(cmd)
}

func newBrainListCmd(g *GlobalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List configured brains",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			w := cmd.OutOrStdout()
			return withApp(g, func(a *app.App) error {
				brains := a.Control().Brains()
				if g.Output == OutputJSON {
					return writeJSON(w, brains)
				}
				if len(brains) == 0 {
					_, _ = fmt.Fprintln(w, "No brains configured.")
					return nil
				}
				_, _ = fmt.Fprintf(w, "%-16s  %-20s  %-5s  %-10s  %s\n", "ID", "NAME", "AUTO", "STATUS", "STRATEGY")
				for _, b := range brains {
					_, _ = fmt.Fprintf(w, "%-16s  %-20s  %-5t  %-10s  %s\n",
						truncate(b.ID, 16), truncate(b.Name, 20), b.AutoMode, b.Status, b.Strategy)
				}
				return nil
			})
		},
	}
}

func newBrainAutoCmd(g *GlobalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "auto <id> <on|off>",
		Short: "Switch a brain's auto mode",
		Long: `Switch a brain's auto mode. The change is written to the config file so
a running daemon picks it up on its next reload.`,
		Args:      cobra.ExactArgs(2),
		ValidArgs: []string{"on", "off"},
		RunE: func(cmd *cobra.Command, args []string) error {
			var on bool
			switch strings.ToLower(args[1]) {
			case "on", "true", "1":
				on = true
			case "off", "false", "0":
			default:
				return fmt.Errorf("auto mode must be on or off, got %q", args[1])
			}
			id := args[0]
			err := withApp(g, func(a *app.App) error {
				return a.Control().SetAutoMode(cmd.Context(), actor, id, on)
			})
			if err != nil {
				return err
			}
			if err := setBrainAutoMode(g.Config, id, on); err != nil {
				return err
			}
			if g.Output == OutputJSON {
				return writeJSON(cmd.OutOrStdout(), map[string]any{"id": id, "autoMode": on})
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "%s auto mode %s\n", id, strings.ToLower(args[1]))
			return err
		},
	}
}

// setBrainAutoMode rewrites the config file with one brain's auto_mode
// changed. The write goes through a temp file and rename so the watcher
// never sees a half-written file.
func setBrainAutoMode(path, id string, on bool) error {
	cfg, err := config.NewManager(path).Parse()
	if err != nil {
		return err
	}
	found := false
	for i := range cfg.Brains {
		if strings.TrimSpace(cfg.Brains[i].ID) == id {
			cfg.Brains[i].AutoMode = on
			found = true
		}
	}
	if !found {
		return fmt.Errorf("brain %q is not in %s", id, path)
	}
	data, err := config.Encode(path, cfg)
	if err != nil {
		return err
	}
	return writeFileAtomic(path, data)
}

func writeFileAtomic(path string, data []byte) error {
	mode := os.FileMode(0o600)
	if st, err := os.Stat(path); err == nil {
		mode = st.Mode().Perm()
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*")
	if err != nil {
		return err
	}
	defer func() { _ = os.Remove(tmp.Name()) }()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Chmod(mode); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}

func newBrainRunCmd(g *GlobalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "run <id>",
		Short: "Run one pass of a brain, ignoring auto mode",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			w := cmd.OutOrStdout()
			return withDelivery(cmd.Context(), g, func(a *app.App) error {
				res, err := a.Control().ForceRun(cmd.Context(), actor, args[0])
				if err != nil {
					return err
				}
				if g.Output == OutputJSON {
					return writeJSON(w, map[string]int{"executed": res.Executed, "failed": res.Failed, "skipped": res.Skipped})
				}
				_, err = fmt.Fprintf(w, "executed %d, failed %d, skipped %d\n", res.Executed, res.Failed, res.Skipped)
				return err
			})
		},
	}
}
