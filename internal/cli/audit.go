package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"brainsched/internal/app"
)

func newAuditCmd(g *GlobalFlags) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Show recent operator actions, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			w := cmd.OutOrStdout()
			return withApp(g, func(a *app.App) error {
				entries, err := a.Control().Audit(cmd.Context(), limit)
				if err != nil {
					return err
				}
				views := make([]auditView, 0, len(entries))
				for _, e := range entries {
					views = append(views, newAuditView(e))
				}
				if g.Output == OutputJSON {
					return writeJSON(w, views)
				}
				if len(views) == 0 {
					_, _ = fmt.Fprintln(w, "No audit entries.")
					return nil
				}
				_, _ = fmt.Fprintf(w, "%-20s  %-10s  %-18s  %-36s  %-4s  %s\n", "AT", "ACTOR", "ACTION", "TARGET", "OK", "ERROR")
				for _, v := range views {
					_, _ = fmt.Fprintf(w, "%-20s  %-10s  %-18s  %-36s  %-4t  %s\n",
						v.At.Local().Format("2006-01-02 15:04:05"), truncate(v.Actor, 10), v.Action,
						truncate(v.Target, 36), v.OK, truncate(v.Error, 60))
				}
				return nil
			})
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 50, "maximum entries to show")
	return cmd
}
