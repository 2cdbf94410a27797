package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"imgd/pkg/types"
)

func newModelsCmd(root *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "models",
		Short: "List configured models and their process status",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var resp types.ModelsResponse
			if err := newAPIClient(root.server, root.timeout).do(cmd.Context(), "GET", "/models", nil, &resp); err != nil {
				return err
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tMODE\tSTATUS\tPORT\tDEFAULT")
			for _, m := range resp.Models {
				def := ""
				if m.ID == resp.DefaultModel {
					def = "*"
				}
				port := "-"
				if m.LivePort > 0 {
					port = fmt.Sprint(m.LivePort)
				}
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", m.ID, m.ExecMode, m.Status, port, def)
			}
			return tw.Flush()
		},
	}

	status := &cobra.Command{Use: "status <id>", Short: "Show the supervised process for a model", Args: cobra.ExactArgs(1), RunE: func(cmd *cobra.Command, args []string) error {
		var st types.ModelStatusResponse
		if err := newAPIClient(root.server, root.timeout).do(cmd.Context(), "GET", "/models/"+args[0], nil, &st); err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), st)
	}}
	start := &cobra.Command{Use: "start <id>", Short: "Start a server model and wait until it is ready", Args: cobra.ExactArgs(1), RunE: func(cmd *cobra.Command, args []string) error {
		var st types.ModelStatusResponse
		if err := newAPIClient(root.server, root.timeout).do(cmd.Context(), "POST", "/models/"+args[0]+"/start", nil, &st); err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), st)
	}}
	var force bool
	stop := &cobra.Command{Use: "stop <id>", Short: "Stop a model's process", Args: cobra.ExactArgs(1), RunE: func(cmd *cobra.Command, args []string) error {
		path := "/models/" + args[0] + "/stop"
		if force {
			path += "?force=1"
		}
		var st types.ModelStatusResponse
		if err := newAPIClient(root.server, root.timeout).do(cmd.Context(), "POST", path, nil, &st); err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), st)
	}}
	stop.Flags().BoolVar(&force, "force", false, "Send SIGKILL immediately")

	cleanup := &cobra.Command{Use: "cleanup", Short: "Forget backends that exited on their own", Args: cobra.NoArgs, RunE: func(cmd *cobra.Command, args []string) error {
		var resp types.CleanupResponse
		if err := newAPIClient(root.server, root.timeout).do(cmd.Context(), "POST", "/models/cleanup", nil, &resp); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "removed %d exited process record(s)\n", resp.Removed)
		return nil
	}}

	cmd.AddCommand(status, start, stop, cleanup)
	return cmd
}
