package main

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"imgd/pkg/types"
)

type enqueueOptions struct {
	req      types.EnqueueRequest
	seed     int64
	wait     bool
	waitFor  time.Duration
	pollEach time.Duration
}

func newEnqueueCmd(root *rootOptions) *cobra.Command {
	opts := &enqueueOptions{}
	var jobType string
	cmd := &cobra.Command{
		Use:   "enqueue",
		Short: "Queue an image job",
		Example: `  imgd enqueue --prompt "a red fox" --size 768x512
  imgd enqueue --type edit --prompt "add a hat" --input ./in.png --strength 0.6 --wait`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.req.Type = types.JobType(jobType)
			if cmd.Flags().Changed("seed") {
				s := opts.seed
				opts.req.Seed = &s
			}
			c := newAPIClient(root.server, root.timeout)
			var job types.Job
			if err := c.do(cmd.Context(), "POST", "/jobs", opts.req, &job); err != nil {
				return err
			}
			if !opts.wait {
				return printJSON(cmd.OutOrStdout(), job)
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), opts.waitFor)
			defer cancel()
			job, err := c.waitJob(ctx, job.ID, opts.pollEach, func(j types.Job) {
				fmt.Fprintf(cmd.ErrOrStderr(), "%s %3.0f%% %s\n", j.Status, j.Progress*100, j.ProgressMessage)
			})
			if err != nil {
				return err
			}
			if err := printJSON(cmd.OutOrStdout(), job); err != nil {
				return err
			}
			if job.Status != types.JobCompleted {
				return fmt.Errorf("job %s %s: %s", job.ID, job.Status, job.Error)
			}
			return nil
		},
	}
	f := cmd.Flags()
	f.StringVar(&jobType, "type", string(types.JobGenerate), "Job type: generate|edit|variation")
	f.StringVarP(&opts.req.Prompt, "prompt", "p", "", "Prompt text")
	f.StringVar(&opts.req.NegativePrompt, "negative", "", "Negative prompt")
	f.StringVarP(&opts.req.Model, "model", "m", "", "Model id (default: type default, then global default)")
	f.StringVar(&opts.req.Size, "size", "", "Image size WxH")
	f.IntVarP(&opts.req.N, "num", "n", 0, "Number of images")
	f.Int64Var(&opts.seed, "seed", 0, "Fixed seed (random when unset)")
	f.StringVar(&opts.req.InputImagePath, "input", "", "Input image path for edit/variation")
	f.StringVar(&opts.req.MaskImagePath, "mask", "", "Mask image path for edit")
	f.Float64Var(&opts.req.Strength, "strength", 0, "Edit strength in [0,1]")
	f.BoolVar(&opts.wait, "wait", false, "Wait for the job to finish")
	f.DurationVar(&opts.waitFor, "wait-timeout", 30*time.Minute, "Maximum time to wait with --wait")
	f.DurationVar(&opts.pollEach, "poll", time.Second, "Poll interval with --wait")
	return cmd
}

func newJobsCmd(root *rootOptions) *cobra.Command {
	cmd := &cobra.Command{Use: "jobs", Short: "Inspect and cancel queued jobs"}

	var status string
	var limit int
	list := &cobra.Command{Use: "list", Short: "List recent jobs", Args: cobra.NoArgs, RunE: func(cmd *cobra.Command, args []string) error {
		q := url.Values{}
		if status != "" {
			q.Set("status", status)
		}
		if limit > 0 {
			q.Set("limit", strconv.Itoa(limit))
		}
		path := "/jobs"
		if len(q) > 0 {
			path += "?" + q.Encode()
		}
		var resp struct {
			Jobs []types.Job `json:"jobs"`
		}
		if err := newAPIClient(root.server, root.timeout).do(cmd.Context(), "GET", path, nil, &resp); err != nil {
			return err
		}
		tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "ID\tTYPE\tMODEL\tSTATUS\tPROGRESS\tCREATED")
		for _, j := range resp.Jobs {
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%.0f%%\t%s\n", j.ID, j.Type, j.Model, j.Status, j.Progress*100, j.CreatedAt.Format(time.RFC3339))
		}
		return tw.Flush()
	}}
	list.Flags().StringVar(&status, "status", "", "Filter by status")
	list.Flags().IntVar(&limit, "limit", 0, "Maximum jobs to list")

	get := &cobra.Command{Use: "get <id>", Short: "Show one job", Args: cobra.ExactArgs(1), RunE: func(cmd *cobra.Command, args []string) error {
		job, err := newAPIClient(root.server, root.timeout).getJob(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), job)
	}}

	cancel := &cobra.Command{Use: "cancel <id>", Short: "Cancel a job", Args: cobra.ExactArgs(1), RunE: func(cmd *cobra.Command, args []string) error {
		var job types.Job
		if err := newAPIClient(root.server, root.timeout).do(cmd.Context(), "POST", "/jobs/"+args[0]+"/cancel", nil, &job); err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), job)
	}}

	current := &cobra.Command{Use: "current", Short: "Show the job being processed", Args: cobra.NoArgs, RunE: func(cmd *cobra.Command, args []string) error {
		var resp types.CurrentJobResponse
		if err := newAPIClient(root.server, root.timeout).do(cmd.Context(), "GET", "/queue/current", nil, &resp); err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), resp)
	}}

	cmd.AddCommand(list, get, cancel, current)
	return cmd
}
