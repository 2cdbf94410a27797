package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"

	"imgd/pkg/types"
)

// apiClient talks to a running daemon's ops API.
type apiClient struct {
	http *resty.Client
}

func newAPIClient(baseURL string, timeout time.Duration) *apiClient {
	return &apiClient{
		http: resty.New().
			SetBaseURL(strings.TrimRight(baseURL, "/")).
			SetTimeout(timeout).
			SetHeader("Accept", "application/json").
			SetHeader("User-Agent", "imgd-cli/"+version),
	}
}

func (c *apiClient) do(ctx context.Context, method, path string, body, out any) error {
	var apiErr types.ErrorResponse
	req := c.http.R().SetContext(ctx).SetError(&apiErr)
	if body != nil {
		req.SetHeader("Content-Type", "application/json").SetBody(body)
	}
	if out != nil {
		req.SetResult(out)
	}
	resp, err := req.Execute(method, path)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	if resp.IsError() {
		if apiErr.Error != "" {
			return fmt.Errorf("%s (HTTP %d)", apiErr.Error, resp.StatusCode())
		}
		return fmt.Errorf("%s %s: HTTP %d", method, path, resp.StatusCode())
	}
	return nil
}

func (c *apiClient) getJob(ctx context.Context, id string) (types.Job, error) {
	var job types.Job
	err := c.do(ctx, "GET", "/jobs/"+id, nil, &job)
	return job, err
}

// waitJob polls until the job reaches a terminal state or ctx ends.
func (c *apiClient) waitJob(ctx context.Context, id string, every time.Duration, onUpdate func(types.Job)) (types.Job, error) {
	t := time.NewTicker(every)
	defer t.Stop()
	var last types.Job
	for {
		job, err := c.getJob(ctx, id)
		if err != nil {
			return last, err
		}
		if onUpdate != nil && (job.Status != last.Status || job.Progress != last.Progress) {
			onUpdate(job)
		}
		last = job
		if job.Status.Terminal() {
			return job, nil
		}
		select {
		case <-ctx.Done():
			return last, ctx.Err()
		case <-t.C:
		}
	}
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
