package executor

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog"

	"imgd/pkg/types"
)

const defaultHTTPTimeout = 10 * time.Minute

var endpointByType = map[types.JobType]string{
	types.JobGenerate:  "/images/generations",
	types.JobEdit:      "/images/edits",
	types.JobVariation: "/images/variations",
}

// HTTPExecutor talks to OpenAI-compatible image endpoints.
type HTTPExecutor struct {
	client *resty.Client
	log    zerolog.Logger
}

func NewHTTPExecutor(timeout time.Duration, log zerolog.Logger) *HTTPExecutor {
	if timeout <= 0 {
		timeout = defaultHTTPTimeout
	}
	c := resty.New().
		SetTimeout(timeout).
		SetRetryCount(0).
		SetHeader("Accept", "application/json")
	return &HTTPExecutor{client: c, log: log.With().Str("transport", "http").Logger()}
}

type imageResponse struct {
	Created int64 `json:"created"`
	Data    []struct {
		B64JSON       string `json:"b64_json"`
		URL           string `json:"url"`
		RevisedPrompt string `json:"revised_prompt"`
	} `json:"data"`
}

func (h *HTTPExecutor) Execute(ctx context.Context, target Target, job types.Job, progress ProgressFunc) (Result, error) {
	base := strings.TrimSuffix(target.baseURL(), "/")
	if base == "" {
		return Result{}, fmt.Errorf("model %s has no api url", target.Model.ID)
	}
	endpoint := base + endpointByType[job.Type]
	params := mergeParams(target.Model, job)
	if _, ok := params["model"]; !ok {
		params["model"] = target.Model.ID
	}
	params["response_format"] = "b64_json"

	req := h.client.R().SetContext(ctx)
	if key := strings.TrimSpace(target.Model.APIKey); key != "" {
		req.SetAuthToken(key)
	}
	if job.Type == types.JobGenerate {
		req.SetHeader("Content-Type", "application/json").SetBody(params)
	} else if err := h.multipart(req, job, params); err != nil {
		return Result{}, err
	}

	h.log.Debug().Str("job", job.ID).Str("endpoint", endpoint).Str("model", target.Model.ID).Msg("calling backend")
	progress(ProgressGenerating, "Generating")
	resp, err := req.Post(endpoint)
	if err != nil {
		return Result{}, fmt.Errorf("image request to %s failed: %w", endpoint, err)
	}
	body := resp.Body()
	if resp.StatusCode() < 200 || resp.StatusCode() >= 300 {
		return Result{}, transportError{transport: "http", status: resp.StatusCode(), body: string(body)}
	}
	var parsed imageResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return Result{}, fmt.Errorf("parse image response: %w", err)
	}
	if len(parsed.Data) == 0 {
		return Result{}, fmt.Errorf("backend returned no images")
	}
	images := make([]types.Image, 0, len(parsed.Data))
	for i, d := range parsed.Data {
		data, err := h.imageBytes(ctx, d.B64JSON, d.URL)
		if err != nil {
			return Result{}, fmt.Errorf("image %d: %w", i, err)
		}
		images = append(images, types.Image{Data: data, ContentType: mimetype.Detect(data).String(), RevisedPrompt: d.RevisedPrompt})
	}
	return Result{Images: images, Params: params}, nil
}

// multipart attaches the input image (and mask for edits) plus every
// parameter as a form field.
func (h *HTTPExecutor) multipart(req *resty.Request, job types.Job, params map[string]any) error {
	if job.InputImagePath == "" {
		return fmt.Errorf("%s job requires an input image", job.Type)
	}
	if err := attachFile(req, "image", job.InputImagePath); err != nil {
		return err
	}
	if job.Type == types.JobEdit && job.MaskImagePath != "" {
		if err := attachFile(req, "mask", job.MaskImagePath); err != nil {
			return err
		}
	}
	fields := make(map[string]string, len(params))
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if job.Type == types.JobVariation && (k == "prompt" || k == "negative_prompt") && formatParam(params[k]) == "" {
			continue
		}
		fields[k] = formatParam(params[k])
	}
	req.SetFormData(fields)
	return nil
}

func attachFile(req *resty.Request, field, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read %s image: %w", field, err)
	}
	mt := mimetype.Detect(data)
	name := field + mt.Extension()
	if mt.Extension() == "" {
		name = filepath.Base(path)
	}
	req.SetMultipartField(field, name, mt.String(), bytes.NewReader(data))
	return nil
}

func (h *HTTPExecutor) imageBytes(ctx context.Context, b64, url string) ([]byte, error) {
	if b64 != "" {
		data, err := base64.StdEncoding.DecodeString(b64)
		if err != nil {
			return nil, fmt.Errorf("decode b64_json: %w", err)
		}
		return data, nil
	}
	if url == "" {
		return nil, fmt.Errorf("response item has neither b64_json nor url")
	}
	resp, err := h.client.R().SetContext(ctx).SetHeader("Accept", "*/*").Get(url)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", url, err)
	}
	if !resp.IsSuccess() {
		return nil, transportError{transport: "http", status: resp.StatusCode(), body: string(resp.Body())}
	}
	return resp.Body(), nil
}
