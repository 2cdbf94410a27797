package executor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/rs/zerolog"

	"imgd/internal/common/fsutil"
	"imgd/pkg/types"
)

// cliOutputTail bounds how much command output a failed job error carries.
const cliOutputTail = 2048

// flagsFromJob are generation params already expressed by dedicated flags.
var flagsFromJob = map[string]bool{
	"prompt": true, "negative_prompt": true, "size": true, "n": true, "seed": true, "strength": true,
	"model": true, "response_format": true,
}

// CLIExecutor runs one backend binary invocation per job, in the
// stable-diffusion.cpp flag convention.
type CLIExecutor struct {
	workDir string
	log     zerolog.Logger
}

func NewCLIExecutor(workDir string, log zerolog.Logger) *CLIExecutor {
	return &CLIExecutor{workDir: workDir, log: log.With().Str("transport", "cli").Logger()}
}

func (c *CLIExecutor) Execute(ctx context.Context, target Target, job types.Job, progress ProgressFunc) (Result, error) {
	mdl := target.Model
	dir, cleanup, err := fsutil.ScratchDir(c.workDir, "imgd-job-")
	if err != nil {
		return Result{}, err
	}
	defer cleanup()

	var res Result
	img2img := job.Type != types.JobGenerate
	if img2img && !mdl.HasCapability(types.CapImageToImage) {
		img2img = false
		res.Fallback = true
		res.Warnings = append(res.Warnings, fmt.Sprintf("model %s lacks %s support; %s ran as text-to-image generation", mdl.ID, types.CapImageToImage, job.Type))
	}
	if img2img {
		if job.InputImagePath == "" {
			return Result{}, fmt.Errorf("%s job requires an input image", job.Type)
		}
		if !fsutil.PathExists(job.InputImagePath) {
			return Result{}, fmt.Errorf("input image not found: %s", job.InputImagePath)
		}
	}

	args, params, err := buildCLIArgs(mdl, job, filepath.Join(dir, "output.png"), img2img)
	if err != nil {
		return Result{}, err
	}
	// Runs in the daemon's working directory so relative commands and
	// model paths resolve the same way they do for spawned servers.
	cmd := exec.CommandContext(ctx, mdl.Command, args...)
	cmd.WaitDelay = 2 * time.Second
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out

	c.log.Info().Str("job", job.ID).Str("model", mdl.ID).Str("command", mdl.Command).Strs("args", args).Msg("running backend command")
	progress(ProgressGenerating, "Generating")
	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return Result{}, ctx.Err()
		}
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return Result{}, transportError{transport: "cli", status: exitErr.ExitCode(), body: tail(out.String(), cliOutputTail)}
		}
		return Result{}, fmt.Errorf("run %s: %w", mdl.Command, err)
	}

	files, err := fsutil.FilesWithExt(dir, ".png", ".jpg", ".jpeg", ".webp")
	if err != nil {
		return Result{}, err
	}
	if len(files) == 0 {
		return Result{}, fmt.Errorf("backend command produced no image; output: %s", tail(out.String(), cliOutputTail))
	}
	for _, f := range files {
		data, err := os.ReadFile(f)
		if err != nil {
			return Result{}, fmt.Errorf("read output %s: %w", filepath.Base(f), err)
		}
		res.Images = append(res.Images, types.Image{Data: data, ContentType: mimetype.Detect(data).String()})
	}
	res.Params = params
	return res, nil
}

// buildCLIArgs renders the descriptor args followed by per-job flags.
func buildCLIArgs(mdl types.ModelDescriptor, job types.Job, outPath string, img2img bool) ([]string, map[string]any, error) {
	w, h, err := ParseSize(job.Size)
	if err != nil {
		return nil, nil, err
	}
	r := strings.NewReplacer("{model.id}", mdl.ID)
	args := make([]string, 0, len(mdl.Args)+16)
	for _, a := range mdl.Args {
		args = append(args, r.Replace(a))
	}
	args = append(args, "-p", job.Prompt)
	if job.NegativePrompt != "" {
		args = append(args, "-n", job.NegativePrompt)
	}
	if w > 0 {
		args = append(args, "-W", strconv.Itoa(w), "-H", strconv.Itoa(h))
	}
	if job.Seed != nil {
		args = append(args, "-s", strconv.FormatInt(*job.Seed, 10))
	}
	if job.N > 1 {
		args = append(args, "-b", strconv.Itoa(job.N))
	}
	if img2img {
		args = append(args, "-i", job.InputImagePath)
		if job.Type == types.JobEdit && job.MaskImagePath != "" {
			args = append(args, "--mask", job.MaskImagePath)
		}
		if job.Strength > 0 {
			args = append(args, "--strength", formatParam(job.Strength))
		}
	}
	args = append(args, "-o", outPath)

	params := mergeParams(mdl, job)
	keys := make([]string, 0, len(mdl.GenerationParams))
	for k := range mdl.GenerationParams {
		if !flagsFromJob[k] {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	for _, k := range keys {
		v := mdl.GenerationParams[k]
		flag := "--" + strings.ReplaceAll(k, "_", "-")
		switch b := v.(type) {
		case bool:
			if b {
				args = append(args, flag)
			}
			continue
		case nil:
			continue
		}
		args = append(args, flag, formatParam(v))
	}
	if !img2img {
		delete(params, "strength")
	}
	return args, params, nil
}

func tail(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}
