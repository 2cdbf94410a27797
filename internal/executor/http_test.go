package executor

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rs/zerolog"

	"imgd/pkg/types"
)

// pngBytes is enough of a PNG for content sniffing.
var pngBytes = []byte("\x89PNG\r\n\x1a\n\x00\x00\x00\rIHDR0000")

func b64PNG() string { return base64.StdEncoding.EncodeToString(pngBytes) }

func writePNG(t *testing.T, name string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(p, pngBytes, 0o644); err != nil {
		t.Fatalf("write %s: %v", p, err)
	}
	return p
}

func newTestDispatcher() *Dispatcher {
	d := NewDispatcher(Config{Logger: zerolog.Nop()})
	d.Seeds = func() int64 { return 1234 }
	return d
}

func TestDispatchGenerateOverHTTP(t *testing.T) {
	var body map[string]any
	var auth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/images/generations" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		auth = r.Header.Get("Authorization")
		_ = json.NewDecoder(r.Body).Decode(&body)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"created":1,"data":[{"b64_json":"` + b64PNG() + `","revised_prompt":"a cat, detailed"}]}`))
	}))
	defer srv.Close()

	mdl := types.ModelDescriptor{
		ID: "remote", ExecMode: types.ExecAPI, API: srv.URL + "/v1", APIKey: "sk-test",
		GenerationParams: map[string]any{"steps": 20, "prompt": "ignored default", "model": "sdxl-turbo"},
	}
	var milestones []float64
	res, err := newTestDispatcher().Dispatch(context.Background(), Target{Model: mdl},
		types.Job{ID: "j1", Type: types.JobGenerate, Prompt: "a cat", Size: "512x512"},
		func(f float64, _ string) { milestones = append(milestones, f) })
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if auth != "Bearer sk-test" {
		t.Fatalf("auth header %q", auth)
	}
	if body["prompt"] != "a cat" || body["steps"] != float64(20) || body["seed"] != float64(1234) || body["model"] != "sdxl-turbo" {
		t.Fatalf("request body: %v", body)
	}
	if body["response_format"] != "b64_json" || body["size"] != "512x512" {
		t.Fatalf("request body: %v", body)
	}
	if res.Seed != 1234 || len(res.Images) != 1 {
		t.Fatalf("result: %+v", res)
	}
	if res.Images[0].ContentType != "image/png" || res.Images[0].RevisedPrompt != "a cat, detailed" {
		t.Fatalf("image: %+v", res.Images[0])
	}
	if len(milestones) != 2 || milestones[0] != ProgressPreparing || milestones[1] != ProgressGenerating {
		t.Fatalf("milestones: %v", milestones)
	}
}

func TestDispatchHTTPErrorCarriesBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte(`{"error":"CUDA out of memory"}`))
	}))
	defer srv.Close()
	mdl := types.ModelDescriptor{ID: "s", ExecMode: types.ExecServer, API: srv.URL}
	_, err := newTestDispatcher().Dispatch(context.Background(), Target{Model: mdl}, types.Job{Type: types.JobGenerate, Prompt: "x"}, nil)
	if !IsTransportError(err) {
		t.Fatalf("expected transport error, got %v", err)
	}
	if code, _ := TransportStatus(err); code != 500 {
		t.Fatalf("status %d", code)
	}
	if !strings.Contains(err.Error(), "CUDA out of memory") {
		t.Fatalf("body not carried: %v", err)
	}
}

func TestDispatchHTTPErrorKeepsLongBody(t *testing.T) {
	trace := `{"error":"` + strings.Repeat("frame;", 2000) + `end of trace"}`
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		_, _ = w.Write([]byte(trace))
	}))
	defer srv.Close()
	mdl := types.ModelDescriptor{ID: "s", ExecMode: types.ExecServer, API: srv.URL}
	_, err := newTestDispatcher().Dispatch(context.Background(), Target{Model: mdl}, types.Job{Type: types.JobGenerate, Prompt: "x"}, nil)
	if !IsTransportError(err) || !strings.HasSuffix(err.Error(), trace) {
		t.Fatalf("response body truncated or missing: %.120s...", err)
	}
}

func TestDispatchEditUsesMultipart(t *testing.T) {
	input := writePNG(t, "in.png")
	mask := writePNG(t, "mask.png")
	var fields map[string]string
	var files []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/images/edits" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			t.Errorf("parse multipart: %v", err)
		}
		fields = map[string]string{}
		for k, v := range r.MultipartForm.Value {
			fields[k] = v[0]
		}
		for k := range r.MultipartForm.File {
			files = append(files, k)
		}
		_, _ = w.Write([]byte(`{"data":[{"b64_json":"` + b64PNG() + `"}]}`))
	}))
	defer srv.Close()

	mdl := types.ModelDescriptor{ID: "s", ExecMode: types.ExecServer, API: "http://unused"}
	job := types.Job{Type: types.JobEdit, Prompt: "add a hat", InputImagePath: input, MaskImagePath: mask, Strength: 0.6}
	res, err := newTestDispatcher().Dispatch(context.Background(), Target{Model: mdl, BaseURL: srv.URL}, job, nil)
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if len(files) != 2 {
		t.Fatalf("want image and mask parts, got %v", files)
	}
	if fields["prompt"] != "add a hat" || fields["strength"] != "0.6" || fields["seed"] != "1234" {
		t.Fatalf("fields: %v", fields)
	}
	if len(res.Images) != 1 {
		t.Fatalf("images: %d", len(res.Images))
	}
}

func TestDispatchVariationRequiresInput(t *testing.T) {
	mdl := types.ModelDescriptor{ID: "s", ExecMode: types.ExecServer, API: "http://127.0.0.1:1"}
	_, err := newTestDispatcher().Dispatch(context.Background(), Target{Model: mdl}, types.Job{Type: types.JobVariation}, nil)
	if err == nil || !strings.Contains(err.Error(), "input image") {
		t.Fatalf("expected input image error, got %v", err)
	}
}

func TestHTTPFetchesURLImages(t *testing.T) {
	mux := http.NewServeMux()
	srv := httptest.NewServer(mux)
	defer srv.Close()
	mux.HandleFunc("/images/generations", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"data":[{"url":"` + srv.URL + `/out.png"}]}`))
	})
	mux.HandleFunc("/out.png", func(w http.ResponseWriter, r *http.Request) { _, _ = w.Write(pngBytes) })

	mdl := types.ModelDescriptor{ID: "s", ExecMode: types.ExecServer, API: srv.URL}
	res, err := newTestDispatcher().Dispatch(context.Background(), Target{Model: mdl}, types.Job{Type: types.JobGenerate, Prompt: "x"}, nil)
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if string(res.Images[0].Data) != string(pngBytes) {
		t.Fatalf("url image not fetched")
	}
}

func TestDispatchUnknownTypeAndPinnedSeed(t *testing.T) {
	d := newTestDispatcher()
	_, err := d.Dispatch(context.Background(), Target{}, types.Job{Type: "bogus"}, nil)
	if !IsUnknownJobType(err) || err.Error() != "Unknown job type: bogus" {
		t.Fatalf("got %v", err)
	}
	var seen any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var b map[string]any
		_ = json.NewDecoder(r.Body).Decode(&b)
		seen = b["seed"]
		_, _ = w.Write([]byte(`{"data":[{"b64_json":"` + b64PNG() + `"}]}`))
	}))
	defer srv.Close()
	seed := int64(77)
	res, err := d.Dispatch(context.Background(), Target{Model: types.ModelDescriptor{ID: "s", ExecMode: types.ExecServer, API: srv.URL}},
		types.Job{Type: types.JobGenerate, Prompt: "x", Seed: &seed}, nil)
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if res.Seed != 77 || seen != float64(77) {
		t.Fatalf("pinned seed not used: result=%d sent=%v", res.Seed, seen)
	}
}

func TestParseSize(t *testing.T) {
	if w, h, err := ParseSize("768x512"); err != nil || w != 768 || h != 512 {
		t.Fatalf("got %d %d %v", w, h, err)
	}
	if w, h, err := ParseSize(""); err != nil || w != 0 || h != 0 {
		t.Fatalf("empty size should be unset")
	}
	for _, bad := range []string{"512", "ax512", "512x0"} {
		if _, _, err := ParseSize(bad); err == nil {
			t.Fatalf("expected error for %q", bad)
		}
	}
}
