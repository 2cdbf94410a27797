package registry

import (
	"reflect"
	"testing"

	"github.com/rs/zerolog"

	"imgd/pkg/types"
)

func TestNormalize_DefaultsForInvalidModes(t *testing.T) {
	m, err := normalizeModel("x", map[string]any{
		"name":      "X",
		"exec_mode": "quantum",
		"mode":      "sometimes",
		"command":   "./x",
	}, zerolog.Nop())
	if err != nil {
		t.Fatalf("normalize: %v", err)
	}
	if m.ExecMode != types.ExecServer || m.LoadMode != types.LoadOnDemand {
		t.Fatalf("unexpected modes: %s %s", m.ExecMode, m.LoadMode)
	}
}

func TestNormalize_PreloadAndUppercaseModes(t *testing.T) {
	m, err := normalizeModel("x", map[string]any{
		"name":      "X",
		"exec_mode": "CLI",
		"load_mode": "PRELOAD",
		"command":   "./sd",
	}, zerolog.Nop())
	if err != nil {
		t.Fatalf("normalize: %v", err)
	}
	if m.ExecMode != types.ExecCLI || m.LoadMode != types.LoadPreload {
		t.Fatalf("unexpected modes: %s %s", m.ExecMode, m.LoadMode)
	}
}

func TestNormalize_CoercesScalarArgsAndCapabilities(t *testing.T) {
	m, err := normalizeModel("x", map[string]any{
		"name":         "X",
		"exec_mode":    "cli",
		"command":      "./sd",
		"args":         "--verbose",
		"capabilities": "image-to-image",
	}, zerolog.Nop())
	if err != nil {
		t.Fatalf("normalize: %v", err)
	}
	if !reflect.DeepEqual(m.Args, []string{"--verbose"}) {
		t.Fatalf("args=%v", m.Args)
	}
	if !reflect.DeepEqual(m.Capabilities, []string{types.CapImageToImage}) {
		t.Fatalf("caps=%v", m.Capabilities)
	}
}

func TestNormalize_InfersCapabilitiesFromModelType(t *testing.T) {
	m, err := normalizeModel("x", map[string]any{"name": "X", "command": "./s", "model_type": "both"}, zerolog.Nop())
	if err != nil {
		t.Fatalf("normalize: %v", err)
	}
	if !m.HasCapability(types.CapTextToImage) || !m.HasCapability(types.CapImageToImage) {
		t.Fatalf("caps=%v", m.Capabilities)
	}
	m, _ = normalizeModel("y", map[string]any{"name": "Y", "command": "./s"}, zerolog.Nop())
	if !reflect.DeepEqual(m.Capabilities, []string{types.CapTextToImage}) {
		t.Fatalf("default caps=%v", m.Capabilities)
	}
}

func TestNormalize_DerivesAPIAndInjectsListenArgs(t *testing.T) {
	m, err := normalizeModel("s", map[string]any{
		"name":    "S",
		"command": "./sd-server",
		"port":    8001,
		"args":    []any{"-m", "model.safetensors"},
	}, zerolog.Nop())
	if err != nil {
		t.Fatalf("normalize: %v", err)
	}
	if m.API != "http://127.0.0.1:8001/v1" || !m.APIDerived {
		t.Fatalf("api=%q derived=%v", m.API, m.APIDerived)
	}
	want := []string{"-m", "model.safetensors", "--listen-ip", "127.0.0.1", "--listen-port", "{port}"}
	if !reflect.DeepEqual(m.Args, want) {
		t.Fatalf("args=%v want %v", m.Args, want)
	}
	if again := injectListenArgs(m.Args); !reflect.DeepEqual(again, want) {
		t.Fatalf("injection not idempotent: %v", again)
	}
}

func TestNormalize_KeepsExplicitPortFlagAndAPI(t *testing.T) {
	m, err := normalizeModel("s", map[string]any{
		"name":    "S",
		"command": "python",
		"port":    int64(9000),
		"api":     "http://localhost:9000/api/v1",
		"args":    []any{"server.py", "--port", 9000},
	}, zerolog.Nop())
	if err != nil {
		t.Fatalf("normalize: %v", err)
	}
	if m.APIDerived || m.API != "http://localhost:9000/api/v1" {
		t.Fatalf("explicit api overridden: %q", m.API)
	}
	if !reflect.DeepEqual(m.Args, []string{"server.py", "--port", "9000"}) {
		t.Fatalf("args=%v", m.Args)
	}
}

func TestNormalize_APIKeyExpandsEnv(t *testing.T) {
	t.Setenv("IMGD_TEST_KEY", "sk-live")
	m, err := normalizeModel("r", map[string]any{"name": "R", "exec_mode": "api", "api_key": "${IMGD_TEST_KEY}"}, zerolog.Nop())
	if err != nil {
		t.Fatalf("normalize: %v", err)
	}
	if m.APIKey != "sk-live" {
		t.Fatalf("api key=%q", m.APIKey)
	}
}
