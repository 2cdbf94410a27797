package registry

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/rs/zerolog"

	"imgd/pkg/types"
)

const listenHost = "127.0.0.1"

// listenFlags are the argument spellings that already pin a listen port.
var listenFlags = []string{"--listen-port", "--port"}

// normalizeModel validates one raw config entry and returns its descriptor.
// Invalid modes fall back to safe defaults with a warning; missing required
// fields return an error so the caller can skip the entry.
func normalizeModel(id string, raw map[string]any, log zerolog.Logger) (types.ModelDescriptor, error) {
	mdl := types.ModelDescriptor{ID: id}
	if raw == nil {
		return mdl, fmt.Errorf("empty model entry")
	}
	mdl.Name = asString(raw["name"])
	if mdl.Name == "" {
		return mdl, fmt.Errorf("missing required field: name")
	}
	mdl.Description = asString(raw["description"])

	mdl.ExecMode = types.ExecServer
	if v := strings.ToLower(asString(raw["exec_mode"])); v != "" {
		if m := types.ExecMode(v); m.Valid() {
			mdl.ExecMode = m
		} else {
			log.Warn().Str("model", id).Str("exec_mode", v).Msg("invalid exec_mode, defaulting to server")
		}
	}

	mdl.LoadMode = types.LoadOnDemand
	modeRaw := asString(raw["mode"])
	if modeRaw == "" {
		modeRaw = asString(raw["load_mode"])
	}
	if v := strings.ReplaceAll(strings.ToLower(modeRaw), "-", "_"); v != "" {
		if m := types.LoadMode(v); m.Valid() {
			mdl.LoadMode = m
		} else {
			log.Warn().Str("model", id).Str("mode", modeRaw).Msg("invalid mode, defaulting to on_demand")
		}
	}

	mdl.Command = asString(raw["command"])
	if mdl.ExecMode.LocalProcess() && mdl.Command == "" {
		return mdl, fmt.Errorf("%s mode requires command", mdl.ExecMode)
	}
	mdl.APIKey = os.ExpandEnv(asString(raw["api_key"]))
	if mdl.ExecMode == types.ExecAPI && mdl.APIKey == "" {
		return mdl, fmt.Errorf("api mode requires api_key")
	}

	mdl.Args = asStringSlice(raw["args"])
	mdl.ModelType = asString(raw["model_type"])
	mdl.Capabilities = asStringSlice(raw["capabilities"])
	if len(mdl.Capabilities) == 0 {
		mdl.Capabilities = inferCapabilities(mdl.ModelType)
	}
	if port, ok := asInt(raw["port"]); ok && port > 0 {
		mdl.Port = port
	}
	mdl.API = strings.TrimRight(asString(raw["api"]), "/")
	if mdl.ExecMode == types.ExecServer && mdl.Port > 0 {
		if mdl.API == "" {
			mdl.API = fmt.Sprintf("http://%s:%d/v1", listenHost, mdl.Port)
			mdl.APIDerived = true
		}
		mdl.Args = injectListenArgs(mdl.Args)
	}
	if gp, ok := raw["generation_params"].(map[string]any); ok {
		mdl.GenerationParams = gp
	}
	mdl.ReadyPatterns = asStringSlice(raw["ready_patterns"])
	mdl.ReadyStrategy = asString(raw["ready_strategy"])
	mdl.HealthPath = asString(raw["health_path"])
	mdl.Default, _ = raw["default"].(bool)
	return mdl, nil
}

// injectListenArgs appends a listen address/port pair unless args already
// pin the port. Safe to call repeatedly.
func injectListenArgs(args []string) []string {
	for _, a := range args {
		if strings.Contains(a, "{port}") {
			return args
		}
		for _, f := range listenFlags {
			if a == f || strings.HasPrefix(a, f+"=") {
				return args
			}
		}
	}
	out := append([]string(nil), args...)
	return append(out, "--listen-ip", listenHost, "--listen-port", "{port}")
}

func inferCapabilities(modelType string) []string {
	switch strings.ToLower(modelType) {
	case "image-to-image", "img2img", "edit":
		return []string{types.CapImageToImage}
	case "both", "text-and-image", "any":
		return []string{types.CapTextToImage, types.CapImageToImage}
	case "upscaler", "upscale":
		return []string{types.CapUpscale}
	default:
		return []string{types.CapTextToImage}
	}
}

func asString(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return strings.TrimSpace(x)
	case fmt.Stringer:
		return strings.TrimSpace(x.String())
	default:
		return strings.TrimSpace(fmt.Sprint(x))
	}
}

func asInt(v any) (int, bool) {
	switch x := v.(type) {
	case int:
		return x, true
	case int64:
		return int(x), true
	case uint64:
		return int(x), true
	case float64:
		return int(x), true
	case string:
		n, err := strconv.Atoi(strings.TrimSpace(x))
		return n, err == nil
	}
	return 0, false
}

// asStringSlice coerces a scalar or list into a string slice.
func asStringSlice(v any) []string {
	switch x := v.(type) {
	case nil:
		return nil
	case []string:
		return append([]string(nil), x...)
	case []any:
		out := make([]string, 0, len(x))
		for _, e := range x {
			out = append(out, asString(e))
		}
		return out
	default:
		s := asString(x)
		if s == "" {
			return nil
		}
		return []string{s}
	}
}
