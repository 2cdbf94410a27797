package registry

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/rs/zerolog"

	"imgd/internal/common/fsutil"
	"imgd/internal/config"
)

// source is the on-disk shape of one model config file.
type source struct {
	DefaultModel  string                    `json:"default_model" yaml:"default_model" toml:"default_model"`
	DefaultModels map[string]string         `json:"default_models" yaml:"default_models" toml:"default_models"`
	Models        map[string]map[string]any `json:"models" yaml:"models" toml:"models"`
}

var sourceExts = map[string]bool{".yaml": true, ".yml": true, ".json": true, ".toml": true}

// LoadDir loads every recognized model config source in dir. Special files
// (settings.*, then models.*) are read first, then models-*.* in lexical order.
// Other files are ignored.
func LoadDir(dir string, logger zerolog.Logger) (*Registry, error) {
	base, err := fsutil.ExpandHome(dir)
	if err != nil {
		return nil, err
	}
	abs, err := filepath.Abs(base)
	if err != nil {
		return nil, fmt.Errorf("abs path: %w", err)
	}
	entries, err := os.ReadDir(abs)
	if err != nil {
		return nil, fmt.Errorf("read dir: %w", err)
	}
	var paths []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if sourceRank(e.Name()) < 0 {
			continue
		}
		paths = append(paths, filepath.Join(abs, e.Name()))
	}
	return LoadFiles(logger, paths...)
}

// LoadFiles loads the given sources using the same precedence as LoadDir.
// Files with names outside the settings/models convention are read after the
// special files, in lexical order. A missing or unparseable source is fatal, as
// is having no sources at all; a malformed model entry is skipped.
func LoadFiles(logger zerolog.Logger, paths ...string) (*Registry, error) {
	if len(paths) == 0 {
		return nil, fmt.Errorf("no model config sources found")
	}
	ordered := orderSources(paths)
	r := newRegistry(logger)
	for _, p := range ordered {
		b, err := os.ReadFile(p)
		if err != nil {
			return nil, fmt.Errorf("read model config %s: %w", p, err)
		}
		var src source
		if err := config.Decode(p, b, &src); err != nil {
			return nil, fmt.Errorf("parse model config %s: %w", p, err)
		}
		r.merge(p, src)
	}
	logger.Info().Int("sources", len(ordered)).Int("models", len(r.order)).Msg("model registry loaded")
	return r, nil
}

// sourceRank orders config files: settings=0, models=1, models-*=2, other
// recognized extensions=3, unrecognized=-1.
func sourceRank(name string) int {
	ext := strings.ToLower(filepath.Ext(name))
	if !sourceExts[ext] {
		return -1
	}
	stem := strings.ToLower(strings.TrimSuffix(name, filepath.Ext(name)))
	switch {
	case stem == "settings":
		return 0
	case stem == "models":
		return 1
	case strings.HasPrefix(stem, "models-"):
		return 2
	default:
		return -1
	}
}

func orderSources(paths []string) []string {
	out := append([]string(nil), paths...)
	rank := func(p string) int {
		r := sourceRank(filepath.Base(p))
		if r < 0 {
			return 3
		}
		return r
	}
	sort.SliceStable(out, func(i, j int) bool {
		ri, rj := rank(out[i]), rank(out[j])
		if ri != rj {
			return ri < rj
		}
		return filepath.Base(out[i]) < filepath.Base(out[j])
	})
	return out
}

// merge folds one source into r. Later sources override models by id and
// default settings by key.
func (r *Registry) merge(path string, src source) {
	if strings.TrimSpace(src.DefaultModel) != "" {
		r.defaultModel = strings.TrimSpace(src.DefaultModel)
	}
	for jobType, id := range src.DefaultModels {
		r.typeDefaults[strings.ToLower(jobType)] = id
	}
	ids := make([]string, 0, len(src.Models))
	for id := range src.Models {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		mdl, err := normalizeModel(id, src.Models[id], r.log)
		if err != nil {
			r.log.Warn().Str("source", filepath.Base(path)).Str("model", id).Err(err).Msg("skipping model entry")
			continue
		}
		if _, exists := r.models[id]; !exists {
			r.order = append(r.order, id)
		}
		r.models[id] = mdl
	}
}
