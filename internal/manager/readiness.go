package manager

import (
	"regexp"
	"strings"

	"imgd/pkg/types"
)

// ReadinessDetector decides from a line of process output whether a server
// backend has finished initializing.
type ReadinessDetector interface {
	Ready(line string) bool
}

// RegexDetector matches output against an ordered list of patterns.
type RegexDetector struct {
	patterns []*regexp.Regexp
}

// NewRegexDetector compiles patterns case-insensitively. Invalid patterns are
// returned as an error.
func NewRegexDetector(patterns ...string) (*RegexDetector, error) {
	d := &RegexDetector{}
	for _, p := range patterns {
		re, err := regexp.Compile("(?i)" + p)
		if err != nil {
			return nil, err
		}
		d.patterns = append(d.patterns, re)
	}
	return d, nil
}

func mustRegexDetector(patterns ...string) *RegexDetector {
	d, err := NewRegexDetector(patterns...)
	if err != nil {
		panic(err)
	}
	return d
}

func (d *RegexDetector) Ready(line string) bool {
	for _, re := range d.patterns {
		if re.MatchString(line) {
			return true
		}
	}
	return false
}

// Built-in readiness families keyed by ModelDescriptor.ReadyStrategy.
var readinessFamilies = map[string]ReadinessDetector{
	"default": mustRegexDetector(
		`listening`,
		`server.*ready`,
		`uvicorn running`,
		`application startup complete`,
		`started server on`,
		`running on http`,
	),
	"sdcpp": mustRegexDetector(
		`listening on`,
		`server (is )?(listening|started)`,
		`start(ing)? http server`,
	),
	"comfy": mustRegexDetector(
		`to see the gui go to`,
		`starting server`,
	),
}

// RegisterReadinessFamily adds or replaces a named readiness strategy.
// Must be called before models using it are started.
func RegisterReadinessFamily(name string, d ReadinessDetector) {
	readinessFamilies[strings.ToLower(name)] = d
}

// detectorFor picks the detector for a model: explicit patterns first, then
// the named family, then the default family.
func detectorFor(mdl types.ModelDescriptor) (ReadinessDetector, error) {
	if len(mdl.ReadyPatterns) > 0 {
		return NewRegexDetector(mdl.ReadyPatterns...)
	}
	if d, ok := readinessFamilies[strings.ToLower(mdl.ReadyStrategy)]; ok {
		return d, nil
	}
	return readinessFamilies["default"], nil
}
