package probe

import (
	"context"
	"fmt"
	"regexp"
	"strings"
)

// versionPatterns are tried in order against free-text probe output. The
// first capturing match wins. Order matters: the more specific prefixed
// forms must win over the bare dotted-number fallbacks.
var versionPatterns = []*regexp.Regexp{
	regexp.MustCompile(`version\s+is\s+([0-9]+\.[0-9]+\.[0-9]+[^\s]*)`), // "version is 0.1.25"
	regexp.MustCompile(`version\s+([0-9]+\.[0-9]+\.[0-9]+[^\s]*)`),      // "version 1.22.0"
	regexp.MustCompile(`v([0-9]+\.[0-9]+\.[0-9]+[^\s]*)`),               // "v20.11.0"
	regexp.MustCompile(`([0-9]+\.[0-9]+\.[0-9]+\.[0-9]+)`),              // "146.0.7635.0"
	regexp.MustCompile(`([0-9]+\.[0-9]+\.[0-9]+)`),                      // "1.0.0"
}

// ParseVersion extracts a version string from free-text output. Returns
// empty string when no known pattern matches.
func ParseVersion(output string) string {
	for _, re := range versionPatterns {
		if m := re.FindStringSubmatch(output); len(m) > 1 {
			return strings.TrimSpace(m[1])
		}
	}
	return ""
}

// PatternProbe interrogates an external binary that answers a version flag
// in free text. It carries an optional custom pattern; otherwise the shared
// patterns are tried.
type PatternProbe struct {
	// Args is the argument vector, typically {"--version"}.
	Args []string

	// Pattern overrides the builtin version patterns when set. It must
	// contain exactly one capturing group.
	Pattern *regexp.Regexp

	// Name is reported verbatim since external binaries do not declare
	// their component name.
	Name string
}

// NewPatternProbe returns a PatternProbe using `--version` and the builtin
// pattern set.
func NewPatternProbe(name string) *PatternProbe {
	return &PatternProbe{
		Args: []string{"--version"},
		Name: name,
	}
}

// Probe runs the binary and extracts a version from its output.
func (p *PatternProbe) Probe(ctx context.Context, path string) (*Report, error) {
	output, err := runCommand(ctx, path, p.Args...)
	if err != nil {
		return nil, err
	}
	return p.Parse(output)
}

// Parse extracts a Report from a raw output capture.
func (p *PatternProbe) Parse(output string) (*Report, error) {
	var version string
	if p.Pattern != nil {
		if m := p.Pattern.FindStringSubmatch(output); len(m) > 1 {
			version = strings.TrimSpace(m[1])
		}
	} else {
		version = ParseVersion(output)
	}
	if version == "" {
		return nil, fmt.Errorf("no version found in probe output")
	}
	return &Report{Name: p.Name, Version: version}, nil
}
