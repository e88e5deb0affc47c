package probe

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
)

// JSONProbe interrogates a managed binary that reports its identity as a
// JSON document on stdout. Field locations are expressed as dot paths into
// the document ("version", "build.number") so that different report shapes
// can share one prober.
type JSONProbe struct {
	// Args is the argument vector that triggers the structured report.
	Args []string

	// VersionPath locates the version string. Required.
	VersionPath string

	// NamePath locates the component name. Optional.
	NamePath string

	// BuildNumberPath locates the build counter. Optional.
	BuildNumberPath string

	// BuildDatePath locates the build date. Optional.
	BuildDatePath string

	// HashPath locates the self-reported content hash. Optional.
	HashPath string

	// CapabilitiesPath locates the capability list. Optional.
	CapabilitiesPath string
}

// NewJSONProbe returns a JSONProbe with the common defaults: `info --json`
// and top-level field names.
func NewJSONProbe() *JSONProbe {
	return &JSONProbe{
		Args:            []string{"info", "--json"},
		VersionPath:     "version",
		NamePath:        "name",
		BuildNumberPath: "build_number",
		BuildDatePath:   "build_date",
		HashPath:        "hash",
	}
}

// Probe runs the binary and decodes its JSON report.
func (p *JSONProbe) Probe(ctx context.Context, path string) (*Report, error) {
	output, err := runCommand(ctx, path, p.Args...)
	if err != nil {
		return nil, err
	}
	return p.Parse(output)
}

// Parse decodes a raw output capture. Leading non-JSON noise (log lines
// printed before the document) is skipped.
func (p *JSONProbe) Parse(output string) (*Report, error) {
	start := jsonStart(output)
	if start < 0 {
		return nil, fmt.Errorf("no JSON document in probe output")
	}

	var doc map[string]interface{}
	if err := json.Unmarshal([]byte(output[start:]), &doc); err != nil {
		return nil, fmt.Errorf("failed to decode probe output: %w", err)
	}

	version, ok := lookupString(doc, p.VersionPath)
	if !ok || version == "" {
		return nil, fmt.Errorf("probe output missing version at %q", p.VersionPath)
	}

	report := &Report{Version: version}
	if p.NamePath != "" {
		report.Name, _ = lookupString(doc, p.NamePath)
	}
	if p.BuildNumberPath != "" {
		if n, ok := lookupNumber(doc, p.BuildNumberPath); ok {
			report.BuildNumber = int(n)
		}
	}
	if p.BuildDatePath != "" {
		report.BuildDate, _ = lookupString(doc, p.BuildDatePath)
	}
	if p.HashPath != "" {
		report.Hash, _ = lookupString(doc, p.HashPath)
	}
	if p.CapabilitiesPath != "" {
		report.Capabilities = lookupStrings(doc, p.CapabilitiesPath)
	}
	return report, nil
}

// lookup walks a dot path through nested JSON objects.
func lookup(doc map[string]interface{}, path string) (interface{}, bool) {
	parts := strings.Split(path, ".")
	var cur interface{} = doc
	for _, part := range parts {
		m, ok := cur.(map[string]interface{})
		if !ok {
			return nil, false
		}
		cur, ok = m[part]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

func lookupString(doc map[string]interface{}, path string) (string, bool) {
	v, ok := lookup(doc, path)
	if !ok {
		return "", false
	}
	switch s := v.(type) {
	case string:
		return s, true
	case float64:
		return fmt.Sprintf("%v", s), true
	}
	return "", false
}

func lookupNumber(doc map[string]interface{}, path string) (float64, bool) {
	v, ok := lookup(doc, path)
	if !ok {
		return 0, false
	}
	n, ok := v.(float64)
	return n, ok
}

func lookupStrings(doc map[string]interface{}, path string) []string {
	v, ok := lookup(doc, path)
	if !ok {
		return nil
	}
	items, ok := v.([]interface{})
	if !ok {
		return nil
	}
	out := make([]string, 0, len(items))
	for _, item := range items {
		if s, ok := item.(string); ok {
			out = append(out, s)
		}
	}
	return out
}
