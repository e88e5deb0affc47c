package engine

import (
	"encoding/json"
	"fmt"
	"os"
	"runtime"
	"sort"
	"time"

	"github.com/go-playground/validator/v10"
)

// ManifestVersion is the format version stamped on generated manifests.
const ManifestVersion = "1"

var manifestValidator = validator.New()

// GenerateManifest produces a manifest describing the current state of all
// managed, healthy components. Pure transformation: no side effects beyond
// reading the state map.
func GenerateManifest(state *StateMap) *Manifest {
	hostname, _ := os.Hostname()
	m := &Manifest{
		Version:    ManifestVersion,
		Timestamp:  time.Now().Unix(),
		Components: make(map[string]ManifestComponent),
		Metadata: ManifestMetadata{
			GeneratedBy: "verge",
			Platform:    runtime.GOOS + "/" + runtime.GOARCH,
			Hostname:    hostname,
		},
	}
	for name, c := range state.Components {
		if !c.Managed || c.Status != StatusHealthy || c.Hash == "" {
			continue
		}
		m.Components[name] = ManifestComponent{
			Version:     c.Version,
			BuildNumber: c.BuildNumber,
			Hash:        c.Hash,
			Path:        c.Path,
			SizeBytes:   c.SizeBytes,
		}
	}
	return m
}

// LoadManifest parses and structurally validates a manifest file. A
// structural failure is rejected before anything else runs, with no
// filesystem mutation possible downstream.
func LoadManifest(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, NewPermanentError("cannot read manifest", err).
			WithCode(ErrCodeStructuralManifest).WithOperation("load_manifest")
	}

	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, NewPermanentError("malformed manifest JSON", err).
			WithCode(ErrCodeStructuralManifest).WithOperation("load_manifest")
	}

	if err := ValidateManifest(&m); err != nil {
		return nil, err
	}
	return &m, nil
}

// ValidateManifest checks required fields, hash shape (64 lowercase hex
// chars) and timestamp positivity. Signatures are not inspected.
func ValidateManifest(m *Manifest) error {
	if err := manifestValidator.Struct(m); err != nil {
		return NewPermanentError("manifest failed structural validation", err).
			WithCode(ErrCodeStructuralManifest).WithOperation("validate_manifest")
	}
	for name, c := range m.Components {
		if name == "" {
			return NewPermanentError("manifest contains a component with an empty name", nil).
				WithCode(ErrCodeStructuralManifest)
		}
		for _, r := range c.Hash {
			if (r < '0' || r > '9') && (r < 'a' || r > 'f') {
				return NewPermanentError(
					fmt.Sprintf("component %s hash must be 64 lowercase hex chars", name), nil).
					WithCode(ErrCodeStructuralManifest).WithComponent(name)
			}
		}
	}
	return nil
}

// SaveManifest writes a manifest as indented JSON.
func SaveManifest(m *Manifest, path string) error {
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return NewPermanentError("cannot encode manifest", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return NewPermanentError("cannot write manifest", err)
	}
	return nil
}

// Equivalent reports whether two manifests declare the same desired state.
// Manifests are content-addressed: identical component hash sets make them
// equivalent regardless of signature, timestamp or metadata.
func Equivalent(a, b *Manifest) bool {
	if len(a.Components) != len(b.Components) {
		return false
	}
	for name, ca := range a.Components {
		cb, ok := b.Components[name]
		if !ok || ca.Hash != cb.Hash {
			return false
		}
	}
	return true
}

// ComponentNames returns the manifest's component names in sorted order.
func (m *Manifest) ComponentNames() []string {
	names := make([]string, 0, len(m.Components))
	for name := range m.Components {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
