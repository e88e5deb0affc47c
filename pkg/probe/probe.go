// Package probe implements the binary interrogation protocols used by the
// inspector. Managed components speak a structured self-description protocol
// (JSON on stdout); external components answer their own version flag in
// free text. Each component is registered with one Prober variant; the
// selection is static configuration, never runtime introspection of the
// binary.
package probe

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"time"
)

// Report is the normalized result of interrogating one binary.
type Report struct {
	// Name is the component name as reported by the binary.
	Name string `json:"name"`

	// Version is the declared version string.
	Version string `json:"version"`

	// BuildNumber is the build counter, when the binary reports one.
	BuildNumber int `json:"build_number,omitempty"`

	// BuildDate is the build date string, when reported.
	BuildDate string `json:"build_date,omitempty"`

	// Hash is the content hash the binary reports for itself, if any.
	// The inspector computes its own hash of the file regardless.
	Hash string `json:"hash,omitempty"`

	// Capabilities are the capability tags the binary advertises.
	Capabilities []string `json:"capabilities,omitempty"`
}

// Prober interrogates a binary at the given path and produces a Report.
// Implementations must honor the context deadline.
type Prober interface {
	Probe(ctx context.Context, path string) (*Report, error)
}

// DefaultTimeout is applied to a probe invocation when the caller's context
// carries no earlier deadline.
const DefaultTimeout = 5 * time.Second

// runCommand executes the binary with the given args and returns combined
// output. A timeout is derived from ctx, falling back to DefaultTimeout.
func runCommand(ctx context.Context, path string, args ...string) (string, error) {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, DefaultTimeout)
		defer cancel()
	}

	cmd := exec.CommandContext(ctx, path, args...)
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out

	err := cmd.Run()
	if ctx.Err() == context.DeadlineExceeded {
		return "", fmt.Errorf("probe timed out: %w", ctx.Err())
	}
	if err != nil {
		return out.String(), fmt.Errorf("probe exited with error: %w", err)
	}
	return out.String(), nil
}

// jsonStart returns the offset of the first '{' in output, or -1.
// Binaries are allowed to emit log lines before their JSON document.
func jsonStart(output string) int {
	for i := 0; i < len(output); i++ {
		if output[i] == '{' {
			return i
		}
	}
	return -1
}
