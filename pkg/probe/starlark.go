package probe

import (
	"context"
	"fmt"
	"time"

	"go.starlark.net/starlark"
)

// StarlarkProbe interrogates a binary whose output needs custom extraction
// logic beyond dot paths and version patterns. The script receives the raw
// probe output as the predeclared string `output` and must define an
// `extract(output)` function returning a dict with at least a "version"
// key. Scripts run sandboxed with print suppressed and a hard timeout.
type StarlarkProbe struct {
	// Args is the argument vector for the probe invocation.
	Args []string

	// Script is the Starlark extractor source.
	Script string

	// Timeout bounds script execution, not the probe invocation itself.
	Timeout time.Duration
}

// NewStarlarkProbe returns a StarlarkProbe with a 10 second script timeout.
func NewStarlarkProbe(args []string, script string) *StarlarkProbe {
	return &StarlarkProbe{
		Args:    args,
		Script:  script,
		Timeout: 10 * time.Second,
	}
}

// Probe runs the binary and hands the output to the extractor script.
func (p *StarlarkProbe) Probe(ctx context.Context, path string) (*Report, error) {
	output, err := runCommand(ctx, path, p.Args...)
	if err != nil {
		return nil, err
	}
	return p.Parse(ctx, output)
}

// Parse evaluates the extractor script against a raw output capture.
func (p *StarlarkProbe) Parse(ctx context.Context, output string) (*Report, error) {
	timeout := p.Timeout
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	evalCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	resultCh := make(chan *Report, 1)
	errCh := make(chan error, 1)

	go func() {
		report, err := p.extract(output)
		if err != nil {
			errCh <- err
		} else {
			resultCh <- report
		}
	}()

	select {
	case <-evalCtx.Done():
		return nil, fmt.Errorf("extractor script timeout after %v", timeout)
	case err := <-errCh:
		return nil, err
	case report := <-resultCh:
		return report, nil
	}
}

func (p *StarlarkProbe) extract(output string) (*Report, error) {
	thread := &starlark.Thread{
		Name: "probe-extractor",
		Print: func(_ *starlark.Thread, msg string) {
			// Suppress print for security
		},
	}

	predeclared := starlark.StringDict{
		"output": starlark.String(output),
	}

	globals, err := starlark.ExecFile(thread, "extractor.star", p.Script, predeclared)
	if err != nil {
		return nil, fmt.Errorf("extractor script failed: %w", err)
	}

	fn, ok := globals["extract"]
	if !ok {
		return nil, fmt.Errorf("extractor script must define extract(output)")
	}

	result, err := starlark.Call(thread, fn, starlark.Tuple{starlark.String(output)}, nil)
	if err != nil {
		return nil, fmt.Errorf("extract() call failed: %w", err)
	}

	dict, ok := result.(*starlark.Dict)
	if !ok {
		return nil, fmt.Errorf("extract() must return a dict, got %s", result.Type())
	}

	report := &Report{}
	report.Version = dictString(dict, "version")
	if report.Version == "" {
		return nil, fmt.Errorf("extract() returned no version")
	}
	report.Name = dictString(dict, "name")
	report.BuildDate = dictString(dict, "build_date")
	report.Hash = dictString(dict, "hash")
	if v, found, _ := dict.Get(starlark.String("build_number")); found {
		if i, ok := v.(starlark.Int); ok {
			if n, ok := i.Int64(); ok {
				report.BuildNumber = int(n)
			}
		}
	}
	if v, found, _ := dict.Get(starlark.String("capabilities")); found {
		if list, ok := v.(*starlark.List); ok {
			for i := 0; i < list.Len(); i++ {
				if s, ok := list.Index(i).(starlark.String); ok {
					report.Capabilities = append(report.Capabilities, string(s))
				}
			}
		}
	}
	return report, nil
}

func dictString(d *starlark.Dict, key string) string {
	v, found, err := d.Get(starlark.String(key))
	if err != nil || !found {
		return ""
	}
	if s, ok := v.(starlark.String); ok {
		return string(s)
	}
	return ""
}
