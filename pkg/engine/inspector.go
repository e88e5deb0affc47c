package engine

import (
	"context"
	"os"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/verge-sh/verge/pkg/probe"
	"github.com/verge-sh/verge/pkg/telemetry"
)

// ComponentSpec is the static registration of one component: where its
// binary lives and how to interrogate it. Registration is configuration,
// never runtime introspection of the binary.
type ComponentSpec struct {
	// Name is the component identifier.
	Name string

	// Path is the absolute path of the binary.
	Path string

	// Managed is true when this reconciler owns replacement of the
	// binary.
	Managed bool

	// Source names where an external binary comes from, e.g. its vendor
	// site. Informational only.
	Source string

	// UpdateMethod names the mechanism that keeps an external binary up
	// to date.
	UpdateMethod string

	// Prober interrogates the binary. Managed components typically use a
	// structured JSON probe; external ones a free-text pattern probe.
	Prober probe.Prober
}

// InspectorOptions tunes one inspection pass.
type InspectorOptions struct {
	// Parallelism bounds the probe worker pool. Defaults to 4.
	Parallelism int

	// ProbeTimeout bounds each individual probe. Defaults to 5s.
	ProbeTimeout time.Duration

	// OverallTimeout bounds the whole pass. Defaults to 60s.
	OverallTimeout time.Duration

	// Strict aborts the pass on the first probe failure instead of
	// degrading that component's status.
	Strict bool
}

func (o InspectorOptions) withDefaults() InspectorOptions {
	if o.Parallelism <= 0 {
		o.Parallelism = 4
	}
	if o.ProbeTimeout <= 0 {
		o.ProbeTimeout = 5 * time.Second
	}
	if o.OverallTimeout <= 0 {
		o.OverallTimeout = 60 * time.Second
	}
	return o
}

// Inspector interrogates registered components and produces a StateMap.
type Inspector struct {
	specs   []ComponentSpec
	opts    InspectorOptions
	logger  *telemetry.Logger
	metrics *telemetry.Metrics
	events  *telemetry.EventPublisher
}

// NewInspector creates an inspector over the given component registry.
func NewInspector(specs []ComponentSpec, opts InspectorOptions, logger *telemetry.Logger, metrics *telemetry.Metrics, events *telemetry.EventPublisher) *Inspector {
	return &Inspector{
		specs:   specs,
		opts:    opts.withDefaults(),
		logger:  logger,
		metrics: metrics,
		events:  events,
	}
}

// Inspect probes every registered component concurrently over a bounded
// pool. Each probe is a read-only subprocess call, so independent probes
// are safe to run in parallel. A probe failure degrades only that
// component's status; in strict mode it aborts the pass instead.
func (i *Inspector) Inspect(ctx context.Context) (*StateMap, error) {
	ctx, cancel := context.WithTimeout(ctx, i.opts.OverallTimeout)
	defer cancel()

	results := make([]Component, len(i.specs))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(i.opts.Parallelism)
	for idx, spec := range i.specs {
		g.Go(func() error {
			c := i.inspectOne(gctx, spec)
			results[idx] = c
			if i.opts.Strict && c.Status != StatusHealthy {
				return NewPermanentError("probe failed in strict mode", nil).
					WithCode(ErrCodeProbeFailed).WithComponent(c.Name).
					WithDetail("status", string(c.Status)).
					WithDetail("error", c.Error)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return nil, NewTransientError("inspection timed out", ctx.Err()).WithCode(ErrCodeTimeout)
		}
		return nil, err
	}
	if ctx.Err() == context.DeadlineExceeded {
		return nil, NewTransientError("inspection timed out", ctx.Err()).WithCode(ErrCodeTimeout)
	}

	state := &StateMap{
		Components:  make(map[string]Component, len(results)),
		InspectedAt: time.Now().UTC(),
		Healthy:     true,
	}
	for _, c := range results {
		state.Components[c.Name] = c
		state.Summary.Total++
		if i.metrics != nil {
			i.metrics.SetComponentHealth(c.Name, string(c.Status), c.Status == StatusHealthy)
		}
		switch c.Status {
		case StatusHealthy:
			state.Summary.Healthy++
		case StatusMissing:
			state.Summary.Missing++
		case StatusCorrupted:
			state.Summary.Corrupted++
		default:
			state.Summary.Unknown++
		}
		if c.Managed && c.Status != StatusHealthy {
			state.Healthy = false
		}
	}
	return state, nil
}

// inspectOne classifies a single component. The inspector hashes the file
// itself: probes only supply version information, the hash of record is
// always computed from the bytes on disk.
func (i *Inspector) inspectOne(ctx context.Context, spec ComponentSpec) Component {
	start := time.Now()
	c := Component{
		Name:         spec.Name,
		Path:         spec.Path,
		Managed:      spec.Managed,
		Source:       spec.Source,
		UpdateMethod: spec.UpdateMethod,
	}

	info, err := os.Stat(spec.Path)
	if err != nil || info.IsDir() {
		c.Status = StatusMissing
		if err != nil && !os.IsNotExist(err) {
			c.Error = err.Error()
		}
		i.observeProbe(spec.Name, string(c.Status), start)
		return c
	}
	c.SizeBytes = info.Size()

	hash, err := HashFile(spec.Path)
	if err != nil {
		c.Status = StatusCorrupted
		c.Error = err.Error()
		i.observeProbe(spec.Name, string(c.Status), start)
		return c
	}
	c.Hash = hash

	if spec.Prober == nil {
		// Hash-only registration: presence and hash are the whole story.
		c.Status = StatusHealthy
		i.observeProbe(spec.Name, "healthy", start)
		return c
	}

	probeCtx, cancel := context.WithTimeout(ctx, i.opts.ProbeTimeout)
	report, err := spec.Prober.Probe(probeCtx, spec.Path)
	cancel()
	if err != nil {
		if probeCtx.Err() == context.DeadlineExceeded {
			c.Status = StatusUnknown
		} else {
			c.Status = StatusCorrupted
		}
		c.Error = err.Error()
		if i.logger != nil {
			i.logger.WithComponentName(spec.Name).WithError(err).Warn("probe failed")
		}
		if i.events != nil {
			i.events.PublishProbeFailed(spec.Name, string(c.Status), err.Error())
		}
		i.observeProbe(spec.Name, string(c.Status), start)
		return c
	}

	c.Status = StatusHealthy
	c.Version = report.Version
	c.BuildNumber = report.BuildNumber
	c.Capabilities = report.Capabilities
	i.observeProbe(spec.Name, "healthy", start)
	return c
}

func (i *Inspector) observeProbe(component, status string, start time.Time) {
	if i.metrics == nil {
		return
	}
	i.metrics.RecordProbe(component, status, time.Since(start))
}
