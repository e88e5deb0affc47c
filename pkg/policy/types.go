// Package policy gates computed deltas with Rego rules before the engine
// snapshots or mutates anything. Built-in rules cover batch hygiene;
// installations add their own .rego files under the policy directory.
package policy

import (
	"time"

	"github.com/verge-sh/verge/pkg/engine"
)

// Severity represents the severity level of a policy violation.
type Severity string

const (
	// SeverityInfo is for informational messages.
	SeverityInfo Severity = "info"

	// SeverityWarning is for warnings that should be reviewed.
	SeverityWarning Severity = "warning"

	// SeverityError is for violations that block the run.
	SeverityError Severity = "error"

	// SeverityCritical is for violations that must be addressed immediately.
	SeverityCritical Severity = "critical"
)

// Policy represents a policy rule with its Rego code.
type Policy struct {
	// Name is the unique name of the policy.
	Name string `json:"name"`

	// Description provides a human-readable description.
	Description string `json:"description"`

	// Rego contains the Rego policy code.
	Rego string `json:"rego"`

	// Severity is the default severity for violations.
	Severity Severity `json:"severity"`

	// Enabled indicates if the policy is active.
	Enabled bool `json:"enabled"`

	// Tags are labels for organizing policies.
	Tags []string `json:"tags,omitempty"`

	// CreatedAt is when the policy was created.
	CreatedAt time.Time `json:"created_at"`

	// UpdatedAt is when the policy was last updated.
	UpdatedAt time.Time `json:"updated_at"`
}

// Violation represents a single policy violation.
type Violation struct {
	// Policy is the name of the policy that was violated.
	Policy string `json:"policy"`

	// Component is the component the violation concerns, if any.
	Component string `json:"component,omitempty"`

	// Message is a human-readable violation message.
	Message string `json:"message"`

	// Severity is the violation severity level.
	Severity Severity `json:"severity"`

	// DetectedAt is when the violation was detected.
	DetectedAt time.Time `json:"detected_at"`
}

// Result is the outcome of evaluating all policies against one delta.
type Result struct {
	// Allowed is false when any error or critical violation exists.
	Allowed bool `json:"allowed"`

	// Violations lists every violation found.
	Violations []Violation `json:"violations"`

	// Warnings lists evaluation problems that did not block the run.
	Warnings []string `json:"warnings,omitempty"`

	// EvaluatedAt is when evaluation completed.
	EvaluatedAt time.Time `json:"evaluated_at"`
}

// AdmissionInput is the document handed to Rego as `input`.
type AdmissionInput struct {
	// Manifest is the target manifest.
	Manifest *engine.Manifest `json:"manifest"`

	// Changes are the delta's mutations.
	Changes []engine.Change `json:"changes"`

	// Context carries run-level facts the rules may consult.
	Context AdmissionContext `json:"context"`
}

// AdmissionContext is run-level metadata for policy rules.
type AdmissionContext struct {
	Timestamp time.Time `json:"timestamp"`
	SyncMode  string    `json:"sync_mode"`
	Operation string    `json:"operation"`

	// Pinned lists components that must not be changed.
	Pinned []string `json:"pinned,omitempty"`

	// MaxBatchSize caps the number of mutations per run. Zero disables
	// the cap.
	MaxBatchSize int `json:"max_batch_size"`
}
