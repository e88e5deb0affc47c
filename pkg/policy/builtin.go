package policy

import (
	"time"
)

// GetBuiltinPolicies returns all built-in policies.
func GetBuiltinPolicies() []Policy {
	return []Policy{
		hashRequiredPolicy(),
		stagingHygienePolicy(),
		pinnedComponentsPolicy(),
		batchSizePolicy(),
		removeScopePolicy(),
	}
}

// hashRequiredPolicy rejects mutations without a declared target hash.
func hashRequiredPolicy() Policy {
	return Policy{
		Name:        "hash-required",
		Description: "Every add or update must declare the target content hash",
		Severity:    SeverityError,
		Enabled:     true,
		Tags:        []string{"integrity"},
		CreatedAt:   time.Now(),
		UpdatedAt:   time.Now(),
		Rego: `package verge.policies.hash

import rego.v1

deny contains violation if {
	some change in input.changes
	change.kind != "remove"
	not change.to_hash
	violation := {
		"message": sprintf("change for %s declares no target hash", [change.component]),
		"severity": "error",
		"component": change.component,
	}
}
`,
	}
}

// stagingHygienePolicy rejects staging sources that escape the staging
// directory.
func stagingHygienePolicy() Policy {
	return Policy{
		Name:        "staging-hygiene",
		Description: "Staging sources must be plain relative names inside the staging directory",
		Severity:    SeverityError,
		Enabled:     true,
		Tags:        []string{"integrity", "staging"},
		CreatedAt:   time.Now(),
		UpdatedAt:   time.Now(),
		Rego: `package verge.policies.staging

import rego.v1

deny contains violation if {
	some change in input.changes
	change.staging_source
	contains(change.staging_source, "..")
	violation := {
		"message": sprintf("staging source for %s traverses outside the staging directory", [change.component]),
		"severity": "error",
		"component": change.component,
	}
}
`,
	}
}

// pinnedComponentsPolicy rejects changes to components the context pins.
func pinnedComponentsPolicy() Policy {
	return Policy{
		Name:        "pinned-components",
		Description: "Components pinned by the operator must not be changed",
		Severity:    SeverityError,
		Enabled:     true,
		Tags:        []string{"operations"},
		CreatedAt:   time.Now(),
		UpdatedAt:   time.Now(),
		Rego: `package verge.policies.pinned

import rego.v1

deny contains violation if {
	some change in input.changes
	some pinned in input.context.pinned
	change.component == pinned
	violation := {
		"message": sprintf("component %s is pinned and may not be changed", [change.component]),
		"severity": "error",
		"component": change.component,
	}
}
`,
	}
}

// batchSizePolicy caps the number of mutations per run.
func batchSizePolicy() Policy {
	return Policy{
		Name:        "batch-size",
		Description: "Caps the number of mutations a single run may apply",
		Severity:    SeverityError,
		Enabled:     true,
		Tags:        []string{"operations"},
		CreatedAt:   time.Now(),
		UpdatedAt:   time.Now(),
		Rego: `package verge.policies.batch

import rego.v1

deny contains violation if {
	input.context.max_batch_size > 0
	count(input.changes) > input.context.max_batch_size
	violation := {
		"message": sprintf("batch of %d changes exceeds the cap of %d", [count(input.changes), input.context.max_batch_size]),
		"severity": "error",
	}
}
`,
	}
}

// removeScopePolicy guards the additive default: removes only appear under
// exhaustive sync.
func removeScopePolicy() Policy {
	return Policy{
		Name:        "remove-scope",
		Description: "Removes are only admitted under exhaustive sync mode",
		Severity:    SeverityError,
		Enabled:     true,
		Tags:        []string{"integrity"},
		CreatedAt:   time.Now(),
		UpdatedAt:   time.Now(),
		Rego: `package verge.policies.removescope

import rego.v1

deny contains violation if {
	some change in input.changes
	change.kind == "remove"
	input.context.sync_mode != "exhaustive"
	violation := {
		"message": sprintf("remove of %s requested under additive sync", [change.component]),
		"severity": "error",
		"component": change.component,
	}
}
`,
	}
}
