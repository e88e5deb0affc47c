package config

// builtinConfigSchema constrains the CUE configuration shape before it is
// decoded. Unification with this schema catches type errors and invalid
// enum values with positions, which struct tag validation cannot report.
const builtinConfigSchema = `
root_dir?: string & !=""
bin_dir?: string
staging_dir?: string
snapshots_dir?: string
database_path?: string
policy_dir?: string

retention?: {
	max_count?:    int & >=0
	max_age_days?: int & >=0
}

validation?: {
	strict?:    bool
	sync_mode?: "additive" | "exhaustive"
}

inspection?: {
	parallelism?:             int & >=0 & <=64
	probe_timeout_seconds?:   int & >=0
	overall_timeout_seconds?: int & >=0
}

reconcile?: {
	watchdog_seconds?: int & >=0
	apply_retries?:    int & >=0 & <=10
}

telemetry?: {...}

components?: [...{
	name:    string & !=""
	path:    string & !=""
	managed?: bool
	source?:        string
	update_method?: string
	probe?: {
		type?:         "json" | "pattern" | "starlark" | "none"
		args?:         [...string]
		version_path?: string
		name_path?:    string
		pattern?:      string
		script?:       string
	}
}]
`
