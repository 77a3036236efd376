package models

// Definition is a named launch read from a spec file or produced by a script.
type Definition struct {
	Name               string     `yaml:"name"`
	Description        string     `yaml:"description"`
	ComputeEnvFilter   string     `yaml:"compute_env_filter"`
	IgnorePreviousRuns bool       `yaml:"ignore_previous_runs"`
	Launch             LaunchSpec `yaml:",inline"`
}
