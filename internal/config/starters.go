package config

// StarterKinds returns default agent kinds for first-run setup.
// Used whenever config.yaml configures no kinds of its own.
func StarterKinds(engineBinary string) map[string]AgentKindConfig {
	return map[string]AgentKindConfig{
		"coder": {
			Binary: engineBinary,
			Args:   []string{"-p", "--append-system-prompt", "You are running unattended. Work the task to completion and print a final summary."},
		},
		"researcher": {
			Binary: engineBinary,
			Args:   []string{"-p", "--append-system-prompt", "Investigate thoroughly, cite sources, and print a structured findings report."},
		},
	}
}
