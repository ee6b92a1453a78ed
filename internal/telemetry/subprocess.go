package telemetry

import (
	"os"
	"sort"
	"strings"
)

// resourceAttrs builds the OTEL_RESOURCE_ATTRIBUTES value that labels a
// child's telemetry with its role, process name and run id.
// Returns "" when every label is empty.
func resourceAttrs(labels map[string]string) string {
	keys := make([]string, 0, len(labels))
	for k, v := range labels {
		if v != "" {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	attrs := make([]string, 0, len(keys))
	for _, k := range keys {
		attrs = append(attrs, "gasbot."+k+"="+labels[k])
	}
	return strings.Join(attrs, ",")
}

// ChildEnv returns the variables a child process needs to export to the same
// endpoints as the supervisor, labelled with role, process and run.
//
// Returns nil when telemetry is not configured in this process.
func ChildEnv(role, process, runID string) map[string]string {
	metricsURL := os.Getenv(EnvMetricsURL)
	logsURL := os.Getenv(EnvLogsURL)
	if metricsURL == "" && logsURL == "" {
		return nil
	}
	env := make(map[string]string)
	if metricsURL != "" {
		env[EnvMetricsURL] = metricsURL
	}
	if logsURL != "" {
		env[EnvLogsURL] = logsURL
	}
	if attrs := resourceAttrs(map[string]string{"role": role, "process": process, "run_id": runID}); attrs != "" {
		env["OTEL_RESOURCE_ATTRIBUTES"] = attrs
	}
	return env
}
