package monitoring

import (
	"fmt"
	"io"
	"strings"
)

// WritePrometheus renders every metric in the Prometheus text exposition
// format, sorted by name.
func (mr *MetricsRegistry) WritePrometheus(w io.Writer) error {
	for _, metric := range mr.GetAllMetrics() {
		if err := writePrometheusMetric(w, metric); err != nil {
			return err
		}
	}
	return nil
}

// Prometheus returns WritePrometheus output as a string.
func (mr *MetricsRegistry) Prometheus() string {
	var b strings.Builder
	mr.WritePrometheus(&b)
	return b.String()
}

func writePrometheusMetric(w io.Writer, metric Metric) error {
	if metric.Help != "" {
		if _, err := fmt.Fprintf(w, "# HELP %s %s\n", metric.Name, escapeHelp(metric.Help)); err != nil {
			return err
		}
	}
	if _, err := fmt.Fprintf(w, "# TYPE %s %s\n", metric.Name, string(metric.Type)); err != nil {
		return err
	}
	_, err := fmt.Fprintf(w, "%s %d\n", metric.Name, metric.Value)
	return err
}

func escapeHelp(value string) string {
	value = strings.ReplaceAll(value, "\\", "\\\\")
	value = strings.ReplaceAll(value, "\n", "\\n")
	return value
}
