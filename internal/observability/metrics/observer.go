package metrics

import (
	"time"

	xerrors "PluginHost/internal/errors"
)

var (
	operations = registry.counter("pluginhost_plugin_operations_total",
		"Plugin lifecycle operations by outcome code.", "op", "code")
	operationLatency = registry.histogram("pluginhost_plugin_operation_duration_seconds",
		"Plugin lifecycle operation duration in seconds.", "op")
)

// Observer records manager operations; it satisfies plugin.Observer.
type Observer struct{}

// Observe counts the operation under its error code, "OK" on success.
func (Observer) Observe(op string, elapsed time.Duration, err error) {
	code := "OK"
	if err != nil {
		code = string(xerrors.CodeOf(err))
	}
	registry.inc(operations, op, code)
	registry.observe(operationLatency, elapsed.Seconds(), op)
}
