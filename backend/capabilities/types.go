/*
 * backend/capabilities/types.go
 *
 * Defines the capability flags advertised to time-series consumers.
 */

package capabilities

// Capabilities reports which metric sources the backend can serve.
// Consumers use the flags to avoid requesting series that are doomed to be
// rejected (e.g. network rates without the kubelet Summary API).
type Capabilities struct {
	MetricsAPI bool `json:"metricsAPI"` // metrics.k8s.io is registered and answering.
	SummaryAPI bool `json:"summaryAPI"` // kubelet Summary API is reachable via node proxy.
}

// Logger represents the minimal logging interface required by the
// capability service.
type Logger interface {
	Debug(message string, source ...string)
	Info(message string, source ...string)
	Warn(message string, source ...string)
	Error(message string, source ...string)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...string) {}
func (noopLogger) Info(string, ...string)  {}
func (noopLogger) Warn(string, ...string)  {}
func (noopLogger) Error(string, ...string) {}

// NoopLogger returns a logger that discards everything.
func NoopLogger() Logger { return noopLogger{} }
