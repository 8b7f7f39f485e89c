package observability

import "time"

// NoopLogger is a logger that discards all messages
type NoopLogger struct{}

// NewNoopLogger creates a new NoopLogger
func NewNoopLogger() Logger {
	return &NoopLogger{}
}

func (l *NoopLogger) Debug(msg string, fields map[string]interface{}) {}
func (l *NoopLogger) Info(msg string, fields map[string]interface{})  {}
func (l *NoopLogger) Warn(msg string, fields map[string]interface{})  {}
func (l *NoopLogger) Error(msg string, fields map[string]interface{}) {}
func (l *NoopLogger) Fatal(msg string, fields map[string]interface{}) {}

func (l *NoopLogger) WithPrefix(prefix string) Logger           { return l }
func (l *NoopLogger) With(fields map[string]interface{}) Logger { return l }

// NoopMetricsClient is a metrics client that discards all measurements
type NoopMetricsClient struct{}

// NewNoopMetricsClient creates a new NoopMetricsClient
func NewNoopMetricsClient() MetricsClient {
	return &NoopMetricsClient{}
}

func (m *NoopMetricsClient) RecordCounter(name string, value float64, labels map[string]string) {}
func (m *NoopMetricsClient) RecordGauge(name string, value float64, labels map[string]string)   {}
func (m *NoopMetricsClient) RecordLatency(operation string, duration time.Duration)             {}
func (m *NoopMetricsClient) IncrementCounter(name string, value float64)                        {}
func (m *NoopMetricsClient) Close() error                                                       { return nil }
