package subsync

// Field is a key/value pair attached to a log line. Event ids, user ids,
// and provider subscription ids ride along as fields so log backends can
// index them.
type Field struct {
	Key   string
	Value interface{}
}

// Logger receives diagnostic output from the processor and reconciler.
// Implementations must be safe for concurrent use; webhook deliveries
// overlap.
type Logger interface {
	Debug(msg string, fields ...Field)
	Info(msg string, fields ...Field)
	Warn(msg string, fields ...Field)
	Error(msg string, fields ...Field)
}

// NoopLogger discards everything. It is the default when no Logger is
// configured.
type NoopLogger struct{}

func (n *NoopLogger) Debug(msg string, fields ...Field) {}
func (n *NoopLogger) Info(msg string, fields ...Field)  {}
func (n *NoopLogger) Warn(msg string, fields ...Field)  {}
func (n *NoopLogger) Error(msg string, fields ...Field) {}
