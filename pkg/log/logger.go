package log

// Logger receives protocol events. Implementations must be safe for
// concurrent use and must not block; the transport calls Log inline.
type Logger interface {
	Log(event Event)
}

// NoopLogger discards everything. The zero value is ready to use.
type NoopLogger struct{}

func (NoopLogger) Log(Event) {}

// OrNoop returns l, or NoopLogger when l is nil.
func OrNoop(l Logger) Logger {
	if l == nil {
		return NoopLogger{}
	}
	return l
}
