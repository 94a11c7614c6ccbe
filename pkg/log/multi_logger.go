package log

// MultiLogger hands every event to each logger in turn.
type MultiLogger []Logger

// NewMultiLogger combines loggers, dropping nils. A single survivor is
// returned as is and none at all gives a NoopLogger.
func NewMultiLogger(loggers ...Logger) Logger {
	var m MultiLogger
	for _, l := range loggers {
		if l != nil {
			m = append(m, l)
		}
	}
	switch len(m) {
	case 0:
		return NoopLogger{}
	case 1:
		return m[0]
	}
	return m
}

func (m MultiLogger) Log(event Event) {
	for _, l := range m {
		l.Log(event)
	}
}
