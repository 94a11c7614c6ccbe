package log

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// FileLogger appends events to a .hlog file. Each event is written with a
// single write call, so a crash leaves at most one partial record at the
// tail, which Reader tolerates.
type FileLogger struct {
	mu     sync.Mutex
	f      *os.File
	events int
	err    error
	closed bool
}

// NewFileLogger appends to path, creating the file and its directory.
func NewFileLogger(path string) (*FileLogger, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return nil, fmt.Errorf("protocol log dir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o640)
	if err != nil {
		return nil, fmt.Errorf("open protocol log: %w", err)
	}
	return &FileLogger{f: f}, nil
}

// Log appends event. After the first write failure the logger goes quiet
// and Err reports the cause; the transport never waits on a broken disk.
func (l *FileLogger) Log(event Event) {
	record, encErr := EncodeEvent(event)

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed || l.err != nil {
		return
	}
	if encErr != nil {
		l.err = fmt.Errorf("encode event: %w", encErr)
		return
	}
	if _, err := l.f.Write(record); err != nil {
		l.err = fmt.Errorf("write protocol log: %w", err)
		return
	}
	l.events++
}

// Events is the number of events written so far.
func (l *FileLogger) Events() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.events
}

// Err returns the failure that stopped the logger, if any.
func (l *FileLogger) Err() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.err
}

// Close syncs and closes the file. It returns the write failure, if one
// stopped the logger earlier. Calling it again is a no-op.
func (l *FileLogger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil
	}
	l.closed = true
	return errors.Join(l.err, l.f.Sync(), l.f.Close())
}
