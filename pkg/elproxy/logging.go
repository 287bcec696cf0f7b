package elproxy

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/rs/zerolog"
)

// leveledWriter drops events below min before they reach the wrapped writer,
// so each output can have its own threshold under one logger.
type leveledWriter struct {
	io.Writer
	min zerolog.Level
}

var _ zerolog.LevelWriter = leveledWriter{}

func (w leveledWriter) WriteLevel(l zerolog.Level, p []byte) (int, error) {
	if l < w.min {
		return len(p), nil
	}
	return w.Writer.Write(p)
}

// logFile is a level-filtered log output backed by a file that can be
// reopened in place, for SIGHUP-driven rotation.
type logFile struct {
	name string
	min  zerolog.Level

	mu sync.Mutex
	f  *os.File
}

var _ zerolog.LevelWriter = (*logFile)(nil)

func openLogFile(name string, min zerolog.Level) (*logFile, error) {
	name, err := filepath.Abs(name)
	if err != nil {
		return nil, err
	}
	lf := &logFile{name: name, min: min}
	if lf.f, err = lf.open(); err != nil {
		return nil, err
	}
	return lf, nil
}

func (lf *logFile) open() (*os.File, error) {
	return os.OpenFile(lf.name, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0666)
}

// Reopen swaps in a fresh handle. On failure the old handle stays, so log
// output is never lost to a rotation race.
func (lf *logFile) Reopen() error {
	f, err := lf.open()
	if err != nil {
		return err
	}
	lf.mu.Lock()
	old := lf.f
	lf.f = f
	lf.mu.Unlock()
	return old.Close()
}

func (lf *logFile) Write(p []byte) (int, error) {
	lf.mu.Lock()
	defer lf.mu.Unlock()
	return lf.f.Write(p)
}

func (lf *logFile) WriteLevel(l zerolog.Level, p []byte) (int, error) {
	if l < lf.min {
		return len(p), nil
	}
	return lf.Write(p)
}

func configureLogging(c *Config) (zerolog.Logger, func(), error) {
	var outputs []io.Writer
	if c.LogStdout {
		var out io.Writer = os.Stdout
		if c.LogStdoutPretty {
			out = zerolog.ConsoleWriter{Out: os.Stdout}
		}
		outputs = append(outputs, leveledWriter{out, c.LogStdoutLevel})
	}
	var reopen func()
	if c.LogFile != "" {
		lf, err := openLogFile(c.LogFile, c.LogFileLevel)
		if err != nil {
			return zerolog.Logger{}, nil, fmt.Errorf("open log file: %w", err)
		}
		outputs = append(outputs, lf)
		reopen = func() {
			if err := lf.Reopen(); err != nil {
				fmt.Fprintf(os.Stderr, "error: reopen log file: %v\n", err)
			}
		}
	}
	l := zerolog.New(zerolog.MultiLevelWriter(outputs...)).
		Level(c.LogLevel).
		With().
		Timestamp().
		Logger()
	return l, reopen, nil
}
